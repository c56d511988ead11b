// Package ocr turns scanned referral images into plain text by preprocessing
// the image and shelling out to tesseract.
package ocr

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

type Config struct {
	Tesseract     string        // binary name or absolute path; if empty -> "tesseract"
	TesseractLang string        // default "eng"
	Timeout       time.Duration // bound on a single tesseract run, default 30s
	WorkDir       string        // scratch dir for preprocessed pages; "" -> system temp
	MaxWidth      int           // scans wider than this are downscaled, default 2500
}

type Extractor struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

func NewExtractor(cfg Config, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.TesseractLang == "" {
		cfg.TesseractLang = "eng"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = 2500
	}
	return &Extractor{cfg: cfg, runner: execRunner{}, logger: logger}
}

var supportedExt = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".tiff": true,
	".tif":  true,
	".bmp":  true,
}

// Supported reports whether the filename has a recognizable image extension.
func Supported(filename string) bool {
	return supportedExt[strings.ToLower(filepath.Ext(filename))]
}

// Recognize preprocesses the scan and runs tesseract over it, returning the
// recognized text. Faxed referrals are routinely skewed and dim, so every page
// is grayscaled and oversized scans are downscaled before recognition.
func (e *Extractor) Recognize(ctx context.Context, filename string, body []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !supportedExt[ext] {
		return "", fmt.Errorf("unsupported extension: %q", ext)
	}

	img, err := imaging.Decode(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("decode scan: %w", err)
	}

	img = imaging.Grayscale(img)
	if img.Bounds().Dx() > e.cfg.MaxWidth {
		img = imaging.Resize(img, e.cfg.MaxWidth, 0, imaging.Lanczos)
	}

	tmpDir, err := os.MkdirTemp(e.cfg.WorkDir, "ocr-*")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	page := filepath.Join(tmpDir, "page.png")
	f, err := os.Create(page)
	if err != nil {
		return "", fmt.Errorf("create page file: %w", err)
	}
	if err := imaging.Encode(f, img, imaging.PNG); err != nil {
		f.Close()
		return "", fmt.Errorf("encode page: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close page file: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	start := time.Now()
	out, _, err := e.runner.Run(runCtx, e.cfg.Tesseract, page, "stdout", "-l", e.cfg.TesseractLang)
	if err != nil {
		return "", fmt.Errorf("tesseract: %w", err)
	}

	text := normalize(string(out))
	if text == "" {
		return "", fmt.Errorf("tesseract recognized no text in %s", filename)
	}

	e.logger.Debug("ocr.recognize.ok",
		"filename", filename,
		"text_len", len(text),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return text, nil
}

// normalize collapses line endings and strips trailing whitespace per line.
func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, ln := range lines {
		lines[i] = strings.TrimRight(ln, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
