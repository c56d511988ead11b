package ocr

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
)

type fakeRunner struct {
	stdout []byte
	stderr []byte
	err    error

	gotName string
	gotArgs []string
	// set when the page file existed at invocation time
	sawPage bool
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.gotName = name
	f.gotArgs = args
	if len(args) > 0 {
		if _, err := os.Stat(args[0]); err == nil {
			f.sawPage = true
		}
	}
	return f.stdout, f.stderr, f.err
}

func testScan(t *testing.T, width, height int) []byte {
	t.Helper()
	img := imaging.New(width, height, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		t.Fatalf("encode test scan: %v", err)
	}
	return buf.Bytes()
}

func newTestExtractor(t *testing.T, r Runner) *Extractor {
	t.Helper()
	e := NewExtractor(Config{WorkDir: t.TempDir()}, nil)
	e.runner = r
	return e
}

func TestRecognizeRunsTesseractOnPreprocessedPage(t *testing.T) {
	fr := &fakeRunner{stdout: []byte("Patient: Ada Nilsen\r\nDOB: 1984-02-11   \n")}
	e := newTestExtractor(t, fr)

	text, err := e.Recognize(context.Background(), "referral.png", testScan(t, 40, 40))
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if text != "Patient: Ada Nilsen\nDOB: 1984-02-11" {
		t.Fatalf("normalized text = %q", text)
	}

	if fr.gotName != "tesseract" {
		t.Fatalf("ran %q, want tesseract", fr.gotName)
	}
	if !fr.sawPage {
		t.Fatal("page file did not exist when tesseract ran")
	}
	if filepath.Base(fr.gotArgs[0]) != "page.png" {
		t.Fatalf("args[0] = %q, want a page.png path", fr.gotArgs[0])
	}
	want := []string{"stdout", "-l", "eng"}
	if len(fr.gotArgs) != 4 {
		t.Fatalf("args = %v", fr.gotArgs)
	}
	for i, w := range want {
		if fr.gotArgs[i+1] != w {
			t.Fatalf("args[%d] = %q, want %q", i+1, fr.gotArgs[i+1], w)
		}
	}
}

func TestRecognizeRejectsUnsupportedExtension(t *testing.T) {
	e := newTestExtractor(t, &fakeRunner{stdout: []byte("text")})
	if _, err := e.Recognize(context.Background(), "referral.pdf", []byte("%PDF-1.4")); err == nil {
		t.Fatal("expected error for pdf input")
	}
}

func TestRecognizeWrapsTesseractFailure(t *testing.T) {
	boom := errors.New("exit status 1")
	e := newTestExtractor(t, &fakeRunner{err: boom, stderr: []byte("could not load language")})

	_, err := e.Recognize(context.Background(), "scan.jpg", testScan(t, 20, 20))
	if err == nil || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped runner error, got %v", err)
	}
	if !strings.Contains(err.Error(), "tesseract") {
		t.Fatalf("error %q does not name tesseract", err)
	}
}

func TestRecognizeEmptyOutputIsError(t *testing.T) {
	e := newTestExtractor(t, &fakeRunner{stdout: []byte("  \n\t\n")})
	if _, err := e.Recognize(context.Background(), "blank.png", testScan(t, 20, 20)); err == nil {
		t.Fatal("expected error for blank recognition output")
	}
}

func TestRecognizeRejectsGarbageBytes(t *testing.T) {
	e := newTestExtractor(t, &fakeRunner{stdout: []byte("text")})
	if _, err := e.Recognize(context.Background(), "broken.png", []byte("not an image")); err == nil {
		t.Fatal("expected decode error")
	}
}
