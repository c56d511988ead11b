// Package extract turns a raw referral document into structured fields by
// running OCR over the scan and handing the text to the language model.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"referral-engine/internal/models"
)

// Kind names the extraction phase that failed.
type Kind string

const (
	KindOCRFailed  Kind = "ocr_failed"
	KindLLMFailed  Kind = "llm_failed"
	KindLLMTimeout Kind = "llm_timeout"
)

// Error is a document-scoped extraction failure. It counts against the
// document's retry budget, unlike infrastructure errors which do not.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("extraction %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Extractor produces referral fields from document bytes.
type Extractor interface {
	Extract(ctx context.Context, filename string, body []byte) (models.Fields, error)
}

// Recognizer is the OCR phase.
type Recognizer interface {
	Recognize(ctx context.Context, filename string, body []byte) (string, error)
}

// FieldExtractor is the language model phase.
type FieldExtractor interface {
	ExtractFields(ctx context.Context, ocrText, filenameHint string) (models.Fields, error)
}

// Adapter sequences the two phases and classifies their failures.
type Adapter struct {
	ocr    Recognizer
	llm    FieldExtractor
	logger *slog.Logger
}

func NewAdapter(ocr Recognizer, llm FieldExtractor, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{ocr: ocr, llm: llm, logger: logger}
}

func (a *Adapter) Extract(ctx context.Context, filename string, body []byte) (models.Fields, error) {
	start := time.Now()

	text, err := a.ocr.Recognize(ctx, filename, body)
	if err != nil {
		return nil, &Error{Kind: KindOCRFailed, Err: err}
	}

	fields, err := a.llm.ExtractFields(ctx, text, filename)
	if err != nil {
		if isTimeout(err) {
			return nil, &Error{Kind: KindLLMTimeout, Err: err}
		}
		return nil, &Error{Kind: KindLLMFailed, Err: err}
	}

	a.logger.Debug("extract.ok",
		"filename", filename,
		"text_len", len(text),
		"field_count", len(fields),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return fields, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
