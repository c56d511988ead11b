package extract

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"referral-engine/internal/models"
)

type fakeRecognizer struct {
	text string
	err  error

	gotFilename string
}

func (f *fakeRecognizer) Recognize(_ context.Context, filename string, _ []byte) (string, error) {
	f.gotFilename = filename
	return f.text, f.err
}

type fakeFielder struct {
	fields models.Fields
	err    error

	gotText string
}

func (f *fakeFielder) ExtractFields(_ context.Context, ocrText, _ string) (models.Fields, error) {
	f.gotText = ocrText
	return f.fields, f.err
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestExtractSequencesOCRThenLLM(t *testing.T) {
	rec := &fakeRecognizer{text: "Referring: Dr. Chen"}
	fld := &fakeFielder{fields: models.Fields{"reason_for_referral": "knee pain"}}
	a := NewAdapter(rec, fld, nil)

	fields, err := a.Extract(context.Background(), "referral.png", []byte("scan"))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if rec.gotFilename != "referral.png" {
		t.Fatalf("recognizer got filename %q", rec.gotFilename)
	}
	if fld.gotText != "Referring: Dr. Chen" {
		t.Fatalf("llm got text %q, want the recognizer output", fld.gotText)
	}
	if fields.Text("reason_for_referral") != "knee pain" {
		t.Fatalf("fields = %+v", fields)
	}
}

func TestExtractClassifiesOCRFailure(t *testing.T) {
	boom := errors.New("tesseract: exit status 1")
	a := NewAdapter(&fakeRecognizer{err: boom}, &fakeFielder{}, nil)

	_, err := a.Extract(context.Background(), "referral.png", nil)
	var xerr *Error
	if !errors.As(err, &xerr) {
		t.Fatalf("expected *Error, got %T (%v)", err, err)
	}
	if xerr.Kind != KindOCRFailed {
		t.Fatalf("kind = %q, want %q", xerr.Kind, KindOCRFailed)
	}
	if !errors.Is(err, boom) {
		t.Fatal("expected wrapped cause to survive")
	}
}

func TestExtractClassifiesLLMFailure(t *testing.T) {
	a := NewAdapter(&fakeRecognizer{text: "text"}, &fakeFielder{err: errors.New("completion status 500")}, nil)

	_, err := a.Extract(context.Background(), "referral.png", nil)
	var xerr *Error
	if !errors.As(err, &xerr) || xerr.Kind != KindLLMFailed {
		t.Fatalf("expected llm_failed, got %v", err)
	}
}

func TestExtractClassifiesLLMTimeout(t *testing.T) {
	cases := map[string]error{
		"deadline":    fmt.Errorf("completion http error: %w", context.DeadlineExceeded),
		"net timeout": fmt.Errorf("completion http error: %w", timeoutErr{}),
	}
	for name, cause := range cases {
		a := NewAdapter(&fakeRecognizer{text: "text"}, &fakeFielder{err: cause}, nil)
		_, err := a.Extract(context.Background(), "referral.png", nil)
		var xerr *Error
		if !errors.As(err, &xerr) || xerr.Kind != KindLLMTimeout {
			t.Fatalf("%s: expected llm_timeout, got %v", name, err)
		}
	}
}
