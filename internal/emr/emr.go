// Package emr delivers completed referrals to the electronic medical record
// system. With no endpoint configured it falls back to a log-only syncer, which
// is how local development runs.
package emr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"referral-engine/internal/config"
	"referral-engine/internal/models"
)

// Syncer pushes one completed referral into the EMR.
type Syncer interface {
	Sync(ctx context.Context, docID string, fields models.Fields) error
}

// New picks the HTTP syncer when an endpoint is configured, log-only otherwise.
func New(cfg config.Config, logger *slog.Logger) Syncer {
	if cfg.EMREndpoint == "" {
		return NewLog(logger)
	}
	return NewHTTP(cfg, logger)
}

// HTTP posts referral records to an EMR intake endpoint as JSON.
type HTTP struct {
	endpoint string
	apiKey   string
	client   *http.Client
	log      *slog.Logger
}

func NewHTTP(cfg config.Config, logger *slog.Logger) *HTTP {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.EMRTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTP{
		endpoint: cfg.EMREndpoint,
		apiKey:   cfg.EMRAPIKey,
		client:   &http.Client{Timeout: timeout},
		log:      logger,
	}
}

func (h *HTTP) Sync(ctx context.Context, docID string, fields models.Fields) error {
	start := time.Now()

	payload := map[string]any{
		"document_id": docID,
		"referral":    fields,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal referral: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build emr request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("emr request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("emr status %d: %s", resp.StatusCode, body)
	}

	h.log.Info("emr.sync.ok",
		"document_id", docID,
		"referral_id", fields.Text("referral_id"),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Log records what would have been synced and reports success.
type Log struct {
	log *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{log: logger}
}

func (l *Log) Sync(_ context.Context, docID string, fields models.Fields) error {
	l.log.Info("emr.sync.mock",
		"document_id", docID,
		"referral_id", fields.Text("referral_id"),
		"patient", fields.Text("patient.name"),
		"referring_provider", fields.Text("referring_provider.name"),
		"receiving_provider", fields.Text("receiving_provider.name"),
	)
	return nil
}
