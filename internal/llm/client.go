// Package llm calls an OpenAI-compatible chat completions endpoint to pull
// structured referral fields out of OCR text and to draft outbound emails.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"referral-engine/internal/models"
)

// Config for the chat completions client.
type Config struct {
	APIKey      string
	BaseURL     string // default https://api.openai.com/v1
	Model       string
	Temperature float32
	Timeout     time.Duration
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4.1-nano"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        logger,
	}
}

// ExtractFields asks the model for referral fields matching ReferralJSONSchema.
// The returned map only carries fields the model actually found; absence is
// for the validation policy to judge.
func (c *Client) ExtractFields(ctx context.Context, ocrText, filenameHint string) (models.Fields, error) {
	rid := uuid.New().String()
	start := time.Now()

	c.log.Info("llm.extract.start",
		"req_id", rid,
		"model", c.cfg.Model,
		"text_len", len(ocrText),
		"filename", filenameHint,
	)

	schema := ReferralJSONSchema()
	content, err := c.complete(ctx, schema,
		buildExtractionSystemPrompt(),
		buildExtractionUserPrompt(ocrText, filenameHint),
	)
	if err != nil {
		c.log.Error("llm.extract.failed",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, err
	}

	var fields models.Fields
	if err := json.Unmarshal(content, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}

	c.log.Info("llm.extract.ok",
		"req_id", rid,
		"field_count", len(fields),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return fields, nil
}

// DraftRequestEmail asks the model to write the request-for-information email
// for a referral with missing fields. The recipient is resolved by the caller;
// only subject and body come from the model.
func (c *Client) DraftRequestEmail(ctx context.Context, fields models.Fields, filename string, missing []string) (models.EmailDraft, error) {
	rid := uuid.New().String()
	start := time.Now()

	c.log.Info("llm.draft.start",
		"req_id", rid,
		"model", c.cfg.Model,
		"missing", missing,
	)

	schema := EmailDraftJSONSchema()
	content, err := c.complete(ctx, schema,
		buildDraftSystemPrompt(),
		buildDraftUserPrompt(fields, filename, missing),
	)
	if err != nil {
		c.log.Error("llm.draft.failed",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return models.EmailDraft{}, err
	}

	var draft models.EmailDraft
	if err := json.Unmarshal(content, &draft); err != nil {
		return models.EmailDraft{}, fmt.Errorf("unmarshal draft: %w", err)
	}

	c.log.Info("llm.draft.ok",
		"req_id", rid,
		"subject", draft.Subject,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return draft, nil
}

// complete runs one chat completion constrained to the given schema and
// returns the validated message content.
func (c *Client) complete(ctx context.Context, schema map[string]any, system, user string) ([]byte, error) {
	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": system},
			{"role": "user", "content": user + "\n\nReturn ONLY JSON that matches the provided schema."},
			{"role": "system", "content": "JSON Schema:\n" + mustJSON(schema)},
		},
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	raw, err := c.post(ctx, endpoint, body)
	if err != nil {
		return nil, err
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return nil, fmt.Errorf("decode completion response: %w", err)
	}
	if len(cc.Choices) == 0 {
		return nil, fmt.Errorf("no choices in completion response")
	}

	content := []byte(strings.TrimSpace(cc.Choices[0].Message.Content))
	if err := ValidateJSONAgainstSchema(schema, content); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	return content, nil
}

func (c *Client) post(ctx context.Context, url string, body map[string]any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion http error: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("completion status %d: %s", resp.StatusCode, raw)
	}
	return raw, nil
}

func mustJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
