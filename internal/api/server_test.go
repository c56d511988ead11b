package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"referral-engine/internal/config"
	"referral-engine/internal/models"
	"referral-engine/internal/payload"
	"referral-engine/internal/queue"
	"referral-engine/internal/ratelimit"
	"referral-engine/internal/store"
	"referral-engine/internal/supervisor"
)

type apiEnv struct {
	cfg config.Config
	sup *supervisor.Supervisor
	st  *store.Memory
	q   *queue.RedisQueue
	pay *payload.Local
	mr  *miniredis.Miniredis
}

func newAPI(t *testing.T, mutate func(cfg *config.Config)) (*Server, *apiEnv) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := config.Config{
		RedisAddr:             mr.Addr(),
		MaxAttempts:           3,
		MaxUploadBytes:        1 << 20,
		PauseAfterInfraErrors: 100,
		PauseCooldown:         time.Hour,
		RequiredFields:        config.DefaultRequiredFields,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	env := &apiEnv{
		cfg: cfg,
		st:  store.NewMemory(),
		q:   queue.NewRedisQueue(cfg),
		pay: payload.NewLocal(t.TempDir()),
		mr:  mr,
	}
	env.sup = supervisor.New(cfg, supervisor.Deps{
		Queue: env.q,
		Store: env.st,
	})
	return New(cfg, env.sup, env.pay, nil, nil), env
}

func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func TestUploadAcceptsDocument(t *testing.T) {
	srv, env := newAPI(t, nil)

	body, contentType := multipartBody(t, "file", "referral.png", []byte("scan-bytes"))
	req := httptest.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var rec models.StatusRecord
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if rec.DocumentID == "" || rec.State != models.StateQueued || rec.Filename != "referral.png" {
		t.Fatalf("response record = %+v", rec)
	}

	ctx := context.Background()
	stored, err := env.st.Get(ctx, rec.DocumentID)
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if stored.PayloadRef == "" {
		t.Fatal("record has no payload reference")
	}
	got, err := env.pay.Get(ctx, stored.PayloadRef)
	if err != nil || string(got) != "scan-bytes" {
		t.Fatalf("payload round trip: %q err=%v", got, err)
	}
	depth, _ := env.q.Depth(ctx)
	if depth != 1 {
		t.Fatalf("queue depth = %d, want 1", depth)
	}
}

func TestUploadRejectsUnsupportedFormat(t *testing.T) {
	srv, _ := newAPI(t, nil)

	body, contentType := multipartBody(t, "file", "referral.pdf", []byte("%PDF-1.4"))
	req := httptest.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", w.Code)
	}
}

func TestUploadRequiresFileField(t *testing.T) {
	srv, _ := newAPI(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/documents", bytes.NewBufferString("not multipart"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestUploadRejectsOversizedDocument(t *testing.T) {
	srv, _ := newAPI(t, func(cfg *config.Config) {
		cfg.MaxUploadBytes = 256
	})

	body, contentType := multipartBody(t, "file", "referral.png", bytes.Repeat([]byte("x"), 4096))
	req := httptest.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
}

func TestUploadRateLimited(t *testing.T) {
	srv, env := newAPI(t, nil)
	client := redis.NewClient(&redis.Options{Addr: env.mr.Addr()})
	srv.limiter = ratelimit.NewTokenBucket(client, 1, 0.001, time.Minute)

	post := func() int {
		body, contentType := multipartBody(t, "file", "referral.png", []byte("scan"))
		req := httptest.NewRequest(http.MethodPost, "/documents", body)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("X-Source-ID", "clinic-a")
		w := httptest.NewRecorder()
		srv.Router().ServeHTTP(w, req)
		return w.Code
	}

	if code := post(); code != http.StatusAccepted {
		t.Fatalf("first upload status = %d", code)
	}
	if code := post(); code != http.StatusTooManyRequests {
		t.Fatalf("second upload status = %d, want 429", code)
	}
}

func TestUploadRejectedDuringIntakePause(t *testing.T) {
	srv, env := newAPI(t, func(cfg *config.Config) {
		cfg.PauseAfterInfraErrors = 1
	})
	env.sup.RecordInfraError()

	body, contentType := multipartBody(t, "file", "referral.png", []byte("scan"))
	req := httptest.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestDocumentStatusEndpoint(t *testing.T) {
	srv, env := newAPI(t, nil)
	ctx := context.Background()

	rec := models.StatusRecord{
		DocumentID: "doc-1",
		State:      models.StateAwaitingInfo,
		Filename:   "referral.png",
		MissingFields: []string{
			"patient.date_of_birth",
			"referring_provider.contact (phone, email, or address)",
		},
		MaxAttempts: 3,
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := env.st.Put(ctx, rec); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/documents/doc-1/status", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got models.StatusRecord
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.State != models.StateAwaitingInfo || len(got.MissingFields) != 2 {
		t.Fatalf("got %+v", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/documents/doc-unknown/status", nil)
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown document status = %d, want 404", w.Code)
	}
}

func TestListDocumentsEndpoint(t *testing.T) {
	srv, env := newAPI(t, nil)
	ctx := context.Background()
	for _, id := range []string{"doc-1", "doc-2"} {
		rec := models.StatusRecord{DocumentID: id, State: models.StateQueued, EnqueuedAt: time.Now().UTC()}
		if err := env.st.Put(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/documents", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Documents []models.StatusRecord `json:"documents"`
		Count     int                   `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 2 || len(resp.Documents) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestQueueStatusEndpoint(t *testing.T) {
	srv, env := newAPI(t, nil)
	ctx := context.Background()
	if err := env.q.Enqueue(ctx, models.Task{DocumentID: "doc-1"}); err != nil {
		t.Fatal(err)
	}
	if err := env.q.PushDead(ctx, "doc-dead"); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/queue/status", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var stats supervisor.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Ready != 1 || stats.Dead != 1 || stats.Paused {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestDLQEndpoint(t *testing.T) {
	srv, env := newAPI(t, nil)
	if err := env.q.PushDead(context.Background(), "doc-dead"); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/dlq", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Items []string `json:"items"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Items) != 1 || resp.Items[0] != "doc-dead" {
		t.Fatalf("items = %v", resp.Items)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newAPI(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"ok"`)) {
		t.Fatalf("body = %s", w.Body.String())
	}
}
