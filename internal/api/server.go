package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"referral-engine/internal/config"
	"referral-engine/internal/ocr"
	"referral-engine/internal/payload"
	"referral-engine/internal/ratelimit"
	"referral-engine/internal/store"
	"referral-engine/internal/supervisor"
	"referral-engine/internal/telemetry"
)

// Server wires the HTTP front door: document upload, status queries, queue
// introspection. Extraction never runs here; uploads only land the payload
// and queue the document.
type Server struct {
	cfg      config.Config
	sup      *supervisor.Supervisor
	payloads payload.Store
	limiter  *ratelimit.TokenBucket
	log      *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, sup *supervisor.Supervisor, payloads payload.Store, limiter *ratelimit.TokenBucket, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		sup:      sup,
		payloads: payloads,
		limiter:  limiter,
		log:      logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/documents", s.handleUpload)
	r.Get("/documents", s.handleListDocuments)
	r.Get("/documents/{id}/status", s.handleDocumentStatus)
	r.Get("/queue/status", s.handleQueueStatus)
	r.Get("/dlq", s.handleDLQ)
	return r
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	source := sourceFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), source)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		if isTooLarge(err) {
			http.Error(w, "document too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, `multipart field "file" is required`, http.StatusBadRequest)
		return
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		http.Error(w, "filename is required", http.StatusBadRequest)
		return
	}
	if !ocr.Supported(filename) {
		http.Error(w, fmt.Sprintf("unsupported document format %q", filepath.Ext(filename)), http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(file)
	if err != nil {
		if isTooLarge(err) {
			http.Error(w, "document too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read upload", http.StatusInternalServerError)
		return
	}

	docID := uuid.NewString()
	ref, err := s.payloads.Put(r.Context(), docID+"/"+filename, body, header.Header.Get("Content-Type"))
	if err != nil {
		s.log.Error("api.payload.store_failed", "document_id", docID, "error", err)
		http.Error(w, "store payload", http.StatusInternalServerError)
		return
	}

	rec, err := s.sup.Enqueue(r.Context(), docID, filename, ref)
	if err != nil {
		if errors.Is(err, supervisor.ErrIntakePaused) {
			http.Error(w, "intake temporarily paused, retry later", http.StatusServiceUnavailable)
			return
		}
		s.log.Error("api.enqueue_failed", "document_id", docID, "error", err)
		http.Error(w, "enqueue document", http.StatusInternalServerError)
		return
	}
	s.log.Info("api.document.accepted", "document_id", docID, "filename", filename, "source", source)
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleDocumentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.sup.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "unknown document", http.StatusNotFound)
			return
		}
		http.Error(w, "load status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	recs, err := s.sup.AllStatuses(r.Context())
	if err != nil {
		http.Error(w, "list documents", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": recs, "count": len(recs)})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.sup.QueueStats(r.Context())
	if err != nil {
		http.Error(w, "queue stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleDLQ returns the dead letter queue contents (document IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.sup.DeadLetters(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func sourceFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Source-ID"); v != "" {
		return v
	}
	return "default"
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
