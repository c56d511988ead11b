package emr

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"referral-engine/internal/config"
	"referral-engine/internal/models"
)

func TestHTTPSyncPostsReferral(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := NewHTTP(config.Config{EMREndpoint: srv.URL, EMRAPIKey: "emr-key"}, nil)
	fields := models.Fields{
		"referral_id": "REF-2031",
		"patient":     map[string]any{"name": "Ada Nilsen"},
	}
	if err := s.Sync(context.Background(), "doc-1", fields); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if gotAuth != "Bearer emr-key" {
		t.Fatalf("auth = %q", gotAuth)
	}
	if gotBody["document_id"] != "doc-1" {
		t.Fatalf("document_id = %v", gotBody["document_id"])
	}
	referral, ok := gotBody["referral"].(map[string]any)
	if !ok || referral["referral_id"] != "REF-2031" {
		t.Fatalf("referral payload = %v", gotBody["referral"])
	}
}

func TestHTTPSyncSurfacesStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "duplicate referral", http.StatusConflict)
	}))
	defer srv.Close()

	s := NewHTTP(config.Config{EMREndpoint: srv.URL}, nil)
	err := s.Sync(context.Background(), "doc-1", models.Fields{})
	if err == nil || !strings.Contains(err.Error(), "409") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestNewFallsBackToLogSyncer(t *testing.T) {
	s := New(config.Config{}, nil)
	if _, ok := s.(*Log); !ok {
		t.Fatalf("got %T, want *Log", s)
	}
	if err := s.Sync(context.Background(), "doc-1", models.Fields{}); err != nil {
		t.Fatalf("log sync should not fail: %v", err)
	}
}
