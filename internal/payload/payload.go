// Package payload stores raw referral documents and serves them back to
// workers. Records in the status store carry only the opaque ref returned by
// Put, so the backing store can be swapped without touching workflow state.
package payload

import (
	"context"
	"path/filepath"
	"strings"

	"referral-engine/internal/config"
)

// Store holds document bytes under an opaque ref.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// New chooses a backend: S3 when a bucket is configured, local disk otherwise.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	if cfg.PayloadS3Bucket != "" {
		return NewS3(ctx, cfg)
	}
	dir := cfg.PayloadDir
	if dir == "" {
		dir = "./payloads"
	}
	return NewLocal(dir), nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	key = strings.ReplaceAll(key, "..", "")
	return key
}
