package payload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Local writes payloads to a directory on disk.
type Local struct {
	baseDir string
}

func NewLocal(baseDir string) *Local {
	return &Local{baseDir: baseDir}
}

func (l *Local) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write payload: %w", err)
	}
	return path, nil
}

func (l *Local) Get(_ context.Context, ref string) ([]byte, error) {
	// Refs produced by Put are paths under baseDir; refuse anything else.
	abs, err := filepath.Abs(ref)
	if err != nil {
		return nil, fmt.Errorf("resolve payload ref: %w", err)
	}
	base, err := filepath.Abs(l.baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve payload dir: %w", err)
	}
	if !strings.HasPrefix(abs, base+string(filepath.Separator)) && abs != base {
		return nil, fmt.Errorf("payload ref %q outside payload dir", ref)
	}
	body, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return body, nil
}
