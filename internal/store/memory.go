package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"referral-engine/internal/models"
)

// Memory is an in-process StatusStore used by tests and local development.
type Memory struct {
	mu   sync.RWMutex
	recs map[string]models.StatusRecord
}

func NewMemory() *Memory {
	return &Memory{recs: make(map[string]models.StatusRecord)}
}

func (m *Memory) Put(_ context.Context, rec models.StatusRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.UpdatedAt = time.Now().UTC()
	m.recs[rec.DocumentID] = cloneRecord(rec)
	return nil
}

func (m *Memory) Get(_ context.Context, docID string) (models.StatusRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[docID]
	if !ok {
		return models.StatusRecord{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *Memory) List(_ context.Context) ([]models.StatusRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.StatusRecord, 0, len(m.recs))
	for _, rec := range m.recs {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].DocumentID < out[j].DocumentID
	})
	return out, nil
}

// cloneRecord copies the record's own containers so callers cannot mutate
// stored state through a returned or retained reference.
func cloneRecord(rec models.StatusRecord) models.StatusRecord {
	if rec.Fields != nil {
		fields := make(models.Fields, len(rec.Fields))
		for k, v := range rec.Fields {
			fields[k] = v
		}
		rec.Fields = fields
	}
	if rec.MissingFields != nil {
		rec.MissingFields = append([]string(nil), rec.MissingFields...)
	}
	if rec.LastError != nil {
		s := *rec.LastError
		rec.LastError = &s
	}
	return rec
}
