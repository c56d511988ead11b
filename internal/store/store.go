package store

import (
	"context"
	"errors"

	"referral-engine/internal/models"
)

// ErrNotFound is returned by Get when no status record exists for an ID.
var ErrNotFound = errors.New("status record not found")

// StatusStore is the durable mapping from document ID to workflow status.
// Put is a full-record replacement; there are no partial updates, so the
// single worker owning a document can read-modify-write without locks.
type StatusStore interface {
	Put(ctx context.Context, rec models.StatusRecord) error
	Get(ctx context.Context, docID string) (models.StatusRecord, error)
	List(ctx context.Context) ([]models.StatusRecord, error)
}
