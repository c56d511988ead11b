package models

import (
	"time"
)

// State is a document's position in the referral workflow.
type State string

// Workflow states persisted in the status store.
const (
	StateQueued       State = "queued"
	StateExtracting   State = "extracting"
	StateValidating   State = "validating"
	StateSyncing      State = "syncing"
	StateSynced       State = "synced"
	StateNotifying    State = "notifying_missing_info"
	StateAwaitingInfo State = "awaiting_info"
	StateFailed       State = "failed"
)

// forward holds the in-attempt edges of the workflow state machine.
var forward = map[State][]State{
	StateQueued:     {StateExtracting},
	StateExtracting: {StateValidating},
	StateValidating: {StateSyncing, StateNotifying},
	StateSyncing:    {StateSynced},
	StateNotifying:  {StateAwaitingInfo},
}

// Terminal reports whether no further automatic transition occurs from s.
func (s State) Terminal() bool {
	return s == StateSynced || s == StateAwaitingInfo || s == StateFailed
}

// CanTransition reports whether s -> to is a legal edge. Legal edges are the
// forward path of a single attempt, plus two edges available from any
// non-terminal state: back to Queued (retry or lease reclaim) and to Failed
// (retry budget exhausted).
func (s State) CanTransition(to State) bool {
	if s.Terminal() {
		return false
	}
	if to == StateQueued || to == StateFailed {
		return true
	}
	for _, next := range forward[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrorKind classifies the failure recorded on a status record.
type ErrorKind string

const (
	ErrKindExtraction ErrorKind = "extraction"
	ErrKindDelivery   ErrorKind = "delivery"
	ErrKindInfra      ErrorKind = "infra"
)

// StatusRecord is the durable, queryable snapshot for one document. Exactly
// one record exists per document ID; writes are full-record replacements made
// only by the worker that currently owns the document's task.
type StatusRecord struct {
	DocumentID    string    `json:"document_id"`
	State         State     `json:"state"`
	Filename      string    `json:"filename"`
	PayloadRef    string    `json:"payload_ref"`
	Fields        Fields    `json:"fields,omitempty"`
	MissingFields []string  `json:"missing_fields,omitempty"`
	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"max_attempts"`
	LastError     *string   `json:"last_error,omitempty"`
	LastErrorKind ErrorKind `json:"last_error_kind,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Task is one queued unit of work for a single document. The queue owns it
// until a worker claims it; the queue's single-delivery contract guarantees at
// most one owner at a time.
type Task struct {
	DocumentID string    `json:"document_id"`
	PayloadRef string    `json:"payload_ref"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
}

// EmailDraft is a request-for-information email produced by the LLM for the
// notification path.
type EmailDraft struct {
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Recipient string `json:"recipient"`
}
