package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/michaelbrown/coderun/internal/sandbox"
)

var (
	// ErrNotFound is returned when no submission matches an id.
	ErrNotFound = errors.New("submission not found")
	// ErrAmbiguous is returned when an id prefix matches more than one
	// submission.
	ErrAmbiguous = errors.New("ambiguous submission id prefix")
)

// Record is the persisted trace of one completed execution. Records are
// written once and never updated.
type Record struct {
	ID        string         `json:"id"`
	RequestID string         `json:"request_id"`
	Caller    string         `json:"caller"`
	Language  string         `json:"language"`
	Code      string         `json:"code"`
	Result    sandbox.Result `json:"result"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewRecord builds a record for a terminal result.
func NewRecord(requestID, caller, language, code string, res sandbox.Result) *Record {
	return &Record{
		ID:        uuid.NewString(),
		RequestID: requestID,
		Caller:    caller,
		Language:  language,
		Code:      code,
		Result:    res,
		CreatedAt: time.Now().UTC(),
	}
}

// ListOptions controls pagination for FindByCaller.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListLimit applies when ListOptions.Limit is zero.
const DefaultListLimit = 50

// Store is the persistence interface for submission records.
type Store interface {
	// Save inserts a record. The ID field must be set by the caller.
	Save(ctx context.Context, r *Record) error

	// FindByCaller returns a caller's records ordered by created_at descending.
	FindByCaller(ctx context.Context, caller string, opts ListOptions) ([]Record, error)

	// Get returns one of caller's records by ID or unambiguous ID prefix.
	// The prefix is matched literally. An empty caller searches every
	// caller's records.
	Get(ctx context.Context, caller, id string) (*Record, error)

	// Close releases resources.
	Close() error
}
