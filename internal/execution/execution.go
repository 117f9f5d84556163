// Package execution coordinates the lifecycle of a single code execution:
// validation, language resolution, queueing for a worker, running, and
// recording the outcome.
package execution

import (
	"context"
	"errors"
	"time"

	"github.com/michaelbrown/coderun/internal/language"
	"github.com/michaelbrown/coderun/internal/sandbox"
	"github.com/michaelbrown/coderun/internal/storage"
	"github.com/michaelbrown/coderun/internal/worker"
)

var (
	// ErrUnsupportedLanguage is returned for language ids the resolver does
	// not know. No worker is consumed.
	ErrUnsupportedLanguage = language.ErrUnsupportedLanguage
	// ErrInvalidRequest is returned for requests missing code, caller or
	// language.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrQueueTimeout is returned when no worker frees up within the queue
	// timeout.
	ErrQueueTimeout = errors.New("timed out waiting for a worker")
	// ErrDuplicateRequest is returned when a request id is already running.
	ErrDuplicateRequest = errors.New("request already in flight")
	// ErrCancelled wraps the caller's context error.
	ErrCancelled = errors.New("execution cancelled")
	// ErrNoStore is returned by retrieval calls when persistence is disabled.
	ErrNoStore = errors.New("submission store not configured")
)

// Request is one execution request. It is not modified after Execute
// accepts it.
type Request struct {
	ID             string        `json:"id,omitempty"`
	Language       string        `json:"language"`
	Code           string        `json:"code"`
	Caller         string        `json:"-"`
	Stdin          string        `json:"stdin,omitempty"`
	Timeout        time.Duration `json:"-"`
	MaxOutputBytes int           `json:"-"`
}

// Response is the terminal outcome of a request.
type Response struct {
	RequestID    string `json:"id"`
	SubmissionID string `json:"submission_id"`
	Language     string `json:"language"`
	sandbox.Result
}

// State is a step in a request's lifecycle.
type State string

const (
	StateAccepted     State = "accepted"
	StateResolving    State = "resolving"
	StateQueued       State = "queued"
	StateRunning      State = "running"
	StateCompleted    State = "completed"
	StateRejected     State = "rejected"
	StateQueueTimeout State = "queue_timeout"
	StateCancelled    State = "cancelled"
)

// Runner executes one job on an acquired worker.
type Runner interface {
	Run(ctx context.Context, jobID string, spec sandbox.Spec) sandbox.Result
}

// Pool hands out exclusive Runners.
type Pool interface {
	Acquire(ctx context.Context) (Runner, error)
	Release(r Runner)
	Stats() worker.Stats
}

// SupervisorPool adapts a worker supervisor to Pool.
func SupervisorPool(s *worker.Supervisor) Pool {
	return supervisorPool{s}
}

type supervisorPool struct {
	s *worker.Supervisor
}

func (p supervisorPool) Acquire(ctx context.Context) (Runner, error) {
	w, err := p.s.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p supervisorPool) Release(r Runner) {
	if w, ok := r.(*worker.Worker); ok {
		p.s.Release(w)
	}
}

func (p supervisorPool) Stats() worker.Stats { return p.s.Stats() }

// Recorder accepts finished records for persistence. Write must not block.
type Recorder interface {
	Write(r *storage.Record)
}
