// Package worker runs sandboxed executions inside a fixed pool of worker OS
// processes. The supervisor and its workers talk newline-delimited JSON
// frames over the worker's stdin and stdout; the worker's stderr carries its
// logs.
package worker

import (
	"github.com/michaelbrown/coderun/internal/sandbox"
)

// FrameKind identifies a protocol message.
type FrameKind string

const (
	// FrameReady is sent once by a worker when it can accept jobs.
	FrameReady FrameKind = "ready"
	// FrameRun asks a worker to execute Spec under JobID.
	FrameRun FrameKind = "run"
	// FrameCancel asks a worker to kill the job with JobID.
	FrameCancel FrameKind = "cancel"
	// FrameResult carries the terminal result of JobID.
	FrameResult FrameKind = "result"
)

// Frame is one line of the supervisor/worker protocol.
type Frame struct {
	Kind   FrameKind       `json:"kind"`
	JobID  string          `json:"job_id,omitempty"`
	Spec   *sandbox.Spec   `json:"spec,omitempty"`
	Result *sandbox.Result `json:"result,omitempty"`
}
