package sandbox

import (
	"context"
	"fmt"
	"time"
)

// StatusKind classifies how an execution terminated.
type StatusKind string

const (
	StatusExited     StatusKind = "exited"
	StatusTimeout    StatusKind = "timeout"
	StatusSignal     StatusKind = "signal"
	StatusSpawnError StatusKind = "spawn_error"
)

// ExitStatus is the terminal state of one execution. Code is meaningful only
// for StatusExited and is -1 otherwise.
type ExitStatus struct {
	Kind   StatusKind `json:"kind"`
	Code   int        `json:"code"`
	Signal int        `json:"signal,omitempty"`
}

func Exited(code int) ExitStatus   { return ExitStatus{Kind: StatusExited, Code: code} }
func TimedOut() ExitStatus         { return ExitStatus{Kind: StatusTimeout, Code: -1} }
func Signaled(sig int) ExitStatus  { return ExitStatus{Kind: StatusSignal, Code: -1, Signal: sig} }
func SpawnFailed() ExitStatus      { return ExitStatus{Kind: StatusSpawnError, Code: -1} }
func (s ExitStatus) Success() bool { return s.Kind == StatusExited && s.Code == 0 }

func (s ExitStatus) String() string {
	switch s.Kind {
	case StatusExited:
		return fmt.Sprintf("exit code %d", s.Code)
	case StatusSignal:
		return fmt.Sprintf("killed by signal %d", s.Signal)
	case StatusTimeout:
		return "killed by timeout"
	default:
		return string(s.Kind)
	}
}

// OutputPolicy decides what happens once a stream reaches its byte cap.
type OutputPolicy string

const (
	// OutputTruncate discards excess bytes and lets the process run on.
	OutputTruncate OutputPolicy = "truncate"
	// OutputKill kills the process as soon as either stream overflows.
	OutputKill OutputPolicy = "kill"
)

// Valid reports whether p is a known policy.
func (p OutputPolicy) Valid() bool {
	return p == OutputTruncate || p == OutputKill
}

// Limits are OS resource limits applied to the child. Zero means unset.
type Limits struct {
	CPUSeconds    int   `json:"cpu_seconds,omitempty"`
	MemoryBytes   int64 `json:"memory_bytes,omitempty"`
	FileSizeBytes int64 `json:"file_size_bytes,omitempty"`
	OpenFiles     int   `json:"open_files,omitempty"`
}

// Spec describes one execution.
type Spec struct {
	Argv           []string      `json:"argv"`
	Stdin          string        `json:"stdin,omitempty"`
	Timeout        time.Duration `json:"timeout"`
	MaxOutputBytes int           `json:"max_output_bytes"`
	OutputPolicy   OutputPolicy  `json:"output_policy,omitempty"`
	Limits         Limits        `json:"limits"`
}

const (
	DefaultTimeout        = 5 * time.Second
	DefaultMaxOutputBytes = 64 << 10
)

func (s Spec) withDefaults() Spec {
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.MaxOutputBytes <= 0 {
		s.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if !s.OutputPolicy.Valid() {
		s.OutputPolicy = OutputTruncate
	}
	return s
}

// Result is the output of a sandboxed execution.
type Result struct {
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	StdoutTruncated bool          `json:"stdout_truncated,omitempty"`
	StderrTruncated bool          `json:"stderr_truncated,omitempty"`
	Status          ExitStatus    `json:"exit_status"`
	Duration        time.Duration `json:"duration"`
	Message         string        `json:"message,omitempty"`
}

// SpawnFailure builds the result for an execution that never produced a
// running process, or whose worker disappeared underneath it.
func SpawnFailure(d time.Duration, err error) Result {
	return Result{Status: SpawnFailed(), Duration: d, Message: err.Error()}
}

// Sandbox runs code in an isolated environment. Run always produces exactly
// one terminal Result; failures are described by the result, not an error.
type Sandbox interface {
	Run(ctx context.Context, spec Spec) Result
}
