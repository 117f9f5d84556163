//go:build !unix

package sandbox

import (
	"context"
	"errors"
	"log/slog"
)

// ProcessSandbox is unavailable on this platform; every run reports a spawn
// failure.
type ProcessSandbox struct {
	Policy Policy
	logger *slog.Logger
}

func NewProcessSandbox(policy Policy, logger *slog.Logger) *ProcessSandbox {
	return &ProcessSandbox{Policy: policy, logger: logger}
}

func (p *ProcessSandbox) Run(ctx context.Context, spec Spec) Result {
	return SpawnFailure(0, errors.New("process sandbox requires a unix host"))
}
