//go:build unix

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"
)

// pipeDrainDelay bounds how long Wait keeps reading output after the child
// has exited, in case a descendant escaped the process group and still holds
// the pipes.
const pipeDrainDelay = 500 * time.Millisecond

// ProcessSandbox runs each execution as a child OS process in its own
// process group, inside a throwaway working directory.
type ProcessSandbox struct {
	Policy Policy
	logger *slog.Logger
}

// NewProcessSandbox creates a sandbox with the given policy.
func NewProcessSandbox(policy Policy, logger *slog.Logger) *ProcessSandbox {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ProcessSandbox{Policy: policy, logger: logger}
}

func (p *ProcessSandbox) Run(ctx context.Context, spec Spec) Result {
	spec = spec.withDefaults()
	if len(spec.Argv) == 0 {
		return SpawnFailure(0, errors.New("empty command"))
	}
	if ctx.Err() != nil {
		return Result{Status: Signaled(int(syscall.SIGKILL)), Message: "cancelled before start"}
	}

	workdir, err := os.MkdirTemp(p.Policy.ScratchRoot, "coderun-")
	if err != nil {
		return SpawnFailure(0, fmt.Errorf("creating scratch dir: %w", err))
	}
	defer os.RemoveAll(workdir)

	killer := &groupKiller{}
	onOverflow := func() {
		if spec.OutputPolicy == OutputKill {
			killer.terminate(killOutput, 0)
		}
	}
	stdout := newCappedBuffer(spec.MaxOutputBytes, onOverflow)
	stderr := newCappedBuffer(spec.MaxOutputBytes, onOverflow)

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = workdir
	cmd.Env = p.Policy.env(workdir)
	cmd.SysProcAttr = sysProcAttr()
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = pipeDrainDelay
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}

	// The parent-death signal is tied to the spawning thread, so keep it
	// alive until the child has been reaped.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return SpawnFailure(time.Since(start), err)
	}
	pid := cmd.Process.Pid
	killer.attach(pid)

	if err := applyLimits(pid, spec.Limits); err != nil {
		p.logger.Warn("applying resource limits", "pid", pid, "err", err)
	}

	timer := time.AfterFunc(spec.Timeout, func() {
		killer.terminate(killTimeout, p.Policy.KillGrace)
	})
	stopCancel := context.AfterFunc(ctx, func() {
		killer.terminate(killCancelled, 0)
	})

	waitErr := cmd.Wait()
	duration := time.Since(start)
	timer.Stop()
	stopCancel()
	reason := killer.reap()

	res := Result{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
		Duration:        duration,
	}
	res.Status, res.Message = classify(reason, cmd.ProcessState, waitErr, spec.Timeout)

	p.logger.Debug("execution finished",
		"pid", pid,
		"status", res.Status.String(),
		"duration", duration,
		"stdout_bytes", len(res.Stdout),
		"stderr_bytes", len(res.Stderr))
	return res
}

func classify(reason killReason, state *os.ProcessState, waitErr error, timeout time.Duration) (ExitStatus, string) {
	switch reason {
	case killTimeout:
		return TimedOut(), fmt.Sprintf("exceeded %s", timeout)
	case killCancelled:
		return Signaled(int(syscall.SIGKILL)), "cancelled"
	case killOutput:
		return Signaled(int(syscall.SIGKILL)), "output limit exceeded"
	}

	if state == nil {
		return SpawnFailed(), fmt.Sprintf("wait: %v", waitErr)
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return Signaled(int(ws.Signal())), ""
	}
	msg := ""
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		msg = "output pipes held open after exit"
	}
	return Exited(state.ExitCode()), msg
}

type killReason int

const (
	killNone killReason = iota
	killTimeout
	killCancelled
	killOutput
)

// groupKiller delivers at most one termination to a process group and
// remembers why.
type groupKiller struct {
	mu         sync.Mutex
	pgid       int
	reason     killReason
	reaped     bool
	escalation *time.Timer
}

func (k *groupKiller) attach(pgid int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pgid = pgid
	// Output may overflow between Start and attach.
	if k.reason != killNone {
		k.signal(syscall.SIGKILL)
	}
}

func (k *groupKiller) terminate(reason killReason, grace time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.reaped || k.reason != killNone {
		return
	}
	k.reason = reason
	if grace <= 0 {
		k.signal(syscall.SIGKILL)
		return
	}
	k.signal(syscall.SIGTERM)
	k.escalation = time.AfterFunc(grace, func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		if !k.reaped {
			k.signal(syscall.SIGKILL)
		}
	})
}

// reap marks the leader as waited for and kills whatever is left in its
// group.
func (k *groupKiller) reap() killReason {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.reaped = true
	if k.escalation != nil {
		k.escalation.Stop()
	}
	k.signal(syscall.SIGKILL)
	return k.reason
}

func (k *groupKiller) signal(sig syscall.Signal) {
	if k.pgid <= 0 {
		return
	}
	if err := syscall.Kill(-k.pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		slog.Debug("signalling process group", "pgid", k.pgid, "signal", sig, "err", err)
	}
}
