package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/michaelbrown/coderun/internal/sandbox"
)

const (
	// replyMargin is granted on top of the job timeout and kill grace before
	// a silent worker is treated as wedged.
	replyMargin = 2 * time.Second
	// stopTimeout bounds a graceful worker shutdown.
	stopTimeout = 3 * time.Second
)

// ErrWorkerLost is the message of results whose worker died mid-job.
var ErrWorkerLost = errors.New("worker exited unexpectedly")

// Worker is one live worker process. A worker runs one job at a time; the
// supervisor guarantees exclusive use between Acquire and Release.
type Worker struct {
	ID int

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	encMu  sync.Mutex
	enc    *json.Encoder
	logger *slog.Logger

	readyOnce sync.Once
	ready     chan struct{}
	results   chan Frame
	done      chan struct{}
	exitErr   error

	alive     atomic.Bool
	served    atomic.Int64
	killGrace time.Duration
}

func startWorker(ctx context.Context, id int, opts Options, logger *slog.Logger) (*Worker, error) {
	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Env = append(os.Environ(), opts.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}

	w := &Worker{
		ID:        id,
		cmd:       cmd,
		stdin:     stdin,
		enc:       json.NewEncoder(stdin),
		logger:    logger.With("worker_id", id, "pid", cmd.Process.Pid),
		ready:     make(chan struct{}),
		results:   make(chan Frame, 1),
		done:      make(chan struct{}),
		killGrace: opts.KillGrace,
	}
	w.alive.Store(true)

	var g errgroup.Group
	g.Go(func() error { return w.readFrames(stdout) })
	g.Go(func() error { return w.forwardLogs(stderr) })
	go func() {
		ioErr := g.Wait()
		waitErr := cmd.Wait()
		w.alive.Store(false)
		w.exitErr = errors.Join(waitErr, ioErr)
		close(w.done)
	}()

	timer := time.NewTimer(opts.StartTimeout)
	defer timer.Stop()
	select {
	case <-w.ready:
		return w, nil
	case <-w.done:
		return nil, fmt.Errorf("worker exited during startup: %v", w.exitErr)
	case <-timer.C:
		w.kill()
		<-w.done
		return nil, fmt.Errorf("worker not ready within %s", opts.StartTimeout)
	case <-ctx.Done():
		w.kill()
		<-w.done
		return nil, ctx.Err()
	}
}

// Run executes spec on the worker and returns its result. Worker loss and an
// unresponsive worker both produce a spawn_error result; Run never fails
// with an error.
func (w *Worker) Run(ctx context.Context, jobID string, spec sandbox.Spec) sandbox.Result {
	start := time.Now()
	if !w.Alive() {
		return sandbox.SpawnFailure(0, ErrWorkerLost)
	}
	if err := w.send(Frame{Kind: FrameRun, JobID: jobID, Spec: &spec}); err != nil {
		w.logger.Warn("sending job", "job_id", jobID, "err", err)
		w.kill()
		return sandbox.SpawnFailure(time.Since(start), ErrWorkerLost)
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = sandbox.DefaultTimeout
	}
	deadline := time.NewTimer(timeout + w.killGrace + replyMargin)
	defer deadline.Stop()

	cancelled := ctx.Done()
	for {
		select {
		case f := <-w.results:
			if res, ok := w.accept(f, jobID); ok {
				return res
			}

		case <-w.done:
			// The result may have landed just before the process went away.
			select {
			case f := <-w.results:
				if res, ok := w.accept(f, jobID); ok {
					return res
				}
			default:
			}
			w.logger.Warn("worker lost mid-job", "job_id", jobID, "err", w.exitErr)
			return sandbox.SpawnFailure(time.Since(start), ErrWorkerLost)

		case <-cancelled:
			cancelled = nil
			if err := w.send(Frame{Kind: FrameCancel, JobID: jobID}); err != nil {
				w.logger.Warn("sending cancel", "job_id", jobID, "err", err)
			}

		case <-deadline.C:
			w.logger.Warn("worker unresponsive; killing", "job_id", jobID)
			w.kill()
			return sandbox.SpawnFailure(time.Since(start), ErrWorkerLost)
		}
	}
}

func (w *Worker) accept(f Frame, jobID string) (sandbox.Result, bool) {
	if f.JobID != jobID {
		w.logger.Warn("discarding stale result", "job_id", f.JobID)
		return sandbox.Result{}, false
	}
	w.served.Add(1)
	if f.Result == nil {
		return sandbox.SpawnFailure(0, errors.New("worker sent an empty result")), true
	}
	return *f.Result, true
}

// PID returns the worker's process id.
func (w *Worker) PID() int { return w.cmd.Process.Pid }

// Alive reports whether the worker process is still running.
func (w *Worker) Alive() bool { return w.alive.Load() }

// Served returns the number of jobs the worker has completed.
func (w *Worker) Served() int64 { return w.served.Load() }

func (w *Worker) send(f Frame) error {
	w.encMu.Lock()
	defer w.encMu.Unlock()
	return w.enc.Encode(f)
}

func (w *Worker) readFrames(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var f Frame
		if err := dec.Decode(&f); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			// A worker that writes garbage cannot be trusted with more jobs.
			w.kill()
			io.Copy(io.Discard, r)
			return fmt.Errorf("decoding worker frame: %w", err)
		}

		switch f.Kind {
		case FrameReady:
			w.readyOnce.Do(func() { close(w.ready) })
		case FrameResult:
			select {
			case w.results <- f:
			default:
				w.logger.Warn("dropping unexpected result", "job_id", f.JobID)
			}
		default:
			w.logger.Warn("unknown frame from worker", "kind", f.Kind)
		}
	}
}

func (w *Worker) forwardLogs(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		w.relay(sc.Bytes())
	}
	if err := sc.Err(); err != nil {
		io.Copy(io.Discard, r)
		return fmt.Errorf("reading worker stderr: %w", err)
	}
	return nil
}

// relay re-emits one JSON log line from the worker through the supervisor's
// logger, keeping its level and attributes. Other lines are logged verbatim.
func (w *Worker) relay(line []byte) {
	var rec map[string]any
	if err := json.Unmarshal(line, &rec); err != nil {
		w.logger.Info("worker output", "line", string(line))
		return
	}
	msg, _ := rec[slog.MessageKey].(string)
	var lvl slog.Level
	if s, ok := rec[slog.LevelKey].(string); ok {
		lvl.UnmarshalText([]byte(s))
	}
	attrs := make([]any, 0, 2*len(rec))
	for _, k := range slices.Sorted(maps.Keys(rec)) {
		switch k {
		case slog.TimeKey, slog.LevelKey, slog.MessageKey:
			continue
		}
		attrs = append(attrs, k, rec[k])
	}
	w.logger.Log(context.Background(), lvl, msg, attrs...)
}

// kill marks the worker dead at once, so it is never handed out again, and
// sends SIGKILL. The monitor observes the exit and replaces it.
func (w *Worker) kill() {
	w.alive.Store(false)
	if err := w.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		w.logger.Debug("killing worker", "err", err)
	}
}

// stop closes the worker's stdin and waits for it to exit, killing it if it
// does not exit within timeout.
func (w *Worker) stop(timeout time.Duration) {
	w.stdin.Close()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
	case <-timer.C:
		w.kill()
		<-w.done
	}
}
