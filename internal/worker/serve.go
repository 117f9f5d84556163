package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/michaelbrown/coderun/internal/sandbox"
)

type jobResult struct {
	id  string
	res sandbox.Result
}

type runningJob struct {
	id     string
	cancel context.CancelFunc
}

// Serve is the worker side of the protocol. It announces readiness on w,
// then executes run frames from r one at a time until r reaches EOF or ctx
// is cancelled. A job still running at EOF is killed before Serve returns.
func Serve(ctx context.Context, r io.Reader, w io.Writer, sb sandbox.Sandbox, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(Frame{Kind: FrameReady}); err != nil {
		return fmt.Errorf("writing ready frame: %w", err)
	}

	frames := make(chan Frame)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		dec := json.NewDecoder(r)
		for {
			var f Frame
			if err := dec.Decode(&f); err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- f:
			case <-stop:
				return
			}
		}
	}()

	results := make(chan jobResult)
	var running *runningJob

	finish := func() {
		if running != nil {
			running.cancel()
			<-results
			running = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			finish()
			return ctx.Err()

		case f := <-frames:
			switch f.Kind {
			case FrameRun:
				if running != nil {
					logger.Warn("run frame while busy", "job_id", f.JobID, "running", running.id)
					res := sandbox.SpawnFailure(0, errors.New("worker busy"))
					if err := enc.Encode(Frame{Kind: FrameResult, JobID: f.JobID, Result: &res}); err != nil {
						finish()
						return fmt.Errorf("writing result: %w", err)
					}
					continue
				}
				if f.Spec == nil {
					res := sandbox.SpawnFailure(0, errors.New("run frame without spec"))
					if err := enc.Encode(Frame{Kind: FrameResult, JobID: f.JobID, Result: &res}); err != nil {
						return fmt.Errorf("writing result: %w", err)
					}
					continue
				}
				jobCtx, cancel := context.WithCancel(ctx)
				running = &runningJob{id: f.JobID, cancel: cancel}
				logger.Debug("job started", "job_id", f.JobID, "timeout", f.Spec.Timeout)
				go func(id string, spec sandbox.Spec) {
					results <- jobResult{id: id, res: sb.Run(jobCtx, spec)}
				}(f.JobID, *f.Spec)

			case FrameCancel:
				if running != nil && running.id == f.JobID {
					logger.Debug("job cancel requested", "job_id", f.JobID)
					running.cancel()
				}

			default:
				logger.Warn("unknown frame", "kind", f.Kind)
			}

		case jr := <-results:
			running.cancel()
			running = nil
			logger.Debug("job finished", "job_id", jr.id, "status", jr.res.Status.String())
			if err := enc.Encode(Frame{Kind: FrameResult, JobID: jr.id, Result: &jr.res}); err != nil {
				return fmt.Errorf("writing result: %w", err)
			}

		case err := <-readErr:
			finish()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading frames: %w", err)
		}
	}
}
