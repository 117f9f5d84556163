package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/michaelbrown/coderun/internal/events"
	"github.com/michaelbrown/coderun/internal/language"
	"github.com/michaelbrown/coderun/internal/sandbox"
	"github.com/michaelbrown/coderun/internal/storage"
	"github.com/michaelbrown/coderun/internal/worker"
)

// Options are the execution defaults and ceilings.
type Options struct {
	Timeout        time.Duration // default wall-clock limit
	MaxTimeout     time.Duration // ceiling for per-request timeouts
	MaxOutputBytes int           // per-stream capture cap
	QueueTimeout   time.Duration // how long a request may wait for a worker
	OutputPolicy   sandbox.OutputPolicy
	Limits         sandbox.Limits
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = sandbox.DefaultTimeout
	}
	if o.MaxTimeout < o.Timeout {
		o.MaxTimeout = o.Timeout
	}
	if o.MaxOutputBytes <= 0 {
		o.MaxOutputBytes = sandbox.DefaultMaxOutputBytes
	}
	if o.QueueTimeout <= 0 {
		o.QueueTimeout = 10 * time.Second
	}
	if !o.OutputPolicy.Valid() {
		o.OutputPolicy = sandbox.OutputTruncate
	}
	return o
}

// Deps are the collaborators of a Coordinator. Resolver and Pool are
// required; the rest may be nil.
type Deps struct {
	Resolver  *language.Resolver
	Pool      Pool
	Store     storage.Store
	Recorder  Recorder
	Publisher events.Publisher
	Logger    *slog.Logger
}

// Coordinator owns each request from acceptance to its recorded result.
type Coordinator struct {
	resolver  *language.Resolver
	pool      Pool
	store     storage.Store
	recorder  Recorder
	publisher events.Publisher
	logger    *slog.Logger
	opts      Options

	inflight *xsync.MapOf[string, struct{}]
}

// New creates a coordinator.
func New(deps Deps, opts Options) (*Coordinator, error) {
	if deps.Resolver == nil {
		return nil, errors.New("language resolver is required")
	}
	if deps.Pool == nil {
		return nil, errors.New("worker pool is required")
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Noop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{
		resolver:  deps.Resolver,
		pool:      deps.Pool,
		store:     deps.Store,
		recorder:  deps.Recorder,
		publisher: deps.Publisher,
		logger:    deps.Logger,
		opts:      opts.withDefaults(),
		inflight:  xsync.NewMapOf[string, struct{}](),
	}, nil
}

// Execute runs req to completion. Timeouts, spawn failures and worker loss
// are reported in the response, not as errors. Errors mean the request never
// ran: invalid, unsupported, duplicate, queue timeout, or cancelled while
// queued. A request cancelled while running returns its terminal response
// together with ErrCancelled.
func (c *Coordinator) Execute(ctx context.Context, req Request) (*Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	log := c.logger.With("request_id", req.ID, "caller", req.Caller, "language", req.Language)
	log.Debug("request state", "state", StateAccepted)

	if err := validate(req); err != nil {
		log.Info("request rejected", "state", StateRejected, "err", err)
		return nil, err
	}

	log.Debug("request state", "state", StateResolving)
	lang, err := c.resolver.Resolve(req.Language)
	if err != nil {
		log.Info("request rejected", "state", StateRejected, "err", err)
		return nil, err
	}

	if _, loaded := c.inflight.LoadOrStore(req.ID, struct{}{}); loaded {
		log.Warn("request rejected", "state", StateRejected, "err", ErrDuplicateRequest)
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, req.ID)
	}
	defer c.inflight.Delete(req.ID)

	spec := c.spec(lang, req)

	log.Debug("request state", "state", StateQueued)
	queued := time.Now()
	runner, err := c.acquire(ctx)
	if err != nil {
		state := StateQueueTimeout
		if errors.Is(err, ErrCancelled) {
			state = StateCancelled
		}
		log.Warn("request not run", "state", state, "waited", time.Since(queued), "err", err)
		return nil, err
	}

	log.Debug("request state", "state", StateRunning, "waited", time.Since(queued))
	res := runner.Run(ctx, req.ID, spec)
	c.pool.Release(runner)

	resp := &Response{RequestID: req.ID, Language: lang.ID, Result: res}
	record := storage.NewRecord(req.ID, req.Caller, lang.ID, req.Code, res)
	resp.SubmissionID = record.ID
	if c.recorder != nil {
		c.recorder.Write(record)
	}
	c.publisher.Publish(events.NewEvent(req.ID, record.ID, req.Caller, lang.ID, res))

	log.Info("execution completed",
		"state", StateCompleted,
		"status", res.Status.String(),
		"duration", res.Duration,
		"stdout_truncated", res.StdoutTruncated,
		"stderr_truncated", res.StderrTruncated)

	if ctx.Err() != nil {
		return resp, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
	return resp, nil
}

func validate(req Request) error {
	switch {
	case strings.TrimSpace(req.Caller) == "":
		return fmt.Errorf("%w: caller is required", ErrInvalidRequest)
	case strings.TrimSpace(req.Language) == "":
		return fmt.Errorf("%w: language is required", ErrInvalidRequest)
	case strings.TrimSpace(req.Code) == "":
		return fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}
	return nil
}

func (c *Coordinator) spec(lang language.Language, req Request) sandbox.Spec {
	timeout := c.opts.Timeout
	if req.Timeout > 0 {
		timeout = min(req.Timeout, c.opts.MaxTimeout)
	}
	maxOutput := c.opts.MaxOutputBytes
	if req.MaxOutputBytes > 0 {
		maxOutput = min(req.MaxOutputBytes, c.opts.MaxOutputBytes)
	}
	return sandbox.Spec{
		Argv:           lang.Argv(req.Code),
		Stdin:          req.Stdin,
		Timeout:        timeout,
		MaxOutputBytes: maxOutput,
		OutputPolicy:   c.opts.OutputPolicy,
		Limits:         c.opts.Limits,
	}
}

func (c *Coordinator) acquire(ctx context.Context) (Runner, error) {
	qctx, cancel := context.WithTimeout(ctx, c.opts.QueueTimeout)
	defer cancel()

	runner, err := c.pool.Acquire(qctx)
	switch {
	case err == nil:
		return runner, nil
	case ctx.Err() != nil:
		return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	case errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("%w after %s", ErrQueueTimeout, c.opts.QueueTimeout)
	default:
		return nil, fmt.Errorf("acquiring worker: %w", err)
	}
}

// Submissions returns the caller's records, newest first.
func (c *Coordinator) Submissions(ctx context.Context, caller string, opts storage.ListOptions) ([]storage.Record, error) {
	if c.store == nil {
		return nil, ErrNoStore
	}
	return c.store.FindByCaller(ctx, caller, opts)
}

// Submission returns one of the caller's records by id or id prefix.
// Records owned by other callers are reported as not found.
func (c *Coordinator) Submission(ctx context.Context, caller, id string) (*storage.Record, error) {
	if c.store == nil {
		return nil, ErrNoStore
	}
	if caller == "" {
		return nil, fmt.Errorf("%w: caller is required", ErrInvalidRequest)
	}
	r, err := c.store.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if r.Caller != caller {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return r, nil
}

// Languages lists the languages requests may use.
func (c *Coordinator) Languages() []language.Language {
	return c.resolver.Languages()
}

// PoolStats reports worker pool occupancy.
func (c *Coordinator) PoolStats() worker.Stats {
	return c.pool.Stats()
}
