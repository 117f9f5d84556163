package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Acquire once the supervisor has been closed.
var ErrClosed = errors.New("worker pool closed")

const maxRestartBackoff = 10 * time.Second

// Options configure a Supervisor.
type Options struct {
	Size           int           // number of worker processes (default runtime.NumCPU)
	Command        []string      // argv that starts one worker process
	Env            []string      // extra KEY=VALUE pairs for worker processes
	KillGrace      time.Duration // sandbox SIGTERM to SIGKILL delay, used for reply deadlines
	RestartBackoff time.Duration // first delay after a failed respawn
	StartTimeout   time.Duration // how long a new worker has to report ready
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Size <= 0 {
		o.Size = runtime.NumCPU()
	}
	if o.KillGrace <= 0 {
		o.KillGrace = 200 * time.Millisecond
	}
	if o.RestartBackoff <= 0 {
		o.RestartBackoff = 100 * time.Millisecond
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// Stats is a snapshot of the pool.
type Stats struct {
	Size     int   `json:"size"`
	Live     int   `json:"live"`
	Idle     int   `json:"idle"`
	Waiting  int   `json:"waiting"`
	Restarts int64 `json:"restarts"`
	Served   int64 `json:"served"`
}

// Supervisor owns a fixed-size roster of worker processes. Workers that exit
// are replaced automatically, and callers waiting for a worker are served
// in arrival order.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	workers       map[int]*Worker
	idle          []*Worker
	waiters       []chan *Worker
	nextID        int
	closed        bool
	retiredServed int64

	restarts atomic.Int64
}

// New creates a supervisor. No processes are started until Start.
func New(opts Options) (*Supervisor, error) {
	opts = opts.withDefaults()
	if len(opts.Command) == 0 {
		return nil, errors.New("worker command is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		opts:    opts,
		logger:  opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[int]*Worker),
	}, nil
}

// Start spawns the full roster. If any worker fails to start, every worker
// started so far is stopped and the error is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	started := make([]*Worker, s.opts.Size)
	for i := range started {
		g.Go(func() error {
			w, err := s.spawn(gctx)
			if err != nil {
				return err
			}
			started[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, w := range started {
			if w != nil {
				w.stop(stopTimeout)
			}
		}
		return fmt.Errorf("starting worker pool: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		for _, w := range started {
			w.stop(stopTimeout)
		}
		return ErrClosed
	}
	for _, w := range started {
		s.workers[w.ID] = w
		s.handOff(w)
		s.watch(w)
	}
	s.logger.Info("worker pool started", "size", s.opts.Size)
	return nil
}

// Acquire returns an idle worker, waiting in FIFO order until one is free or
// ctx is done.
func (s *Supervisor) Acquire(ctx context.Context) (*Worker, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	for len(s.idle) > 0 {
		w := s.idle[0]
		s.idle = s.idle[1:]
		if w.Alive() {
			s.mu.Unlock()
			return w, nil
		}
	}
	ch := make(chan *Worker, 1)
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	select {
	case w := <-ch:
		if w == nil {
			return nil, ErrClosed
		}
		return w, nil
	case <-ctx.Done():
		s.mu.Lock()
		i := slices.Index(s.waiters, ch)
		if i >= 0 {
			s.waiters = slices.Delete(s.waiters, i, i+1)
		}
		s.mu.Unlock()
		if i < 0 {
			// Handed a worker while giving up; pass it on.
			if w := <-ch; w != nil {
				s.Release(w)
			}
		}
		return nil, ctx.Err()
	}
}

// Release returns a worker obtained from Acquire. Dead workers are dropped;
// their replacement is handed out by the monitor.
func (s *Supervisor) Release(w *Worker) {
	if w == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !w.Alive() || s.workers[w.ID] != w {
		return
	}
	s.handOff(w)
}

// handOff gives w to the oldest waiter, or parks it as idle. Dead workers
// are dropped; their monitor hands out the replacement. Callers hold mu.
func (s *Supervisor) handOff(w *Worker) {
	if !w.Alive() {
		return
	}
	if len(s.waiters) > 0 {
		ch := s.waiters[0]
		s.waiters = s.waiters[1:]
		ch <- w
		return
	}
	s.idle = append(s.idle, w)
}

func (s *Supervisor) spawn(ctx context.Context) (*Worker, error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	w, err := startWorker(ctx, id, s.opts, s.logger)
	if err != nil {
		return nil, fmt.Errorf("worker %d: %w", id, err)
	}
	s.logger.Debug("worker started", "worker_id", id, "pid", w.PID())
	return w, nil
}

// watch starts the monitor for w. Callers hold mu or own w exclusively.
func (s *Supervisor) watch(w *Worker) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-w.done
		if s.retire(w) {
			s.replace()
		}
	}()
}

// retire removes a dead worker from the roster and reports whether it should
// be replaced.
func (s *Supervisor) retire(w *Worker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, w.ID)
	if i := slices.Index(s.idle, w); i >= 0 {
		s.idle = slices.Delete(s.idle, i, i+1)
	}
	s.retiredServed += w.Served()
	if s.closed {
		return false
	}
	s.logger.Warn("worker exited; restarting", "worker_id", w.ID, "pid", w.PID(), "err", w.exitErr)
	s.restarts.Add(1)
	return true
}

func (s *Supervisor) replace() {
	backoff := s.opts.RestartBackoff
	for {
		w, err := s.spawn(s.ctx)
		if err == nil {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				w.stop(stopTimeout)
				return
			}
			s.workers[w.ID] = w
			s.handOff(w)
			s.watch(w)
			s.mu.Unlock()
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Error("respawning worker", "err", err, "retry_in", backoff)
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxRestartBackoff)
	}
}

// Stats returns a snapshot of the pool.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	served := s.retiredServed
	for _, w := range s.workers {
		served += w.Served()
	}
	return Stats{
		Size:     s.opts.Size,
		Live:     len(s.workers),
		Idle:     len(s.idle),
		Waiting:  len(s.waiters),
		Restarts: s.restarts.Load(),
		Served:   served,
	}
}

// Close stops every worker and fails pending and future acquires with
// ErrClosed. Jobs still running are killed.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, ch := range s.waiters {
		ch <- nil
	}
	s.waiters = nil
	s.idle = nil
	workers := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	s.cancel()
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.stop(stopTimeout)
		}()
	}
	wg.Wait()
	s.wg.Wait()
	s.logger.Info("worker pool stopped", "workers", len(workers))
	return nil
}
