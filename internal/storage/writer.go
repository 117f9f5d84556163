package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// saveTimeout bounds a single background Save.
const saveTimeout = 10 * time.Second

// Writer persists records in the background. Write never blocks and never
// reports failure to the caller: a full buffer drops the record, and a failed
// Save is logged and forgotten.
type Writer struct {
	store  Store
	logger *slog.Logger

	mu     sync.RWMutex
	queue  chan *Record
	closed bool
	done   chan struct{}
}

// NewWriter starts a writer with room for buffer pending records.
func NewWriter(store Store, buffer int, logger *slog.Logger) *Writer {
	if buffer <= 0 {
		buffer = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	w := &Writer{
		store:  store,
		logger: logger,
		queue:  make(chan *Record, buffer),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

// Write enqueues r for persistence and returns immediately.
func (w *Writer) Write(r *Record) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.logger.Warn("submission dropped: writer closed", "id", r.ID, "request_id", r.RequestID)
		return
	}
	select {
	case w.queue <- r:
	default:
		w.logger.Warn("submission dropped: buffer full", "id", r.ID, "request_id", r.RequestID)
	}
}

func (w *Writer) loop() {
	defer close(w.done)
	for r := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		if err := w.store.Save(ctx, r); err != nil {
			w.logger.Error("saving submission", "id", r.ID, "request_id", r.RequestID, "err", err)
		}
		cancel()
	}
}

// Close stops accepting records and waits for pending ones to be saved, or
// for ctx to end.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
