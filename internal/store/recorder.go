package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/roach88/demandflow/internal/trace"
)

// DefaultRecorderBuffer is the channel depth between stages and the writer.
const DefaultRecorderBuffer = 4096

// maxBatch bounds how many queued records are committed per transaction.
const maxBatch = 256

// Recorder is a trace.Sink that persists records to a Store.
//
// Stages call Record from their own goroutines; a single writer goroutine
// owns the database. Record blocks when the buffer is full rather than
// dropping, so the persisted log is complete. Close drains the buffer.
type Recorder struct {
	store  *Store
	logger *slog.Logger
	ch     chan trace.Record
	done   chan struct{}

	// mu guards closed; Record holds it across the send so Close
	// never closes the channel under a sender.
	mu     sync.Mutex
	closed bool

	errMu sync.Mutex
	err   error
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderLogger sets the logger for write failures.
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		r.logger = l
	}
}

// WithRecorderBuffer sets the channel depth.
func WithRecorderBuffer(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.ch = make(chan trace.Record, n)
		}
	}
}

// NewRecorder starts the writer goroutine.
func NewRecorder(s *Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:  s,
		logger: slog.Default(),
		ch:     make(chan trace.Record, DefaultRecorderBuffer),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.loop()
	return r
}

// Record queues a record. Records arriving after Close are ignored.
func (r *Recorder) Record(rec trace.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.ch <- rec
}

// Close flushes queued records and stops the writer. Returns the first
// write error, if any. Safe to call more than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()

	<-r.done

	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *Recorder) loop() {
	defer close(r.done)

	batch := make([]trace.Record, 0, maxBatch)
	for rec := range r.ch {
		batch = append(batch[:0], rec)
	fill:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-r.ch:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		r.flush(batch)
	}
}

func (r *Recorder) flush(batch []trace.Record) {
	err := r.store.WriteRecords(context.Background(), batch)
	if err == nil {
		return
	}
	r.logger.Error("trace write failed",
		"records", len(batch),
		"first_seq", batch[0].Seq,
		"error", err,
	)
	r.errMu.Lock()
	r.err = errors.Join(r.err, err)
	r.errMu.Unlock()
}
