package chequier

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultAuditQueueSize bounds the async audit buffer.
const DefaultAuditQueueSize = 256

const defaultAuditWriteTimeout = 5 * time.Second

// AsyncAuditSink hands entries to a single background writer. Record never
// blocks: when the buffer is full the entry is dropped and logged.
type AsyncAuditSink struct {
	next         AuditSink
	logger       Logger
	queue        chan AuditEntry
	writeTimeout time.Duration

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Uint64
}

// AsyncAuditOption customizes an AsyncAuditSink.
type AsyncAuditOption func(*AsyncAuditSink)

// WithAuditQueueSize sets the buffer capacity.
func WithAuditQueueSize(size int) AsyncAuditOption {
	return func(s *AsyncAuditSink) {
		if size > 0 {
			s.queue = make(chan AuditEntry, size)
		}
	}
}

// WithAuditWriteTimeout bounds each write made by the worker.
func WithAuditWriteTimeout(d time.Duration) AsyncAuditOption {
	return func(s *AsyncAuditSink) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithAuditQueueLogger sets the logger
func WithAuditQueueLogger(logger Logger) AsyncAuditOption {
	return func(s *AsyncAuditSink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewAsyncAuditSink starts the worker. Call Close to drain it.
func NewAsyncAuditSink(next AuditSink, opts ...AsyncAuditOption) *AsyncAuditSink {
	s := &AsyncAuditSink{
		next:         normalizeAuditSink(next),
		logger:       defLogger{},
		queue:        make(chan AuditEntry, DefaultAuditQueueSize),
		writeTimeout: defaultAuditWriteTimeout,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	go s.run()
	return s
}

// Record implements AuditSink.
func (s *AsyncAuditSink) Record(_ context.Context, entry AuditEntry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrInvalidState("audit queue is closed")
	}

	select {
	case s.queue <- entry:
		return nil
	default:
		dropped := s.dropped.Add(1)
		s.logger.Warn("audit queue full, entry dropped",
			"action", entry.Action,
			"resource_type", entry.ResourceType,
			"resource_id", entry.ResourceID,
			"dropped_total", dropped,
		)
		return nil
	}
}

// Dropped returns the number of entries discarded because the buffer was full.
func (s *AsyncAuditSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops accepting entries and waits for the buffer to drain or ctx to end.
func (s *AsyncAuditSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AsyncAuditSink) run() {
	defer close(s.done)
	for entry := range s.queue {
		s.write(entry)
	}
}

func (s *AsyncAuditSink) write(entry AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("audit writer panic", "action", entry.Action, "panic", rec)
		}
	}()

	if err := s.next.Record(ctx, entry); err != nil {
		s.logger.Warn("audit write failed",
			"action", entry.Action,
			"resource_type", entry.ResourceType,
			"resource_id", entry.ResourceID,
			"error", err,
		)
	}
}
