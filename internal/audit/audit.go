// Package audit provides the append-only validation/security event trail.
// Appends are fire-and-forget from the caller's perspective: the hot
// validation path never waits on, and never fails because of, the audit
// store. Persistence failures are surfaced to the operational log and a
// drop counter instead of being swallowed.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"keygate/internal/domain"
	"keygate/internal/store"
)

const defaultBuffer = 256

// DropHook is invoked when an entry cannot be persisted, with the entry
// and the write error. Used to feed the operational metrics counter.
type DropHook func(entry *domain.AuditEntry, err error)

// Logger asynchronously appends audit entries to the store.
type Logger struct {
	store  store.AuditStore
	logger *slog.Logger
	onDrop DropHook

	entries chan *domain.AuditEntry
	done    chan struct{}
	once    sync.Once

	mu     sync.Mutex
	closed bool
}

// NewLogger creates an audit logger and starts its background writer.
// onDrop may be nil.
func NewLogger(auditStore store.AuditStore, logger *slog.Logger, onDrop DropHook) *Logger {
	l := &Logger{
		store:   auditStore,
		logger:  logger.With(slog.String("component", "audit")),
		onDrop:  onDrop,
		entries: make(chan *domain.AuditEntry, defaultBuffer),
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

// Append queues an entry for persistence. It never blocks and never
// panics: when the buffer is full, or the logger is already closed, the
// entry is dropped and reported through the drop hook, which is
// preferable to stalling a validation or redemption in flight.
func (l *Logger) Append(entry *domain.AuditEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	// The lock covers the closed check and the send together, so Close
	// cannot close the channel between them. The send never blocks, so
	// the critical section stays short.
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		l.report(entry, errClosed)
		return
	}
	select {
	case l.entries <- entry:
	default:
		l.report(entry, errBufferFull)
	}
}

// Close drains queued entries and stops the writer. Safe to call more
// than once; appends arriving afterwards degrade to the drop hook.
func (l *Logger) Close() {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.entries)
		l.mu.Unlock()
		<-l.done
	})
}

func (l *Logger) run() {
	defer close(l.done)
	for entry := range l.entries {
		// Each write gets its own deadline so one slow insert cannot
		// wedge the queue behind it.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := l.store.Append(ctx, entry)
		cancel()
		if err != nil {
			l.report(entry, err)
		}
	}
}

func (l *Logger) report(entry *domain.AuditEntry, err error) {
	l.logger.Error("audit entry not persisted",
		slog.String("license_key", entry.LicenseKey),
		slog.String("device_id", entry.DeviceID),
		slog.String("event_type", string(entry.EventType)),
		slog.String("error", err.Error()),
	)
	if l.onDrop != nil {
		l.onDrop(entry, err)
	}
}

type bufferFullError struct{}

func (bufferFullError) Error() string { return "audit buffer full" }

var errBufferFull = bufferFullError{}

type loggerClosedError struct{}

func (loggerClosedError) Error() string { return "audit logger closed" }

var errClosed = loggerClosedError{}
