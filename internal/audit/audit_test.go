package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/domain"
)

// recordingStore captures appended entries; fail makes every write error.
type recordingStore struct {
	mu      sync.Mutex
	entries []*domain.AuditEntry
	fail    bool
}

func (r *recordingStore) Append(_ context.Context, entry *domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("disk on fire")
	}
	r.entries = append(r.entries, entry)
	return nil
}

func (r *recordingStore) ListByLicense(context.Context, string, int) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (r *recordingStore) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func TestAppendPersistsEntries(t *testing.T) {
	rec := &recordingStore{}
	logger := NewLogger(rec, slog.Default(), nil)

	for i := 0; i < 5; i++ {
		logger.Append(&domain.AuditEntry{
			LicenseKey: "KG-1",
			DeviceID:   "dev",
			EventType:  domain.EventValidation,
			Success:    true,
		})
	}
	logger.Close()

	assert.Equal(t, 5, rec.count())
}

func TestAppendStampsCreatedAt(t *testing.T) {
	rec := &recordingStore{}
	logger := NewLogger(rec, slog.Default(), nil)

	logger.Append(&domain.AuditEntry{EventType: domain.EventBan})
	logger.Close()

	require.Equal(t, 1, rec.count())
	assert.WithinDuration(t, time.Now(), rec.entries[0].CreatedAt, 2*time.Second)
}

func TestWriteFailureInvokesDropHook(t *testing.T) {
	rec := &recordingStore{fail: true}
	var dropped atomic.Int64
	logger := NewLogger(rec, slog.Default(), func(*domain.AuditEntry, error) {
		dropped.Add(1)
	})

	logger.Append(&domain.AuditEntry{EventType: domain.EventValidation})
	logger.Close()

	assert.Equal(t, int64(1), dropped.Load())
}

func TestAppendNeverBlocks(t *testing.T) {
	rec := &recordingStore{}
	logger := NewLogger(rec, slog.Default(), nil)
	defer logger.Close()

	done := make(chan struct{})
	go func() {
		// Well past the buffer size; must return promptly either way.
		for i := 0; i < defaultBuffer*4; i++ {
			logger.Append(&domain.AuditEntry{EventType: domain.EventValidation})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Append blocked the caller")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	logger := NewLogger(&recordingStore{}, slog.Default(), nil)
	logger.Close()
	logger.Close()
}

func TestAppendAfterCloseDropsWithoutPanic(t *testing.T) {
	rec := &recordingStore{}
	var dropped atomic.Int64
	logger := NewLogger(rec, slog.Default(), func(*domain.AuditEntry, error) {
		dropped.Add(1)
	})
	logger.Close()

	// A straggler during shutdown lands in the drop hook instead of on
	// a closed channel.
	logger.Append(&domain.AuditEntry{EventType: domain.EventValidation})

	assert.Equal(t, int64(1), dropped.Load())
	assert.Equal(t, 0, rec.count())
}
