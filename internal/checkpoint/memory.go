package checkpoint

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pixelmood/social-poller/internal/models"
)

// MemoryStore is an in-process Store with the same conditional-update
// semantics as the durable backends. Used for local development and tests.
type MemoryStore struct {
	mu          sync.Mutex
	checkpoints map[string]models.Checkpoint
	corrupt     map[string]string
	status      *models.RunStatus
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string]models.Checkpoint),
		corrupt:     make(map[string]string),
	}
}

// Read returns the checkpoint stored under key, or nil when absent.
func (m *MemoryStore) Read(ctx context.Context, key string) (*models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, ok := m.checkpoints[key]
	if !ok {
		return nil, nil
	}
	out := cp
	return &out, nil
}

// Update performs the compare-and-swap against the in-memory value.
func (m *MemoryStore) Update(ctx context.Context, key string, expected *models.Checkpoint, cp models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.checkpoints[key]
	if expected == nil {
		if ok {
			return ErrConflict
		}
	} else if !ok || current.MarkerNum != expected.MarkerNum {
		return ErrConflict
	}

	m.checkpoints[key] = cp
	return nil
}

// SeedCorrupt quarantines key as if its durable value had failed parsing:
// the raw marker moves aside and the checkpoint reads as absent. Intended
// for tests.
func (m *MemoryStore) SeedCorrupt(key, raw string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.corrupt[key] = raw
	delete(m.checkpoints, key)
	slog.Debug("seeded corrupt checkpoint", slog.String("key", key))
}

// CorruptValue returns the quarantined raw marker for key, if any.
func (m *MemoryStore) CorruptValue(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.corrupt[key]
	return raw, ok
}

// PutRunStatus stores the outcome of the most recent run.
func (m *MemoryStore) PutRunStatus(ctx context.Context, status models.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = &status
	return nil
}

// GetRunStatus returns the most recent run outcome.
func (m *MemoryStore) GetRunStatus(ctx context.Context) (*models.RunStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == nil {
		return nil, nil
	}
	out := *m.status
	return &out, nil
}

// Close is a no-op.
func (m *MemoryStore) Close(ctx context.Context) error {
	return nil
}
