package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/pixelmood/social-poller/internal/config"
	"github.com/pixelmood/social-poller/internal/models"
)

// ErrConflict reports that a conditional update found a stored value other
// than the expected one. It is a protocol event, not a failure: callers
// re-read and re-resolve with max-wins.
var ErrConflict = errors.New("checkpoint conflict")

// Store is a durable key to progress-marker store with conditional update
// semantics.
type Store interface {
	// Read returns the checkpoint for key, or nil when absent. A stored
	// value that fails numeric parsing is treated as absent; the raw value
	// is preserved for forensic inspection where the backend allows it.
	Read(ctx context.Context, key string) (*models.Checkpoint, error)

	// Update writes cp under key only if the stored value still matches
	// expected (nil expected means "no value must exist yet"). A mismatch
	// returns ErrConflict rather than silently overwriting.
	Update(ctx context.Context, key string, expected *models.Checkpoint, cp models.Checkpoint) error

	// PutRunStatus persists the outcome of the most recent run.
	PutRunStatus(ctx context.Context, status models.RunStatus) error

	// GetRunStatus returns the most recent run outcome, or nil if no run
	// has been recorded.
	GetRunStatus(ctx context.Context) (*models.RunStatus, error)

	Close(ctx context.Context) error
}

// NewStore creates a checkpoint store based on configuration.
func NewStore(ctx context.Context, cfg config.CheckpointConfig) (Store, error) {
	switch cfg.Type {
	case "dynamodb":
		return NewDynamoDBStore(cfg)
	case "mongodb":
		return NewMongoDBStore(ctx, cfg)
	case "postgresql":
		return NewPostgreSQLStore(cfg)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint store type: %s", cfg.Type)
	}
}
