package checkpoint

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pixelmood/social-poller/internal/models"
)

// maxConflictRounds bounds the conflict-resolution loop so a misbehaving
// store cannot stall a run.
const maxConflictRounds = 3

// Advance moves the stored checkpoint forward to candidate using a
// conditional update with max-wins conflict resolution: on conflict the
// current value is re-read and the numerically larger marker is kept.
// Concurrent runs converge instead of losing progress.
//
// It returns the checkpoint known to be stored after resolution and whether
// this call wrote it. Conflicts never surface as errors.
func Advance(ctx context.Context, store Store, key string, candidate models.Checkpoint, log *slog.Logger) (models.Checkpoint, bool, error) {
	for round := 0; round < maxConflictRounds; round++ {
		current, err := store.Read(ctx, key)
		if err != nil {
			return candidate, false, err
		}

		if current != nil && current.MarkerNum >= candidate.MarkerNum {
			// Stored marker already covers the candidate.
			return *current, false, nil
		}

		err = store.Update(ctx, key, current, candidate)
		if err == nil {
			return candidate, true, nil
		}
		if !errors.Is(err, ErrConflict) {
			return candidate, false, err
		}

		log.Warn("checkpoint update conflict, re-resolving",
			slog.String("key", key),
			slog.String("candidate", candidate.Marker),
			slog.Int("round", round+1),
		)
	}

	// Persistent conflicts: report the best value we can observe and let
	// the next run re-read fresh.
	log.Warn("checkpoint conflict resolution exhausted",
		slog.String("key", key),
		slog.String("candidate", candidate.Marker),
	)
	current, err := store.Read(ctx, key)
	if err != nil || current == nil {
		return candidate, false, err
	}
	return *current, false, nil
}
