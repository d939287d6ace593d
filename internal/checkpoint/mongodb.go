package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pixelmood/social-poller/internal/config"
	"github.com/pixelmood/social-poller/internal/models"
)

const (
	mongoDatabase             = "social_poller"
	mongoCheckpointCollection = "checkpoints"
	mongoStatusCollection     = "run_status"
)

// MongoDBStore implements Store using MongoDB filtered updates as the
// compare-and-swap primitive.
type MongoDBStore struct {
	client      *mongo.Client
	checkpoints *mongo.Collection
	statuses    *mongo.Collection
}

// NewMongoDBStore creates a new MongoDB checkpoint store.
func NewMongoDBStore(ctx context.Context, cfg config.CheckpointConfig) (*MongoDBStore, error) {
	if cfg.MongoDBURI == "" {
		return nil, fmt.Errorf("MongoDB URI is required")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDBURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(mongoDatabase)
	return &MongoDBStore{
		client:      client,
		checkpoints: db.Collection(mongoCheckpointCollection),
		statuses:    db.Collection(mongoStatusCollection),
	}, nil
}

// Read returns the checkpoint stored under key, quarantining documents
// whose marker cannot be parsed numerically.
func (m *MongoDBStore) Read(ctx context.Context, key string) (*models.Checkpoint, error) {
	var doc bson.M
	err := m.checkpoints.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", key, err)
	}

	marker, _ := doc["marker"].(string)
	markerNum, ok := numericMarker(doc["marker_num"])
	if !ok || marker == "" {
		return nil, m.quarantine(ctx, key, marker)
	}

	cp := &models.Checkpoint{Marker: marker, MarkerNum: markerNum}
	switch at := doc["updated_at"].(type) {
	case primitive.DateTime:
		cp.UpdatedAt = at.Time()
	case time.Time:
		cp.UpdatedAt = at
	}
	return cp, nil
}

func numericMarker(v any) (uint64, bool) {
	switch n := v.(type) {
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int32:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case string:
		parsed, err := strconv.ParseUint(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func (m *MongoDBStore) quarantine(ctx context.Context, key, raw string) error {
	slog.Warn("corrupt checkpoint quarantined",
		slog.String("key", key),
		slog.String("raw_marker", raw),
	)

	_, err := m.checkpoints.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{
			"$set":   bson.M{"corrupt_marker": raw},
			"$unset": bson.M{"marker": "", "marker_num": ""},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to quarantine corrupt checkpoint %s: %w", key, err)
	}
	return nil
}

// Update performs the conditional write. A filter that matches nothing is a
// conflict; a racing first write surfaces as a duplicate key on upsert.
func (m *MongoDBStore) Update(ctx context.Context, key string, expected *models.Checkpoint, cp models.Checkpoint) error {
	set := bson.M{"$set": bson.M{
		"marker":     cp.Marker,
		"marker_num": int64(cp.MarkerNum),
		"updated_at": cp.UpdatedAt.UTC(),
	}}

	if expected == nil {
		filter := bson.M{"_id": key, "marker_num": bson.M{"$exists": false}}
		res, err := m.checkpoints.UpdateOne(ctx, filter, set, options.Update().SetUpsert(true))
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return ErrConflict
			}
			return fmt.Errorf("failed to create checkpoint %s: %w", key, err)
		}
		if res.MatchedCount == 0 && res.UpsertedCount == 0 {
			return ErrConflict
		}
		return nil
	}

	filter := bson.M{"_id": key, "marker_num": int64(expected.MarkerNum)}
	res, err := m.checkpoints.UpdateOne(ctx, filter, set)
	if err != nil {
		return fmt.Errorf("failed to update checkpoint %s: %w", key, err)
	}
	if res.MatchedCount == 0 {
		return ErrConflict
	}
	return nil
}

// PutRunStatus persists the outcome of the most recent run under a fixed key.
func (m *MongoDBStore) PutRunStatus(ctx context.Context, status models.RunStatus) error {
	_, err := m.statuses.UpdateOne(ctx,
		bson.M{"_id": runStatusKey},
		bson.M{"$set": bson.M{
			"status":              status.Status,
			"last_attempt":        status.LastAttempt.UTC(),
			"last_successful_run": status.LastSuccessfulRun.UTC(),
			"records_processed":   status.RecordsProcessed,
			"error_message":       status.ErrorMessage,
			"correlation_id":      status.CorrelationID,
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to store run status: %w", err)
	}
	return nil
}

// GetRunStatus retrieves the most recent run outcome.
func (m *MongoDBStore) GetRunStatus(ctx context.Context) (*models.RunStatus, error) {
	var doc struct {
		Status            string    `bson:"status"`
		LastAttempt       time.Time `bson:"last_attempt"`
		LastSuccessfulRun time.Time `bson:"last_successful_run"`
		RecordsProcessed  int       `bson:"records_processed"`
		ErrorMessage      string    `bson:"error_message"`
		CorrelationID     string    `bson:"correlation_id"`
	}
	err := m.statuses.FindOne(ctx, bson.M{"_id": runStatusKey}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run status: %w", err)
	}
	return &models.RunStatus{
		Status:            doc.Status,
		LastAttempt:       doc.LastAttempt,
		LastSuccessfulRun: doc.LastSuccessfulRun,
		RecordsProcessed:  doc.RecordsProcessed,
		ErrorMessage:      doc.ErrorMessage,
		CorrelationID:     doc.CorrelationID,
	}, nil
}

// Close disconnects the MongoDB client.
func (m *MongoDBStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
