package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/pixelmood/social-poller/internal/config"
	"github.com/pixelmood/social-poller/internal/models"
)

// PostgreSQLStore implements Store using row-level conditional updates.
type PostgreSQLStore struct {
	db *sql.DB
}

// NewPostgreSQLStore creates a new PostgreSQL checkpoint store.
func NewPostgreSQLStore(cfg config.CheckpointConfig) (*PostgreSQLStore, error) {
	if cfg.PostgresURI == "" {
		return nil, fmt.Errorf("PostgreSQL URI is required")
	}

	db, err := sql.Open("postgres", cfg.PostgresURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	store := &PostgreSQLStore{db: db}
	if err := store.ensureSchema(); err != nil {
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return store, nil
}

func (p *PostgreSQLStore) ensureSchema() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			id             TEXT PRIMARY KEY,
			marker         TEXT,
			marker_num     BIGINT,
			updated_at     TIMESTAMPTZ,
			corrupt_marker TEXT
		);
		CREATE TABLE IF NOT EXISTS run_statuses (
			id   TEXT PRIMARY KEY,
			data JSONB NOT NULL
		);
	`)
	return err
}

// Read returns the checkpoint stored under key. A row whose numeric marker
// is NULL (for example after a failed migration) is quarantined and treated
// as absent.
func (p *PostgreSQLStore) Read(ctx context.Context, key string) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	var marker sql.NullString
	var markerNum sql.NullInt64
	var updatedAt sql.NullTime

	row := p.db.QueryRowContext(ctx,
		`SELECT marker, marker_num, updated_at FROM checkpoints WHERE id = $1`, key)
	err := row.Scan(&marker, &markerNum, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", key, err)
	}

	if !marker.Valid || !markerNum.Valid || markerNum.Int64 < 0 {
		return nil, p.quarantine(ctx, key, marker.String)
	}

	cp.Marker = marker.String
	cp.MarkerNum = uint64(markerNum.Int64)
	if updatedAt.Valid {
		cp.UpdatedAt = updatedAt.Time
	}
	return &cp, nil
}

func (p *PostgreSQLStore) quarantine(ctx context.Context, key, raw string) error {
	slog.Warn("corrupt checkpoint quarantined",
		slog.String("key", key),
		slog.String("raw_marker", raw),
	)

	_, err := p.db.ExecContext(ctx,
		`UPDATE checkpoints SET corrupt_marker = marker, marker = NULL, marker_num = NULL WHERE id = $1`,
		key)
	if err != nil {
		return fmt.Errorf("failed to quarantine corrupt checkpoint %s: %w", key, err)
	}
	return nil
}

// Update performs the conditional write; zero affected rows is a conflict.
func (p *PostgreSQLStore) Update(ctx context.Context, key string, expected *models.Checkpoint, cp models.Checkpoint) error {
	var res sql.Result
	var err error

	if expected == nil {
		res, err = p.db.ExecContext(ctx, `
			INSERT INTO checkpoints (id, marker, marker_num, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE
				SET marker = EXCLUDED.marker,
				    marker_num = EXCLUDED.marker_num,
				    updated_at = EXCLUDED.updated_at
				WHERE checkpoints.marker_num IS NULL`,
			key, cp.Marker, int64(cp.MarkerNum), cp.UpdatedAt.UTC())
	} else {
		res, err = p.db.ExecContext(ctx, `
			UPDATE checkpoints
			SET marker = $2, marker_num = $3, updated_at = $4
			WHERE id = $1 AND marker_num = $5`,
			key, cp.Marker, int64(cp.MarkerNum), cp.UpdatedAt.UTC(), int64(expected.MarkerNum))
	}
	if err != nil {
		return fmt.Errorf("failed to update checkpoint %s: %w", key, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to inspect checkpoint update %s: %w", key, err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// PutRunStatus persists the outcome of the most recent run under a fixed key.
func (p *PostgreSQLStore) PutRunStatus(ctx context.Context, status models.RunStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal run status: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO run_statuses (id, data) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`,
		runStatusKey, payload)
	if err != nil {
		return fmt.Errorf("failed to store run status: %w", err)
	}
	return nil
}

// GetRunStatus retrieves the most recent run outcome.
func (p *PostgreSQLStore) GetRunStatus(ctx context.Context) (*models.RunStatus, error) {
	var payload []byte
	row := p.db.QueryRowContext(ctx, `SELECT data FROM run_statuses WHERE id = $1`, runStatusKey)
	err := row.Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run status: %w", err)
	}

	var status models.RunStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run status: %w", err)
	}
	return &status, nil
}

// Close closes the database connection pool.
func (p *PostgreSQLStore) Close(ctx context.Context) error {
	return p.db.Close()
}
