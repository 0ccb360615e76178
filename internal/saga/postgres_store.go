package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sagas in a single relation with a version fence.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore on an existing pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const sagaSchema = `
CREATE TABLE IF NOT EXISTS sagas (
	id                  UUID PRIMARY KEY,
	state               TEXT NOT NULL,
	user_id             UUID NOT NULL,
	cart_id             UUID NOT NULL,
	context             JSONB NOT NULL DEFAULT '{}',
	processed_event_ids JSONB NOT NULL DEFAULT '[]',
	version             BIGINT NOT NULL DEFAULT 1,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sagas_state_updated_at ON sagas (state, updated_at);
`

// Bootstrap creates the saga schema if absent
func (p *PostgresStore) Bootstrap(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, sagaSchema); err != nil {
		return fmt.Errorf("failed to bootstrap saga schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) Create(ctx context.Context, s *Saga) error {
	contextJSON, err := json.Marshal(s.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal saga context: %w", err)
	}
	processedJSON, err := json.Marshal(s.ProcessedEventIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal processed event ids: %w", err)
	}

	query := `
		INSERT INTO sagas (id, state, user_id, cart_id, context, processed_event_ids, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := p.pool.Exec(ctx, query,
		s.ID, string(s.State), s.UserID, s.CartID,
		contextJSON, processedJSON, s.Version, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert saga: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSagaAlreadyExists
	}
	return nil
}

func (p *PostgresStore) Load(ctx context.Context, id string) (*Saga, error) {
	query := `
		SELECT id, state, user_id, cart_id, context, processed_event_ids, version, created_at, updated_at
		FROM sagas
		WHERE id = $1
	`
	s, err := scanSaga(p.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSagaNotFound
		}
		return nil, fmt.Errorf("failed to load saga: %w", err)
	}
	return s, nil
}

// Update persists the record iff the stored version equals expectedVersion.
// The version bump and the new processed_event_ids land in the same row
// write, so a processed event can never be visible without its state change.
func (p *PostgresStore) Update(ctx context.Context, s *Saga, expectedVersion int64) error {
	contextJSON, err := json.Marshal(s.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal saga context: %w", err)
	}
	processedJSON, err := json.Marshal(s.ProcessedEventIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal processed event ids: %w", err)
	}

	now := time.Now().UTC()
	query := `
		UPDATE sagas
		SET state = $1, context = $2, processed_event_ids = $3, version = version + 1, updated_at = $4
		WHERE id = $5 AND version = $6
	`
	tag, err := p.pool.Exec(ctx, query,
		string(s.State), contextJSON, processedJSON, now, s.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update saga: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sagas WHERE id = $1)`, s.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check saga existence: %w", err)
		}
		if !exists {
			return ErrSagaNotFound
		}
		return ErrVersionConflict
	}

	s.Version = expectedVersion + 1
	s.UpdatedAt = now
	return nil
}

func (p *PostgresStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Saga, error) {
	query := `
		SELECT id, state, user_id, cart_id, context, processed_event_ids, version, created_at, updated_at
		FROM sagas
		WHERE state NOT IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at ASC
		LIMIT $4
	`
	rows, err := p.pool.Query(ctx, query, string(StateCompleted), string(StateFailed), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale sagas: %w", err)
	}
	defer rows.Close()

	var sagas []*Saga
	for rows.Next() {
		s, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stale saga: %w", err)
		}
		sagas = append(sagas, s)
	}
	return sagas, rows.Err()
}

func scanSaga(row pgx.Row) (*Saga, error) {
	var (
		s             Saga
		state         string
		contextJSON   []byte
		processedJSON []byte
	)
	err := row.Scan(&s.ID, &state, &s.UserID, &s.CartID, &contextJSON, &processedJSON, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.State = State(state)
	if err := json.Unmarshal(contextJSON, &s.Context); err != nil {
		return nil, fmt.Errorf("failed to unmarshal saga context: %w", err)
	}
	if err := json.Unmarshal(processedJSON, &s.ProcessedEventIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal processed event ids: %w", err)
	}
	if s.ProcessedEventIDs == nil {
		s.ProcessedEventIDs = []string{}
	}
	return &s, nil
}
