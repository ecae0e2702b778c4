package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arbiterlab/arbiter/internal/bandit"
)

// PostgresStore keeps one row per arm, upserted on save.
//
// Schema:
//
//	CREATE TABLE arm_state (
//	  arm_id   VARCHAR(255) PRIMARY KEY,
//	  state    JSONB NOT NULL,
//	  saved_at TIMESTAMPTZ NOT NULL
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects and verifies the connection.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres pool creation failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Load(ctx context.Context) (*Snapshot, error) {
	rows, err := p.pool.Query(ctx, `SELECT arm_id, state, saved_at FROM arm_state`)
	if err != nil {
		return nil, fmt.Errorf("postgres SELECT failed: %w", err)
	}
	defer rows.Close()

	snap := &Snapshot{Arms: make(map[string]bandit.State)}
	for rows.Next() {
		var armID string
		var data []byte
		var savedAt time.Time
		if err := rows.Scan(&armID, &data, &savedAt); err != nil {
			return nil, fmt.Errorf("postgres scan failed: %w", err)
		}
		var st bandit.State
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("unmarshal arm %s state: %w", armID, err)
		}
		snap.Arms[armID] = st
		if savedAt.After(snap.SavedAt) {
			snap.SavedAt = savedAt
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(snap.Arms) == 0 {
		return nil, nil
	}
	return snap, nil
}

func (p *PostgresStore) Save(ctx context.Context, snap *Snapshot) error {
	batch := &pgx.Batch{}
	for armID, st := range snap.Arms {
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("marshal arm %s state: %w", armID, err)
		}
		batch.Queue(`
			INSERT INTO arm_state (arm_id, state, saved_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (arm_id) DO UPDATE
			SET state = EXCLUDED.state, saved_at = EXCLUDED.saved_at`,
			armID, data, snap.SavedAt)
	}

	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range snap.Arms {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("postgres upsert failed: %w", err)
		}
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
