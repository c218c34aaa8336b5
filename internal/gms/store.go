package gms

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists the membership roster in Postgres so a restarted node (or
// a freshly joining one) can recover the current roster without waiting to
// hear from every peer.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore opens a pool against dsn and ensures the membership schema
// exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("gms: postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("gms: create postgres pool: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("gms: store not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS group_members (
			id TEXT PRIMARY KEY,
			address TEXT NOT NULL,
			state TEXT NOT NULL,
			labels JSONB NOT NULL DEFAULT '{}'::jsonb,
			last_heartbeat TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_group_members_state ON group_members(state)`,
		`CREATE TABLE IF NOT EXISTS group_views (
			view_id BIGINT PRIMARY KEY,
			manifest JSONB NOT NULL,
			installed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("gms: ensure schema: %w", err)
		}
	}
	return nil
}

// UpsertMember inserts or updates a member row.
func (s *Store) UpsertMember(ctx context.Context, m *Member) error {
	if m.Labels == nil {
		m.Labels = map[string]string{}
	}
	labelsJSON, err := json.Marshal(m.Labels)
	if err != nil {
		return fmt.Errorf("gms: marshal labels: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO group_members (id, address, state, labels, last_heartbeat, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			address        = EXCLUDED.address,
			state          = EXCLUDED.state,
			labels         = EXCLUDED.labels,
			last_heartbeat = EXCLUDED.last_heartbeat,
			updated_at     = EXCLUDED.updated_at
	`, m.ID, m.Address, string(m.State), labelsJSON, m.LastHeartbeat, m.CreatedAt, m.UpdatedAt)
	return err
}

// UpdateHeartbeat bumps last_heartbeat/updated_at for a member.
func (s *Store) UpdateHeartbeat(ctx context.Context, id string, at time.Time) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE group_members SET last_heartbeat = $1, updated_at = $1 WHERE id = $2
	`, at, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("gms: member not found: %s", id)
	}
	return nil
}

// DeleteMember removes a member row.
func (s *Store) DeleteMember(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM group_members WHERE id = $1`, id)
	return err
}

// ListActive returns all members with state = active.
func (s *Store) ListActive(ctx context.Context) ([]*Member, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, address, state, labels, last_heartbeat, created_at, updated_at
		FROM group_members WHERE state = 'active' ORDER BY last_heartbeat DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveView persists the latest View manifest for crash recovery.
func (s *Store) SaveView(ctx context.Context, v *View) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gms: marshal view: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO group_views (view_id, manifest) VALUES ($1, $2)
		ON CONFLICT (view_id) DO UPDATE SET manifest = EXCLUDED.manifest
	`, v.ViewID, data)
	return err
}

// LatestView loads the highest-numbered persisted View, or nil if none.
func (s *Store) LatestView(ctx context.Context) (*View, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT manifest FROM group_views ORDER BY view_id DESC LIMIT 1
	`).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("gms: load latest view: %w", err)
	}
	var v View
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

type memberScanner interface {
	Scan(dest ...interface{}) error
}

func scanMember(row memberScanner) (*Member, error) {
	var m Member
	var state string
	var labelsJSON []byte
	if err := row.Scan(&m.ID, &m.Address, &state, &labelsJSON, &m.LastHeartbeat, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.State = coerceMemberState(state)
	if len(labelsJSON) > 0 {
		if err := json.Unmarshal(labelsJSON, &m.Labels); err != nil {
			return nil, fmt.Errorf("gms: unmarshal labels: %w", err)
		}
	}
	return &m, nil
}
