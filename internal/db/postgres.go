package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaSQL is compiled into the binary at build time.
// This ensures schema init works inside the Docker runtime image which
// does not copy internal/db/schema.sql into the final stage.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore is an optional durable archive for envelopes and
// interactions. The runtime works without it; the JSONL store remains
// the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("Successfully connected to PostgreSQL for envelope archive")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema() error {
	_, err := s.pool.Exec(context.Background(), schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}

	log.Println("Beacon archive schema initialized")
	return nil
}

// ArchiveEnvelope persists one inbound envelope. Duplicate nonces are
// ignored so replays never double-archive.
func (s *PostgresStore) ArchiveEnvelope(platform, from string, env map[string]any, verified *bool) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %v", err)
	}

	kind, _ := env["kind"].(string)
	agentID, _ := env["agent_id"].(string)
	nonce, _ := env["nonce"].(string)
	var ts int64
	if f, ok := env["ts"].(float64); ok {
		ts = int64(f)
	} else if n, ok := env["ts"].(int64); ok {
		ts = n
	}

	sql := `
		INSERT INTO envelope_archive (nonce, kind, agent_id, platform, sender, env_ts, verified, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (nonce) WHERE nonce <> '' DO NOTHING;
	`
	_, err = s.pool.Exec(context.Background(), sql, nonce, kind, agentID, platform, from, ts, verified, payload)
	return err
}

// ArchiveInteraction persists one trust ledger event.
func (s *PostgresStore) ArchiveInteraction(ctx context.Context, agentID, direction, kind, outcome string, rtc float64) error {
	sql := `
		INSERT INTO interaction_archive (agent_id, direction, kind, outcome, rtc)
		VALUES ($1, $2, $3, $4, $5);
	`
	_, err := s.pool.Exec(ctx, sql, agentID, direction, kind, outcome, rtc)
	return err
}

// ArchivedEnvelope is one stored envelope row.
type ArchivedEnvelope struct {
	ID       int64           `json:"id"`
	Nonce    string          `json:"nonce"`
	Kind     string          `json:"kind"`
	AgentID  string          `json:"agentId"`
	Platform string          `json:"platform"`
	Sender   string          `json:"sender"`
	EnvTS    int64           `json:"envTs"`
	Verified *bool           `json:"verified"`
	Payload  json.RawMessage `json:"payload"`
}

// RecentEnvelopes pages through the archive, newest first. An empty
// kind matches everything.
func (s *PostgresStore) RecentEnvelopes(ctx context.Context, kind string, page, limit int) ([]ArchivedEnvelope, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	var totalCount int
	countSQL := `SELECT COUNT(*) FROM envelope_archive WHERE ($1 = '' OR kind = $1)`
	if err := s.pool.QueryRow(ctx, countSQL, kind).Scan(&totalCount); err != nil {
		return nil, 0, err
	}

	dataSQL := `
		SELECT id, nonce, kind, agent_id, platform, sender, env_ts, verified, payload
		FROM envelope_archive
		WHERE ($1 = '' OR kind = $1)
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := s.pool.Query(ctx, dataSQL, kind, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	envelopes := make([]ArchivedEnvelope, 0)
	for rows.Next() {
		var e ArchivedEnvelope
		if err := rows.Scan(&e.ID, &e.Nonce, &e.Kind, &e.AgentID, &e.Platform, &e.Sender, &e.EnvTS, &e.Verified, &e.Payload); err != nil {
			return nil, 0, err
		}
		envelopes = append(envelopes, e)
	}
	if rows.Err() != nil {
		return nil, 0, rows.Err()
	}
	return envelopes, totalCount, nil
}

// KindCount pairs an envelope kind with its archived volume.
type KindCount struct {
	Kind  string `json:"kind"`
	Count int    `json:"count"`
}

// CountByKind reports archive volume per envelope kind.
func (s *PostgresStore) CountByKind(ctx context.Context) ([]KindCount, error) {
	sql := `
		SELECT kind, COUNT(*)
		FROM envelope_archive
		GROUP BY kind
		ORDER BY COUNT(*) DESC, kind;
	`
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make([]KindCount, 0)
	for rows.Next() {
		var kc KindCount
		if err := rows.Scan(&kc.Kind, &kc.Count); err != nil {
			return nil, err
		}
		counts = append(counts, kc)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return counts, nil
}

// AgentVolume summarizes one peer's archived traffic.
type AgentVolume struct {
	AgentID   string `json:"agentId"`
	Envelopes int    `json:"envelopes"`
	FirstSeen int64  `json:"firstSeen"`
	LastSeen  int64  `json:"lastSeen"`
}

// TopAgents returns the peers with the most archived envelopes.
func (s *PostgresStore) TopAgents(ctx context.Context, limit int) ([]AgentVolume, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	sql := `
		SELECT agent_id, COUNT(*), MIN(env_ts), MAX(env_ts)
		FROM envelope_archive
		WHERE agent_id <> ''
		GROUP BY agent_id
		ORDER BY COUNT(*) DESC
		LIMIT $1;
	`
	rows, err := s.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	agents := make([]AgentVolume, 0)
	for rows.Next() {
		var a AgentVolume
		if err := rows.Scan(&a.AgentID, &a.Envelopes, &a.FirstSeen, &a.LastSeen); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return agents, nil
}

// GetPool exposes the connection pool for other subsystems
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}
