// ABOUTME: PostgreSQL implementation of the Store interface using pgx connection pools
// ABOUTME: Mirrors the SQLite schema with native timestamptz columns

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig configures the connection pool.
type PostgresConfig struct {
	DSN      string
	MinConns int
	MaxConns int
}

// PostgresStore implements the Store interface on a pgx pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects, pings and creates the schema.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store")

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Postgres store initialized", "host", poolCfg.ConnConfig.Host, "database", poolCfg.ConnConfig.Database)
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS status_records (
			seq        BIGSERIAL PRIMARY KEY,
			id         TEXT NOT NULL UNIQUE,
			agent_code TEXT NOT NULL,
			status     TEXT NOT NULL CHECK (status IN ('Available', 'Busy', 'Break', 'Offline')),
			team_id    INTEGER,
			timestamp  TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_status_agent_ts
			ON status_records(agent_code, timestamp DESC);

		CREATE TABLE IF NOT EXISTS messages (
			seq        BIGSERIAL PRIMARY KEY,
			id         TEXT NOT NULL UNIQUE,
			from_code  TEXT NOT NULL,
			to_code    TEXT,
			to_team_id INTEGER,
			type       TEXT NOT NULL CHECK (type IN ('direct', 'broadcast')),
			content    TEXT NOT NULL,
			priority   TEXT NOT NULL DEFAULT 'normal',
			timestamp  TIMESTAMPTZ NOT NULL,
			is_read    BOOLEAN NOT NULL DEFAULT FALSE,
			read_at    TIMESTAMPTZ,

			CHECK ((type = 'direct' AND to_code IS NOT NULL AND to_team_id IS NULL)
				OR (type = 'broadcast' AND to_team_id IS NOT NULL AND to_code IS NULL))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_to_code ON messages(to_code, timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_messages_to_team ON messages(to_team_id, timestamp DESC);

		CREATE TABLE IF NOT EXISTS agent_profiles (
			agent_code TEXT PRIMARY KEY,
			team_id    INTEGER,
			updated_at TIMESTAMPTZ NOT NULL
		);
	`)
	return err
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.logger.Info("closing Postgres store")
	s.pool.Close()
	return nil
}

func (s *PostgresStore) AppendStatus(ctx context.Context, rec *StatusRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO status_records (id, agent_code, status, team_id, timestamp)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.ID, rec.AgentCode, string(rec.Status), rec.TeamID, rec.Timestamp.UTC())
	if err != nil {
		return "", fmt.Errorf("inserting status record: %w", err)
	}
	return rec.ID, nil
}

func (s *PostgresStore) LatestStatus(ctx context.Context, agentCode string) (*StatusRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, agent_code, status, team_id, timestamp
		FROM status_records
		WHERE agent_code = $1
		ORDER BY timestamp DESC, seq DESC
		LIMIT 1
	`, agentCode)

	rec, err := scanPgStatus(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest status: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) StatusHistory(ctx context.Context, agentCode string, limit int) ([]*StatusRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, agent_code, status, team_id, timestamp
		FROM status_records
		WHERE agent_code = $1
		ORDER BY timestamp DESC, seq DESC
		LIMIT $2
	`, agentCode, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying status history: %w", err)
	}
	defer rows.Close()

	var records []*StatusRecord
	for rows.Next() {
		rec, err := scanPgStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning status record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) InsertMessage(ctx context.Context, msg *Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Priority == "" {
		msg.Priority = DefaultPriority
	}

	var toCode *string
	if msg.ToCode != "" {
		toCode = &msg.ToCode
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, from_code, to_code, to_team_id, type, content, priority, timestamp, is_read, read_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, msg.ID, msg.FromCode, toCode, msg.ToTeamID, string(msg.Type), msg.Content,
		msg.Priority, msg.Timestamp.UTC(), msg.IsRead, msg.ReadAt)
	if err != nil {
		return "", fmt.Errorf("inserting message: %w", err)
	}
	return msg.ID, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	msg, err := scanPgMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) FindMessages(ctx context.Context, q MessageQuery) ([]*Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE to_code = $1 OR ($2::INTEGER IS NOT NULL AND to_team_id = $2)
		ORDER BY timestamp DESC, seq DESC
		LIMIT $3
	`, q.AgentCode, q.TeamID, normalizeLimit(q.Limit))
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanPgMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) MarkRead(ctx context.Context, id string, at time.Time) (*Message, error) {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET is_read = TRUE, read_at = $1 WHERE id = $2 AND NOT is_read
	`, at.UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("marking message read: %w", err)
	}
	return s.GetMessage(ctx, id)
}

func (s *PostgresStore) AgentTeam(ctx context.Context, agentCode string) (*int, error) {
	var team *int32
	err := s.pool.QueryRow(ctx,
		`SELECT team_id FROM agent_profiles WHERE agent_code = $1`, agentCode,
	).Scan(&team)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent profile: %w", err)
	}
	return intFrom32(team), nil
}

func (s *PostgresStore) SetAgentTeam(ctx context.Context, agentCode string, teamID int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_profiles (agent_code, team_id, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (agent_code) DO UPDATE SET team_id = EXCLUDED.team_id, updated_at = EXCLUDED.updated_at
	`, agentCode, teamID)
	if err != nil {
		return fmt.Errorf("upserting agent profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) AgentsByTeam(ctx context.Context, teamID int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT agent_code FROM agent_profiles WHERE team_id = $1 ORDER BY agent_code`, teamID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying team agents: %w", err)
	}
	codes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning team agents: %w", err)
	}
	if codes == nil {
		codes = []string{}
	}
	return codes, nil
}

func scanPgStatus(row pgx.Row) (*StatusRecord, error) {
	var rec StatusRecord
	var status string
	var team *int32
	if err := row.Scan(&rec.ID, &rec.AgentCode, &status, &team, &rec.Timestamp); err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.TeamID = intFrom32(team)
	rec.Timestamp = rec.Timestamp.UTC()
	return &rec, nil
}

func scanPgMessage(row pgx.Row) (*Message, error) {
	var msg Message
	var toCode *string
	var team *int32
	var msgType string
	var readAt *time.Time

	err := row.Scan(&msg.ID, &msg.FromCode, &toCode, &team, &msgType, &msg.Content,
		&msg.Priority, &msg.Timestamp, &msg.IsRead, &readAt)
	if err != nil {
		return nil, err
	}

	msg.Type = MessageType(msgType)
	if toCode != nil {
		msg.ToCode = *toCode
	}
	msg.ToTeamID = intFrom32(team)
	msg.Timestamp = msg.Timestamp.UTC()
	if readAt != nil {
		t := readAt.UTC()
		msg.ReadAt = &t
	}
	return &msg, nil
}

func intFrom32(p *int32) *int {
	if p == nil {
		return nil
	}
	v := int(*p)
	return &v
}
