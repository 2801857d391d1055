// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides status/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS status_records (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			agent_code TEXT NOT NULL,
			status     TEXT NOT NULL,
			team_id    INTEGER,
			timestamp  TEXT NOT NULL,

			CHECK (status IN ('Available', 'Busy', 'Break', 'Offline'))
		);

		CREATE INDEX IF NOT EXISTS idx_status_agent_ts
			ON status_records(agent_code, timestamp);

		CREATE TABLE IF NOT EXISTS messages (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			from_code  TEXT NOT NULL,
			to_code    TEXT,
			to_team_id INTEGER,
			type       TEXT NOT NULL,
			content    TEXT NOT NULL,
			priority   TEXT NOT NULL DEFAULT 'normal',
			timestamp  TEXT NOT NULL,
			is_read    INTEGER NOT NULL DEFAULT 0,
			read_at    TEXT,

			CHECK (type IN ('direct', 'broadcast')),
			CHECK ((type = 'direct' AND to_code IS NOT NULL AND to_team_id IS NULL)
				OR (type = 'broadcast' AND to_team_id IS NOT NULL AND to_code IS NULL))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_to_code ON messages(to_code, timestamp);
		CREATE INDEX IF NOT EXISTS idx_messages_to_team ON messages(to_team_id, timestamp);

		-- Written by the account system; the gateway only reads team ids.
		CREATE TABLE IF NOT EXISTS agent_profiles (
			agent_code TEXT PRIMARY KEY,
			team_id    INTEGER,
			updated_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations brings databases created before a column existed up to the
// current schema. Fresh databases already have every column, so nothing runs.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('messages') WHERE name = 'priority'`,
			apply:  `ALTER TABLE messages ADD COLUMN priority TEXT NOT NULL DEFAULT 'normal'`,
			column: "priority",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s column: %w", m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to messages: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "messages")
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// AppendStatus inserts a new status record. Records are never updated.
func (s *SQLiteStore) AppendStatus(ctx context.Context, rec *StatusRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO status_records (id, agent_code, status, team_id, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, rec.ID, rec.AgentCode, string(rec.Status), nullInt(rec.TeamID), formatTime(rec.Timestamp))
	if err != nil {
		return "", fmt.Errorf("inserting status record: %w", err)
	}

	s.logger.Debug("appended status", "id", rec.ID, "agent_code", rec.AgentCode, "status", rec.Status)
	return rec.ID, nil
}

// LatestStatus returns the most recent status record for an agent.
// Returns ErrNotFound if the agent has no records.
func (s *SQLiteStore) LatestStatus(ctx context.Context, agentCode string) (*StatusRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_code, status, team_id, timestamp
		FROM status_records
		WHERE agent_code = ?
		ORDER BY timestamp DESC, seq DESC
		LIMIT 1
	`, agentCode)

	rec, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest status: %w", err)
	}
	return rec, nil
}

// StatusHistory returns status records for an agent, newest first.
func (s *SQLiteStore) StatusHistory(ctx context.Context, agentCode string, limit int) ([]*StatusRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_code, status, team_id, timestamp
		FROM status_records
		WHERE agent_code = ?
		ORDER BY timestamp DESC, seq DESC
		LIMIT ?
	`, agentCode, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying status history: %w", err)
	}
	defer rows.Close()

	var records []*StatusRecord
	for rows.Next() {
		rec, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning status record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status records: %w", err)
	}
	return records, nil
}

// InsertMessage persists a new message and assigns its ID.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Priority == "" {
		msg.Priority = DefaultPriority
	}

	var toCode sql.NullString
	if msg.ToCode != "" {
		toCode = sql.NullString{String: msg.ToCode, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, from_code, to_code, to_team_id, type, content, priority, timestamp, is_read, read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.FromCode,
		toCode,
		nullInt(msg.ToTeamID),
		string(msg.Type),
		msg.Content,
		msg.Priority,
		formatTime(msg.Timestamp),
		msg.IsRead,
		nullTime(msg.ReadAt),
	)
	if err != nil {
		return "", fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("inserted message", "id", msg.ID, "type", msg.Type, "from", msg.FromCode)
	return msg.ID, nil
}

const messageColumns = `id, from_code, to_code, to_team_id, type, content, priority, timestamp, is_read, read_at`

// GetMessage retrieves a message by ID.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// FindMessages returns messages addressed to q.AgentCode and, when q.TeamID is
// set, broadcasts to that team. Newest first.
func (s *SQLiteStore) FindMessages(ctx context.Context, q MessageQuery) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE to_code = ?`
	args := []any{q.AgentCode}
	if q.TeamID != nil {
		query += ` OR to_team_id = ?`
		args = append(args, *q.TeamID)
	}
	query += ` ORDER BY timestamp DESC, seq DESC LIMIT ?`
	args = append(args, normalizeLimit(q.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return messages, nil
}

// MarkRead marks a message as read. Re-marking keeps the first read_at.
func (s *SQLiteStore) MarkRead(ctx context.Context, id string, at time.Time) (*Message, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET is_read = 1, read_at = ? WHERE id = ? AND is_read = 0
	`, formatTime(at), id)
	if err != nil {
		return nil, fmt.Errorf("marking message read: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		s.logger.Debug("marked message read", "id", id)
	}
	// GetMessage reports ErrNotFound when nothing matched at all
	return s.GetMessage(ctx, id)
}

// AgentTeam returns the team id from the agent's profile, or nil.
func (s *SQLiteStore) AgentTeam(ctx context.Context, agentCode string) (*int, error) {
	var team sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT team_id FROM agent_profiles WHERE agent_code = ?`, agentCode,
	).Scan(&team)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent profile: %w", err)
	}
	if !team.Valid {
		return nil, nil
	}
	v := int(team.Int64)
	return &v, nil
}

// SetAgentTeam creates or updates the team of an agent profile.
func (s *SQLiteStore) SetAgentTeam(ctx context.Context, agentCode string, teamID int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_profiles (agent_code, team_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(agent_code) DO UPDATE SET team_id = excluded.team_id, updated_at = excluded.updated_at
	`, agentCode, teamID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upserting agent profile: %w", err)
	}
	return nil
}

// AgentsByTeam lists the profiled agents of a team in code order.
func (s *SQLiteStore) AgentsByTeam(ctx context.Context, teamID int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_code FROM agent_profiles WHERE team_id = ? ORDER BY agent_code`, teamID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying team agents: %w", err)
	}
	defer rows.Close()

	codes := []string{}
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scanning team agent: %w", err)
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating team agents: %w", err)
	}
	return codes, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanStatus(row rowScanner) (*StatusRecord, error) {
	var rec StatusRecord
	var status, ts string
	var team sql.NullInt64

	if err := row.Scan(&rec.ID, &rec.AgentCode, &status, &team, &ts); err != nil {
		return nil, err
	}

	rec.Status = Status(status)
	if team.Valid {
		v := int(team.Int64)
		rec.TeamID = &v
	}

	var err error
	rec.Timestamp, err = parseTime(ts)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	return &rec, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var toCode, readAt sql.NullString
	var team sql.NullInt64
	var msgType, ts string

	err := row.Scan(
		&msg.ID,
		&msg.FromCode,
		&toCode,
		&team,
		&msgType,
		&msg.Content,
		&msg.Priority,
		&ts,
		&msg.IsRead,
		&readAt,
	)
	if err != nil {
		return nil, err
	}

	msg.Type = MessageType(msgType)
	msg.ToCode = toCode.String
	if team.Valid {
		v := int(team.Int64)
		msg.ToTeamID = &v
	}

	msg.Timestamp, err = parseTime(ts)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	if readAt.Valid {
		t, err := parseTime(readAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing read_at: %w", err)
		}
		msg.ReadAt = &t
	}
	return &msg, nil
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullTime(p *time.Time) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*p), Valid: true}
}
