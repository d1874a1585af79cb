package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pgvoice/voiceagent/internal/conversation"
	"github.com/pgvoice/voiceagent/internal/protocol"
)

// PostgresStore persists conversations and leads in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS leads (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT,
			phone TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id BIGSERIAL PRIMARY KEY,
			duration INTEGER NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			topic VARCHAR(100),
			purpose VARCHAR(50),
			lead_created BOOLEAN NOT NULL DEFAULT FALSE,
			tool_calls JSONB,
			transcript JSONB,
			lead_id UUID UNIQUE REFERENCES leads(id) ON DELETE SET NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_started ON conversations (started_at DESC);`,
		`CREATE TABLE IF NOT EXISTS agencies (
			id UUID PRIMARY KEY,
			assistant_name TEXT NOT NULL DEFAULT '',
			agency_name TEXT NOT NULL DEFAULT '',
			agency_location TEXT NOT NULL DEFAULT '',
			agency_timezone TEXT NOT NULL DEFAULT '',
			agency_description TEXT NOT NULL DEFAULT '',
			settings JSONB NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// SaveConversation inserts the lead, when one was captured, and the
// conversation in one transaction.
func (s *PostgresStore) SaveConversation(ctx context.Context, rec conversation.Record) (int64, error) {
	toolCalls, err := json.Marshal(nonNilStrings(rec.ToolCalls))
	if err != nil {
		return 0, fmt.Errorf("marshal tool calls: %w", err)
	}
	transcript, err := json.Marshal(nonNilTranscript(rec.Transcript))
	if err != nil {
		return 0, fmt.Errorf("marshal transcript: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin save conversation: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var leadID *string
	if rec.LeadCreated && rec.Lead != nil {
		id := uuid.New()
		if rec.LeadID != nil {
			id = *rec.LeadID
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO leads (id, name, email, phone) VALUES ($1, $2, $3, $4)`,
			id.String(), rec.Lead.Name, nullString(rec.Lead.Email), nullString(rec.Lead.Phone),
		); err != nil {
			return 0, fmt.Errorf("insert lead: %w", err)
		}
		idText := id.String()
		leadID = &idText
	}

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO conversations (duration, started_at, topic, purpose, lead_created, tool_calls, transcript, lead_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		rec.Duration,
		rec.StartedAt,
		nullString(rec.Topic),
		nullString(string(rec.Purpose)),
		rec.LeadCreated,
		toolCalls,
		transcript,
		leadID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit save conversation: %w", err)
	}
	return id, nil
}

const selectConversation = `SELECT c.id, c.duration, c.started_at, c.topic, c.purpose, c.lead_created,
	c.tool_calls, c.transcript, l.id::text, l.name, l.email, l.phone
	FROM conversations c LEFT JOIN leads l ON l.id = c.lead_id`

func (s *PostgresStore) GetConversation(ctx context.Context, id int64) (conversation.Record, error) {
	row := s.pool.QueryRow(ctx, selectConversation+` WHERE c.id = $1`, id)
	rec, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return conversation.Record{}, ErrNotFound
	}
	if err != nil {
		return conversation.Record{}, fmt.Errorf("get conversation: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, limit, offset int) ([]conversation.Record, error) {
	limit, offset = normalizePage(limit, offset)

	rows, err := s.pool.Query(ctx,
		selectConversation+` ORDER BY c.started_at DESC, c.id DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	out := make([]conversation.Record, 0, limit)
	for rows.Next() {
		rec, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AgencySettings(ctx context.Context, agencyID uuid.UUID) (protocol.AgentSettings, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT settings FROM agencies WHERE id = $1`, agencyID.String()).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return protocol.AgentSettings{}, ErrNotFound
	}
	if err != nil {
		return protocol.AgentSettings{}, fmt.Errorf("get agency settings: %w", err)
	}
	var settings protocol.AgentSettings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return protocol.AgentSettings{}, fmt.Errorf("decode agency settings: %w", err)
	}
	return settings, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanConversation(row pgx.Row) (conversation.Record, error) {
	var (
		rec                        conversation.Record
		topic, purpose             *string
		toolCalls, transcript      []byte
		leadID, name, email, phone *string
	)
	if err := row.Scan(&rec.ID, &rec.Duration, &rec.StartedAt, &topic, &purpose, &rec.LeadCreated,
		&toolCalls, &transcript, &leadID, &name, &email, &phone); err != nil {
		return conversation.Record{}, err
	}
	if topic != nil {
		rec.Topic = *topic
	}
	if purpose != nil {
		rec.Purpose = conversation.Purpose(*purpose)
	}
	if len(toolCalls) > 0 {
		if err := json.Unmarshal(toolCalls, &rec.ToolCalls); err != nil {
			return conversation.Record{}, fmt.Errorf("decode tool calls: %w", err)
		}
	}
	if len(transcript) > 0 {
		if err := json.Unmarshal(transcript, &rec.Transcript); err != nil {
			return conversation.Record{}, fmt.Errorf("decode transcript: %w", err)
		}
	}
	if leadID != nil {
		if id, err := uuid.Parse(*leadID); err == nil {
			rec.LeadID = &id
		}
		lead := conversation.LeadInfo{}
		if name != nil {
			lead.Name = *name
		}
		if email != nil {
			lead.Email = *email
		}
		if phone != nil {
			lead.Phone = *phone
		}
		rec.Lead = &lead
	}
	rec.StartedAt = rec.StartedAt.UTC()
	return rec, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func nonNilTranscript(in []json.RawMessage) []json.RawMessage {
	if in == nil {
		return []json.RawMessage{}
	}
	return in
}
