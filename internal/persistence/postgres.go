package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// PostgresStore is the pooled Postgres backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings, and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS persons (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		is_me BOOLEAN NOT NULL DEFAULT FALSE,
		external_id TEXT UNIQUE NOT NULL
	);
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL DEFAULT '',
		external_id TEXT UNIQUE NOT NULL,
		workspace TEXT NOT NULL,
		channel TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		person_id TEXT NOT NULL REFERENCES persons(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_messages_workspace ON messages(workspace);
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		assigned_to TEXT NOT NULL REFERENCES persons(id),
		assigned_by TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		message_id TEXT UNIQUE NOT NULL REFERENCES messages(id) ON DELETE CASCADE
	);
	CREATE TABLE IF NOT EXISTS changes (
		id TEXT PRIMARY KEY,
		old TEXT NOT NULL,
		new TEXT NOT NULL,
		idx INTEGER NOT NULL,
		task_id TEXT NOT NULL REFERENCES tasks(id)
	);
	CREATE INDEX IF NOT EXISTS idx_changes_task ON changes(task_id);
	CREATE TABLE IF NOT EXISTS workspace_links (
		id TEXT PRIMARY KEY,
		person_id TEXT NOT NULL REFERENCES persons(id) ON DELETE CASCADE,
		workspace_name TEXT NOT NULL,
		member_id TEXT NOT NULL,
		is_linked BOOLEAN NOT NULL DEFAULT FALSE,
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ,
		UNIQUE(workspace_name, member_id)
	);
	CREATE TABLE IF NOT EXISTS workspace_settings (
		id TEXT PRIMARY KEY,
		workspace_name TEXT UNIQUE NOT NULL,
		emoji_mappings JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) GetPerson(ctx context.Context, id string) (*Person, error) {
	p := &Person{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, email, is_me, external_id FROM persons WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Name, &p.Email, &p.IsMe, &p.ExternalID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get person: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) GetPersonByExternalID(ctx context.Context, externalID string) (*Person, error) {
	p := &Person{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, email, is_me, external_id FROM persons WHERE external_id = $1`,
		externalID,
	).Scan(&p.ID, &p.Name, &p.Email, &p.IsMe, &p.ExternalID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get person: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) CreatePerson(ctx context.Context, p Person) (*Person, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO persons (id, name, email, is_me, external_id) VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.Name, p.Email, p.IsMe, p.ExternalID,
	)
	if err != nil {
		return nil, fmt.Errorf("create person: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) GetMessageByExternalID(ctx context.Context, externalID string) (*Message, error) {
	m := &Message{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, content, external_id, workspace, channel, timestamp, person_id, created_at
		 FROM messages WHERE external_id = $1`,
		externalID,
	).Scan(&m.ID, &m.Content, &m.ExternalID, &m.Workspace, &m.Channel, &m.Timestamp, &m.PersonID, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) CreateMessage(ctx context.Context, m Message) (*Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, content, external_id, workspace, channel, timestamp, person_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.Content, m.ExternalID, m.Workspace, m.Channel, m.Timestamp, m.PersonID, m.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, workspace string) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, content, external_id, workspace, channel, timestamp, person_id, created_at
		 FROM messages WHERE workspace = $1 ORDER BY created_at`,
		workspace,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Content, &m.ExternalID, &m.Workspace, &m.Channel, &m.Timestamp, &m.PersonID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) getTask(ctx context.Context, query, arg string) (*Task, error) {
	t := &Task{}
	err := s.pool.QueryRow(ctx, query, arg).
		Scan(&t.ID, &t.Status, &t.AssignedTo, &t.AssignedBy, &t.CreatedAt, &t.MessageID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	return s.getTask(ctx,
		`SELECT id, status, assigned_to, assigned_by, created_at, message_id FROM tasks WHERE id = $1`, id)
}

func (s *PostgresStore) GetTaskByMessageID(ctx context.Context, messageID string) (*Task, error) {
	return s.getTask(ctx,
		`SELECT id, status, assigned_to, assigned_by, created_at, message_id FROM tasks WHERE message_id = $1`, messageID)
}

func (s *PostgresStore) CreateTask(ctx context.Context, t Task) (*Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (id, status, assigned_to, assigned_by, created_at, message_id)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Status, t.AssignedTo, t.AssignedBy, t.CreatedAt, t.MessageID,
	)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current TaskStatus
	err = tx.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if current == status {
		return nil
	}

	if _, err := tx.Exec(ctx, `UPDATE tasks SET status = $1 WHERE id = $2`, status, taskID); err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	var idx int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM changes WHERE task_id = $1`, taskID).Scan(&idx); err != nil {
		return fmt.Errorf("count changes: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO changes (id, old, new, idx, task_id) VALUES ($1, $2, $3, $4, $5)`,
		ulid.Make().String(), current, status, idx, taskID,
	); err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) UpdateTaskOwner(ctx context.Context, taskID string, assignedBy *string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tasks SET assigned_by = $1 WHERE id = $2`, assignedBy, taskID)
	if err != nil {
		return fmt.Errorf("update owner: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListChanges(ctx context.Context, taskID string) ([]Change, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, old, new, idx, task_id FROM changes WHERE task_id = $1 ORDER BY idx`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var c Change
		if err := rows.Scan(&c.ID, &c.Old, &c.New, &c.Index, &c.TaskID); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetLinkByMember(ctx context.Context, workspace, memberID string) (*WorkspaceLink, error) {
	l := &WorkspaceLink{}
	var updated *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT id, person_id, workspace_name, member_id, is_linked, is_active, created_at, updated_at
		 FROM workspace_links WHERE workspace_name = $1 AND member_id = $2`,
		workspace, memberID,
	).Scan(&l.ID, &l.PersonID, &l.WorkspaceName, &l.MemberID, &l.IsLinked, &l.IsActive, &l.CreatedAt, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get link: %w", err)
	}
	if updated != nil {
		l.UpdatedAt = *updated
	}
	return l, nil
}

func (s *PostgresStore) ListLinkedMembers(ctx context.Context, workspace string) ([]WorkspaceLink, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, person_id, workspace_name, member_id, is_linked, is_active, created_at, updated_at
		 FROM workspace_links WHERE workspace_name = $1 AND is_linked`,
		workspace)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	var out []WorkspaceLink
	for rows.Next() {
		var l WorkspaceLink
		var updated *time.Time
		if err := rows.Scan(&l.ID, &l.PersonID, &l.WorkspaceName, &l.MemberID, &l.IsLinked, &l.IsActive, &l.CreatedAt, &updated); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		if updated != nil {
			l.UpdatedAt = *updated
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertLink(ctx context.Context, l WorkspaceLink) (*WorkspaceLink, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	l.UpdatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workspace_links (id, person_id, workspace_name, member_id, is_linked, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (workspace_name, member_id) DO UPDATE SET
		   person_id = EXCLUDED.person_id,
		   is_linked = EXCLUDED.is_linked,
		   is_active = EXCLUDED.is_active,
		   updated_at = EXCLUDED.updated_at`,
		l.ID, l.PersonID, l.WorkspaceName, l.MemberID, l.IsLinked, l.IsActive, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert link: %w", err)
	}
	return s.GetLinkByMember(ctx, l.WorkspaceName, l.MemberID)
}

func (s *PostgresStore) SetActiveLink(ctx context.Context, personID, workspace string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE workspace_links SET is_active = FALSE, updated_at = $1 WHERE person_id = $2`,
		now, personID,
	); err != nil {
		return fmt.Errorf("clear active: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE workspace_links SET is_active = TRUE, updated_at = $1 WHERE person_id = $2 AND workspace_name = $3`,
		now, personID, workspace,
	)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetEmojiMappings(ctx context.Context, workspace string) (EmojiMappings, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT emoji_mappings FROM workspace_settings WHERE workspace_name = $1`, workspace,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultMappings(), nil
	}
	if err != nil {
		return EmojiMappings{}, fmt.Errorf("get mappings: %w", err)
	}
	var m EmojiMappings
	if err := json.Unmarshal(raw, &m); err != nil {
		return DefaultMappings(), nil
	}
	return m, nil
}

func (s *PostgresStore) SetEmojiMappings(ctx context.Context, workspace string, m EmojiMappings) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal mappings: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workspace_settings (id, workspace_name, emoji_mappings, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (workspace_name) DO UPDATE SET emoji_mappings = EXCLUDED.emoji_mappings, updated_at = EXCLUDED.updated_at`,
		uuid.NewString(), workspace, raw, now, now,
	)
	if err != nil {
		return fmt.Errorf("set mappings: %w", err)
	}
	return nil
}
