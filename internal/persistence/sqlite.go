package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

// SQLiteStore is the default single-file backend.
type SQLiteStore struct {
	db *sql.DB
}

// DefaultDBPath returns the SQLite path used when none is configured.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskwire", "taskwire.db")
}

// NewSQLiteStore opens (and if needed creates) the database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS persons (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		is_me INTEGER NOT NULL DEFAULT 0,
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
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_workspace ON messages(workspace);
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		assigned_to TEXT NOT NULL REFERENCES persons(id),
		assigned_by TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
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
		is_linked INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP,
		UNIQUE(workspace_name, member_id)
	);
	CREATE TABLE IF NOT EXISTS workspace_settings (
		id TEXT PRIMARY KEY,
		workspace_name TEXT UNIQUE NOT NULL,
		emoji_mappings TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) GetPerson(ctx context.Context, id string) (*Person, error) {
	p := &Person{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, is_me, external_id FROM persons WHERE id = ?`,
		id,
	).Scan(&p.ID, &p.Name, &p.Email, &p.IsMe, &p.ExternalID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get person: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) GetPersonByExternalID(ctx context.Context, externalID string) (*Person, error) {
	p := &Person{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, is_me, external_id FROM persons WHERE external_id = ?`,
		externalID,
	).Scan(&p.ID, &p.Name, &p.Email, &p.IsMe, &p.ExternalID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get person: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) CreatePerson(ctx context.Context, p Person) (*Person, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO persons (id, name, email, is_me, external_id) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Email, p.IsMe, p.ExternalID,
	)
	if err != nil {
		return nil, fmt.Errorf("create person: %w", err)
	}
	return &p, nil
}

func (s *SQLiteStore) GetMessageByExternalID(ctx context.Context, externalID string) (*Message, error) {
	m := &Message{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, content, external_id, workspace, channel, timestamp, person_id, created_at
		 FROM messages WHERE external_id = ?`,
		externalID,
	).Scan(&m.ID, &m.Content, &m.ExternalID, &m.Workspace, &m.Channel, &m.Timestamp, &m.PersonID, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) CreateMessage(ctx context.Context, m Message) (*Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, content, external_id, workspace, channel, timestamp, person_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Content, m.ExternalID, m.Workspace, m.Channel, m.Timestamp, m.PersonID, m.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, workspace string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, external_id, workspace, channel, timestamp, person_id, created_at
		 FROM messages WHERE workspace = ? ORDER BY created_at`,
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

func (s *SQLiteStore) scanTask(row *sql.Row) (*Task, error) {
	t := &Task{}
	var assignedBy sql.NullString
	err := row.Scan(&t.ID, &t.Status, &t.AssignedTo, &assignedBy, &t.CreatedAt, &t.MessageID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if assignedBy.Valid {
		t.AssignedBy = &assignedBy.String
	}
	return t, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	return s.scanTask(s.db.QueryRowContext(ctx,
		`SELECT id, status, assigned_to, assigned_by, created_at, message_id FROM tasks WHERE id = ?`, id))
}

func (s *SQLiteStore) GetTaskByMessageID(ctx context.Context, messageID string) (*Task, error) {
	return s.scanTask(s.db.QueryRowContext(ctx,
		`SELECT id, status, assigned_to, assigned_by, created_at, message_id FROM tasks WHERE message_id = ?`, messageID))
}

func (s *SQLiteStore) CreateTask(ctx context.Context, t Task) (*Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	var assignedBy any
	if t.AssignedBy != nil {
		assignedBy = *t.AssignedBy
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, status, assigned_to, assigned_by, created_at, message_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Status, t.AssignedTo, assignedBy, t.CreatedAt, t.MessageID,
	)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &t, nil
}

func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current TaskStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if current == status {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, status, taskID); err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	var idx int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM changes WHERE task_id = ?`, taskID).Scan(&idx); err != nil {
		return fmt.Errorf("count changes: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO changes (id, old, new, idx, task_id) VALUES (?, ?, ?, ?, ?)`,
		newChangeID(), current, status, idx, taskID,
	); err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpdateTaskOwner(ctx context.Context, taskID string, assignedBy *string) error {
	var v any
	if assignedBy != nil {
		v = *assignedBy
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET assigned_by = ? WHERE id = ?`, v, taskID)
	if err != nil {
		return fmt.Errorf("update owner: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListChanges(ctx context.Context, taskID string) ([]Change, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, old, new, idx, task_id FROM changes WHERE task_id = ? ORDER BY idx`, taskID)
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

func (s *SQLiteStore) scanLink(scanner interface {
	Scan(dest ...any) error
}) (*WorkspaceLink, error) {
	l := &WorkspaceLink{}
	var updated sql.NullTime
	err := scanner.Scan(&l.ID, &l.PersonID, &l.WorkspaceName, &l.MemberID, &l.IsLinked, &l.IsActive, &l.CreatedAt, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan link: %w", err)
	}
	if updated.Valid {
		l.UpdatedAt = updated.Time
	}
	return l, nil
}

func (s *SQLiteStore) GetLinkByMember(ctx context.Context, workspace, memberID string) (*WorkspaceLink, error) {
	return s.scanLink(s.db.QueryRowContext(ctx,
		`SELECT id, person_id, workspace_name, member_id, is_linked, is_active, created_at, updated_at
		 FROM workspace_links WHERE workspace_name = ? AND member_id = ?`,
		workspace, memberID))
}

func (s *SQLiteStore) ListLinkedMembers(ctx context.Context, workspace string) ([]WorkspaceLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, person_id, workspace_name, member_id, is_linked, is_active, created_at, updated_at
		 FROM workspace_links WHERE workspace_name = ? AND is_linked = 1`,
		workspace)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	var out []WorkspaceLink
	for rows.Next() {
		l, err := s.scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertLink(ctx context.Context, l WorkspaceLink) (*WorkspaceLink, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	l.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspace_links (id, person_id, workspace_name, member_id, is_linked, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workspace_name, member_id) DO UPDATE SET
		   person_id = excluded.person_id,
		   is_linked = excluded.is_linked,
		   is_active = excluded.is_active,
		   updated_at = excluded.updated_at`,
		l.ID, l.PersonID, l.WorkspaceName, l.MemberID, l.IsLinked, l.IsActive, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert link: %w", err)
	}
	return s.GetLinkByMember(ctx, l.WorkspaceName, l.MemberID)
}

func (s *SQLiteStore) SetActiveLink(ctx context.Context, personID, workspace string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE workspace_links SET is_active = 0, updated_at = ? WHERE person_id = ?`,
		now, personID,
	); err != nil {
		return fmt.Errorf("clear active: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE workspace_links SET is_active = 1, updated_at = ? WHERE person_id = ? AND workspace_name = ?`,
		now, personID, workspace,
	)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetEmojiMappings(ctx context.Context, workspace string) (EmojiMappings, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT emoji_mappings FROM workspace_settings WHERE workspace_name = ?`, workspace,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return DefaultMappings(), nil
	}
	if err != nil {
		return EmojiMappings{}, fmt.Errorf("get mappings: %w", err)
	}
	var m EmojiMappings
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return DefaultMappings(), nil
	}
	return m, nil
}

func (s *SQLiteStore) SetEmojiMappings(ctx context.Context, workspace string, m EmojiMappings) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal mappings: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workspace_settings (id, workspace_name, emoji_mappings, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(workspace_name) DO UPDATE SET emoji_mappings = excluded.emoji_mappings, updated_at = excluded.updated_at`,
		uuid.NewString(), workspace, string(raw), now, now,
	)
	if err != nil {
		return fmt.Errorf("set mappings: %w", err)
	}
	return nil
}

// newChangeID returns a ULID so audit rows sort in creation order.
func newChangeID() string {
	return ulid.Make().String()
}
