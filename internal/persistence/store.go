// Package persistence defines the domain records and the Store interface
// the reconciliation core writes through, plus SQLite and Postgres backends.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("persistence: not found")

type TaskStatus string

const (
	// StatusBlank means no tracked reaction signal is present. It is a
	// valid computed status for an existing task but never the status of a
	// newly created one.
	StatusBlank      TaskStatus = "Blank"
	StatusInProgress TaskStatus = "InProgress"
	StatusBlocked    TaskStatus = "Blocked"
	StatusCompleted  TaskStatus = "Completed"
)

// Person is an internal identity, optionally linked to workspaces.
type Person struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	IsMe       bool   `json:"is_me"`
	ExternalID string `json:"external_id"` // gateway member id
}

// Message is a captured gateway message. Content is written once at creation
// and never updated afterwards.
type Message struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	ExternalID string    `json:"external_id"` // dedup key, see MessageExternalID
	Workspace  string    `json:"workspace"`
	Channel    string    `json:"channel"`
	Timestamp  string    `json:"timestamp"`
	PersonID   string    `json:"person_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Task is the derived work item, 1:1 with a Message.
type Task struct {
	ID         string     `json:"id"`
	Status     TaskStatus `json:"status"`
	AssignedTo string     `json:"assigned_to"` // person id of the message author
	AssignedBy *string    `json:"assigned_by"` // member credited for the current status
	CreatedAt  time.Time  `json:"created_at"`
	MessageID  string     `json:"message_id"`
}

// Change is an append-only audit record of a task status transition.
type Change struct {
	ID     string     `json:"id"`
	Old    TaskStatus `json:"old"`
	New    TaskStatus `json:"new"`
	Index  int        `json:"index"` // per-task transition ordinal, starting at 0
	TaskID string     `json:"task_id"`
}

// WorkspaceLink ties a Person to a workspace member identity. At most one link
// per person may have IsActive set; a member produces tasks only while
// IsLinked is true.
type WorkspaceLink struct {
	ID            string    `json:"id"`
	PersonID      string    `json:"person_id"`
	WorkspaceName string    `json:"workspace_name"`
	MemberID      string    `json:"member_id"`
	IsLinked      bool      `json:"is_linked"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// EmojiMappings maps emoji names to task status categories. The three sets
// are disjoint per workspace.
type EmojiMappings struct {
	InProgress []string `json:"in_progress"`
	Blocked    []string `json:"blocked"`
	Completed  []string `json:"completed"`
}

// DefaultMappings returns the built-in emoji mapping used when a workspace
// has no stored settings.
func DefaultMappings() EmojiMappings {
	return EmojiMappings{
		InProgress: []string{"eyes"},
		Blocked:    []string{"arrows_counterclockwise", "loading", "hourglass"},
		Completed:  []string{"white_check_mark", "heavy_check_mark"},
	}
}

// MessageExternalID builds the dedup key for an observed message. The
// workspace segment keeps identical channel/ts pairs from colliding across
// tenants.
func MessageExternalID(workspace, channel, ts string) string {
	return fmt.Sprintf("slack:%s:%s:%s", workspace, channel, ts)
}

// Store is the persistence collaborator of the reconciliation core.
// SQLiteStore and PostgresStore implement it.
type Store interface {
	Close() error
	Ping(ctx context.Context) error

	GetPerson(ctx context.Context, id string) (*Person, error)
	GetPersonByExternalID(ctx context.Context, externalID string) (*Person, error)
	CreatePerson(ctx context.Context, p Person) (*Person, error)

	GetMessageByExternalID(ctx context.Context, externalID string) (*Message, error)
	CreateMessage(ctx context.Context, m Message) (*Message, error)
	ListMessages(ctx context.Context, workspace string) ([]Message, error)

	GetTask(ctx context.Context, id string) (*Task, error)
	GetTaskByMessageID(ctx context.Context, messageID string) (*Task, error)
	CreateTask(ctx context.Context, t Task) (*Task, error)
	// UpdateTaskStatus sets the status and appends a Change row recording the
	// transition. A call with the current status is a no-op and appends nothing.
	UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus) error
	UpdateTaskOwner(ctx context.Context, taskID string, assignedBy *string) error
	ListChanges(ctx context.Context, taskID string) ([]Change, error)

	GetLinkByMember(ctx context.Context, workspace, memberID string) (*WorkspaceLink, error)
	ListLinkedMembers(ctx context.Context, workspace string) ([]WorkspaceLink, error)
	UpsertLink(ctx context.Context, l WorkspaceLink) (*WorkspaceLink, error)
	// SetActiveLink marks the person's link to the given workspace active and
	// clears IsActive on every other link the person holds.
	SetActiveLink(ctx context.Context, personID, workspace string) error

	// GetEmojiMappings returns the workspace mapping, falling back to
	// DefaultMappings when none is stored or the stored value is malformed.
	GetEmojiMappings(ctx context.Context, workspace string) (EmojiMappings, error)
	SetEmojiMappings(ctx context.Context, workspace string, m EmojiMappings) error
}

// OpenStore opens a backend selected by DSN: "postgres://..." (or
// "postgresql://...") dials Postgres, anything else is treated as a SQLite
// file path.
func OpenStore(ctx context.Context, dsn string) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgresStore(ctx, dsn)
	}
	return NewSQLiteStore(ctx, dsn)
}
