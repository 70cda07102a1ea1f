package persistence_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/basket/taskwire/internal/persistence"
)

func openTestStore(t *testing.T) persistence.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.NewSQLiteStore(context.Background(), filepath.Join(dir, "taskwire.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestPerson(t *testing.T, store persistence.Store, externalID string) *persistence.Person {
	t.Helper()
	p, err := store.CreatePerson(context.Background(), persistence.Person{
		Name:       "Test Person",
		ExternalID: externalID,
	})
	if err != nil {
		t.Fatalf("create person: %v", err)
	}
	return p
}

func createTestMessage(t *testing.T, store persistence.Store, personID, workspace, channel, ts string) *persistence.Message {
	t.Helper()
	m, err := store.CreateMessage(context.Background(), persistence.Message{
		Content:    "hello",
		ExternalID: persistence.MessageExternalID(workspace, channel, ts),
		Workspace:  workspace,
		Channel:    channel,
		Timestamp:  ts,
		PersonID:   personID,
	})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	return m
}

func TestPersonRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	created := createTestPerson(t, store, "U100")

	got, err := store.GetPersonByExternalID(ctx, "U100")
	if err != nil {
		t.Fatalf("get by external id: %v", err)
	}
	if got.ID != created.ID || got.Name != "Test Person" {
		t.Fatalf("unexpected person: %+v", got)
	}

	byID, err := store.GetPerson(ctx, created.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if byID.ExternalID != "U100" {
		t.Fatalf("unexpected external id: %q", byID.ExternalID)
	}

	if _, err := store.GetPersonByExternalID(ctx, "U999"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMessageDedupKeyIncludesWorkspace(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p := createTestPerson(t, store, "U1")
	createTestMessage(t, store, p.ID, "acme", "C1", "111.222")
	// Same channel and timestamp in a different workspace is a distinct row.
	createTestMessage(t, store, p.ID, "globex", "C1", "111.222")

	a, err := store.GetMessageByExternalID(ctx, persistence.MessageExternalID("acme", "C1", "111.222"))
	if err != nil {
		t.Fatalf("get acme message: %v", err)
	}
	b, err := store.GetMessageByExternalID(ctx, persistence.MessageExternalID("globex", "C1", "111.222"))
	if err != nil {
		t.Fatalf("get globex message: %v", err)
	}
	if a.ID == b.ID {
		t.Fatal("expected distinct messages per workspace")
	}

	// Replaying the same identity is rejected by the unique index.
	if _, err := store.CreateMessage(ctx, persistence.Message{
		ExternalID: persistence.MessageExternalID("acme", "C1", "111.222"),
		Workspace:  "acme", Channel: "C1", Timestamp: "111.222", PersonID: p.ID,
	}); err == nil {
		t.Fatal("expected duplicate external_id to fail")
	}
}

func TestListMessagesScopedToWorkspace(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p := createTestPerson(t, store, "U1")
	createTestMessage(t, store, p.ID, "acme", "C1", "1.0")
	createTestMessage(t, store, p.ID, "acme", "C2", "2.0")
	createTestMessage(t, store, p.ID, "globex", "C1", "3.0")

	msgs, err := store.ListMessages(ctx, "acme")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	for _, m := range msgs {
		if m.Workspace != "acme" {
			t.Fatalf("leaked message from %q", m.Workspace)
		}
	}
}

func TestTaskStatusChangeAppendsOrdinalChanges(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p := createTestPerson(t, store, "U1")
	m := createTestMessage(t, store, p.ID, "acme", "C1", "1.0")
	task, err := store.CreateTask(ctx, persistence.Task{
		Status:     persistence.StatusInProgress,
		AssignedTo: p.ID,
		MessageID:  m.ID,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := store.UpdateTaskStatus(ctx, task.ID, persistence.StatusBlocked); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := store.UpdateTaskStatus(ctx, task.ID, persistence.StatusCompleted); err != nil {
		t.Fatalf("update status: %v", err)
	}

	changes, err := store.ListChanges(ctx, task.ID)
	if err != nil {
		t.Fatalf("list changes: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	if changes[0].Index != 0 || changes[1].Index != 1 {
		t.Fatalf("expected ordinal indexes 0,1, got %d,%d", changes[0].Index, changes[1].Index)
	}
	if changes[0].Old != persistence.StatusInProgress || changes[0].New != persistence.StatusBlocked {
		t.Fatalf("unexpected first change: %+v", changes[0])
	}
	if changes[1].Old != persistence.StatusBlocked || changes[1].New != persistence.StatusCompleted {
		t.Fatalf("unexpected second change: %+v", changes[1])
	}
}

func TestUpdateTaskStatusNoOpWhenUnchanged(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p := createTestPerson(t, store, "U1")
	m := createTestMessage(t, store, p.ID, "acme", "C1", "1.0")
	task, err := store.CreateTask(ctx, persistence.Task{
		Status:     persistence.StatusBlocked,
		AssignedTo: p.ID,
		MessageID:  m.ID,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := store.UpdateTaskStatus(ctx, task.ID, persistence.StatusBlocked); err != nil {
		t.Fatalf("no-op update: %v", err)
	}
	changes, err := store.ListChanges(ctx, task.ID)
	if err != nil {
		t.Fatalf("list changes: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no change rows, got %d", len(changes))
	}
}

func TestUpdateTaskOwner(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p := createTestPerson(t, store, "U1")
	m := createTestMessage(t, store, p.ID, "acme", "C1", "1.0")
	task, err := store.CreateTask(ctx, persistence.Task{
		Status:     persistence.StatusInProgress,
		AssignedTo: p.ID,
		MessageID:  m.ID,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	owner := "U77"
	if err := store.UpdateTaskOwner(ctx, task.ID, &owner); err != nil {
		t.Fatalf("set owner: %v", err)
	}
	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.AssignedBy == nil || *got.AssignedBy != "U77" {
		t.Fatalf("expected owner U77, got %v", got.AssignedBy)
	}

	if err := store.UpdateTaskOwner(ctx, task.ID, nil); err != nil {
		t.Fatalf("clear owner: %v", err)
	}
	got, _ = store.GetTask(ctx, task.ID)
	if got.AssignedBy != nil {
		t.Fatalf("expected cleared owner, got %v", *got.AssignedBy)
	}

	if err := store.UpdateTaskOwner(ctx, "missing", &owner); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertLinkAndSetActive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p := createTestPerson(t, store, "U1")

	link, err := store.UpsertLink(ctx, persistence.WorkspaceLink{
		PersonID:      p.ID,
		WorkspaceName: "acme",
		MemberID:      "U1",
		IsLinked:      true,
	})
	if err != nil {
		t.Fatalf("upsert link: %v", err)
	}
	if !link.IsLinked || link.IsActive {
		t.Fatalf("unexpected link state: %+v", link)
	}

	if _, err := store.UpsertLink(ctx, persistence.WorkspaceLink{
		PersonID:      p.ID,
		WorkspaceName: "globex",
		MemberID:      "U1-g",
		IsLinked:      true,
	}); err != nil {
		t.Fatalf("upsert second link: %v", err)
	}

	if err := store.SetActiveLink(ctx, p.ID, "globex"); err != nil {
		t.Fatalf("set active: %v", err)
	}
	if err := store.SetActiveLink(ctx, p.ID, "acme"); err != nil {
		t.Fatalf("switch active: %v", err)
	}

	acme, err := store.GetLinkByMember(ctx, "acme", "U1")
	if err != nil {
		t.Fatalf("get acme link: %v", err)
	}
	globex, err := store.GetLinkByMember(ctx, "globex", "U1-g")
	if err != nil {
		t.Fatalf("get globex link: %v", err)
	}
	if !acme.IsActive {
		t.Fatal("expected acme link active")
	}
	if globex.IsActive {
		t.Fatal("expected globex link deactivated")
	}

	// Upserting the same (workspace, member) pair updates, not duplicates.
	updated, err := store.UpsertLink(ctx, persistence.WorkspaceLink{
		PersonID:      p.ID,
		WorkspaceName: "acme",
		MemberID:      "U1",
		IsLinked:      false,
	})
	if err != nil {
		t.Fatalf("re-upsert link: %v", err)
	}
	if updated.IsLinked {
		t.Fatal("expected is_linked updated to false")
	}

	members, err := store.ListLinkedMembers(ctx, "globex")
	if err != nil {
		t.Fatalf("list linked: %v", err)
	}
	if len(members) != 1 || members[0].MemberID != "U1-g" {
		t.Fatalf("unexpected linked members: %+v", members)
	}
}

func TestEmojiMappingsDefaultAndOverride(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	got, err := store.GetEmojiMappings(ctx, "acme")
	if err != nil {
		t.Fatalf("get default mappings: %v", err)
	}
	want := persistence.DefaultMappings()
	if len(got.InProgress) != len(want.InProgress) || got.InProgress[0] != "eyes" {
		t.Fatalf("unexpected default mappings: %+v", got)
	}

	custom := persistence.EmojiMappings{
		InProgress: []string{"construction"},
		Blocked:    []string{"no_entry"},
		Completed:  []string{"tada"},
	}
	if err := store.SetEmojiMappings(ctx, "acme", custom); err != nil {
		t.Fatalf("set mappings: %v", err)
	}
	got, err = store.GetEmojiMappings(ctx, "acme")
	if err != nil {
		t.Fatalf("get custom mappings: %v", err)
	}
	if len(got.Completed) != 1 || got.Completed[0] != "tada" {
		t.Fatalf("expected custom mappings, got %+v", got)
	}

	// Other workspaces keep the defaults.
	other, err := store.GetEmojiMappings(ctx, "globex")
	if err != nil {
		t.Fatalf("get other workspace mappings: %v", err)
	}
	if other.Completed[0] != "white_check_mark" {
		t.Fatalf("expected defaults for other workspace, got %+v", other)
	}

	// Overwriting replaces in place.
	custom.Completed = []string{"done"}
	if err := store.SetEmojiMappings(ctx, "acme", custom); err != nil {
		t.Fatalf("overwrite mappings: %v", err)
	}
	got, _ = store.GetEmojiMappings(ctx, "acme")
	if got.Completed[0] != "done" {
		t.Fatalf("expected overwritten mappings, got %+v", got)
	}
}

func TestGetTaskByMessageID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p := createTestPerson(t, store, "U1")
	m := createTestMessage(t, store, p.ID, "acme", "C1", "1.0")

	if _, err := store.GetTaskByMessageID(ctx, m.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	task, err := store.CreateTask(ctx, persistence.Task{
		Status:     persistence.StatusCompleted,
		AssignedTo: p.ID,
		MessageID:  m.ID,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	got, err := store.GetTaskByMessageID(ctx, m.ID)
	if err != nil {
		t.Fatalf("get by message id: %v", err)
	}
	if got.ID != task.ID {
		t.Fatalf("expected task %s, got %s", task.ID, got.ID)
	}

	// One task per message.
	if _, err := store.CreateTask(ctx, persistence.Task{
		Status:     persistence.StatusInProgress,
		AssignedTo: p.ID,
		MessageID:  m.ID,
	}); err == nil {
		t.Fatal("expected second task for same message to fail")
	}
}

func TestOpenStoreDispatch(t *testing.T) {
	dir := t.TempDir()
	store, err := persistence.OpenStore(context.Background(), filepath.Join(dir, "dispatch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*persistence.SQLiteStore); !ok {
		t.Fatalf("expected sqlite backend, got %T", store)
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
