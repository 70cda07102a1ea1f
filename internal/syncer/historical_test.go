package syncer_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskwire/internal/gateway"
	"github.com/basket/taskwire/internal/persistence"
	"github.com/basket/taskwire/internal/reconcile"
	"github.com/basket/taskwire/internal/status"
	"github.com/basket/taskwire/internal/syncer"
)

// fakeHistory serves scripted channels and paged history.
type fakeHistory struct {
	channels    []gateway.Channel
	channelsErr error
	// pages maps channel id -> cursor -> page.
	pages map[string]map[string]gateway.HistoryPage

	mu         sync.Mutex
	pageCalls  int
	lastLimits []int
}

func (f *fakeHistory) ListChannels(_ context.Context) ([]gateway.Channel, error) {
	if f.channelsErr != nil {
		return nil, f.channelsErr
	}
	return f.channels, nil
}

func (f *fakeHistory) FetchHistoryPage(_ context.Context, channel, cursor string, limit int) (gateway.HistoryPage, error) {
	f.mu.Lock()
	f.pageCalls++
	f.lastLimits = append(f.lastLimits, limit)
	f.mu.Unlock()
	byCursor, ok := f.pages[channel]
	if !ok {
		return gateway.HistoryPage{}, fmt.Errorf("no history for %s", channel)
	}
	return byCursor[cursor], nil
}

// recordingReconciler captures every input it is asked to reconcile.
type recordingReconciler struct {
	mu     sync.Mutex
	inputs []reconcile.Input
	err    error
}

func (r *recordingReconciler) Reconcile(_ context.Context, in reconcile.Input) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs = append(r.inputs, in)
	return r.err
}

func (r *recordingReconciler) recorded() []reconcile.Input {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]reconcile.Input, len(r.inputs))
	copy(out, r.inputs)
	return out
}

func openTestStore(t *testing.T) persistence.Store {
	t.Helper()
	store, err := persistence.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHistorical_ReconcilesOnlyTargetAuthorsWithMappedReactions(t *testing.T) {
	store := openTestStore(t)
	gw := &fakeHistory{
		channels: []gateway.Channel{{ID: "C1", Name: "general"}},
		pages: map[string]map[string]gateway.HistoryPage{
			"C1": {"": {Messages: []gateway.Message{
				{User: "U1", TS: "1.0", Reactions: []gateway.Reaction{{Name: "eyes", Users: []string{"U2"}}}},
				{User: "U9", TS: "2.0", Reactions: []gateway.Reaction{{Name: "eyes", Users: []string{"U2"}}}}, // not a target
				{User: "U1", TS: "3.0"}, // no reactions
				{User: "U1", TS: "4.0", Reactions: []gateway.Reaction{{Name: "tada", Users: []string{"U2"}}}}, // unmapped only
				{User: "U1", TS: "5.0", Reactions: []gateway.Reaction{{Name: "white_check_mark", Users: []string{"U2"}}}},
			}}},
		},
	}
	rec := &recordingReconciler{}
	hist := syncer.NewHistorical(syncer.HistoricalConfig{
		Store: store, Gateway: gw, Rec: rec, PageDelay: time.Millisecond,
	})

	if err := hist.Run(context.Background(), "acme", []string{"U1"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := rec.recorded()
	if len(got) != 2 {
		t.Fatalf("expected 2 reconciled messages, got %d: %+v", len(got), got)
	}
	if got[0].TS != "1.0" || got[1].TS != "5.0" {
		t.Fatalf("unexpected targets: %+v", got)
	}
	for _, in := range got {
		if in.Workspace != "acme" || in.Channel != "C1" {
			t.Fatalf("unexpected input %+v", in)
		}
		if in.HintedOwner != "" || in.HintedEmoji != "" {
			t.Fatalf("historical scans must not carry hints: %+v", in)
		}
	}
}

func TestHistorical_NoMembersIsNoop(t *testing.T) {
	store := openTestStore(t)
	gw := &fakeHistory{channels: []gateway.Channel{{ID: "C1"}}}
	rec := &recordingReconciler{}
	hist := syncer.NewHistorical(syncer.HistoricalConfig{
		Store: store, Gateway: gw, Rec: rec, PageDelay: time.Millisecond,
	})

	if err := hist.Run(context.Background(), "acme", nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if gw.pageCalls != 0 {
		t.Fatal("no members should mean no history fetches")
	}
}

func TestHistorical_ChannelListFailureAborts(t *testing.T) {
	store := openTestStore(t)
	gw := &fakeHistory{channelsErr: fmt.Errorf("missing_scope")}
	rec := &recordingReconciler{}
	reg := status.NewRegistry()
	hist := syncer.NewHistorical(syncer.HistoricalConfig{
		Store: store, Gateway: gw, Rec: rec, Registry: reg, PageDelay: time.Millisecond,
	})

	if err := hist.Run(context.Background(), "acme", []string{"U1"}); err == nil {
		t.Fatal("expected channel enumeration error")
	}
	// Even the failure path must clear the syncing flag.
	bs, ok := reg.Get("acme")
	if !ok {
		t.Fatal("expected registry entry")
	}
	if bs.Syncing || bs.SyncProgress != "" {
		t.Fatalf("sync state must be cleared after failure: %+v", bs)
	}
}

func TestHistorical_PaginationStopsAtPageCap(t *testing.T) {
	store := openTestStore(t)
	// Every cursor points at another page with HasMore set, so only the
	// internal cap can stop the walk.
	endless := map[string]gateway.HistoryPage{}
	cursors := []string{"", "c1", "c2", "c3", "c4", "c5", "c6", "c7"}
	for i, c := range cursors {
		endless[c] = gateway.HistoryPage{
			Messages:   []gateway.Message{{User: "U1", TS: fmt.Sprintf("%d.0", i), Reactions: []gateway.Reaction{{Name: "eyes", Users: []string{"U2"}}}}},
			NextCursor: fmt.Sprintf("c%d", i+1),
			HasMore:    true,
		}
	}
	gw := &fakeHistory{
		channels: []gateway.Channel{{ID: "C1", Name: "busy"}},
		pages:    map[string]map[string]gateway.HistoryPage{"C1": endless},
	}
	rec := &recordingReconciler{}
	hist := syncer.NewHistorical(syncer.HistoricalConfig{
		Store: store, Gateway: gw, Rec: rec, PageDelay: time.Millisecond,
	})

	if err := hist.Run(context.Background(), "acme", []string{"U1"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if gw.pageCalls != 5 {
		t.Fatalf("expected page cap of 5, got %d fetches", gw.pageCalls)
	}
	if len(rec.recorded()) != 5 {
		t.Fatalf("expected 5 reconciles, got %d", len(rec.recorded()))
	}
}

func TestHistorical_PerMessageFailuresDoNotAbort(t *testing.T) {
	store := openTestStore(t)
	gw := &fakeHistory{
		channels: []gateway.Channel{{ID: "C1"}},
		pages: map[string]map[string]gateway.HistoryPage{
			"C1": {"": {Messages: []gateway.Message{
				{User: "U1", TS: "1.0", Reactions: []gateway.Reaction{{Name: "eyes", Users: []string{"U2"}}}},
				{User: "U1", TS: "2.0", Reactions: []gateway.Reaction{{Name: "eyes", Users: []string{"U2"}}}},
			}}},
		},
	}
	rec := &recordingReconciler{err: fmt.Errorf("transient store error")}
	hist := syncer.NewHistorical(syncer.HistoricalConfig{
		Store: store, Gateway: gw, Rec: rec, PageDelay: time.Millisecond,
	})

	if err := hist.Run(context.Background(), "acme", []string{"U1"}); err != nil {
		t.Fatalf("per-message failures must not surface: %v", err)
	}
	if len(rec.recorded()) != 2 {
		t.Fatalf("expected both messages attempted, got %d", len(rec.recorded()))
	}
}

func TestHistorical_ReportsProgressPerChannel(t *testing.T) {
	store := openTestStore(t)
	gw := &fakeHistory{
		channels: []gateway.Channel{
			{ID: "C1", Name: "general"},
			{ID: "C2", Name: "random"},
		},
		pages: map[string]map[string]gateway.HistoryPage{
			"C1": {"": {}},
			"C2": {"": {}},
		},
	}
	rec := &recordingReconciler{}
	reg := status.NewRegistry()
	hist := syncer.NewHistorical(syncer.HistoricalConfig{
		Store: store, Gateway: gw, Rec: rec, Registry: reg, PageDelay: time.Millisecond,
	})

	if err := hist.Run(context.Background(), "acme", []string{"U1"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	bs, ok := reg.Get("acme")
	if !ok {
		t.Fatal("expected registry entry")
	}
	if bs.Syncing || bs.SyncProgress != "" {
		t.Fatalf("sync state must end cleared: %+v", bs)
	}
}
