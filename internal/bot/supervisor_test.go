package bot_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/taskwire/internal/bot"
	"github.com/basket/taskwire/internal/config"
	"github.com/basket/taskwire/internal/gateway"
	"github.com/basket/taskwire/internal/persistence"
	"github.com/basket/taskwire/internal/status"
)

// fakeGatewayServer answers the web API calls a supervised workspace makes
// during startup and counts handshakes.
type fakeGatewayServer struct {
	srv   *httptest.Server
	opens atomic.Int64
	lists atomic.Int64
}

func newFakeGatewayServer(t *testing.T) *fakeGatewayServer {
	t.Helper()
	f := &fakeGatewayServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/apps.connections.open", func(w http.ResponseWriter, _ *http.Request) {
		f.opens.Add(1)
		w.Write([]byte(`{"ok":true,"url":"wss://gateway.test/socket"}`))
	})
	mux.HandleFunc("/conversations.list", func(w http.ResponseWriter, _ *http.Request) {
		f.lists.Add(1)
		w.Write([]byte(`{"ok":true,"channels":[]}`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"ok":true,"messages":[]}`))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func newSupervisor(t *testing.T, gw *fakeGatewayServer, reg *status.Registry, store persistence.Store) *bot.Supervisor {
	t.Helper()
	return bot.NewSupervisor(bot.SupervisorConfig{
		Store:          store,
		Registry:       reg,
		GatewayBaseURL: gw.srv.URL,
		SyncInterval:   time.Hour,
		DrainTimeout:   3 * time.Second,
		Dial: func(_ context.Context, _ string) (bot.Conn, error) {
			return &scriptConn{blockOnEmpty: true}, nil
		},
	})
}

func creds(n string) config.WorkspaceCredentials {
	return config.WorkspaceCredentials{AppToken: "xapp-" + n, BotToken: "xoxb-" + n}
}

func waitConnected(t *testing.T, reg *status.Registry, workspace string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if bs, ok := reg.Get(workspace); ok && bs.Connected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("workspace %s never connected", workspace)
}

func TestSupervisor_StartStop(t *testing.T) {
	gw := newFakeGatewayServer(t)
	reg := status.NewRegistry()
	sup := newSupervisor(t, gw, reg, openTestStore(t))

	if err := sup.Start(context.Background(), "acme", creds("acme")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !sup.Running("acme") {
		t.Fatal("expected acme running")
	}
	waitConnected(t, reg, "acme")

	if err := sup.Stop("acme"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if sup.Running("acme") {
		t.Fatal("expected acme stopped")
	}
	bs, _ := reg.Get("acme")
	if bs.Connected {
		t.Fatal("registry must show disconnected after stop")
	}
}

func TestSupervisor_DuplicateStartRejected(t *testing.T) {
	gw := newFakeGatewayServer(t)
	reg := status.NewRegistry()
	sup := newSupervisor(t, gw, reg, openTestStore(t))
	defer sup.StopAll()

	if err := sup.Start(context.Background(), "acme", creds("acme")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sup.Start(context.Background(), "acme", creds("acme")); err == nil {
		t.Fatal("expected duplicate start to fail")
	}
}

func TestSupervisor_StopUnknownWorkspaceErrors(t *testing.T) {
	gw := newFakeGatewayServer(t)
	sup := newSupervisor(t, gw, status.NewRegistry(), openTestStore(t))
	if err := sup.Stop("nope"); err == nil {
		t.Fatal("expected error for unknown workspace")
	}
}

func TestSupervisor_RestartReconnects(t *testing.T) {
	gw := newFakeGatewayServer(t)
	reg := status.NewRegistry()
	sup := newSupervisor(t, gw, reg, openTestStore(t))
	defer sup.StopAll()

	if err := sup.Start(context.Background(), "acme", creds("acme")); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitConnected(t, reg, "acme")
	before := gw.opens.Load()

	if err := sup.Restart(context.Background(), "acme"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !sup.Running("acme") {
		t.Fatal("expected acme running after restart")
	}
	waitConnected(t, reg, "acme")
	if gw.opens.Load() <= before {
		t.Fatal("restart must perform a fresh handshake")
	}
}

func TestSupervisor_ApplyWorkspaces(t *testing.T) {
	gw := newFakeGatewayServer(t)
	reg := status.NewRegistry()
	sup := newSupervisor(t, gw, reg, openTestStore(t))
	defer sup.StopAll()

	sup.StartAll(context.Background(), config.Workspaces{
		"acme":   creds("acme"),
		"globex": creds("globex"),
	})
	waitConnected(t, reg, "acme")
	waitConnected(t, reg, "globex")
	opensBefore := gw.opens.Load()

	// acme keeps its credentials, globex is removed, initech is new, and
	// nothing restarts acme.
	sup.ApplyWorkspaces(context.Background(), config.Workspaces{
		"acme":    creds("acme"),
		"initech": creds("initech"),
	})

	if sup.Running("globex") {
		t.Fatal("removed workspace must stop")
	}
	if !sup.Running("initech") {
		t.Fatal("new workspace must start")
	}
	if !sup.Running("acme") {
		t.Fatal("unchanged workspace must keep running")
	}
	waitConnected(t, reg, "initech")
	// Only initech dialed; an unchanged acme must not have re-handshaked.
	if got := gw.opens.Load(); got != opensBefore+1 {
		t.Fatalf("expected exactly one new handshake, got %d", got-opensBefore)
	}
}

func TestSupervisor_ApplyWorkspacesRestartsOnCredentialChange(t *testing.T) {
	gw := newFakeGatewayServer(t)
	reg := status.NewRegistry()
	sup := newSupervisor(t, gw, reg, openTestStore(t))
	defer sup.StopAll()

	if err := sup.Start(context.Background(), "acme", creds("acme")); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitConnected(t, reg, "acme")
	before := gw.opens.Load()

	rotated := config.WorkspaceCredentials{AppToken: "xapp-rotated", BotToken: "xoxb-rotated"}
	sup.ApplyWorkspaces(context.Background(), config.Workspaces{"acme": rotated})

	if !sup.Running("acme") {
		t.Fatal("expected acme running after credential rotation")
	}
	waitConnected(t, reg, "acme")
	if gw.opens.Load() <= before {
		t.Fatal("credential change must trigger a fresh handshake")
	}
}

func TestSupervisor_PanicInOneWorkspaceIsContained(t *testing.T) {
	gw := newFakeGatewayServer(t)
	reg := status.NewRegistry()
	store := openTestStore(t)
	sup := bot.NewSupervisor(bot.SupervisorConfig{
		Store:          store,
		Registry:       reg,
		GatewayBaseURL: gw.srv.URL,
		SyncInterval:   time.Hour,
		Dial: func(_ context.Context, _ string) (bot.Conn, error) {
			return &panicConn{}, nil
		},
	})

	if err := sup.Start(context.Background(), "acme", creds("acme")); err != nil {
		t.Fatalf("start: %v", err)
	}
	// The runner goroutine panics on its first read; the guard must catch
	// it and record the failure instead of crashing the process.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if bs, ok := reg.Get("acme"); ok && !bs.Connected && bs.Error != "" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	bs, _ := reg.Get("acme")
	t.Fatalf("panic was not surfaced in the registry: %+v", bs)
}

type panicConn struct{}

func (*panicConn) ReadEnvelope(context.Context) (*gateway.Envelope, []byte, error) {
	panic("corrupt frame buffer")
}

func (*panicConn) Ack(context.Context, string) error { return nil }
func (*panicConn) Close(string) error                { return nil }

func TestSupervisor_OnMemberLinkedScansHistory(t *testing.T) {
	gw := newFakeGatewayServer(t)
	reg := status.NewRegistry()
	sup := newSupervisor(t, gw, reg, openTestStore(t))
	defer sup.StopAll()

	if err := sup.OnMemberLinked(context.Background(), "acme", "U1"); err == nil {
		t.Fatal("expected error for non-running workspace")
	}

	if err := sup.Start(context.Background(), "acme", creds("acme")); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitConnected(t, reg, "acme")
	before := gw.lists.Load()

	if err := sup.OnMemberLinked(context.Background(), "acme", "U1"); err != nil {
		t.Fatalf("on member linked: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if gw.lists.Load() > before {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("member link must trigger a channel scan")
}
