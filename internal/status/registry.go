// Package status keeps the live connection state of every workspace bot.
// The registry is read by operators and written by runners and sync passes,
// so every method takes the write path seriously: short critical sections,
// snapshot copies out.
package status

import (
	"sync"
	"time"
)

// BotStatus is a point-in-time snapshot of one workspace connection.
type BotStatus struct {
	WorkspaceName string     `json:"workspace_name"`
	Connected     bool       `json:"connected"`
	ConnectedAt   *time.Time `json:"connected_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	Error         string     `json:"error,omitempty"`
	Syncing       bool       `json:"syncing"`
	SyncProgress  string     `json:"sync_progress,omitempty"`
}

// Registry tracks per-workspace bot status under a single lock.
type Registry struct {
	mu   sync.RWMutex
	bots map[string]*BotStatus
}

func NewRegistry() *Registry {
	return &Registry{bots: make(map[string]*BotStatus)}
}

func (r *Registry) get(name string) *BotStatus {
	if b, ok := r.bots[name]; ok {
		return b
	}
	b := &BotStatus{WorkspaceName: name}
	r.bots[name] = b
	return b
}

// MarkConnected records a successful handshake and clears any prior error.
func (r *Registry) MarkConnected(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	b := r.get(name)
	b.Connected = true
	b.ConnectedAt = &now
	b.LastHeartbeat = &now
	b.Error = ""
}

// MarkDisconnected records why a connection ended. Any in-flight sync
// indication is cleared since its goroutines die with the connection.
func (r *Registry) MarkDisconnected(name, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(name)
	b.Connected = false
	b.Error = reason
	b.Syncing = false
	b.SyncProgress = ""
}

// Heartbeat bumps the liveness timestamp. Called on every received frame.
func (r *Registry) Heartbeat(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	r.get(name).LastHeartbeat = &now
}

// MarkSyncing publishes sync progress text for the workspace.
func (r *Registry) MarkSyncing(name, progress string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(name)
	b.Syncing = true
	b.SyncProgress = progress
}

// MarkSyncComplete clears the syncing indication.
func (r *Registry) MarkSyncComplete(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(name)
	b.Syncing = false
	b.SyncProgress = ""
}

// Get returns a snapshot of one workspace, if it has ever been touched.
func (r *Registry) Get(name string) (BotStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bots[name]
	if !ok {
		return BotStatus{}, false
	}
	return *b, true
}

// All returns snapshots of every known workspace.
func (r *Registry) All() []BotStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BotStatus, 0, len(r.bots))
	for _, b := range r.bots {
		out = append(out, *b)
	}
	return out
}
