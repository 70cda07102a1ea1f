// Package derive turns a message's current reaction set into a task status
// and an owner. Functions here are pure; callers fetch reactions and
// mappings and persist the result.
package derive

import (
	"github.com/basket/taskwire/internal/gateway"
	"github.com/basket/taskwire/internal/persistence"
)

// StatusFromReactions resolves the status a task should hold given the
// reactions currently on its message. Unmapped emoji are ignored.
// Completed beats Blocked beats InProgress; no mapped reaction means Blank.
// The result does not depend on reaction order.
func StatusFromReactions(reactions []gateway.Reaction, m persistence.EmojiMappings) persistence.TaskStatus {
	seen := map[persistence.TaskStatus]bool{}
	for _, r := range reactions {
		if status, ok := statusFor(r.Name, m); ok {
			seen[status] = true
		}
	}
	switch {
	case seen[persistence.StatusCompleted]:
		return persistence.StatusCompleted
	case seen[persistence.StatusBlocked]:
		return persistence.StatusBlocked
	case seen[persistence.StatusInProgress]:
		return persistence.StatusInProgress
	default:
		return persistence.StatusBlank
	}
}

// ResolveOwner picks the member credited with driving a task. A hinted
// actor (the reactor from a live event) wins; otherwise the first member of
// the first reaction that lists any users, in gateway order; otherwise "".
func ResolveOwner(hinted string, reactions []gateway.Reaction) string {
	if hinted != "" {
		return hinted
	}
	for _, r := range reactions {
		if len(r.Users) > 0 {
			return r.Users[0]
		}
	}
	return ""
}

// Mapped reports whether an emoji name maps to any status category. The
// dispatcher uses it to drop irrelevant reaction events before touching
// the store or the gateway.
func Mapped(name string, m persistence.EmojiMappings) bool {
	_, ok := statusFor(name, m)
	return ok
}

func statusFor(name string, m persistence.EmojiMappings) (persistence.TaskStatus, bool) {
	for _, n := range m.Completed {
		if n == name {
			return persistence.StatusCompleted, true
		}
	}
	for _, n := range m.Blocked {
		if n == name {
			return persistence.StatusBlocked, true
		}
	}
	for _, n := range m.InProgress {
		if n == name {
			return persistence.StatusInProgress, true
		}
	}
	return "", false
}
