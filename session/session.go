// Package session tracks per-chat mutable state: seen watermark, cooldown,
// registration, and the reasoning workspace reference. State survives
// restarts through JSON snapshots.
package session

import (
	"sync"
	"time"

	"github.com/quailyquaily/wabridge/identity"
)

// recentKeyCap bounds the dedup lookback window kept per chat.
const recentKeyCap = 64

// State is a value copy of one chat's session. Mutation goes through Table.
type State struct {
	Identity      identity.ChatIdentity `json:"identity"`
	LastSeen      time.Time             `json:"last_seen"`
	CooldownUntil time.Time             `json:"cooldown_until"`
	Registered    bool                  `json:"registered"`
	WorkspaceRef  string                `json:"workspace_ref,omitempty"`
	RecentKeys    []string              `json:"recent_keys,omitempty"`

	// Version increments on reset so in-flight worker results for the old
	// session generation can be dropped.
	Version uint64 `json:"version"`
}

// Table is the per-chat session table keyed by canonical ID. Safe for
// concurrent use.
type Table struct {
	mu    sync.Mutex
	chats map[string]*State
}

func NewTable() *Table {
	return &Table{chats: make(map[string]*State)}
}

// Ensure returns the session for a chat, creating it on first observation.
func (t *Table) Ensure(id identity.ChatIdentity) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.chats[id.CanonicalID]
	if !ok {
		s = &State{Identity: id}
		t.chats[id.CanonicalID] = s
	} else if id.DisplayTitle != "" {
		s.Identity.DisplayTitle = id.DisplayTitle
	}
	return cloneState(s)
}

func (t *Table) Get(canonicalID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.chats[canonicalID]
	if !ok {
		return State{}, false
	}
	return cloneState(s), true
}

func (t *Table) All() []State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]State, 0, len(t.chats))
	for _, s := range t.chats {
		out = append(out, cloneState(s))
	}
	return out
}

// Adopt rekeys a session when a chat's canonical key is upgraded from a
// provisional title-derived key to its token key. Watermark, registration,
// and workspace carry over. When state already exists under the token key
// it wins and the provisional entry is dropped.
func (t *Table) Adopt(oldID string, id identity.ChatIdentity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if oldID == id.CanonicalID {
		return
	}
	cur, hasCur := t.chats[id.CanonicalID]
	if hasCur {
		if id.DisplayTitle != "" {
			cur.Identity.DisplayTitle = id.DisplayTitle
		}
		delete(t.chats, oldID)
		return
	}
	old, hasOld := t.chats[oldID]
	if !hasOld {
		return
	}
	old.Identity = id
	t.chats[id.CanonicalID] = old
	delete(t.chats, oldID)
}

// Register marks a chat for dispatch and pins its workspace reference.
func (t *Table) Register(id identity.ChatIdentity, workspaceRef string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.chats[id.CanonicalID]
	if !ok {
		s = &State{Identity: id}
		t.chats[id.CanonicalID] = s
	}
	s.Registered = true
	if workspaceRef != "" {
		s.WorkspaceRef = workspaceRef
	}
}

// Unregister removes the chat entirely. In-flight results for it are dropped
// by the orchestrator when the lookup fails.
func (t *Table) Unregister(canonicalID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.chats, canonicalID)
}

// Reset clears the seen watermark and dedup window, keeping registration and
// workspace. Bumps the version so stale in-flight results are discarded.
func (t *Table) Reset(canonicalID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.chats[canonicalID]
	if !ok {
		return false
	}
	s.LastSeen = time.Time{}
	s.RecentKeys = nil
	s.Version++
	return true
}

// SetWorkspaceRef records the workspace handle created on first dispatch.
func (t *Table) SetWorkspaceRef(canonicalID, workspaceRef string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.chats[canonicalID]; ok {
		s.WorkspaceRef = workspaceRef
	}
}

func (t *Table) SetCooldown(canonicalID string, until time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.chats[canonicalID]; ok {
		s.CooldownUntil = until
	}
}

// CommitSeen advances the watermark and dedup window after the caller has
// acknowledged consumption of a batch. A stale version is rejected so a
// reset that raced the batch wins.
func (t *Table) CommitSeen(canonicalID string, lastSeen time.Time, keys []string, version uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.chats[canonicalID]
	if !ok || s.Version != version {
		return false
	}
	if lastSeen.After(s.LastSeen) {
		s.LastSeen = lastSeen
	}
	s.RecentKeys = append(s.RecentKeys, keys...)
	if n := len(s.RecentKeys); n > recentKeyCap {
		s.RecentKeys = append([]string(nil), s.RecentKeys[n-recentKeyCap:]...)
	}
	return true
}

func cloneState(s *State) State {
	out := *s
	out.RecentKeys = append([]string(nil), s.RecentKeys...)
	return out
}
