package session

import (
	"fmt"
	"time"

	"github.com/quailyquaily/wabridge/internal/fsstore"
)

const snapshotVersion = 1

type snapshot struct {
	Version       int       `json:"version"`
	SavedAt       time.Time `json:"saved_at"`
	BackoffUntil  time.Time `json:"backoff_until,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	Chats         []State   `json:"chats"`
}

// Save writes the table plus the governor's global timers to one snapshot
// file atomically.
func (t *Table) Save(path string, globalCooldownUntil, backoffUntil time.Time) error {
	snap := snapshot{
		Version:       snapshotVersion,
		SavedAt:       time.Now().UTC(),
		BackoffUntil:  backoffUntil,
		CooldownUntil: globalCooldownUntil,
		Chats:         t.All(),
	}
	if err := fsstore.WriteJSONAtomic(path, snap, fsstore.FileOptions{}); err != nil {
		return fmt.Errorf("save sessions: %w", err)
	}
	return nil
}

// Load replaces the table contents from a snapshot file. A missing file is
// not an error; the table stays empty. Returns the persisted global
// cooldown and backoff deadlines.
func (t *Table) Load(path string) (globalCooldownUntil, backoffUntil time.Time, err error) {
	var snap snapshot
	ok, err := fsstore.ReadJSON(path, &snap)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("load sessions: %w", err)
	}
	if !ok {
		return time.Time{}, time.Time{}, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.chats = make(map[string]*State, len(snap.Chats))
	for i := range snap.Chats {
		s := snap.Chats[i]
		if s.Identity.CanonicalID == "" {
			continue
		}
		copied := s
		t.chats[s.Identity.CanonicalID] = &copied
	}
	return snap.CooldownUntil, snap.BackoffUntil, nil
}
