package reasoner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/quailyquaily/wabridge/internal/fsstore"
)

// Seed files written into a fresh workspace. AGENT.md carries the standing
// instructions the worker CLI reads on startup.
var workspaceSeeds = map[string]string{
	"OBJECTIVE.md": "# Objective\n\nHelp the chat participants. Keep replies short and conversational.\n",
	"TODO.md":      "# TODO\n\n- (empty)\n",
	"AGENT.md":     "# Instructions\n\nYou are replying inside a messaging chat. Answer in the sender's language.\nNever include markdown formatting; plain text only.\n",
}

// Workspaces hands out one persistent directory per chat. Directories
// survive restarts; a chat keeps its context until explicitly removed.
type Workspaces struct {
	root string

	mu sync.Mutex
}

func NewWorkspaces(root string) (*Workspaces, error) {
	if root == "" {
		return nil, fmt.Errorf("reasoner: empty workspace root")
	}
	if err := fsstore.EnsureDir(root, 0); err != nil {
		return nil, err
	}
	return &Workspaces{root: root}, nil
}

// Get resolves the workspace for a chat, creating and seeding it on first
// use. folder overrides the derived directory name when non-empty.
func (w *Workspaces) Get(canonicalID, folder string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	name := folder
	if name == "" {
		name = sanitizeDirName(canonicalID)
	}
	dir := filepath.Join(w.root, name)

	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("stat workspace %s: %w", dir, err)
	}

	if err := fsstore.EnsureDir(dir, 0); err != nil {
		return "", err
	}
	for file, content := range workspaceSeeds {
		if err := fsstore.WriteTextAtomic(filepath.Join(dir, file), content, fsstore.FileOptions{}); err != nil {
			return "", err
		}
	}
	return dir, nil
}

// Remove deletes a chat's workspace, used on unregister.
func (w *Workspaces) Remove(canonicalID, folder string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	name := folder
	if name == "" {
		name = sanitizeDirName(canonicalID)
	}
	return os.RemoveAll(filepath.Join(w.root, name))
}

func sanitizeDirName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_chat"
	}
	return b.String()
}
