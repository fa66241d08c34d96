package reasoner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestStubEchoesAndExhausts(t *testing.T) {
	s := &Stub{QuotaAfter: 3}

	r := s.Dispatch(context.Background(), "ws", "hello")
	if r.Reply != "echo: hello" || r.QuotaExhausted {
		t.Fatalf("first dispatch = %+v", r)
	}
	s.Dispatch(context.Background(), "ws", "again")
	r = s.Dispatch(context.Background(), "ws", "third")
	if !r.QuotaExhausted {
		t.Fatalf("third dispatch should exhaust quota: %+v", r)
	}
}

func TestIsQuotaExhausted(t *testing.T) {
	cases := []struct {
		output string
		want   bool
	}{
		{"Error: Quota exceeded for model", true},
		{"RESOURCE_EXHAUSTED: try later", true},
		{"got status 429 from upstream", true},
		{"all good, here is the answer", false},
	}
	for _, tc := range cases {
		if got := isQuotaExhausted(tc.output); got != tc.want {
			t.Fatalf("isQuotaExhausted(%q) = %v, want %v", tc.output, got, tc.want)
		}
	}
}

func TestWorkspacesSeedOnce(t *testing.T) {
	ws, err := NewWorkspaces(t.TempDir())
	if err != nil {
		t.Fatalf("new workspaces: %v", err)
	}

	dir, err := ws.Get("491701234567", "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for _, f := range []string{"OBJECTIVE.md", "TODO.md", "AGENT.md"} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Fatalf("seed %s missing: %v", f, err)
		}
	}

	// A second Get must not reseed an existing workspace.
	marker := filepath.Join(dir, "OBJECTIVE.md")
	if err := os.WriteFile(marker, []byte("edited"), 0o600); err != nil {
		t.Fatalf("write marker: %v", err)
	}
	again, err := ws.Get("491701234567", "")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again != dir {
		t.Fatalf("workspace moved: %q vs %q", again, dir)
	}
	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("read marker: %v", err)
	}
	if string(data) != "edited" {
		t.Fatalf("workspace reseeded: %q", data)
	}
}

func TestWorkspacesExplicitFolder(t *testing.T) {
	root := t.TempDir()
	ws, err := NewWorkspaces(root)
	if err != nil {
		t.Fatalf("new workspaces: %v", err)
	}
	dir, err := ws.Get("grp:family-group", "family")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if dir != filepath.Join(root, "family") {
		t.Fatalf("dir = %q", dir)
	}
}

func TestWorkspacesRemove(t *testing.T) {
	ws, err := NewWorkspaces(t.TempDir())
	if err != nil {
		t.Fatalf("new workspaces: %v", err)
	}
	dir, err := ws.Get("491701234567", "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := ws.Remove("491701234567", ""); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("workspace still present: %v", err)
	}

	// A fresh Get after removal reseeds from scratch.
	again, err := ws.Get("491701234567", "")
	if err != nil {
		t.Fatalf("get after remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(again, "OBJECTIVE.md")); err != nil {
		t.Fatalf("reseed missing: %v", err)
	}
}

func TestSanitizeDirName(t *testing.T) {
	if got := sanitizeDirName("grp:family-group#tok/1"); got != "grp_family-group_tok_1" {
		t.Fatalf("sanitize = %q", got)
	}
}

func TestCLIRunsSubprocess(t *testing.T) {
	c, err := NewCLI(CLIConfig{Command: "sh", Args: []string{"-c", `echo "reply text" #`}, PromptFlag: "--prompt"})
	if err != nil {
		t.Fatalf("new cli: %v", err)
	}
	r := c.Dispatch(context.Background(), t.TempDir(), "ignored")
	if r.Err != nil {
		t.Fatalf("dispatch: %v", r.Err)
	}
	if r.Reply != "reply text" {
		t.Fatalf("reply = %q", r.Reply)
	}
}

func TestCLIRecordsError(t *testing.T) {
	c, err := NewCLI(CLIConfig{Command: "sh", Args: []string{"-c", "echo boom >&2; exit 1 #"}})
	if err != nil {
		t.Fatalf("new cli: %v", err)
	}
	dir := t.TempDir()
	r := c.Dispatch(context.Background(), dir, "ignored")
	if r.Err == nil {
		t.Fatalf("expected error")
	}
	if _, err := os.Stat(filepath.Join(dir, "error.log")); err != nil {
		t.Fatalf("error.log missing: %v", err)
	}
}
