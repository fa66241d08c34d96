package reasoner

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/quailyquaily/wabridge/internal/fsstore"
)

// quotaMarkers are the upstream capacity signals the CLI prints when the
// account is out of quota.
var quotaMarkers = []string{
	"quota exceeded",
	"resource_exhausted",
	"rate limit",
	"status 429",
	"too many requests",
}

type CLIConfig struct {
	// Command is the worker binary, e.g. "gemini".
	Command string
	// Args precede the prompt flag.
	Args []string
	// PromptFlag carries the prompt, default "-p".
	PromptFlag string
	// Timeout bounds one dispatch, default 5m.
	Timeout time.Duration
}

// CLI runs the reasoning worker as a subprocess inside the chat's workspace
// directory. Dispatches for the same workspace serialize; different
// workspaces run concurrently.
type CLI struct {
	cfg CLIConfig

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewCLI(cfg CLIConfig) (*CLI, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("reasoner: empty worker command")
	}
	if cfg.PromptFlag == "" {
		cfg.PromptFlag = "-p"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &CLI{cfg: cfg, locks: make(map[string]*sync.Mutex)}, nil
}

func (c *CLI) Dispatch(ctx context.Context, workspaceRef, prompt string) Result {
	lock := c.workspaceLock(workspaceRef)
	lock.Lock()
	defer lock.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	args := append(append([]string(nil), c.cfg.Args...), c.cfg.PromptFlag, prompt)
	cmd := exec.CommandContext(runCtx, c.cfg.Command, args...)
	cmd.Dir = workspaceRef

	out, err := cmd.CombinedOutput()
	text := string(out)

	if isQuotaExhausted(text) {
		return Result{QuotaExhausted: true}
	}
	if err != nil {
		c.recordError(workspaceRef, text, err)
		return Result{Err: fmt.Errorf("worker %s: %w", c.cfg.Command, err)}
	}
	return Result{Reply: strings.TrimSpace(text)}
}

func (c *CLI) workspaceLock(workspaceRef string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[workspaceRef]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[workspaceRef] = lock
	}
	return lock
}

func (c *CLI) recordError(workspaceRef, output string, err error) {
	entry := fmt.Sprintf("%s\nerror: %v\noutput:\n%s\n", time.Now().UTC().Format(time.RFC3339), err, output)
	_ = fsstore.WriteTextAtomic(filepath.Join(workspaceRef, "error.log"), entry, fsstore.FileOptions{})
}

func isQuotaExhausted(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range quotaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
