// Package reasoner is the boundary to the reasoning worker: a subprocess
// CLI in production, a deterministic stub in mock mode. Workspaces give
// each chat a persistent context directory across restarts.
package reasoner

import (
	"context"
	"fmt"
)

// Result is the worker's answer to one dispatch. QuotaExhausted is a
// signal, not an error: the governor turns it into a global backoff.
type Result struct {
	Reply          string
	QuotaExhausted bool
	Err            error
}

type Worker interface {
	// Dispatch runs one reasoning request against a chat's workspace.
	// Blocking; the orchestrator runs it on per-chat workers.
	Dispatch(ctx context.Context, workspaceRef, prompt string) Result
}

// Stub replies deterministically for tests and mock mode.
type Stub struct {
	// Prefix is prepended to the echoed prompt; defaults to "echo: ".
	Prefix string
	// QuotaAfter, when positive, makes every dispatch from the Nth on
	// report quota exhaustion.
	QuotaAfter int

	calls int
}

func (s *Stub) Dispatch(ctx context.Context, workspaceRef, prompt string) Result {
	s.calls++
	if s.QuotaAfter > 0 && s.calls >= s.QuotaAfter {
		return Result{QuotaExhausted: true}
	}
	prefix := s.Prefix
	if prefix == "" {
		prefix = "echo: "
	}
	return Result{Reply: fmt.Sprintf("%s%s", prefix, prompt)}
}
