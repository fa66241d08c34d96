// Package governor gates every worker dispatch and every send: a fixed
// per-chat cooldown after each successful send, an optional global cooldown,
// and a process-wide quota backoff entered when the reasoning worker reports
// exhaustion. Blocked actions are deferred to the next poll cycle, never
// dropped.
package governor

import (
	"sync"
	"time"
)

const (
	DefaultChatCooldown    = 2 * time.Second
	DefaultBackoffDuration = 5 * time.Minute
)

// Verdict explains why an action was deferred.
type Verdict string

const (
	VerdictOK             Verdict = "ok"
	VerdictChatCooldown   Verdict = "chat_cooldown"
	VerdictGlobalCooldown Verdict = "global_cooldown"
	VerdictQuotaBackoff   Verdict = "quota_backoff"
)

type Options struct {
	ChatCooldown    time.Duration
	GlobalCooldown  time.Duration
	BackoffDuration time.Duration
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

type Governor struct {
	chatCooldown    time.Duration
	globalCooldown  time.Duration
	backoffDuration time.Duration
	now             func() time.Time

	mu           sync.Mutex
	chatUntil    map[string]time.Time
	globalUntil  time.Time
	backoffUntil time.Time
}

func New(opts Options) *Governor {
	if opts.ChatCooldown <= 0 {
		opts.ChatCooldown = DefaultChatCooldown
	}
	if opts.BackoffDuration <= 0 {
		opts.BackoffDuration = DefaultBackoffDuration
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Governor{
		chatCooldown:    opts.ChatCooldown,
		globalCooldown:  opts.GlobalCooldown,
		backoffDuration: opts.BackoffDuration,
		now:             opts.Now,
		chatUntil:       make(map[string]time.Time),
	}
}

// CheckDispatch gates a new reasoning request for a chat. Quota backoff
// suspends dispatch for all chats; cooldowns defer this one.
func (g *Governor) CheckDispatch(chatID string) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if now.Before(g.backoffUntil) {
		return VerdictQuotaBackoff
	}
	return g.checkCooldownsLocked(chatID, now)
}

// CheckSend gates sending an already-computed reply. Quota backoff does not
// apply here; only cooldowns do.
func (g *Governor) CheckSend(chatID string) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checkCooldownsLocked(chatID, g.now())
}

func (g *Governor) checkCooldownsLocked(chatID string, now time.Time) Verdict {
	if now.Before(g.globalUntil) {
		return VerdictGlobalCooldown
	}
	if until, ok := g.chatUntil[chatID]; ok {
		if now.Before(until) {
			return VerdictChatCooldown
		}
		delete(g.chatUntil, chatID)
	}
	return VerdictOK
}

// RecordSend transitions the chat to Cooling and returns the deadline.
func (g *Governor) RecordSend(chatID string) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	until := now.Add(g.chatCooldown)
	g.chatUntil[chatID] = until
	if g.globalCooldown > 0 {
		g.globalUntil = now.Add(g.globalCooldown)
	}
	return until
}

// ReportQuotaExhausted enters QuotaBackoff. Exit is time-based only; a
// repeated signal extends the deadline.
func (g *Governor) ReportQuotaExhausted() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.backoffUntil = g.now().Add(g.backoffDuration)
	return g.backoffUntil
}

func (g *Governor) InBackoff() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.now().Before(g.backoffUntil)
}

// Forget drops a chat's cooldown, used on unregister/reset.
func (g *Governor) Forget(chatID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.chatUntil, chatID)
}

// Snapshot returns the global timers for persistence.
func (g *Governor) Snapshot() (globalUntil, backoffUntil time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.globalUntil, g.backoffUntil
}

// Restore reinstates timers from a snapshot, including per-chat cooldown
// deadlines carried by the session table.
func (g *Governor) Restore(globalUntil, backoffUntil time.Time, chatUntil map[string]time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.globalUntil = globalUntil
	g.backoffUntil = backoffUntil
	for id, until := range chatUntil {
		if until.After(g.now()) {
			g.chatUntil[id] = until
		}
	}
}
