// Package pipeline turns raw scraped history into a deduplicated,
// chronologically ordered feed. The seen watermark only advances after the
// caller commits the batch, so a failed handoff replays instead of losing
// messages.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/quailyquaily/wabridge/session"
)

const (
	DefaultPageSize = 10
	DefaultMaxPages = 5
)

// bannerPhrases are UI system bubbles that must never reach the worker.
var bannerPhrases = []string{
	"messages are end-to-end encrypted",
	"nachrichten sind ende-zu-ende-verschl",
	"messages and calls are end-to-end encrypted",
}

// FetchPage returns one page of history, oldest first within the page. Page
// numbering starts at 0 with the most recent messages.
type FetchPage func(ctx context.Context, page, size int) ([]Message, error)

type Pipeline struct {
	// PageSize is the fixed history page size, default 10.
	PageSize int
	// MaxPages bounds how many pages one poll may drain.
	MaxPages int
	// BotPrefix marks the bridge's own replies; inbound content carrying it
	// is an echo and is filtered.
	BotPrefix string
}

func (p *Pipeline) pageSize() int {
	if p.PageSize > 0 {
		return p.PageSize
	}
	return DefaultPageSize
}

func (p *Pipeline) maxPages() int {
	if p.MaxPages > 0 {
		return p.MaxPages
	}
	return DefaultMaxPages
}

// Drain pulls history pages until a page comes back short or the page bound
// is hit. Requesting the next page only while the previous one was full
// keeps a quiet chat at a single fetch.
func (p *Pipeline) Drain(ctx context.Context, fetch FetchPage) ([]Message, error) {
	size := p.pageSize()
	var all []Message
	for page := 0; page < p.maxPages(); page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := fetch(ctx, page, size)
		if err != nil {
			return nil, fmt.Errorf("fetch history page %d: %w", page, err)
		}
		all = append(all, batch...)
		if len(batch) < size {
			break
		}
	}
	return all, nil
}

// Batch is the outcome of one ingest: dispatchable messages in chronological
// order plus the watermark advance that Commit applies once the caller has
// consumed them.
type Batch struct {
	Messages []Message

	chatID  string
	version uint64
	keys    []string
	maxSeen time.Time
}

func (b *Batch) Empty() bool { return len(b.keys) == 0 }

// Commit advances the chat's seen watermark. Returns false when the session
// was reset or unregistered while the batch was in flight; the advance is
// discarded in that case.
func (b *Batch) Commit(tbl *session.Table) bool {
	if b.Empty() {
		return true
	}
	return tbl.CommitSeen(b.chatID, b.maxSeen, b.keys, b.version)
}

// Ingest filters a raw batch against the session's watermark and dedup
// window, drops system and echo messages, and emits the remainder sorted by
// timestamp.
func (p *Pipeline) Ingest(raw []Message, sess session.State) *Batch {
	seen := make(map[string]bool, len(sess.RecentKeys))
	for _, k := range sess.RecentKeys {
		seen[k] = true
	}

	b := &Batch{chatID: sess.Identity.CanonicalID, version: sess.Version}
	for _, m := range raw {
		if !m.Timestamp.After(sess.LastSeen) {
			continue
		}
		key := m.DedupKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		b.keys = append(b.keys, key)
		if m.Timestamp.After(b.maxSeen) {
			b.maxSeen = m.Timestamp
		}
		if p.isSystem(m) {
			continue
		}
		b.Messages = append(b.Messages, m)
	}

	sort.SliceStable(b.Messages, func(i, j int) bool {
		return b.Messages[i].Timestamp.Before(b.Messages[j].Timestamp)
	})
	return b
}

// isSystem drops UI banners and the bridge's own echoed replies. Filtered
// messages still count toward the watermark.
func (p *Pipeline) isSystem(m Message) bool {
	if p.BotPrefix != "" && strings.HasPrefix(strings.TrimSpace(m.Content), p.BotPrefix) {
		return true
	}
	lower := strings.ToLower(m.Content)
	for _, phrase := range bannerPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
