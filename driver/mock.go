package driver

import (
	"context"
	"sync"

	"github.com/quailyquaily/wabridge/identity"
	"github.com/quailyquaily/wabridge/pipeline"
	"github.com/quailyquaily/wabridge/switchplan"
)

// SentMessage records one Send call against the mock.
type SentMessage struct {
	Target  identity.ChatIdentity
	Content string
}

// Mock is a scripted driver for tests and mock mode. Zero value is usable:
// no unread chats, every switch succeeds, sends are recorded.
type Mock struct {
	mu sync.Mutex

	// Unread is consumed one entry per ListUnread call; the last entry
	// repeats once exhausted.
	Unread [][]UnreadChat
	// History maps canonical IDs to history pages served newest-first.
	History map[string][][]pipeline.Message
	// Outcomes overrides the switch outcome per canonical ID.
	Outcomes map[string]switchplan.Outcome
	// Titles overrides ActiveChatTitle per canonical ID.
	Titles map[string]string
	// Tokens maps the canonical ID a chat was opened under to its
	// conversation token.
	Tokens map[string]string
	// Media maps canonical IDs to blobs served by DownloadMedia.
	Media map[string][][]byte
	// SendErr fails Send for specific canonical IDs.
	SendErr map[string]error

	Sent      []SentMessage
	listCalls int
	active    string
}

func (m *Mock) Login(ctx context.Context, onQR func(string)) error { return nil }

func (m *Mock) ListUnread(ctx context.Context) ([]UnreadChat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Unread) == 0 {
		return nil, nil
	}
	i := m.listCalls
	if i >= len(m.Unread) {
		i = len(m.Unread) - 1
	}
	m.listCalls++
	return m.Unread[i], nil
}

func (m *Mock) Open(ctx context.Context, plan switchplan.Plan) (switchplan.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if out, ok := m.Outcomes[plan.Target.CanonicalID]; ok {
		if out == switchplan.OutcomeSuccess {
			m.active = plan.Target.CanonicalID
		}
		return out, nil
	}
	m.active = plan.Target.CanonicalID
	return switchplan.OutcomeSuccess, nil
}

func (m *Mock) FetchHistory(ctx context.Context, page, size int) ([]pipeline.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pages := m.History[m.active]
	if page >= len(pages) {
		return nil, nil
	}
	batch := pages[page]
	if len(batch) > size {
		batch = batch[:size]
	}
	return batch, nil
}

func (m *Mock) Send(ctx context.Context, target identity.ChatIdentity, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.SendErr[target.CanonicalID]; ok {
		return err
	}
	m.Sent = append(m.Sent, SentMessage{Target: target, Content: content})
	return nil
}

func (m *Mock) ActiveChatTitle(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if title, ok := m.Titles[m.active]; ok {
		return title, nil
	}
	return m.active, nil
}

func (m *Mock) ActiveChatToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Tokens[m.active], nil
}

func (m *Mock) DownloadMedia(ctx context.Context, kind pipeline.Type) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Media[m.active], nil
}

func (m *Mock) Close() error { return nil }

// SentTo lists the contents sent to one chat, in order.
func (m *Mock) SentTo(canonicalID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.Sent {
		if s.Target.CanonicalID == canonicalID {
			out = append(out, s.Content)
		}
	}
	return out
}
