// Package chatlog appends every inbound and outbound interaction to a JSONL
// audit file and serves the recent tail to the dashboard.
package chatlog

import (
	"sync"
	"time"

	"github.com/quailyquaily/wabridge/internal/fsstore"
)

const tailCap = 200

type Entry struct {
	Timestamp time.Time `json:"ts"`
	Chat      string    `json:"chat"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
}

type Log struct {
	writer *fsstore.JSONLWriter

	mu   sync.Mutex
	tail []Entry
}

func Open(path string) (*Log, error) {
	w, err := fsstore.NewJSONLWriter(path, fsstore.JSONLOptions{})
	if err != nil {
		return nil, err
	}
	return &Log{writer: w}, nil
}

func (l *Log) Record(chat, sender, content string) error {
	e := Entry{Timestamp: time.Now().UTC(), Chat: chat, Sender: sender, Content: content}

	l.mu.Lock()
	l.tail = append(l.tail, e)
	if len(l.tail) > tailCap {
		l.tail = l.tail[len(l.tail)-tailCap:]
	}
	l.mu.Unlock()

	return l.writer.Append(e)
}

// Tail returns up to n recent entries, newest last.
func (l *Log) Tail(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.tail) {
		n = len(l.tail)
	}
	out := make([]Entry, n)
	copy(out, l.tail[len(l.tail)-n:])
	return out
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	return l.writer.Close()
}
