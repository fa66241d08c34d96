package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/quailyquaily/wabridge/identity"
)

type Role string

const (
	RoleIncoming Role = "incoming"
	RoleOutgoing Role = "outgoing"
)

type Type string

const (
	TypeText    Type = "text"
	TypeAudio   Type = "audio"
	TypeVideo   Type = "video"
	TypeImage   Type = "image"
	TypeContact Type = "contact"
	TypeOther   Type = "other"
)

// Message is immutable once constructed. The pipeline owns it until it is
// handed to the reasoning worker.
type Message struct {
	Role       Role
	Type       Type
	Content    string
	Media      [][]byte
	Timestamp  time.Time
	OriginChat identity.ChatIdentity
}

// DedupKey identifies a message as (chat, timestamp, content hash). Two
// scrapes of the same bubble collapse to one key even when pages arrive out
// of order.
func (m Message) DedupKey() string {
	sum := sha256.Sum256([]byte(m.Content))
	return fmt.Sprintf("%s|%d|%s", m.OriginChat.CanonicalID, m.Timestamp.UnixMilli(), hex.EncodeToString(sum[:8]))
}
