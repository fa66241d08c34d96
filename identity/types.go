package identity

import "errors"

type Kind string

const (
	KindDirectNumber Kind = "direct-number"
	KindGroup        Kind = "group"
	KindSelf         Kind = "self"
)

// SelfCanonicalID is the fixed sentinel for the account's own chat. It is
// never derived from a UI string, so localized self-chat labels can change
// without producing a new identity.
const SelfCanonicalID = "self:me"

// ErrIdentityConflict is returned when a group derivation would collide with
// the phone-number key space. Colliding identities are never silently aliased.
var ErrIdentityConflict = errors.New("identity conflict: group key matches phone-number pattern")

// ChatIdentity is the canonical key for a conversation. CanonicalID is stable
// across renames and locale changes; DisplayTitle is the last observed UI
// string and is display-only.
type ChatIdentity struct {
	Kind         Kind   `json:"kind"`
	CanonicalID  string `json:"canonical_id"`
	DisplayTitle string `json:"display_title,omitempty"`
}

func (c ChatIdentity) IsSelf() bool { return c.Kind == KindSelf }

func (c ChatIdentity) IsZero() bool { return c.Kind == "" && c.CanonicalID == "" }
