package identity

import (
	"regexp"
	"strings"
)

// rawPhonePattern matches phone numbers as the UI renders them: an optional
// plus, then digits with spaces, dashes, dots or parens in between.
var rawPhonePattern = regexp.MustCompile(`^\+?[0-9][0-9 .\-()]{6,}$`)

// canonicalPhonePattern is the key-space reserved for direct-number
// identities: digits only, at least 8 of them.
var canonicalPhonePattern = regexp.MustCompile(`^[0-9]{8,}$`)

var selfSuffixes = []string{"(du)", "(you)", "(me)"}

// Normalizer maps raw UI titles to canonical chat identities. It is safe for
// concurrent use after construction.
type Normalizer struct {
	selfLabels map[string]bool
}

func NewNormalizer(selfLabels []string) *Normalizer {
	labels := selfLabels
	if len(labels) == 0 {
		labels = DefaultSelfLabels()
	}
	set := make(map[string]bool, len(labels))
	for _, l := range labels {
		l = foldLabel(l)
		if l == "" {
			continue
		}
		set[l] = true
	}
	return &Normalizer{selfLabels: set}
}

// Normalize resolves a raw chat-list title. If knownNumber is non-empty the
// caller already opened this chat by phone number and the title is kept for
// display only; it is never used to re-derive the key.
func (n *Normalizer) Normalize(rawTitle, knownNumber string) (ChatIdentity, error) {
	title := strings.TrimSpace(rawTitle)

	if num := CanonicalNumber(knownNumber); num != "" {
		return ChatIdentity{Kind: KindDirectNumber, CanonicalID: num, DisplayTitle: title}, nil
	}

	if n.IsSelfLabel(title) {
		return ChatIdentity{Kind: KindSelf, CanonicalID: SelfCanonicalID, DisplayTitle: title}, nil
	}

	if rawPhonePattern.MatchString(title) {
		return ChatIdentity{Kind: KindDirectNumber, CanonicalID: CanonicalNumber(title), DisplayTitle: title}, nil
	}

	return n.NormalizeGroup(title, "")
}

// NormalizeGroup derives a group identity. When the driver has supplied the
// opaque conversation token the key is built from the token alone, so a
// rename keeps the chat's canonical ID. Without a token the key falls back
// to a title slug; a slug that would read as a bare number is rejected
// rather than aliased into the phone-number key space.
func (n *Normalizer) NormalizeGroup(rawTitle, groupToken string) (ChatIdentity, error) {
	title := strings.TrimSpace(rawTitle)
	token := strings.TrimSpace(groupToken)

	if token != "" {
		return ChatIdentity{Kind: KindGroup, CanonicalID: "grp:" + token, DisplayTitle: title}, nil
	}

	slug := slugify(title)
	if canonicalPhonePattern.MatchString(slug) {
		return ChatIdentity{}, ErrIdentityConflict
	}
	key := "grp:" + slug
	if canonicalPhonePattern.MatchString(key) {
		return ChatIdentity{}, ErrIdentityConflict
	}
	return ChatIdentity{Kind: KindGroup, CanonicalID: key, DisplayTitle: title}, nil
}

// IsSelfLabel reports whether a title is one of the configured self-chat
// labels, ignoring case and whitespace. Titles carrying a localized
// "(du)"-style marker suffix also count.
func (n *Normalizer) IsSelfLabel(title string) bool {
	folded := foldLabel(title)
	if folded == "" {
		return false
	}
	if n.selfLabels[folded] {
		return true
	}
	lower := strings.ToLower(strings.TrimSpace(title))
	for _, suffix := range selfSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// CanonicalNumber reduces a phone-number string to its digits. Returns ""
// when the input does not look like a number.
func CanonicalNumber(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 8 {
		return ""
	}
	return digits
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastDash := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

func foldLabel(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
