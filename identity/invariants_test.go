package identity

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
)

// Group canonical IDs must never land in the phone-number key space, no
// matter how number-like the title is.
func TestGroupKeyNeverMatchesPhonePattern(t *testing.T) {
	n := NewNormalizer(nil)
	rng := rand.New(rand.NewSource(1))

	alphabet := []rune("abcdefghijklmnopqrstuvwxyz0123456789 +-()._")
	for i := 0; i < 2000; i++ {
		length := 1 + rng.Intn(24)
		title := make([]rune, length)
		for j := range title {
			title[j] = alphabet[rng.Intn(len(alphabet))]
		}
		token := ""
		if rng.Intn(2) == 0 {
			token = fmt.Sprintf("%d", rng.Int63())
		}

		got, err := n.NormalizeGroup(string(title), token)
		if err != nil {
			if errors.Is(err, ErrIdentityConflict) {
				continue
			}
			t.Fatalf("normalize group %q: %v", string(title), err)
		}
		if canonicalPhonePattern.MatchString(got.CanonicalID) {
			t.Fatalf("group key %q from title %q matches phone pattern", got.CanonicalID, string(title))
		}
	}
}

func TestSelfSentinelNotDerivedFromTitle(t *testing.T) {
	n := NewNormalizer([]string{"nachricht an mich"})

	a, err := n.Normalize("Nachricht an mich", "")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	b, err := n.Normalize("you", "")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if a.CanonicalID != b.CanonicalID || a.CanonicalID != SelfCanonicalID {
		t.Fatalf("self ids differ: %q vs %q", a.CanonicalID, b.CanonicalID)
	}
}
