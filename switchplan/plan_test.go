package switchplan

import (
	"testing"

	"github.com/quailyquaily/wabridge/identity"
)

func TestForStrategy(t *testing.T) {
	cases := []struct {
		name       string
		target     identity.ChatIdentity
		wantStrat  Strategy
		wantVerify bool
	}{
		{
			name:      "direct number trusts deep link",
			target:    identity.ChatIdentity{Kind: identity.KindDirectNumber, CanonicalID: "491701234567"},
			wantStrat: StrategyDirectURL,
		},
		{
			name:       "group requires verification",
			target:     identity.ChatIdentity{Kind: identity.KindGroup, CanonicalID: "grp:family-group"},
			wantStrat:  StrategySearchVerify,
			wantVerify: true,
		},
		{
			name:       "self requires verification",
			target:     identity.ChatIdentity{Kind: identity.KindSelf, CanonicalID: identity.SelfCanonicalID},
			wantStrat:  StrategySearchVerify,
			wantVerify: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := For(tc.target)
			if p.Strategy != tc.wantStrat {
				t.Fatalf("strategy = %q, want %q", p.Strategy, tc.wantStrat)
			}
			if p.VerifyRequired != tc.wantVerify {
				t.Fatalf("verify_required = %v, want %v", p.VerifyRequired, tc.wantVerify)
			}
			if p.Target != tc.target {
				t.Fatalf("target mutated: %+v", p.Target)
			}
		})
	}
}
