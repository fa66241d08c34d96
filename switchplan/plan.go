// Package switchplan decides how the driver should navigate to a target
// conversation and whether the result must be verified against the header.
package switchplan

import (
	"github.com/quailyquaily/wabridge/identity"
)

type Strategy string

const (
	// StrategyDirectURL deep-links by phone number. Trusted unconditionally:
	// no header re-check, trading a small misnavigation risk for resilience
	// against DOM churn.
	StrategyDirectURL Strategy = "direct-url"
	// StrategySearchVerify searches by title and requires the resulting
	// header to match before the switch counts.
	StrategySearchVerify Strategy = "search-verify"
)

// Outcome is the tri-state result of executing a plan against the driver.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	// OutcomeUnverified means the driver navigated but the header did not
	// match the expected title. The caller retries with another target or
	// skips the chat; never retried here.
	OutcomeUnverified Outcome = "unverified"
	// OutcomeDriverFailure means navigation itself failed. Transient; the
	// orchestrator retries with backoff.
	OutcomeDriverFailure Outcome = "driver-failure"
)

// Plan is an ephemeral navigation decision. Never persisted.
type Plan struct {
	Strategy       Strategy
	Target         identity.ChatIdentity
	VerifyRequired bool
}

// For picks the strategy for a target. Stateless and re-entrant; retries
// are orchestrated by the caller.
func For(target identity.ChatIdentity) Plan {
	if target.Kind == identity.KindDirectNumber {
		return Plan{Strategy: StrategyDirectURL, Target: target, VerifyRequired: false}
	}
	return Plan{Strategy: StrategySearchVerify, Target: target, VerifyRequired: true}
}
