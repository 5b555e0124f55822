// Package claim drives one claim attempt per vesting through validation, confidential amount
// resolution, submission and confirmation on the ledger.
package claim

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidConfig     = errors.New("claim: invalid config")
	ErrNoIdentity        = errors.New("claim: no connected identity")
	ErrAlreadyInProgress = errors.New("claim: already in progress")
	ErrNotCancellable    = errors.New("claim: attempt is not cancellable")
	ErrNotTerminal       = errors.New("claim: attempt is not terminal")
	ErrUnknownAttempt    = errors.New("claim: no attempt for vesting")
	ErrClosed            = errors.New("claim: orchestrator closed")
)

type State uint8

const (
	StateIdle State = iota
	StateValidating
	StateResolving
	StateSubmitting
	StateConfirming
	StateConfirmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateResolving:
		return "resolving"
	case StateSubmitting:
		return "submitting"
	case StateConfirming:
		return "confirming"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func ParseState(s string) (State, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "idle":
		return StateIdle, nil
	case "validating":
		return StateValidating, nil
	case "resolving":
		return StateResolving, nil
	case "submitting":
		return StateSubmitting, nil
	case "confirming":
		return StateConfirming, nil
	case "confirmed":
		return StateConfirmed, nil
	case "failed":
		return StateFailed, nil
	default:
		return 0, fmt.Errorf("claim: unknown state %q", s)
	}
}

func (s State) Terminal() bool { return s == StateConfirmed || s == StateFailed }

// Cancellable reports whether nothing has been written to the ledger yet.
func (s State) Cancellable() bool { return s == StateValidating || s == StateResolving }

// Reason is the typed failure code surfaced to callers verbatim.
type Reason string

const (
	ReasonNone                  Reason = ""
	ReasonNoIdentity            Reason = "no_identity"
	ReasonNotClaimable          Reason = "not_claimable"
	ReasonResolutionUnavailable Reason = "resolution_unavailable"
	ReasonLedgerUnreachable     Reason = "ledger_unreachable"
	ReasonRejected              Reason = "rejected"
	ReasonAlreadyInProgress     Reason = "already_in_progress"
	ReasonUnauthorized          Reason = "unauthorized"
	ReasonCancelled             Reason = "cancelled"
)

// ReasonOf maps the synchronous refusals of Claim to their reason code.
func ReasonOf(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrNoIdentity):
		return ReasonNoIdentity
	case errors.Is(err, ErrAlreadyInProgress):
		return ReasonAlreadyInProgress
	default:
		return ReasonNone
	}
}
