package vesting

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidRecord = errors.New("vesting: invalid record")

type Status uint8

const (
	StatusUnknown Status = iota
	StatusActive
	StatusPaused
	StatusCompleted
	StatusRevoked
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusRevoked:
		return "revoked"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func ParseStatus(s string) (Status, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "active":
		return StatusActive, nil
	case "paused":
		return StatusPaused, nil
	case "completed":
		return StatusCompleted, nil
	case "revoked":
		return StatusRevoked, nil
	default:
		return StatusUnknown, fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, s)
	}
}

// Record is one vesting grant as held by the ledger.
//
// VestingID, Beneficiary and the schedule fields never change after creation. ClaimedAmount only
// grows, and only through confirmed claims on the ledger.
type Record struct {
	VestingID   uint64
	Beneficiary common.Address

	Name        string
	Description string

	TotalAmount   *big.Int
	ClaimedAmount *big.Int

	StartTime       time.Time
	CliffDuration   time.Duration
	VestingDuration time.Duration
	// Tranches is the number of equal release events. Zero means DefaultTranches.
	Tranches uint32

	Status Status
}

func (r Record) Validate() error {
	if r.VestingID == 0 {
		return fmt.Errorf("%w: missing vesting id", ErrInvalidRecord)
	}
	if (r.Beneficiary == common.Address{}) {
		return fmt.Errorf("%w: missing beneficiary", ErrInvalidRecord)
	}
	if r.TotalAmount == nil || r.TotalAmount.Sign() <= 0 {
		return fmt.Errorf("%w: total amount must be > 0", ErrInvalidRecord)
	}
	if r.ClaimedAmount == nil || r.ClaimedAmount.Sign() < 0 {
		return fmt.Errorf("%w: claimed amount must be >= 0", ErrInvalidRecord)
	}
	if r.ClaimedAmount.Cmp(r.TotalAmount) > 0 {
		return fmt.Errorf("%w: claimed amount exceeds total", ErrInvalidRecord)
	}
	if r.StartTime.IsZero() {
		return fmt.Errorf("%w: missing start time", ErrInvalidRecord)
	}
	if r.VestingDuration <= 0 {
		return fmt.Errorf("%w: vesting duration must be > 0", ErrInvalidRecord)
	}
	if r.CliffDuration < 0 || r.CliffDuration > r.VestingDuration {
		return fmt.Errorf("%w: cliff must be within [0, vesting duration]", ErrInvalidRecord)
	}
	if r.Tranches > MaxTranches {
		return fmt.Errorf("%w: %d tranches exceeds %d", ErrInvalidRecord, r.Tranches, MaxTranches)
	}
	if r.Status == StatusUnknown || r.Status > StatusRevoked {
		return fmt.Errorf("%w: invalid status %d", ErrInvalidRecord, uint8(r.Status))
	}
	return nil
}

// Clone returns a deep copy; big.Int fields are never shared between copies.
func (r Record) Clone() Record {
	out := r
	out.TotalAmount = cloneInt(r.TotalAmount)
	out.ClaimedAmount = cloneInt(r.ClaimedAmount)
	return out
}

func (r Record) Remaining() *big.Int {
	if r.TotalAmount == nil {
		return new(big.Int)
	}
	out := new(big.Int).Set(r.TotalAmount)
	if r.ClaimedAmount != nil {
		out.Sub(out, r.ClaimedAmount)
	}
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
