// Package resolver computes the confidential claimable amount of a vesting record and the evidence the
// ledger checks before releasing it.
package resolver

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/veil-vest/veil-vest/internal/vesting"
)

var (
	// ErrStaleSchedule is returned when asOf is before the record's cliff end.
	ErrStaleSchedule = errors.New("resolver: as-of predates cliff end")
	// ErrUnavailable covers an unreachable backend and failed proof generation.
	ErrUnavailable   = errors.New("resolver: resolution unavailable")
	ErrInvalidConfig = errors.New("resolver: invalid config")
)

// Resolution is the output of one resolve call.
//
// Claimable is the beneficiary's cleartext view of the amount; only Ciphertext and Proof are sent to the
// ledger. A zero Claimable carries no Ciphertext or Proof.
type Resolution struct {
	VestingID   uint64
	Beneficiary common.Address
	AsOf        time.Time

	Claimable  *big.Int
	Ciphertext []byte
	Proof      []byte
	Commitment common.Hash
}

func (r Resolution) IsZero() bool {
	return r.Claimable == nil || r.Claimable.Sign() == 0
}

// Resolver is deterministic for a fixed (record snapshot, asOf) pair, and for an Active record a later
// asOf never yields a smaller amount.
type Resolver interface {
	Resolve(ctx context.Context, record vesting.Record, asOf time.Time) (Resolution, error)
}
