package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/veil-vest/veil-vest/internal/vesting"
)

var (
	ErrNotFound     = errors.New("ledger: vesting not found")
	ErrUnreachable  = errors.New("ledger: unreachable")
	ErrRejected     = errors.New("ledger: rejected")
	ErrUnauthorized = errors.New("ledger: unauthorized")
	ErrInvalidArgs  = errors.New("ledger: invalid arguments")

	// Returned by a ClaimVerifier. The ledger maps them to a RejectedError.
	ErrInvalidProof = errors.New("ledger: invalid proof")
	ErrStaleProof   = errors.New("ledger: stale proof")
)

// Rejection reasons use the contract's custom error names.
const (
	ReasonVestingNotActive = "VestingNotActive"
	ReasonInvalidProof     = "InvalidProof"
	ReasonStaleProof       = "StaleProof"
	ReasonNothingToClaim   = "NothingToClaim"
	ReasonReverted         = "Reverted"
)

// RejectedError is a ledger-side validation failure. errors.Is(err, ErrRejected) holds for it.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return ErrRejected.Error()
	}
	return ErrRejected.Error() + ": " + e.Reason
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

func Rejected(reason string) error { return &RejectedError{Reason: reason} }

// RejectionReason returns the reason carried by a rejected error, or "".
func RejectionReason(err error) string {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

// Claim is the claimTokens write. Ciphertext and Proof are opaque to the client.
type Claim struct {
	VestingID  uint64
	Ciphertext []byte
	Proof      []byte
}

func (c Claim) Validate() error {
	if c.VestingID == 0 {
		return fmt.Errorf("%w: zero vesting id", ErrInvalidArgs)
	}
	if len(c.Ciphertext) == 0 || len(c.Proof) == 0 {
		return fmt.Errorf("%w: missing ciphertext or proof", ErrInvalidArgs)
	}
	return nil
}

type CreateVesting struct {
	Name            string
	Description     string
	TotalAmount     *big.Int
	VestingDuration time.Duration
	CliffDuration   time.Duration
}

// TxHandle correlates a submitted write with its transaction on the ledger.
type TxHandle struct {
	Hash        common.Hash
	Nonce       uint64
	From        common.Address
	SubmittedAt time.Time
}

type TxState uint8

const (
	TxPending TxState = iota
	TxConfirmed
	TxReverted
)

func (s TxState) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxConfirmed:
		return "confirmed"
	case TxReverted:
		return "reverted"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

type TxStatus struct {
	State         TxState
	BlockNumber   uint64
	Confirmations uint64
}

// Reader is the side-effect free query surface.
type Reader interface {
	ListVestings(ctx context.Context, account common.Address) ([]uint64, error)
	GetVesting(ctx context.Context, vestingID uint64) (vesting.Record, error)
	GlobalStats(ctx context.Context) (vesting.GlobalStats, error)
	Reputation(ctx context.Context, account common.Address) (vesting.Reputation, error)
}

// Client is typed access to the vesting ledger.
//
// Every write is one atomic transition on the ledger and is never retried by the client. A write that
// fails pre-execution validation returns a RejectedError (or ErrUnauthorized for role checks);
// transport failures return ErrUnreachable.
type Client interface {
	Reader

	SubmitClaim(ctx context.Context, c Claim) (TxHandle, error)
	Pause(ctx context.Context, vestingID uint64) (TxHandle, error)
	Resume(ctx context.Context, vestingID uint64) (TxHandle, error)
	CreateVesting(ctx context.Context, v CreateVesting) (TxHandle, error)

	TxStatus(ctx context.Context, h TxHandle) (TxStatus, error)
}

// ListRecords fetches every record an account holds, in ledger order.
func ListRecords(ctx context.Context, r Reader, account common.Address) ([]vesting.Record, error) {
	ids, err := r.ListVestings(ctx, account)
	if err != nil {
		return nil, err
	}
	out := make([]vesting.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := r.GetVesting(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("ledger: get vesting %d: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
