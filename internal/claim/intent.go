package claim

import (
	"encoding/binary"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/veil-vest/veil-vest/internal/resolver"
)

const intentNonceDomainV1 = "VEILVEST_CLAIM_V1"

// Intent is the resolved claim an attempt carries into submission. It is dropped when the attempt
// fails; a retry resolves a fresh one.
type Intent struct {
	VestingID       uint64
	RequestedAmount *big.Int
	Ciphertext      []byte
	Proof           []byte
	Commitment      common.Hash
	AsOf            time.Time
	Nonce           common.Hash
}

func (i *Intent) clone() *Intent {
	if i == nil {
		return nil
	}
	out := *i
	if i.RequestedAmount != nil {
		out.RequestedAmount = new(big.Int).Set(i.RequestedAmount)
	}
	out.Ciphertext = append([]byte(nil), i.Ciphertext...)
	out.Proof = append([]byte(nil), i.Proof...)
	return &out
}

func newIntent(res resolver.Resolution, nonce common.Hash) *Intent {
	amt := new(big.Int)
	if res.Claimable != nil {
		amt.Set(res.Claimable)
	}
	return &Intent{
		VestingID:       res.VestingID,
		RequestedAmount: amt,
		Ciphertext:      append([]byte(nil), res.Ciphertext...),
		Proof:           append([]byte(nil), res.Proof...),
		Commitment:      res.Commitment,
		AsOf:            res.AsOf,
		Nonce:           nonce,
	}
}

// IntentNonceV1 binds a claim intent to one attempt.
//
//	nonce = keccak256("VEILVEST_CLAIM_V1" || chainIdBE32 || contract || vestingIdBE8 || account || asOfBE8 || attemptId)
//
// where attemptId is the 16 raw uuid bytes.
func IntentNonceV1(chainID uint64, contract common.Address, vestingID uint64, account common.Address, asOf time.Time, attemptID uuid.UUID) common.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(intentNonceDomainV1))

	var chain [32]byte
	new(big.Int).SetUint64(chainID).FillBytes(chain[:])
	_, _ = h.Write(chain[:])
	_, _ = h.Write(contract[:])

	var id [8]byte
	binary.BigEndian.PutUint64(id[:], vestingID)
	_, _ = h.Write(id[:])
	_, _ = h.Write(account[:])

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(asOf.Unix()))
	_, _ = h.Write(ts[:])
	_, _ = h.Write(attemptID[:])

	return common.BytesToHash(h.Sum(nil))
}
