package vesting

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// GlobalStats mirrors the ledger's getGlobalStats view.
type GlobalStats struct {
	TotalVestings uint64
	TotalLocked   *big.Int
	TotalClaimed  *big.Int
	Beneficiaries uint64
}

// Reputation mirrors the ledger's getUserReputation view.
type Reputation struct {
	Account         common.Address
	Score           uint64
	CompletedClaims uint64
}

// Summary aggregates every grant an account holds.
type Summary struct {
	Vestings   int
	Active     int
	Allocation *big.Int
	Vested     *big.Int
	Claimed    *big.Int
	Claimable  *big.Int
}

func Summarize(records []Record, now time.Time) Summary {
	s := Summary{
		Allocation: new(big.Int),
		Vested:     new(big.Int),
		Claimed:    new(big.Int),
		Claimable:  new(big.Int),
	}
	for _, r := range records {
		s.Vestings++
		if r.Status == StatusActive {
			s.Active++
		}
		if r.TotalAmount != nil {
			s.Allocation.Add(s.Allocation, r.TotalAmount)
		}
		if r.ClaimedAmount != nil {
			s.Claimed.Add(s.Claimed, r.ClaimedAmount)
		}
		s.Vested.Add(s.Vested, r.VestedAt(now))
		if r.Status == StatusActive {
			s.Claimable.Add(s.Claimable, r.ClaimableAt(now))
		}
	}
	return s
}
