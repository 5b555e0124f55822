package vesting

import (
	"math/big"
	"time"
)

// DefaultTranches matches the quarterly release cadence used when a record does not say otherwise.
const DefaultTranches = 4

// MaxTranches bounds the release events a record may declare; Timeline allocates one entry per tranche.
const MaxTranches = 10_000

type ReleaseState uint8

const (
	ReleaseUpcoming ReleaseState = iota
	ReleasePending
	ReleaseCompleted
)

func (s ReleaseState) String() string {
	switch s {
	case ReleaseCompleted:
		return "completed"
	case ReleasePending:
		return "pending"
	default:
		return "upcoming"
	}
}

// Release is one tranche of a schedule.
type Release struct {
	Index      uint32
	At         time.Time
	Amount     *big.Int
	Cumulative *big.Int
	State      ReleaseState
}

func (r Record) TrancheCount() uint32 {
	if r.Tranches == 0 {
		return DefaultTranches
	}
	return r.Tranches
}

func (r Record) CliffEnd() time.Time {
	return r.StartTime.Add(r.CliffDuration)
}

func (r Record) End() time.Time {
	return r.StartTime.Add(r.VestingDuration)
}

func (r Record) CliffPassed(t time.Time) bool {
	return !t.Before(r.CliffEnd())
}

// releaseAt returns the nominal time of tranche k (1-based). The last tranche lands exactly on End.
func (r Record) releaseAt(k uint32) time.Time {
	n := r.TrancheCount()
	if k >= n {
		return r.End()
	}
	interval := r.VestingDuration / time.Duration(n)
	return r.StartTime.Add(time.Duration(k) * interval)
}

// releasedAt is the number of tranches unlocked at t. Tranches falling before the cliff unlock at cliff end.
func (r Record) releasedAt(t time.Time) uint32 {
	if !r.CliffPassed(t) || t.Before(r.StartTime) {
		return 0
	}
	n := r.TrancheCount()
	if !t.Before(r.End()) {
		return n
	}
	// Tranches 1..n-1 land on start + k*interval; the last one only on End.
	interval := r.VestingDuration / time.Duration(n)
	if interval <= 0 {
		return n - 1
	}
	k := int64(t.Sub(r.StartTime) / interval)
	if k > int64(n-1) {
		k = int64(n - 1)
	}
	return uint32(k)
}

func (r Record) cumulativeAt(k uint32) *big.Int {
	if r.TotalAmount == nil || k == 0 {
		return new(big.Int)
	}
	n := r.TrancheCount()
	if k >= n {
		return new(big.Int).Set(r.TotalAmount)
	}
	out := new(big.Int).Mul(r.TotalAmount, new(big.Int).SetUint64(uint64(k)))
	return out.Div(out, new(big.Int).SetUint64(uint64(n)))
}

// VestedAt returns the cumulative unlocked amount at t. It is zero before the cliff ends and equals
// TotalAmount once the last tranche is reached; it never decreases as t grows.
func (r Record) VestedAt(t time.Time) *big.Int {
	return r.cumulativeAt(r.releasedAt(t))
}

// ClaimableAt returns vested minus already claimed, floored at zero.
func (r Record) ClaimableAt(t time.Time) *big.Int {
	out := r.VestedAt(t)
	if r.ClaimedAmount != nil {
		out.Sub(out, r.ClaimedAmount)
	}
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}

// Timeline lists every tranche with its state at now.
func (r Record) Timeline(now time.Time) []Release {
	n := r.TrancheCount()
	cliffEnd := r.CliffEnd()
	claimed := r.ClaimedAmount
	if claimed == nil {
		claimed = new(big.Int)
	}

	out := make([]Release, 0, n)
	prev := new(big.Int)
	for k := uint32(1); k <= n; k++ {
		at := r.releaseAt(k)
		if at.Before(cliffEnd) {
			at = cliffEnd
		}
		cum := r.cumulativeAt(k)
		rel := Release{
			Index:      k,
			At:         at,
			Amount:     new(big.Int).Sub(cum, prev),
			Cumulative: cum,
			State:      ReleaseUpcoming,
		}
		if !now.Before(at) {
			rel.State = ReleasePending
			if cum.Cmp(claimed) <= 0 {
				rel.State = ReleaseCompleted
			}
		}
		out = append(out, rel)
		prev = cum
	}
	return out
}

// NextRelease returns the first tranche strictly after now.
func (r Record) NextRelease(now time.Time) (Release, bool) {
	for _, rel := range r.Timeline(now) {
		if rel.At.After(now) {
			return rel, true
		}
	}
	return Release{}, false
}
