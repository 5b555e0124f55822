package claim

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Transition is one state change of one attempt.
type Transition struct {
	AttemptID string
	Seq       uint32
	VestingID uint64
	Account   common.Address
	ChainID   uint64

	From   State
	To     State
	Reason Reason
	// Detail is the underlying cause, for example the ledger's rejection reason.
	Detail string
	TxHash common.Hash

	At time.Time
}

// Journal is the append-only audit trail of transitions.
type Journal interface {
	Append(ctx context.Context, t Transition) error
	// ListByVesting returns the newest limit transitions for a vesting, oldest first.
	ListByVesting(ctx context.Context, vestingID uint64, limit int) ([]Transition, error)
	ListByAttempt(ctx context.Context, attemptID string) ([]Transition, error)
}

type MemoryJournal struct {
	mu      sync.Mutex
	entries []Transition
}

var _ Journal = (*MemoryJournal)(nil)

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) Append(_ context.Context, t Transition) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, e := range j.entries {
		if e.AttemptID == t.AttemptID && e.Seq == t.Seq {
			return nil
		}
	}
	j.entries = append(j.entries, t)
	return nil
}

func (j *MemoryJournal) ListByVesting(_ context.Context, vestingID uint64, limit int) ([]Transition, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []Transition
	for _, e := range j.entries {
		if e.VestingID == vestingID {
			out = append(out, e)
		}
	}
	sortTransitions(out)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (j *MemoryJournal) ListByAttempt(_ context.Context, attemptID string) ([]Transition, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []Transition
	for _, e := range j.entries {
		if e.AttemptID == attemptID {
			out = append(out, e)
		}
	}
	sortTransitions(out)
	return out, nil
}

func sortTransitions(ts []Transition) {
	sort.SliceStable(ts, func(a, b int) bool {
		if !ts[a].At.Equal(ts[b].At) {
			return ts[a].At.Before(ts[b].At)
		}
		if ts[a].AttemptID != ts[b].AttemptID {
			return ts[a].AttemptID < ts[b].AttemptID
		}
		return ts[a].Seq < ts[b].Seq
	})
}
