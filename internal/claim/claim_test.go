package claim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/veil-vest/veil-vest/internal/queue"
)

func TestStateProperties(t *testing.T) {
	for s := StateIdle; s <= StateFailed; s++ {
		got, err := ParseState(s.String())
		if err != nil || got != s {
			t.Fatalf("ParseState(%q): %v %v", s.String(), got, err)
		}
	}
	if _, err := ParseState("proof_ready"); err == nil {
		t.Fatalf("expected error for unknown state")
	}

	cancellable := map[State]bool{StateValidating: true, StateResolving: true}
	terminal := map[State]bool{StateConfirmed: true, StateFailed: true}
	for s := StateIdle; s <= StateFailed; s++ {
		if s.Cancellable() != cancellable[s] {
			t.Fatalf("%s cancellable=%v", s, s.Cancellable())
		}
		if s.Terminal() != terminal[s] {
			t.Fatalf("%s terminal=%v", s, s.Terminal())
		}
	}
}

func TestIntentNonceV1(t *testing.T) {
	asOf := time.Unix(1720656060, 0)
	a := uuid.MustParse("5f0c2a9e-8d61-4b0e-9a57-3c1f6f2e0d11")
	b := uuid.MustParse("0b6a3d4e-1f22-4c3b-8f11-7d9e2a6c5b40")

	n1 := IntentNonceV1(sepoliaID, contract, 1, beneficiary, asOf, a)
	if n1 != IntentNonceV1(sepoliaID, contract, 1, beneficiary, asOf, a) {
		t.Fatalf("nonce not deterministic")
	}
	variants := []struct {
		name string
		got  common.Hash
	}{
		{"attempt", IntentNonceV1(sepoliaID, contract, 1, beneficiary, asOf, b)},
		{"chain", IntentNonceV1(1, contract, 1, beneficiary, asOf, a)},
		{"vesting", IntentNonceV1(sepoliaID, contract, 2, beneficiary, asOf, a)},
		{"account", IntentNonceV1(sepoliaID, contract, 1, stranger, asOf, a)},
		{"asOf", IntentNonceV1(sepoliaID, contract, 1, beneficiary, asOf.Add(time.Second), a)},
	}
	for _, v := range variants {
		if v.got == n1 {
			t.Fatalf("nonce ignores %s", v.name)
		}
	}
}

func TestMemoryJournal(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJournal()
	base := time.Date(2024, 7, 11, 0, 0, 0, 0, time.UTC)

	entries := []Transition{
		{AttemptID: "a", Seq: 1, VestingID: 1, From: StateIdle, To: StateValidating, At: base},
		{AttemptID: "a", Seq: 2, VestingID: 1, From: StateValidating, To: StateFailed, Reason: ReasonNotClaimable, At: base},
		{AttemptID: "b", Seq: 1, VestingID: 1, From: StateIdle, To: StateValidating, At: base.Add(time.Minute)},
		{AttemptID: "c", Seq: 1, VestingID: 2, From: StateIdle, To: StateValidating, At: base},
	}
	for _, e := range entries {
		if err := j.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	// Replays of the same (attempt, seq) are dropped.
	if err := j.Append(ctx, entries[0]); err != nil {
		t.Fatalf("Append replay: %v", err)
	}

	got, err := j.ListByVesting(ctx, 1, 0)
	if err != nil {
		t.Fatalf("ListByVesting: %v", err)
	}
	if len(got) != 3 || got[2].AttemptID != "b" {
		t.Fatalf("ListByVesting: %+v", got)
	}
	got, _ = j.ListByVesting(ctx, 1, 2)
	if len(got) != 2 || got[0].Seq != 2 || got[1].AttemptID != "b" {
		t.Fatalf("ListByVesting limit: %+v", got)
	}
	got, _ = j.ListByAttempt(ctx, "a")
	if len(got) != 2 || got[1].Reason != ReasonNotClaimable {
		t.Fatalf("ListByAttempt: %+v", got)
	}
}

func TestDecodeRequest(t *testing.T) {
	payload, err := EncodeRequest(7)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	req, err := DecodeRequest(payload)
	if err != nil || req.VestingID != 7 {
		t.Fatalf("DecodeRequest: %+v %v", req, err)
	}

	bad := []string{
		`not json`,
		`{"version":"claims.request.v2","vestingId":7}`,
		`{"version":"claims.request.v1","vestingId":0}`,
		`{"version":"claims.request.v1"}`,
	}
	for _, b := range bad {
		if _, err := DecodeRequest([]byte(b)); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%s: expected ErrInvalidRequest, got %v", b, err)
		}
	}
}

type fakeClaimer struct {
	mu    sync.Mutex
	calls []uint64
	err   error
}

func (c *fakeClaimer) Claim(vestingID uint64) (Attempt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, vestingID)
	if c.err != nil {
		return Attempt{}, c.err
	}
	return Attempt{ID: "attempt", VestingID: vestingID}, nil
}

type sliceConsumer struct {
	msgCh chan queue.Message
	errCh chan error
}

func newSliceConsumer(values ...string) *sliceConsumer {
	c := &sliceConsumer{msgCh: make(chan queue.Message, len(values)), errCh: make(chan error)}
	for _, v := range values {
		c.msgCh <- queue.Message{Topic: DefaultRequestsTopic, Value: []byte(v)}
	}
	close(c.msgCh)
	return c
}

func (c *sliceConsumer) Messages() <-chan queue.Message { return c.msgCh }
func (c *sliceConsumer) Errors() <-chan error           { return c.errCh }
func (c *sliceConsumer) Close() error                   { return nil }

func TestRequestWorker_ClaimsEachValidRequest(t *testing.T) {
	claimer := &fakeClaimer{err: nil}
	consumer := newSliceConsumer(
		`{"version":"claims.request.v1","vestingId":3}`,
		`garbage`,
		`{"version":"claims.request.v1","vestingId":4}`,
	)
	w, err := NewRequestWorker(consumer, claimer, nil)
	if err != nil {
		t.Fatalf("NewRequestWorker: %v", err)
	}
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(claimer.calls) != 2 || claimer.calls[0] != 3 || claimer.calls[1] != 4 {
		t.Fatalf("claims: %v", claimer.calls)
	}
}

func TestRequestWorker_RefusalsAreNotFatal(t *testing.T) {
	claimer := &fakeClaimer{err: ErrAlreadyInProgress}
	consumer := newSliceConsumer(`{"version":"claims.request.v1","vestingId":3}`)
	w, err := NewRequestWorker(consumer, claimer, nil)
	if err != nil {
		t.Fatalf("NewRequestWorker: %v", err)
	}
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(claimer.calls) != 1 {
		t.Fatalf("claims: %v", claimer.calls)
	}
	if _, err := NewRequestWorker(nil, claimer, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
