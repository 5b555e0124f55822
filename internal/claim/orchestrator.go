package claim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"github.com/veil-vest/veil-vest/internal/artifacts"
	"github.com/veil-vest/veil-vest/internal/ledger"
	"github.com/veil-vest/veil-vest/internal/resolver"
	"github.com/veil-vest/veil-vest/internal/session"
	"github.com/veil-vest/veil-vest/internal/vesting"
)

const (
	defaultPollInterval   = 2 * time.Second
	defaultMaxPollBackoff = 30 * time.Second
	defaultRecordReads    = 3
	persistTimeout        = 5 * time.Second
)

type Config struct {
	// ChainID is the network the ledger lives on. A session connected elsewhere has no usable identity.
	ChainID  uint64
	Contract common.Address

	PollInterval   time.Duration
	MaxPollBackoff time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Attempt is a snapshot of one claim attempt.
type Attempt struct {
	ID        string
	VestingID uint64
	Identity  session.Identity

	State  State
	Reason Reason
	Detail string

	// Intent is set from Resolving until the attempt fails.
	Intent *Intent
	Tx     *ledger.TxHandle
	// Record is the ledger's view of the vesting, re-read after confirmation.
	Record *vesting.Record

	Confirmations uint64
	StartedAt     time.Time
	UpdatedAt     time.Time
}

func (a Attempt) clone() Attempt {
	out := a
	out.Intent = a.Intent.clone()
	if a.Tx != nil {
		tx := *a.Tx
		out.Tx = &tx
	}
	if a.Record != nil {
		rec := a.Record.Clone()
		out.Record = &rec
	}
	return out
}

type attempt struct {
	snap Attempt
	id   uuid.UUID
	seq  uint32

	cancel context.CancelFunc
	done   chan struct{}
}

type Orchestrator struct {
	cfg Config

	session  session.Source
	ledger   ledger.Client
	resolver resolver.Resolver
	journal  Journal
	sinks    []Sink
	archive  artifacts.Archive
	metrics  *Metrics
	log      *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	attempts map[uint64]*attempt
	subs     map[int]chan Transition
	nextSub  int
}

func New(cfg Config, sess session.Source, client ledger.Client, res resolver.Resolver, journal Journal, log *slog.Logger) (*Orchestrator, error) {
	if sess == nil || client == nil || res == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("%w: ChainID must be non-zero", ErrInvalidConfig)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxPollBackoff <= 0 {
		cfg.MaxPollBackoff = defaultMaxPollBackoff
	}
	if cfg.MaxPollBackoff < cfg.PollInterval {
		return nil, fmt.Errorf("%w: MaxPollBackoff must be >= PollInterval", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if journal == nil {
		journal = NewMemoryJournal()
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:      cfg,
		session:  sess,
		ledger:   client,
		resolver: res,
		journal:  journal,
		metrics:  NewMetrics(nil),
		log:      log,
		baseCtx:  ctx,
		stop:     stop,
		attempts: make(map[uint64]*attempt),
		subs:     make(map[int]chan Transition),
	}, nil
}

// WithSinks adds notification sinks. Call before the first Claim.
func (o *Orchestrator) WithSinks(sinks ...Sink) *Orchestrator {
	for _, s := range sinks {
		if s != nil {
			o.sinks = append(o.sinks, s)
		}
	}
	return o
}

// WithArchive enables per-attempt archiving of the sealed amount and its proof.
func (o *Orchestrator) WithArchive(a artifacts.Archive) *Orchestrator {
	o.archive = a
	return o
}

func (o *Orchestrator) WithMetrics(m *Metrics) *Orchestrator {
	if m != nil {
		o.metrics = m
	}
	return o
}

func (o *Orchestrator) Journal() Journal { return o.journal }

// Claim starts an attempt for vestingID and returns without waiting for it. The only synchronous
// refusals are ErrNoIdentity and ErrAlreadyInProgress; every other outcome is observed through
// Snapshot, Wait or Subscribe.
func (o *Orchestrator) Claim(vestingID uint64) (Attempt, error) {
	if vestingID == 0 {
		return Attempt{}, fmt.Errorf("%w: zero vesting id", ErrInvalidRequest)
	}
	id, err := o.identity()
	if err != nil {
		o.metrics.refused.WithLabelValues(string(ReasonNoIdentity)).Inc()
		return Attempt{}, err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return Attempt{}, ErrClosed
	}
	if prev, ok := o.attempts[vestingID]; ok && !prev.snap.State.Terminal() {
		o.mu.Unlock()
		o.metrics.refused.WithLabelValues(string(ReasonAlreadyInProgress)).Inc()
		return Attempt{}, fmt.Errorf("%w: vesting %d attempt %s is %s", ErrAlreadyInProgress, vestingID, prev.snap.ID, prev.snap.State)
	}

	now := o.cfg.Now().UTC()
	attemptID := uuid.New()
	ctx, cancel := context.WithCancel(o.baseCtx)
	a := &attempt{
		id: attemptID,
		snap: Attempt{
			ID:        attemptID.String(),
			VestingID: vestingID,
			Identity:  id,
			State:     StateIdle,
			StartedAt: now,
			UpdatedAt: now,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	o.attempts[vestingID] = a
	first := o.moveLocked(a, StateValidating, ReasonNone, "", nil)
	snap := a.snap.clone()
	o.wg.Add(1)
	o.mu.Unlock()

	o.metrics.attemptsStarted.Inc()
	o.metrics.inflight.Inc()
	o.log.Info("claim attempt started", "vesting_id", vestingID, "attempt_id", snap.ID, "account", id.Account.Hex())

	go o.run(ctx, a, first)
	return snap, nil
}

// Cancel stops an attempt that has not reached Submitting.
func (o *Orchestrator) Cancel(vestingID uint64) error {
	o.mu.Lock()
	a, ok := o.attempts[vestingID]
	if !ok {
		o.mu.Unlock()
		return ErrUnknownAttempt
	}
	if !a.snap.State.Cancellable() {
		state := a.snap.State
		o.mu.Unlock()
		return fmt.Errorf("%w: attempt is %s", ErrNotCancellable, state)
	}
	t := o.moveLocked(a, StateFailed, ReasonCancelled, "", nil)
	a.cancel()
	o.mu.Unlock()

	o.persist(t)
	return nil
}

// Acknowledge drops a terminal attempt.
func (o *Orchestrator) Acknowledge(vestingID uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.attempts[vestingID]
	if !ok {
		return ErrUnknownAttempt
	}
	if !a.snap.State.Terminal() {
		return fmt.Errorf("%w: attempt is %s", ErrNotTerminal, a.snap.State)
	}
	delete(o.attempts, vestingID)
	return nil
}

func (o *Orchestrator) Snapshot(vestingID uint64) (Attempt, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.attempts[vestingID]
	if !ok {
		return Attempt{}, false
	}
	return a.snap.clone(), true
}

// Attempts returns every tracked attempt ordered by vesting id.
func (o *Orchestrator) Attempts() []Attempt {
	o.mu.Lock()
	out := make([]Attempt, 0, len(o.attempts))
	for _, a := range o.attempts {
		out = append(out, a.snap.clone())
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].VestingID < out[j].VestingID })
	return out
}

// Wait blocks until the attempt's worker has stopped and returns its final snapshot.
func (o *Orchestrator) Wait(ctx context.Context, vestingID uint64) (Attempt, error) {
	o.mu.Lock()
	a, ok := o.attempts[vestingID]
	o.mu.Unlock()
	if !ok {
		return Attempt{}, ErrUnknownAttempt
	}
	select {
	case <-ctx.Done():
		return Attempt{}, ctx.Err()
	case <-a.done:
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return a.snap.clone(), nil
}

// Subscribe delivers transitions as they happen. Slow subscribers miss transitions rather than block the
// orchestrator; the journal holds the complete history.
func (o *Orchestrator) Subscribe(buffer int) (<-chan Transition, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Transition, buffer)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if c, ok := o.subs[id]; ok {
				delete(o.subs, id)
				close(c)
			}
		})
	}
}

// Close stops all workers. Attempts still Confirming keep that state; their outcome is on the ledger.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.stop()
	o.wg.Wait()

	o.mu.Lock()
	for id, ch := range o.subs {
		delete(o.subs, id)
		close(ch)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) run(ctx context.Context, a *attempt, first Transition) {
	defer o.wg.Done()
	defer close(a.done)

	o.persist(first)

	rec, ok := o.validate(ctx, a)
	if !ok {
		return
	}
	if !o.advance(a, StateValidating, StateResolving, nil) {
		return
	}

	intent, ok := o.resolve(ctx, a, rec)
	if !ok {
		return
	}
	if intent.RequestedAmount.Sign() == 0 {
		o.log.Info("nothing newly vested; claim confirmed without a ledger write", "vesting_id", a.snap.VestingID, "attempt_id", a.snap.ID)
		o.advance(a, StateResolving, StateConfirmed, func(s *Attempt) {
			s.Intent = intent
			rec := rec.Clone()
			s.Record = &rec
		})
		return
	}
	if !o.advance(a, StateResolving, StateSubmitting, func(s *Attempt) { s.Intent = intent }) {
		return
	}

	// From here on nothing is cancellable and nothing depends on the session.
	h, ok := o.submit(a, intent)
	if !ok {
		return
	}
	o.archiveIntent(a, intent, h)
	if !o.advance(a, StateSubmitting, StateConfirming, func(s *Attempt) { s.Tx = &h }) {
		return
	}
	o.confirm(a, h)
}

func (o *Orchestrator) validate(ctx context.Context, a *attempt) (vesting.Record, bool) {
	vestingID := a.snap.VestingID
	if reason, detail := o.checkIdentity(a); reason != ReasonNone {
		o.fail(a, StateValidating, reason, detail)
		return vesting.Record{}, false
	}

	rec, err := o.ledger.GetVesting(ctx, vestingID)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			o.fail(a, StateValidating, ReasonCancelled, "")
		case errors.Is(err, ledger.ErrNotFound):
			o.fail(a, StateValidating, ReasonNotClaimable, "vesting not found")
		default:
			o.fail(a, StateValidating, ReasonLedgerUnreachable, err.Error())
		}
		return vesting.Record{}, false
	}

	now := o.cfg.Now()
	switch {
	case rec.Beneficiary != a.snap.Identity.Account:
		o.fail(a, StateValidating, ReasonNotClaimable, "account is not the beneficiary")
		return vesting.Record{}, false
	case rec.Status != vesting.StatusActive:
		o.fail(a, StateValidating, ReasonNotClaimable, "vesting is "+rec.Status.String())
		return vesting.Record{}, false
	case !rec.CliffPassed(now):
		o.fail(a, StateValidating, ReasonNotClaimable, "cliff ends "+rec.CliffEnd().UTC().Format(time.RFC3339))
		return vesting.Record{}, false
	}
	return rec, true
}

func (o *Orchestrator) resolve(ctx context.Context, a *attempt, rec vesting.Record) (*Intent, bool) {
	asOf := o.cfg.Now().UTC().Truncate(time.Second)
	res, err := o.resolver.Resolve(ctx, rec, asOf)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			o.fail(a, StateResolving, ReasonCancelled, "")
		case errors.Is(err, resolver.ErrStaleSchedule):
			o.fail(a, StateResolving, ReasonNotClaimable, err.Error())
		default:
			o.fail(a, StateResolving, ReasonResolutionUnavailable, err.Error())
		}
		return nil, false
	}
	if res.VestingID != rec.VestingID || res.Beneficiary != rec.Beneficiary {
		o.fail(a, StateResolving, ReasonResolutionUnavailable, "resolution does not match the record")
		return nil, false
	}
	if !res.IsZero() && (len(res.Ciphertext) == 0 || len(res.Proof) == 0) {
		o.fail(a, StateResolving, ReasonResolutionUnavailable, "resolution carries no proof")
		return nil, false
	}
	nonce := IntentNonceV1(o.cfg.ChainID, o.cfg.Contract, rec.VestingID, a.snap.Identity.Account, res.AsOf, a.id)
	return newIntent(res, nonce), true
}

func (o *Orchestrator) submit(a *attempt, intent *Intent) (ledger.TxHandle, bool) {
	h, err := o.ledger.SubmitClaim(o.baseCtx, ledger.Claim{
		VestingID:  intent.VestingID,
		Ciphertext: intent.Ciphertext,
		Proof:      intent.Proof,
	})
	if err == nil {
		o.log.Info("claim submitted", "vesting_id", a.snap.VestingID, "attempt_id", a.snap.ID, "tx_hash", h.Hash.Hex(), "nonce", h.Nonce)
		return h, true
	}
	switch {
	case errors.Is(err, ledger.ErrRejected):
		o.fail(a, StateSubmitting, ReasonRejected, ledger.RejectionReason(err))
	case errors.Is(err, ledger.ErrUnauthorized):
		o.fail(a, StateSubmitting, ReasonUnauthorized, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		o.fail(a, StateSubmitting, ReasonNotClaimable, "vesting not found")
	default:
		o.fail(a, StateSubmitting, ReasonLedgerUnreachable, err.Error())
	}
	return ledger.TxHandle{}, false
}

// confirm polls until the transaction is final. Only polling is retried; the write never is.
// Lookup errors of any kind back off; the attempt ends only on a confirmed or reverted receipt or on Close.
func (o *Orchestrator) confirm(a *attempt, h ledger.TxHandle) {
	ctx := o.baseCtx
	backoff := o.cfg.PollInterval
	for {
		st, err := o.ledger.TxStatus(ctx, h)
		var wait time.Duration
		switch {
		case err == nil:
			switch st.State {
			case ledger.TxConfirmed:
				o.confirmed(a, st)
				return
			case ledger.TxReverted:
				o.fail(a, StateConfirming, ReasonRejected, ledger.ReasonReverted)
				return
			}
			o.mu.Lock()
			a.snap.Confirmations = st.Confirmations
			o.mu.Unlock()
			backoff = o.cfg.PollInterval
			wait = o.cfg.PollInterval
		case ctx.Err() != nil:
			o.log.Warn("orchestrator stopped while confirming", "vesting_id", a.snap.VestingID, "attempt_id", a.snap.ID, "tx_hash", h.Hash.Hex())
			return
		default:
			o.metrics.pollRetries.Inc()
			o.log.Warn("tx status lookup failed while confirming; backing off", "vesting_id", a.snap.VestingID, "tx_hash", h.Hash.Hex(), "backoff", backoff, "unreachable", errors.Is(err, ledger.ErrUnreachable), "err", err)
			wait = backoff
			backoff *= 2
			if backoff > o.cfg.MaxPollBackoff {
				backoff = o.cfg.MaxPollBackoff
			}
		}
		if err := o.cfg.Sleep(ctx, wait); err != nil {
			o.log.Warn("orchestrator stopped while confirming", "vesting_id", a.snap.VestingID, "attempt_id", a.snap.ID, "tx_hash", h.Hash.Hex())
			return
		}
	}
}

func (o *Orchestrator) confirmed(a *attempt, st ledger.TxStatus) {
	var rec *vesting.Record
	for i := 0; i < defaultRecordReads; i++ {
		r, err := o.ledger.GetVesting(o.baseCtx, a.snap.VestingID)
		if err == nil {
			rec = &r
			break
		}
		o.log.Warn("re-read vesting after confirmation", "vesting_id", a.snap.VestingID, "attempt", i+1, "err", err)
		if o.cfg.Sleep(o.baseCtx, o.cfg.PollInterval) != nil {
			break
		}
	}
	o.advance(a, StateConfirming, StateConfirmed, func(s *Attempt) {
		s.Confirmations = st.Confirmations
		s.Record = rec
	})
}

func (o *Orchestrator) archiveIntent(a *attempt, intent *Intent, h ledger.TxHandle) {
	if o.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := o.archive.Save(ctx, artifacts.Artifact{
		VestingID:   intent.VestingID,
		AttemptID:   a.snap.ID,
		Beneficiary: a.snap.Identity.Account.Hex(),
		AsOf:        intent.AsOf.Unix(),
		Ciphertext:  hexutil.Encode(intent.Ciphertext),
		Proof:       hexutil.Encode(intent.Proof),
		Commitment:  intent.Commitment.Hex(),
		IntentNonce: intent.Nonce.Hex(),
		TxHash:      h.Hash.Hex(),
		CreatedAt:   o.cfg.Now().UTC(),
	})
	if err != nil {
		o.log.Warn("archive claim artifact", "vesting_id", intent.VestingID, "attempt_id", a.snap.ID, "err", err)
	}
}

func (o *Orchestrator) identity() (session.Identity, error) {
	id, ok := o.session.Current()
	if !ok {
		return session.Identity{}, ErrNoIdentity
	}
	if err := id.Validate(); err != nil {
		return session.Identity{}, fmt.Errorf("%w: %v", ErrNoIdentity, err)
	}
	if id.ChainID != o.cfg.ChainID {
		return session.Identity{}, fmt.Errorf("%w: connected to chain %d, ledger is on %d", ErrNoIdentity, id.ChainID, o.cfg.ChainID)
	}
	return id, nil
}

func (o *Orchestrator) checkIdentity(a *attempt) (Reason, string) {
	id, err := o.identity()
	if err != nil {
		return ReasonNoIdentity, err.Error()
	}
	if id != a.snap.Identity {
		return ReasonNoIdentity, "identity changed during attempt"
	}
	return ReasonNone, ""
}

// advance moves a pre-terminal attempt forward. Moves out of Validating and Resolving re-check the
// identity first and fail the attempt if it is gone or changed.
func (o *Orchestrator) advance(a *attempt, from, to State, mut func(*Attempt)) bool {
	if from == StateValidating || from == StateResolving {
		if reason, detail := o.checkIdentity(a); reason != ReasonNone {
			o.fail(a, from, reason, detail)
			return false
		}
	}
	o.mu.Lock()
	if a.snap.State != from {
		o.mu.Unlock()
		return false
	}
	t := o.moveLocked(a, to, ReasonNone, "", mut)
	o.mu.Unlock()

	o.persist(t)
	return true
}

func (o *Orchestrator) fail(a *attempt, from State, reason Reason, detail string) {
	o.mu.Lock()
	if a.snap.State != from {
		o.mu.Unlock()
		return
	}
	t := o.moveLocked(a, StateFailed, reason, detail, nil)
	o.mu.Unlock()

	o.log.Warn("claim attempt failed", "vesting_id", t.VestingID, "attempt_id", t.AttemptID, "from", from.String(), "reason", string(reason), "detail", detail)
	o.persist(t)
}

func (o *Orchestrator) moveLocked(a *attempt, to State, reason Reason, detail string, mut func(*Attempt)) Transition {
	now := o.cfg.Now().UTC()
	from := a.snap.State
	a.seq++
	a.snap.State = to
	a.snap.Reason = reason
	a.snap.Detail = detail
	a.snap.UpdatedAt = now
	if mut != nil {
		mut(&a.snap)
	}
	if to == StateFailed {
		a.snap.Intent = nil
	}

	t := Transition{
		AttemptID: a.snap.ID,
		Seq:       a.seq,
		VestingID: a.snap.VestingID,
		Account:   a.snap.Identity.Account,
		ChainID:   a.snap.Identity.ChainID,
		From:      from,
		To:        to,
		Reason:    reason,
		Detail:    detail,
		At:        now,
	}
	if a.snap.Tx != nil {
		t.TxHash = a.snap.Tx.Hash
	}

	o.metrics.transitions.WithLabelValues(to.String()).Inc()
	if to.Terminal() {
		o.metrics.inflight.Dec()
		o.metrics.duration.WithLabelValues(to.String()).Observe(now.Sub(a.snap.StartedAt).Seconds())
		if to == StateFailed {
			o.metrics.failures.WithLabelValues(string(reason)).Inc()
		}
	}

	for _, ch := range o.subs {
		select {
		case ch <- t:
		default:
		}
	}
	return t
}

// persist journals and publishes a transition outside the state lock.
func (o *Orchestrator) persist(t Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := o.journal.Append(ctx, t); err != nil {
		o.log.Error("journal claim transition", "vesting_id", t.VestingID, "attempt_id", t.AttemptID, "seq", t.Seq, "err", err)
	}
	for _, s := range o.sinks {
		if err := s.Publish(ctx, t); err != nil {
			o.log.Error("publish claim transition", "vesting_id", t.VestingID, "attempt_id", t.AttemptID, "seq", t.Seq, "err", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
