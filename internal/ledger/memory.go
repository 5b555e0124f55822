package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/veil-vest/veil-vest/internal/vesting"
)

const (
	reputationPerClaim      = 10
	reputationPerCompletion = 50
)

// VerifiedClaim is what a ClaimVerifier learns from a valid claim.
type VerifiedClaim struct {
	Amount *big.Int
	AsOf   time.Time
}

// ClaimVerifier checks a claim's proof against the current record and opens the amount.
// It returns ErrStaleProof when the proof was built for an older record snapshot.
type ClaimVerifier interface {
	VerifyClaim(record vesting.Record, ciphertext, proof []byte) (VerifiedClaim, error)
}

type MemoryConfig struct {
	Now      func() time.Time
	Verifier ClaimVerifier
	Admins   []common.Address

	// ConfirmAfter is the number of TxStatus polls before a pending transaction is mined. Default 1.
	ConfirmAfter int
	// Tranches applies to vestings created through CreateVesting. Zero means vesting.DefaultTranches.
	Tranches uint32
}

// Memory is an in-process ledger with the contract's semantics: records keyed by id, a per-account
// index, an admin role set and pending transactions that apply when mined.
//
// Checks run twice, once before a write is accepted and again when it is mined, so a write that was
// valid at submission can still revert.
type Memory struct {
	mu sync.Mutex

	now          func() time.Time
	verifier     ClaimVerifier
	admins       map[common.Address]bool
	confirmAfter int
	tranches     uint32

	records    map[uint64]vesting.Record
	byAccount  map[common.Address][]uint64
	reputation map[common.Address]vesting.Reputation
	nextID     uint64

	nonces map[common.Address]uint64
	txs    map[common.Hash]*memTx
	head   uint64
}

type memTx struct {
	polls int
	state TxState
	block uint64
	apply func() error

	created uint64
}

func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ConfirmAfter <= 0 {
		cfg.ConfirmAfter = 1
	}
	m := &Memory{
		now:          cfg.Now,
		verifier:     cfg.Verifier,
		admins:       make(map[common.Address]bool),
		confirmAfter: cfg.ConfirmAfter,
		tranches:     cfg.Tranches,
		records:      make(map[uint64]vesting.Record),
		byAccount:    make(map[common.Address][]uint64),
		reputation:   make(map[common.Address]vesting.Reputation),
		nonces:       make(map[common.Address]uint64),
		txs:          make(map[common.Hash]*memTx),
	}
	for _, a := range cfg.Admins {
		m.admins[a] = true
	}
	return m
}

// Put stores a record directly, bypassing the write path. A zero VestingID is assigned the next id.
func (m *Memory) Put(r vesting.Record) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.VestingID == 0 {
		r.VestingID = m.nextID + 1
	}
	if err := r.Validate(); err != nil {
		return 0, err
	}
	if _, ok := m.records[r.VestingID]; ok {
		return 0, fmt.Errorf("%w: vesting %d exists", ErrInvalidArgs, r.VestingID)
	}
	m.insertLocked(r.Clone())
	return r.VestingID, nil
}

func (m *Memory) insertLocked(r vesting.Record) {
	m.records[r.VestingID] = r
	ids := append(m.byAccount[r.Beneficiary], r.VestingID)
	slices.Sort(ids)
	m.byAccount[r.Beneficiary] = ids
	if r.VestingID > m.nextID {
		m.nextID = r.VestingID
	}
}

// As returns a client that sends writes from the given account.
func (m *Memory) As(from common.Address) *MemoryClient {
	return &MemoryClient{Memory: m, from: from}
}

func (m *Memory) ListVestings(ctx context.Context, account common.Address) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.byAccount[account]), nil
}

func (m *Memory) GetVesting(ctx context.Context, vestingID uint64) (vesting.Record, error) {
	if err := ctx.Err(); err != nil {
		return vesting.Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[vestingID]
	if !ok {
		return vesting.Record{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *Memory) GlobalStats(ctx context.Context) (vesting.GlobalStats, error) {
	if err := ctx.Err(); err != nil {
		return vesting.GlobalStats{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := vesting.GlobalStats{
		TotalVestings: uint64(len(m.records)),
		TotalLocked:   new(big.Int),
		TotalClaimed:  new(big.Int),
		Beneficiaries: uint64(len(m.byAccount)),
	}
	for _, r := range m.records {
		out.TotalClaimed.Add(out.TotalClaimed, r.ClaimedAmount)
		if r.Status != vesting.StatusRevoked {
			out.TotalLocked.Add(out.TotalLocked, r.Remaining())
		}
	}
	return out, nil
}

func (m *Memory) Reputation(ctx context.Context, account common.Address) (vesting.Reputation, error) {
	if err := ctx.Err(); err != nil {
		return vesting.Reputation{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rep := m.reputation[account]
	rep.Account = account
	return rep, nil
}

// MemoryClient is a Client bound to one sending account.
type MemoryClient struct {
	*Memory
	from common.Address
}

var _ Client = (*MemoryClient)(nil)

func (c *MemoryClient) From() common.Address { return c.from }

func (c *MemoryClient) SubmitClaim(ctx context.Context, cl Claim) (TxHandle, error) {
	if err := ctx.Err(); err != nil {
		return TxHandle{}, err
	}
	if err := cl.Validate(); err != nil {
		return TxHandle{}, err
	}
	cl.Ciphertext = slices.Clone(cl.Ciphertext)
	cl.Proof = slices.Clone(cl.Proof)

	m := c.Memory
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.checkClaimLocked(c.from, cl); err != nil {
		return TxHandle{}, err
	}
	return m.enqueueLocked(c.from, &memTx{apply: func() error {
		amount, err := m.checkClaimLocked(c.from, cl)
		if err != nil {
			return err
		}
		r := m.records[cl.VestingID]
		r.ClaimedAmount = new(big.Int).Add(r.ClaimedAmount, amount)
		rep := m.reputation[r.Beneficiary]
		rep.CompletedClaims++
		rep.Score += reputationPerClaim
		if r.ClaimedAmount.Cmp(r.TotalAmount) == 0 {
			r.Status = vesting.StatusCompleted
			rep.Score += reputationPerCompletion
		}
		m.records[cl.VestingID] = r
		m.reputation[r.Beneficiary] = rep
		return nil
	}}), nil
}

func (m *Memory) checkClaimLocked(from common.Address, cl Claim) (*big.Int, error) {
	r, ok := m.records[cl.VestingID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Beneficiary != from {
		return nil, ErrUnauthorized
	}
	if r.Status != vesting.StatusActive {
		return nil, Rejected(ReasonVestingNotActive)
	}
	if m.verifier == nil {
		return nil, Rejected(ReasonInvalidProof)
	}
	vc, err := m.verifier.VerifyClaim(r.Clone(), cl.Ciphertext, cl.Proof)
	if err != nil {
		if errors.Is(err, ErrStaleProof) {
			return nil, Rejected(ReasonStaleProof)
		}
		return nil, Rejected(ReasonInvalidProof)
	}
	if vc.Amount == nil || vc.AsOf.After(m.now()) || !r.CliffPassed(vc.AsOf) {
		return nil, Rejected(ReasonInvalidProof)
	}
	if vc.Amount.Sign() <= 0 {
		return nil, Rejected(ReasonNothingToClaim)
	}
	if vc.Amount.Cmp(r.ClaimableAt(vc.AsOf)) > 0 {
		return nil, Rejected(ReasonInvalidProof)
	}
	return vc.Amount, nil
}

func (c *MemoryClient) Pause(ctx context.Context, vestingID uint64) (TxHandle, error) {
	return c.setStatus(ctx, vestingID, vesting.StatusActive, vesting.StatusPaused)
}

func (c *MemoryClient) Resume(ctx context.Context, vestingID uint64) (TxHandle, error) {
	return c.setStatus(ctx, vestingID, vesting.StatusPaused, vesting.StatusActive)
}

func (c *MemoryClient) setStatus(ctx context.Context, vestingID uint64, from, to vesting.Status) (TxHandle, error) {
	if err := ctx.Err(); err != nil {
		return TxHandle{}, err
	}
	m := c.Memory
	m.mu.Lock()
	defer m.mu.Unlock()

	check := func() error {
		if !m.admins[c.from] {
			return ErrUnauthorized
		}
		r, ok := m.records[vestingID]
		if !ok {
			return ErrNotFound
		}
		if r.Status != from {
			if from == vesting.StatusActive {
				return Rejected(ReasonVestingNotActive)
			}
			return Rejected("vesting not paused")
		}
		return nil
	}
	if err := check(); err != nil {
		return TxHandle{}, err
	}
	return m.enqueueLocked(c.from, &memTx{apply: func() error {
		if err := check(); err != nil {
			return err
		}
		r := m.records[vestingID]
		r.Status = to
		m.records[vestingID] = r
		return nil
	}}), nil
}

func (c *MemoryClient) CreateVesting(ctx context.Context, v CreateVesting) (TxHandle, error) {
	if err := ctx.Err(); err != nil {
		return TxHandle{}, err
	}
	if v.Name == "" || v.TotalAmount == nil || v.TotalAmount.Sign() <= 0 {
		return TxHandle{}, fmt.Errorf("%w: name and positive total amount required", ErrInvalidArgs)
	}
	if v.VestingDuration <= 0 || v.CliffDuration < 0 || v.CliffDuration > v.VestingDuration {
		return TxHandle{}, fmt.Errorf("%w: invalid durations", ErrInvalidArgs)
	}
	total := new(big.Int).Set(v.TotalAmount)

	m := c.Memory
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{}
	tx.apply = func() error {
		r := vesting.Record{
			VestingID:       m.nextID + 1,
			Beneficiary:     c.from,
			Name:            v.Name,
			Description:     v.Description,
			TotalAmount:     total,
			ClaimedAmount:   new(big.Int),
			StartTime:       m.now().UTC().Truncate(time.Second),
			CliffDuration:   v.CliffDuration,
			VestingDuration: v.VestingDuration,
			Tranches:        m.tranches,
			Status:          vesting.StatusActive,
		}
		if err := r.Validate(); err != nil {
			return err
		}
		m.insertLocked(r)
		tx.created = r.VestingID
		return nil
	}
	return m.enqueueLocked(c.from, tx), nil
}

// CreatedVesting returns the id assigned by a confirmed CreateVesting transaction.
func (c *MemoryClient) CreatedVesting(ctx context.Context, h TxHandle) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m := c.Memory
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[h.Hash]
	if !ok || tx.state != TxConfirmed || tx.created == 0 {
		return 0, fmt.Errorf("%w: no confirmed vesting creation for %s", ErrInvalidArgs, h.Hash)
	}
	return tx.created, nil
}

// TxStatus advances the ledger by one block per call and mines the transaction once it has been
// polled ConfirmAfter times.
func (c *MemoryClient) TxStatus(ctx context.Context, h TxHandle) (TxStatus, error) {
	if err := ctx.Err(); err != nil {
		return TxStatus{}, err
	}
	m := c.Memory
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[h.Hash]
	if !ok {
		return TxStatus{}, fmt.Errorf("%w: unknown transaction %s", ErrInvalidArgs, h.Hash)
	}
	m.head++
	if tx.state == TxPending {
		tx.polls++
		if tx.polls >= m.confirmAfter {
			tx.block = m.head
			if err := tx.apply(); err != nil {
				tx.state = TxReverted
			} else {
				tx.state = TxConfirmed
			}
		}
	}
	if tx.state == TxPending {
		return TxStatus{State: TxPending}, nil
	}
	return TxStatus{State: tx.state, BlockNumber: tx.block, Confirmations: m.head - tx.block + 1}, nil
}

func (m *Memory) enqueueLocked(from common.Address, tx *memTx) TxHandle {
	nonce := m.nonces[from]
	m.nonces[from] = nonce + 1

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	h := crypto.Keccak256Hash(from.Bytes(), buf[:])
	m.txs[h] = tx

	return TxHandle{Hash: h, Nonce: nonce, From: from, SubmittedAt: m.now()}
}
