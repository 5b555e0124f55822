package resolver

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/veil-vest/veil-vest/internal/ledger"
	"github.com/veil-vest/veil-vest/internal/vesting"
)

const quarter = 90 * 24 * time.Hour

var (
	testStart   = time.Date(2023, 10, 15, 0, 0, 0, 0, time.UTC)
	beneficiary = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	contract    = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
)

func quarterly(claimed int64) vesting.Record {
	return vesting.Record{
		VestingID:       1,
		Beneficiary:     beneficiary,
		Name:            "Team Allocation",
		TotalAmount:     big.NewInt(400_000),
		ClaimedAmount:   big.NewInt(claimed),
		StartTime:       testStart,
		CliffDuration:   quarter,
		VestingDuration: 4 * quarter,
		Status:          vesting.StatusActive,
	}
}

func newSealed(t *testing.T) *Sealed {
	t.Helper()
	key, err := crypto.HexToECDSA("8f2a55949038a9610f50fb23b5883af3b4ecb3c3bb792cbcefbd1542c692be63")
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}
	s, err := NewSealed(SealedConfig{
		ChainID:       big.NewInt(11155111),
		Contract:      contract,
		Attester:      key,
		SealingSecret: bytes.Repeat([]byte{0x42}, 32),
	})
	if err != nil {
		t.Fatalf("NewSealed: %v", err)
	}
	return s
}

func TestSealed_ResolveScenario(t *testing.T) {
	s := newSealed(t)
	rec := quarterly(200_000)

	res, err := s.Resolve(context.Background(), rec, testStart.Add(3*quarter))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Claimable.Int64() != 100_000 {
		t.Fatalf("claimable: got %s want 100000", res.Claimable)
	}
	if len(res.Ciphertext) == 0 || len(res.Proof) != proofLen || res.Commitment == (common.Hash{}) {
		t.Fatalf("missing evidence: %+v", res)
	}
	if bytes.Contains(res.Ciphertext, common.LeftPadBytes(big.NewInt(100_000).Bytes(), 32)) {
		t.Fatalf("ciphertext contains cleartext amount")
	}

	amount, err := s.Open(rec.VestingID, rec.Beneficiary, res.Ciphertext)
	if err != nil || amount.Int64() != 100_000 {
		t.Fatalf("Open: %v %v", amount, err)
	}
}

func TestSealed_Deterministic(t *testing.T) {
	s := newSealed(t)
	rec := quarterly(100_000)
	asOf := testStart.Add(2*quarter + time.Hour + 300*time.Millisecond)

	a, err := s.Resolve(context.Background(), rec, asOf)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	b, err := s.Resolve(context.Background(), rec.Clone(), asOf)
	if err != nil {
		t.Fatalf("Resolve #2: %v", err)
	}
	if !bytes.Equal(a.Ciphertext, b.Ciphertext) || !bytes.Equal(a.Proof, b.Proof) || a.Commitment != b.Commitment {
		t.Fatalf("resolution differs for the same snapshot")
	}
	if a.Claimable.Cmp(b.Claimable) != 0 {
		t.Fatalf("amount differs")
	}
}

func TestSealed_MonotonicInAsOf(t *testing.T) {
	s := newSealed(t)
	rec := quarterly(0)

	prev := big.NewInt(0)
	for at := rec.CliffEnd(); !at.After(rec.End().Add(quarter)); at = at.Add(17 * 24 * time.Hour) {
		res, err := s.Resolve(context.Background(), rec, at)
		if err != nil {
			t.Fatalf("Resolve(%s): %v", at, err)
		}
		if res.Claimable.Cmp(prev) < 0 {
			t.Fatalf("claimable decreased at %s: %s < %s", at, res.Claimable, prev)
		}
		prev = res.Claimable
	}
	if prev.Int64() != 400_000 {
		t.Fatalf("final claimable: %s", prev)
	}
}

func TestSealed_StaleScheduleBeforeCliff(t *testing.T) {
	s := newSealed(t)
	rec := quarterly(0)
	if _, err := s.Resolve(context.Background(), rec, rec.CliffEnd().Add(-time.Second)); !errors.Is(err, ErrStaleSchedule) {
		t.Fatalf("got %v want ErrStaleSchedule", err)
	}
}

func TestSealed_ZeroAmountCarriesNoEvidence(t *testing.T) {
	s := newSealed(t)
	rec := quarterly(100_000)
	res, err := s.Resolve(context.Background(), rec, testStart.Add(quarter+time.Hour))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.IsZero() || res.Ciphertext != nil || res.Proof != nil {
		t.Fatalf("expected empty resolution, got %+v", res)
	}
}

func TestSealed_VerifyClaim(t *testing.T) {
	s := newSealed(t)
	rec := quarterly(200_000)
	asOf := testStart.Add(3 * quarter)
	res, err := s.Resolve(context.Background(), rec, asOf)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	vc, err := s.VerifyClaim(rec, res.Ciphertext, res.Proof)
	if err != nil {
		t.Fatalf("VerifyClaim: %v", err)
	}
	if vc.Amount.Int64() != 100_000 || !vc.AsOf.Equal(asOf) {
		t.Fatalf("verified: %+v", vc)
	}

	advanced := quarterly(300_000)
	if _, err := s.VerifyClaim(advanced, res.Ciphertext, res.Proof); !errors.Is(err, ledger.ErrStaleProof) {
		t.Fatalf("after claim: got %v want ErrStaleProof", err)
	}

	tampered := append([]byte(nil), res.Ciphertext...)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := s.VerifyClaim(rec, tampered, res.Proof); !errors.Is(err, ledger.ErrInvalidProof) {
		t.Fatalf("tampered ciphertext: got %v", err)
	}

	other := rec.Clone()
	other.VestingID = 2
	if _, err := s.VerifyClaim(other, res.Ciphertext, res.Proof); !errors.Is(err, ledger.ErrInvalidProof) {
		t.Fatalf("other vesting: got %v", err)
	}

	forged := newSealedWithKey(t, "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	fres, _ := forged.Resolve(context.Background(), rec, asOf)
	if _, err := s.VerifyClaim(rec, fres.Ciphertext, fres.Proof); !errors.Is(err, ledger.ErrInvalidProof) {
		t.Fatalf("foreign attester: got %v", err)
	}

	if _, err := s.VerifyClaim(rec, res.Ciphertext, res.Proof[:10]); !errors.Is(err, ledger.ErrInvalidProof) {
		t.Fatalf("short proof: got %v", err)
	}
}

func newSealedWithKey(t *testing.T, hexKey string) *Sealed {
	t.Helper()
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}
	s, err := NewSealed(SealedConfig{
		ChainID:       big.NewInt(11155111),
		Contract:      contract,
		Attester:      key,
		SealingSecret: bytes.Repeat([]byte{0x42}, 32),
	})
	if err != nil {
		t.Fatalf("NewSealed: %v", err)
	}
	return s
}

func TestSealed_LedgerRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newSealed(t)
	now := testStart.Add(3*quarter + time.Minute)
	m := ledger.NewMemory(ledger.MemoryConfig{Now: func() time.Time { return now }, Verifier: s})
	rec := quarterly(200_000)
	if _, err := m.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	res, err := s.Resolve(ctx, rec, now)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	c := m.As(beneficiary)
	h, err := c.SubmitClaim(ctx, ledger.Claim{VestingID: rec.VestingID, Ciphertext: res.Ciphertext, Proof: res.Proof})
	if err != nil {
		t.Fatalf("SubmitClaim: %v", err)
	}
	if st, err := c.TxStatus(ctx, h); err != nil || st.State != ledger.TxConfirmed {
		t.Fatalf("TxStatus: %+v %v", st, err)
	}
	got, _ := m.GetVesting(ctx, rec.VestingID)
	if got.ClaimedAmount.Int64() != 300_000 {
		t.Fatalf("claimed: %s", got.ClaimedAmount)
	}
	if !got.ClaimedAmount.IsInt64() || got.ClaimedAmount.Cmp(got.TotalAmount) > 0 {
		t.Fatalf("claimed exceeds total")
	}
}

func TestNewSealed_Validation(t *testing.T) {
	key, _ := crypto.GenerateKey()
	cases := []SealedConfig{
		{Contract: contract, Attester: key, SealingSecret: make([]byte, 32)},
		{ChainID: big.NewInt(1), Attester: key, SealingSecret: make([]byte, 32)},
		{ChainID: big.NewInt(1), Contract: contract, SealingSecret: make([]byte, 32)},
		{ChainID: big.NewInt(1), Contract: contract, Attester: key, SealingSecret: make([]byte, 16)},
	}
	for i, cfg := range cases {
		if _, err := NewSealed(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("case %d: got %v", i, err)
		}
	}
}
