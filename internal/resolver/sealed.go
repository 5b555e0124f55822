package resolver

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/veil-vest/veil-vest/internal/ledger"
	"github.com/veil-vest/veil-vest/internal/vesting"
	"golang.org/x/crypto/hkdf"
)

const (
	proofVersion = 0x01
	// version(1) || asOf(8) || claimedSnapshot(32) || signature(65)
	proofLen = 1 + 8 + 32 + crypto.SignatureLength

	gcmNonceLen = 12
)

var (
	commitmentDomain = []byte("VEILVEST_RESOLUTION_V1")
	snapshotDomain   = []byte("VEILVEST_SNAPSHOT_V1")
	keyInfoPrefix    = []byte("veilvest/amount/v1")
)

type SealedConfig struct {
	ChainID  *big.Int
	Contract common.Address

	// Attester signs every commitment. The ledger trusts its address.
	Attester *ecdsa.PrivateKey
	// SealingSecret is the master secret amount keys are derived from. At least 32 bytes.
	SealingSecret []byte
}

// Sealed is an in-process resolver. The amount is sealed with AES-256-GCM under a key derived per
// beneficiary, and the commitment binding it to the record snapshot is signed by an attester key.
//
// Every input to the ciphertext, including the GCM nonce, is a function of (snapshot, asOf), so
// repeated calls return identical bytes.
type Sealed struct {
	cfg      SealedConfig
	attester common.Address
}

var (
	_ Resolver             = (*Sealed)(nil)
	_ ledger.ClaimVerifier = (*Sealed)(nil)
)

func NewSealed(cfg SealedConfig) (*Sealed, error) {
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id must be > 0", ErrInvalidConfig)
	}
	if cfg.Contract == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing contract", ErrInvalidConfig)
	}
	if cfg.Attester == nil {
		return nil, fmt.Errorf("%w: missing attester key", ErrInvalidConfig)
	}
	if len(cfg.SealingSecret) < 32 {
		return nil, fmt.Errorf("%w: sealing secret must be at least 32 bytes", ErrInvalidConfig)
	}
	cfg.SealingSecret = append([]byte(nil), cfg.SealingSecret...)
	return &Sealed{cfg: cfg, attester: crypto.PubkeyToAddress(cfg.Attester.PublicKey)}, nil
}

func (s *Sealed) Attester() common.Address { return s.attester }

func (s *Sealed) Resolve(ctx context.Context, record vesting.Record, asOf time.Time) (Resolution, error) {
	if err := ctx.Err(); err != nil {
		return Resolution{}, err
	}
	if err := record.Validate(); err != nil {
		return Resolution{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// The proof carries whole seconds.
	asOf = asOf.UTC().Truncate(time.Second)
	if !record.CliffPassed(asOf) {
		return Resolution{}, ErrStaleSchedule
	}

	out := Resolution{
		VestingID:   record.VestingID,
		Beneficiary: record.Beneficiary,
		AsOf:        asOf,
		Claimable:   record.ClaimableAt(asOf),
	}
	if out.IsZero() {
		return out, nil
	}

	aead, err := s.aead(record.Beneficiary)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	nonce := snapshotHash(record, asOf).Bytes()[:gcmNonceLen]
	plain := common.LeftPadBytes(out.Claimable.Bytes(), 32)
	ct := aead.Seal(append([]byte(nil), nonce...), nonce, plain, aad(record.VestingID, record.Beneficiary))

	commitment := s.commitment(record.VestingID, record.Beneficiary, record.ClaimedAmount, asOf, ct)
	sig, err := crypto.Sign(commitment.Bytes(), s.cfg.Attester)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: sign commitment: %v", ErrUnavailable, err)
	}

	proof := make([]byte, 0, proofLen)
	proof = append(proof, proofVersion)
	proof = binary.BigEndian.AppendUint64(proof, uint64(asOf.Unix()))
	proof = append(proof, common.LeftPadBytes(record.ClaimedAmount.Bytes(), 32)...)
	proof = append(proof, sig...)

	out.Ciphertext = ct
	out.Proof = proof
	out.Commitment = commitment
	return out, nil
}

// VerifyClaim checks the attester signature against the record and opens the sealed amount. A proof
// built for a different ClaimedAmount than the record's current one is stale.
func (s *Sealed) VerifyClaim(record vesting.Record, ciphertext, proof []byte) (ledger.VerifiedClaim, error) {
	if len(proof) != proofLen || proof[0] != proofVersion {
		return ledger.VerifiedClaim{}, ledger.ErrInvalidProof
	}
	asOfUnix := binary.BigEndian.Uint64(proof[1:9])
	if asOfUnix > uint64(1<<62) {
		return ledger.VerifiedClaim{}, ledger.ErrInvalidProof
	}
	asOf := time.Unix(int64(asOfUnix), 0).UTC()
	claimed := new(big.Int).SetBytes(proof[9:41])
	sig := proof[41:]

	commitment := s.commitment(record.VestingID, record.Beneficiary, claimed, asOf, ciphertext)
	pub, err := crypto.SigToPub(commitment.Bytes(), sig)
	if err != nil || crypto.PubkeyToAddress(*pub) != s.attester {
		return ledger.VerifiedClaim{}, ledger.ErrInvalidProof
	}
	if record.ClaimedAmount == nil || claimed.Cmp(record.ClaimedAmount) != 0 {
		return ledger.VerifiedClaim{}, ledger.ErrStaleProof
	}

	if len(ciphertext) < gcmNonceLen {
		return ledger.VerifiedClaim{}, ledger.ErrInvalidProof
	}
	aead, err := s.aead(record.Beneficiary)
	if err != nil {
		return ledger.VerifiedClaim{}, ledger.ErrInvalidProof
	}
	plain, err := aead.Open(nil, ciphertext[:gcmNonceLen], ciphertext[gcmNonceLen:], aad(record.VestingID, record.Beneficiary))
	if err != nil {
		return ledger.VerifiedClaim{}, ledger.ErrInvalidProof
	}
	return ledger.VerifiedClaim{Amount: new(big.Int).SetBytes(plain), AsOf: asOf}, nil
}

// Open returns the cleartext amount of a ciphertext sealed for beneficiary.
func (s *Sealed) Open(vestingID uint64, beneficiary common.Address, ciphertext []byte) (*big.Int, error) {
	if len(ciphertext) < gcmNonceLen {
		return nil, fmt.Errorf("%w: short ciphertext", ErrInvalidConfig)
	}
	aead, err := s.aead(beneficiary)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, ciphertext[:gcmNonceLen], ciphertext[gcmNonceLen:], aad(vestingID, beneficiary))
	if err != nil {
		return nil, fmt.Errorf("resolver: open ciphertext: %w", err)
	}
	return new(big.Int).SetBytes(plain), nil
}

func (s *Sealed) aead(beneficiary common.Address) (cipher.AEAD, error) {
	salt := append(s.cfg.Contract.Bytes(), common.LeftPadBytes(s.cfg.ChainID.Bytes(), 32)...)
	info := append(append([]byte(nil), keyInfoPrefix...), beneficiary.Bytes()...)

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.cfg.SealingSecret, salt, info), key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (s *Sealed) commitment(vestingID uint64, beneficiary common.Address, claimed *big.Int, asOf time.Time, ciphertext []byte) common.Hash {
	var id, ts [8]byte
	binary.BigEndian.PutUint64(id[:], vestingID)
	binary.BigEndian.PutUint64(ts[:], uint64(asOf.Unix()))
	claimedBytes := []byte(nil)
	if claimed != nil {
		claimedBytes = claimed.Bytes()
	}
	return crypto.Keccak256Hash(
		commitmentDomain,
		common.LeftPadBytes(s.cfg.ChainID.Bytes(), 32),
		s.cfg.Contract.Bytes(),
		id[:],
		beneficiary.Bytes(),
		common.LeftPadBytes(claimedBytes, 32),
		ts[:],
		crypto.Keccak256(ciphertext),
	)
}

func snapshotHash(r vesting.Record, asOf time.Time) common.Hash {
	var buf [8 * 6]byte
	binary.BigEndian.PutUint64(buf[0:], r.VestingID)
	binary.BigEndian.PutUint64(buf[8:], uint64(r.StartTime.Unix()))
	binary.BigEndian.PutUint64(buf[16:], uint64(r.CliffDuration))
	binary.BigEndian.PutUint64(buf[24:], uint64(r.VestingDuration))
	binary.BigEndian.PutUint64(buf[32:], uint64(r.TrancheCount()))
	binary.BigEndian.PutUint64(buf[40:], uint64(asOf.Unix()))
	return crypto.Keccak256Hash(
		snapshotDomain,
		r.Beneficiary.Bytes(),
		common.LeftPadBytes(r.TotalAmount.Bytes(), 32),
		common.LeftPadBytes(r.ClaimedAmount.Bytes(), 32),
		buf[:],
	)
}

func aad(vestingID uint64, beneficiary common.Address) []byte {
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], vestingID)
	return append(id[:], beneficiary.Bytes()...)
}
