// Package artifacts archives the evidence behind each claim attempt: the sealed amount, its proof and
// commitment, the intent nonce and the transaction that carried it. Cleartext amounts are never stored.
package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	ArtifactVersion = "claims.artifact.v1"

	defaultMaxGetSize int64 = 1 << 20
)

var (
	ErrInvalidConfig   = errors.New("artifacts: invalid config")
	ErrInvalidArtifact = errors.New("artifacts: invalid artifact")
	ErrNotFound        = errors.New("artifacts: not found")
	ErrTooLarge        = errors.New("artifacts: object too large")
)

type Artifact struct {
	Version     string    `json:"version"`
	VestingID   uint64    `json:"vesting_id"`
	AttemptID   string    `json:"attempt_id"`
	Beneficiary string    `json:"beneficiary"`
	AsOf        int64     `json:"as_of"`
	Ciphertext  string    `json:"ciphertext"`
	Proof       string    `json:"proof"`
	Commitment  string    `json:"commitment"`
	IntentNonce string    `json:"intent_nonce"`
	TxHash      string    `json:"tx_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (a Artifact) Validate() error {
	if a.VestingID == 0 {
		return fmt.Errorf("%w: zero vesting id", ErrInvalidArtifact)
	}
	if !validAttemptID(a.AttemptID) {
		return fmt.Errorf("%w: invalid attempt id", ErrInvalidArtifact)
	}
	if a.Ciphertext == "" || a.Proof == "" {
		return fmt.Errorf("%w: missing ciphertext or proof", ErrInvalidArtifact)
	}
	return nil
}

// Key is the object key of an artifact relative to the archive prefix.
func Key(vestingID uint64, attemptID string) string {
	return fmt.Sprintf("claims/%d/%s.json", vestingID, attemptID)
}

func validAttemptID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
		default:
			return false
		}
	}
	return true
}

// Archive stores one JSON document per claim attempt.
type Archive interface {
	Save(ctx context.Context, a Artifact) error
	Load(ctx context.Context, vestingID uint64, attemptID string) (Artifact, error)
	Exists(ctx context.Context, vestingID uint64, attemptID string) (bool, error)
	Delete(ctx context.Context, vestingID uint64, attemptID string) error
}

type Config struct {
	Driver string
	Prefix string

	// MaxGetSize bounds bytes read back by Load. Defaults to 1 MiB when <= 0.
	MaxGetSize int64

	// S3 fields.
	Bucket   string
	S3Client S3Client
}

func New(cfg Config) (Archive, error) {
	var objs objectStore
	switch normalizeDriver(cfg.Driver) {
	case DriverMemory:
		objs = newMemoryObjects()
	case DriverS3:
		s, err := newS3Objects(cfg)
		if err != nil {
			return nil, err
		}
		objs = s
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
	return &archive{objs: objs, prefix: normalizePrefix(cfg.Prefix)}, nil
}

// objectStore is the byte-level backing of an archive.
type objectStore interface {
	put(ctx context.Context, key string, payload []byte, meta map[string]string) error
	get(ctx context.Context, key string) ([]byte, error)
	delete(ctx context.Context, key string) error
	exists(ctx context.Context, key string) (bool, error)
}

type archive struct {
	objs   objectStore
	prefix string
}

func (a *archive) Save(ctx context.Context, art Artifact) error {
	if err := art.Validate(); err != nil {
		return err
	}
	if art.Version == "" {
		art.Version = ArtifactVersion
	}
	b, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("artifacts: marshal: %w", err)
	}
	return a.objs.put(ctx, a.key(art.VestingID, art.AttemptID), b, map[string]string{
		"vesting-id": fmt.Sprintf("%d", art.VestingID),
		"attempt-id": art.AttemptID,
	})
}

func (a *archive) Load(ctx context.Context, vestingID uint64, attemptID string) (Artifact, error) {
	if !validAttemptID(attemptID) {
		return Artifact{}, fmt.Errorf("%w: invalid attempt id", ErrInvalidArtifact)
	}
	b, err := a.objs.get(ctx, a.key(vestingID, attemptID))
	if err != nil {
		return Artifact{}, err
	}
	var out Artifact
	if err := json.Unmarshal(b, &out); err != nil {
		return Artifact{}, fmt.Errorf("artifacts: unmarshal %s: %w", Key(vestingID, attemptID), err)
	}
	if out.Version != ArtifactVersion {
		return Artifact{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidArtifact, out.Version)
	}
	return out, nil
}

func (a *archive) Exists(ctx context.Context, vestingID uint64, attemptID string) (bool, error) {
	if !validAttemptID(attemptID) {
		return false, fmt.Errorf("%w: invalid attempt id", ErrInvalidArtifact)
	}
	return a.objs.exists(ctx, a.key(vestingID, attemptID))
}

func (a *archive) Delete(ctx context.Context, vestingID uint64, attemptID string) error {
	if !validAttemptID(attemptID) {
		return fmt.Errorf("%w: invalid attempt id", ErrInvalidArtifact)
	}
	return a.objs.delete(ctx, a.key(vestingID, attemptID))
}

func (a *archive) key(vestingID uint64, attemptID string) string {
	k := Key(vestingID, attemptID)
	if a.prefix == "" {
		return k
	}
	return a.prefix + "/" + k
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverS3
	}
	return v
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	return strings.Trim(prefix, "/")
}
