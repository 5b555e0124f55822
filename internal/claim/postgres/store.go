// Package postgres is the pgx-backed claim journal.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veil-vest/veil-vest/internal/claim"
)

var ErrInvalidConfig = errors.New("claim/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

var _ claim.Journal = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("claim/postgres: ensure schema: %w", err)
	}
	return nil
}

// Append is idempotent on (attempt_id, seq).
func (s *Store) Append(ctx context.Context, t claim.Transition) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if t.AttemptID == "" || t.Seq == 0 || t.VestingID == 0 {
		return fmt.Errorf("%w: transition needs attempt id, seq and vesting id", ErrInvalidConfig)
	}
	if t.VestingID > math.MaxInt64 || t.ChainID > math.MaxInt64 {
		return fmt.Errorf("%w: vesting or chain id too large", ErrInvalidConfig)
	}

	var txHash []byte
	if t.TxHash != (common.Hash{}) {
		txHash = t.TxHash.Bytes()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO claim_transitions (
			attempt_id,
			seq,
			vesting_id,
			account,
			chain_id,
			from_state,
			to_state,
			reason,
			detail,
			tx_hash,
			at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (attempt_id, seq) DO NOTHING
	`, t.AttemptID, int32(t.Seq), int64(t.VestingID), t.Account.Bytes(), int64(t.ChainID),
		int16(t.From), int16(t.To), string(t.Reason), t.Detail, txHash, t.At.UTC())
	if err != nil {
		return fmt.Errorf("claim/postgres: insert transition: %w", err)
	}
	return nil
}

func (s *Store) ListByVesting(ctx context.Context, vestingID uint64, limit int) ([]claim.Transition, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if vestingID > math.MaxInt64 {
		return nil, fmt.Errorf("%w: vesting id too large", ErrInvalidConfig)
	}
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.pool.Query(ctx, `
		SELECT attempt_id, seq, vesting_id, account, chain_id, from_state, to_state, reason, detail, tx_hash, at
		FROM (
			SELECT *
			FROM claim_transitions
			WHERE vesting_id = $1
			ORDER BY at DESC, attempt_id DESC, seq DESC
			LIMIT $2
		) newest
		ORDER BY at ASC, attempt_id ASC, seq ASC
	`, int64(vestingID), limit)
	if err != nil {
		return nil, fmt.Errorf("claim/postgres: list by vesting: %w", err)
	}
	return collectTransitions(rows)
}

func (s *Store) ListByAttempt(ctx context.Context, attemptID string) ([]claim.Transition, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT attempt_id, seq, vesting_id, account, chain_id, from_state, to_state, reason, detail, tx_hash, at
		FROM claim_transitions
		WHERE attempt_id = $1
		ORDER BY seq ASC
	`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("claim/postgres: list by attempt: %w", err)
	}
	return collectTransitions(rows)
}

func collectTransitions(rows pgx.Rows) ([]claim.Transition, error) {
	defer rows.Close()

	var out []claim.Transition
	for rows.Next() {
		var (
			attemptID string
			seq       int32
			vestingID int64
			account   []byte
			chainID   int64
			from, to  int16
			reason    string
			detail    string
			txHash    []byte
			at        time.Time
		)
		if err := rows.Scan(&attemptID, &seq, &vestingID, &account, &chainID, &from, &to, &reason, &detail, &txHash, &at); err != nil {
			return nil, fmt.Errorf("claim/postgres: scan transition: %w", err)
		}
		if len(account) != common.AddressLength {
			return nil, fmt.Errorf("claim/postgres: bad account length %d", len(account))
		}
		if seq <= 0 || vestingID <= 0 || chainID < 0 || from < 0 || to < 0 {
			return nil, fmt.Errorf("claim/postgres: invalid values in db")
		}
		t := claim.Transition{
			AttemptID: attemptID,
			Seq:       uint32(seq),
			VestingID: uint64(vestingID),
			Account:   common.BytesToAddress(account),
			ChainID:   uint64(chainID),
			From:      claim.State(from),
			To:        claim.State(to),
			Reason:    claim.Reason(reason),
			Detail:    detail,
			At:        at.UTC(),
		}
		if len(txHash) == common.HashLength {
			t.TxHash = common.BytesToHash(txHash)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim/postgres: iterate transitions: %w", err)
	}
	return out, nil
}
