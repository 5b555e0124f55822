package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/veil-vest/veil-vest/internal/ledger"
	"github.com/veil-vest/veil-vest/internal/session"
	"github.com/veil-vest/veil-vest/internal/vesting"
)

// sessionClient sends memory-ledger writes as whichever account the session currently holds.
type sessionClient struct {
	*ledger.Memory
	session session.Source
}

var _ ledger.Client = (*sessionClient)(nil)

func (c *sessionClient) as() (*ledger.MemoryClient, error) {
	id, ok := c.session.Current()
	if !ok {
		return nil, ledger.ErrUnauthorized
	}
	return c.Memory.As(id.Account), nil
}

func (c *sessionClient) SubmitClaim(ctx context.Context, cl ledger.Claim) (ledger.TxHandle, error) {
	mc, err := c.as()
	if err != nil {
		return ledger.TxHandle{}, err
	}
	return mc.SubmitClaim(ctx, cl)
}

func (c *sessionClient) Pause(ctx context.Context, vestingID uint64) (ledger.TxHandle, error) {
	mc, err := c.as()
	if err != nil {
		return ledger.TxHandle{}, err
	}
	return mc.Pause(ctx, vestingID)
}

func (c *sessionClient) Resume(ctx context.Context, vestingID uint64) (ledger.TxHandle, error) {
	mc, err := c.as()
	if err != nil {
		return ledger.TxHandle{}, err
	}
	return mc.Resume(ctx, vestingID)
}

func (c *sessionClient) CreateVesting(ctx context.Context, v ledger.CreateVesting) (ledger.TxHandle, error) {
	mc, err := c.as()
	if err != nil {
		return ledger.TxHandle{}, err
	}
	return mc.CreateVesting(ctx, v)
}

// TxStatus does not depend on the sender, so it keeps working after a disconnect.
func (c *sessionClient) TxStatus(ctx context.Context, h ledger.TxHandle) (ledger.TxStatus, error) {
	return c.Memory.As(h.From).TxStatus(ctx, h)
}

type seedRecord struct {
	Beneficiary   string `json:"beneficiary"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	TotalAmount   string `json:"totalAmount"`
	ClaimedAmount string `json:"claimedAmount"`
	Start         string `json:"start"`
	Cliff         string `json:"cliff"`
	Duration      string `json:"duration"`
	Tranches      uint32 `json:"tranches"`
	Status        string `json:"status"`
}

// loadSeed reads a JSON array of records into the memory ledger.
func loadSeed(path string, mem *ledger.Memory) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}
	var items []seedRecord
	if err := json.Unmarshal(raw, &items); err != nil {
		return 0, fmt.Errorf("decode seed file: %w", err)
	}
	for i, it := range items {
		rec, err := it.record()
		if err != nil {
			return 0, fmt.Errorf("seed record %d: %w", i, err)
		}
		if _, err := mem.Put(rec); err != nil {
			return 0, fmt.Errorf("seed record %d: %w", i, err)
		}
	}
	return len(items), nil
}

func (s seedRecord) record() (vesting.Record, error) {
	if !common.IsHexAddress(strings.TrimSpace(s.Beneficiary)) {
		return vesting.Record{}, errors.New("invalid beneficiary")
	}
	total, ok := new(big.Int).SetString(strings.TrimSpace(s.TotalAmount), 10)
	if !ok {
		return vesting.Record{}, errors.New("invalid totalAmount")
	}
	claimed := new(big.Int)
	if strings.TrimSpace(s.ClaimedAmount) != "" {
		if _, ok := claimed.SetString(strings.TrimSpace(s.ClaimedAmount), 10); !ok {
			return vesting.Record{}, errors.New("invalid claimedAmount")
		}
	}
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(s.Start))
	if err != nil {
		return vesting.Record{}, fmt.Errorf("invalid start: %w", err)
	}
	var cliff time.Duration
	if strings.TrimSpace(s.Cliff) != "" {
		if cliff, err = time.ParseDuration(strings.TrimSpace(s.Cliff)); err != nil {
			return vesting.Record{}, fmt.Errorf("invalid cliff: %w", err)
		}
	}
	duration, err := time.ParseDuration(strings.TrimSpace(s.Duration))
	if err != nil {
		return vesting.Record{}, fmt.Errorf("invalid duration: %w", err)
	}
	status := vesting.StatusActive
	if strings.TrimSpace(s.Status) != "" {
		if status, err = vesting.ParseStatus(s.Status); err != nil {
			return vesting.Record{}, err
		}
	}
	return vesting.Record{
		Beneficiary:     common.HexToAddress(strings.TrimSpace(s.Beneficiary)),
		Name:            s.Name,
		Description:     s.Description,
		TotalAmount:     total,
		ClaimedAmount:   claimed,
		StartTime:       start.UTC(),
		CliffDuration:   cliff,
		VestingDuration: duration,
		Tranches:        s.Tranches,
		Status:          status,
	}, nil
}
