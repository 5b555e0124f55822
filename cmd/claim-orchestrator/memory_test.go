package main

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/veil-vest/veil-vest/internal/ledger"
	"github.com/veil-vest/veil-vest/internal/session"
	"github.com/veil-vest/veil-vest/internal/vesting"
)

func TestLoadSeed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seed.json")
	seed := `[
		{"beneficiary":"0x00000000000000000000000000000000000000a1","name":"Seed","totalAmount":"400000","claimedAmount":"200000","start":"2023-10-15T00:00:00Z","cliff":"2160h","duration":"8640h"},
		{"beneficiary":"0x00000000000000000000000000000000000000a1","name":"Paused","totalAmount":"5","start":"2024-01-01T00:00:00Z","duration":"24h","status":"paused","tranches":2}
	]`
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	mem := ledger.NewMemory(ledger.MemoryConfig{})
	n, err := loadSeed(path, mem)
	if err != nil || n != 2 {
		t.Fatalf("loadSeed: %d %v", n, err)
	}
	ids, _ := mem.ListVestings(context.Background(), common.HexToAddress("0x00000000000000000000000000000000000000a1"))
	if len(ids) != 2 {
		t.Fatalf("ids: %v", ids)
	}
	rec, _ := mem.GetVesting(context.Background(), ids[1])
	if rec.Status != vesting.StatusPaused || rec.Tranches != 2 || rec.ClaimedAmount.Sign() != 0 {
		t.Fatalf("second record: %+v", rec)
	}
}

func TestLoadSeed_RejectsBadRecords(t *testing.T) {
	t.Parallel()

	bad := []string{
		`[{"beneficiary":"nope","totalAmount":"1","start":"2024-01-01T00:00:00Z","duration":"1h"}]`,
		`[{"beneficiary":"0x00000000000000000000000000000000000000a1","totalAmount":"x","start":"2024-01-01T00:00:00Z","duration":"1h"}]`,
		`[{"beneficiary":"0x00000000000000000000000000000000000000a1","totalAmount":"1","start":"yesterday","duration":"1h"}]`,
		`[{"beneficiary":"0x00000000000000000000000000000000000000a1","totalAmount":"1","start":"2024-01-01T00:00:00Z","duration":"1h","cliff":"2h"}]`,
		`{}`,
	}
	for i, b := range bad {
		path := filepath.Join(t.TempDir(), "seed.json")
		if err := os.WriteFile(path, []byte(b), 0o600); err != nil {
			t.Fatalf("write seed: %v", err)
		}
		if _, err := loadSeed(path, ledger.NewMemory(ledger.MemoryConfig{})); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestSessionClient_FollowsSession(t *testing.T) {
	t.Parallel()

	admin := common.HexToAddress("0x00000000000000000000000000000000000000ad")
	mem := ledger.NewMemory(ledger.MemoryConfig{Admins: []common.Address{admin}})
	if _, err := mem.Put(vesting.Record{
		VestingID:       1,
		Beneficiary:     common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		TotalAmount:     big.NewInt(10),
		ClaimedAmount:   big.NewInt(0),
		StartTime:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		VestingDuration: time.Hour,
		Status:          vesting.StatusActive,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	sess := session.New(nil)
	c := &sessionClient{Memory: mem, session: sess}
	ctx := context.Background()

	if _, err := c.Pause(ctx, 1); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("disconnected pause: %v", err)
	}
	if err := sess.Connect(session.Identity{Account: admin, ChainID: 1}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h, err := c.Pause(ctx, 1)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if h.From != admin {
		t.Fatalf("sent from %s", h.From.Hex())
	}

	sess.Disconnect()
	st, err := c.TxStatus(ctx, h)
	if err != nil || st.State != ledger.TxConfirmed {
		t.Fatalf("TxStatus after disconnect: %+v %v", st, err)
	}
}
