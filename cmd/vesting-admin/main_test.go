package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/veil-vest/veil-vest/internal/claim"
	"github.com/veil-vest/veil-vest/internal/ledger"
	"github.com/veil-vest/veil-vest/internal/queue"
	"github.com/veil-vest/veil-vest/internal/vesting"
)

var (
	testStart   = time.Date(2023, 10, 15, 0, 0, 0, 0, time.UTC)
	testNow     = testStart.Add(270*24*time.Hour + time.Minute)
	admin       = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	beneficiary = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

var globalArgs = []string{"--chain-id", "11155111", "--contract", "0x5FbDB2315678afecb367f032d93F642f64180aa3", "--poll-interval", "1ms"}

func newTestEnv(t *testing.T, from common.Address) (env, *bytes.Buffer, *ledger.Memory) {
	t.Helper()

	now := func() time.Time { return testNow }
	mem := ledger.NewMemory(ledger.MemoryConfig{Now: now, Admins: []common.Address{admin}, ConfirmAfter: 2})
	if _, err := mem.Put(vesting.Record{
		VestingID:       1,
		Beneficiary:     beneficiary,
		Name:            "Seed",
		TotalAmount:     big.NewInt(400_000),
		ClaimedAmount:   big.NewInt(200_000),
		StartTime:       testStart,
		CliffDuration:   90 * 24 * time.Hour,
		VestingDuration: 360 * 24 * time.Hour,
		Status:          vesting.StatusActive,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var out bytes.Buffer
	e := env{
		stdout: &out,
		dial: func(context.Context, globalOpts, bool) (ledger.Client, func(), error) {
			return mem.As(from), func() {}, nil
		},
		publish: queue.NewProducer,
		now:     now,
	}
	return e, &out, mem
}

func decodeOutput(t *testing.T, out *bytes.Buffer) map[string]any {
	t.Helper()
	var doc map[string]any
	if err := json.Unmarshal(out.Bytes(), &doc); err != nil {
		t.Fatalf("decode output: %v: %s", err, out.String())
	}
	if doc["version"] != outputVersion {
		t.Fatalf("version: %v", doc["version"])
	}
	return doc
}

func TestRunMain_Stats(t *testing.T) {
	t.Parallel()

	e, out, _ := newTestEnv(t, admin)
	if err := runMain(context.Background(), append(globalArgs, "stats"), e); err != nil {
		t.Fatalf("stats: %v", err)
	}
	doc := decodeOutput(t, out)
	if doc["totalClaimed"] != "200000" || doc["totalLocked"] != "200000" {
		t.Fatalf("stats: %+v", doc)
	}
}

func TestRunMain_VestingsAndInfo(t *testing.T) {
	t.Parallel()

	e, out, _ := newTestEnv(t, admin)
	if err := runMain(context.Background(), append(globalArgs, "vestings", "--account", beneficiary.Hex()), e); err != nil {
		t.Fatalf("vestings: %v", err)
	}
	doc := decodeOutput(t, out)
	if doc["claimable"] != "100000" {
		t.Fatalf("vestings: %+v", doc)
	}

	out.Reset()
	if err := runMain(context.Background(), append(globalArgs, "info", "--id", "1"), e); err != nil {
		t.Fatalf("info: %v", err)
	}
	doc = decodeOutput(t, out)
	timeline, _ := doc["timeline"].([]any)
	if doc["name"] != "Seed" || len(timeline) != 4 {
		t.Fatalf("info: %+v", doc)
	}
}

func TestRunMain_PauseResume(t *testing.T) {
	t.Parallel()

	e, out, mem := newTestEnv(t, admin)
	if err := runMain(context.Background(), append(globalArgs, "pause", "--id", "1"), e); err != nil {
		t.Fatalf("pause: %v", err)
	}
	doc := decodeOutput(t, out)
	if doc["state"] != "confirmed" {
		t.Fatalf("pause: %+v", doc)
	}
	rec, _ := mem.GetVesting(context.Background(), 1)
	if rec.Status != vesting.StatusPaused {
		t.Fatalf("status after pause: %s", rec.Status)
	}

	err := runMain(context.Background(), append(globalArgs, "pause", "--id", "1"), e)
	if err == nil || !strings.Contains(err.Error(), ledger.ReasonVestingNotActive) {
		t.Fatalf("expected VestingNotActive rejection, got %v", err)
	}

	out.Reset()
	if err := runMain(context.Background(), append(globalArgs, "resume", "--id", "1"), e); err != nil {
		t.Fatalf("resume: %v", err)
	}
	rec, _ = mem.GetVesting(context.Background(), 1)
	if rec.Status != vesting.StatusActive {
		t.Fatalf("status after resume: %s", rec.Status)
	}
}

func TestRunMain_PauseRequiresAdmin(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEnv(t, beneficiary)
	if err := runMain(context.Background(), append(globalArgs, "pause", "--id", "1"), e); err == nil {
		t.Fatalf("expected unauthorized error")
	}
}

func TestRunMain_Create(t *testing.T) {
	t.Parallel()

	e, out, mem := newTestEnv(t, beneficiary)
	args := append(globalArgs, "create", "--name", "Advisor", "--total", "1000", "--duration", "8640h", "--cliff", "2160h")
	if err := runMain(context.Background(), args, e); err != nil {
		t.Fatalf("create: %v", err)
	}
	doc := decodeOutput(t, out)
	if doc["vestingId"] != float64(2) {
		t.Fatalf("create: %+v", doc)
	}
	rec, err := mem.GetVesting(context.Background(), 2)
	if err != nil || rec.Name != "Advisor" || rec.TotalAmount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("created record: %+v %v", rec, err)
	}
}

func TestRunMain_ClaimRequestStdio(t *testing.T) {
	t.Parallel()

	e, out, _ := newTestEnv(t, admin)
	if err := runMain(context.Background(), []string{"claim-request", "--id", "7", "--queue-driver", "stdio"}, e); err != nil {
		t.Fatalf("claim-request: %v", err)
	}
	req, err := claim.DecodeRequest(bytes.TrimSpace(out.Bytes()))
	if err != nil || req.VestingID != 7 {
		t.Fatalf("published request: %+v %v (%s)", req, err, out.String())
	}
}

func TestRunMain_Validation(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEnv(t, admin)
	cases := [][]string{
		{},
		{"stats"},
		{"--chain-id", "1", "--contract", "nope", "stats"},
		append(append([]string{}, globalArgs...), "bogus"),
		append(append([]string{}, globalArgs...), "info"),
		append(append([]string{}, globalArgs...), "vestings", "--account", "nope"),
		append(append([]string{}, globalArgs...), "create", "--name", "x", "--total", "-1", "--duration", "1h"),
		{"claim-request"},
	}
	for _, args := range cases {
		if err := runMain(context.Background(), args, e); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}
