package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/veil-vest/veil-vest/internal/claim"
	"github.com/veil-vest/veil-vest/internal/eth"
	"github.com/veil-vest/veil-vest/internal/ledger"
	"github.com/veil-vest/veil-vest/internal/ledger/evm"
	"github.com/veil-vest/veil-vest/internal/queue"
	"github.com/veil-vest/veil-vest/internal/secrets"
	"github.com/veil-vest/veil-vest/internal/vesting"
)

const outputVersion = "veilvest.admin.v1"

const usage = `usage: vesting-admin [global flags] <command> [flags]

commands:
  stats                       global ledger statistics
  vestings   --account ADDR   vesting ids and records held by an account
  info       --id N           one vesting record with its release timeline
  reputation --account ADDR   reputation of an account
  create     --name --total --duration [--cliff] [--description]
  pause      --id N
  resume     --id N
  claim-request --id N        publish a claim request to the orchestrator's queue`

type globalOpts struct {
	RPCURL        string
	ChainID       uint64
	Contract      common.Address
	SecretsDriver string
	SignerKey     string
	Timeout       time.Duration
	PollInterval  time.Duration
}

// dialFunc opens a ledger client. Read commands pass needSigner=false.
type dialFunc func(ctx context.Context, o globalOpts, needSigner bool) (ledger.Client, func(), error)

// publishFunc opens a queue producer for claim-request.
type publishFunc func(cfg queue.ProducerConfig) (queue.Producer, error)

type env struct {
	stdout  io.Writer
	dial    dialFunc
	publish publishFunc
	now     func() time.Time
}

func main() {
	e := env{stdout: os.Stdout, dial: dialEVM, publish: queue.NewProducer, now: time.Now}
	if err := runMain(context.Background(), os.Args[1:], e); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(ctx context.Context, args []string, e env) error {
	var o globalOpts
	var contract string

	fs := flag.NewFlagSet("vesting-admin", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&o.RPCURL, "rpc-url", "", "EVM JSON-RPC URL")
	fs.Uint64Var(&o.ChainID, "chain-id", 0, "chain id")
	fs.StringVar(&contract, "contract", "", "VeilVest contract address")
	fs.StringVar(&o.SecretsDriver, "secrets-driver", "env", "secret source for the signer key (env|aws)")
	fs.StringVar(&o.SignerKey, "signer-key", "VEILVEST_SIGNER_KEY", "secret name of the signer private key (write commands)")
	fs.DurationVar(&o.Timeout, "timeout", 3*time.Minute, "overall command timeout")
	fs.DurationVar(&o.PollInterval, "poll-interval", 2*time.Second, "receipt poll interval for write commands")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return errors.New(usage)
	}
	if o.Timeout <= 0 || o.PollInterval <= 0 {
		return errors.New("--timeout and --poll-interval must be > 0")
	}
	cmd, cmdArgs := rest[0], rest[1:]

	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	if cmd == "claim-request" {
		return runClaimRequest(ctx, cmdArgs, e)
	}

	if o.ChainID == 0 {
		return errors.New("--chain-id is required")
	}
	if !common.IsHexAddress(strings.TrimSpace(contract)) {
		return errors.New("--contract must be a valid hex address")
	}
	o.Contract = common.HexToAddress(strings.TrimSpace(contract))

	switch cmd {
	case "stats", "vestings", "info", "reputation":
		c, closeFn, err := e.dial(ctx, o, false)
		if err != nil {
			return err
		}
		defer closeFn()
		return runRead(ctx, cmd, cmdArgs, c, e)
	case "create", "pause", "resume":
		c, closeFn, err := e.dial(ctx, o, true)
		if err != nil {
			return err
		}
		defer closeFn()
		return runWrite(ctx, cmd, cmdArgs, c, o, e)
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

func runRead(ctx context.Context, cmd string, args []string, c ledger.Reader, e env) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	account := fs.String("account", "", "account address")
	id := fs.Uint64("id", 0, "vesting id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch cmd {
	case "stats":
		st, err := c.GlobalStats(ctx)
		if err != nil {
			return err
		}
		return writeOutput(e.stdout, map[string]any{
			"totalVestings": st.TotalVestings,
			"totalLocked":   amountString(st.TotalLocked),
			"totalClaimed":  amountString(st.TotalClaimed),
			"beneficiaries": st.Beneficiaries,
		})
	case "vestings":
		addr, err := parseAccount(*account)
		if err != nil {
			return err
		}
		records, err := ledger.ListRecords(ctx, c, addr)
		if err != nil {
			return err
		}
		now := e.now().UTC()
		items := make([]map[string]any, 0, len(records))
		for _, r := range records {
			items = append(items, recordOutput(r, now))
		}
		sum := vesting.Summarize(records, now)
		return writeOutput(e.stdout, map[string]any{
			"account":   addr.Hex(),
			"vestings":  items,
			"claimable": amountString(sum.Claimable),
		})
	case "info":
		if *id == 0 {
			return errors.New("--id is required")
		}
		r, err := c.GetVesting(ctx, *id)
		if err != nil {
			return err
		}
		now := e.now().UTC()
		out := recordOutput(r, now)
		var releases []map[string]any
		for _, rel := range r.Timeline(now) {
			releases = append(releases, map[string]any{
				"at":     rel.At.UTC().Format(time.RFC3339),
				"amount": amountString(rel.Amount),
				"state":  rel.State.String(),
			})
		}
		out["timeline"] = releases
		return writeOutput(e.stdout, out)
	case "reputation":
		addr, err := parseAccount(*account)
		if err != nil {
			return err
		}
		rep, err := c.Reputation(ctx, addr)
		if err != nil {
			return err
		}
		return writeOutput(e.stdout, map[string]any{
			"account":         addr.Hex(),
			"score":           rep.Score,
			"completedClaims": rep.CompletedClaims,
		})
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// vestingCreator is implemented by ledger clients that can read back the id of a created vesting.
type vestingCreator interface {
	CreatedVesting(ctx context.Context, h ledger.TxHandle) (uint64, error)
}

func runWrite(ctx context.Context, cmd string, args []string, c ledger.Client, o globalOpts, e env) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.Uint64("id", 0, "vesting id")
	name := fs.String("name", "", "vesting name")
	description := fs.String("description", "", "vesting description")
	total := fs.String("total", "", "total amount in base units")
	duration := fs.Duration("duration", 0, "vesting duration")
	cliff := fs.Duration("cliff", 0, "cliff duration")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		h   ledger.TxHandle
		err error
	)
	switch cmd {
	case "create":
		amount, ok := new(big.Int).SetString(strings.TrimSpace(*total), 10)
		if !ok || amount.Sign() <= 0 {
			return errors.New("--total must be a positive integer")
		}
		if strings.TrimSpace(*name) == "" || *duration <= 0 {
			return errors.New("--name and --duration are required")
		}
		h, err = c.CreateVesting(ctx, ledger.CreateVesting{
			Name:            strings.TrimSpace(*name),
			Description:     *description,
			TotalAmount:     amount,
			VestingDuration: *duration,
			CliffDuration:   *cliff,
		})
	case "pause", "resume":
		if *id == 0 {
			return errors.New("--id is required")
		}
		if cmd == "pause" {
			h, err = c.Pause(ctx, *id)
		} else {
			h, err = c.Resume(ctx, *id)
		}
	}
	if err != nil {
		if reason := ledger.RejectionReason(err); reason != "" {
			return fmt.Errorf("%s rejected: %s", cmd, reason)
		}
		return err
	}

	st, err := waitMined(ctx, c, h, o.PollInterval)
	if err != nil {
		return err
	}
	out := map[string]any{
		"command":     cmd,
		"txHash":      h.Hash.Hex(),
		"from":        h.From.Hex(),
		"state":       st.State.String(),
		"blockNumber": st.BlockNumber,
	}
	if st.State != ledger.TxConfirmed {
		_ = writeOutput(e.stdout, out)
		return fmt.Errorf("%s transaction %s", cmd, st.State)
	}
	if cmd == "create" {
		if vc, ok := c.(vestingCreator); ok {
			vid, err := vc.CreatedVesting(ctx, h)
			if err != nil {
				return fmt.Errorf("read created vesting id: %w", err)
			}
			out["vestingId"] = vid
		}
	} else {
		out["vestingId"] = *id
	}
	return writeOutput(e.stdout, out)
}

func waitMined(ctx context.Context, c ledger.Client, h ledger.TxHandle, every time.Duration) (ledger.TxStatus, error) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		st, err := c.TxStatus(ctx, h)
		if err != nil && !errors.Is(err, ledger.ErrUnreachable) {
			return ledger.TxStatus{}, err
		}
		if err == nil && st.State != ledger.TxPending {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return ledger.TxStatus{}, fmt.Errorf("wait for %s: %w", h.Hash.Hex(), ctx.Err())
		case <-t.C:
		}
	}
}

func runClaimRequest(ctx context.Context, args []string, e env) error {
	fs := flag.NewFlagSet("claim-request", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.Uint64("id", 0, "vesting id")
	driver := fs.String("queue-driver", queue.DriverKafka, "queue driver (kafka|nats|stdio)")
	brokers := fs.String("queue-brokers", "", "Kafka brokers (comma-separated)")
	queueTLS := fs.Bool("queue-tls", false, "use TLS for Kafka connections")
	natsURL := fs.String("nats-url", "", "NATS server URL")
	topic := fs.String("topic", claim.DefaultRequestsTopic, "claim request topic")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == 0 {
		return errors.New("--id is required")
	}

	payload, err := claim.EncodeRequest(*id)
	if err != nil {
		return err
	}
	cfg := queue.ProducerConfig{
		Driver:  *driver,
		Brokers: queue.SplitCommaList(*brokers),
		TLS:     *queueTLS,
		NATSURL: *natsURL,
	}
	if strings.EqualFold(strings.TrimSpace(*driver), queue.DriverStdio) {
		cfg.Writer = e.stdout
	}
	p, err := e.publish(cfg)
	if err != nil {
		return fmt.Errorf("init queue producer: %w", err)
	}
	defer p.Close()

	key := []byte(fmt.Sprintf("%d", *id))
	if err := p.Publish(ctx, *topic, key, payload); err != nil {
		return fmt.Errorf("publish claim request: %w", err)
	}
	return nil
}

func dialEVM(ctx context.Context, o globalOpts, needSigner bool) (ledger.Client, func(), error) {
	if strings.TrimSpace(o.RPCURL) == "" {
		return nil, nil, errors.New("--rpc-url is required")
	}
	ec, err := ethclient.DialContext(ctx, o.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rpc: %w", err)
	}
	remote, err := ec.ChainID(ctx)
	if err != nil {
		ec.Close()
		return nil, nil, fmt.Errorf("read chain id: %w", err)
	}
	if !remote.IsUint64() || remote.Uint64() != o.ChainID {
		ec.Close()
		return nil, nil, fmt.Errorf("chain id mismatch: rpc=%s want=%d", remote, o.ChainID)
	}

	var sender *eth.Sender
	if needSigner {
		var p secrets.Provider = secrets.NewEnv()
		if o.SecretsDriver == "aws" {
			if p, err = secrets.NewAWS(ctx); err != nil {
				ec.Close()
				return nil, nil, err
			}
		}
		key, err := secrets.LoadPrivateKey(ctx, p, o.SignerKey)
		if err != nil {
			ec.Close()
			return nil, nil, err
		}
		sender, err = eth.NewSender(ec, eth.NewLocalSigner(key), eth.SenderConfig{
			ChainID:            remote,
			GasLimitMultiplier: 1.2,
			MinTipCap:          big.NewInt(1_000_000_000),
		})
		if err != nil {
			ec.Close()
			return nil, nil, err
		}
	}
	c, err := evm.New(ec, sender, evm.Config{Contract: o.Contract})
	if err != nil {
		ec.Close()
		return nil, nil, err
	}
	return c, ec.Close, nil
}

func recordOutput(r vesting.Record, now time.Time) map[string]any {
	return map[string]any{
		"vestingId":       r.VestingID,
		"beneficiary":     r.Beneficiary.Hex(),
		"name":            r.Name,
		"status":          r.Status.String(),
		"totalAmount":     amountString(r.TotalAmount),
		"claimedAmount":   amountString(r.ClaimedAmount),
		"claimableAmount": amountString(r.ClaimableAt(now)),
		"startTime":       r.StartTime.UTC().Format(time.RFC3339),
		"endTime":         r.End().UTC().Format(time.RFC3339),
	}
}

func parseAccount(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, errors.New("--account must be a valid hex address")
	}
	return common.HexToAddress(raw), nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func writeOutput(w io.Writer, fields map[string]any) error {
	fields["version"] = outputVersion
	out, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", out)
	return err
}
