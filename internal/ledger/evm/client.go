// Package evm is the ledger client for the VeilVest contract on an EVM chain.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/veil-vest/veil-vest/internal/eth"
	"github.com/veil-vest/veil-vest/internal/ledger"
	"github.com/veil-vest/veil-vest/internal/vesting"
	"github.com/veil-vest/veil-vest/internal/vestingabi"
)

var (
	ErrInvalidConfig = errors.New("evm: invalid config")
	ErrReadOnly      = errors.New("evm: client has no signer")
)

type Config struct {
	Contract common.Address
	// MinConfirmations is the number of blocks (including the inclusion block) before a receipt is final.
	MinConfirmations uint64
}

// Client reads through eth_call and writes through a single-account eth.Sender.
//
// Every write is simulated from the sender's address first, so contract validation failures surface as
// typed errors before anything is broadcast.
type Client struct {
	caller ethereum.ContractCaller
	sender *eth.Sender
	cfg    Config
}

var _ ledger.Client = (*Client)(nil)

// New returns a client. sender may be nil for a read-only client.
func New(caller ethereum.ContractCaller, sender *eth.Sender, cfg Config) (*Client, error) {
	if caller == nil {
		return nil, fmt.Errorf("%w: nil caller", ErrInvalidConfig)
	}
	if cfg.Contract == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing contract address", ErrInvalidConfig)
	}
	if cfg.MinConfirmations == 0 {
		cfg.MinConfirmations = 1
	}
	return &Client{caller: caller, sender: sender, cfg: cfg}, nil
}

func (c *Client) ListVestings(ctx context.Context, account common.Address) ([]uint64, error) {
	data, err := vestingabi.PackGetUserVestings(account)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrInvalidArgs, err)
	}
	out, err := c.call(ctx, data)
	if err != nil {
		return nil, err
	}
	return vestingabi.UnpackUserVestings(out)
}

func (c *Client) GetVesting(ctx context.Context, vestingID uint64) (vesting.Record, error) {
	data, err := vestingabi.PackGetVestingInfo(vestingID)
	if err != nil {
		return vesting.Record{}, fmt.Errorf("%w: %v", ledger.ErrInvalidArgs, err)
	}
	out, err := c.call(ctx, data)
	if err != nil {
		return vesting.Record{}, err
	}
	rec, err := vestingabi.UnpackVestingInfo(vestingID, out)
	if err != nil {
		return vesting.Record{}, err
	}
	// Unset mapping slots decode as a zero beneficiary.
	if rec.Beneficiary == (common.Address{}) {
		return vesting.Record{}, ledger.ErrNotFound
	}
	return rec, nil
}

func (c *Client) GlobalStats(ctx context.Context) (vesting.GlobalStats, error) {
	data, err := vestingabi.PackGetGlobalStats()
	if err != nil {
		return vesting.GlobalStats{}, err
	}
	out, err := c.call(ctx, data)
	if err != nil {
		return vesting.GlobalStats{}, err
	}
	return vestingabi.UnpackGlobalStats(out)
}

func (c *Client) Reputation(ctx context.Context, account common.Address) (vesting.Reputation, error) {
	data, err := vestingabi.PackGetUserReputation(account)
	if err != nil {
		return vesting.Reputation{}, fmt.Errorf("%w: %v", ledger.ErrInvalidArgs, err)
	}
	out, err := c.call(ctx, data)
	if err != nil {
		return vesting.Reputation{}, err
	}
	return vestingabi.UnpackUserReputation(account, out)
}

func (c *Client) SubmitClaim(ctx context.Context, cl ledger.Claim) (ledger.TxHandle, error) {
	if err := cl.Validate(); err != nil {
		return ledger.TxHandle{}, err
	}
	data, err := vestingabi.PackClaimTokens(cl.VestingID, cl.Ciphertext, cl.Proof)
	if err != nil {
		return ledger.TxHandle{}, fmt.Errorf("%w: %v", ledger.ErrInvalidArgs, err)
	}
	return c.write(ctx, data, nil)
}

func (c *Client) Pause(ctx context.Context, vestingID uint64) (ledger.TxHandle, error) {
	data, err := vestingabi.PackPauseVesting(vestingID)
	if err != nil {
		return ledger.TxHandle{}, fmt.Errorf("%w: %v", ledger.ErrInvalidArgs, err)
	}
	return c.write(ctx, data, nil)
}

func (c *Client) Resume(ctx context.Context, vestingID uint64) (ledger.TxHandle, error) {
	data, err := vestingabi.PackResumeVesting(vestingID)
	if err != nil {
		return ledger.TxHandle{}, fmt.Errorf("%w: %v", ledger.ErrInvalidArgs, err)
	}
	return c.write(ctx, data, nil)
}

// CreateVesting sends TotalAmount as the call value.
func (c *Client) CreateVesting(ctx context.Context, v ledger.CreateVesting) (ledger.TxHandle, error) {
	data, err := vestingabi.PackCreateVesting(vestingabi.CreateVestingArgs{
		Name:            v.Name,
		Description:     v.Description,
		TotalAmount:     v.TotalAmount,
		VestingDuration: v.VestingDuration,
		CliffDuration:   v.CliffDuration,
	})
	if err != nil {
		return ledger.TxHandle{}, fmt.Errorf("%w: %v", ledger.ErrInvalidArgs, err)
	}
	return c.write(ctx, data, v.TotalAmount)
}

// CreatedVesting returns the vesting id emitted by a mined createVesting transaction.
func (c *Client) CreatedVesting(ctx context.Context, h ledger.TxHandle) (uint64, error) {
	if c.sender == nil {
		return 0, ErrReadOnly
	}
	r, err := c.sender.Receipt(ctx, h.Hash)
	if err != nil {
		return 0, mapQueryError(err)
	}
	if r.Status != types.ReceiptStatusSuccessful {
		return 0, ledger.Rejected(ledger.ReasonReverted)
	}
	id, _, err := vestingabi.ParseVestingCreated(r.Logs, c.cfg.Contract)
	return id, err
}

func (c *Client) TxStatus(ctx context.Context, h ledger.TxHandle) (ledger.TxStatus, error) {
	if c.sender == nil {
		return ledger.TxStatus{}, ErrReadOnly
	}
	r, err := c.sender.Receipt(ctx, h.Hash)
	if errors.Is(err, eth.ErrPending) {
		return ledger.TxStatus{State: ledger.TxPending}, nil
	}
	if err != nil {
		return ledger.TxStatus{}, mapQueryError(err)
	}
	conf, err := c.sender.Confirmations(ctx, r)
	if err != nil {
		return ledger.TxStatus{}, mapQueryError(err)
	}

	st := ledger.TxStatus{State: ledger.TxPending, Confirmations: conf}
	if r.BlockNumber != nil && r.BlockNumber.IsUint64() {
		st.BlockNumber = r.BlockNumber.Uint64()
	}
	if conf < c.cfg.MinConfirmations {
		return st, nil
	}
	if r.Status == types.ReceiptStatusSuccessful {
		st.State = ledger.TxConfirmed
	} else {
		st.State = ledger.TxReverted
	}
	return st, nil
}

func (c *Client) call(ctx context.Context, data []byte) ([]byte, error) {
	to := c.cfg.Contract
	msg := ethereum.CallMsg{To: &to, Data: data}
	if c.sender != nil {
		msg.From = c.sender.From()
	}
	out, err := c.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, mapQueryError(err)
	}
	return out, nil
}

func (c *Client) write(ctx context.Context, data []byte, value *big.Int) (ledger.TxHandle, error) {
	if c.sender == nil {
		return ledger.TxHandle{}, ErrReadOnly
	}
	req := eth.TxRequest{To: c.cfg.Contract, Data: data, Value: value}

	if _, err := c.sender.Call(ctx, req); err != nil {
		return ledger.TxHandle{}, mapError(err)
	}
	sub, err := c.sender.Submit(ctx, req)
	if err != nil {
		return ledger.TxHandle{}, mapError(err)
	}
	return ledger.TxHandle{
		Hash:        sub.TxHash,
		Nonce:       sub.Nonce,
		From:        sub.From,
		SubmittedAt: sub.SentAt,
	}, nil
}

// mapError classifies a write error. Decodable reverts map to the ledger's typed errors, other JSON-RPC
// errors are node-side rejections of the transaction, and everything else is a transport failure.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if rev, ok := revertOf(err); ok {
		switch rev.Name {
		case "Unauthorized":
			return fmt.Errorf("%w: %s", ledger.ErrUnauthorized, rev)
		case "VestingNotFound":
			return fmt.Errorf("%w: %s", ledger.ErrNotFound, rev)
		case "Error":
			return ledger.Rejected(rev.Message)
		default:
			return ledger.Rejected(rev.Name)
		}
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return ledger.Rejected(rpcErr.Error())
	}
	return fmt.Errorf("%w: %v", ledger.ErrUnreachable, err)
}

func revertOf(err error) (vestingabi.Revert, bool) {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return vestingabi.Revert{}, false
	}
	s, ok := de.ErrorData().(string)
	if !ok {
		return vestingabi.Revert{}, false
	}
	data, err := hexutil.Decode(s)
	if err != nil {
		return vestingabi.Revert{}, false
	}
	return vestingabi.DecodeRevert(data)
}

// mapQueryError classifies errors from reads and receipt lookups. Decodable reverts keep their typed
// mapping; any other node error (rate limits, missing headers) is transient and the caller may try again.
func mapQueryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if _, ok := revertOf(err); ok {
		return mapError(err)
	}
	return fmt.Errorf("%w: %v", ledger.ErrUnreachable, err)
}
