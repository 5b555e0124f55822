package eth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrInvalidSenderConfig = errors.New("eth: invalid sender config")
	ErrInvalidFeeArgs      = errors.New("eth: invalid fee args")
	ErrPending             = errors.New("eth: transaction pending")
)

type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type SenderConfig struct {
	ChainID            *big.Int
	GasLimitMultiplier float64
	MinTipCap          *big.Int

	Now func() time.Time
}

// Sender signs and broadcasts transactions from a single account.
//
// Each Submit broadcasts exactly once. There is no fee-bump replacement loop: a caller that wants a
// second attempt must build a new request.
type Sender struct {
	backend Backend
	signer  Signer
	nonces  *NonceManager
	cfg     SenderConfig
}

type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64 // optional; 0 => estimate
}

type Submitted struct {
	From     common.Address
	Nonce    uint64
	TxHash   common.Hash
	GasLimit uint64
	TipCap   *big.Int
	FeeCap   *big.Int
	SentAt   time.Time
}

func NewSender(backend Backend, signer Signer, cfg SenderConfig) (*Sender, error) {
	if backend == nil || signer == nil {
		return nil, ErrInvalidSenderConfig
	}
	if (signer.Address() == common.Address{}) {
		return nil, fmt.Errorf("%w: zero signer address", ErrInvalidSenderConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id must be > 0", ErrInvalidSenderConfig)
	}
	if cfg.GasLimitMultiplier <= 0 {
		return nil, fmt.Errorf("%w: gas limit multiplier must be > 0", ErrInvalidSenderConfig)
	}
	if cfg.MinTipCap == nil || cfg.MinTipCap.Sign() < 0 {
		return nil, fmt.Errorf("%w: min tip cap must be >= 0", ErrInvalidSenderConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sender{
		backend: backend,
		signer:  signer,
		nonces:  NewNonceManager(backend, signer.Address()),
		cfg:     cfg,
	}, nil
}

func (s *Sender) From() common.Address { return s.signer.Address() }

// SyncNonce loads the signer's pending nonce from the node; it never lowers a nonce already allocated.
func (s *Sender) SyncNonce(ctx context.Context) (uint64, error) {
	n, err := s.nonces.Sync(ctx)
	if err != nil {
		return 0, fmt.Errorf("eth: pending nonce: %w", err)
	}
	return n, nil
}

// Call executes req against the latest block as the sender, without broadcasting.
func (s *Sender) Call(ctx context.Context, req TxRequest) ([]byte, error) {
	to := req.To
	return s.backend.CallContract(ctx, ethereum.CallMsg{
		From:  s.signer.Address(),
		To:    &to,
		Value: valueOrZero(req.Value),
		Data:  req.Data,
	}, nil)
}

func (s *Sender) Submit(ctx context.Context, req TxRequest) (Submitted, error) {
	from := s.signer.Address()
	value := valueOrZero(req.Value)
	to := req.To

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		est, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &to,
			Value: value,
			Data:  req.Data,
		})
		if err != nil {
			return Submitted{}, fmt.Errorf("eth: estimate gas: %w", err)
		}
		gasLimit = applyGasMultiplier(est, s.cfg.GasLimitMultiplier)
	}

	suggestedTip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return Submitted{}, fmt.Errorf("eth: suggest tip: %w", err)
	}
	header, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return Submitted{}, fmt.Errorf("eth: latest header: %w", err)
	}
	if header.BaseFee == nil || header.BaseFee.Sign() < 0 {
		return Submitted{}, fmt.Errorf("eth: missing baseFee in latest header")
	}
	tipCap, feeCap, err := Calc1559Fees(header.BaseFee, suggestedTip, s.cfg.MinTipCap)
	if err != nil {
		return Submitted{}, err
	}

	nonce, err := s.nonces.Next(ctx)
	if err != nil {
		return Submitted{}, fmt.Errorf("eth: pending nonce: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})
	signed, err := s.signer.SignTx(tx, s.cfg.ChainID)
	if err != nil {
		s.nonces.Invalidate()
		return Submitted{}, err
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		s.nonces.Invalidate()
		return Submitted{}, fmt.Errorf("eth: send transaction: %w", err)
	}

	return Submitted{
		From:     from,
		Nonce:    nonce,
		TxHash:   signed.Hash(),
		GasLimit: gasLimit,
		TipCap:   tipCap,
		FeeCap:   feeCap,
		SentAt:   s.cfg.Now(),
	}, nil
}

// Receipt returns the mined receipt for txHash, or ErrPending while the node does not know it yet.
func (s *Sender) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	r, err := s.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrPending
		}
		return nil, err
	}
	return r, nil
}

// Confirmations returns how many blocks include or follow the receipt's block.
func (s *Sender) Confirmations(ctx context.Context, r *types.Receipt) (uint64, error) {
	if r == nil || r.BlockNumber == nil || !r.BlockNumber.IsUint64() {
		return 0, nil
	}
	head, err := s.backend.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	mined := r.BlockNumber.Uint64()
	if head < mined {
		return 0, nil
	}
	return head - mined + 1, nil
}

// Calc1559Fees returns EIP-1559 fee caps from the latest base fee:
// tipCap = max(suggestedTipCap, minTipCap), feeCap = 2*baseFee + tipCap.
func Calc1559Fees(baseFee, suggestedTipCap, minTipCap *big.Int) (tipCap, feeCap *big.Int, err error) {
	if baseFee == nil || suggestedTipCap == nil || minTipCap == nil {
		return nil, nil, ErrInvalidFeeArgs
	}
	if baseFee.Sign() < 0 || suggestedTipCap.Sign() < 0 || minTipCap.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}

	tip := new(big.Int).Set(suggestedTipCap)
	if tip.Cmp(minTipCap) < 0 {
		tip.Set(minTipCap)
	}
	fee := new(big.Int).Mul(baseFee, big.NewInt(2))
	fee.Add(fee, tip)
	return tip, fee, nil
}

func applyGasMultiplier(est uint64, mult float64) uint64 {
	if mult <= 1 {
		return est
	}
	out := uint64(math.Ceil(float64(est) * mult))
	if out < est {
		return est
	}
	return out
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
