package claim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/veil-vest/veil-vest/internal/queue"
)

const (
	TransitionVersionV1 = "claims.transition.v1"
	RequestVersionV1    = "claims.request.v1"

	DefaultTransitionsTopic = "claims.transitions.v1"
	DefaultRequestsTopic    = "claims.requests.v1"
)

var ErrInvalidRequest = errors.New("claim: invalid request payload")

// Sink receives every transition after it is journaled. Publish errors are logged, never fatal to the
// attempt.
type Sink interface {
	Publish(ctx context.Context, t Transition) error
}

// TransitionEnvelope is the wire form of a Transition on the notification stream. Amounts never appear
// on it.
type TransitionEnvelope struct {
	Version   string `json:"version"`
	AttemptID string `json:"attemptId"`
	Seq       uint32 `json:"seq"`
	VestingID uint64 `json:"vestingId"`
	Account   string `json:"account"`
	ChainID   uint64 `json:"chainId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
	Detail    string `json:"detail,omitempty"`
	TxHash    string `json:"txHash,omitempty"`
	At        string `json:"at"`
}

func EncodeTransition(t Transition) ([]byte, error) {
	env := TransitionEnvelope{
		Version:   TransitionVersionV1,
		AttemptID: t.AttemptID,
		Seq:       t.Seq,
		VestingID: t.VestingID,
		Account:   t.Account.Hex(),
		ChainID:   t.ChainID,
		From:      t.From.String(),
		To:        t.To.String(),
		Reason:    string(t.Reason),
		Detail:    t.Detail,
		At:        t.At.UTC().Format(time.RFC3339Nano),
	}
	if t.TxHash != (common.Hash{}) {
		env.TxHash = t.TxHash.Hex()
	}
	return json.Marshal(env)
}

func DecodeTransition(payload []byte) (Transition, error) {
	var env TransitionEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Transition{}, fmt.Errorf("claim: decode transition: %w", err)
	}
	if env.Version != TransitionVersionV1 {
		return Transition{}, fmt.Errorf("claim: unsupported transition version %q", env.Version)
	}
	from, err := ParseState(env.From)
	if err != nil {
		return Transition{}, err
	}
	to, err := ParseState(env.To)
	if err != nil {
		return Transition{}, err
	}
	at, err := time.Parse(time.RFC3339Nano, env.At)
	if err != nil {
		return Transition{}, fmt.Errorf("claim: decode transition time: %w", err)
	}
	if !common.IsHexAddress(env.Account) {
		return Transition{}, fmt.Errorf("claim: decode transition account %q", env.Account)
	}
	out := Transition{
		AttemptID: env.AttemptID,
		Seq:       env.Seq,
		VestingID: env.VestingID,
		Account:   common.HexToAddress(env.Account),
		ChainID:   env.ChainID,
		From:      from,
		To:        to,
		Reason:    Reason(env.Reason),
		Detail:    env.Detail,
		At:        at,
	}
	if env.TxHash != "" {
		out.TxHash = common.HexToHash(env.TxHash)
	}
	return out, nil
}

// QueueSink publishes transitions keyed by vesting id, so one vesting's transitions stay ordered on
// partitioned drivers.
type QueueSink struct {
	producer queue.Producer
	topic    string
}

func NewQueueSink(producer queue.Producer, topic string) (*QueueSink, error) {
	if producer == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = DefaultTransitionsTopic
	}
	return &QueueSink{producer: producer, topic: topic}, nil
}

func (s *QueueSink) Publish(ctx context.Context, t Transition) error {
	payload, err := EncodeTransition(t)
	if err != nil {
		return err
	}
	return s.producer.Publish(ctx, s.topic, []byte(strconv.FormatUint(t.VestingID, 10)), payload)
}

// Request is the single inbound command: attempt a claim for VestingID.
type Request struct {
	Version   string `json:"version"`
	VestingID uint64 `json:"vestingId"`
}

func DecodeRequest(payload []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(payload, &r); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if r.Version != RequestVersionV1 {
		return Request{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidRequest, r.Version)
	}
	if r.VestingID == 0 {
		return Request{}, fmt.Errorf("%w: zero vestingId", ErrInvalidRequest)
	}
	return r, nil
}

func EncodeRequest(vestingID uint64) ([]byte, error) {
	return json.Marshal(Request{Version: RequestVersionV1, VestingID: vestingID})
}
