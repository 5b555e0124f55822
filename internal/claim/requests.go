package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veil-vest/veil-vest/internal/queue"
)

// Claimer is the inbound command surface of the orchestrator.
type Claimer interface {
	Claim(vestingID uint64) (Attempt, error)
}

// RequestWorker turns queued claim requests into Claim calls. Refused and malformed requests are
// logged and acknowledged; they are never requeued.
type RequestWorker struct {
	consumer   queue.Consumer
	claimer    Claimer
	ackTimeout time.Duration
	log        *slog.Logger
}

func NewRequestWorker(consumer queue.Consumer, claimer Claimer, log *slog.Logger) (*RequestWorker, error) {
	if consumer == nil || claimer == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.Default()
	}
	return &RequestWorker{consumer: consumer, claimer: claimer, ackTimeout: 5 * time.Second, log: log}, nil
}

func (w *RequestWorker) Run(ctx context.Context) error {
	msgCh := w.consumer.Messages()
	errCh := w.consumer.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				w.log.Error("claim request consume error", "err", err)
			}
		case msg, ok := <-msgCh:
			if !ok {
				return nil
			}
			w.handle(msg)
			w.ack(msg)
		}
	}
}

func (w *RequestWorker) handle(msg queue.Message) {
	req, err := DecodeRequest(msg.Value)
	if err != nil {
		w.log.Warn("drop claim request", "topic", msg.Topic, "err", err)
		return
	}
	a, err := w.claimer.Claim(req.VestingID)
	switch {
	case err == nil:
		w.log.Info("claim request accepted", "vesting_id", req.VestingID, "attempt_id", a.ID)
	case errors.Is(err, ErrNoIdentity), errors.Is(err, ErrAlreadyInProgress):
		w.log.Warn("claim request refused", "vesting_id", req.VestingID, "reason", string(ReasonOf(err)), "err", err)
	default:
		w.log.Error("claim request", "vesting_id", req.VestingID, "err", err)
	}
}

func (w *RequestWorker) ack(msg queue.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), w.ackTimeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil && !errors.Is(err, context.Canceled) {
		w.log.Error("ack claim request", "err", err)
	}
}
