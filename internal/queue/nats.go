package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// natsKeyHeader carries the message key; core NATS has no key field.
const natsKeyHeader = "Veilvest-Key"

func connectNATS(url string, name string) (*nats.Conn, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("nats driver requires url")
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

type natsConsumer struct {
	nc   *nats.Conn
	subs []*nats.Subscription

	msgCh chan Message
	errCh chan error
	done  chan struct{}

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
	once     sync.Once
}

func newNATSConsumer(parent context.Context, cfg ConsumerConfig) (Consumer, error) {
	topics := normalizeList(cfg.Topics)
	if len(topics) == 0 {
		return nil, errors.New("nats consumer requires at least one subject")
	}
	nc, err := connectNATS(cfg.NATSURL, "veilvest-consumer")
	if err != nil {
		return nil, err
	}

	c := &natsConsumer{
		nc:    nc,
		msgCh: make(chan Message, 64),
		errCh: make(chan error, 8),
		done:  make(chan struct{}),
	}
	nc.SetErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
		c.pushErr(err)
	})

	group := strings.TrimSpace(cfg.Group)
	for _, subject := range topics {
		var sub *nats.Subscription
		if group != "" {
			sub, err = nc.QueueSubscribe(subject, group, c.deliver)
		} else {
			sub, err = nc.Subscribe(subject, c.deliver)
		}
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
		}
		c.subs = append(c.subs, sub)
	}
	if err := nc.Flush(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats flush subscriptions: %w", err)
	}

	go func() {
		<-parent.Done()
		_ = c.Close()
	}()
	return c, nil
}

// deliver runs on the subscription's goroutine and applies backpressure to it.
func (c *natsConsumer) deliver(m *nats.Msg) {
	msg := Message{
		Topic:     m.Subject,
		Value:     append([]byte(nil), m.Data...),
		Timestamp: time.Now().UTC(),
	}
	if m.Header != nil {
		if k := m.Header.Get(natsKeyHeader); k != "" {
			msg.Key = []byte(k)
		}
	}

	if !c.enter() {
		return
	}
	defer c.inflight.Done()
	select {
	case c.msgCh <- msg:
	case <-c.done:
	}
}

func (c *natsConsumer) pushErr(err error) {
	if !c.enter() {
		return
	}
	defer c.inflight.Done()
	select {
	case c.errCh <- err:
	default:
	}
}

func (c *natsConsumer) enter() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	c.inflight.Add(1)
	return true
}

func (c *natsConsumer) Messages() <-chan Message { return c.msgCh }

func (c *natsConsumer) Errors() <-chan error { return c.errCh }

func (c *natsConsumer) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.done)
		c.mu.Unlock()

		for _, sub := range c.subs {
			_ = sub.Unsubscribe()
		}
		c.nc.Close()

		c.inflight.Wait()
		close(c.msgCh)
		close(c.errCh)
	})
	return nil
}

type natsProducer struct {
	nc *nats.Conn
}

func newNATSProducer(cfg ProducerConfig) (Producer, error) {
	nc, err := connectNATS(cfg.NATSURL, "veilvest-producer")
	if err != nil {
		return nil, err
	}
	return &natsProducer{nc: nc}, nil
}

func (p *natsProducer) Publish(ctx context.Context, topic string, key []byte, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errors.New("topic is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := nats.NewMsg(topic)
	msg.Data = payload
	if len(key) > 0 {
		msg.Header.Set(natsKeyHeader, string(key))
	}
	return p.nc.PublishMsg(msg)
}

func (p *natsProducer) Close() error {
	if err := p.nc.Flush(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		p.nc.Close()
		return err
	}
	p.nc.Close()
	return nil
}
