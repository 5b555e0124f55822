package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	kafkaMaxFetchBytes   = 1 << 20
	kafkaFetchRetryDelay = 500 * time.Millisecond
	kafkaBatchTimeout    = 10 * time.Millisecond
	kafkaDialTimeout     = 10 * time.Second
)

func kafkaTLSConfig() *tls.Config {
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

// kafkaConsumer reads claim commands through a consumer group. Offsets are committed only when the
// handler acks, so an unacked request is redelivered to the group after a restart.
type kafkaConsumer struct {
	reader *kafka.Reader

	msgCh chan Message
	errCh chan error

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newKafkaConsumer(parent context.Context, cfg ConsumerConfig) (Consumer, error) {
	brokers := normalizeList(cfg.Brokers)
	topics := normalizeList(cfg.Topics)
	group := strings.TrimSpace(cfg.Group)
	switch {
	case len(brokers) == 0:
		return nil, errors.New("kafka consumer requires at least one broker")
	case group == "":
		return nil, errors.New("kafka consumer requires group")
	case len(topics) == 0:
		return nil, errors.New("kafka consumer requires at least one topic")
	}

	readerCfg := kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     group,
		GroupTopics: topics,
		MaxBytes:    kafkaMaxFetchBytes,
		StartOffset: kafka.FirstOffset,
	}
	if cfg.TLS {
		readerCfg.Dialer = &kafka.Dialer{Timeout: kafkaDialTimeout, TLS: kafkaTLSConfig()}
	}

	ctx, cancel := context.WithCancel(parent)
	c := &kafkaConsumer{
		reader: kafka.NewReader(readerCfg),
		msgCh:  make(chan Message, 64),
		errCh:  make(chan error, 8),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run(ctx)
	return c, nil
}

func (c *kafkaConsumer) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.msgCh)
	defer close(c.errCh)

	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			select {
			case c.errCh <- err:
			default:
			}
			select {
			case <-time.After(kafkaFetchRetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case c.msgCh <- c.toMessage(km):
		case <-ctx.Done():
			return
		}
	}
}

func (c *kafkaConsumer) toMessage(km kafka.Message) Message {
	return Message{
		Topic:     km.Topic,
		Key:       append([]byte(nil), km.Key...),
		Value:     append([]byte(nil), km.Value...),
		Timestamp: km.Time,
		ackFn: func(ctx context.Context) error {
			return c.reader.CommitMessages(ctx, km)
		},
	}
}

func (c *kafkaConsumer) Messages() <-chan Message { return c.msgCh }

func (c *kafkaConsumer) Errors() <-chan error { return c.errCh }

func (c *kafkaConsumer) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.reader.Close()
		<-c.done
	})
	return err
}

// kafkaProducer hashes keys onto partitions, so transitions of one vesting stay in order.
type kafkaProducer struct {
	writer *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (Producer, error) {
	brokers := normalizeList(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka producer requires at least one broker")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: kafkaBatchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if cfg.TLS {
		w.Transport = &kafka.Transport{DialTimeout: kafkaDialTimeout, TLS: kafkaTLSConfig()}
	}
	return &kafkaProducer{writer: w}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, topic string, key []byte, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errors.New("topic is required")
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: payload})
}

func (p *kafkaProducer) Close() error {
	return p.writer.Close()
}
