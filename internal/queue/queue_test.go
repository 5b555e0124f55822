package queue

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/segmentio/kafka-go"
)

const (
	requestsSubject    = "claims.requests.v1"
	transitionsSubject = "claims.transitions.v1"
)

func requestPayload(vestingID uint64) []byte {
	return []byte(fmt.Sprintf(`{"version":"claims.request.v1","vestingId":%d}`, vestingID))
}

func runNATS(t *testing.T) string {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	s := natsserver.RunServer(&opts)
	t.Cleanup(s.Shutdown)
	return s.ClientURL()
}

func receive(t *testing.T, c Consumer, n int) []Message {
	t.Helper()
	var got []Message
	deadline := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case m, ok := <-c.Messages():
			if !ok {
				t.Fatalf("messages closed after %d of %d", len(got), n)
			}
			if err := m.Ack(context.Background()); err != nil {
				t.Fatalf("Ack: %v", err)
			}
			got = append(got, m)
		case err := <-c.Errors():
			if err != nil {
				t.Fatalf("consumer error: %v", err)
			}
		case <-deadline:
			t.Fatalf("timeout after %d of %d messages", len(got), n)
		}
	}
	return got
}

func TestNewConsumer_RejectsIncompleteConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  ConsumerConfig
	}{
		{name: "unknown driver", cfg: ConsumerConfig{Driver: "sqs"}},
		{name: "kafka without brokers", cfg: ConsumerConfig{Driver: DriverKafka, Group: "claim-orchestrator", Topics: []string{requestsSubject}}},
		{name: "kafka without group", cfg: ConsumerConfig{Driver: DriverKafka, Brokers: []string{"127.0.0.1:9092"}, Topics: []string{requestsSubject}}},
		{name: "kafka without topics", cfg: ConsumerConfig{Driver: DriverKafka, Brokers: []string{" , "}, Group: "claim-orchestrator"}},
		{name: "nats without subjects", cfg: ConsumerConfig{Driver: DriverNATS, NATSURL: "nats://127.0.0.1:4222"}},
		{name: "nats without url", cfg: ConsumerConfig{Driver: DriverNATS, Topics: []string{requestsSubject}}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if c, err := NewConsumer(ctx, tc.cfg); err == nil || c != nil {
				t.Fatalf("got consumer=%v err=%v", c, err)
			}
		})
	}
}

func TestNewProducer_RejectsIncompleteConfig(t *testing.T) {
	t.Parallel()

	for _, cfg := range []ProducerConfig{
		{Driver: "sqs"},
		{Driver: DriverKafka, Brokers: []string{" "}},
		{Driver: DriverNATS},
	} {
		if p, err := NewProducer(cfg); err == nil || p != nil {
			t.Fatalf("%+v: got producer=%v err=%v", cfg, p, err)
		}
	}
}

func TestSplitCommaList(t *testing.T) {
	t.Parallel()

	got := SplitCommaList(" kafka-1:9092, ,kafka-2:9092 ")
	if len(got) != 2 || got[0] != "kafka-1:9092" || got[1] != "kafka-2:9092" {
		t.Fatalf("got %q", got)
	}
	if SplitCommaList("  ") != nil {
		t.Fatalf("blank list should be nil")
	}
}

func TestStdio_ClaimRequestsRoundTrip(t *testing.T) {
	t.Parallel()

	var wire bytes.Buffer
	p, err := NewProducer(ProducerConfig{Driver: DriverStdio, Writer: &wire})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	for _, id := range []uint64{7, 3} {
		if err := p.Publish(context.Background(), requestsSubject, []byte(fmt.Sprint(id)), requestPayload(id)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	_ = p.Close()

	want := string(requestPayload(7)) + "\n" + string(requestPayload(3)) + "\n"
	if wire.String() != want {
		t.Fatalf("wire: got %q want %q", wire.String(), want)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := NewConsumer(ctx, ConsumerConfig{Driver: DriverStdio, Reader: strings.NewReader(wire.String() + "\n")})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer func() { _ = c.Close() }()

	got := receive(t, c, 2)
	if !bytes.Equal(got[0].Value, requestPayload(7)) || !bytes.Equal(got[1].Value, requestPayload(3)) {
		t.Fatalf("values: %q %q", got[0].Value, got[1].Value)
	}
	if _, ok := <-c.Messages(); ok {
		t.Fatalf("blank line delivered as a message")
	}
}

func TestKafkaProducer_SameKeySamePartition(t *testing.T) {
	t.Parallel()

	p, err := NewProducer(ProducerConfig{Driver: DriverKafka, Brokers: []string{"127.0.0.1:9092"}, TLS: true})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer func() { _ = p.Close() }()

	kp, ok := p.(*kafkaProducer)
	if !ok {
		t.Fatalf("producer type %T", p)
	}
	if kp.writer.RequiredAcks != kafka.RequireAll {
		t.Fatalf("required acks: %v", kp.writer.RequiredAcks)
	}
	tr, ok := kp.writer.Transport.(*kafka.Transport)
	if !ok || tr.TLS == nil {
		t.Fatalf("tls transport not configured: %T", kp.writer.Transport)
	}

	partitions := []int{0, 1, 2, 3, 4, 5, 6, 7}
	first := kp.writer.Balancer.Balance(kafka.Message{Key: []byte("42"), Value: []byte("submitting")}, partitions...)
	for _, state := range []string{"confirming", "confirmed"} {
		if got := kp.writer.Balancer.Balance(kafka.Message{Key: []byte("42"), Value: []byte(state)}, partitions...); got != first {
			t.Fatalf("vesting 42 %s landed on partition %d, want %d", state, got, first)
		}
	}
}

func TestNATS_KeyedTransitionsArriveInOrder(t *testing.T) {
	t.Parallel()

	url := runNATS(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := NewConsumer(ctx, ConsumerConfig{Driver: DriverNATS, NATSURL: url, Topics: []string{transitionsSubject}})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer func() { _ = c.Close() }()

	p, err := NewProducer(ProducerConfig{Driver: DriverNATS, NATSURL: url})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer func() { _ = p.Close() }()

	const n = 25
	for i := 0; i < n; i++ {
		payload := []byte(fmt.Sprintf(`{"version":"claims.transition.v1","seq":%d}`, i))
		if err := p.Publish(ctx, transitionsSubject, []byte("9"), payload); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	got := receive(t, c, n)
	for i, m := range got {
		if m.Topic != transitionsSubject || string(m.Key) != "9" {
			t.Fatalf("message %d: topic=%q key=%q", i, m.Topic, m.Key)
		}
		if want := fmt.Sprintf(`"seq":%d}`, i); !strings.HasSuffix(string(m.Value), want) {
			t.Fatalf("message %d out of order: %s", i, m.Value)
		}
		if m.Timestamp.IsZero() {
			t.Fatalf("message %d has no receive time", i)
		}
	}
}

func TestNATS_QueueGroupSharesRequests(t *testing.T) {
	t.Parallel()

	url := runNATS(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := ConsumerConfig{Driver: DriverNATS, NATSURL: url, Group: "claim-orchestrator", Topics: []string{requestsSubject}}
	a, err := NewConsumer(ctx, cfg)
	if err != nil {
		t.Fatalf("NewConsumer a: %v", err)
	}
	defer func() { _ = a.Close() }()
	b, err := NewConsumer(ctx, cfg)
	if err != nil {
		t.Fatalf("NewConsumer b: %v", err)
	}
	defer func() { _ = b.Close() }()

	p, err := NewProducer(ProducerConfig{Driver: DriverNATS, NATSURL: url})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer func() { _ = p.Close() }()

	const n = 20
	for i := 1; i <= n; i++ {
		if err := p.Publish(ctx, requestsSubject, nil, requestPayload(uint64(i))); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	seen := make(map[string]int)
	deadline := time.After(5 * time.Second)
	for len(seen) < n {
		select {
		case m := <-a.Messages():
			seen[string(m.Value)]++
		case m := <-b.Messages():
			seen[string(m.Value)]++
		case <-deadline:
			t.Fatalf("timeout: %d of %d requests", len(seen), n)
		}
	}
	select {
	case m := <-a.Messages():
		t.Fatalf("duplicate delivery: %s", m.Value)
	case m := <-b.Messages():
		t.Fatalf("duplicate delivery: %s", m.Value)
	case <-time.After(100 * time.Millisecond):
	}
	for v, count := range seen {
		if count != 1 {
			t.Fatalf("%s delivered %d times", v, count)
		}
	}
}

func TestNATS_ContextCancelClosesConsumer(t *testing.T) {
	t.Parallel()

	url := runNATS(t)
	ctx, cancel := context.WithCancel(context.Background())
	c, err := NewConsumer(ctx, ConsumerConfig{Driver: DriverNATS, NATSURL: url, Topics: []string{requestsSubject}})
	if err != nil {
		cancel()
		t.Fatalf("NewConsumer: %v", err)
	}
	cancel()

	select {
	case _, ok := <-c.Messages():
		if ok {
			t.Fatalf("unexpected message after cancel")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("consumer not closed after cancel")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
