package kafka_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/joshlong-attic/leveling-up-kafka/internal/ack"
	"github.com/joshlong-attic/leveling-up-kafka/internal/config"
	"github.com/joshlong-attic/leveling-up-kafka/internal/faults"
	"github.com/joshlong-attic/leveling-up-kafka/internal/kafka"
	"github.com/joshlong-attic/leveling-up-kafka/internal/message"
	"github.com/joshlong-attic/leveling-up-kafka/internal/router"
	"github.com/joshlong-attic/leveling-up-kafka/internal/testutil"
	"github.com/joshlong-attic/leveling-up-kafka/internal/transform"
)

const waitTimeout = 2 * time.Second

func consumerConfig() config.ConsumerConfig {
	cfg := config.Default().Kafka.Consumer
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.RedeliveryDelay = 5 * time.Millisecond
	cfg.IdleEventInterval = 0
	return cfg
}

type received struct {
	payload string
	headers message.Headers
}

// collector is a Handler that records deliveries and fails on demand
type collector struct {
	mu    sync.Mutex
	got   []received
	fails atomic.Int32 // remaining calls to fail
}

func (c *collector) Handle(_ context.Context, p message.Payload, h message.Headers) error {
	c.mu.Lock()
	c.got = append(c.got, received{payload: p.String(), headers: h})
	c.mu.Unlock()
	if c.fails.Load() > 0 {
		c.fails.Add(-1)
		return errors.New("handler rejected message")
	}
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func (c *collector) at(i int) received {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.got[i]
}

type faultLog struct {
	mu   sync.Mutex
	errs []error
}

func (f *faultLog) Report(_ context.Context, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *faultLog) classes() []faults.Class {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []faults.Class
	for _, err := range f.errs {
		c, _ := faults.ClassOf(err)
		out = append(out, c)
	}
	return out
}

type harness struct {
	broker   *testutil.Broker
	consumer *kafka.Consumer
	handler  *collector
	faults   *faultLog
	cancel   context.CancelFunc
	done     chan error
}

func startConsumer(t *testing.T, broker *testutil.Broker, cfg config.ConsumerConfig, opts ...kafka.ConsumerOption) *harness {
	t.Helper()

	h := &harness{broker: broker, handler: &collector{}, faults: &faultLog{}, done: make(chan error, 1)}

	opts = append([]kafka.ConsumerOption{
		kafka.WithReaderFactory(func() (kafka.Reader, error) {
			return broker.NewReader(cfg.GroupID, cfg.Topic), nil
		}),
		kafka.WithConsumerReporter(h.faults),
	}, opts...)

	c, err := kafka.NewConsumer([]string{"in-memory"}, cfg, opts...)
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	h.consumer = c

	tracker := ack.NewTracker()
	tracker.Register(message.SourceLog, c)
	r, err := router.New(h.handler, tracker)
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- c.Run(ctx, r) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(waitTimeout):
			t.Error("consumer did not stop")
		}
	})
	return h
}

func TestConsumerDeliversAndCommitsAfterHandler(t *testing.T) {
	broker := testutil.NewBroker()
	cfg := consumerConfig()
	broker.Produce(cfg.Topic, 0, nil, []byte("Hello, world!!"), kafkago.Header{Key: "trace", Value: []byte("abc")})

	h := startConsumer(t, broker, cfg)

	testutil.Eventually(t, waitTimeout, func() bool {
		return h.consumer.Stats().Committed == 1
	}, "offset never committed")
	if got := broker.Committed(cfg.GroupID, cfg.Topic, 0); got != 1 {
		t.Errorf("committed offset = %d, want 1", got)
	}

	if h.handler.count() != 1 {
		t.Fatalf("handler called %d times, want 1", h.handler.count())
	}
	got := h.handler.at(0)
	if got.payload != "Hello, world!!" {
		t.Errorf("payload = %q", got.payload)
	}

	checks := map[string]string{
		kafka.HeaderTopic:     "messages",
		kafka.HeaderPartition: "0",
		kafka.HeaderOffset:    "0",
		"trace":               "abc",
	}
	for k, want := range checks {
		v, ok := got.headers.Get(k)
		if !ok || v.String() != want {
			t.Errorf("header %s = %q (present=%v), want %q", k, v.String(), ok, want)
		}
	}
	if got.headers.Has(kafka.HeaderMessageKey) {
		t.Error("key header set for a record without key")
	}
	if !got.headers.Has(kafka.HeaderReceivedTimestamp) || !got.headers.Has(message.HeaderID) {
		t.Error("missing timestamp or id header")
	}

	if s := h.consumer.Stats(); s.Fetched != 1 || s.Committed != 1 || s.Rewinds != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestConsumerSetsKeyHeader(t *testing.T) {
	broker := testutil.NewBroker()
	cfg := consumerConfig()
	broker.Produce(cfg.Topic, 0, []byte("k1"), []byte("v"))

	h := startConsumer(t, broker, cfg)
	testutil.Eventually(t, waitTimeout, func() bool { return h.handler.count() == 1 }, "record not delivered")

	v, ok := h.handler.at(0).headers.Get(kafka.HeaderMessageKey)
	if b, isBytes := v.AsBytes(); !ok || !isBytes || string(b) != "k1" {
		t.Errorf("key header = %#v", v)
	}
}

func TestConsumerRedeliversAfterHandlerFailure(t *testing.T) {
	broker := testutil.NewBroker()
	cfg := consumerConfig()

	h := startConsumer(t, broker, cfg)
	h.handler.fails.Store(1)
	broker.Produce(cfg.Topic, 0, nil, []byte("first"))
	broker.Produce(cfg.Topic, 0, nil, []byte("second"))

	testutil.Eventually(t, waitTimeout, func() bool {
		return h.consumer.Stats().Committed == 2
	}, "records never committed")
	if got := broker.Committed(cfg.GroupID, cfg.Topic, 0); got != 2 {
		t.Errorf("committed offset = %d, want 2", got)
	}

	// first delivery fails, the same record comes back, then the second
	if h.handler.count() != 3 {
		t.Fatalf("handler called %d times, want 3", h.handler.count())
	}
	for i, want := range []string{"first", "first", "second"} {
		if got := h.handler.at(i).payload; got != want {
			t.Errorf("delivery %d = %q, want %q", i, got, want)
		}
	}

	if s := h.consumer.Stats(); s.Rewinds != 1 || s.Committed != 2 {
		t.Errorf("stats = %+v", s)
	}
	if broker.ReadersOpened() != 2 {
		t.Errorf("readers opened = %d, want 2", broker.ReadersOpened())
	}
	if cls := h.faults.classes(); len(cls) != 1 || cls[0] != faults.ClassHandler {
		t.Errorf("faults = %v, want one handler fault", cls)
	}
}

func TestConsumerNeverCommitsFailingRecord(t *testing.T) {
	broker := testutil.NewBroker()
	cfg := consumerConfig()

	h := startConsumer(t, broker, cfg)
	h.handler.fails.Store(1 << 20)
	broker.Produce(cfg.Topic, 0, nil, []byte("poison"))

	testutil.Eventually(t, waitTimeout, func() bool { return h.handler.count() >= 3 }, "record not redelivered")

	if got := broker.Committed(cfg.GroupID, cfg.Topic, 0); got != 0 {
		t.Errorf("committed = %d, want 0", got)
	}
	if broker.Commits() != 0 {
		t.Errorf("commits = %d, want 0", broker.Commits())
	}
}

func TestConsumerRetriesTransientFetchErrors(t *testing.T) {
	broker := testutil.NewBroker()
	cfg := consumerConfig()
	broker.FailFetches(kafkago.LeaderNotAvailable, kafkago.RequestTimedOut)
	broker.Produce(cfg.Topic, 0, nil, []byte("after retry"))

	h := startConsumer(t, broker, cfg)

	testutil.Eventually(t, waitTimeout, func() bool { return h.handler.count() == 1 }, "record not delivered after transient errors")
	if len(h.faults.classes()) != 0 {
		t.Errorf("transient errors reached the reporter: %v", h.faults.classes())
	}
}

func TestConsumerStopsMemberWhenRetriesExhausted(t *testing.T) {
	broker := testutil.NewBroker()
	cfg := consumerConfig()
	cfg.MaxAttempts = 2
	broker.FailFetches(kafkago.LeaderNotAvailable, kafkago.LeaderNotAvailable)

	h := startConsumer(t, broker, cfg)

	select {
	case err := <-h.done:
		if c, _ := faults.ClassOf(err); c != faults.ClassRetryExhausted {
			t.Errorf("Run = %v, want retry exhausted fault", err)
		}
		h.done <- err // for cleanup
	case <-time.After(waitTimeout):
		t.Fatal("consumer kept running after exhausting retries")
	}

	if cls := h.faults.classes(); len(cls) != 1 || cls[0] != faults.ClassRetryExhausted {
		t.Errorf("faults = %v", cls)
	}
}

func TestConsumerNonTransientFetchErrorIsFatal(t *testing.T) {
	broker := testutil.NewBroker()
	cfg := consumerConfig()
	cfg.MaxAttempts = 5
	broker.FailFetches(kafkago.TopicAuthorizationFailed)

	h := startConsumer(t, broker, cfg)

	select {
	case err := <-h.done:
		if !errors.Is(err, kafkago.TopicAuthorizationFailed) {
			t.Errorf("Run = %v, want authorization error", err)
		}
		h.done <- err
	case <-time.After(waitTimeout):
		t.Fatal("consumer kept running after a non-transient error")
	}
}

func TestConsumerEmitsIdleEvents(t *testing.T) {
	broker := testutil.NewBroker()
	cfg := consumerConfig()
	cfg.IdleEventInterval = 10 * time.Millisecond

	var mu sync.Mutex
	var events []kafka.IdleEvent
	h := startConsumer(t, broker, cfg, kafka.WithIdleListener(func(e kafka.IdleEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}))

	testutil.Eventually(t, waitTimeout, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 3
	}, "idle events not repeated")

	mu.Lock()
	e := events[0]
	mu.Unlock()
	if e.ListenerID != "messages" {
		t.Errorf("ListenerID = %q", e.ListenerID)
	}
	if e.IdleFor < cfg.IdleEventInterval {
		t.Errorf("IdleFor = %v, want >= %v", e.IdleFor, cfg.IdleEventInterval)
	}
	if h.consumer.Stats().IdleEvents == 0 {
		t.Error("idle events not counted")
	}
}

func TestConsumerCommitRejectsForeignToken(t *testing.T) {
	c, err := kafka.NewConsumer(nil, consumerConfig(), kafka.WithReaderFactory(func() (kafka.Reader, error) {
		return nil, errors.New("unused")
	}))
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}

	if err := c.Commit(context.Background(), kafka.Position{Topic: "messages"}); !errors.Is(err, kafka.ErrForeignToken) {
		t.Errorf("Commit = %v, want ErrForeignToken", err)
	}
}

func TestNewConsumerValidation(t *testing.T) {
	cfg := consumerConfig()
	cfg.Topic = ""
	if _, err := kafka.NewConsumer(nil, cfg); err == nil {
		t.Error("expected error for empty topic")
	}

	cfg = consumerConfig()
	cfg.GroupID = ""
	if _, err := kafka.NewConsumer(nil, cfg); err == nil {
		t.Error("expected error for empty group id")
	}
}

func TestPositionString(t *testing.T) {
	p := kafka.Position{Topic: "messages", Partition: 2, Offset: 41}
	if p.String() != "messages-2@41" {
		t.Errorf("String() = %q", p.String())
	}
}

func TestConsumerRedeliversAfterTransformFailure(t *testing.T) {
	broker := testutil.NewBroker()
	cfg := consumerConfig()

	var failed atomic.Bool
	flaky := transform.Func(func(raw []byte) (message.Payload, error) {
		if string(raw) == "first" && failed.CompareAndSwap(false, true) {
			return message.Payload{}, errors.New("undecodable")
		}
		return message.TextPayload(string(raw)), nil
	})

	broker.Produce(cfg.Topic, 0, nil, []byte("first"))
	broker.Produce(cfg.Topic, 0, nil, []byte("second"))
	h := startConsumer(t, broker, cfg, kafka.WithTransformer(flaky))

	testutil.Eventually(t, waitTimeout, func() bool {
		return broker.Committed(cfg.GroupID, cfg.Topic, 0) == 2
	}, "records not committed after redelivery")

	// the record that failed to transform is handled before anything after it
	if h.handler.count() != 2 || h.handler.at(0).payload != "first" || h.handler.at(1).payload != "second" {
		t.Errorf("handled %d records, first %q", h.handler.count(), h.handler.at(0).payload)
	}
	if s := h.consumer.Stats(); s.Rewinds != 1 {
		t.Errorf("rewinds = %d, want 1", s.Rewinds)
	}
	classes := h.faults.classes()
	if len(classes) != 1 || classes[0] != faults.ClassTransform {
		t.Errorf("fault classes = %v, want [transform]", classes)
	}
}
