package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/joshlong-attic/leveling-up-kafka/internal/config"
	"github.com/joshlong-attic/leveling-up-kafka/internal/filepoller"
	"github.com/joshlong-attic/leveling-up-kafka/internal/kafka"
	"github.com/joshlong-attic/leveling-up-kafka/internal/logger"
	"github.com/joshlong-attic/leveling-up-kafka/internal/message"
	"github.com/joshlong-attic/leveling-up-kafka/internal/testutil"
)

const waitTimeout = 3 * time.Second

type delivery struct {
	payload string
	headers message.Headers
}

// recorder is a Handler that records deliveries and fails on demand
type recorder struct {
	mu    sync.Mutex
	got   []delivery
	fails atomic.Int32
}

func (r *recorder) Handle(_ context.Context, p message.Payload, h message.Headers) error {
	r.mu.Lock()
	r.got = append(r.got, delivery{payload: p.String(), headers: h})
	r.mu.Unlock()
	if r.fails.Load() > 0 {
		r.fails.Add(-1)
		return errors.New("handler failed")
	}
	return nil
}

func (r *recorder) snapshot() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.got...)
}

// fromFile reports whether a delivery came from the file poller
func (d delivery) fromFile() bool { return d.headers.Has(filepoller.HeaderOriginalFile) }

// fromLog reports whether a delivery came from the Kafka consumer
func (d delivery) fromLog() bool { return d.headers.Has(kafka.HeaderTopic) }

func testConfig(t *testing.T, profile config.Profile) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Profile = profile
	cfg.StatsInterval = 0
	cfg.Files.Dir = t.TempDir()
	cfg.Files.Interval = 20 * time.Millisecond
	cfg.Files.Dedup = config.DedupMemory
	cfg.Kafka.Consumer.InitialBackoff = time.Millisecond
	cfg.Kafka.Consumer.MaxBackoff = 5 * time.Millisecond
	cfg.Kafka.Consumer.RedeliveryDelay = 5 * time.Millisecond
	cfg.Kafka.Consumer.IdleEventInterval = 0
	cfg.Kafka.Producer.BatchTimeout = 5 * time.Millisecond
	cfg.Kafka.Producer.RetryBackoff = time.Millisecond
	cfg.Publish.Greeting = ""
	return cfg
}

func brokerReaders(broker *testutil.Broker, cfg *config.Config) Option {
	return WithReaderFactory(func() (kafka.Reader, error) {
		return broker.NewReader(cfg.Kafka.Consumer.GroupID, cfg.Kafka.Consumer.Topic), nil
	})
}

// start runs p until the test ends and returns Run's result channel
func start(t *testing.T, p *Pipeline) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitTimeout):
			t.Error("pipeline did not stop")
		}
	})
	return cancel, done
}

func TestFileProfileDeliversHelloFile(t *testing.T) {
	cfg := testConfig(t, config.ProfileFile)
	if err := os.WriteFile(filepath.Join(cfg.Files.Dir, "hello.txt"), []byte("Hello, world!!"), 0o600); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	p, err := New(cfg, WithHandler(rec))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	start(t, p)

	testutil.Eventually(t, waitTimeout, func() bool { return len(rec.snapshot()) == 1 }, "hello.txt not delivered")

	d := rec.snapshot()[0]
	if d.payload != "Hello, world!!" {
		t.Errorf("payload = %q", d.payload)
	}
	if !d.fromFile() {
		t.Error("message does not carry file headers")
	}
	testutil.Eventually(t, waitTimeout, func() bool { return p.Stats().Acks.Committed == 1 }, "file not acknowledged")
}

func TestLogProfileCommitsAfterHandler(t *testing.T) {
	cfg := testConfig(t, config.ProfileLog)
	broker := testutil.NewBroker()
	broker.Produce(cfg.Kafka.Consumer.Topic, 0, nil, []byte("Hello, world!!"))

	rec := &recorder{}
	p, err := New(cfg, WithHandler(rec), brokerReaders(broker, cfg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	start(t, p)

	testutil.Eventually(t, waitTimeout, func() bool {
		return broker.Committed(cfg.Kafka.Consumer.GroupID, cfg.Kafka.Consumer.Topic, 0) == 1
	}, "offset did not advance")

	got := rec.snapshot()
	if len(got) != 1 || got[0].payload != "Hello, world!!" || !got[0].fromLog() {
		t.Errorf("deliveries = %+v", got)
	}
	if p.Stats().Files != nil {
		t.Error("file poller assembled for log profile")
	}
}

func TestLogProfileRedeliversAfterHandlerFailure(t *testing.T) {
	cfg := testConfig(t, config.ProfileLog)
	broker := testutil.NewBroker()

	rec := &recorder{}
	rec.fails.Store(1)
	p, err := New(cfg, WithHandler(rec), brokerReaders(broker, cfg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	start(t, p)

	broker.Produce(cfg.Kafka.Consumer.Topic, 0, nil, []byte("Hello, world!!"))

	testutil.Eventually(t, waitTimeout, func() bool { return len(rec.snapshot()) >= 2 }, "record not redelivered")
	testutil.Eventually(t, waitTimeout, func() bool {
		return broker.Committed(cfg.Kafka.Consumer.GroupID, cfg.Kafka.Consumer.Topic, 0) == 1
	}, "offset did not advance after redelivery")

	got := rec.snapshot()
	if got[0].payload != got[1].payload {
		t.Errorf("redelivered %q, first delivery was %q", got[1].payload, got[0].payload)
	}
	if s := p.Stats(); s.Router.Failed != 1 || s.Log.Rewinds != 1 {
		t.Errorf("stats = %+v / %+v", s.Router, s.Log)
	}
}

func TestIntegrationProfileRoutesBothSources(t *testing.T) {
	cfg := testConfig(t, config.ProfileIntegration)
	if err := os.WriteFile(filepath.Join(cfg.Files.Dir, "hello.txt"), []byte("from file"), 0o600); err != nil {
		t.Fatal(err)
	}
	broker := testutil.NewBroker()
	broker.Produce(cfg.Kafka.Consumer.Topic, 0, nil, []byte("from log"))

	rec := &recorder{}
	p, err := New(cfg, WithHandler(rec), brokerReaders(broker, cfg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	start(t, p)

	testutil.Eventually(t, waitTimeout, func() bool { return len(rec.snapshot()) == 2 }, "both sources not delivered")

	var file, log int
	for _, d := range rec.snapshot() {
		switch {
		case d.fromFile() && d.payload == "from file":
			file++
		case d.fromLog() && d.payload == "from log":
			log++
		}
	}
	if file != 1 || log != 1 {
		t.Errorf("file=%d log=%d deliveries", file, log)
	}
}

func TestFileKeepsRunningWhenLogAdapterStops(t *testing.T) {
	cfg := testConfig(t, config.ProfileIntegration)
	broker := testutil.NewBroker()
	broker.FailFetches(kafkago.TopicAuthorizationFailed)

	rec := &recorder{}
	p, err := New(cfg, WithHandler(rec), brokerReaders(broker, cfg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, done := start(t, p)

	// written after the consumer died
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(cfg.Files.Dir, "late.txt"), []byte("still polling"), 0o600); err != nil {
		t.Fatal(err)
	}
	testutil.Eventually(t, waitTimeout, func() bool { return len(rec.snapshot()) == 1 }, "file adapter stopped with the log adapter")

	select {
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	default:
	}
}

func TestRunReturnsWhenEveryAdapterStops(t *testing.T) {
	cfg := testConfig(t, config.ProfileLog)
	broker := testutil.NewBroker()
	broker.FailFetches(kafkago.TopicAuthorizationFailed)

	p, err := New(cfg, WithHandler(&recorder{}), brokerReaders(broker, cfg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- p.Run(context.Background()) }()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrAllAdaptersStopped) {
			t.Errorf("Run = %v, want ErrAllAdaptersStopped", err)
		}
		if !errors.Is(err, kafkago.TopicAuthorizationFailed) {
			t.Errorf("Run = %v, want the consumer's cause", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return")
	}
}

func TestGreetingIsPublishedAndConsumed(t *testing.T) {
	cfg := testConfig(t, config.ProfileLog)
	cfg.Publish.Enabled = true
	cfg.Publish.Greeting = "Hello, world!!"

	broker := testutil.NewBroker()
	rec := &recorder{}
	p, err := New(cfg,
		WithHandler(rec),
		brokerReaders(broker, cfg),
		WithWriterFactory(func() kafka.MessageWriter { return broker.NewWriter("") }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Sender() == nil {
		t.Fatal("sender not assembled")
	}
	start(t, p)

	testutil.Eventually(t, waitTimeout, func() bool { return len(rec.snapshot()) == 1 }, "greeting not consumed")
	if got := rec.snapshot()[0].payload; got != "Hello, world!!" {
		t.Errorf("payload = %q", got)
	}

	if err := p.Sender().Send(cfg.Publish.Topic, []byte("second")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	testutil.Eventually(t, waitTimeout, func() bool { return len(rec.snapshot()) == 2 }, "sent record not consumed")
}

func TestOpsEndpoints(t *testing.T) {
	cfg := testConfig(t, config.ProfileFile)
	p, err := New(cfg, WithHandler(&recorder{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}

	resp, err = http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	var stats struct {
		Profile string          `json:"profile"`
		Files   json.RawMessage `json:"files"`
		Log     json.RawMessage `json:"log"`
	}
	err = json.NewDecoder(resp.Body).Decode(&stats)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decoding /stats: %v", err)
	}
	if stats.Profile != "file" || stats.Files == nil || stats.Log != nil {
		t.Errorf("stats = %+v", stats)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics = %d", resp.StatusCode)
	}
}

// syncBuffer collects log output written from pipeline goroutines
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestBasicsProfilePrintsAndCommitsEachRecord(t *testing.T) {
	out := &syncBuffer{}
	prev := logger.Logger
	logger.Logger = zerolog.New(out)
	t.Cleanup(func() { logger.Logger = prev })

	cfg := testConfig(t, config.ProfileBasics)
	if err := os.WriteFile(filepath.Join(cfg.Files.Dir, "ignored.txt"), []byte("not polled"), 0o600); err != nil {
		t.Fatal(err)
	}
	broker := testutil.NewBroker()
	broker.Produce(cfg.Kafka.Consumer.Topic, 0, nil, []byte("Hello, world!!"))
	broker.Produce(cfg.Kafka.Consumer.Topic, 0, nil, []byte("second"))

	p, err := New(cfg, brokerReaders(broker, cfg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	start(t, p)

	testutil.Eventually(t, waitTimeout, func() bool {
		return broker.Committed(cfg.Kafka.Consumer.GroupID, cfg.Kafka.Consumer.Topic, 0) == 2
	}, "records not committed")
	if broker.Commits() != 2 {
		t.Errorf("commits = %d, want one per record", broker.Commits())
	}

	logs := out.String()
	for _, want := range []string{"received: Hello, world!!", "received: second"} {
		if !strings.Contains(logs, want) {
			t.Errorf("log output missing %q", want)
		}
	}
	if strings.Contains(logs, "not polled") {
		t.Error("basics profile polled the directory")
	}
	if s := p.Stats(); s.Files != nil || s.Log == nil {
		t.Errorf("stats = %+v", s)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, "batch")
	if _, err := New(cfg); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("New = %v, want ErrInvalidConfig", err)
	}
}

func TestSendEndpointPublishes(t *testing.T) {
	cfg := testConfig(t, config.ProfileLog)
	cfg.Publish.Enabled = true

	broker := testutil.NewBroker()
	rec := &recorder{}
	p, err := New(cfg,
		WithHandler(rec),
		brokerReaders(broker, cfg),
		WithWriterFactory(func() kafka.MessageWriter { return broker.NewWriter("") }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	start(t, p)

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/send", "text/plain", strings.NewReader("via http"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("/send = %d", resp.StatusCode)
	}

	testutil.Eventually(t, waitTimeout, func() bool { return len(rec.snapshot()) == 1 }, "sent record not consumed")
	if got := rec.snapshot()[0].payload; got != "via http" {
		t.Errorf("payload = %q", got)
	}
}

func TestSendEndpointDisabledWithoutPublish(t *testing.T) {
	cfg := testConfig(t, config.ProfileFile)
	p, err := New(cfg, WithHandler(&recorder{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/send", strings.NewReader("x")))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("/send = %d, want 503", rr.Code)
	}
}
