package kafka

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/joshlong-attic/leveling-up-kafka/internal/config"
	"github.com/joshlong-attic/leveling-up-kafka/internal/faults"
	"github.com/joshlong-attic/leveling-up-kafka/internal/logger"
	"github.com/joshlong-attic/leveling-up-kafka/internal/message"
	"github.com/joshlong-attic/leveling-up-kafka/internal/metrics"
	"github.com/joshlong-attic/leveling-up-kafka/internal/retry"
	"github.com/joshlong-attic/leveling-up-kafka/internal/transform"
)

// Headers set on every record message
const (
	HeaderTopic             = "kafka_topic"
	HeaderPartition         = "kafka_receivedPartitionId"
	HeaderOffset            = "kafka_offset"
	HeaderReceivedTimestamp = "kafka_receivedTimestamp"
	HeaderMessageKey        = "kafka_receivedMessageKey"
)

// Consumer errors
var (
	ErrForeignToken = errors.New("token was not issued by this consumer")
	ErrStaleToken   = errors.New("token belongs to a reader that was closed")
)

// Reader is the part of *kafka.Reader the consumer needs. Offsets only move
// through CommitMessages.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderFactory opens a fresh group member positioned at the committed offset
type ReaderFactory func() (Reader, error)

// NewReaderFactory returns a factory for kafka-go group readers with
// auto-commit disabled.
func NewReaderFactory(brokers []string, cfg config.ConsumerConfig) ReaderFactory {
	log := logger.WithComponent("kafka_reader").With().Str("listener_id", cfg.ListenerID).Logger()

	return func() (Reader, error) {
		if len(brokers) == 0 {
			return nil, errors.New("at least one broker is required")
		}
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			GroupID:        cfg.GroupID,
			Topic:          cfg.Topic,
			MinBytes:       cfg.MinBytes,
			MaxBytes:       cfg.MaxBytes,
			MaxWait:        cfg.MaxWait,
			CommitInterval: 0, // synchronous, explicit commits only
			StartOffset:    kafka.FirstOffset,
			Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
				log.Debug().Msgf(msg, args...)
			}),
			ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
				log.Warn().Msgf(msg, args...)
			}),
		}), nil
	}
}

// Sink receives each record as a message
type Sink interface {
	Route(ctx context.Context, msg message.Message) error
}

// IdleEvent is emitted while no record has arrived for a full interval
type IdleEvent struct {
	ListenerID string
	IdleFor    time.Duration
}

// IdleListener observes idle events
type IdleListener func(IdleEvent)

// Position is the token of one fetched record
type Position struct {
	Topic     string
	Partition int
	Offset    int64

	owner      *member
	generation uint64
}

// String implements message.Token
func (p Position) String() string {
	return fmt.Sprintf("%s-%d@%d", p.Topic, p.Partition, p.Offset)
}

// member owns one reader. It is only touched by its own goroutine: fetch,
// route, commit and rewind all happen there in sequence.
type member struct {
	id         int
	reader     Reader
	generation uint64
}

// Consumer is a manual-ack Kafka group consumer with one or more members.
type Consumer struct {
	cfg         config.ConsumerConfig
	newReader   ReaderFactory
	transformer transform.Transformer
	policy      retry.Policy
	reporter    faults.Reporter
	onIdle      IdleListener
	log         zerolog.Logger

	lastActivity atomic.Int64

	fetched    atomic.Uint64
	committed  atomic.Uint64
	rewinds    atomic.Uint64
	idleEvents atomic.Uint64
}

// ConsumerOption is a functional option for configuring the consumer
type ConsumerOption func(*Consumer)

// WithReaderFactory replaces the kafka-go reader factory
func WithReaderFactory(f ReaderFactory) ConsumerOption {
	return func(c *Consumer) { c.newReader = f }
}

// WithIdleListener receives idle events
func WithIdleListener(l IdleListener) ConsumerOption {
	return func(c *Consumer) { c.onIdle = l }
}

// WithConsumerReporter sets where faults go
func WithConsumerReporter(r faults.Reporter) ConsumerOption {
	return func(c *Consumer) { c.reporter = r }
}

// WithTransformer replaces the pass-through payload transformer. A record
// that fails to transform is redelivered like a handler failure.
func WithTransformer(t transform.Transformer) ConsumerOption {
	return func(c *Consumer) { c.transformer = t }
}

// WithRetryPolicy overrides the fetch retry policy built from config
func WithRetryPolicy(p retry.Policy) ConsumerOption {
	return func(c *Consumer) { c.policy = p }
}

// NewConsumer creates a consumer for cfg
func NewConsumer(brokers []string, cfg config.ConsumerConfig, opts ...ConsumerOption) (*Consumer, error) {
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("group id is required for manual commits")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ListenerID == "" {
		cfg.ListenerID = cfg.GroupID
	}

	c := &Consumer{
		cfg:         cfg,
		transformer: transform.PassThrough{},
		log: logger.WithSource("kafka_consumer", message.SourceLog.String()).With().
			Str("listener_id", cfg.ListenerID).
			Logger(),
	}

	c.policy = retry.Policy{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: cfg.InitialBackoff,
		MaxDelay:     cfg.MaxBackoff,
		Multiplier:   2.0,
		Jitter:       true,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.newReader == nil {
		c.newReader = NewReaderFactory(brokers, cfg)
	}
	if c.reporter == nil {
		c.reporter = faults.NewLogReporter(c.log)
	}

	onRetry := c.policy.OnRetry
	c.policy.OnRetry = func(a retry.Attempt) {
		metrics.KafkaFetchRetries.WithLabelValues(c.cfg.ListenerID).Inc()
		c.log.Warn().
			Err(a.LastError).
			Int("attempt", a.Count).
			Dur("backoff", a.Delay).
			Msg("retrying kafka fetch")
		if onRetry != nil {
			onRetry(a)
		}
	}

	return c, nil
}

// Run starts every member and the idle monitor and blocks until ctx is
// cancelled or every member stopped. A member whose fetch retries are
// exhausted stops alone; the others keep consuming.
func (c *Consumer) Run(ctx context.Context, sink Sink) error {
	c.log.Info().
		Str("topic", c.cfg.Topic).
		Str("group_id", c.cfg.GroupID).
		Int("concurrency", c.cfg.Concurrency).
		Msg("kafka consumer starting")

	c.touch()

	idleCtx, stopIdle := context.WithCancel(ctx)
	defer stopIdle()
	if c.cfg.IdleEventInterval > 0 {
		go c.monitorIdle(idleCtx)
	}

	var g errgroup.Group
	for i := 0; i < c.cfg.Concurrency; i++ {
		g.Go(func() error {
			return c.runMember(ctx, i, sink)
		})
	}
	err := g.Wait()

	c.log.Info().Msg("kafka consumer stopped")
	return err
}

// runMember is the fetch, route, commit loop of one member
func (c *Consumer) runMember(ctx context.Context, id int, sink Sink) (err error) {
	log := c.log.With().Int("member", id).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("consumer member panic recovered")
			metrics.PanicsRecovered.WithLabelValues("kafka_consumer").Inc()
			err = faults.New(faults.ClassHandler, message.SourceLog, fmt.Errorf("member %d panic: %v", id, r))
			c.reporter.Report(ctx, err)
		}
	}()

	m := &member{id: id}
	if err := c.open(m); err != nil {
		f := faults.New(faults.ClassRetryExhausted, message.SourceLog, err)
		c.reporter.Report(ctx, f)
		return f
	}
	defer func() {
		if m.reader != nil {
			_ = m.reader.Close()
		}
	}()

	log.Info().Msg("consumer member started")
	defer log.Info().Msg("consumer member stopped")

	for {
		rec, err := retry.Do(ctx, c.policy, func(ctx context.Context) (kafka.Message, error) {
			return m.reader.FetchMessage(ctx)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f := faults.New(faults.ClassRetryExhausted, message.SourceLog, err)
			c.reporter.Report(ctx, f)
			return f
		}

		c.touch()
		c.fetched.Add(1)
		metrics.KafkaRecordsFetched.WithLabelValues(c.cfg.ListenerID).Inc()

		msg, err := c.toMessage(rec, m)
		if err == nil {
			err = sink.Route(ctx, msg)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// nothing past an unacknowledged record may commit
			c.reporter.Report(ctx, err)
			if err := c.rewind(ctx, m, log); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				f := faults.New(faults.ClassRetryExhausted, message.SourceLog, err)
				c.reporter.Report(ctx, f)
				return f
			}
		}
	}
}

func (c *Consumer) open(m *member) error {
	r, err := c.newReader()
	if err != nil {
		return fmt.Errorf("opening reader for member %d: %w", m.id, err)
	}
	m.reader = r
	m.generation++
	return nil
}

// rewind drops the member's in-memory fetch position so the next fetch
// restarts at the committed offset and the failed record is redelivered.
func (c *Consumer) rewind(ctx context.Context, m *member, log zerolog.Logger) error {
	c.rewinds.Add(1)
	metrics.KafkaRewinds.WithLabelValues(c.cfg.ListenerID).Inc()

	if err := m.reader.Close(); err != nil {
		log.Warn().Err(err).Msg("closing reader for rewind")
	}
	m.reader = nil

	log.Info().
		Dur("delay", c.cfg.RedeliveryDelay).
		Msg("rewinding to committed offset")

	if c.cfg.RedeliveryDelay > 0 {
		t := time.NewTimer(c.cfg.RedeliveryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	_, err := retry.Do(ctx, c.policy, func(context.Context) (struct{}, error) {
		return struct{}{}, c.open(m)
	})
	return err
}

// toMessage builds a LOG message; record headers come first so the
// kafka_* headers always describe the actual record.
func (c *Consumer) toMessage(rec kafka.Message, m *member) (message.Message, error) {
	pos := Position{
		Topic:      rec.Topic,
		Partition:  rec.Partition,
		Offset:     rec.Offset,
		owner:      m,
		generation: m.generation,
	}

	payload, err := c.transformer.Transform(rec.Value)
	if err != nil {
		f := faults.New(faults.ClassTransform, message.SourceLog, err)
		f.Token = pos.String()
		return message.Message{}, f
	}

	var h message.Headers
	for _, rh := range rec.Headers {
		h = h.With(rh.Key, message.Bytes(rh.Value))
	}
	h = h.With(HeaderTopic, message.String(rec.Topic)).
		With(HeaderPartition, message.Int(int64(rec.Partition))).
		With(HeaderOffset, message.Int(rec.Offset)).
		With(HeaderReceivedTimestamp, message.Int(rec.Time.UnixMilli()))
	if rec.Key != nil {
		h = h.With(HeaderMessageKey, message.Bytes(rec.Key))
	}

	return message.New(message.SourceLog, pos, payload, h)
}

// Commit acknowledges a record: the group's committed offset for its
// partition becomes offset+1.
func (c *Consumer) Commit(ctx context.Context, token message.Token) error {
	pos, ok := token.(Position)
	if !ok || pos.owner == nil {
		return fmt.Errorf("%w: %T", ErrForeignToken, token)
	}
	if pos.owner.reader == nil || pos.owner.generation != pos.generation {
		return fmt.Errorf("%w: %s", ErrStaleToken, pos)
	}

	err := pos.owner.reader.CommitMessages(ctx, kafka.Message{
		Topic:     pos.Topic,
		Partition: pos.Partition,
		Offset:    pos.Offset,
	})
	if err != nil {
		return err
	}
	c.committed.Add(1)
	return nil
}

func (c *Consumer) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// monitorIdle emits an IdleEvent on every tick while nothing arrived for at
// least one interval.
func (c *Consumer) monitorIdle(ctx context.Context) {
	interval := c.cfg.IdleEventInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			idleFor := now.Sub(time.Unix(0, c.lastActivity.Load()))
			if idleFor < interval {
				continue
			}

			c.idleEvents.Add(1)
			metrics.KafkaIdleEvents.WithLabelValues(c.cfg.ListenerID).Inc()
			c.log.Debug().Dur("idle_for", idleFor).Msg("listener idle")

			if c.onIdle != nil {
				c.onIdle(IdleEvent{ListenerID: c.cfg.ListenerID, IdleFor: idleFor})
			}
		}
	}
}

// Stats returns consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Fetched:    c.fetched.Load(),
		Committed:  c.committed.Load(),
		Rewinds:    c.rewinds.Load(),
		IdleEvents: c.idleEvents.Load(),
	}
}

// ConsumerStats holds consumer counters
type ConsumerStats struct {
	Fetched    uint64 `json:"fetched"`
	Committed  uint64 `json:"committed"`
	Rewinds    uint64 `json:"rewinds"`
	IdleEvents uint64 `json:"idle_events"`
}
