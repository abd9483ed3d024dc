// Package pipeline assembles the adapters, router and acknowledgment
// tracker for one profile and runs them until shutdown.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joshlong-attic/leveling-up-kafka/internal/ack"
	"github.com/joshlong-attic/leveling-up-kafka/internal/config"
	"github.com/joshlong-attic/leveling-up-kafka/internal/faults"
	"github.com/joshlong-attic/leveling-up-kafka/internal/filepoller"
	"github.com/joshlong-attic/leveling-up-kafka/internal/kafka"
	"github.com/joshlong-attic/leveling-up-kafka/internal/logger"
	"github.com/joshlong-attic/leveling-up-kafka/internal/message"
	"github.com/joshlong-attic/leveling-up-kafka/internal/metrics"
	"github.com/joshlong-attic/leveling-up-kafka/internal/router"
	"github.com/joshlong-attic/leveling-up-kafka/internal/worker"
)

// ErrAllAdaptersStopped is returned by Run when every inbound adapter
// stopped on its own before shutdown.
var ErrAllAdaptersStopped = errors.New("all inbound adapters stopped")

// Pipeline is the high-level coordinator for one profile's assembly.
type Pipeline struct {
	cfg *config.Config

	handler  router.Handler
	reporter faults.Reporter
	tracker  *ack.Tracker
	router   *router.Router

	// nil when the profile or config leaves them out
	poller   *filepoller.Poller
	consumer *kafka.Consumer
	producer *kafka.Producer
	sender   *worker.Pool

	readerFactory kafka.ReaderFactory
	writerFactory kafka.WriterFactory
	onIdle        kafka.IdleListener

	httpServer *http.Server
	wg         sync.WaitGroup
	started    time.Time
}

// Option is a functional option for configuring the pipeline
type Option func(*Pipeline)

// WithHandler replaces the logging handler
func WithHandler(h router.Handler) Option {
	return func(p *Pipeline) { p.handler = h }
}

// WithReporter replaces the logging fault reporter
func WithReporter(r faults.Reporter) Option {
	return func(p *Pipeline) { p.reporter = r }
}

// WithReaderFactory replaces the kafka-go reader factory of the consumer
func WithReaderFactory(f kafka.ReaderFactory) Option {
	return func(p *Pipeline) { p.readerFactory = f }
}

// WithWriterFactory replaces the kafka-go writer factory of the producer
func WithWriterFactory(f kafka.WriterFactory) Option {
	return func(p *Pipeline) { p.writerFactory = f }
}

// WithIdleListener observes consumer idle events
func WithIdleListener(l kafka.IdleListener) Option {
	return func(p *Pipeline) { p.onIdle = l }
}

// New builds the concrete assembly for cfg.Profile. Nothing is started.
func New(cfg *config.Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := logger.WithComponent("pipeline")

	p := &Pipeline{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}

	if p.handler == nil {
		if cfg.Profile == config.ProfileBasics {
			p.handler = router.ReceivedHandler(logger.WithComponent("handler"))
		} else {
			p.handler = router.LoggingHandler(logger.WithComponent("handler"))
		}
	}
	if p.reporter == nil {
		p.reporter = faults.NewLogReporter(logger.WithComponent("faults"))
	}

	p.tracker = ack.NewTracker()
	r, err := router.New(p.handler, p.tracker,
		router.WithHandlerTimeout(cfg.Handler.Timeout),
		router.WithIdempotencyWindow(cfg.Handler.IdempotencyWindow),
	)
	if err != nil {
		return nil, fmt.Errorf("building router: %w", err)
	}
	p.router = r

	if cfg.Profile.UsesFiles() {
		poller, err := filepoller.New(cfg.Files, filepoller.WithReporter(p.reporter))
		if err != nil {
			return nil, fmt.Errorf("building file poller: %w", err)
		}
		p.poller = poller
		p.tracker.Register(message.SourceFile, poller)
	}

	if cfg.Profile.UsesLog() {
		copts := []kafka.ConsumerOption{kafka.WithConsumerReporter(p.reporter)}
		if p.readerFactory != nil {
			copts = append(copts, kafka.WithReaderFactory(p.readerFactory))
		}
		if p.onIdle != nil {
			copts = append(copts, kafka.WithIdleListener(p.onIdle))
		}
		consumer, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Consumer, copts...)
		if err != nil {
			p.closeAdapters()
			return nil, fmt.Errorf("building kafka consumer: %w", err)
		}
		p.consumer = consumer
		p.tracker.Register(message.SourceLog, consumer)
	}

	if cfg.Publish.Enabled {
		var popts []kafka.ProducerOption
		if p.writerFactory != nil {
			popts = append(popts, kafka.WithWriterFactory(p.writerFactory))
		}
		producer, err := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Producer, popts...)
		if err != nil {
			p.closeAdapters()
			return nil, fmt.Errorf("building kafka producer: %w", err)
		}
		p.producer = producer
		p.sender = worker.NewPool(worker.Config{
			Publisher:    producer,
			QueueSize:    cfg.Publish.QueueSize,
			Workers:      cfg.Publish.Workers,
			BatchSize:    cfg.Kafka.Producer.BatchSize,
			BatchTimeout: cfg.Kafka.Producer.BatchTimeout,
		})
	}

	log.Info().
		Str("profile", string(cfg.Profile)).
		Bool("files", p.poller != nil).
		Bool("log", p.consumer != nil).
		Bool("publish", p.sender != nil).
		Msg("pipeline assembled")

	return p, nil
}

// Sender returns the outbound collaborator, or nil when publishing is off
func (p *Pipeline) Sender() worker.Sender {
	if p.sender == nil {
		return nil
	}
	return p.sender
}

// Run starts the adapters and blocks until ctx is cancelled. An adapter
// that stops on its own is reported and the others keep running; Run only
// returns early once every adapter has stopped.
func (p *Pipeline) Run(ctx context.Context) error {
	log := logger.WithComponent("pipeline")
	log.Info().Str("profile", string(p.cfg.Profile)).Msg("pipeline starting")
	p.started = time.Now()

	if p.sender != nil {
		p.sender.Start()
		if greeting := p.cfg.Publish.Greeting; greeting != "" {
			if err := p.sender.Send(p.cfg.Publish.Topic, []byte(greeting)); err != nil {
				log.Warn().Err(err).Msg("greeting not sent")
			}
		}
	}

	if p.cfg.HTTP.Addr != "" {
		p.startHTTPServer(log)
	}

	if p.cfg.StatsInterval > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.reportStats(ctx)
		}()
	}

	var (
		g       errgroup.Group
		errMu   sync.Mutex
		stopped []error
	)
	adapterDone := func(name string, err error) {
		if err == nil && ctx.Err() != nil {
			return
		}
		if err == nil {
			err = fmt.Errorf("%s adapter stopped", name)
		}
		log.Error().Err(err).Str("adapter", name).Msg("inbound adapter stopped, others keep running")
		errMu.Lock()
		stopped = append(stopped, err)
		errMu.Unlock()
	}

	if p.poller != nil {
		g.Go(func() error {
			adapterDone("file", p.poller.Run(ctx, p.router))
			return nil
		})
	}
	if p.consumer != nil {
		g.Go(func() error {
			adapterDone("log", p.consumer.Run(ctx, p.router))
			return nil
		})
	}
	_ = g.Wait()

	var runErr error
	if ctx.Err() == nil {
		runErr = fmt.Errorf("%w: %w", ErrAllAdaptersStopped, errors.Join(stopped...))
	} else {
		log.Info().Msg("shutdown signal received")
	}

	p.shutdown()
	return runErr
}

// shutdown performs graceful shutdown
func (p *Pipeline) shutdown() {
	log := logger.WithComponent("pipeline")
	log.Info().Msg("initiating graceful shutdown")

	// 1. Stop accepting ops requests
	if p.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		cancel()
	}

	// 2. Flush queued outbound records (with timeout)
	if p.sender != nil {
		done := make(chan struct{})
		go func() {
			p.sender.Stop()
			close(done)
		}()

		select {
		case <-done:
			log.Info().Msg("send pool drained")
		case <-time.After(15 * time.Second):
			log.Warn().Msg("send pool shutdown timeout - abandoning queued records")
		}
	}

	// 3. Close producer and adapter state
	if p.producer != nil {
		if err := p.producer.Close(); err != nil {
			log.Error().Err(err).Msg("producer close error")
		}
	}
	p.closeAdapters()

	// 4. Wait for background goroutines
	p.wg.Wait()

	log.Info().Msg("pipeline stopped gracefully")
}

func (p *Pipeline) closeAdapters() {
	if p.poller != nil {
		if err := p.poller.Close(); err != nil {
			log := logger.WithComponent("pipeline")
			log.Error().Err(err).Msg("file poller close error")
		}
	}
}

// Stats is a point-in-time snapshot of every component
type Stats struct {
	Profile  config.Profile       `json:"profile"`
	Uptime   string               `json:"uptime"`
	Router   router.Stats         `json:"router"`
	Acks     ack.Stats            `json:"acks"`
	Files    *filepoller.Stats    `json:"files,omitempty"`
	Log      *kafka.ConsumerStats `json:"log,omitempty"`
	Producer *kafka.ProducerStats `json:"producer,omitempty"`
	Sender   *worker.Stats        `json:"sender,omitempty"`
}

// Stats returns pipeline statistics
func (p *Pipeline) Stats() Stats {
	s := Stats{
		Profile: p.cfg.Profile,
		Router:  p.router.Stats(),
		Acks:    p.tracker.Stats(),
	}
	if !p.started.IsZero() {
		s.Uptime = time.Since(p.started).Round(time.Second).String()
	}
	if p.poller != nil {
		fs := p.poller.Stats()
		s.Files = &fs
	}
	if p.consumer != nil {
		cs := p.consumer.Stats()
		s.Log = &cs
	}
	if p.producer != nil {
		ps := p.producer.Stats()
		s.Producer = &ps
	}
	if p.sender != nil {
		ws := p.sender.Stats()
		s.Sender = &ws
		metrics.SendQueueSize.Set(float64(ws.Queued))
	}
	return s
}

// reportStats periodically logs statistics
func (p *Pipeline) reportStats(ctx context.Context) {
	log := logger.WithComponent("pipeline")
	ticker := time.NewTicker(p.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := p.Stats()
			ev := log.Info().
				Uint64("routed", s.Router.Routed).
				Uint64("handled", s.Router.Handled).
				Uint64("handler_failed", s.Router.Failed).
				Uint64("duplicates", s.Router.Duplicates).
				Uint64("acks_committed", s.Acks.Committed).
				Uint64("acks_failed", s.Acks.Failed)
			if s.Files != nil {
				ev = ev.Uint64("files_emitted", s.Files.Emitted).Uint64("files_skipped", s.Files.Skipped)
			}
			if s.Log != nil {
				ev = ev.Uint64("records_fetched", s.Log.Fetched).Uint64("rewinds", s.Log.Rewinds)
			}
			if s.Sender != nil {
				ev = ev.Uint64("sent", s.Sender.Processed).Uint64("send_dropped", s.Sender.Dropped)
			}
			ev.Msg("stats")
		}
	}
}
