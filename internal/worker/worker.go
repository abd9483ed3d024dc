package worker

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joshlong-attic/leveling-up-kafka/internal/logger"
	"github.com/joshlong-attic/leveling-up-kafka/internal/message"
	"github.com/joshlong-attic/leveling-up-kafka/internal/metrics"
)

// Send errors
var (
	ErrQueueFull  = errors.New("send queue is full")
	ErrPoolClosed = errors.New("send pool is closed")
)

// Sender is the outbound collaborator: Send enqueues and returns at once.
type Sender interface {
	Send(topic string, payload []byte) error
}

// Publisher defines the interface for publishing outbound records
type Publisher interface {
	Publish(ctx context.Context, rec message.Outbound) error
	PublishBatch(ctx context.Context, recs []message.Outbound) error
}

// Pool manages a pool of workers that drain the send queue into Kafka
type Pool struct {
	publisher    Publisher
	queue        chan message.Outbound
	workers      int
	batchSize    int
	batchTimeout time.Duration

	mu     sync.RWMutex
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// Metrics
	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Publisher    Publisher
	QueueSize    int
	Workers      int
	BatchSize    int
	BatchTimeout time.Duration
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		publisher:    cfg.Publisher,
		queue:        make(chan message.Outbound, cfg.QueueSize),
		workers:      cfg.Workers,
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Send enqueues payload for topic without waiting for delivery. A full
// queue drops the record and counts it.
func (p *Pool) Send(topic string, payload []byte) error {
	rec := message.Outbound{Topic: topic, Value: append([]byte(nil), payload...)}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.queue <- rec:
		metrics.SendQueueSize.Set(float64(len(p.queue)))
		return nil
	default:
		p.dropped.Add(1)
		metrics.SendDropped.Inc()
		return ErrQueueFull
	}
}

// Start begins processing the queue
func (p *Pool) Start() {
	log := logger.WithComponent("worker_pool")
	log.Info().
		Int("workers", p.workers).
		Int("batch_size", p.batchSize).
		Dur("batch_timeout", p.batchTimeout).
		Int("queue_capacity", cap(p.queue)).
		Msg("starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop closes the queue, lets workers flush what is buffered and waits for
// them. Stop is idempotent.
func (p *Pool) Stop() {
	log := logger.WithComponent("worker_pool")

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	log.Info().Msg("stopping worker pool")
	p.wg.Wait()
	p.cancel()
	log.Info().Msg("worker pool stopped")
}

// worker drains the queue in batches
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Int("worker_id", id).Logger()

	// Panic recovery
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			log.Error().
				Interface("panic", r).
				Bytes("stack", stack).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
		}
	}()

	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	batch := make([]message.Outbound, 0, p.batchSize)
	timer := time.NewTimer(p.batchTimeout)
	defer timer.Stop()

	for {
		select {
		case rec, ok := <-p.queue:
			if !ok {
				// Queue closed, flush and exit
				if len(batch) > 0 {
					p.publishBatch(batch)
				}
				return
			}

			batch = append(batch, rec)
			metrics.SendQueueSize.Set(float64(len(p.queue)))

			// Publish when batch is full
			if len(batch) >= p.batchSize {
				p.publishBatch(batch)
				batch = batch[:0] // Reset batch
				timer.Reset(p.batchTimeout)
			}

		case <-timer.C:
			// Publish on timeout if we have any records
			if len(batch) > 0 {
				p.publishBatch(batch)
				batch = batch[:0]
			}
			timer.Reset(p.batchTimeout)
		}
	}
}

// publishBatch publishes a batch of records
func (p *Pool) publishBatch(batch []message.Outbound) {
	if len(batch) == 0 {
		return
	}

	log := logger.WithComponent("worker")
	start := time.Now()

	// Create a timeout context for the publish operation
	ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()

	err := p.publisher.PublishBatch(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		log.Error().
			Err(err).
			Int("batch_size", len(batch)).
			Dur("duration", duration).
			Msg("failed to publish batch")

		// Fallback: try publishing individually
		p.publishIndividually(batch)
		return
	}

	log.Debug().
		Int("batch_size", len(batch)).
		Dur("duration", duration).
		Msg("batch published successfully")

	p.processed.Add(uint64(len(batch)))
}

// publishIndividually tries to publish each record separately (fallback)
func (p *Pool) publishIndividually(batch []message.Outbound) {
	log := logger.WithComponent("worker")
	log.Warn().Int("count", len(batch)).Msg("attempting individual publish for failed batch")

	for _, rec := range batch {
		ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
		err := p.publisher.Publish(ctx, rec)
		cancel()

		if err != nil {
			log.Error().
				Err(err).
				Str("topic", rec.Topic).
				Int("value_size", len(rec.Value)).
				Msg("failed to publish record individually")
			p.failed.Add(1)
			continue
		}
		p.processed.Add(1)
	}
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Queued:    len(p.queue),
	}
}

// Stats holds worker pool metrics
type Stats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
}
