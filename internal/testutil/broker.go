// Package testutil provides an in-memory stand-in for a Kafka cluster so
// consumer, producer and pipeline tests run without a broker.
package testutil

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrClosed is returned by a closed Reader or Writer
var ErrClosed = io.EOF

// Broker keeps an append-only log per topic partition and the committed
// offset per consumer group.
type Broker struct {
	mu        sync.Mutex
	logs      map[string][][]kafka.Message // topic -> partition -> records
	committed map[offsetKey]int64          // next offset to read
	wake      chan struct{}

	fetchErrs []error
	writeErrs []error

	readersOpened int
	commits       int
}

type offsetKey struct {
	group     string
	topic     string
	partition int
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		logs:      make(map[string][][]kafka.Message),
		committed: make(map[offsetKey]int64),
		wake:      make(chan struct{}),
	}
}

// CreateTopic sets the partition count for topic. Producing to an unknown
// topic creates it with one partition.
func (b *Broker) CreateTopic(topic string, partitions int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.logs[topic]) < partitions {
		b.logs[topic] = append(b.logs[topic], nil)
	}
}

// Produce appends a record and returns its offset
func (b *Broker) Produce(topic string, partition int, key, value []byte, headers ...kafka.Header) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appendLocked(topic, partition, kafka.Message{Key: key, Value: value, Headers: headers})
}

func (b *Broker) appendLocked(topic string, partition int, m kafka.Message) int64 {
	for len(b.logs[topic]) <= partition {
		b.logs[topic] = append(b.logs[topic], nil)
	}
	offset := int64(len(b.logs[topic][partition]))
	m.Topic = topic
	m.Partition = partition
	m.Offset = offset
	if m.Time.IsZero() {
		m.Time = time.Now()
	}
	b.logs[topic][partition] = append(b.logs[topic][partition], m)
	b.broadcastLocked()
	return offset
}

func (b *Broker) broadcastLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}

// Records returns a copy of a partition log
func (b *Broker) Records(topic string, partition int) []kafka.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if partition >= len(b.logs[topic]) {
		return nil
	}
	return append([]kafka.Message(nil), b.logs[topic][partition]...)
}

// Committed returns the next offset group will read from a partition
func (b *Broker) Committed(group, topic string, partition int) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.committed[offsetKey{group, topic, partition}]
}

// Commits returns how many CommitMessages calls succeeded
func (b *Broker) Commits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commits
}

// ReadersOpened returns how many readers were created
func (b *Broker) ReadersOpened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readersOpened
}

// FailFetches makes the next len(errs) fetches, across all readers, fail
// with errs in order.
func (b *Broker) FailFetches(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetchErrs = append(b.fetchErrs, errs...)
	b.broadcastLocked()
}

// FailWrites makes the next len(errs) WriteMessages calls fail
func (b *Broker) FailWrites(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeErrs = append(b.writeErrs, errs...)
}

// NewReader opens a group member that owns every partition of topic and
// starts from the group's committed offsets.
func (b *Broker) NewReader(group, topic string) *Reader {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readersOpened++
	return &Reader{broker: b, group: group, topic: topic, pos: make(map[int]int64)}
}

// Reader is an in-memory consumer-group member
type Reader struct {
	broker *Broker
	group  string
	topic  string
	pos    map[int]int64
	closed bool
}

// FetchMessage blocks until a record past the reader's position exists
func (r *Reader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	b := r.broker
	for {
		b.mu.Lock()
		if r.closed {
			b.mu.Unlock()
			return kafka.Message{}, ErrClosed
		}
		if len(b.fetchErrs) > 0 {
			err := b.fetchErrs[0]
			b.fetchErrs = b.fetchErrs[1:]
			b.mu.Unlock()
			return kafka.Message{}, err
		}
		for p, log := range b.logs[r.topic] {
			next, ok := r.pos[p]
			if !ok {
				next = b.committed[offsetKey{r.group, r.topic, p}]
			}
			if next < int64(len(log)) {
				r.pos[p] = next + 1
				m := log[next]
				b.mu.Unlock()
				return m, nil
			}
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-wake:
		}
	}
}

// CommitMessages records offset+1 for each message, like kafka-go
func (r *Reader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	b := r.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	for _, m := range msgs {
		k := offsetKey{r.group, m.Topic, m.Partition}
		if m.Offset+1 > b.committed[k] {
			b.committed[k] = m.Offset + 1
		}
	}
	b.commits++
	return nil
}

// Close releases the reader; a blocked fetch returns ErrClosed
func (r *Reader) Close() error {
	b := r.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	r.closed = true
	b.broadcastLocked()
	return nil
}

// Writer appends to the broker; each message goes to its own Topic, or to
// the writer's default topic when empty. Partitions are always 0.
type Writer struct {
	broker *Broker
	topic  string
	closed bool
	mu     sync.Mutex
}

// NewWriter returns a writer with a default topic (may be empty)
func (b *Broker) NewWriter(topic string) *Writer {
	return &Writer{broker: b, topic: topic}
}

// WriteMessages appends every message or none
func (w *Writer) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}

	b := w.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.writeErrs) > 0 {
		err := b.writeErrs[0]
		b.writeErrs = b.writeErrs[1:]
		return err
	}
	for _, m := range msgs {
		topic := m.Topic
		if topic == "" {
			topic = w.topic
		}
		if topic == "" {
			return errors.New("no topic for message")
		}
		m.Topic = ""
		b.appendLocked(topic, 0, m)
	}
	return nil
}

// Close implements io.Closer
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// Stats returns empty writer stats
func (w *Writer) Stats() kafka.WriterStats {
	return kafka.WriterStats{Topic: w.topic}
}
