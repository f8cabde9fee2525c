// Package events fans worker pool events out to live subscribers such as
// websocket clients.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zerverless/jobqueue/internal/worker"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 100

type Subscriber struct {
	ID          string
	UserAgent   string
	ConnectedAt time.Time

	ch      chan worker.Event
	dropped atomic.Int64
}

// Events delivers published events. It is closed by Unsubscribe.
func (s *Subscriber) Events() <-chan worker.Event {
	return s.ch
}

// Dropped counts events discarded because the subscriber fell behind.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

type Stats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

// Broker delivers every published event to every subscriber without ever
// blocking the publisher: a full subscriber buffer drops the event.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	bufferSize  int
	logger      *zap.SugaredLogger

	published atomic.Int64
	dropped   atomic.Int64
}

func NewBroker(bufferSize int, logger *zap.SugaredLogger) *Broker {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Broker{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  bufferSize,
		logger:      logger.Named("events"),
	}
}

func (b *Broker) Subscribe(userAgent string) *Subscriber {
	s := &Subscriber{
		ID:          uuid.NewString(),
		UserAgent:   userAgent,
		ConnectedAt: time.Now().UTC(),
		ch:          make(chan worker.Event, b.bufferSize),
	}

	b.mu.Lock()
	b.subscribers[s.ID] = s
	n := len(b.subscribers)
	b.mu.Unlock()

	b.logger.Debugw("Subscriber connected", "subscriber_id", s.ID, "total", n)
	return s
}

func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	s, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(s.ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()

	if ok {
		b.logger.Debugw("Subscriber disconnected", "subscriber_id", id, "total", n, "dropped", s.Dropped())
	}
}

// Publish has the worker.Observer signature so the broker can be passed
// straight to worker.New.
func (b *Broker) Publish(e worker.Event) {
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subscribers {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

func (b *Broker) Stats() Stats {
	b.mu.RLock()
	n := len(b.subscribers)
	b.mu.RUnlock()
	return Stats{
		Subscribers: n,
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
	}
}

// Close disconnects every subscriber.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subscribers {
		delete(b.subscribers, id)
		close(s.ch)
	}
}
