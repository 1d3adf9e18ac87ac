package events

import (
	"context"
	"sync"
	"time"

	"github.com/agency-marketplace/backend/internal/telemetry"
	"go.uber.org/zap"
)

type queued struct {
	stream string
	event  Event
}

// AsyncPublisher decouples publishing from the caller. Publish never blocks:
// events go to a bounded queue drained by one goroutine, and are dropped with a
// warning when the queue is full. Notifications are best-effort; job state is
// already committed when they are sent.
type AsyncPublisher struct {
	next    Publisher
	log     *zap.Logger
	queue   chan queued
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsyncPublisher(next Publisher, buffer int, log *zap.Logger) *AsyncPublisher {
	if buffer <= 0 {
		buffer = 256
	}
	p := &AsyncPublisher{
		next:    next,
		log:     log,
		queue:   make(chan queued, buffer),
		timeout: 3 * time.Second,
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *AsyncPublisher) Publish(_ context.Context, stream string, event Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil
	}

	select {
	case p.queue <- queued{stream: stream, event: event}:
	default:
		telemetry.EventsDropped.Inc()
		p.log.Warn("event queue full, dropping event", zap.String("stream", stream), zap.String("type", event.Type))
	}
	return nil
}

// Close stops accepting events and waits for the queue to drain.
func (p *AsyncPublisher) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
}

func (p *AsyncPublisher) run() {
	defer close(p.done)
	for q := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if err := p.next.Publish(ctx, q.stream, q.event); err != nil {
			p.log.Warn("event publish failed", zap.String("stream", q.stream), zap.String("type", q.event.Type), zap.Error(err))
		}
		cancel()
	}
}
