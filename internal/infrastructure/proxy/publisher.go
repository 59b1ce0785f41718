package proxy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"netcapture/internal/domain"
	obs "netcapture/internal/infrastructure/observability"
)

// Sink receives captures from the single writer goroutine.
type Sink func(ctx context.Context, r domain.CapturedRequest)

// Publisher is the single-writer queue between connection handlers and the store.
// Publish blocks the calling connection for at most the enqueue timeout, then
// drops the capture; it never blocks other connections or the listener.
type Publisher struct {
	ch       chan domain.CapturedRequest
	sink     Sink
	timeout  time.Duration
	logger   *zerolog.Logger
	metrics  *obs.Metrics
	warnings *rate.Limiter

	mu        sync.RWMutex
	closed    bool
	writer    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func NewPublisher(size int, timeout time.Duration, sink Sink, logger *zerolog.Logger, metrics *obs.Metrics) *Publisher {
	if size <= 0 {
		size = 1000
	}
	if metrics == nil {
		metrics = obs.NewMetrics()
	}
	return &Publisher{
		ch:       make(chan domain.CapturedRequest, size),
		sink:     sink,
		timeout:  timeout,
		logger:   obs.Component(logger, "publisher"),
		metrics:  metrics,
		warnings: rate.NewLimiter(rate.Every(5*time.Second), 1),
		done:     make(chan struct{}),
	}
}

// Run drains the queue until ctx is cancelled or Close is called; remaining
// captures are flushed before returning. Only the first writer runs; Run
// returns at once when the queue already has one or was closed without one.
func (p *Publisher) Run(ctx context.Context) {
	if !p.writer.CompareAndSwap(false, true) {
		return
	}
	defer close(p.done)
	for {
		select {
		case r, ok := <-p.ch:
			if !ok {
				return
			}
			p.sink(ctx, r)
		case <-ctx.Done():
			for {
				select {
				case r, ok := <-p.ch:
					if !ok {
						return
					}
					p.sink(context.WithoutCancel(ctx), r)
				default:
					return
				}
			}
		}
	}
}

// Publish enqueues r. It reports false when the capture was dropped.
func (p *Publisher) Publish(ctx context.Context, r domain.CapturedRequest) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.drop(r)
		return false
	}
	select {
	case p.ch <- r:
		return true
	default:
	}
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case p.ch <- r:
		return true
	case <-timer.C:
	case <-ctx.Done():
	}
	p.drop(r)
	return false
}

func (p *Publisher) drop(r domain.CapturedRequest) {
	p.metrics.CapturesDroppedTotal.Inc()
	if p.warnings.Allow() {
		p.logger.Warn().Str("id", r.ID).Str("url", r.URL).Msg("capture queue unavailable, dropping capture")
	}
}

// Close stops accepting captures and waits for the writer to flush. Captures
// the writer did not take (it never started, or its context ended first) are
// delivered by Close itself.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.ch)
		p.mu.Unlock()
		if p.writer.CompareAndSwap(false, true) {
			close(p.done)
		} else {
			<-p.done
		}
		for r := range p.ch {
			p.sink(context.Background(), r)
		}
	})
}
