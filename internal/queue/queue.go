package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itstheanurag/haskbot/internal/metrics"
	"golang.org/x/sync/semaphore"
)

// ErrQueueTimeout is returned by Admit when no slot freed up within the
// admission timeout.
var ErrQueueTimeout = errors.New("timed out waiting for an execution slot")

// Gate bounds the number of concurrent executions. Waiters are admitted in
// arrival order.
type Gate struct {
	sem              *semaphore.Weighted
	maxConcurrent    int
	admissionTimeout time.Duration

	waiting  atomic.Int64
	inFlight atomic.Int64
}

func NewGate(maxConcurrent int, admissionTimeout time.Duration) *Gate {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Gate{
		sem:              semaphore.NewWeighted(int64(maxConcurrent)),
		maxConcurrent:    maxConcurrent,
		admissionTimeout: admissionTimeout,
	}
}

// Slot is the right to run one execution. Release must be called once the
// execution finishes; extra calls are no-ops.
type Slot struct {
	gate *Gate
	once sync.Once
}

func (s *Slot) Release() {
	s.once.Do(func() {
		s.gate.inFlight.Add(-1)
		metrics.QueueInFlight.Dec()
		s.gate.sem.Release(1)
	})
}

// Admit blocks until a slot is free, the admission timeout elapses
// (ErrQueueTimeout) or ctx is done (ctx.Err()).
func (g *Gate) Admit(ctx context.Context) (*Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	g.waiting.Add(1)
	metrics.QueueWaiting.Inc()

	waitCtx := ctx
	if g.admissionTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.admissionTimeout)
		defer cancel()
	}

	err := g.sem.Acquire(waitCtx, 1)

	g.waiting.Add(-1)
	metrics.QueueWaiting.Dec()
	metrics.QueueWait.Observe(float64(time.Since(start).Milliseconds()))

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.QueueTimeouts.Inc()
		return nil, ErrQueueTimeout
	}

	g.inFlight.Add(1)
	metrics.QueueInFlight.Inc()
	return &Slot{gate: g}, nil
}

func (g *Gate) Waiting() int {
	return int(g.waiting.Load())
}

func (g *Gate) InFlight() int {
	return int(g.inFlight.Load())
}

func (g *Gate) Capacity() int {
	return g.maxConcurrent
}
