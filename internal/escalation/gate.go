package escalation

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/emberwatch/emberwatch/internal/errors"
	"github.com/emberwatch/emberwatch/internal/notification"
	"github.com/emberwatch/emberwatch/internal/observability/metrics"
)

// Stage names. Each stage draws from its own slot pool so a backlog in one
// capability cannot starve the others.
const (
	stageClassify = "classify"
	stageStorage  = "storage"
	stageEmail    = "email"
	stageAnalysis = "analysis"
	stageCall     = "call"
)

var stageNames = []string{stageClassify, stageStorage, stageEmail, stageAnalysis, stageCall}

// gate bounds every external capability call: a per-stage slot semaphore, a
// per-stage deadline, and an optional breaker and limiter.
type gate struct {
	pools   map[string]*semaphore.Weighted
	metrics *metrics.EscalationMetrics
}

func newGate(maxInFlight int64, m *metrics.EscalationMetrics) *gate {
	pools := make(map[string]*semaphore.Weighted, len(stageNames))
	for _, name := range stageNames {
		pools[name] = semaphore.NewWeighted(max(maxInFlight, 1))
	}
	return &gate{pools: pools, metrics: m}
}

type stage struct {
	name    string
	timeout time.Duration
	breaker *notification.CircuitBreaker
	limiter *rate.Limiter
}

// run executes fn for s once a slot of its pool is free. Waiting for a slot
// counts against the stage timeout. A limiter without a free token fails the
// stage immediately.
func (g *gate) run(ctx context.Context, s stage, fn func(context.Context) error) error {
	if s.limiter != nil && !s.limiter.Allow() {
		return g.fail(s, errors.Newf("%s rate limit exceeded", s.name).
			Component("escalation").
			Category(errors.CategoryLimit).
			Context("stage", s.name).
			Build())
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	slots := g.pools[s.name]
	waitStart := time.Now()
	if err := slots.Acquire(ctx, 1); err != nil {
		return g.fail(s, errors.New(err).
			Component("escalation").
			Category(errors.CategoryTimeout).
			Context("stage", s.name).
			Context("reason", "no free worker slot").
			Build())
	}
	defer slots.Release(1)
	g.metrics.SlotWaitDuration.Observe(time.Since(waitStart).Seconds())

	start := time.Now()
	var err error
	if s.breaker != nil {
		err = s.breaker.Call(ctx, fn)
	} else {
		err = fn(ctx)
	}
	g.metrics.ObserveStage(s.name, time.Since(start))
	if err != nil {
		return g.fail(s, err)
	}
	return nil
}

func (g *gate) fail(s stage, err error) error {
	category := errors.CategoryOf(err)
	if category == errors.CategoryGeneric && errors.Is(err, context.DeadlineExceeded) {
		category = errors.CategoryTimeout
	}
	g.metrics.RecordStageError(s.name, string(category))
	return err
}
