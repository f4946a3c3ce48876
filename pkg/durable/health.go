package durable

import (
	"context"
	stderrors "errors"
	"strconv"
	"time"

	"github.com/durastore/durastore/internal/circuit"
	"github.com/durastore/durastore/pkg/errors"
	"github.com/durastore/durastore/pkg/health"
	"github.com/durastore/durastore/pkg/types"
)

// Health components registered by the layer
const (
	ComponentStorage = "storage"
	ComponentCache   = "cache"
	ComponentSync    = "sync"
)

// healthCanaryKey lives outside the cache, entity and backup key spaces
const healthCanaryKey = "health/canary"

// healthChecker is implemented by media with a cheaper native check
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

func (l *Layer) registerHealth() {
	l.deniedSeen.Store(l.Cache.PoolStats().Denied)

	l.Health.Register(ComponentStorage, l.instrument(ComponentStorage, l.checkStorage))
	l.Health.Register(ComponentCache, l.instrument(ComponentCache, l.checkCache))
	if l.Outbox != nil {
		l.Health.Register(ComponentSync, l.instrument(ComponentSync, l.checkSync))
	}
}

// instrument records each run of check as a health_check_<component>
// operation
func (l *Layer) instrument(component string, check health.CheckFunc) health.CheckFunc {
	op := "health_check_" + component
	return func(ctx context.Context) error {
		start := time.Now()
		err := check(ctx)
		l.Metrics.RecordOperation(op, time.Since(start), 0, err == nil)
		l.Metrics.RecordError(op, err)
		return err
	}
}

// checkStorage round-trips a canary key, so a medium that still reads but
// refuses writes shows up as read-only
func (l *Layer) checkStorage(ctx context.Context) error {
	if hc, ok := l.kv.(healthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			return errors.NewError(errors.ErrCodeStorageRead, "storage unreachable").
				WithComponent("durable").WithOperation("health_check").WithCause(err)
		}
		return nil
	}

	stamp := []byte(strconv.FormatInt(l.clock.Now().UnixNano(), 10))
	if err := l.kv.Set(ctx, healthCanaryKey, stamp); err != nil {
		return errors.NewError(errors.ErrCodeStorageWrite, "storage refused canary write").
			WithComponent("durable").WithOperation("health_check").WithCause(err)
	}
	if _, err := l.kv.Get(ctx, healthCanaryKey); err != nil && !stderrors.Is(err, types.ErrKeyNotFound) {
		return errors.NewError(errors.ErrCodeStorageRead, "storage refused canary read").
			WithComponent("durable").WithOperation("health_check").WithCause(err)
	}
	return nil
}

// checkCache fails while the memory budget keeps denying allocations
func (l *Layer) checkCache(context.Context) error {
	denied := l.Cache.PoolStats().Denied
	prev := l.deniedSeen.Swap(denied)
	if denied > prev {
		return errors.NewError(errors.ErrCodeAllocationDenied, "cache allocations denied since last check").
			WithComponent("durable").WithOperation("health_check").
			WithDetail("denied", denied-prev)
	}
	return nil
}

// checkSync fails while the outbox breaker holds the remote open
func (l *Layer) checkSync(context.Context) error {
	if st := l.Outbox.GetStats(); st.BreakerState == circuit.StateOpen.String() {
		return errors.NewError(errors.ErrCodeNetworkError, "remote unreachable, circuit open").
			WithComponent("durable").WithOperation("health_check").
			WithDetail("pending", st.Pending)
	}
	return nil
}
