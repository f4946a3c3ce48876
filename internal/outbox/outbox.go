package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/durastore/durastore/internal/circuit"
	"github.com/durastore/durastore/pkg/errors"
	"github.com/durastore/durastore/pkg/retry"
	"github.com/durastore/durastore/pkg/types"
	"github.com/durastore/durastore/pkg/utils"
)

// Event names recorded by the outbox
const (
	EventItemDropped   = "sync_item_dropped"
	EventItemRejected  = "sync_item_rejected"
	EventBatchFailed   = "sync_batch_failed"
	EventBreakerChange = "sync_breaker_state_changed"
)

// Ack is the remote's verdict on one item of a batch. A nil Err means the
// item was applied; Data and ServerTimestamp carry the authoritative state
// when the remote returns one.
type Ack struct {
	ItemID          string
	Data            map[string]interface{}
	ServerTimestamp time.Time
	Err             error
}

// Transport delivers batches to the remote store. A returned error means
// the batch did not reach the remote and may be retried; per-item
// rejections are reported through Ack.Err instead.
type Transport interface {
	Send(ctx context.Context, items []types.SyncItem) ([]Ack, error)
}

// TransportFunc adapts a function to Transport
type TransportFunc func(ctx context.Context, items []types.SyncItem) ([]Ack, error)

// Send implements Transport
func (f TransportFunc) Send(ctx context.Context, items []types.SyncItem) ([]Ack, error) {
	return f(ctx, items)
}

// Handler is told how each item ended. Items without an ack are delivered.
type Handler interface {
	Delivered(ctx context.Context, item types.SyncItem, ack Ack)
	Rejected(ctx context.Context, item types.SyncItem, ack Ack)
}

// Config contains configuration for the outbox
type Config struct {
	Capacity      int           `yaml:"capacity"`       // Maximum queued items
	BatchSize     int           `yaml:"batch_size"`     // Maximum items per Send
	FlushInterval time.Duration `yaml:"flush_interval"` // Maximum time an item waits before a flush
	Workers       int           `yaml:"workers"`        // Concurrent delivery lanes
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`

	Retry   retry.Config   `yaml:"retry"`
	Breaker circuit.Config `yaml:"breaker"`
}

// DefaultConfig returns the outbox defaults
func DefaultConfig() Config {
	return Config{
		Capacity:      1000,
		BatchSize:     50,
		FlushInterval: 2 * time.Second,
		Workers:       2,
		RatePerSecond: 5,
		Burst:         10,
		Retry:         retry.DefaultConfig(),
		Breaker:       circuit.DefaultConfig(),
	}
}

// Options carries the outbox collaborators
type Options struct {
	Handler  Handler
	Recorder types.EventRecorder
	Logger   *utils.StructuredLogger
}

// Stats tracks outbox statistics
type Stats struct {
	Enqueued     int64  `json:"enqueued"`
	Dropped      int64  `json:"dropped"`
	Delivered    int64  `json:"delivered"`
	Rejected     int64  `json:"rejected"`
	Requeued     int64  `json:"requeued"`
	Batches      int64  `json:"batches"`
	FailedSends  int64  `json:"failed_sends"`
	FlushCount   int64  `json:"flush_count"`
	Pending      int    `json:"pending"`
	BreakerState string `json:"breaker_state"`
}

// Outbox queues sync items and delivers them in batches, paced by a rate
// limiter and guarded by retry with backoff and a circuit breaker. Items of
// one entity always travel in the same lane, so they reach the remote in
// the order they were queued.
type Outbox struct {
	config    Config
	transport Transport
	handler   Handler
	recorder  types.EventRecorder
	logger    *utils.StructuredLogger

	limiter *rate.Limiter
	retryer *retry.Retryer
	breaker *circuit.Breaker

	mu      sync.Mutex
	pending []types.SyncItem
	stats   Stats
	started bool
	closed  bool

	flushMu sync.Mutex
	kick    chan struct{}
	stopCh  chan struct{}
	wg      conc.WaitGroup
}

// New creates an outbox delivering through transport
func New(transport Transport, config Config, opts Options) (*Outbox, error) {
	if transport == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "outbox requires a transport").
			WithComponent("outbox")
	}
	def := DefaultConfig()
	if config.Capacity <= 0 {
		config.Capacity = def.Capacity
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = def.FlushInterval
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewNopLogger()
	}
	if opts.Recorder == nil {
		opts.Recorder = types.NopRecorder{}
	}

	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}
	burst := config.Burst
	if burst < config.Workers {
		burst = config.Workers
	}

	o := &Outbox{
		config:    config,
		transport: transport,
		handler:   opts.Handler,
		recorder:  opts.Recorder,
		logger:    opts.Logger.WithComponent("outbox"),
		limiter:   rate.NewLimiter(limit, burst),
		retryer:   retry.New(config.Retry),
		kick:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}

	breakerCfg := config.Breaker
	userHook := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(name string, from, to circuit.State) {
		o.logger.Warn("Sync circuit state changed", map[string]interface{}{
			"from": from.String(),
			"to":   to.String(),
		})
		o.recorder.Record(EventBreakerChange, map[string]interface{}{
			"from": from.String(),
			"to":   to.String(),
		})
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	o.breaker = circuit.New("sync", breakerCfg)

	return o, nil
}

// Enqueue implements types.SyncQueue. It never blocks; when the outbox is
// full or closed the item is dropped and counted.
func (o *Outbox) Enqueue(item types.SyncItem) bool {
	o.mu.Lock()
	if o.closed || len(o.pending) >= o.config.Capacity {
		o.stats.Dropped++
		closed := o.closed
		o.mu.Unlock()

		o.logger.Warn("Sync item dropped", map[string]interface{}{
			"item_id":   item.ID,
			"entity_id": item.EntityID,
			"closed":    closed,
		})
		o.recorder.Record(EventItemDropped, map[string]interface{}{
			"item_id":     item.ID,
			"entity_id":   item.EntityID,
			"entity_type": item.EntityType,
		})
		return false
	}

	o.pending = append(o.pending, item)
	o.stats.Enqueued++
	full := len(o.pending) >= o.config.BatchSize
	o.mu.Unlock()

	if full {
		select {
		case o.kick <- struct{}{}:
		default:
		}
	}
	return true
}

// Start launches the background flush loop
func (o *Outbox) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "outbox already started").
			WithComponent("outbox")
	}
	if o.closed {
		return errors.NewError(errors.ErrCodeInvalidState, "outbox is closed").
			WithComponent("outbox")
	}

	o.started = true
	o.wg.Go(func() { o.loop(ctx) })
	return nil
}

func (o *Outbox) loop(ctx context.Context) {
	ticker := time.NewTicker(o.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
		case <-o.kick:
		}
		o.Flush(ctx)
	}
}

// Stop ends the flush loop, makes a last delivery attempt with ctx and
// refuses further items. Items still undelivered are returned so the caller
// can persist them.
func (o *Outbox) Stop(ctx context.Context) []types.SyncItem {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	started := o.started
	o.mu.Unlock()

	if started {
		close(o.stopCh)
		o.wg.Wait()
	}

	o.Flush(ctx)

	o.mu.Lock()
	left := o.pending
	o.pending = nil
	o.mu.Unlock()

	if len(left) > 0 {
		o.logger.Warn("Outbox stopped with undelivered items", map[string]interface{}{
			"count": len(left),
		})
	}
	return left
}

// Flush delivers everything queued so far. Concurrent calls are serialised.
// It returns the number of items that left the queue (delivered or
// rejected).
func (o *Outbox) Flush(ctx context.Context) int {
	o.flushMu.Lock()
	defer o.flushMu.Unlock()

	o.mu.Lock()
	toSend := o.pending
	o.pending = nil
	if len(toSend) > 0 {
		o.stats.FlushCount++
	}
	o.mu.Unlock()

	if len(toSend) == 0 {
		return 0
	}
	if !o.breaker.Allow() {
		o.requeue(toSend)
		return 0
	}

	lanes := o.partition(toSend)

	var (
		mu       sync.Mutex
		settled  int
		leftover = make([][]types.SyncItem, len(lanes))
	)

	p := pool.New().WithMaxGoroutines(o.config.Workers)
	for i, lane := range lanes {
		if len(lane) == 0 {
			continue
		}
		i, lane := i, lane
		p.Go(func() {
			n, rest := o.drainLane(ctx, lane)
			mu.Lock()
			settled += n
			leftover[i] = rest
			mu.Unlock()
		})
	}
	p.Wait()

	// Put undelivered items back in their original relative order.
	undelivered := make(map[string]bool)
	for _, rest := range leftover {
		for _, item := range rest {
			undelivered[item.ID] = true
		}
	}
	var back []types.SyncItem
	for _, item := range toSend {
		if undelivered[item.ID] {
			back = append(back, item)
		}
	}
	if len(back) > 0 {
		o.requeue(back)
	}
	return settled
}

// partition splits items into lanes keyed by entity, keeping queue order
// inside each lane.
func (o *Outbox) partition(items []types.SyncItem) [][]types.SyncItem {
	lanes := make([][]types.SyncItem, o.config.Workers)
	for _, item := range items {
		h := xxhash.Sum64String(item.EntityType + "/" + item.EntityID)
		idx := int(h % uint64(len(lanes)))
		lanes[idx] = append(lanes[idx], item)
	}
	return lanes
}

// drainLane sends a lane batch by batch. It stops at the first batch that
// cannot be delivered and returns that batch and everything after it.
func (o *Outbox) drainLane(ctx context.Context, lane []types.SyncItem) (int, []types.SyncItem) {
	settled := 0
	for start := 0; start < len(lane); start += o.config.BatchSize {
		end := start + o.config.BatchSize
		if end > len(lane) {
			end = len(lane)
		}
		batch := lane[start:end]

		if err := o.limiter.Wait(ctx); err != nil {
			return settled, lane[start:]
		}

		acks, err := o.send(ctx, batch)
		if err != nil && o.permanent(ctx, err) {
			acks = make([]Ack, len(batch))
			for i, item := range batch {
				acks[i] = Ack{ItemID: item.ID, Err: err}
			}
			err = nil
		}
		if err != nil {
			o.mu.Lock()
			o.stats.FailedSends++
			o.mu.Unlock()

			o.logger.Warn("Sync batch failed", map[string]interface{}{
				"items": len(batch),
				"error": err,
			})
			o.recorder.Record(EventBatchFailed, map[string]interface{}{
				"items":     len(batch),
				"rejection": circuit.IsRejection(err),
			})
			return settled, lane[start:]
		}

		settled += o.settle(ctx, batch, acks)
	}
	return settled, nil
}

func (o *Outbox) send(ctx context.Context, batch []types.SyncItem) ([]Ack, error) {
	var acks []Ack
	err := o.breaker.Execute(ctx, func(ctx context.Context) error {
		return o.retryer.Do(ctx, func(ctx context.Context) error {
			var serr error
			acks, serr = o.transport.Send(ctx, batch)
			return serr
		})
	})

	o.mu.Lock()
	o.stats.Batches++
	o.mu.Unlock()
	return acks, err
}

// permanent reports whether a whole-batch error is the remote refusing the
// batch, as opposed to the batch not getting through.
func (o *Outbox) permanent(ctx context.Context, err error) bool {
	if ctx.Err() != nil || circuit.IsRejection(err) {
		return false
	}
	return !o.retryer.Retryable(err)
}

func (o *Outbox) settle(ctx context.Context, batch []types.SyncItem, acks []Ack) int {
	byID := make(map[string]Ack, len(acks))
	for _, ack := range acks {
		byID[ack.ItemID] = ack
	}

	var delivered, rejected int64
	for _, item := range batch {
		ack, ok := byID[item.ID]
		if !ok {
			ack = Ack{ItemID: item.ID}
		}

		if ack.Err != nil {
			rejected++
			o.logger.Info("Sync item rejected", map[string]interface{}{
				"item_id":   item.ID,
				"entity_id": item.EntityID,
				"error":     ack.Err,
			})
			o.recorder.Record(EventItemRejected, map[string]interface{}{
				"item_id":     item.ID,
				"entity_id":   item.EntityID,
				"entity_type": item.EntityType,
				"kind":        string(item.Kind),
			})
			if o.handler != nil {
				o.handler.Rejected(ctx, item, ack)
			}
			continue
		}

		delivered++
		if o.handler != nil {
			o.handler.Delivered(ctx, item, ack)
		}
	}

	o.mu.Lock()
	o.stats.Delivered += delivered
	o.stats.Rejected += rejected
	o.mu.Unlock()
	return len(batch)
}

// requeue puts items back at the head of the queue. Items that no longer
// fit are dropped, newest first.
func (o *Outbox) requeue(items []types.SyncItem) {
	o.mu.Lock()
	defer o.mu.Unlock()

	merged := make([]types.SyncItem, 0, len(items)+len(o.pending))
	merged = append(merged, items...)
	merged = append(merged, o.pending...)

	if over := len(merged) - o.config.Capacity; over > 0 {
		merged = merged[:o.config.Capacity]
		o.stats.Dropped += int64(over)
		o.logger.Warn("Outbox over capacity after requeue", map[string]interface{}{
			"dropped": over,
		})
	}

	o.stats.Requeued += int64(len(items))
	o.pending = merged
}

// Len returns the number of queued items
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Pending returns a copy of the queued items in delivery order
func (o *Outbox) Pending() []types.SyncItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]types.SyncItem(nil), o.pending...)
}

// Breaker exposes the circuit guarding the transport
func (o *Outbox) Breaker() *circuit.Breaker {
	return o.breaker
}

// GetStats returns current outbox statistics
func (o *Outbox) GetStats() Stats {
	o.mu.Lock()
	s := o.stats
	s.Pending = len(o.pending)
	o.mu.Unlock()

	s.BreakerState = o.breaker.State().String()
	return s
}
