package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vidforge/vidforge/internal/idgen"
	"github.com/vidforge/vidforge/internal/metrics"
	"github.com/vidforge/vidforge/internal/retry"
)

// Publisher delivers a claimed event to the event bus. Implementations must
// be safe for concurrent use; the dispatcher publishes a batch in parallel.
type Publisher interface {
	Publish(ctx context.Context, evt *Event) error
}

// DispatcherConfig tunes the polling dispatcher.
type DispatcherConfig struct {
	PollInterval  time.Duration
	BatchSize     int
	Lease         time.Duration
	MaxAttempts   int
	PruneInterval time.Duration
	PruneAfter    time.Duration
}

// DefaultDispatcherConfig returns the production settings.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval:  time.Second,
		BatchSize:     10,
		Lease:         60 * time.Second,
		MaxAttempts:   5,
		PruneInterval: time.Hour,
		PruneAfter:    24 * time.Hour,
	}
}

// Dispatcher drains the outbox: it claims batches of retryable events,
// publishes them to the bus, and records the outcome. Delivery is
// at-least-once; consumers dedupe on idempotency keys.
type Dispatcher struct {
	store     Store
	publisher Publisher
	cfg       DispatcherConfig
	logger    *slog.Logger
	id        string

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewDispatcher creates a dispatcher with a unique instance id used to tag
// its leases.
func NewDispatcher(store Store, publisher Publisher, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With("component", "outbox_dispatcher"),
		id:        "dispatcher-" + idgen.Hex(6),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the polling loop in a goroutine.
func (d *Dispatcher) Start() {
	d.logger.Info("starting outbox dispatcher",
		"id", d.id,
		"poll_interval", d.cfg.PollInterval,
		"batch_size", d.cfg.BatchSize)
	go d.run()
}

// Stop signals the loop to exit and waits for the in-flight batch to finish.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.stopCh) })
	<-d.doneCh
	d.logger.Info("outbox dispatcher stopped", "id", d.id)
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("outbox dispatcher panic", "panic", r)
		}
	}()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	var pruneCh <-chan time.Time
	if d.cfg.PruneInterval > 0 {
		pruneTicker := time.NewTicker(d.cfg.PruneInterval)
		defer pruneTicker.Stop()
		pruneCh = pruneTicker.C
	}

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.DispatchOnce(context.Background())
		case <-pruneCh:
			d.prune(context.Background())
		}
	}
}

// DispatchOnce claims and publishes a single batch. Returns the number of
// events successfully published. Exposed for tests and for the reconcile CLI.
func (d *Dispatcher) DispatchOnce(ctx context.Context) int {
	events, err := d.store.ClaimBatch(ctx, d.cfg.BatchSize, d.id, d.cfg.Lease)
	if err != nil {
		d.logger.Error("failed to claim outbox batch", "error", err)
		return 0
	}
	if len(events) == 0 {
		d.updateBacklogGauge(ctx)
		return 0
	}

	var published int64
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, evt := range events {
		wg.Add(1)
		go func(evt *Event) {
			defer wg.Done()
			if d.publishOne(ctx, evt) {
				mu.Lock()
				published++
				mu.Unlock()
			}
		}(evt)
	}
	wg.Wait()

	d.updateBacklogGauge(ctx)
	return int(published)
}

func (d *Dispatcher) publishOne(ctx context.Context, evt *Event) bool {
	if err := d.publisher.Publish(ctx, evt); err != nil {
		d.logger.Warn("failed to publish outbox event",
			"event_id", evt.ID,
			"event_type", evt.EventType,
			"attempts", evt.Attempts+1,
			"error", err)
		metrics.OutboxFailedTotal.Inc()
		if markErr := d.store.MarkFailed(ctx, evt.ID, d.cfg.MaxAttempts); markErr != nil {
			d.logger.Error("failed to mark outbox event failed", "event_id", evt.ID, "error", markErr)
		} else if evt.Attempts+1 >= d.cfg.MaxAttempts {
			metrics.OutboxDeadTotal.Inc()
			d.logger.Error("outbox event dead after max attempts",
				"event_id", evt.ID,
				"event_type", evt.EventType,
				"aggregate_id", evt.AggregateID)
		}
		return false
	}

	// The publish already happened; the mark must stick or the event is
	// republished after the lease expires. Retry the small write before
	// accepting the duplicate.
	markErr := retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		if err := d.store.MarkPublished(ctx, evt.ID); err != nil {
			d.logger.Warn("failed to mark outbox event published, retrying",
				"event_id", evt.ID, "error", err)
			return err
		}
		return nil
	})
	if markErr != nil {
		// Consumers dedupe on the idempotency key when the republish comes.
		d.logger.Error("published event left unmarked", "event_id", evt.ID, "error", markErr)
		return false
	}
	metrics.OutboxPublishedTotal.Inc()
	return true
}

func (d *Dispatcher) prune(ctx context.Context) {
	pruned, err := d.store.PrunePublished(ctx, time.Now().Add(-d.cfg.PruneAfter))
	if err != nil {
		d.logger.Error("failed to prune outbox", "error", err)
		return
	}
	if pruned > 0 {
		d.logger.Info("pruned published outbox events", "count", pruned)
	}
}

func (d *Dispatcher) updateBacklogGauge(ctx context.Context) {
	if count, err := d.store.CountRetryable(ctx); err == nil {
		metrics.OutboxPendingGauge.Set(float64(count))
	}
}
