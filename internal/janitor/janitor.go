// Package janitor repairs reservations that debited credits but never
// settled. A finalizer crash between the status update and the ledger write,
// a worker that died mid-transcode, or an operation row that vanished can
// all leave a reservation dangling; the janitor sweeps them on an interval
// and settles each one according to what its operation actually did.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vidforge/vidforge/internal/ledger"
	"github.com/vidforge/vidforge/internal/metrics"
	"github.com/vidforge/vidforge/internal/operation"
)

// sweepBatch bounds how many stale reservations one pass examines.
const sweepBatch = 100

// Janitor periodically settles reservations older than the TTL.
type Janitor struct {
	ledger   ledger.Store
	ops      operation.Store
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// New creates a janitor. ttl is how long a reservation may stay unsettled
// before it counts as stale; interval is the sweep cadence.
func New(lg ledger.Store, ops operation.Store, ttl, interval time.Duration, logger *slog.Logger) *Janitor {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &Janitor{
		ledger:   lg,
		ops:      ops,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (j *Janitor) Running() bool {
	return j.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (j *Janitor) Start(ctx context.Context) {
	j.running.Store(true)
	defer j.running.Store(false)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stop:
			return
		case <-ticker.C:
			j.safeSweep(ctx)
		}
	}
}

// Stop signals the sweep loop to stop.
func (j *Janitor) Stop() {
	select {
	case j.stop <- struct{}{}:
	default:
	}
}

func (j *Janitor) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("panic in reservation janitor", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := j.Sweep(ctx); err != nil {
		j.logger.Warn("reservation sweep failed", "error", err)
	}
}

// Sweep runs one pass over stale reservations and returns how many were
// repaired. Every repair path is idempotent: a reservation that settles
// between the listing and the repair is simply skipped.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	now := time.Now()
	stale, err := j.ledger.ListStaleReservations(ctx, now.Add(-j.ttl), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale reservations: %w", err)
	}

	repaired := 0
	for _, entry := range stale {
		action, err := j.repair(ctx, entry, now)
		if err != nil {
			j.logger.Warn("failed to repair stale reservation",
				"operation", entry.OperationID, "user", entry.UserID, "error", err)
			continue
		}
		if action == "" {
			continue
		}
		metrics.JanitorRepairsTotal.WithLabelValues(action).Inc()
		repaired++
		j.logger.Info("repaired stale reservation",
			"operation", entry.OperationID,
			"user", entry.UserID,
			"amount", entry.Amount,
			"age", now.Sub(entry.CreatedAt).Round(time.Second),
			"action", action,
		)
	}
	if len(stale) > 0 {
		j.logger.Info("reservation sweep finished", "examined", len(stale), "repaired", repaired)
	}
	return repaired, nil
}

// repair settles one stale reservation and returns the action taken, or ""
// when nothing needed doing.
func (j *Janitor) repair(ctx context.Context, entry *ledger.Entry, now time.Time) (string, error) {
	opID, ok := parseRef(entry.OperationID)
	if !ok {
		// The reference never pointed at an operation row; the credits can
		// only go back.
		_, err := j.ledger.Release(ctx, entry.OperationID)
		return settled("release_unlinked", err)
	}

	op, err := j.ops.Get(ctx, opID)
	if errors.Is(err, operation.ErrNotFound) {
		// Row deleted (asset cascade). Nothing will ever capture this.
		_, err := j.ledger.Release(ctx, entry.OperationID)
		return settled("release_orphan", err)
	}
	if err != nil {
		return "", err
	}

	switch {
	case op.Status == operation.StatusCompleted:
		// Finalizer crashed after the status commit but before the capture
		// became visible, or the capture itself was lost.
		_, err := j.ledger.Capture(ctx, entry.OperationID)
		return settled("capture", err)

	case op.Status == operation.StatusFailed:
		_, err := j.ledger.Release(ctx, entry.OperationID)
		return settled("release", err)

	case now.Sub(entry.CreatedAt) >= 2*j.ttl:
		// Stuck far past any plausible transcode. Fail the operation and
		// give the credits back.
		err := j.ops.UpdateStatus(ctx, op.ID, operation.StatusFailed, "", "janitor_stuck")
		if err != nil && !errors.Is(err, operation.ErrInvalidTransition) {
			return "", err
		}
		_, err = j.ledger.Release(ctx, entry.OperationID)
		return settled("fail_stuck", err)

	default:
		// Within the grace window for long-running work; leave it for a
		// later sweep.
		return "", nil
	}
}

// settled absorbs repair races. A reservation captured or refunded after the
// listing returns ErrSettled or ErrNoReservation from the second settle;
// neither needs an action or an error.
func settled(action string, err error) (string, error) {
	if err == nil {
		return action, nil
	}
	if ledger.Settled(err) || errors.Is(err, ledger.ErrNoReservation) {
		return "", nil
	}
	return "", err
}

// parseRef extracts the numeric id from an "op-<n>" billing reference.
func parseRef(ref string) (int64, bool) {
	s, ok := strings.CutPrefix(ref, "op-")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(s, 10, 64)
	return id, err == nil && id > 0
}
