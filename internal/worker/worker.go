// Package worker consumes transcode jobs. Each job run loads the operation,
// guards its status, supervises the external transcoder, and settles the
// outcome through the finalizer. Failures before the last attempt surface as
// queue retries; permanent defects (missing source, deleted asset) settle
// immediately so the queue does not grind through pointless attempts.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vidforge/vidforge/internal/asset"
	"github.com/vidforge/vidforge/internal/eventbus"
	"github.com/vidforge/vidforge/internal/finalize"
	"github.com/vidforge/vidforge/internal/metrics"
	"github.com/vidforge/vidforge/internal/operation"
	"github.com/vidforge/vidforge/internal/queue"
	"github.com/vidforge/vidforge/internal/storage"
	"github.com/vidforge/vidforge/internal/submit"
	"github.com/vidforge/vidforge/internal/transcoder"
)

// Transcoder runs one external transcode. Satisfied by *transcoder.Runner.
type Transcoder interface {
	Run(ctx context.Context, req transcoder.Request) error
}

// Notifier publishes transient progress frames. Satisfied by
// *eventbus.Realtime; nil disables progress fan-out.
type Notifier interface {
	Publish(ctx context.Context, n eventbus.Notification) error
}

// Config tunes the runtime.
type Config struct {
	Concurrency  int           // consumers per operation type
	VideoTimeout time.Duration // wall-clock budget per video transcode
	ImageTimeout time.Duration // wall-clock budget per image operation
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.VideoTimeout <= 0 {
		c.VideoTimeout = 5 * time.Minute
	}
	if c.ImageTimeout <= 0 {
		c.ImageTimeout = 45 * time.Second
	}
	return c
}

// Runtime wires the queue to the transcoder and the finalizer.
type Runtime struct {
	q        *queue.Queue
	assets   asset.Store
	ops      operation.Store
	files    *storage.Layout
	runner   Transcoder
	fin      *finalize.Service
	realtime Notifier
	cfg      Config
	logger   *slog.Logger
}

func New(q *queue.Queue, assets asset.Store, ops operation.Store, files *storage.Layout, runner Transcoder, fin *finalize.Service, realtime Notifier, cfg Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		q:        q,
		assets:   assets,
		ops:      ops,
		files:    files,
		runner:   runner,
		fin:      fin,
		realtime: realtime,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// queueTypes is every operation type workers consume.
var queueTypes = []operation.Type{
	operation.TypeResize,
	operation.TypeConvert,
	operation.TypeCrop,
	operation.TypeResizeImage,
	operation.TypeConvertImage,
}

// Start registers consumers for every operation type, starts the queue, and
// launches the event bridge.
func (r *Runtime) Start(ctx context.Context) {
	for _, t := range queueTypes {
		r.q.Process(string(t), r.cfg.Concurrency, r.Handle)
	}
	r.q.Start()
	go r.bridge(ctx)
}

// Stop drains the queue consumers.
func (r *Runtime) Stop(ctx context.Context) error {
	return r.q.Stop(ctx)
}

// bridge forwards queue progress events to the realtime channel. Milestone
// events travel the durable outbox path instead; draining the rest here
// keeps the queue's event buffer from overflowing.
func (r *Runtime) bridge(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-r.q.Events():
			if !ok {
				return
			}
			if evt.Kind != queue.EventProgress || r.realtime == nil {
				continue
			}
			var p submit.Payload
			if err := json.Unmarshal(evt.Payload, &p); err != nil {
				continue
			}
			body, _ := json.Marshal(map[string]any{
				"operationId": p.OperationID,
				"type":        p.Type,
				"progress":    evt.Progress,
			})
			err := r.realtime.Publish(ctx, eventbus.Notification{
				Resource: p.AssetID,
				Event:    "job:progress",
				Payload:  body,
			})
			if err != nil && ctx.Err() == nil {
				r.logger.Warn("failed to publish progress frame", "error", err)
			}
		}
	}
}

// Handle processes one queue delivery.
func (r *Runtime) Handle(ctx context.Context, job *queue.Job) error {
	var p submit.Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		// Malformed payloads never improve on retry.
		r.logger.Error("dropping undecodable job", "job_id", job.ID, "error", err)
		return nil
	}
	logger := r.logger.With("operation_id", p.OperationID, "type", p.Type, "job_id", job.ID)

	op, err := r.ops.Get(ctx, p.OperationID)
	if errors.Is(err, operation.ErrNotFound) {
		logger.Warn("dropping job for missing operation")
		return nil
	}
	if err != nil {
		return err
	}
	if op.Status.Terminal() {
		// Duplicate delivery after a settled run.
		logger.Debug("skipping terminal operation", "status", op.Status)
		return nil
	}

	a, err := r.assets.Get(ctx, p.AssetID)
	if errors.Is(err, asset.ErrNotFound) {
		return r.settleDefect(ctx, op, p.UserID, "asset no longer exists", logger)
	}
	if err != nil {
		return err
	}

	src := r.files.SourcePath(a.ID, a.Format)
	if _, err := storage.CheckFile(src); err != nil {
		return r.settleDefect(ctx, op, p.UserID, fmt.Sprintf("source file unavailable: %v", err), logger)
	}

	if op.Status == operation.StatusPending {
		if err := r.fin.Started(ctx, op, p.UserID); err != nil {
			return err
		}
	}

	dst := r.files.DerivedPath(a.ID, op.Type, op.Params, a.Format)
	if err := r.files.EnsureAssetDir(a.ID); err != nil {
		return err
	}

	started := time.Now()
	err = r.runner.Run(ctx, transcoder.Request{
		Args:       transcoder.BuildArgs(op.Type, op.Params, src, dst),
		Timeout:    r.timeoutFor(op.Type),
		OnProgress: r.progressFunc(ctx, job),
	})
	if err == nil {
		if _, checkErr := storage.CheckFile(dst); checkErr != nil {
			err = fmt.Errorf("transcoder produced no output: %w", checkErr)
		}
	}
	elapsed := time.Since(started)

	if err != nil {
		if ctx.Err() != nil {
			// Shutdown or lost lease: leave settlement to the next
			// delivery or the janitor.
			return ctx.Err()
		}
		if job.LastAttempt() {
			logger.Error("job failed terminally", "attempt", job.AttemptsMade+1, "error", err)
			metrics.JobsCompletedTotal.WithLabelValues(string(op.Type), "failure").Inc()
			if finErr := r.fin.TerminalFailure(ctx, op, p.UserID, err.Error()); finErr != nil {
				logger.Error("failed to settle terminal failure", "error", finErr)
			}
		} else {
			logger.Warn("job attempt failed", "attempt", job.AttemptsMade+1, "error", err)
		}
		return err
	}

	if err := r.fin.Success(ctx, op, p.UserID, dst); err != nil {
		// The output exists; retrying the job re-runs the transcode but
		// the finalizer replay guard keeps settlement exactly-once.
		return err
	}
	metrics.JobsCompletedTotal.WithLabelValues(string(op.Type), "success").Inc()
	metrics.JobDuration.WithLabelValues(string(op.Type)).Observe(elapsed.Seconds())
	logger.Info("job completed", "elapsed", elapsed.Round(time.Millisecond), "result", dst)
	return nil
}

// settleDefect fails an operation whose inputs are gone. The job itself is
// consumed: retrying cannot bring the source back.
func (r *Runtime) settleDefect(ctx context.Context, op *operation.Operation, userID, reason string, logger *slog.Logger) error {
	logger.Error("failing job with permanent defect", "reason", reason)
	metrics.JobsCompletedTotal.WithLabelValues(string(op.Type), "failure").Inc()
	if err := r.fin.TerminalFailure(ctx, op, userID, reason); err != nil {
		return err
	}
	return nil
}

// progressFunc throttles transcoder progress into queue updates: at most one
// per 5% step or 2 seconds, whichever comes first.
func (r *Runtime) progressFunc(ctx context.Context, job *queue.Job) func(int) {
	var lastPct int
	var lastAt time.Time
	return func(pct int) {
		now := time.Now()
		if pct < 100 && pct-lastPct < 5 && now.Sub(lastAt) < 2*time.Second {
			return
		}
		lastPct, lastAt = pct, now
		if err := r.q.Progress(ctx, job, pct); err != nil && ctx.Err() == nil {
			r.logger.Warn("failed to record progress", "job_id", job.ID, "error", err)
		}
	}
}

func (r *Runtime) timeoutFor(t operation.Type) time.Duration {
	if t.IsImage() {
		return r.cfg.ImageTimeout
	}
	return r.cfg.VideoTimeout
}

// RecoverPending re-enqueues operations that are pending or processing but
// have no live job, which happens when Redis loses state or a submission
// crashed between commit and enqueue. Operations whose source vanished are
// failed instead. Safe to run on every worker start: handlers skip terminal
// operations and the finalizer absorbs duplicate settlements.
func (r *Runtime) RecoverPending(ctx context.Context, enq submit.Enqueuer) error {
	ops, err := r.ops.ListByStatus(ctx, []operation.Status{operation.StatusPending, operation.StatusProcessing}, 500)
	if err != nil {
		return fmt.Errorf("failed to list recoverable operations: %w", err)
	}
	recovered := 0
	for _, op := range ops {
		a, err := r.assets.Get(ctx, op.AssetID)
		if errors.Is(err, asset.ErrNotFound) {
			if err := r.fin.TerminalFailure(ctx, op, "", "asset removed before processing"); err != nil {
				r.logger.Error("failed to fail orphaned operation", "operation_id", op.ID, "error", err)
			}
			continue
		}
		if err != nil {
			return err
		}
		if _, err := storage.CheckFile(r.files.SourcePath(a.ID, a.Format)); err != nil {
			if err := r.fin.TerminalFailure(ctx, op, a.UserID, "source file lost"); err != nil {
				r.logger.Error("failed to fail operation without source", "operation_id", op.ID, "error", err)
			}
			continue
		}

		payload, err := json.Marshal(submit.Payload{
			OperationID: op.ID,
			AssetID:     op.AssetID,
			UserID:      a.UserID,
			Type:        op.Type,
			Params:      op.Params,
		})
		if err != nil {
			return err
		}
		if _, err := enq.Enqueue(ctx, string(op.Type), payload, submit.PriorityFor(op.Type)); err != nil {
			return fmt.Errorf("failed to re-enqueue operation %d: %w", op.ID, err)
		}
		recovered++
	}
	if recovered > 0 || len(ops) > 0 {
		r.logger.Info("recovery pass finished", "examined", len(ops), "re_enqueued", recovered)
	}
	return nil
}
