// Package queue implements the Redis-backed work queue: per-type priority
// queues with FIFO ordering inside a priority class, visibility leases with
// heartbeat renewal, stall detection, and exponential retry backoff.
//
// The queue is deliberately ignorant of what a job means. Payloads are opaque
// bytes; the worker package owns their schema. Trace context crosses the
// queue inside the job record so a transcode span can parent to the
// submission span.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/vidforge/vidforge/internal/idgen"
	"github.com/vidforge/vidforge/internal/metrics"
)

// Priority classes. Lower scores pop first; within a class jobs are FIFO.
const (
	PriorityHigh   = 1
	PriorityNormal = 5
	PriorityLow    = 9
)

// Config tunes queue behavior. Zero values take the defaults.
type Config struct {
	Attempts      int           // handler runs before a job is terminal (default 3)
	BackoffBase   time.Duration // n-th retry waits base * 2^(n-1) (default 5s)
	Lease         time.Duration // visibility lease per attempt (default 60s)
	Heartbeat     time.Duration // lease renewal interval (default lease/2)
	FetchInterval time.Duration // idle poll interval (default 500ms)
	ReapInterval  time.Duration // stall scan and delayed promotion interval (default 15s)
	MaxStalls     int           // lease expiries tolerated before redelivery (default 2)
	KeepCompleted int           // completed job ids retained (default 100)
	KeepFailed    int           // failed job ids retained (default 200)
}

func (c Config) withDefaults() Config {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 60 * time.Second
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = c.Lease / 2
	}
	if c.FetchInterval <= 0 {
		c.FetchInterval = 500 * time.Millisecond
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 15 * time.Second
	}
	if c.MaxStalls <= 0 {
		c.MaxStalls = 2
	}
	if c.KeepCompleted <= 0 {
		c.KeepCompleted = 100
	}
	if c.KeepFailed <= 0 {
		c.KeepFailed = 200
	}
	return c
}

// backoff returns the delay before retry n (1-based).
func (c Config) backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 20 {
		n = 20
	}
	return c.BackoffBase * time.Duration(1<<(n-1))
}

// Job is one unit of work.
type Job struct {
	ID           string
	Type         string
	Payload      []byte
	Priority     int
	AttemptsMade int // completed failed attempts before this run
	MaxAttempts  int
	Progress     int
	EnqueuedAt   time.Time

	member string // zset member: "<seq>:<id>"
	trace  string // serialized trace context
}

// LastAttempt reports whether the current run is the job's final attempt.
// Handlers use it to decide between retryable failure and terminal cleanup.
func (j *Job) LastAttempt() bool {
	return j.AttemptsMade+1 >= j.MaxAttempts
}

// EventKind tags a lifecycle event.
type EventKind string

const (
	EventQueued    EventKind = "queued"
	EventStarted   EventKind = "started"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is a queue lifecycle notification. Failed events are terminal;
// retries surface as a later Started.
type Event struct {
	Kind     EventKind
	JobID    string
	JobType  string
	Payload  []byte
	Progress int
	Err      string
}

// HandlerFunc processes one job. A non-nil error counts the attempt as
// failed; the queue decides retry versus terminal based on attempts made.
type HandlerFunc func(ctx context.Context, job *Job) error

type registration struct {
	jobType     string
	concurrency int
	handler     HandlerFunc
}

// Queue coordinates producers and consumers over one Redis instance.
type Queue struct {
	rdb    *redis.Client
	cfg    Config
	logger *slog.Logger

	regs    []registration
	events  chan Event
	dropped atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

func New(rdb *redis.Client, cfg Config, logger *slog.Logger) *Queue {
	return &Queue{
		rdb:    rdb,
		cfg:    cfg.withDefaults(),
		logger: logger,
		events: make(chan Event, 256),
	}
}

// Process registers a handler for jobType with n concurrent consumers.
// Must be called before Start.
func (q *Queue) Process(jobType string, n int, h HandlerFunc) {
	if n <= 0 {
		n = 5
	}
	q.regs = append(q.regs, registration{jobType: jobType, concurrency: n, handler: h})
}

// Events returns the lifecycle event stream. Events are dropped, not
// blocked on, when the consumer falls behind.
func (q *Queue) Events() <-chan Event {
	return q.events
}

func key(parts ...string) string {
	return "queue:" + strings.Join(parts, ":")
}

func (q *Queue) waitingKey(t string) string    { return key(t, "waiting") }
func (q *Queue) delayedKey(t string) string    { return key(t, "delayed") }
func (q *Queue) processingKey(t string) string { return key(t, "processing") }
func (q *Queue) completedKey(t string) string  { return key(t, "completed") }
func (q *Queue) failedKey(t string) string     { return key(t, "failed") }
func (q *Queue) jobKey(id string) string       { return key("job", id) }

// Enqueue adds a job. Priority is clamped to [1, 10].
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload []byte, priority int) (*Job, error) {
	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}

	seq, err := q.rdb.Incr(ctx, key("seq")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate job sequence: %w", err)
	}

	job := &Job{
		ID:          idgen.New(),
		Type:        jobType,
		Payload:     payload,
		Priority:    priority,
		MaxAttempts: q.cfg.Attempts,
		EnqueuedAt:  time.Now().UTC(),
	}
	job.member = fmt.Sprintf("%020d:%s", seq, job.ID)
	job.trace = injectTrace(ctx)

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), map[string]any{
		"id":          job.ID,
		"type":        jobType,
		"payload":     string(payload),
		"priority":    priority,
		"attempts":    0,
		"stalls":      0,
		"progress":    0,
		"member":      job.member,
		"trace":       job.trace,
		"enqueued_at": job.EnqueuedAt.Format(time.RFC3339Nano),
	})
	pipe.ZAdd(ctx, q.waitingKey(jobType), redis.Z{Score: float64(priority), Member: job.member})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.emit(Event{Kind: EventQueued, JobID: job.ID, JobType: jobType, Payload: payload})
	return job, nil
}

// Progress records percent complete and emits a progress event. Throttling
// is the caller's concern.
func (q *Queue) Progress(ctx context.Context, job *Job, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	job.Progress = pct
	if err := q.rdb.HSet(ctx, q.jobKey(job.ID), "progress", pct).Err(); err != nil {
		return fmt.Errorf("failed to record progress: %w", err)
	}
	q.emit(Event{Kind: EventProgress, JobID: job.ID, JobType: job.Type, Payload: job.Payload, Progress: pct})
	return nil
}

// Stats reports queue depths for one job type.
type Stats struct {
	Waiting    int64 `json:"waiting"`
	Delayed    int64 `json:"delayed"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

func (q *Queue) Stats(ctx context.Context, jobType string) (Stats, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, q.waitingKey(jobType))
	delayed := pipe.ZCard(ctx, q.delayedKey(jobType))
	processing := pipe.ZCard(ctx, q.processingKey(jobType))
	completed := pipe.LLen(ctx, q.completedKey(jobType))
	failed := pipe.LLen(ctx, q.failedKey(jobType))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Stats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return Stats{
		Waiting:    waiting.Val(),
		Delayed:    delayed.Val(),
		Processing: processing.Val(),
		Completed:  completed.Val(),
		Failed:     failed.Val(),
	}, nil
}

// Start launches consumers and housekeeping for every registration.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.running = true

	for _, reg := range q.regs {
		for i := 0; i < reg.concurrency; i++ {
			q.wg.Add(1)
			go q.consume(ctx, reg)
		}
		q.wg.Add(1)
		go q.housekeep(ctx, reg.jobType)
	}
	q.logger.Info("queue started", "types", len(q.regs))
}

// Stop cancels consumers and waits for in-flight handlers, or for ctx.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	q.cancel()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// popScript atomically moves the best waiting job into the processing set
// with a fresh lease.
var popScript = redis.NewScript(`
local popped = redis.call('ZRANGE', KEYS[1], 0, 0)
if #popped == 0 then return false end
redis.call('ZREM', KEYS[1], popped[1])
redis.call('ZADD', KEYS[2], ARGV[1], popped[1])
return popped[1]
`)

func (q *Queue) fetch(ctx context.Context, jobType string) (*Job, error) {
	expiry := float64(time.Now().Add(q.cfg.Lease).UnixMilli())
	res, err := popScript.Run(ctx, q.rdb,
		[]string{q.waitingKey(jobType), q.processingKey(jobType)}, expiry).Result()
	if err == redis.Nil || res == nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop job: %w", err)
	}

	member, ok := res.(string)
	if !ok || member == "" {
		return nil, nil
	}
	id := member
	if i := strings.IndexByte(member, ':'); i >= 0 {
		id = member[i+1:]
	}

	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		// Orphaned member; the job record expired.
		q.rdb.ZRem(ctx, q.processingKey(jobType), member)
		return nil, nil
	}

	job := &Job{
		ID:          id,
		Type:        jobType,
		Payload:     []byte(fields["payload"]),
		MaxAttempts: q.cfg.Attempts,
		member:      member,
		trace:       fields["trace"],
	}
	job.Priority, _ = strconv.Atoi(fields["priority"])
	job.AttemptsMade, _ = strconv.Atoi(fields["attempts"])
	job.Progress, _ = strconv.Atoi(fields["progress"])
	if ts := fields["enqueued_at"]; ts != "" {
		job.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return job, nil
}

func (q *Queue) consume(ctx context.Context, reg registration) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := q.fetch(ctx, reg.jobType)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error("queue fetch failed", "type", reg.jobType, "error", err)
			q.sleep(ctx, q.cfg.FetchInterval)
			continue
		}
		if job == nil {
			q.sleep(ctx, jitter(q.cfg.FetchInterval))
			continue
		}
		q.runJob(ctx, reg, job)
	}
}

func (q *Queue) runJob(ctx context.Context, reg registration, job *Job) {
	jobCtx, cancel := context.WithCancel(extractTrace(ctx, job.trace))
	defer cancel()

	hbDone := make(chan struct{})
	go q.heartbeat(jobCtx, job, cancel, hbDone)

	q.emit(Event{Kind: EventStarted, JobID: job.ID, JobType: job.Type, Payload: job.Payload})

	err := runHandler(jobCtx, reg.handler, job)

	cancel()
	<-hbDone

	// Bookkeeping must survive shutdown of the consumer context.
	bkCtx, bkCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer bkCancel()

	if err != nil {
		q.settleFailure(bkCtx, job, err)
		return
	}
	q.settleSuccess(bkCtx, job)
}

func runHandler(ctx context.Context, h HandlerFunc, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

// heartbeat renews the lease until ctx ends. Losing the lease cancels the
// handler so a redelivered job is not processed twice in parallel.
func (q *Queue) heartbeat(ctx context.Context, job *Job, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(q.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expiry := float64(time.Now().Add(q.cfg.Lease).UnixMilli())
			n, err := q.rdb.ZAddArgs(ctx, q.processingKey(job.Type), redis.ZAddArgs{
				XX:      true,
				Ch:      true,
				Members: []redis.Z{{Score: expiry, Member: job.member}},
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				q.logger.Warn("lease renewal failed", "job", job.ID, "error", err)
				continue
			}
			if n == 0 {
				q.logger.Warn("lease lost, canceling handler", "job", job.ID)
				cancel()
				return
			}
		}
	}
}

func (q *Queue) settleSuccess(ctx context.Context, job *Job) {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(job.Type), job.member)
	pipe.LPush(ctx, q.completedKey(job.Type), job.ID)
	pipe.LTrim(ctx, q.completedKey(job.Type), 0, int64(q.cfg.KeepCompleted-1))
	pipe.HSet(ctx, q.jobKey(job.ID), "progress", 100)
	pipe.Expire(ctx, q.jobKey(job.ID), 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("failed to settle completed job", "job", job.ID, "error", err)
	}
	q.emit(Event{Kind: EventCompleted, JobID: job.ID, JobType: job.Type, Payload: job.Payload, Progress: 100})
}

func (q *Queue) settleFailure(ctx context.Context, job *Job, cause error) {
	attempts, err := q.rdb.HIncrBy(ctx, q.jobKey(job.ID), "attempts", 1).Result()
	if err != nil {
		q.logger.Error("failed to count attempt", "job", job.ID, "error", err)
		attempts = int64(job.AttemptsMade + 1)
	}

	if int(attempts) >= q.cfg.Attempts {
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.processingKey(job.Type), job.member)
		pipe.LPush(ctx, q.failedKey(job.Type), job.ID)
		pipe.LTrim(ctx, q.failedKey(job.Type), 0, int64(q.cfg.KeepFailed-1))
		pipe.HSet(ctx, q.jobKey(job.ID), "last_error", cause.Error())
		pipe.Expire(ctx, q.jobKey(job.ID), 24*time.Hour)
		if _, err := pipe.Exec(ctx); err != nil {
			q.logger.Error("failed to settle failed job", "job", job.ID, "error", err)
		}
		q.logger.Error("job failed terminally",
			"job", job.ID, "type", job.Type, "attempts", attempts, "error", cause)
		q.emit(Event{Kind: EventFailed, JobID: job.ID, JobType: job.Type, Payload: job.Payload, Err: cause.Error()})
		return
	}

	delay := q.cfg.backoff(int(attempts))
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(job.Type), job.member)
	pipe.HSet(ctx, q.jobKey(job.ID), "last_error", cause.Error())
	pipe.ZAdd(ctx, q.delayedKey(job.Type), redis.Z{Score: readyAt, Member: job.member})
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("failed to schedule retry", "job", job.ID, "error", err)
		return
	}
	metrics.JobRetriesTotal.WithLabelValues(job.Type).Inc()
	q.logger.Warn("job failed, retrying",
		"job", job.ID, "type", job.Type, "attempt", attempts, "delay", delay, "error", cause)
}

func (q *Queue) housekeep(ctx context.Context, jobType string) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.promoteDelayed(ctx, jobType)
			q.reapStalled(ctx, jobType)
		}
	}
}

// promoteDelayed moves due retries back into the waiting queue.
func (q *Queue) promoteDelayed(ctx context.Context, jobType string) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(jobType), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}
	for _, member := range members {
		id := memberID(member)
		priority, err := q.rdb.HGet(ctx, q.jobKey(id), "priority").Int()
		if err != nil {
			priority = PriorityNormal
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.delayedKey(jobType), member)
		pipe.ZAdd(ctx, q.waitingKey(jobType), redis.Z{Score: float64(priority), Member: member})
		if _, err := pipe.Exec(ctx); err != nil {
			q.logger.Error("failed to promote delayed job", "job", id, "error", err)
		}
	}
}

// reapStalled handles jobs whose lease expired without renewal. The first
// detection grants one grace lease in case the worker is merely slow; the
// next redelivers, with the stall counting as a failed attempt.
func (q *Queue) reapStalled(ctx context.Context, jobType string) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.rdb.ZRangeByScore(ctx, q.processingKey(jobType), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}

	for _, member := range members {
		id := memberID(member)
		stalls, err := q.rdb.HIncrBy(ctx, q.jobKey(id), "stalls", 1).Result()
		if err != nil {
			continue
		}
		if int(stalls) < q.cfg.MaxStalls {
			grace := float64(time.Now().Add(q.cfg.Lease).UnixMilli())
			q.rdb.ZAddArgs(ctx, q.processingKey(jobType), redis.ZAddArgs{
				XX: true, Members: []redis.Z{{Score: grace, Member: member}},
			})
			continue
		}

		attempts, err := q.rdb.HIncrBy(ctx, q.jobKey(id), "attempts", 1).Result()
		if err != nil {
			continue
		}
		q.rdb.HSet(ctx, q.jobKey(id), "stalls", 0)
		metrics.JobRetriesTotal.WithLabelValues(jobType).Inc()

		if int(attempts) >= q.cfg.Attempts {
			pipe := q.rdb.TxPipeline()
			pipe.ZRem(ctx, q.processingKey(jobType), member)
			pipe.LPush(ctx, q.failedKey(jobType), id)
			pipe.LTrim(ctx, q.failedKey(jobType), 0, int64(q.cfg.KeepFailed-1))
			pipe.HSet(ctx, q.jobKey(id), "last_error", "job stalled: lease expired without completion")
			pipe.Expire(ctx, q.jobKey(id), 24*time.Hour)
			pipe.Exec(ctx)
			payload, _ := q.rdb.HGet(ctx, q.jobKey(id), "payload").Result()
			q.logger.Error("stalled job failed terminally", "job", id, "type", jobType, "attempts", attempts)
			q.emit(Event{Kind: EventFailed, JobID: id, JobType: jobType, Payload: []byte(payload), Err: "job stalled"})
			continue
		}

		priority, err := q.rdb.HGet(ctx, q.jobKey(id), "priority").Int()
		if err != nil {
			priority = PriorityNormal
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.processingKey(jobType), member)
		pipe.ZAdd(ctx, q.waitingKey(jobType), redis.Z{Score: float64(priority), Member: member})
		if _, err := pipe.Exec(ctx); err != nil {
			q.logger.Error("failed to redeliver stalled job", "job", id, "error", err)
			continue
		}
		q.logger.Warn("stalled job redelivered", "job", id, "type", jobType, "attempts", attempts)
	}
}

func (q *Queue) emit(evt Event) {
	select {
	case q.events <- evt:
	default:
		if n := q.dropped.Add(1); n%100 == 1 {
			q.logger.Warn("queue event dropped, consumer too slow", "dropped", n)
		}
	}
}

func (q *Queue) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func memberID(member string) string {
	if i := strings.IndexByte(member, ':'); i >= 0 {
		return member[i+1:]
	}
	return member
}

// jitter spreads idle polls so consumers do not thundering-herd Redis.
func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}

func injectTrace(ctx context.Context) string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return ""
	}
	b, err := json.Marshal(carrier)
	if err != nil {
		return ""
	}
	return string(b)
}

func extractTrace(ctx context.Context, trace string) context.Context {
	if trace == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{}
	if err := json.Unmarshal([]byte(trace), &carrier); err != nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
