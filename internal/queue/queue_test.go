package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func testQueue(t *testing.T, cfg Config) (*Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, cfg, slog.Default()), rdb
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestEnqueueFetch_PriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t, Config{})

	low, err := q.Enqueue(ctx, "resize", []byte("low"), PriorityLow)
	require.NoError(t, err)
	first, err := q.Enqueue(ctx, "resize", []byte("n1"), PriorityNormal)
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "resize", []byte("n2"), PriorityNormal)
	require.NoError(t, err)
	high, err := q.Enqueue(ctx, "resize", []byte("high"), PriorityHigh)
	require.NoError(t, err)

	var order []string
	for i := 0; i < 4; i++ {
		job, err := q.fetch(ctx, "resize")
		require.NoError(t, err)
		require.NotNil(t, job)
		order = append(order, job.ID)
	}
	require.Equal(t, []string{high.ID, first.ID, second.ID, low.ID}, order)

	// Queue drained.
	job, err := q.fetch(ctx, "resize")
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestFetchMovesJobToProcessing(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t, Config{})

	_, err := q.Enqueue(ctx, "convert", []byte("p"), PriorityNormal)
	require.NoError(t, err)

	job, err := q.fetch(ctx, "convert")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, []byte("p"), job.Payload)
	require.Equal(t, 0, job.AttemptsMade)

	stats, err := q.Stats(ctx, "convert")
	require.NoError(t, err)
	require.EqualValues(t, 0, stats.Waiting)
	require.EqualValues(t, 1, stats.Processing)
}

func TestProcessCompletesJob(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t, Config{FetchInterval: 10 * time.Millisecond, ReapInterval: time.Hour})

	var handled atomic.Int32
	q.Process("resize", 2, func(ctx context.Context, job *Job) error {
		handled.Add(1)
		return nil
	})
	q.Start()
	defer q.Stop(context.Background())

	_, err := q.Enqueue(ctx, "resize", []byte("x"), PriorityNormal)
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		stats, _ := q.Stats(ctx, "resize")
		return stats.Completed == 1 && stats.Processing == 0
	})
	require.EqualValues(t, 1, handled.Load())
}

func TestRetryThenTerminalFailure(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t, Config{
		Attempts:      2,
		BackoffBase:   10 * time.Millisecond,
		FetchInterval: 10 * time.Millisecond,
		ReapInterval:  20 * time.Millisecond,
	})

	var lastAttemptSeen atomic.Bool
	var runs atomic.Int32
	q.Process("convert", 1, func(ctx context.Context, job *Job) error {
		runs.Add(1)
		if job.LastAttempt() {
			lastAttemptSeen.Store(true)
		}
		return errors.New("transcoder exploded")
	})
	q.Start()
	defer q.Stop(context.Background())

	_, err := q.Enqueue(ctx, "convert", []byte("x"), PriorityNormal)
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		stats, _ := q.Stats(ctx, "convert")
		return stats.Failed == 1
	})
	require.EqualValues(t, 2, runs.Load())
	require.True(t, lastAttemptSeen.Load(), "handler should see LastAttempt on the final run")

	stats, _ := q.Stats(ctx, "convert")
	require.EqualValues(t, 0, stats.Waiting)
	require.EqualValues(t, 0, stats.Delayed)
	require.EqualValues(t, 0, stats.Processing)
}

func TestAttemptsCountedAcrossRuns(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t, Config{Attempts: 3})

	_, err := q.Enqueue(ctx, "crop", []byte("x"), PriorityNormal)
	require.NoError(t, err)

	job, err := q.fetch(ctx, "crop")
	require.NoError(t, err)
	require.False(t, job.LastAttempt())

	q.settleFailure(ctx, job, errors.New("boom"))
	q.promoteDelayed(ctx, "crop") // backoff of ~5s not yet due
	stats, _ := q.Stats(ctx, "crop")
	require.EqualValues(t, 1, stats.Delayed)
}

func TestStalledJobRedelivered(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t, Config{Attempts: 3, Lease: 20 * time.Millisecond, MaxStalls: 2})

	queued, err := q.Enqueue(ctx, "resize", []byte("x"), PriorityHigh)
	require.NoError(t, err)

	job, err := q.fetch(ctx, "resize")
	require.NoError(t, err)
	require.Equal(t, queued.ID, job.ID)

	// Let the lease lapse, then scan twice: first detection grants grace,
	// the second redelivers.
	time.Sleep(30 * time.Millisecond)
	q.reapStalled(ctx, "resize")
	stats, _ := q.Stats(ctx, "resize")
	require.EqualValues(t, 1, stats.Processing, "first detection keeps the job leased")

	time.Sleep(30 * time.Millisecond)
	q.reapStalled(ctx, "resize")
	stats, _ = q.Stats(ctx, "resize")
	require.EqualValues(t, 0, stats.Processing)
	require.EqualValues(t, 1, stats.Waiting, "second detection redelivers")

	// The stall consumed an attempt.
	redelivered, err := q.fetch(ctx, "resize")
	require.NoError(t, err)
	require.Equal(t, queued.ID, redelivered.ID)
	require.Equal(t, 1, redelivered.AttemptsMade)
}

func TestStalledJobExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t, Config{Attempts: 1, Lease: 10 * time.Millisecond, MaxStalls: 1})

	_, err := q.Enqueue(ctx, "resize", []byte("x"), PriorityNormal)
	require.NoError(t, err)
	_, err = q.fetch(ctx, "resize")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	q.reapStalled(ctx, "resize")

	stats, _ := q.Stats(ctx, "resize")
	require.EqualValues(t, 1, stats.Failed)
	require.EqualValues(t, 0, stats.Processing)
}

func TestProgressEvents(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t, Config{})

	job, err := q.Enqueue(ctx, "resize", []byte("x"), PriorityNormal)
	require.NoError(t, err)
	drainEvents(q)

	require.NoError(t, q.Progress(ctx, job, 150))
	require.Equal(t, 100, job.Progress, "progress is clamped")

	select {
	case evt := <-q.Events():
		require.Equal(t, EventProgress, evt.Kind)
		require.Equal(t, job.ID, evt.JobID)
		require.Equal(t, 100, evt.Progress)
	default:
		t.Fatal("no progress event emitted")
	}
}

func TestCompletedRetentionTrims(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t, Config{KeepCompleted: 3})

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, "resize", []byte("x"), PriorityNormal)
		require.NoError(t, err)
		job, err := q.fetch(ctx, "resize")
		require.NoError(t, err)
		q.settleSuccess(ctx, job)
	}

	stats, _ := q.Stats(ctx, "resize")
	require.EqualValues(t, 3, stats.Completed)
}

func TestBackoffSchedule(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, 5*time.Second, cfg.backoff(1))
	require.Equal(t, 10*time.Second, cfg.backoff(2))
	require.Equal(t, 20*time.Second, cfg.backoff(3))
}

func TestTraceContextCrossesQueue(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	envelope := injectTrace(ctx)
	require.NotEmpty(t, envelope)

	out := extractTrace(context.Background(), envelope)
	got := trace.SpanContextFromContext(out)
	require.Equal(t, traceID, got.TraceID())
	require.True(t, got.IsRemote())
}

func drainEvents(q *Queue) {
	for {
		select {
		case <-q.events:
		default:
			return
		}
	}
}
