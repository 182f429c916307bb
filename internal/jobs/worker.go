package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ucrsph/incident-engine/internal/cluster"
	"github.com/ucrsph/incident-engine/internal/config"
	"github.com/ucrsph/incident-engine/internal/fault"
	"github.com/ucrsph/incident-engine/internal/telemetry"
)

// popBlock is how long each worker blocks on BRPOP before re-checking its
// context.
const popBlock = 5 * time.Second

// Pool runs N workers over the two logical queues. Each job runs to
// completion on one worker; there is no shared mutable state between jobs
// beyond the stores.
type Pool struct {
	queue     *Queue
	engine    *cluster.Engine
	refresher *cluster.SeverityRefresher
	cfg       config.JobsConfig
	logger    *zap.Logger
}

// NewPool wires the worker pool.
func NewPool(queue *Queue, engine *cluster.Engine, refresher *cluster.SeverityRefresher, cfg config.JobsConfig, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	jobMetricsOnce.Do(initJobMetrics)
	return &Pool{
		queue:     queue,
		engine:    engine,
		refresher: refresher,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks until ctx is cancelled, keeping cfg.Workers workers busy.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			return p.workerLoop(ctx, worker)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) workerLoop(ctx context.Context, worker int) error {
	log := p.logger.With(zap.Int("worker", worker))
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		job, ok, err := p.queue.Pop(ctx, popBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("dequeue failed", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if !ok {
			continue
		}
		p.process(ctx, job, log)
	}
}

// process runs one job with retries. Retry policy comes from the fault
// taxonomy, never from concrete error types; exhausted retries mark the job
// failed and surface a log record.
func (p *Pool) process(ctx context.Context, job Job, log *zap.Logger) {
	policy := p.cfg.Severity
	if job.Kind == KindCluster {
		policy = p.cfg.Cluster
	}

	attempts := 0
	operation := func() error {
		attempts++
		jobCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()

		err := p.handle(jobCtx, job)
		if err == nil {
			return nil
		}
		return p.classify(job, err, attempts)
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(policy.Backoff), uint64(policy.MaxRetries)),
		ctx,
	)
	start := time.Now()
	err := backoff.Retry(operation, bo)

	attrs := metric.WithAttributes(attribute.String("ucrs.job.kind", string(job.Kind)))
	if jobMetrics.duration != nil {
		jobMetrics.duration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	}
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		if jobMetrics.failed != nil {
			jobMetrics.failed.Add(ctx, 1, attrs)
		}
		log.Error("job failed",
			zap.String("job", job.describe()),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return
	}
	if jobMetrics.processed != nil {
		jobMetrics.processed.Add(ctx, 1, attrs)
	}
	log.Debug("job done",
		zap.String("job", job.describe()),
		zap.Int("attempts", attempts),
	)
}

// handle dispatches one attempt of a job.
func (p *Pool) handle(ctx context.Context, job Job) error {
	switch job.Kind {
	case KindCluster:
		result, err := p.engine.Cluster(ctx, job.Cluster.Input)
		if err != nil {
			return err
		}
		// Follow-up dispatch: a successful cluster always refreshes severity.
		return p.queue.Push(ctx, Job{
			Kind:     KindSeverity,
			Severity: &SeverityJob{IncidentID: result.IncidentID},
		})
	case KindSeverity:
		_, err := p.refresher.Refresh(ctx, job.Severity.IncidentID)
		return err
	default:
		return backoff.Permanent(fmt.Errorf("unknown job kind %q", job.Kind))
	}
}

// classify turns a handler error into a retry decision.
//
//   - InvalidInput / Permanent / Conflict: never retried.
//   - NotFound on severity: retried once (the enqueuing cluster job may
//     still be in flight), then failed.
//   - Everything else (Transient, deadlines, unclassified): retried until
//     the policy's budget runs out.
func (p *Pool) classify(job Job, err error, attempts int) error {
	if errors.Is(err, fault.ErrNotFound) && job.Kind == KindSeverity {
		if attempts >= 2 {
			return backoff.Permanent(err)
		}
		return err
	}
	if !fault.Retryable(err) {
		return backoff.Permanent(err)
	}
	return err
}

// jobMetrics holds lazily-initialized OTel instruments for the runtime.
var jobMetrics struct {
	processed metric.Int64Counter
	failed    metric.Int64Counter
	duration  metric.Float64Histogram
}

var jobMetricsOnce sync.Once

func initJobMetrics() {
	m := telemetry.Meter("github.com/ucrsph/incident-engine/jobs")
	jobMetrics.processed, _ = m.Int64Counter("ucrs.jobs.processed",
		metric.WithDescription("Jobs completed successfully, by kind"),
		metric.WithUnit("{job}"),
	)
	jobMetrics.failed, _ = m.Int64Counter("ucrs.jobs.failed",
		metric.WithDescription("Jobs that exhausted their retries, by kind"),
		metric.WithUnit("{job}"),
	)
	jobMetrics.duration, _ = m.Float64Histogram("ucrs.jobs.duration",
		metric.WithDescription("Wall-clock job duration including retries, in milliseconds"),
		metric.WithUnit("ms"),
	)
}
