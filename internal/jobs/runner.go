package jobs

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wavenet/access-control-plane/internal/metrics"
	"github.com/wavenet/access-control-plane/internal/provision"
)

type Engine interface {
	SweepExpired(ctx context.Context) (provision.SweepResult, error)
	RetryPending(ctx context.Context) (int, error)
	SyncRouterState(ctx context.Context) (int64, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

type Intervals struct {
	Sweep     time.Duration
	Retry     time.Duration
	Reconcile time.Duration
	Sync      time.Duration
}

type Runner struct {
	engine     Engine
	reconciler Reconciler
	intervals  Intervals
}

func NewRunner(engine Engine, reconciler Reconciler, intervals Intervals) *Runner {
	if intervals.Sweep <= 0 {
		intervals.Sweep = 30 * time.Second
	}
	if intervals.Retry <= 0 {
		intervals.Retry = 15 * time.Second
	}
	if intervals.Reconcile <= 0 {
		intervals.Reconcile = 20 * time.Second
	}
	if intervals.Sync <= 0 {
		intervals.Sync = 5 * time.Second
	}
	return &Runner{engine: engine, reconciler: reconciler, intervals: intervals}
}

func (r *Runner) Start(ctx context.Context) {
	go r.runEvery(ctx, "session_expiry_sweep", r.intervals.Sweep, r.sweep)
	go r.runEvery(ctx, "provision_retry", r.intervals.Retry, r.retry)
	go r.runEvery(ctx, "router_state_sync", r.intervals.Sync, r.sync)
	if r.reconciler != nil {
		go r.runEvery(ctx, "payment_reconcile", r.intervals.Reconcile, r.reconcile)
	}
}

func (r *Runner) sweep(ctx context.Context) error {
	res, err := r.engine.SweepExpired(ctx)
	if res.Expired > 0 || res.Deferred > 0 {
		log.WithFields(log.Fields{"expired": res.Expired, "deferred": res.Deferred}).Info("session expiry sweep")
	}
	return err
}

func (r *Runner) retry(ctx context.Context) error {
	n, err := r.engine.RetryPending(ctx)
	if n > 0 {
		log.WithField("activated", n).Info("provision retry")
	}
	return err
}

func (r *Runner) sync(ctx context.Context) error {
	_, err := r.engine.SyncRouterState(ctx)
	return err
}

func (r *Runner) reconcile(ctx context.Context) error {
	n, err := r.reconciler.Reconcile(ctx)
	if n > 0 {
		log.WithField("settled", n).Info("payment reconcile")
	}
	return err
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.runOnce(ctx, name, fn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	durMs := float64(time.Since(start).Milliseconds())
	labels := map[string]string{
		"job": name,
	}
	entry := log.WithFields(log.Fields{"job": name, "duration_ms": int64(durMs)})
	if err != nil {
		entry.WithError(err).Warn("job run failed")
		labels["status"] = "error"
	} else {
		entry.Debug("job run")
		labels["status"] = "ok"
	}
	metrics.Default().IncCounter("access_job_runs_total", labels)
	metrics.Default().ObserveHistogram("access_job_duration_ms", durMs, map[string]string{"job": name})
}
