package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/openmall/pointspay/internal/clock"
	"github.com/openmall/pointspay/internal/config"
	obsmetrics "github.com/openmall/pointspay/internal/observability/metrics"
	"github.com/openmall/pointspay/internal/reconcile"
	"github.com/openmall/pointspay/internal/sweeper"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobReconcile = "reconcile"
	JobSweep     = "sweep"

	lockKeyPrefix = "pointspay:jobs:"
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Clock   clock.Clock
	Jobs    *config.JobsConfigHolder
	Cfg     config.Config
	Engine  *reconcile.Engine
	Sweeper *sweeper.Sweeper
}

// JobStatus is a point-in-time snapshot of one background job.
type JobStatus struct {
	Runs      int        `json:"runs"`
	InFlight  bool       `json:"in_flight"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

type Status struct {
	Running bool                 `json:"running"`
	Jobs    map[string]JobStatus `json:"jobs"`
}

type jobState struct {
	inFlight  bool
	runs      int
	lastRunAt *time.Time
	lastError string
}

// Host owns the job tickers. Start, Stop and Status are safe to call from
// any goroutine and in any order; repeated calls are no-ops.
type Host struct {
	log     *zap.Logger
	clock   clock.Clock
	jobs    *config.JobsConfigHolder
	engine  *reconcile.Engine
	sweeper *sweeper.Sweeper
	locker  *Locker

	mu     sync.Mutex
	states map[string]*jobState
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(p Params) *Host {
	var locker *Locker
	if addr := strings.TrimSpace(p.Cfg.RedisAddr); addr != "" {
		locker = NewLocker(redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: strings.TrimSpace(p.Cfg.RedisPassword),
			DB:       p.Cfg.RedisDB,
		}))
	}

	return &Host{
		log:     p.Log.Named("scheduler"),
		clock:   p.Clock,
		jobs:    p.Jobs,
		engine:  p.Engine,
		sweeper: p.Sweeper,
		locker:  locker,
		states: map[string]*jobState{
			JobReconcile: {},
			JobSweep:     {},
		},
	}
}

// Start launches the tickers. Calling Start on a running host is a no-op.
func (h *Host) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	cfg := h.jobs.Get()
	h.wg.Add(2)
	go h.loop(ctx, JobReconcile, cfg.ReconcileInterval, func(ctx context.Context) error {
		_, err := h.engine.RunWithRetry(ctx)
		return err
	})
	go h.loop(ctx, JobSweep, cfg.SweepInterval, func(ctx context.Context) error {
		_, err := h.sweeper.Sweep(ctx)
		return err
	})

	h.log.Info("scheduler started",
		zap.Duration("reconcile_interval", cfg.ReconcileInterval),
		zap.Duration("sweep_interval", cfg.SweepInterval),
	)
}

// Stop halts the tickers and waits for in-flight runs to drain. Calling Stop
// on a stopped host is a no-op.
func (h *Host) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	h.wg.Wait()
	h.log.Info("scheduler stopped")
}

func (h *Host) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	status := Status{
		Running: h.cancel != nil,
		Jobs:    make(map[string]JobStatus, len(h.states)),
	}
	for name, state := range h.states {
		status.Jobs[name] = JobStatus{
			Runs:      state.runs,
			InFlight:  state.inFlight,
			LastRunAt: state.lastRunAt,
			LastError: state.lastError,
		}
	}
	return status
}

func (h *Host) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	defer h.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First run happens immediately, not one interval in.
	h.runJob(ctx, name, interval, fn)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.runJob(ctx, name, interval, fn)
		}
	}
}

func (h *Host) runJob(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	if !h.beginRun(name) {
		h.log.Warn("previous run still in flight, skipping", zap.String("job", name))
		return
	}
	defer h.endRun(name)

	token, acquired, err := h.locker.TryLock(ctx, lockKeyPrefix+name, interval)
	if err != nil {
		h.log.Warn("job lock unavailable", zap.String("job", name), zap.Error(err))
		h.recordResult(name, err)
		return
	}
	if !acquired {
		// Another instance holds the slot for this tick.
		return
	}
	defer func() {
		if err := h.locker.Release(context.WithoutCancel(ctx), lockKeyPrefix+name, token); err != nil {
			h.log.Warn("job lock release failed", zap.String("job", name), zap.Error(err))
		}
	}()

	metrics := obsmetrics.Default()
	metrics.IncJobRun(name)
	start := time.Now()

	err = fn(ctx)
	metrics.ObserveJobDuration(name, time.Since(start))
	if err != nil {
		metrics.IncJobError(name)
		h.log.Error("job run failed", zap.String("job", name), zap.Error(err))
	}
	h.recordResult(name, err)
}

func (h *Host) beginRun(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	state := h.states[name]
	if state.inFlight {
		return false
	}
	state.inFlight = true
	return true
}

func (h *Host) endRun(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states[name].inFlight = false
}

func (h *Host) recordResult(name string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	state := h.states[name]
	state.runs++
	now := h.clock.Now()
	state.lastRunAt = &now
	state.lastError = ""
	if err != nil {
		state.lastError = err.Error()
	}
}
