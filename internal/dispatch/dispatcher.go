// Package dispatch executes a task graph: fan out every runnable task, fan
// back in at each dependency barrier, repeat until nothing can make progress.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"forgemend/internal/agent"
	"forgemend/internal/artifact"
	"forgemend/internal/events"
	"forgemend/internal/graph"
	"forgemend/internal/logging"
	"forgemend/internal/metrics"
)

// ErrNoProgress means tasks remain but every one of them is blocked by a
// failed dependency. The blocked tasks are marked skipped, not retried.
var ErrNoProgress = errors.New("no runnable tasks remain")

// Config tunes dispatcher behavior.
type Config struct {
	MaxParallel    int           // concurrent tasks per wave
	MaxRetries     int           // transient-failure retries per task
	RetryBaseDelay time.Duration // exponential backoff base
	AgentTimeout   time.Duration // deadline per capability invocation
	RateLimit      float64       // invocations per second, 0 = unlimited
	RateBurst      int
}

func (c Config) withDefaults() Config {
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 250 * time.Millisecond
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 2 * time.Minute
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	return c
}

// Result is the outcome of one task.
type Result struct {
	TaskID   string          `json:"task_id"`
	Role     agent.Role      `json:"role"`
	State    graph.TaskState `json:"state"`
	Output   *agent.Result   `json:"output,omitempty"`
	Err      string          `json:"error,omitempty"`
	Retries  int             `json:"retries"`
	Duration time.Duration   `json:"duration"`
}

// Dispatcher runs graphs against the capability registry. Producer task
// output is folded into the artifact under the per-artifact write lock.
type Dispatcher struct {
	registry *agent.Registry
	store    artifact.Store
	locker   *artifact.Locker
	emitter  events.Emitter
	limiter  *rate.Limiter
	cfg      Config
	log      *zap.Logger
}

// New creates a dispatcher.
func New(registry *agent.Registry, store artifact.Store, locker *artifact.Locker, emitter events.Emitter, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Dispatcher{
		registry: registry,
		store:    store,
		locker:   locker,
		emitter:  emitter,
		limiter:  limiter,
		cfg:      cfg,
		log:      logging.Named("dispatch"),
	}
}

// Run executes the graph until every task is terminal or the context is
// cancelled. Cancellation marks all non-done tasks skipped; in-flight
// collaborator calls finish on their own but their results are discarded.
func (d *Dispatcher) Run(ctx context.Context, g *graph.TaskGraph) (map[string]*Result, error) {
	m := metrics.Get()
	m.GraphsStartedTotal.Inc()
	d.emitter.Emit(events.Event{Type: events.GraphStarted, GraphID: g.ID, ArtifactID: g.ArtifactID, CallerID: g.CallerID})

	results := make(map[string]*Result)
	var resultsMu sync.Mutex
	blocked := false

	ensureArtifact(ctx, d.store, g)

	for {
		if err := ctx.Err(); err != nil {
			d.skipRemaining(g, "run aborted")
			g.SetRunState(graph.RunAborted)
			m.GraphsCompletedTotal.WithLabelValues("aborted").Inc()
			d.emitter.Emit(events.Event{Type: events.GraphCompleted, GraphID: g.ID, Data: map[string]any{"outcome": "aborted"}})
			return results, err
		}

		ready := g.Ready()
		if len(ready) == 0 {
			if d.pendingCount(g) == 0 {
				break
			}
			// Remaining pending tasks are blocked by failed dependencies.
			d.skipRemaining(g, "dependency failed")
			blocked = true
			break
		}

		if len(ready) > d.cfg.MaxParallel {
			ready = ready[:d.cfg.MaxParallel]
		}
		m.TaskWaveSize.Observe(float64(len(ready)))

		var wg sync.WaitGroup
		for _, t := range ready {
			if err := g.MarkRunning(t.ID); err != nil {
				d.log.Error("cannot start task", zap.String("task_id", t.ID), zap.Error(err))
				continue
			}
			wg.Add(1)
			go func(t graph.Task) {
				defer wg.Done()
				res := d.runTask(ctx, g, t)
				resultsMu.Lock()
				results[t.ID] = res
				resultsMu.Unlock()
			}(t)
		}
		wg.Wait()
	}

	outcome := "done"
	status := g.RunStatus()
	if status == graph.RunPartial {
		outcome = "partial"
	}
	m.GraphsCompletedTotal.WithLabelValues(outcome).Inc()
	d.emitter.Emit(events.Event{Type: events.GraphCompleted, GraphID: g.ID, ArtifactID: g.ArtifactID, Data: map[string]any{"outcome": outcome}})
	d.log.Info("graph run finished", zap.String("graph_id", g.ID), zap.String("status", string(status)))
	if blocked {
		return results, ErrNoProgress
	}
	return results, nil
}

// runTask invokes the capability with bounded retries and exponential
// backoff. Timeouts count as transient.
func (d *Dispatcher) runTask(ctx context.Context, g *graph.TaskGraph, t graph.Task) *Result {
	m := metrics.Get()
	start := time.Now()
	res := &Result{TaskID: t.ID, Role: t.Role}

	m.TasksDispatchedTotal.WithLabelValues(string(t.Role)).Inc()
	d.emitter.Emit(events.Event{Type: events.TaskStarted, GraphID: g.ID, TaskID: t.ID, Data: map[string]any{"role": t.Role}})

	cap, err := d.registry.Resolve(t.Role)
	if err != nil {
		res.State = graph.TaskFailed
		res.Err = err.Error()
		_ = g.MarkFailed(t.ID, res.Err)
		m.TasksFailedTotal.WithLabelValues(string(t.Role)).Inc()
		d.emitter.Emit(events.Event{Type: events.TaskFailed, GraphID: g.ID, TaskID: t.ID, Data: map[string]any{"error": res.Err}})
		return res
	}

	in := agent.Input{
		TaskID:      t.ID,
		ArtifactID:  g.ArtifactID,
		Description: t.Description,
		Spec:        t.Spec,
		CallerID:    g.CallerID,
	}

	var out *agent.Result
	var lastErr error
	for attempt := 0; ; attempt++ {
		out, lastErr = d.invoke(ctx, t.Role, cap, in)
		if lastErr == nil {
			break
		}
		if errors.Is(lastErr, context.DeadlineExceeded) {
			m.AgentTimeoutsTotal.Inc()
		}
		if !agent.IsRetryable(lastErr) || attempt >= d.cfg.MaxRetries {
			break
		}

		g.IncrementRetry(t.ID)
		res.Retries++
		m.TasksRetriedTotal.Inc()
		d.log.Warn("task invocation failed, will retry",
			zap.String("task_id", t.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))

		backoff := d.cfg.RetryBaseDelay * (1 << attempt)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			lastErr = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
	}

	res.Duration = time.Since(start)

	// Results arriving after cancellation are discarded.
	if ctx.Err() != nil {
		res.State = graph.TaskSkipped
		res.Err = ctx.Err().Error()
		_ = g.MarkSkipped(t.ID, "run aborted")
		return res
	}

	if lastErr != nil {
		res.State = graph.TaskFailed
		res.Err = lastErr.Error()
		_ = g.MarkFailed(t.ID, res.Err)
		m.TasksFailedTotal.WithLabelValues(string(t.Role)).Inc()
		d.emitter.Emit(events.Event{Type: events.TaskFailed, GraphID: g.ID, TaskID: t.ID, Data: map[string]any{"error": res.Err}})
		return res
	}

	res.Output = out
	if agent.ProducerRoles[t.Role] && out != nil && out.Delta != nil {
		if err := d.applyDelta(ctx, g, out.Delta); err != nil {
			res.State = graph.TaskFailed
			res.Err = err.Error()
			_ = g.MarkFailed(t.ID, res.Err)
			m.TasksFailedTotal.WithLabelValues(string(t.Role)).Inc()
			return res
		}
	}

	res.State = graph.TaskDone
	_ = g.MarkDone(t.ID)
	d.emitter.Emit(events.Event{Type: events.TaskCompleted, GraphID: g.ID, TaskID: t.ID})
	return res
}

// invoke runs one capability call under the rate limiter and per-call
// deadline. This is the only place a task blocks on an external collaborator.
func (d *Dispatcher) invoke(ctx context.Context, role agent.Role, cap agent.Capability, in agent.Input) (*agent.Result, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	m := metrics.Get()
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.AgentTimeout)
	defer cancel()

	start := time.Now()
	out, err := cap.Invoke(callCtx, in)
	m.AgentInvocationDuration.WithLabelValues(string(role)).Observe(time.Since(start).Seconds())

	status := "ok"
	if err != nil {
		status = "error"
	}
	m.AgentInvocationsTotal.WithLabelValues(string(role), status).Inc()
	return out, err
}

// applyDelta folds a producer delta into the artifact under the write lock.
func (d *Dispatcher) applyDelta(ctx context.Context, g *graph.TaskGraph, delta *artifact.Delta) error {
	holder := "graph:" + g.ID
	ok, cur := d.locker.TryAcquire(g.ArtifactID, holder)
	if !ok && cur != holder {
		return fmt.Errorf("artifact %s write-locked by %s", g.ArtifactID, cur)
	}
	if ok {
		defer func() { _ = d.locker.Release(g.ArtifactID, holder) }()
	}

	art, err := d.store.Load(ctx, g.ArtifactID)
	if err != nil {
		return fmt.Errorf("load artifact: %w", err)
	}
	if err := art.ApplyDelta(delta); err != nil {
		return fmt.Errorf("apply delta: %w", err)
	}
	if err := d.store.Save(ctx, art); err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	d.emitter.Emit(events.Event{
		Type:       events.ArtifactUpdated,
		GraphID:    g.ID,
		ArtifactID: g.ArtifactID,
		Data:       map[string]any{"version": art.CurrentVersion(), "revision": art.CurrentRevision()},
	})
	return nil
}

func (d *Dispatcher) pendingCount(g *graph.TaskGraph) int {
	return g.Counts()[graph.TaskPending]
}

func (d *Dispatcher) skipRemaining(g *graph.TaskGraph, reason string) {
	for _, t := range g.Tasks() {
		if t.State == graph.TaskPending {
			_ = g.MarkSkipped(t.ID, reason)
			d.emitter.Emit(events.Event{Type: events.TaskSkipped, GraphID: g.ID, TaskID: t.ID, Data: map[string]any{"reason": reason}})
		}
	}
}

// ensureArtifact creates the artifact record up front so producer deltas have
// a target even when the request referenced a brand new artifact id.
func ensureArtifact(ctx context.Context, store artifact.Store, g *graph.TaskGraph) {
	if _, err := store.Load(ctx, g.ArtifactID); err == nil {
		return
	}
	_ = store.Save(ctx, artifact.New(g.ArtifactID, "artifact-"+g.ID[:8]))
}
