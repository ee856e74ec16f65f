// Package orchestrator is the composition root: it owns graph runs and
// healing sessions and exposes the operations the transport layer calls.
package orchestrator

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"forgemend/internal/artifact"
	"forgemend/internal/dispatch"
	"forgemend/internal/events"
	"forgemend/internal/graph"
	"forgemend/internal/healing"
	"forgemend/internal/health"
	"forgemend/internal/logging"
)

// ErrGraphNotFound is returned for unknown graph ids.
var ErrGraphNotFound = errors.New("task graph not found")

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("healing session not found")

// GraphStatus is the caller-facing view of a run.
type GraphStatus struct {
	ID         string                  `json:"id"`
	ArtifactID string                  `json:"artifact_id"`
	RunState   graph.RunState          `json:"run_state"`
	RiskScore  int                     `json:"risk_score"`
	Counts     map[graph.TaskState]int `json:"counts"`
	Tasks      []TaskStatus            `json:"tasks"`
}

// TaskStatus is one task's slice of a GraphStatus.
type TaskStatus struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	State     graph.TaskState `json:"state"`
	DependsOn []string        `json:"depends_on,omitempty"`
	Retries   int             `json:"retries"`
	Error     string          `json:"error,omitempty"`
}

// defaultGraphRetention bounds how many finished runs stay queryable.
const defaultGraphRetention = 128

// Core wires the builder, dispatcher, monitor and coordinator together.
type Core struct {
	builder     *graph.Builder
	dispatcher  *dispatch.Dispatcher
	coordinator *healing.Coordinator
	monitor     *health.Monitor
	store       artifact.Store
	emitter     events.Emitter
	threshold   float64
	autoHeal    bool
	retention   int
	log         *zap.Logger

	mu       sync.Mutex
	graphs   map[string]*graph.TaskGraph
	cancels  map[string]context.CancelFunc
	finished []string // retirement order, oldest first
}

// Options configures the core.
type Options struct {
	Builder          *graph.Builder
	Dispatcher       *dispatch.Dispatcher
	Coordinator      *healing.Coordinator
	Monitor          *health.Monitor
	Store            artifact.Store
	Emitter          events.Emitter
	HealthyThreshold float64
	AutoHeal         bool
	GraphRetention   int // finished runs kept for status queries, 0 = default
}

func New(opts Options) *Core {
	if opts.Emitter == nil {
		opts.Emitter = events.Nop{}
	}
	if opts.GraphRetention <= 0 {
		opts.GraphRetention = defaultGraphRetention
	}
	return &Core{
		builder:     opts.Builder,
		dispatcher:  opts.Dispatcher,
		coordinator: opts.Coordinator,
		monitor:     opts.Monitor,
		store:       opts.Store,
		emitter:     opts.Emitter,
		threshold:   opts.HealthyThreshold,
		autoHeal:    opts.AutoHeal,
		retention:   opts.GraphRetention,
		log:         logging.Named("orchestrator"),
		graphs:      make(map[string]*graph.TaskGraph),
		cancels:     make(map[string]context.CancelFunc),
	}
}

// Submit validates the request, builds the graph and starts the run in the
// background. Returns the graph id immediately.
func (c *Core) Submit(req graph.Request) (string, error) {
	g, err := c.builder.Build(req)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.graphs[g.ID] = g
	c.cancels[g.ID] = cancel
	c.mu.Unlock()

	go func() {
		defer cancel()
		if _, err := c.dispatcher.Run(runCtx, g); err != nil {
			c.log.Warn("graph run incomplete",
				zap.String("graph_id", g.ID), zap.Error(err))
		}
		c.mu.Lock()
		delete(c.cancels, g.ID)
		c.mu.Unlock()
		c.afterRun(runCtx, g)
		c.retire(g.ID)
	}()

	return g.ID, nil
}

// afterRun evaluates the produced artifact and, when configured, starts a
// healing session for an unhealthy result.
func (c *Core) afterRun(ctx context.Context, g *graph.TaskGraph) {
	if ctx.Err() != nil || g.RunStatus() == graph.RunAborted {
		return
	}
	art, err := c.store.Load(context.Background(), g.ArtifactID)
	if err != nil {
		c.log.Warn("post-run artifact load failed",
			zap.String("artifact_id", g.ArtifactID), zap.Error(err))
		return
	}
	report, err := c.monitor.Evaluate(context.Background(), art)
	if err != nil {
		return
	}
	if report.Healthy(c.threshold) {
		c.log.Info("artifact healthy after build",
			zap.String("artifact_id", g.ArtifactID),
			zap.Float64("score", report.Score))
		return
	}
	c.log.Info("artifact unhealthy after build",
		zap.String("artifact_id", g.ArtifactID),
		zap.Float64("score", report.Score),
		zap.Int("issues", len(report.Issues)))
	if !c.autoHeal {
		return
	}
	if _, err := c.coordinator.Acquire(context.Background(), g.ArtifactID, g.CallerID); err != nil {
		c.log.Info("auto-heal not started",
			zap.String("artifact_id", g.ArtifactID), zap.Error(err))
	}
}

// retire queues a finished run for eviction and drops the oldest finished
// graphs beyond the retention window, so long-lived processes do not
// accumulate every run ever submitted.
func (c *Core) retire(graphID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = append(c.finished, graphID)
	for len(c.finished) > c.retention {
		evicted := c.finished[0]
		c.finished = c.finished[1:]
		delete(c.graphs, evicted)
	}
}

// GraphStatus reports the run plus per-task state.
func (c *Core) GraphStatus(graphID string) (*GraphStatus, error) {
	c.mu.Lock()
	g, ok := c.graphs[graphID]
	c.mu.Unlock()
	if !ok {
		return nil, ErrGraphNotFound
	}

	st := &GraphStatus{
		ID:         g.ID,
		ArtifactID: g.ArtifactID,
		RunState:   g.RunStatus(),
		RiskScore:  g.RiskScore,
		Counts:     g.Counts(),
	}
	for _, t := range g.Tasks() {
		st.Tasks = append(st.Tasks, TaskStatus{
			ID:        t.ID,
			Role:      string(t.Role),
			State:     t.State,
			DependsOn: t.DependsOn,
			Retries:   t.RetryCount,
			Error:     t.Error,
		})
	}
	return st, nil
}

// TriggerHealing starts a session for the artifact, failing fast when one
// is already active.
func (c *Core) TriggerHealing(ctx context.Context, artifactID, callerID string) (string, error) {
	s, err := c.coordinator.Acquire(ctx, artifactID, callerID)
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

// SessionStatus returns state, attempt history and last observed score.
func (c *Core) SessionStatus(sessionID string) (*healing.Status, error) {
	s, ok := c.coordinator.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	st := s.Status()
	return &st, nil
}

// ActiveSessions lists in-flight sessions.
func (c *Core) ActiveSessions() []healing.Status {
	return c.coordinator.ListActive()
}

// AbortGraph cancels a run; pending tasks are skipped and in-flight results
// discarded.
func (c *Core) AbortGraph(graphID string) error {
	c.mu.Lock()
	_, known := c.graphs[graphID]
	cancel, running := c.cancels[graphID]
	c.mu.Unlock()
	if !known {
		return ErrGraphNotFound
	}
	if running {
		cancel()
	}
	return nil
}

// AbortSession transitions the session to aborted, rolling back any
// in-flight apply first.
func (c *Core) AbortSession(sessionID string) error {
	if !c.coordinator.Abort(sessionID) {
		return ErrSessionNotFound
	}
	return nil
}
