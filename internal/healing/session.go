// Package healing binds one artifact to a bounded monitor→analyze→generate→
// apply→verify loop, driven by an explicit state machine.
package healing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"forgemend/internal/analyze"
	"forgemend/internal/artifact"
	"forgemend/internal/events"
	"forgemend/internal/health"
	"forgemend/internal/logging"
	"forgemend/internal/metrics"
	"forgemend/internal/solution"
)

// State is a healing session lifecycle state.
type State string

const (
	StateMonitoring State = "monitoring"
	StateAnalyzing  State = "analyzing"
	StateGenerating State = "generating"
	StateApplying   State = "applying"
	StateVerifying  State = "verifying"
	StateHealed     State = "healed"
	StateExhausted  State = "exhausted"
	StateAborted    State = "aborted"
)

// Terminal reports whether the state ends the session.
func (s State) Terminal() bool {
	return s == StateHealed || s == StateExhausted || s == StateAborted
}

// validTransitions is the complete transition table. Abort is legal from
// every non-terminal state.
var validTransitions = map[State][]State{
	StateMonitoring: {StateAnalyzing, StateHealed, StateExhausted, StateAborted},
	StateAnalyzing:  {StateGenerating, StateMonitoring, StateAborted},
	StateGenerating: {StateApplying, StateMonitoring, StateAborted},
	StateApplying:   {StateVerifying, StateMonitoring, StateAborted},
	StateVerifying:  {StateMonitoring, StateAborted},
	StateHealed:     {},
	StateExhausted:  {},
	StateAborted:    {},
}

// Attempt is one consumed unit of the session's budget. Records are
// append-only; a no-progress attempt still appears here.
type Attempt struct {
	Number         int               `json:"number"`
	Cause          analyze.RootCause `json:"cause,omitempty"`
	Confidence     float64           `json:"confidence,omitempty"`
	CandidateID    string            `json:"candidate_id,omitempty"`
	CandidateDesc  string            `json:"candidate_desc,omitempty"`
	CandidateTries int               `json:"candidate_tries"`
	Applied        bool              `json:"applied"`
	Outcome        string            `json:"outcome"` // applied, inconclusive, no-solution, apply-failed, aborted
	ScoreBefore    float64           `json:"score_before"`
	ScoreAfter     float64           `json:"score_after,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
}

// Config bounds a session.
type Config struct {
	MaxAttempts       int
	MaxCandidateTries int
	HealthyThreshold  float64
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MaxCandidateTries <= 0 {
		c.MaxCandidateTries = 2
	}
	if c.HealthyThreshold <= 0 {
		c.HealthyThreshold = 0.8
	}
	return c
}

// Deps are the session's collaborators.
type Deps struct {
	Monitor  *health.Monitor
	Analyzer *analyze.Analyzer
	Proposer solution.Proposer
	Store    artifact.Store
	Emitter  events.Emitter
}

// Status is an immutable snapshot for status queries.
type Status struct {
	ID          string        `json:"id"`
	ArtifactID  string        `json:"artifact_id"`
	CallerID    string        `json:"caller_id,omitempty"`
	State       State         `json:"state"`
	Attempts    []Attempt     `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	LastScore   float64       `json:"last_score"`
	Issues      []health.Issue `json:"issues,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
}

// Session is the state machine instance for one artifact.
type Session struct {
	ID         string
	ArtifactID string
	CallerID   string

	cfg  Config
	deps Deps
	log  *zap.Logger

	mu         sync.Mutex
	state      State
	attempts   []Attempt
	lastScore  float64
	issues     []health.Issue
	createdAt  time.Time
	finishedAt *time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession creates a session in monitoring. Run drives it to a terminal
// state; Abort can interrupt it at any point.
func NewSession(artifactID, callerID string, cfg Config, deps Deps) *Session {
	if deps.Emitter == nil {
		deps.Emitter = events.Nop{}
	}
	s := &Session{
		ID:         uuid.New().String(),
		ArtifactID: artifactID,
		CallerID:   callerID,
		cfg:        cfg.withDefaults(),
		deps:       deps,
		state:      StateMonitoring,
		createdAt:  time.Now(),
		done:       make(chan struct{}),
	}
	s.log = logging.Named("healing").With(
		zap.String("session_id", s.ID),
		zap.String("artifact_id", artifactID))
	return s
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a deep-copied snapshot.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		ID:          s.ID,
		ArtifactID:  s.ArtifactID,
		CallerID:    s.CallerID,
		State:       s.state,
		Attempts:    append([]Attempt(nil), s.attempts...),
		MaxAttempts: s.cfg.MaxAttempts,
		LastScore:   s.lastScore,
		Issues:      append([]health.Issue(nil), s.issues...),
		CreatedAt:   s.createdAt,
	}
	if s.finishedAt != nil {
		t := *s.finishedAt
		st.FinishedAt = &t
	}
	return st
}

// Done closes when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Abort requests cancellation. Any in-flight apply is rolled back before
// the session settles into aborted. Safe to call more than once.
func (s *Session) Abort() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// transition moves the machine, enforcing the table. An invalid transition
// is a programming error and is surfaced loudly.
func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.state
	allowed := false
	for _, next := range validTransitions[from] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("invalid session transition %s -> %s", from, to)
	}
	s.state = to
	if to.Terminal() {
		now := time.Now()
		s.finishedAt = &now
	}
	s.log.Info("session transition", zap.String("from", string(from)), zap.String("to", string(to)))
	s.deps.Emitter.Emit(events.Event{
		Type:       events.SessionState,
		SessionID:  s.ID,
		ArtifactID: s.ArtifactID,
		Data:       map[string]any{"from": string(from), "to": string(to)},
	})
	return nil
}

// Run drives the loop to a terminal state. It must be called exactly once;
// the coordinator owns that contract.
func (s *Session) Run(ctx context.Context) State {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()
	defer close(s.done)

	m := metrics.Get()
	m.SessionsActiveGauge.Inc()
	defer m.SessionsActiveGauge.Dec()

	s.deps.Emitter.Emit(events.Event{
		Type: events.SessionStarted, SessionID: s.ID, ArtifactID: s.ArtifactID,
	})

	final := s.loop(ctx)

	m.SessionsTotal.WithLabelValues(string(final)).Inc()
	s.deps.Emitter.Emit(events.Event{
		Type:       events.SessionCompleted,
		SessionID:  s.ID,
		ArtifactID: s.ArtifactID,
		Data:       map[string]any{"state": string(final), "attempts": len(s.attempts)},
	})
	return final
}

func (s *Session) loop(ctx context.Context) State {
	for {
		if ctx.Err() != nil {
			s.settle(StateAborted)
			return StateAborted
		}

		art, err := s.deps.Store.Load(ctx, s.ArtifactID)
		if err != nil {
			s.log.Error("artifact load failed", zap.Error(err))
			s.settle(StateAborted)
			return StateAborted
		}

		report, err := s.deps.Monitor.Evaluate(ctx, art)
		if err != nil {
			s.settle(StateAborted)
			return StateAborted
		}
		s.mu.Lock()
		s.lastScore = report.Score
		s.issues = append([]health.Issue(nil), report.Issues...)
		attemptCount := len(s.attempts)
		s.mu.Unlock()

		if report.Healthy(s.cfg.HealthyThreshold) {
			s.settle(StateHealed)
			return StateHealed
		}
		if attemptCount >= s.cfg.MaxAttempts {
			s.settle(StateExhausted)
			return StateExhausted
		}

		// The attempt is consumed here, whatever happens downstream.
		attempt := Attempt{
			Number:      attemptCount + 1,
			ScoreBefore: report.Score,
			StartedAt:   time.Now(),
		}

		outcome := s.runAttempt(ctx, art, report, &attempt)
		attempt.FinishedAt = time.Now()
		attempt.Outcome = outcome

		s.mu.Lock()
		s.attempts = append(s.attempts, attempt)
		s.mu.Unlock()

		metrics.Get().AttemptsTotal.WithLabelValues(outcome).Inc()
		s.deps.Emitter.Emit(events.Event{
			Type:       events.AttemptRecorded,
			SessionID:  s.ID,
			ArtifactID: s.ArtifactID,
			Data: map[string]any{
				"number":  attempt.Number,
				"outcome": outcome,
				"applied": attempt.Applied,
			},
		})

		if outcome == "aborted" {
			s.settle(StateAborted)
			return StateAborted
		}
		// Fold back to monitoring for the overall re-check.
		if err := s.transition(StateMonitoring); err != nil {
			s.settle(StateAborted)
			return StateAborted
		}
	}
}

// runAttempt walks analyzing→generating→applying→verifying for a single
// attempt and reports the outcome.
func (s *Session) runAttempt(ctx context.Context, art *artifact.Artifact, report *health.Report, attempt *Attempt) string {
	if err := s.transition(StateAnalyzing); err != nil {
		return "aborted"
	}

	target := report.HighestSeverityIssue()
	if target == nil {
		// Unhealthy score with no concrete issue to chase.
		return "inconclusive"
	}

	classified, err := s.deps.Analyzer.Analyze(ctx, *target, art, s.priorAttempts())
	if err != nil {
		if errors.Is(err, analyze.ErrInconclusive) {
			s.log.Info("attempt inconclusive", zap.Int("attempt", attempt.Number))
			return "inconclusive"
		}
		if ctx.Err() != nil {
			return "aborted"
		}
		return "inconclusive"
	}
	attempt.Cause = classified.Cause
	attempt.Confidence = classified.Confidence

	if err := s.transition(StateGenerating); err != nil {
		return "aborted"
	}
	candidates, err := s.deps.Proposer.Propose(ctx, classified, art)
	if err != nil {
		if ctx.Err() != nil {
			return "aborted"
		}
		s.log.Info("no viable solution", zap.Int("attempt", attempt.Number), zap.Error(err))
		return "no-solution"
	}

	if err := s.transition(StateApplying); err != nil {
		return "aborted"
	}
	applied, candidate := s.applyCandidates(ctx, art, candidates, attempt)
	if ctx.Err() != nil {
		return "aborted"
	}
	if !applied {
		return "apply-failed"
	}
	attempt.Applied = true
	attempt.CandidateID = candidate.ID
	attempt.CandidateDesc = candidate.Description
	metrics.Get().SolutionsAppliedTotal.Inc()

	// Verifying is a sub-step: re-check the just-changed artifact and
	// record the score; the loop's monitoring pass makes the call.
	if err := s.transition(StateVerifying); err != nil {
		return "aborted"
	}
	if after, err := s.deps.Monitor.Evaluate(ctx, art); err == nil {
		attempt.ScoreAfter = after.Score
	}
	return "applied"
}

// applyCandidates tries ranked candidates in order, bounded by
// MaxCandidateTries. A structural failure rolls back and falls through to
// the next candidate within the same attempt.
func (s *Session) applyCandidates(ctx context.Context, art *artifact.Artifact, candidates []solution.Candidate, attempt *Attempt) (bool, *solution.Candidate) {
	limit := s.cfg.MaxCandidateTries
	if limit > len(candidates) {
		limit = len(candidates)
	}
	for i := 0; i < limit; i++ {
		if ctx.Err() != nil {
			return false, nil
		}
		cand := candidates[i]
		attempt.CandidateTries++

		change := &artifact.Change{
			ID:          fmt.Sprintf("%s/%d/%s", s.ID, attempt.Number, cand.ID),
			BaseVersion: art.CurrentVersion(),
			Deletes:     cand.Patch.Deletes,
		}
		for path, content := range cand.Patch.Files {
			change.Files = append(change.Files, artifact.NewFile(path, content, ""))
		}
		applied, err := art.ApplyChange(change)
		if err != nil {
			s.log.Warn("candidate apply failed",
				zap.String("candidate_id", cand.ID), zap.Error(err))
			continue
		}
		if !applied {
			// Already applied earlier: treat as success without a second
			// version bump.
			return true, &cand
		}

		// Abort raced the apply: honor the cancellation by undoing it.
		if ctx.Err() != nil {
			s.rollback(art, cand)
			return false, nil
		}

		if err := s.deps.Store.Save(ctx, art); err != nil {
			s.log.Error("save after apply failed, rolling back",
				zap.String("candidate_id", cand.ID), zap.Error(err))
			s.rollback(art, cand)
			continue
		}
		s.deps.Emitter.Emit(events.Event{
			Type:       events.ArtifactUpdated,
			ArtifactID: art.ID,
			SessionID:  s.ID,
			Data: map[string]any{
				"version":  art.CurrentVersion(),
				"revision": art.CurrentRevision(),
			},
		})
		return true, &cand
	}
	return false, nil
}

func (s *Session) rollback(art *artifact.Artifact, cand solution.Candidate) {
	if err := art.Revert(); err != nil {
		s.log.Error("rollback failed", zap.String("candidate_id", cand.ID), zap.Error(err))
		return
	}
	metrics.Get().RollbacksTotal.Inc()
	s.log.Info("candidate rolled back",
		zap.String("candidate_id", cand.ID),
		zap.Strings("plan", cand.Rollback))
}

// settle forces a terminal state regardless of the current one. Used for
// abort and for the two budget-driven endings.
func (s *Session) settle(final State) {
	s.mu.Lock()
	from := s.state
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = final
	now := time.Now()
	s.finishedAt = &now
	s.mu.Unlock()
	s.log.Info("session settled", zap.String("from", string(from)), zap.String("state", string(final)))
	s.deps.Emitter.Emit(events.Event{
		Type:       events.SessionState,
		SessionID:  s.ID,
		ArtifactID: s.ArtifactID,
		Data:       map[string]any{"from": string(from), "to": string(final)},
	})
}

func (s *Session) priorAttempts() []analyze.PriorAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]analyze.PriorAttempt, 0, len(s.attempts))
	for _, a := range s.attempts {
		out = append(out, analyze.PriorAttempt{
			Cause:     a.Cause,
			Resolved:  false,
			Candidate: a.CandidateID,
		})
	}
	return out
}
