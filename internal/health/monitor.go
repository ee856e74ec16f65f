// Package health evaluates an artifact against multiple independent signals
// and produces a normalized, immutable health report.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"forgemend/internal/artifact"
	"forgemend/internal/logging"
	"forgemend/internal/metrics"
)

// Category classifies where a defect was detected.
type Category string

const (
	CategoryBuild      Category = "build"
	CategoryTest       Category = "test"
	CategoryStatic     Category = "static"
	CategoryBehavioral Category = "behavioral"
)

// Severity grades a defect.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Issue is a single detected defect. RootCause and Confidence are filled in
// by the analyzer, not the monitor.
type Issue struct {
	ID         string   `json:"id"`
	Category   Category `json:"category"`
	Severity   Severity `json:"severity"`
	Summary    string   `json:"summary"`
	Evidence   []string `json:"evidence,omitempty"` // log lines, file locations
	Locations  []string `json:"locations,omitempty"`
	RootCause  string   `json:"root_cause,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
}

// HighSeverity reports whether the issue is high or critical.
func (i Issue) HighSeverity() bool {
	return i.Severity == SeverityHigh || i.Severity == SeverityCritical
}

// Report is a point-in-time evaluation. Immutable once created; a fresh
// evaluation produces a fresh report.
type Report struct {
	ID              string    `json:"id"`
	ArtifactID      string    `json:"artifact_id"`
	ArtifactVersion int       `json:"artifact_version"`
	Score           float64   `json:"score"` // [0,1]
	Issues          []Issue   `json:"issues,omitempty"`
	Checks          []CheckRun `json:"checks"`
	CreatedAt       time.Time `json:"created_at"`
}

// CheckRun records one checker's outcome inside a report.
type CheckRun struct {
	Name     string        `json:"name"`
	Category Category      `json:"category"`
	Passed   bool          `json:"passed"`
	Skipped  bool          `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

// Healthy applies the configured threshold: score at or above it and no
// high-severity issues.
func (r *Report) Healthy(threshold float64) bool {
	if r.Score < threshold {
		return false
	}
	for _, issue := range r.Issues {
		if issue.HighSeverity() {
			return false
		}
	}
	return true
}

// HighestSeverityIssue returns the most severe unresolved issue, preferring
// build over test over static on ties.
func (r *Report) HighestSeverityIssue() *Issue {
	rank := map[Severity]int{SeverityCritical: 3, SeverityHigh: 2, SeverityMedium: 1, SeverityLow: 0}
	catRank := map[Category]int{CategoryBuild: 3, CategoryTest: 2, CategoryStatic: 1, CategoryBehavioral: 0}
	var best *Issue
	for i := range r.Issues {
		issue := &r.Issues[i]
		if best == nil ||
			rank[issue.Severity] > rank[best.Severity] ||
			(rank[issue.Severity] == rank[best.Severity] && catRank[issue.Category] > catRank[best.Category]) {
			best = issue
		}
	}
	return best
}

// CheckResult is what a verifier collaborator returns.
type CheckResult struct {
	Passed  bool
	Skipped bool
	Issues  []Issue
}

// Checker is the verifier collaborator contract: build runner, test runner,
// static analyzer. Implementations live outside the core.
type Checker interface {
	Name() string
	Category() Category
	Check(ctx context.Context, a *artifact.Artifact) (CheckResult, error)
}

// weighted pairs a checker with its share of the overall score.
type weighted struct {
	checker Checker
	weight  float64
}

// Monitor runs a fixed checker set and combines results into a score.
// It retains no state across evaluations.
type Monitor struct {
	checkers []weighted
	log      *zap.Logger
}

// NewMonitor builds a monitor with the canonical weights: build and tests
// dominate, static checks refine.
func NewMonitor(build, test, static Checker) *Monitor {
	m := &Monitor{log: logging.Named("health")}
	if build != nil {
		m.checkers = append(m.checkers, weighted{build, 0.4})
	}
	if test != nil {
		m.checkers = append(m.checkers, weighted{test, 0.4})
	}
	if static != nil {
		m.checkers = append(m.checkers, weighted{static, 0.2})
	}
	return m
}

// NewMonitorWithWeights builds a monitor from explicit checker/weight pairs.
func NewMonitorWithWeights(pairs map[Checker]float64) *Monitor {
	m := &Monitor{log: logging.Named("health")}
	for c, w := range pairs {
		m.checkers = append(m.checkers, weighted{c, w})
	}
	return m
}

// Evaluate runs every checker concurrently and produces a report. A checker
// error counts as a failed check with a synthetic issue rather than failing
// the whole evaluation.
func (m *Monitor) Evaluate(ctx context.Context, a *artifact.Artifact) (*Report, error) {
	report := &Report{
		ID:              uuid.New().String(),
		ArtifactID:      a.ID,
		ArtifactVersion: a.CurrentVersion(),
		CreatedAt:       time.Now(),
	}

	type outcome struct {
		run    CheckRun
		weight float64
		issues []Issue
	}

	outcomes := make([]outcome, len(m.checkers))
	var wg sync.WaitGroup
	for i, wc := range m.checkers {
		wg.Add(1)
		go func(i int, wc weighted) {
			defer wg.Done()
			start := time.Now()
			result, err := wc.checker.Check(ctx, a)
			run := CheckRun{
				Name:     wc.checker.Name(),
				Category: wc.checker.Category(),
				Passed:   result.Passed && err == nil,
				Skipped:  result.Skipped && err == nil,
				Duration: time.Since(start),
			}
			issues := result.Issues
			if err != nil {
				issues = append(issues, Issue{
					ID:       uuid.New().String(),
					Category: wc.checker.Category(),
					Severity: SeverityHigh,
					Summary:  "check failed to run: " + wc.checker.Name(),
					Evidence: []string{err.Error()},
				})
			}
			for j := range issues {
				if issues[j].ID == "" {
					issues[j].ID = uuid.New().String()
				}
				if issues[j].Category == "" {
					issues[j].Category = wc.checker.Category()
				}
			}
			outcomes[i] = outcome{run: run, weight: wc.weight, issues: issues}
		}(i, wc)
	}
	wg.Wait()

	// Weighted combination, skipped checks redistribute their weight.
	earned, total := 0.0, 0.0
	for _, o := range outcomes {
		report.Checks = append(report.Checks, o.run)
		report.Issues = append(report.Issues, o.issues...)
		if o.run.Skipped {
			continue
		}
		total += o.weight
		if o.run.Passed {
			earned += o.weight
		}
	}
	if total > 0 {
		report.Score = earned / total
	}

	metrics.Get().HealthScoreObserved.Observe(report.Score)
	m.log.Debug("artifact evaluated",
		zap.String("artifact_id", a.ID),
		zap.Float64("score", report.Score),
		zap.Int("issues", len(report.Issues)))

	return report, nil
}
