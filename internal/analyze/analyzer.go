// Package analyze classifies a detected issue into a bounded root-cause
// taxonomy with a confidence score, refusing to guess below a floor.
package analyze

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"forgemend/internal/artifact"
	"forgemend/internal/health"
	"forgemend/internal/logging"
)

// RootCause is the bounded classification taxonomy.
type RootCause string

const (
	CauseSyntaxBuild           RootCause = "syntax-build"
	CauseLogicTest             RootCause = "logic-test"
	CauseDependencyIntegration RootCause = "dependency-integration"
	CauseUnknown               RootCause = "unknown"
)

// ErrInconclusive is returned instead of a low-confidence guess.
var ErrInconclusive = errors.New("analysis inconclusive: confidence below minimum")

// ClassifiedIssue is the analyzer's verdict on a single issue.
type ClassifiedIssue struct {
	Issue      health.Issue `json:"issue"`
	Cause      RootCause    `json:"cause"`
	Confidence float64      `json:"confidence"`
	Context    []string     `json:"context,omitempty"` // artifact excerpts near the evidence
	Reasoning  string       `json:"reasoning,omitempty"`
}

// PriorAttempt summarizes one earlier attempt in the same session. The
// analyzer uses it to discount a classification that already failed to
// produce a fix.
type PriorAttempt struct {
	Cause     RootCause
	Resolved  bool
	Candidate string
}

// pattern maps evidence text to a cause with a base confidence.
type pattern struct {
	re         *regexp.Regexp
	cause      RootCause
	confidence float64
	reasoning  string
}

var patterns = []pattern{
	{regexp.MustCompile(`(?i)syntax error|unexpected token|expected .* found|cannot parse`), CauseSyntaxBuild, 0.9, "parser rejected the source"},
	{regexp.MustCompile(`(?i)undefined:|undeclared|not defined|unresolved reference`), CauseSyntaxBuild, 0.85, "reference to a missing symbol"},
	{regexp.MustCompile(`(?i)cannot find (module|package)|no required module|import .* not found|module .* not found`), CauseDependencyIntegration, 0.9, "missing dependency"},
	{regexp.MustCompile(`(?i)version conflict|incompatible version|checksum mismatch`), CauseDependencyIntegration, 0.85, "dependency version disagreement"},
	{regexp.MustCompile(`(?i)connection refused|dial tcp|no such host|timeout.*connect`), CauseDependencyIntegration, 0.75, "external collaborator unreachable"},
	{regexp.MustCompile(`(?i)assertion failed|expected .* got|want .* have|test .* failed`), CauseLogicTest, 0.85, "behavior diverges from the test expectation"},
	{regexp.MustCompile(`(?i)nil pointer|null reference|index out of range|out of bounds`), CauseLogicTest, 0.8, "runtime fault on a logic path"},
	{regexp.MustCompile(`(?i)placeholder|not implemented|todo`), CauseLogicTest, 0.7, "incomplete implementation"},
	{regexp.MustCompile(`(?i)type mismatch|cannot use .* as|incompatible type`), CauseSyntaxBuild, 0.8, "type error"},
}

// Analyzer implements the classification contract.
type Analyzer struct {
	minConfidence float64
	log           *zap.Logger
}

// New returns an analyzer that fails with ErrInconclusive below minConfidence.
func New(minConfidence float64) *Analyzer {
	return &Analyzer{minConfidence: minConfidence, log: logging.Named("analyze")}
}

// Analyze classifies the issue using its evidence and the artifact content
// the evidence points at. Prior attempts that already tried a cause without
// resolving it pull the confidence down.
func (an *Analyzer) Analyze(ctx context.Context, issue health.Issue, a *artifact.Artifact, prior []PriorAttempt) (*ClassifiedIssue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	corpus := issue.Summary
	for _, ev := range issue.Evidence {
		corpus += "\n" + ev
	}

	cause, confidence, reasoning := classify(corpus)

	// After the analyzer preset, fold in the issue's own category as a
	// weak signal when the text matched nothing.
	if cause == CauseUnknown {
		switch issue.Category {
		case health.CategoryBuild:
			cause, confidence, reasoning = CauseSyntaxBuild, 0.55, "build-stage issue with no recognized signature"
		case health.CategoryTest:
			cause, confidence, reasoning = CauseLogicTest, 0.55, "test-stage issue with no recognized signature"
		}
	}

	// A cause that already failed to produce a fix is less believable now.
	for _, p := range prior {
		if p.Cause == cause && !p.Resolved {
			confidence -= 0.15
		}
	}
	if confidence < 0 {
		confidence = 0
	}

	if confidence < an.minConfidence {
		an.log.Info("analysis inconclusive",
			zap.String("issue_id", issue.ID),
			zap.String("cause", string(cause)),
			zap.Float64("confidence", confidence),
			zap.Float64("minimum", an.minConfidence))
		return nil, fmt.Errorf("%w (cause %s at %.2f)", ErrInconclusive, cause, confidence)
	}

	classified := &ClassifiedIssue{
		Issue:      issue,
		Cause:      cause,
		Confidence: confidence,
		Context:    gatherContext(issue, a),
		Reasoning:  reasoning,
	}
	an.log.Info("issue classified",
		zap.String("issue_id", issue.ID),
		zap.String("cause", string(cause)),
		zap.Float64("confidence", confidence))
	return classified, nil
}

// classify scans the evidence corpus against the signature table, keeping
// the strongest match.
func classify(corpus string) (RootCause, float64, string) {
	cause, confidence, reasoning := CauseUnknown, 0.2, "no recognized signature"
	for _, p := range patterns {
		if p.re.MatchString(corpus) && p.confidence > confidence {
			cause, confidence, reasoning = p.cause, p.confidence, p.reasoning
		}
	}
	return cause, confidence, reasoning
}

// gatherContext pulls excerpts from the artifact files the issue's
// locations reference. Locations use a "path:line" form.
func gatherContext(issue health.Issue, a *artifact.Artifact) []string {
	if a == nil {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	for _, loc := range issue.Locations {
		path := loc
		if i := strings.LastIndex(loc, ":"); i > 0 {
			path = loc[:i]
		}
		if seen[path] {
			continue
		}
		seen[path] = true
		f, ok := a.Get(path)
		if !ok {
			continue
		}
		excerpt := f.Content
		if len(excerpt) > 512 {
			excerpt = excerpt[:512]
		}
		out = append(out, path+":\n"+excerpt)
	}
	return out
}
