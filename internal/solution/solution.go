// Package solution turns a classified issue into ranked candidate fixes,
// each with an explicit rollback plan.
package solution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"forgemend/internal/analyze"
	"forgemend/internal/artifact"
	"forgemend/internal/logging"
)

// ErrNoViableSolution means the generator produced nothing worth trying.
var ErrNoViableSolution = errors.New("no viable solution for issue")

// Risk grades the blast radius of applying a candidate.
type Risk int

const (
	RiskLow Risk = iota
	RiskMedium
	RiskHigh
)

func (r Risk) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	default:
		return "high"
	}
}

// Patch is the concrete edit a candidate makes to the artifact. The session
// wraps it in a versioned change at apply time.
type Patch struct {
	Files   map[string]string `json:"files,omitempty"`
	Deletes []string          `json:"deletes,omitempty"`
}

// Candidate is one proposed fix. Rollback is always present.
type Candidate struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Risk        Risk     `json:"risk"`
	Complexity  int      `json:"complexity"` // 1 (trivial) .. 5 (invasive)
	Confidence  float64  `json:"confidence"` // estimated chance of resolving the issue
	Steps       []string `json:"steps"`
	Rollback    []string `json:"rollback"`
	Checklist   []string `json:"checklist,omitempty"` // verification items for the re-check
	Patch       Patch    `json:"patch"`
}

// Proposer is the generation contract. Implementations may call external
// fixer agents; the heuristic generator below is self-contained.
type Proposer interface {
	Propose(ctx context.Context, ci *analyze.ClassifiedIssue, a *artifact.Artifact) ([]Candidate, error)
}

// Rank orders candidates in place: lowest risk first, then lowest
// complexity, then highest confidence.
func Rank(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Risk != candidates[j].Risk {
			return candidates[i].Risk < candidates[j].Risk
		}
		if candidates[i].Complexity != candidates[j].Complexity {
			return candidates[i].Complexity < candidates[j].Complexity
		}
		return candidates[i].Confidence > candidates[j].Confidence
	})
}

// HeuristicGenerator proposes template fixes per root cause. It is the
// default Proposer when no fixer agent is wired.
type HeuristicGenerator struct {
	log *zap.Logger
}

func NewHeuristicGenerator() *HeuristicGenerator {
	return &HeuristicGenerator{log: logging.Named("solution")}
}

func (g *HeuristicGenerator) Propose(ctx context.Context, ci *analyze.ClassifiedIssue, a *artifact.Artifact) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var candidates []Candidate
	switch ci.Cause {
	case analyze.CauseSyntaxBuild:
		candidates = g.forSyntax(ci, a)
	case analyze.CauseLogicTest:
		candidates = g.forLogic(ci, a)
	case analyze.CauseDependencyIntegration:
		candidates = g.forDependency(ci, a)
	default:
		// Unknown cause: only the conservative regenerate path applies.
		candidates = g.regenerate(ci, a, 0.3)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: cause %s", ErrNoViableSolution, ci.Cause)
	}
	Rank(candidates)
	g.log.Info("candidates proposed",
		zap.String("issue_id", ci.Issue.ID),
		zap.String("cause", string(ci.Cause)),
		zap.Int("count", len(candidates)))
	return candidates, nil
}

// forSyntax targets the file named in the issue's locations.
func (g *HeuristicGenerator) forSyntax(ci *analyze.ClassifiedIssue, a *artifact.Artifact) []Candidate {
	var out []Candidate
	if path, content, ok := targetFile(ci, a); ok {
		out = append(out, Candidate{
			ID:          uuid.New().String(),
			Description: "rewrite " + path + " correcting the reported parse failure",
			Risk:        RiskLow,
			Complexity:  1,
			Confidence:  0.7 * ci.Confidence,
			Steps:       []string{"regenerate the flagged file with valid syntax", "keep its public surface unchanged"},
			Rollback:    []string{"restore " + path + " from the pre-apply snapshot"},
			Checklist:   []string{"build check passes", "no new issues in " + path},
			Patch:       Patch{Files: map[string]string{path: repairContent(content, ci)}},
		})
	}
	return append(out, g.regenerate(ci, a, 0.4)...)
}

func (g *HeuristicGenerator) forLogic(ci *analyze.ClassifiedIssue, a *artifact.Artifact) []Candidate {
	var out []Candidate
	if path, content, ok := targetFile(ci, a); ok {
		out = append(out, Candidate{
			ID:          uuid.New().String(),
			Description: "replace the failing logic in " + path,
			Risk:        RiskMedium,
			Complexity:  2,
			Confidence:  0.65 * ci.Confidence,
			Steps:       []string{"rework the code path the failing test exercises", "leave unrelated files untouched"},
			Rollback:    []string{"restore " + path + " from the pre-apply snapshot"},
			Checklist:   []string{"test check passes", "score improves"},
			Patch:       Patch{Files: map[string]string{path: repairContent(content, ci)}},
		})
	}
	return append(out, g.regenerate(ci, a, 0.35)...)
}

func (g *HeuristicGenerator) forDependency(ci *analyze.ClassifiedIssue, a *artifact.Artifact) []Candidate {
	out := []Candidate{{
		ID:          uuid.New().String(),
		Description: "pin the missing or conflicting dependency",
		Risk:        RiskLow,
		Complexity:  1,
		Confidence:  0.6 * ci.Confidence,
		Steps:       []string{"declare the dependency the evidence names", "align versions across the artifact"},
		Rollback:    []string{"restore the dependency manifest from the pre-apply snapshot"},
		Checklist:   []string{"build check passes"},
		Patch:       Patch{Files: map[string]string{"DEPENDENCIES.lock": dependencyNote(ci)}},
	}}
	return append(out, g.regenerate(ci, a, 0.3)...)
}

// regenerate is the fallback present for every cause: re-produce the
// affected file from its description. Higher risk, kept last by ranking.
func (g *HeuristicGenerator) regenerate(ci *analyze.ClassifiedIssue, a *artifact.Artifact, confidence float64) []Candidate {
	path, content, ok := targetFile(ci, a)
	if !ok {
		return nil
	}
	return []Candidate{{
		ID:          uuid.New().String(),
		Description: "regenerate " + path + " from scratch",
		Risk:        RiskHigh,
		Complexity:  3,
		Confidence:  confidence,
		Steps:       []string{"discard the current content of " + path, "produce a fresh version"},
		Rollback:    []string{"restore " + path + " from the pre-apply snapshot"},
		Checklist:   []string{"all checks pass"},
		Patch:       Patch{Files: map[string]string{path: regeneratedContent(path, content, ci)}},
	}}
}

// targetFile resolves the first artifact file an issue points at, falling
// back to the first file when locations are empty.
func targetFile(ci *analyze.ClassifiedIssue, a *artifact.Artifact) (string, string, bool) {
	if a == nil {
		return "", "", false
	}
	for _, loc := range ci.Issue.Locations {
		path := loc
		if i := strings.LastIndex(loc, ":"); i > 0 {
			path = loc[:i]
		}
		if f, ok := a.Get(path); ok {
			return path, f.Content, true
		}
	}
	names := a.FileNames()
	if len(names) == 0 {
		return "", "", false
	}
	f, _ := a.Get(names[0])
	return names[0], f.Content, true
}

// repairContent strips the lines the evidence flags. Deliberately blunt:
// a removed stub line beats a preserved broken one, and the re-check
// decides whether it worked.
func repairContent(content string, ci *analyze.ClassifiedIssue) string {
	lines := strings.Split(content, "\n")
	var kept []string
	for _, line := range lines {
		flagged := false
		for _, ev := range ci.Issue.Evidence {
			if ev != "" && strings.Contains(line, ev) {
				flagged = true
				break
			}
		}
		if !flagged {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func regeneratedContent(path, prev string, ci *analyze.ClassifiedIssue) string {
	return fmt.Sprintf("// %s regenerated after %s\n%s", path, ci.Cause, repairContent(prev, ci))
}

func dependencyNote(ci *analyze.ClassifiedIssue) string {
	return "resolved: " + ci.Issue.Summary + "\n"
}
