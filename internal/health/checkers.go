package health

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"forgemend/internal/artifact"
)

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc struct {
	CheckName     string
	CheckCategory Category
	Fn            func(ctx context.Context, a *artifact.Artifact) (CheckResult, error)
}

func (c CheckerFunc) Name() string       { return c.CheckName }
func (c CheckerFunc) Category() Category { return c.CheckCategory }
func (c CheckerFunc) Check(ctx context.Context, a *artifact.Artifact) (CheckResult, error) {
	return c.Fn(ctx, a)
}

// placeholderPatterns flag incomplete generated code. Wording matters less
// than recall here: a single surviving stub sinks a build later.
var placeholderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bTODO:?\s*implement\b`),
	regexp.MustCompile(`(?i)\bFIXME\b`),
	regexp.MustCompile(`(?i)placeholder`),
	regexp.MustCompile(`(?i)not\s+implemented`),
	regexp.MustCompile(`(?i)coming\s+soon`),
	regexp.MustCompile(`\.\.\.\s*$`),
}

// PlaceholderChecker is the default static checker: scans every file for
// stub markers left behind by a producer.
type PlaceholderChecker struct{}

func (PlaceholderChecker) Name() string       { return "placeholder-scan" }
func (PlaceholderChecker) Category() Category { return CategoryStatic }

func (PlaceholderChecker) Check(ctx context.Context, a *artifact.Artifact) (CheckResult, error) {
	var issues []Issue
	for _, path := range a.FileNames() {
		if err := ctx.Err(); err != nil {
			return CheckResult{}, err
		}
		f, ok := a.Get(path)
		if !ok {
			continue
		}
		for lineNo, line := range strings.Split(f.Content, "\n") {
			for _, pat := range placeholderPatterns {
				if pat.MatchString(line) {
					issues = append(issues, Issue{
						Category:  CategoryStatic,
						Severity:  SeverityMedium,
						Summary:   "placeholder content in " + path,
						Evidence:  []string{strings.TrimSpace(line)},
						Locations: []string{fmt.Sprintf("%s:%d", path, lineNo+1)},
					})
					break
				}
			}
		}
	}
	return CheckResult{Passed: len(issues) == 0, Issues: issues}, nil
}

// EmptyArtifactChecker is the default build checker when no real build
// runner is wired: an artifact with no files cannot build.
type EmptyArtifactChecker struct{}

func (EmptyArtifactChecker) Name() string       { return "artifact-shape" }
func (EmptyArtifactChecker) Category() Category { return CategoryBuild }

func (EmptyArtifactChecker) Check(_ context.Context, a *artifact.Artifact) (CheckResult, error) {
	if len(a.FileNames()) == 0 {
		return CheckResult{Issues: []Issue{{
			Category: CategoryBuild,
			Severity: SeverityCritical,
			Summary:  "artifact has no files",
			Evidence: []string{"empty artifact " + a.ID},
		}}}, nil
	}
	return CheckResult{Passed: true}, nil
}

// SkippedChecker always reports skipped; used to keep a weight slot open
// for a collaborator that is not configured in this environment.
type SkippedChecker struct {
	SlotName     string
	SlotCategory Category
}

func (s SkippedChecker) Name() string       { return s.SlotName }
func (s SkippedChecker) Category() Category { return s.SlotCategory }
func (s SkippedChecker) Check(context.Context, *artifact.Artifact) (CheckResult, error) {
	return CheckResult{Skipped: true}, nil
}
