package analyze

import (
	"context"
	"errors"
	"testing"

	"forgemend/internal/artifact"
	"forgemend/internal/health"
)

func issueWith(cat health.Category, evidence ...string) health.Issue {
	return health.Issue{
		ID:       "issue-1",
		Category: cat,
		Severity: health.SeverityHigh,
		Summary:  "something broke",
		Evidence: evidence,
	}
}

func TestAnalyzeClassifiesKnownSignatures(t *testing.T) {
	cases := []struct {
		name     string
		evidence string
		want     RootCause
	}{
		{"syntax", "syntax error: unexpected token '}'", CauseSyntaxBuild},
		{"undefined symbol", "undefined: handleRequest", CauseSyntaxBuild},
		{"missing module", "cannot find module example.com/lib", CauseDependencyIntegration},
		{"test assertion", "assertion failed: expected 200 got 500", CauseLogicTest},
		{"nil deref", "panic: nil pointer dereference", CauseLogicTest},
	}

	an := New(0.5)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ci, err := an.Analyze(context.Background(), issueWith(health.CategoryTest, tc.evidence), nil, nil)
			if err != nil {
				t.Fatalf("Analyze: %v", err)
			}
			if ci.Cause != tc.want {
				t.Fatalf("cause = %s, want %s", ci.Cause, tc.want)
			}
			if ci.Confidence < 0.5 {
				t.Fatalf("confidence = %v, want >= 0.5", ci.Confidence)
			}
		})
	}
}

func TestAnalyzeInconclusiveBelowMinimum(t *testing.T) {
	an := New(0.95)
	_, err := an.Analyze(context.Background(), issueWith(health.CategoryBehavioral, "something vague happened"), nil, nil)
	if !errors.Is(err, ErrInconclusive) {
		t.Fatalf("err = %v, want ErrInconclusive", err)
	}
}

func TestAnalyzeCategoryFallback(t *testing.T) {
	an := New(0.5)
	ci, err := an.Analyze(context.Background(), issueWith(health.CategoryBuild, "opaque failure output"), nil, nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if ci.Cause != CauseSyntaxBuild {
		t.Fatalf("cause = %s, want category fallback to syntax-build", ci.Cause)
	}
}

func TestPriorFailedAttemptsLowerConfidence(t *testing.T) {
	an := New(0.5)
	issue := issueWith(health.CategoryTest, "assertion failed: expected 1 got 2")

	fresh, err := an.Analyze(context.Background(), issue, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	prior := []PriorAttempt{
		{Cause: CauseLogicTest, Resolved: false},
		{Cause: CauseLogicTest, Resolved: false},
	}
	repeat, err := an.Analyze(context.Background(), issue, nil, prior)
	if err != nil {
		t.Fatal(err)
	}
	if repeat.Confidence >= fresh.Confidence {
		t.Fatalf("confidence not discounted: fresh=%v repeat=%v", fresh.Confidence, repeat.Confidence)
	}
}

func TestAnalyzeGathersArtifactContext(t *testing.T) {
	a := artifact.New("art-ctx", "demo")
	_ = a.ApplyDelta(&artifact.Delta{
		TaskID: "seed",
		Files:  []artifact.File{artifact.NewFile("backend/main.go", "package main\n\nfunc main() {}\n", "go")},
	})

	issue := issueWith(health.CategoryTest, "assertion failed: expected ok")
	issue.Locations = []string{"backend/main.go:3"}

	an := New(0.5)
	ci, err := an.Analyze(context.Background(), issue, a, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ci.Context) != 1 {
		t.Fatalf("context entries = %d, want 1", len(ci.Context))
	}
}
