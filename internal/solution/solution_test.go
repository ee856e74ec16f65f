package solution

import (
	"context"
	"strings"
	"testing"

	"forgemend/internal/analyze"
	"forgemend/internal/artifact"
	"forgemend/internal/health"
)

func classified(cause analyze.RootCause, evidence, location string) *analyze.ClassifiedIssue {
	return &analyze.ClassifiedIssue{
		Issue: health.Issue{
			ID:        "issue-1",
			Category:  health.CategoryTest,
			Severity:  health.SeverityHigh,
			Summary:   "failing check",
			Evidence:  []string{evidence},
			Locations: []string{location},
		},
		Cause:      cause,
		Confidence: 0.9,
	}
}

func seeded(t *testing.T, path, content string) *artifact.Artifact {
	t.Helper()
	a := artifact.New("art-sol", "demo")
	if err := a.ApplyDelta(&artifact.Delta{
		TaskID: "seed",
		Files:  []artifact.File{artifact.NewFile(path, content, "")},
	}); err != nil {
		t.Fatal(err)
	}
	return a
}

func TestRankOrdering(t *testing.T) {
	cands := []Candidate{
		{ID: "high-risk", Risk: RiskHigh, Complexity: 1, Confidence: 0.9},
		{ID: "low-complex", Risk: RiskLow, Complexity: 3, Confidence: 0.9},
		{ID: "low-simple", Risk: RiskLow, Complexity: 1, Confidence: 0.5},
		{ID: "low-simple-confident", Risk: RiskLow, Complexity: 1, Confidence: 0.8},
	}
	Rank(cands)

	want := []string{"low-simple-confident", "low-simple", "low-complex", "high-risk"}
	for i, id := range want {
		if cands[i].ID != id {
			t.Fatalf("rank[%d] = %s, want %s", i, cands[i].ID, id)
		}
	}
}

func TestProposeAlwaysIncludesRollback(t *testing.T) {
	g := NewHeuristicGenerator()
	a := seeded(t, "backend/main.go", "line one\nBROKEN line\nline three\n")

	for _, cause := range []analyze.RootCause{
		analyze.CauseSyntaxBuild,
		analyze.CauseLogicTest,
		analyze.CauseDependencyIntegration,
		analyze.CauseUnknown,
	} {
		ci := classified(cause, "BROKEN line", "backend/main.go:2")
		cands, err := g.Propose(context.Background(), ci, a)
		if err != nil {
			t.Fatalf("Propose(%s): %v", cause, err)
		}
		if len(cands) == 0 {
			t.Fatalf("Propose(%s): empty candidate list", cause)
		}
		for _, c := range cands {
			if len(c.Rollback) == 0 {
				t.Errorf("candidate %s for %s has no rollback plan", c.ID, cause)
			}
		}
	}
}

func TestProposeRanksLowRiskFirst(t *testing.T) {
	g := NewHeuristicGenerator()
	a := seeded(t, "backend/main.go", "ok\nBROKEN\n")

	cands, err := g.Propose(context.Background(), classified(analyze.CauseSyntaxBuild, "BROKEN", "backend/main.go:2"), a)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(cands); i++ {
		if cands[i].Risk < cands[i-1].Risk {
			t.Fatalf("candidates not ordered by risk: %v then %v", cands[i-1].Risk, cands[i].Risk)
		}
	}
}

func TestTargetedPatchStripsFlaggedLines(t *testing.T) {
	g := NewHeuristicGenerator()
	a := seeded(t, "backend/main.go", "keep\nBROKEN evidence line\nkeep too\n")

	cands, err := g.Propose(context.Background(), classified(analyze.CauseLogicTest, "BROKEN evidence line", "backend/main.go:2"), a)
	if err != nil {
		t.Fatal(err)
	}
	top := cands[0]
	patched, ok := top.Patch.Files["backend/main.go"]
	if !ok {
		t.Fatalf("top candidate does not touch the flagged file: %+v", top)
	}
	if strings.Contains(patched, "BROKEN") {
		t.Fatal("flagged line survived the patch")
	}
	if !strings.Contains(patched, "keep too") {
		t.Fatal("unrelated line removed by the patch")
	}
}

func TestProposeNoArtifactNoSolution(t *testing.T) {
	g := NewHeuristicGenerator()
	ci := classified(analyze.CauseUnknown, "mystery", "nowhere.go:1")
	if _, err := g.Propose(context.Background(), ci, nil); err == nil {
		t.Fatal("expected ErrNoViableSolution for unknown cause with no artifact")
	}
}
