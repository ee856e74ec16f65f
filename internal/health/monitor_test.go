package health

import (
	"context"
	"errors"
	"testing"

	"forgemend/internal/artifact"
)

func fixedChecker(name string, cat Category, result CheckResult) Checker {
	return CheckerFunc{
		CheckName:     name,
		CheckCategory: cat,
		Fn: func(context.Context, *artifact.Artifact) (CheckResult, error) {
			return result, nil
		},
	}
}

func testArtifact(t *testing.T, files map[string]string) *artifact.Artifact {
	t.Helper()
	a := artifact.New("art-health", "demo")
	d := &artifact.Delta{TaskID: "seed"}
	for path, content := range files {
		d.Files = append(d.Files, artifact.NewFile(path, content, ""))
	}
	if err := a.ApplyDelta(d); err != nil {
		t.Fatal(err)
	}
	return a
}

func TestEvaluateWeightedScore(t *testing.T) {
	a := testArtifact(t, map[string]string{"main.go": "package main\n"})

	cases := []struct {
		name                string
		build, test, static bool
		want                float64
	}{
		{"all pass", true, true, true, 1.0},
		{"all fail", false, false, false, 0.0},
		{"static only fails", true, true, false, 0.8},
		{"tests fail", true, false, true, 0.6},
		{"build fails", false, true, true, 0.6},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMonitor(
				fixedChecker("build", CategoryBuild, CheckResult{Passed: tc.build}),
				fixedChecker("test", CategoryTest, CheckResult{Passed: tc.test}),
				fixedChecker("static", CategoryStatic, CheckResult{Passed: tc.static}),
			)
			r, err := m.Evaluate(context.Background(), a)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if diff := r.Score - tc.want; diff > 1e-9 || diff < -1e-9 {
				t.Fatalf("score = %v, want %v", r.Score, tc.want)
			}
		})
	}
}

func TestEvaluateSkippedWeightRedistributed(t *testing.T) {
	a := testArtifact(t, map[string]string{"main.go": "package main\n"})
	m := NewMonitor(
		fixedChecker("build", CategoryBuild, CheckResult{Passed: true}),
		fixedChecker("test", CategoryTest, CheckResult{Skipped: true}),
		fixedChecker("static", CategoryStatic, CheckResult{Passed: false}),
	)
	r, err := m.Evaluate(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	// 0.4 earned of 0.6 counted: the skipped test slot does not drag the
	// score down.
	want := 0.4 / 0.6
	if diff := r.Score - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("score = %v, want %v", r.Score, want)
	}
}

func TestHealthyThresholdAndSeverity(t *testing.T) {
	r := &Report{Score: 0.9}
	if !r.Healthy(0.8) {
		t.Fatal("high score with no issues reported unhealthy")
	}

	r.Issues = append(r.Issues, Issue{Severity: SeverityHigh, Category: CategoryTest})
	if r.Healthy(0.8) {
		t.Fatal("high-severity issue ignored by Healthy")
	}

	low := &Report{Score: 0.5, Issues: []Issue{{Severity: SeverityLow}}}
	if low.Healthy(0.8) {
		t.Fatal("low score reported healthy")
	}
}

func TestHighestSeverityIssue(t *testing.T) {
	r := &Report{Issues: []Issue{
		{ID: "a", Severity: SeverityLow, Category: CategoryStatic},
		{ID: "b", Severity: SeverityHigh, Category: CategoryTest},
		{ID: "c", Severity: SeverityHigh, Category: CategoryBuild},
		{ID: "d", Severity: SeverityMedium, Category: CategoryBuild},
	}}
	got := r.HighestSeverityIssue()
	if got == nil || got.ID != "c" {
		t.Fatalf("picked %+v, want the high-severity build issue", got)
	}
}

func TestCheckerErrorBecomesIssue(t *testing.T) {
	a := testArtifact(t, map[string]string{"main.go": "package main\n"})
	failing := CheckerFunc{
		CheckName:     "broken",
		CheckCategory: CategoryBuild,
		Fn: func(context.Context, *artifact.Artifact) (CheckResult, error) {
			return CheckResult{}, errors.New("runner unavailable")
		},
	}
	m := NewMonitor(failing, nil, nil)
	r, err := m.Evaluate(context.Background(), a)
	if err != nil {
		t.Fatalf("Evaluate should absorb checker errors, got %v", err)
	}
	if r.Score != 0 {
		t.Fatalf("score = %v, want 0", r.Score)
	}
	if len(r.Issues) != 1 || r.Issues[0].Severity != SeverityHigh {
		t.Fatalf("issues = %+v, want one high-severity issue", r.Issues)
	}
}

func TestPlaceholderChecker(t *testing.T) {
	dirty := testArtifact(t, map[string]string{
		"ok.go":   "package ok\n",
		"stub.go": "package stub\n// TODO: implement the handler\n",
	})
	res, err := PlaceholderChecker{}.Check(context.Background(), dirty)
	if err != nil {
		t.Fatal(err)
	}
	if res.Passed {
		t.Fatal("placeholder content passed the scan")
	}
	if len(res.Issues) != 1 {
		t.Fatalf("issues = %d, want 1", len(res.Issues))
	}
	if res.Issues[0].Locations[0] != "stub.go:2" {
		t.Fatalf("location = %s, want stub.go:2", res.Issues[0].Locations[0])
	}

	clean := testArtifact(t, map[string]string{"ok.go": "package ok\n"})
	res, err = PlaceholderChecker{}.Check(context.Background(), clean)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Passed {
		t.Fatalf("clean artifact failed: %+v", res.Issues)
	}
}
