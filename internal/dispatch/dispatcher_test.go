package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"forgemend/internal/agent"
	"forgemend/internal/artifact"
	"forgemend/internal/graph"
)

func testConfig() Config {
	return Config{
		MaxParallel:    4,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		AgentTimeout:   time.Second,
	}
}

func producerCap(path string) agent.Capability {
	return agent.CapabilityFunc(func(_ context.Context, in agent.Input) (*agent.Result, error) {
		return &agent.Result{
			Delta: &artifact.Delta{
				TaskID: in.TaskID,
				Files:  []artifact.File{artifact.NewFile(path, "content for "+in.TaskID, "")},
			},
		}, nil
	})
}

func nopCap() agent.Capability {
	return agent.CapabilityFunc(func(context.Context, agent.Input) (*agent.Result, error) {
		return &agent.Result{}, nil
	})
}

func buildGraph(t *testing.T, r *agent.Registry, desc string) *graph.TaskGraph {
	t.Helper()
	g, err := graph.NewBuilder(r).Build(graph.Request{Description: desc, ArtifactID: "art-test"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

func TestRunCompletesGraphAndAppliesDeltas(t *testing.T) {
	r := agent.NewRegistry()
	r.Register(agent.RoleSchema, producerCap("schema/model.yaml"))
	r.Register(agent.RoleBackend, producerCap("backend/main.go"))
	r.Register(agent.RoleFrontend, producerCap("frontend/index.html"))
	r.Register(agent.RoleIntegration, nopCap())
	r.Register(agent.RoleVerifier, nopCap())

	store := artifact.NewMemoryStore()
	d := New(r, store, artifact.NewLocker(), nil, testConfig())
	g := buildGraph(t, r, "app with an api and a ui")

	results, err := d.Run(context.Background(), g)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if g.RunStatus() != graph.RunDone {
		t.Fatalf("run state = %s, want done", g.RunStatus())
	}
	if len(results) != len(g.Tasks()) {
		t.Fatalf("results = %d, want %d", len(results), len(g.Tasks()))
	}

	a, err := store.Load(context.Background(), "art-test")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, path := range []string{"schema/model.yaml", "backend/main.go", "frontend/index.html"} {
		if _, ok := a.Get(path); !ok {
			t.Errorf("artifact missing %s", path)
		}
	}
}

func TestRunOverlapsIndependentProducers(t *testing.T) {
	type window struct{ start, end time.Time }
	var (
		mu      sync.Mutex
		windows = map[string]window{}
	)
	var producers sync.WaitGroup
	producers.Add(2)

	record := func(name string, hold func() error) agent.Capability {
		return agent.CapabilityFunc(func(context.Context, agent.Input) (*agent.Result, error) {
			start := time.Now()
			if hold != nil {
				if err := hold(); err != nil {
					return nil, err
				}
			}
			mu.Lock()
			windows[name] = window{start, time.Now()}
			mu.Unlock()
			return &agent.Result{}, nil
		})
	}

	// Each producer blocks until the other has started; only a concurrent
	// wave gets both past the barrier.
	rendezvous := func() error {
		producers.Done()
		met := make(chan struct{})
		go func() { producers.Wait(); close(met) }()
		select {
		case <-met:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("peer producer never started")
		}
	}

	r := agent.NewRegistry()
	r.Register(agent.RoleSchema, record("schema", nil))
	r.Register(agent.RoleBackend, record("backend", rendezvous))
	r.Register(agent.RoleFrontend, record("frontend", rendezvous))
	r.Register(agent.RoleIntegration, record("integration", nil))
	r.Register(agent.RoleVerifier, record("verifier", nil))

	d := New(r, artifact.NewMemoryStore(), artifact.NewLocker(), nil, testConfig())
	g := buildGraph(t, r, "app with an api and a ui")

	if _, err := d.Run(context.Background(), g); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if g.RunStatus() != graph.RunDone {
		t.Fatalf("run state = %s, want done", g.RunStatus())
	}

	schema, backend := windows["schema"], windows["backend"]
	frontend, verifier := windows["frontend"], windows["verifier"]
	if backend.start.Before(schema.end) || frontend.start.Before(schema.end) {
		t.Fatal("producer started before schema finished")
	}
	if !backend.start.Before(frontend.end) || !frontend.start.Before(backend.end) {
		t.Fatalf("producer windows did not overlap: backend=%+v frontend=%+v", backend, frontend)
	}
	if verifier.start.Before(backend.end) || verifier.start.Before(frontend.end) {
		t.Fatal("verifier started before producers finished")
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	var calls int32
	flaky := agent.CapabilityFunc(func(_ context.Context, in agent.Input) (*agent.Result, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, agent.Transient(errors.New("collaborator hiccup"))
		}
		return &agent.Result{}, nil
	})

	r := agent.NewRegistry()
	r.Register(agent.RoleBackend, flaky)
	r.Register(agent.RoleVerifier, nopCap())

	d := New(r, artifact.NewMemoryStore(), artifact.NewLocker(), nil, testConfig())
	g := buildGraph(t, r, "backend api")

	if _, err := d.Run(context.Background(), g); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("invocations = %d, want 3", got)
	}
	if g.RunStatus() != graph.RunDone {
		t.Fatalf("run state = %s, want done", g.RunStatus())
	}
}

func TestRunDoesNotRetryPermanentFailures(t *testing.T) {
	var calls int32
	broken := agent.CapabilityFunc(func(context.Context, agent.Input) (*agent.Result, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("unusable input")
	})

	r := agent.NewRegistry()
	r.Register(agent.RoleBackend, broken)
	r.Register(agent.RoleVerifier, nopCap())

	d := New(r, artifact.NewMemoryStore(), artifact.NewLocker(), nil, testConfig())
	g := buildGraph(t, r, "backend api")

	_, _ = d.Run(context.Background(), g)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("invocations = %d, want 1 (no retry)", got)
	}
}

func TestRunSkipsDependentsOfFailedTask(t *testing.T) {
	alwaysFail := agent.CapabilityFunc(func(context.Context, agent.Input) (*agent.Result, error) {
		return nil, errors.New("permanent failure")
	})

	r := agent.NewRegistry()
	r.Register(agent.RoleSchema, alwaysFail)
	r.Register(agent.RoleBackend, producerCap("backend/main.go"))
	r.Register(agent.RoleVerifier, nopCap())

	d := New(r, artifact.NewMemoryStore(), artifact.NewLocker(), nil, testConfig())
	g := buildGraph(t, r, "backend api")

	_, err := d.Run(context.Background(), g)
	if err == nil {
		t.Fatal("expected ErrNoProgress")
	}
	if !errors.Is(err, ErrNoProgress) {
		t.Fatalf("err = %v, want ErrNoProgress", err)
	}

	counts := g.Counts()
	if counts[graph.TaskFailed] != 1 {
		t.Fatalf("failed = %d, want 1", counts[graph.TaskFailed])
	}
	if counts[graph.TaskSkipped] == 0 {
		t.Fatal("no tasks skipped despite failed dependency")
	}
	if counts[graph.TaskPending] != 0 || counts[graph.TaskRunning] != 0 {
		t.Fatalf("non-terminal tasks remain: %v", counts)
	}
	if g.RunStatus() != graph.RunPartial {
		t.Fatalf("run state = %s, want partially_skipped", g.RunStatus())
	}
}

func TestRunAbortSkipsRemaining(t *testing.T) {
	release := make(chan struct{})
	slow := agent.CapabilityFunc(func(ctx context.Context, in agent.Input) (*agent.Result, error) {
		select {
		case <-release:
			return &agent.Result{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	r := agent.NewRegistry()
	r.Register(agent.RoleSchema, slow)
	r.Register(agent.RoleBackend, producerCap("backend/main.go"))
	r.Register(agent.RoleVerifier, nopCap())

	d := New(r, artifact.NewMemoryStore(), artifact.NewLocker(), nil, testConfig())
	g := buildGraph(t, r, "backend api")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := d.Run(ctx, g)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond) // let the first wave start
	cancel()
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if g.RunStatus() != graph.RunAborted {
		t.Fatalf("run state = %s, want aborted", g.RunStatus())
	}
	counts := g.Counts()
	if counts[graph.TaskDone] != 0 {
		t.Fatalf("tasks completed after abort: %v", counts)
	}
	if counts[graph.TaskPending] != 0 || counts[graph.TaskRunning] != 0 {
		t.Fatalf("non-terminal tasks remain after abort: %v", counts)
	}
}
