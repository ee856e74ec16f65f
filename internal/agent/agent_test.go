package agent

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	if r.Knows(RoleBackend) {
		t.Fatal("empty registry knows a role")
	}
	if _, err := r.Resolve(RoleBackend); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("err = %v, want ErrUnknownRole", err)
	}

	r.Register(RoleBackend, CapabilityFunc(func(context.Context, Input) (*Result, error) {
		return &Result{}, nil
	}))
	if !r.Knows(RoleBackend) {
		t.Fatal("registered role unknown")
	}
	if _, err := r.Resolve(RoleBackend); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	plain := errors.New("hard failure")
	if IsRetryable(plain) {
		t.Fatal("plain error marked retryable")
	}
	if !IsRetryable(Transient(plain)) {
		t.Fatal("transient wrapper not retryable")
	}
	if !IsRetryable(context.DeadlineExceeded) {
		t.Fatal("timeout not retryable")
	}

	wrapped := Transient(plain)
	if !errors.Is(wrapped, plain) {
		t.Fatal("transient wrapper hides its cause")
	}
}

func TestScaffoldsCoverAllRoles(t *testing.T) {
	r := NewRegistry()
	RegisterScaffolds(r)
	for _, role := range []Role{
		RoleSchema, RoleBackend, RoleFrontend, RoleIntegration, RoleVerifier, RoleFixer,
	} {
		if !r.Knows(role) {
			t.Errorf("scaffold missing for role %s", role)
		}
	}
}

func TestScaffoldProducersEmitDeltas(t *testing.T) {
	r := NewRegistry()
	RegisterScaffolds(r)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	in := Input{TaskID: "task-1", ArtifactID: "art-1", Description: "todo list app"}

	for role, isProducer := range ProducerRoles {
		if !isProducer {
			continue
		}
		cap, err := r.Resolve(role)
		if err != nil {
			t.Fatalf("Resolve(%s): %v", role, err)
		}
		out, err := cap.Invoke(ctx, in)
		if err != nil {
			t.Fatalf("Invoke(%s): %v", role, err)
		}
		if out.Delta == nil || len(out.Delta.Files) == 0 {
			t.Errorf("producer %s returned no delta", role)
		}
	}

	// Verifier emits no delta: its output goes through the health report.
	verifier, _ := r.Resolve(RoleVerifier)
	out, err := verifier.Invoke(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if out.Delta != nil {
		t.Fatal("verifier scaffold mutated the artifact")
	}
}
