// Package agent defines the capability contract between the orchestration
// core and the specialized producer/analyzer/fixer agents that do the actual
// generation work. The core owns no generation logic; it resolves a role tag
// through the registry and invokes whatever implementation is registered.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"forgemend/internal/artifact"
)

// Role tags the capability a task requires. Adding a role means adding a
// registry entry, not a new type hierarchy.
type Role string

const (
	RoleSchema      Role = "schema"            // designs data models and contracts
	RoleBackend     Role = "producer-backend"  // generates API and business logic
	RoleFrontend    Role = "producer-frontend" // generates UI components
	RoleIntegration Role = "integration"       // stitches producer outputs together
	RoleVerifier    Role = "verifier"          // runs checks against the artifact
	RoleFixer       Role = "fixer"             // produces candidate repairs
)

// ProducerRoles are the roles whose results mutate the artifact.
var ProducerRoles = map[Role]bool{
	RoleSchema:      true,
	RoleBackend:     true,
	RoleFrontend:    true,
	RoleIntegration: true,
}

// Input is the work order handed to a capability.
type Input struct {
	TaskID      string            `json:"task_id"`
	ArtifactID  string            `json:"artifact_id"`
	Description string            `json:"description"`
	Spec        map[string]string `json:"spec,omitempty"`
	CallerID    string            `json:"caller_id,omitempty"` // opaque, audit only
}

// Result is what a capability returns. Producer roles fill Delta; analytical
// roles fill Messages and Metrics.
type Result struct {
	Delta    *artifact.Delta   `json:"delta,omitempty"`
	Messages []string          `json:"messages,omitempty"`
	Metrics  map[string]string `json:"metrics,omitempty"`
}

// Capability is the single contract the core depends on. Implementations must
// be safe to retry with the same input: the core retries transient failures
// and assumes a repeated invocation either deduplicates or is harmless.
type Capability interface {
	Invoke(ctx context.Context, in Input) (*Result, error)
}

// CapabilityFunc adapts a function to the Capability interface.
type CapabilityFunc func(ctx context.Context, in Input) (*Result, error)

func (f CapabilityFunc) Invoke(ctx context.Context, in Input) (*Result, error) {
	return f(ctx, in)
}

// TransientError marks a failure worth retrying. Anything else (besides a
// context deadline) is treated as permanent for the current attempt.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so the dispatcher will retry it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsRetryable reports whether an invocation error should be retried.
// Timeouts count as transient per the invocation contract.
func IsRetryable(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// ErrUnknownRole is returned by Resolve for roles with no registered capability.
var ErrUnknownRole = errors.New("no capability registered for role")

// Registry maps role tags to capability implementations.
type Registry struct {
	mu   sync.RWMutex
	caps map[Role]Capability
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[Role]Capability)}
}

// Register binds a capability to a role, replacing any previous binding.
func (r *Registry) Register(role Role, cap Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[role] = cap
}

// Resolve returns the capability for a role.
func (r *Registry) Resolve(role Role) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cap, ok := r.caps[role]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	return cap, nil
}

// Knows reports whether a role has a registered capability.
func (r *Registry) Knows(role Role) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.caps[role]
	return ok
}

// Roles returns the registered role tags in sorted order.
func (r *Registry) Roles() []Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]Role, 0, len(r.caps))
	for role := range r.caps {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}
