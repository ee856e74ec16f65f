// Package graph - request decomposition
package graph

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"forgemend/internal/agent"
	"forgemend/internal/logging"
)

// Request is a structured development request.
type Request struct {
	Description string            `json:"description"`
	ArtifactID  string            `json:"artifact_id,omitempty"` // empty = new artifact
	Roles       []agent.Role      `json:"roles,omitempty"`       // preferred producer roles
	Constraints map[string]string `json:"constraints,omitempty"`
	CallerID    string            `json:"caller_id,omitempty"`
}

// BuildError means the request could not be decomposed. It is surfaced to the
// caller directly and never retried.
type BuildError struct {
	Reason string
}

func (e *BuildError) Error() string { return "graph build failed: " + e.Reason }

// Builder decomposes requests into task graphs. Decomposition is canonical:
// schema first, producers per role, integration over all producers,
// verification last.
type Builder struct {
	registry *agent.Registry
	log      *zap.Logger
}

// NewBuilder returns a builder that validates roles against the registry.
func NewBuilder(registry *agent.Registry) *Builder {
	return &Builder{registry: registry, log: logging.Named("graph")}
}

// roleHints maps request keywords to producer roles when none are given.
var roleHints = []struct {
	keyword string
	role    agent.Role
}{
	{"api", agent.RoleBackend},
	{"backend", agent.RoleBackend},
	{"server", agent.RoleBackend},
	{"service", agent.RoleBackend},
	{"ui", agent.RoleFrontend},
	{"frontend", agent.RoleFrontend},
	{"page", agent.RoleFrontend},
	{"dashboard", agent.RoleFrontend},
	{"component", agent.RoleFrontend},
}

// Build decomposes a request into a task graph or fails with *BuildError.
func (b *Builder) Build(req Request) (*TaskGraph, error) {
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		return nil, &BuildError{Reason: "empty description"}
	}

	producers := b.selectProducerRoles(req)
	if len(producers) == 0 {
		return nil, &BuildError{Reason: "request cannot be mapped to any known role"}
	}
	for _, role := range producers {
		if !b.registry.Knows(role) {
			return nil, &BuildError{Reason: fmt.Sprintf("no capability registered for role %s", role)}
		}
	}
	if !b.registry.Knows(agent.RoleVerifier) {
		return nil, &BuildError{Reason: "no capability registered for role verifier"}
	}

	artifactID := req.ArtifactID
	if artifactID == "" {
		artifactID = uuid.New().String()
	}

	g := &TaskGraph{
		ID:         uuid.New().String(),
		ArtifactID: artifactID,
		CallerID:   req.CallerID,
		RiskScore:  assessRisk(desc, producers),
		CreatedAt:  time.Now(),
		tasks:      make(map[string]*Task),
		run:        RunPending,
	}

	addTask := func(role agent.Role, description string, deps []string) string {
		t := &Task{
			ID:          uuid.New().String(),
			Role:        role,
			Description: description,
			Spec:        req.Constraints,
			DependsOn:   deps,
			State:       TaskPending,
		}
		g.tasks[t.ID] = t
		g.order = append(g.order, t.ID)
		return t.ID
	}

	// Canonical phases: schema -> producers -> integration -> verification.
	var producerIDs []string
	var schemaID string
	if b.registry.Knows(agent.RoleSchema) {
		schemaID = addTask(agent.RoleSchema, "Design data models and contracts for: "+desc, nil)
	}
	for _, role := range producers {
		var deps []string
		if schemaID != "" {
			deps = []string{schemaID}
		}
		producerIDs = append(producerIDs, addTask(role, fmt.Sprintf("Generate %s for: %s", roleNoun(role), desc), deps))
	}
	integrationDeps := producerIDs
	var integrationID string
	if b.registry.Knows(agent.RoleIntegration) {
		integrationID = addTask(agent.RoleIntegration, "Integrate generated components", integrationDeps)
	}
	verifyDeps := producerIDs
	if integrationID != "" {
		verifyDeps = []string{integrationID}
	}
	addTask(agent.RoleVerifier, "Verify assembled artifact", verifyDeps)

	// The construction above cannot produce a cycle, but the invariant is
	// load-bearing for the dispatcher, so check anyway.
	if err := checkAcyclic(g); err != nil {
		return nil, &BuildError{Reason: err.Error()}
	}

	b.log.Info("graph built",
		zap.String("graph_id", g.ID),
		zap.String("artifact_id", g.ArtifactID),
		zap.Int("tasks", len(g.tasks)),
		zap.Int("risk_score", g.RiskScore))

	return g, nil
}

func (b *Builder) selectProducerRoles(req Request) []agent.Role {
	if len(req.Roles) > 0 {
		// Preferred roles are taken as-is, deduplicated, producers only.
		seen := make(map[agent.Role]bool)
		var out []agent.Role
		for _, r := range req.Roles {
			if agent.ProducerRoles[r] && r != agent.RoleSchema && r != agent.RoleIntegration && !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
		return out
	}

	lower := strings.ToLower(req.Description)
	seen := make(map[agent.Role]bool)
	var out []agent.Role
	for _, hint := range roleHints {
		if strings.Contains(lower, hint.keyword) && !seen[hint.role] {
			seen[hint.role] = true
			out = append(out, hint.role)
		}
	}
	if len(out) == 0 {
		// A plain "build me an app" request gets the full producer set.
		for _, r := range []agent.Role{agent.RoleBackend, agent.RoleFrontend} {
			if b.registry.Knows(r) {
				out = append(out, r)
			}
		}
	}
	return out
}

func roleNoun(role agent.Role) string {
	switch role {
	case agent.RoleBackend:
		return "backend services"
	case agent.RoleFrontend:
		return "frontend components"
	default:
		return string(role) + " output"
	}
}

// assessRisk scores the request 0-100. High-risk requests get conservative
// healing budgets downstream.
func assessRisk(desc string, producers []agent.Role) int {
	score := 0
	if len(producers) > 2 {
		score += 15
	}
	if len(desc) > 500 {
		score += 15
	}
	lower := strings.ToLower(desc)
	for _, sensitive := range []string{"auth", "payment", "credential", "user data"} {
		if strings.Contains(lower, sensitive) {
			score += 15
			break
		}
	}
	for _, heavy := range []string{"realtime", "real-time", "concurrent", "distributed"} {
		if strings.Contains(lower, heavy) {
			score += 10
			break
		}
	}
	if score > 100 {
		score = 100
	}
	return score
}

// checkAcyclic runs Kahn's algorithm and fails if any task is unreachable,
// which in a finite graph means a cycle (or a dangling dependency).
func checkAcyclic(g *TaskGraph) error {
	indegree := make(map[string]int, len(g.tasks))
	dependents := make(map[string][]string)
	for id, t := range g.tasks {
		indegree[id] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				return fmt.Errorf("task %s depends on unknown task %s", id, dep)
			}
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(g.tasks) {
		return fmt.Errorf("dependency graph contains a cycle")
	}
	return nil
}
