package agent

import (
	"context"
	"fmt"
	"strings"

	"forgemend/internal/artifact"
)

// RegisterScaffolds installs deterministic capabilities for every core role.
// They stand in for real code-producing agents: same contract, canned
// output derived from the task input.
func RegisterScaffolds(r *Registry) {
	r.Register(RoleSchema, CapabilityFunc(scaffoldSchema))
	r.Register(RoleBackend, CapabilityFunc(scaffoldBackend))
	r.Register(RoleFrontend, CapabilityFunc(scaffoldFrontend))
	r.Register(RoleIntegration, CapabilityFunc(scaffoldIntegration))
	r.Register(RoleVerifier, CapabilityFunc(scaffoldVerifier))
	r.Register(RoleFixer, CapabilityFunc(scaffoldFixer))
}

func scaffoldSchema(ctx context.Context, in Input) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content := fmt.Sprintf("# Data model\n# derived from: %s\n\nentities: []\n", firstLine(in.Description))
	return &Result{
		Delta: &artifact.Delta{
			TaskID: in.TaskID,
			Files:  []artifact.File{artifact.NewFile("schema/model.yaml", content, "yaml")},
		},
		Messages: []string{"schema scaffolded"},
	}, nil
}

func scaffoldBackend(ctx context.Context, in Input) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content := fmt.Sprintf("// service entrypoint\n// request: %s\n\nfunc main() {}\n", firstLine(in.Description))
	return &Result{
		Delta: &artifact.Delta{
			TaskID: in.TaskID,
			Files: []artifact.File{
				artifact.NewFile("backend/main.go", content, "go"),
				artifact.NewFile("backend/routes.go", "// route table\n", "go"),
			},
		},
		Messages: []string{"backend scaffolded"},
	}, nil
}

func scaffoldFrontend(ctx context.Context, in Input) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content := fmt.Sprintf("<!-- generated for: %s -->\n<main></main>\n", firstLine(in.Description))
	return &Result{
		Delta: &artifact.Delta{
			TaskID: in.TaskID,
			Files:  []artifact.File{artifact.NewFile("frontend/index.html", content, "html")},
		},
		Messages: []string{"frontend scaffolded"},
	}, nil
}

func scaffoldIntegration(ctx context.Context, in Input) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{
		Delta: &artifact.Delta{
			TaskID: in.TaskID,
			Files:  []artifact.File{artifact.NewFile("integration/wiring.yaml", "links: []\n", "yaml")},
		},
		Messages: []string{"integration scaffolded"},
	}, nil
}

// scaffoldVerifier produces no delta: verification output flows through the
// health monitor, not the artifact.
func scaffoldVerifier(ctx context.Context, in Input) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{Messages: []string{"verification recorded for " + in.ArtifactID}}, nil
}

func scaffoldFixer(ctx context.Context, in Input) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{Messages: []string{"no fix proposed"}}, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
