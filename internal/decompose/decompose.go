// Package decompose reads task plans written ahead of time.
//
// A plan is a YAML document naming the issue and its tasks:
//
//	issue:
//	  id: ISSUE-12
//	  title: Add export command
//	  complexity: 4
//	tasks:
//	  - id: model
//	    description: Add the export model
//	  - id: command
//	    description: Wire the export command
//	    agent: coder
//	    depends_on: [model]
package decompose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aristath/nworlds/internal/phase"
	"github.com/aristath/nworlds/internal/pool"
)

// ErrIssueMismatch is returned when a plan belongs to another issue.
var ErrIssueMismatch = errors.New("plan is for another issue")

// TaskSpec is one task of a plan.
type TaskSpec struct {
	ID          string         `yaml:"id"`
	Description string         `yaml:"description"`
	Agent       string         `yaml:"agent,omitempty"`
	DependsOn   []string       `yaml:"depends_on,omitempty"`
	Metadata    map[string]any `yaml:"metadata,omitempty"`
}

// Plan is an issue with its decomposition.
type Plan struct {
	Issue phase.Issue `yaml:"issue"`
	Tasks []TaskSpec  `yaml:"tasks"`
}

var _ phase.Decomposer = (*Plan)(nil)

// Parse decodes a plan. Unknown keys are rejected.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty plan")
		}
		return nil, err
	}
	return &p, nil
}

// LoadPlan reads the plan at path.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing plan %s: %w", path, err)
	}
	return p, nil
}

// Decompose implements phase.Decomposer. Dependency checks are left to
// phase.Order.
func (p *Plan) Decompose(_ context.Context, issue phase.Issue) ([]phase.PlannedTask, error) {
	if p.Issue.ID != "" && issue.ID != "" && p.Issue.ID != issue.ID {
		return nil, fmt.Errorf("%w: plan %q, issue %q", ErrIssueMismatch, p.Issue.ID, issue.ID)
	}
	out := make([]phase.PlannedTask, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		out = append(out, phase.PlannedTask{
			Task: pool.Task{
				ID:          t.ID,
				Description: t.Description,
				AgentKind:   t.Agent,
				Metadata:    t.Metadata,
			},
			DependsOn: t.DependsOn,
		})
	}
	return out, nil
}

// FileDecomposer decomposes issues with the plan stored at Path, read
// again on every call.
type FileDecomposer struct {
	Path string
}

var _ phase.Decomposer = FileDecomposer{}

// Decompose implements phase.Decomposer.
func (d FileDecomposer) Decompose(ctx context.Context, issue phase.Issue) ([]phase.PlannedTask, error) {
	p, err := LoadPlan(d.Path)
	if err != nil {
		return nil, err
	}
	return p.Decompose(ctx, issue)
}
