package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Plan is a YAML task file for `loom run`:
//
//	name: build
//	workers: 3
//	files: [go.sum]
//	tasks:
//	  - id: vet
//	    run: go vet ./...
type Plan struct {
	Name        string     `yaml:"name"`
	Workers     int        `yaml:"workers"`
	MaxAttempts int        `yaml:"max_attempts"`
	Files       []string   `yaml:"files"`
	Tasks       []PlanTask `yaml:"tasks"`
}

// PlanTask is one entry of Plan.Tasks.
type PlanTask struct {
	ID      string `yaml:"id"`
	Command `yaml:",inline"`
}

// LoadPlan reads and validates a plan file.
func LoadPlan(path string) (Plan, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied task file
	if err != nil {
		return Plan{}, fmt.Errorf("read plan: %w", err)
	}
	return ParsePlan(data)
}

// ParsePlan decodes and validates plan YAML. Task ids default to task-<n>.
func ParsePlan(data []byte) (Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Plan{}, fmt.Errorf("parse plan: %w", err)
	}
	if len(p.Tasks) == 0 {
		return Plan{}, errors.New("plan has no tasks")
	}
	if p.Workers < 0 {
		return Plan{}, fmt.Errorf("plan workers must not be negative, got %d", p.Workers)
	}
	seen := make(map[string]bool, len(p.Tasks))
	for i := range p.Tasks {
		if p.Tasks[i].ID == "" {
			p.Tasks[i].ID = fmt.Sprintf("task-%d", i+1)
		}
		if seen[p.Tasks[i].ID] {
			return Plan{}, fmt.Errorf("duplicate task id %q", p.Tasks[i].ID)
		}
		seen[p.Tasks[i].ID] = true
		if p.Tasks[i].Run == "" {
			return Plan{}, fmt.Errorf("task %q has no run command", p.Tasks[i].ID)
		}
	}
	return p, nil
}

// ToTasks converts the plan entries into queueable tasks for sessionID.
func (p Plan) ToTasks(sessionID string) ([]Task, error) {
	out := make([]Task, 0, len(p.Tasks))
	for _, pt := range p.Tasks {
		data, err := json.Marshal(pt.Command)
		if err != nil {
			return nil, fmt.Errorf("encode task %s: %w", pt.ID, err)
		}
		out = append(out, Task{ID: pt.ID, SessionID: sessionID, Data: data})
	}
	return out, nil
}
