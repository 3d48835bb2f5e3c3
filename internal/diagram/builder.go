package diagram

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/steward/internal/classifier"
	"github.com/rendis/steward/internal/scanner"
	"github.com/rendis/steward/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs a DiagramModel from a process definition. When run is not
// nil each step carries its status in that run as of now.
func Build(def *schema.ProcessDefinition, run *schema.ActiveRun, now time.Time) (*DiagramModel, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "diagram: process definition is nil")
	}
	if run != nil && run.ProcessID != def.ID {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"diagram: run %s belongs to process %s, not %s", run.ID, run.ProcessID, def.ID)
	}

	nodes := make([]*Node, 0, len(def.Steps)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for i := range def.Steps {
		step := &def.Steps[i]
		node := &Node{ID: step.ID, Label: nodeLabel(step), Kind: stepKind(step)}
		if run != nil {
			node.Status = overlay(run, step, i, now)
		}
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	edges := make([]Edge, 0, len(nodes)-1)
	for i := 1; i < len(nodes); i++ {
		edges = append(edges, Edge{From: nodes[i-1].ID, To: nodes[i].ID})
	}

	return &DiagramModel{Title: title(def, run), Nodes: nodes, Edges: edges}, nil
}

func stepKind(step *schema.StepDefinition) NodeKind {
	mode, err := classifier.Classify(step.Action)
	if err == nil && mode == classifier.Human {
		return NodeKindHuman
	}
	return NodeKindAuto
}

func nodeLabel(step *schema.StepDefinition) string {
	label := step.Title
	if label == "" {
		label = step.ID
	}
	return label + "\n" + string(step.Action)
}

func title(def *schema.ProcessDefinition, run *schema.ActiveRun) string {
	name := def.Name
	if name == "" {
		name = def.ID
	}
	t := fmt.Sprintf("%s v%d", name, def.Version)
	if run != nil {
		t += fmt.Sprintf(" (run %s, %s)", run.ID, run.Status)
	}
	return t
}

// overlay derives a step's status from the run's index and status.
func overlay(run *schema.ActiveRun, step *schema.StepDefinition, i int, now time.Time) *StatusOverlay {
	switch {
	case i < run.CurrentStepIndex || run.Status == schema.RunStatusCompleted:
		return &StatusOverlay{Status: StatusDone, Actor: completedBy(run, step.ID)}
	case i > run.CurrentStepIndex:
		return &StatusOverlay{Status: StatusPending}
	case run.Status == schema.RunStatusFlagged:
		ov := &StatusOverlay{Status: StatusFlagged}
		if entry, _, ok := run.Logs.LastFlagged(); ok {
			var detail schema.ErrorDetail
			if json.Unmarshal(entry.Output, &detail) == nil {
				ov.Error = detail.Error
			}
		}
		return ov
	case stepKind(step) == NodeKindHuman:
		_, overdue := scanner.Overdue(run, step, now)
		return &StatusOverlay{Status: StatusWaiting, Overdue: overdue}
	default:
		return &StatusOverlay{Status: StatusCurrent}
	}
}

// completedBy returns the actor recorded on the step's SUCCESS entry.
func completedBy(run *schema.ActiveRun, stepID string) string {
	entries := run.Logs.Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.StepID != stepID || e.Outcome != schema.OutcomeSuccess {
			continue
		}
		var out struct {
			CompletedBy string `json:"completed_by"`
		}
		if json.Unmarshal(e.Output, &out) == nil {
			return out.CompletedBy
		}
		return ""
	}
	return ""
}
