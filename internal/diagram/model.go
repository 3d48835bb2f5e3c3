// Package diagram renders a process definition, optionally overlaid with a
// run's progress, as ASCII, Mermaid or a PNG image.
package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindAuto  NodeKind = "auto"
	NodeKindHuman NodeKind = "human"
	NodeKindStart NodeKind = "start"
	NodeKindEnd   NodeKind = "end"
)

// Node statuses used by the run overlay.
const (
	StatusDone    = "done"
	StatusCurrent = "current"
	StatusWaiting = "waiting"
	StatusFlagged = "flagged"
	StatusPending = "pending"
)

// DiagramModel is the intermediate representation used by all renderers.
// Nodes are in step order, framed by virtual start and end nodes.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries run state for a node.
type StatusOverlay struct {
	Status  string
	Actor   string // who completed a HUMAN step
	Overdue bool
	Error   string
}

// Edge connects two consecutive nodes.
type Edge struct {
	From string
	To   string
}
