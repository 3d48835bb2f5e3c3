package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// statusTag returns a short ASCII indicator for a node status.
func statusTag(ov *StatusOverlay) string {
	if ov == nil {
		return ""
	}
	switch ov.Status {
	case StatusDone:
		return "[OK]"
	case StatusFlagged:
		return "[FLAG]"
	case StatusCurrent:
		return "[RUN]"
	case StatusWaiting:
		if ov.Overdue {
			return "[WAIT, OVERDUE]"
		}
		return "[WAIT]"
	case StatusPending:
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as a vertical chain of boxes.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, node := range model.Nodes {
		for _, line := range makeBox(node) {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		if i < len(model.Nodes)-1 {
			b.WriteString("       │\n")
			b.WriteString("       ▼\n")
		}
	}

	return b.String()
}

// makeBox returns the lines of a box for node.
func makeBox(node *Node) []string {
	content := []string{firstLine(node.Label)}
	if rest := secondLine(node.Label); rest != "" {
		content = append(content, rest)
	}
	if node.Kind == NodeKindHuman {
		content[0] += " (human)"
	}

	if ov := node.Status; ov != nil {
		if tag := statusTag(ov); tag != "" {
			content = append(content, tag)
		}
		if ov.Actor != "" {
			content = append(content, "by "+ov.Actor)
		}
		if ov.Error != "" {
			content = append(content, ov.Error)
		}
	}

	maxLen := 0
	for _, line := range content {
		if n := utf8.RuneCountInString(line); n > maxLen {
			maxLen = n
		}
	}

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", maxLen+2)+"┐")
	for _, line := range content {
		pad := maxLen - utf8.RuneCountInString(line)
		lines = append(lines, "│ "+line+strings.Repeat(" ", pad)+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", maxLen+2)+"┘")
	return lines
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

func secondLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return firstLine(s[i+1:])
	}
	return ""
}
