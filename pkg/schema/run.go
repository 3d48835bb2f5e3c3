package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusActive    RunStatus = "active"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFlagged   RunStatus = "flagged"
)

// Valid reports whether s is one of the known statuses.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusActive, RunStatusCompleted, RunStatusFlagged:
		return true
	}
	return false
}

// Outcome is the result recorded by a log entry.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFlagged Outcome = "FLAGGED"
	OutcomePending Outcome = "PENDING"
)

// Valid reports whether o is one of the three recorded outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFlagged, OutcomePending:
		return true
	}
	return false
}

func (o *Outcome) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if !Outcome(s).Valid() {
		return fmt.Errorf("invalid log outcome %q", s)
	}
	*o = Outcome(s)
	return nil
}

// SystemErrorAction is recorded when a flag cannot be attributed to a step.
const SystemErrorAction = "SYSTEM_ERROR"

// LogEntry is one immutable record in a run's audit trail.
type LogEntry struct {
	StepID    string          `json:"step_id"`
	StepTitle string          `json:"step_title"`
	Action    string          `json:"action"`
	Output    json.RawMessage `json:"output,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Outcome   Outcome         `json:"outcome"`
}

// ActiveRun is one instantiation of a process definition.
type ActiveRun struct {
	ID               string    `json:"id"`
	OrganizationID   string    `json:"organization_id"`
	ProcessID        string    `json:"process_id"`
	ProcessVersion   int       `json:"process_version"`
	ProcessName      string    `json:"process_name"`
	CurrentStepIndex int       `json:"current_step_index"`
	Status           RunStatus `json:"status"`
	Logs             RunLog    `json:"logs"`
	StartedBy        string    `json:"started_by"`
	StartedAt        time.Time `json:"started_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	Version          int64     `json:"version"`
}

// IsTerminal reports whether automatic advancement has stopped for the run.
func (r *ActiveRun) IsTerminal() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusFlagged
}

// StepStartedAt returns when the run arrived at the step: the timestamp of the
// first log entry for it, or the run start when none exists yet.
func (r *ActiveRun) StepStartedAt(stepID string) time.Time {
	if e, ok := r.Logs.FirstForStep(stepID); ok {
		return e.Timestamp
	}
	return r.StartedAt
}

// RunLog is the append-only audit trail of a run. Entries can be added but
// never removed, replaced or reordered.
type RunLog struct {
	entries []LogEntry
}

// NewRunLog builds a log from previously persisted entries, in order.
func NewRunLog(entries ...LogEntry) RunLog {
	var l RunLog
	l.entries = append(l.entries, entries...)
	return l
}

// Append adds entries to the end of the log.
func (l *RunLog) Append(entries ...LogEntry) {
	l.entries = append(l.entries, entries...)
}

// Len returns the number of entries.
func (l RunLog) Len() int { return len(l.entries) }

// Entries returns a copy of the entries.
func (l RunLog) Entries() []LogEntry {
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// At returns the i-th entry.
func (l RunLog) At(i int) LogEntry { return l.entries[i] }

// Last returns the most recent entry.
func (l RunLog) Last() (LogEntry, bool) {
	if len(l.entries) == 0 {
		return LogEntry{}, false
	}
	return l.entries[len(l.entries)-1], true
}

// FirstForStep returns the earliest entry recorded for stepID.
func (l RunLog) FirstForStep(stepID string) (LogEntry, bool) {
	for _, e := range l.entries {
		if e.StepID == stepID {
			return e, true
		}
	}
	return LogEntry{}, false
}

// LastFlagged returns the latest FLAGGED entry and its index.
func (l RunLog) LastFlagged() (LogEntry, int, bool) {
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Outcome == OutcomeFlagged {
			return l.entries[i], i, true
		}
	}
	return LogEntry{}, -1, false
}

// Count returns how many entries for stepID carry the given outcome.
func (l RunLog) Count(stepID string, outcome Outcome) int {
	n := 0
	for _, e := range l.entries {
		if e.StepID == stepID && e.Outcome == outcome {
			n++
		}
	}
	return n
}

func (l RunLog) MarshalJSON() ([]byte, error) {
	if l.entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l.entries)
}

func (l *RunLog) UnmarshalJSON(b []byte) error {
	var entries []LogEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return err
	}
	l.entries = entries
	return nil
}
