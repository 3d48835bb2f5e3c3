package schema

// Event type constants published on the run event hub.
const (
	EventRunStarted      = "run_started"
	EventStepCompleted   = "step_completed"
	EventStepWaiting     = "step_waiting"
	EventRunCompleted    = "run_completed"
	EventRunFlagged      = "run_flagged"
	EventRunReactivated  = "run_reactivated"
	EventReminderEmitted = "reminder_emitted"
)
