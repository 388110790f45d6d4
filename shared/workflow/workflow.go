package workflow

import "strings"

const (
	TaskStatusReady      = "READY"
	TaskStatusInProgress = "IN_PROGRESS"
	TaskStatusCompleted  = "COMPLETED"
)

// Ledger actions recorded for each transition.
const (
	TaskEventCheckedIn  = "CHECKED_IN"
	TaskEventCheckedOut = "CHECKED_OUT"
)

// Tasks move forward one step at a time; there is no skip and no reverse.
var taskTransitions = map[string]map[string]string{
	TaskStatusReady: {
		TaskStatusInProgress: TaskEventCheckedIn,
	},
	TaskStatusInProgress: {
		TaskStatusCompleted: TaskEventCheckedOut,
	},
}

func NormalizeTaskStatus(status string) string {
	return strings.ToUpper(strings.TrimSpace(status))
}

func IsValidStatus(status string) bool {
	switch NormalizeTaskStatus(status) {
	case TaskStatusReady, TaskStatusInProgress, TaskStatusCompleted:
		return true
	}
	return false
}

func CanTransition(fromStatus string, toStatus string) bool {
	next := taskTransitions[NormalizeTaskStatus(fromStatus)]
	if next == nil {
		return false
	}
	_, ok := next[NormalizeTaskStatus(toStatus)]
	return ok
}

// EventTypeForTransition names the ledger action for a move, or "" when the
// move is not allowed.
func EventTypeForTransition(fromStatus string, toStatus string) string {
	next := taskTransitions[NormalizeTaskStatus(fromStatus)]
	if next == nil {
		return ""
	}
	return next[NormalizeTaskStatus(toStatus)]
}
