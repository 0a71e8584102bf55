package store

import "clinicops/queue-engine/internal/models"

const (
	ActionCall     = "call"
	ActionStart    = "start"
	ActionComplete = "complete"
	ActionSkip     = "skip"
	ActionCancel   = "cancel"
	ActionRecall   = "recall"
	ActionAssign   = "assign"
)

// Call is listed from "called" as well: re-calling a ticket bumps its call
// counter without changing status.
var transitionMap = map[string][]string{
	ActionCall:     {models.StatusWaiting, models.StatusCalled},
	ActionStart:    {models.StatusCalled},
	ActionComplete: {models.StatusInProgress},
	ActionSkip:     {models.StatusWaiting, models.StatusCalled},
	ActionCancel:   {models.StatusWaiting, models.StatusCalled, models.StatusInProgress},
	ActionRecall:   {models.StatusSkipped},
	ActionAssign:   {models.StatusWaiting, models.StatusCalled},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// AllowedFrom returns the statuses from which action is valid.
func AllowedFrom(action string) []string {
	return transitionMap[action]
}
