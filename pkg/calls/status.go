package calls

import "outbound-intake-relay/pkg/models"

// transitions is the call lifecycle edge table. Terminal states have no outgoing edges.
var transitions = map[models.CallStatus][]models.CallStatus{
	models.StatusInitiating: {models.StatusDialing, models.StatusFailed},
	models.StatusDialing: {
		models.StatusConnected,
		models.StatusNoAnswer,
		models.StatusBusy,
		models.StatusFailed,
		models.StatusDisconnected,
	},
	models.StatusConnected: {
		models.StatusActive,
		models.StatusCompleted,
		models.StatusFailed,
		models.StatusDisconnected,
	},
	models.StatusActive: {
		models.StatusCompleted,
		models.StatusFailed,
		models.StatusDisconnected,
	},
	models.StatusNoAnswer: {models.StatusBusy, models.StatusFailed},
	models.StatusBusy:     {models.StatusNoAnswer, models.StatusFailed},
}

// CanTransition reports whether a session in status from may move to status to.
// Repeating a non-terminal status is allowed so duplicate provider reports are accepted.
func CanTransition(from, to models.CallStatus) bool {
	if from.Terminal() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
