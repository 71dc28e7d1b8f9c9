package session

import (
	"reims/pkg/models"
	"reims/pkg/recerr"
)

type Event string

const (
	// EventComplete ends a run that left discrepancies open.
	EventComplete Event = "COMPLETE"
	// EventCompleteClean ends a run with nothing left open.
	EventCompleteClean Event = "COMPLETE_CLEAN"
	EventApprove       Event = "APPROVE"
	EventReject        Event = "REJECT"
)

// CanTransition reports whether a session may move from one status to
// another. Status never reverts.
func CanTransition(from, to models.SessionStatus) bool {
	switch from {
	case models.SessionInProgress:
		return to == models.SessionPendingReview || to == models.SessionApproved
	case models.SessionPendingReview:
		return to == models.SessionApproved || to == models.SessionRejected
	default:
		return false
	}
}

func Transition(from, to models.SessionStatus) (models.SessionStatus, error) {
	if !CanTransition(from, to) {
		return from, recerr.New(recerr.ErrInvalidTransition, "%s -> %s", from, to)
	}
	return to, nil
}

// Next applies event to from. Approval and rejection are only reachable from
// pending_review; a clean run approves itself.
func Next(from models.SessionStatus, event Event) (models.SessionStatus, error) {
	switch event {
	case EventComplete:
		return Transition(from, models.SessionPendingReview)
	case EventCompleteClean:
		if from != models.SessionInProgress {
			return from, recerr.New(recerr.ErrInvalidTransition, "%s cannot complete", from)
		}
		return Transition(from, models.SessionApproved)
	case EventApprove:
		if from != models.SessionPendingReview {
			return from, recerr.New(recerr.ErrInvalidTransition, "%s cannot be approved", from)
		}
		return Transition(from, models.SessionApproved)
	case EventReject:
		return Transition(from, models.SessionRejected)
	default:
		return from, recerr.New(recerr.ErrInvalidTransition, "unknown event %q", event)
	}
}

func IsTerminal(status models.SessionStatus) bool {
	return status == models.SessionApproved || status == models.SessionRejected
}
