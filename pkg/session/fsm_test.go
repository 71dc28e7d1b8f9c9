package session

import (
	"testing"

	"reims/pkg/models"
	"reims/pkg/recerr"
)

func TestNextFollowsLifecycle(t *testing.T) {
	cases := []struct {
		from  models.SessionStatus
		event Event
		want  models.SessionStatus
		ok    bool
	}{
		{models.SessionInProgress, EventComplete, models.SessionPendingReview, true},
		{models.SessionInProgress, EventCompleteClean, models.SessionApproved, true},
		{models.SessionPendingReview, EventApprove, models.SessionApproved, true},
		{models.SessionPendingReview, EventReject, models.SessionRejected, true},
		{models.SessionInProgress, EventApprove, models.SessionInProgress, false},
		{models.SessionInProgress, EventReject, models.SessionInProgress, false},
		{models.SessionPendingReview, EventCompleteClean, models.SessionPendingReview, false},
		{models.SessionApproved, EventReject, models.SessionApproved, false},
		{models.SessionRejected, EventApprove, models.SessionRejected, false},
		{models.SessionApproved, EventComplete, models.SessionApproved, false},
		{models.SessionPendingReview, Event("REOPEN"), models.SessionPendingReview, false},
	}
	for _, tc := range cases {
		got, err := Next(tc.from, tc.event)
		if tc.ok && err != nil {
			t.Fatalf("%s + %s: unexpected error %v", tc.from, tc.event, err)
		}
		if !tc.ok && !recerr.Is(err, recerr.ErrInvalidTransition) {
			t.Fatalf("%s + %s: expected invalid transition, got %v", tc.from, tc.event, err)
		}
		if got != tc.want {
			t.Fatalf("%s + %s: expected %s, got %s", tc.from, tc.event, tc.want, got)
		}
	}
}

func TestStatusNeverReverts(t *testing.T) {
	all := []models.SessionStatus{models.SessionInProgress, models.SessionPendingReview, models.SessionApproved, models.SessionRejected}
	for _, to := range all {
		if CanTransition(models.SessionApproved, to) || CanTransition(models.SessionRejected, to) {
			t.Fatalf("terminal status must not move to %s", to)
		}
		if CanTransition(models.SessionPendingReview, to) && to == models.SessionInProgress {
			t.Fatal("pending_review must not return to in_progress")
		}
	}
	if !IsTerminal(models.SessionApproved) || !IsTerminal(models.SessionRejected) || IsTerminal(models.SessionPendingReview) {
		t.Fatal("unexpected terminal classification")
	}
}
