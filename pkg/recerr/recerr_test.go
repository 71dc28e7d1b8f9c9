package recerr

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestSessionWrapKeepsMarkers(t *testing.T) {
	base := Mark(errors.New("insert failed"), ErrPersistence, "save matches")
	err := Session("s-1", "", base)
	if !Is(err, ErrPersistence) {
		t.Fatalf("expected persistence marker to survive: %v", err)
	}
	if ReasonOf(err) != ReasonPersistence {
		t.Fatalf("unexpected reason %s", ReasonOf(err))
	}
	if SessionIDOf(err) != "s-1" {
		t.Fatalf("unexpected session id %q", SessionIDOf(err))
	}
	if again := Session("s-1", ReasonSessionFailed, err); again != err {
		t.Fatal("re-wrapping with the same session id must be a no-op")
	}
}

func TestReasonOfDerivesFromSentinels(t *testing.T) {
	cases := map[error]Reason{
		New(ErrInvalidTransition, "approve from %s", "approved"): ReasonInvalidTransition,
		New(ErrFormulaParse, "bad token"):                         ReasonFormulaParse,
		New(ErrNotFound, "session %s", "x"):                       ReasonNotFound,
		errors.New("plain"):                                       ReasonUnknown,
	}
	for err, want := range cases {
		if got := ReasonOf(err); got != want {
			t.Fatalf("ReasonOf(%v) = %s, want %s", err, got, want)
		}
	}
	if ReasonOf(nil) != "" {
		t.Fatal("nil error has no reason")
	}
}

func TestSessionExplicitReasonWins(t *testing.T) {
	err := Session("s-2", ReasonSessionFailed, context.DeadlineExceeded)
	if ReasonOf(err) != ReasonSessionFailed {
		t.Fatalf("unexpected reason %s", ReasonOf(err))
	}
	if !Is(err, context.DeadlineExceeded) {
		t.Fatal("cause must remain inspectable")
	}
	if Session("s-2", ReasonSessionFailed, nil) != nil {
		t.Fatal("nil error stays nil")
	}
}
