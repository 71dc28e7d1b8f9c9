package materiality

import (
	"testing"
	"time"

	"reims/pkg/models"
	"reims/pkg/recerr"
)

func TestValidateNoOverlap(t *testing.T) {
	mid := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	closed := cfg(1, models.ScopeAccount, "100")
	closed.AccountCode = "1010"
	closed.ExpiresAt = &mid

	adjacent := cfg(0, models.ScopeAccount, "50")
	adjacent.AccountCode = "1010"
	adjacent.EffectiveDate = mid
	if err := ValidateNoOverlap([]models.MaterialityConfig{closed}, adjacent); err != nil {
		t.Fatalf("adjacent windows must not overlap: %v", err)
	}

	overlapping := adjacent
	overlapping.EffectiveDate = mid.AddDate(0, -1, 0)
	err := ValidateNoOverlap([]models.MaterialityConfig{closed}, overlapping)
	if !recerr.Is(err, ErrConfigOverlap) || !recerr.Is(err, recerr.ErrInvalidInput) {
		t.Fatalf("expected overlap error, got %v", err)
	}

	otherProperty := overlapping
	otherProperty.PropertyID = pid(3)
	if err := ValidateNoOverlap([]models.MaterialityConfig{closed}, otherProperty); err != nil {
		t.Fatalf("different scope keys never overlap: %v", err)
	}

	self := closed
	if err := ValidateNoOverlap([]models.MaterialityConfig{closed}, self); err != nil {
		t.Fatalf("updating a row must not collide with itself: %v", err)
	}

	inverted := adjacent
	before := mid.AddDate(0, 0, -1)
	inverted.ExpiresAt = &before
	if err := ValidateNoOverlap(nil, inverted); !recerr.Is(err, recerr.ErrInvalidInput) {
		t.Fatalf("expected invalid window error, got %v", err)
	}
}
