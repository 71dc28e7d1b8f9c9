package materiality

import (
	"time"

	"reims/pkg/models"
	"reims/pkg/recerr"

	"github.com/cockroachdb/errors"
)

var ErrConfigOverlap = errors.Mark(errors.New("materiality config overlaps an existing window"), recerr.ErrInvalidInput)

// ValidateNoOverlap is applied when a config is written. It rejects a
// candidate whose scope keys equal an existing config and whose effective
// window intersects it. Rows with the candidate's id are ignored so an update
// does not collide with itself.
func ValidateNoOverlap(existing []models.MaterialityConfig, candidate models.MaterialityConfig) error {
	if candidate.ExpiresAt != nil && !candidate.ExpiresAt.After(candidate.EffectiveDate) {
		return recerr.New(recerr.ErrInvalidInput, "expires_at must be after effective_date")
	}
	for _, c := range existing {
		if candidate.ID != 0 && c.ID == candidate.ID {
			continue
		}
		if !sameScope(c, candidate) {
			continue
		}
		if windowsIntersect(c.EffectiveDate, c.ExpiresAt, candidate.EffectiveDate, candidate.ExpiresAt) {
			return errors.Wrapf(ErrConfigOverlap, "config %d", c.ID)
		}
	}
	return nil
}

func sameScope(a, b models.MaterialityConfig) bool {
	if a.Scope != b.Scope || a.StatementType != b.StatementType || a.AccountCode != b.AccountCode {
		return false
	}
	if (a.PropertyID == nil) != (b.PropertyID == nil) {
		return false
	}
	return a.PropertyID == nil || *a.PropertyID == *b.PropertyID
}

// windowsIntersect treats windows as [from, until) with a nil until open-ended.
func windowsIntersect(aFrom time.Time, aUntil *time.Time, bFrom time.Time, bUntil *time.Time) bool {
	if aUntil != nil && !bFrom.Before(*aUntil) {
		return false
	}
	if bUntil != nil && !aFrom.Before(*bUntil) {
		return false
	}
	return true
}
