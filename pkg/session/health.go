package session

import (
	"math"

	"reims/pkg/models"
)

// HealthPolicy scores a finished run from its discrepancies.
type HealthPolicy interface {
	Score(ds []models.Discrepancy) float64
}

// FlatPenalty subtracts Penalty points per open discrepancy from 100 and
// floors at zero. Severity is ignored.
type FlatPenalty struct {
	Penalty float64
}

func DefaultHealth() FlatPenalty { return FlatPenalty{Penalty: 5} }

func (p FlatPenalty) Score(ds []models.Discrepancy) float64 {
	open := 0
	for _, d := range ds {
		if d.IsOpen() {
			open++
		}
	}
	return math.Max(0, 100-p.Penalty*float64(open))
}
