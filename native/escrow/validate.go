package escrow

import (
	"math/big"
	"strings"
)

// MaxMilestones caps the milestone count per escrow.
const MaxMilestones = 20

// maxAmount is the largest value representable as a signed 128-bit integer.
// Amounts are carried as *big.Int but must stay within this range so records
// remain interoperable with 128-bit ledgers.
var maxAmount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))

// ValidateMilestones enforces cardinality and per-item/aggregate numeric
// constraints over a candidate milestone list and computes the committed
// total. On success it returns the aggregate amount together with a
// normalised copy of the list: every status is forced to MilestonePending
// regardless of what the caller supplied, and descriptions are trimmed.
// The function is pure; the input slice is never mutated.
func ValidateMilestones(milestones []Milestone) (*big.Int, []Milestone, error) {
	if len(milestones) > MaxMilestones {
		return nil, nil, ErrTooManyMilestones
	}
	if len(milestones) == 0 {
		return nil, nil, ErrInvalidAmount
	}
	total := big.NewInt(0)
	normalized := make([]Milestone, len(milestones))
	for i, milestone := range milestones {
		if milestone.Amount == nil || milestone.Amount.Sign() <= 0 {
			return nil, nil, ErrInvalidAmount
		}
		if milestone.Amount.Cmp(maxAmount) > 0 {
			return nil, nil, ErrInvalidAmount
		}
		total.Add(total, milestone.Amount)
		if total.Cmp(maxAmount) > 0 {
			return nil, nil, ErrInvalidAmount
		}
		normalized[i] = milestone.Clone()
		normalized[i].Status = MilestonePending
		normalized[i].Description = strings.TrimSpace(milestone.Description)
	}
	return total, normalized, nil
}

// addChecked returns a+b, failing with ErrInvalidAmount when the sum leaves
// the signed 128-bit range.
func addChecked(a, b *big.Int) (*big.Int, error) {
	if a == nil {
		a = big.NewInt(0)
	}
	if b == nil {
		b = big.NewInt(0)
	}
	sum := new(big.Int).Add(a, b)
	if sum.Cmp(maxAmount) > 0 {
		return nil, ErrInvalidAmount
	}
	return sum, nil
}
