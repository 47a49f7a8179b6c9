package escrow

import (
	"errors"
	"math/big"
	"testing"
)

func TestValidateMilestonesComputesTotal(t *testing.T) {
	total, normalized, err := ValidateMilestones(milestonesOf(3000, 3000, 4000))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if total.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("unexpected total: %v", total)
	}
	if len(normalized) != 3 {
		t.Fatalf("unexpected normalized length: %d", len(normalized))
	}
	for i, milestone := range normalized {
		if milestone.Status != MilestonePending {
			t.Fatalf("milestone %d not forced to pending", i)
		}
	}
}

func TestValidateMilestonesBounds(t *testing.T) {
	amounts := make([]int64, MaxMilestones)
	for i := range amounts {
		amounts[i] = 1
	}
	if _, _, err := ValidateMilestones(milestonesOf(amounts...)); err != nil {
		t.Fatalf("exactly %d milestones must be accepted: %v", MaxMilestones, err)
	}
	amounts = append(amounts, 1)
	if _, _, err := ValidateMilestones(milestonesOf(amounts...)); !errors.Is(err, ErrTooManyMilestones) {
		t.Fatalf("expected ErrTooManyMilestones, got %v", err)
	}
	if _, _, err := ValidateMilestones(nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for empty list, got %v", err)
	}
}

func TestValidateMilestonesRejectsNonPositive(t *testing.T) {
	cases := []Milestone{
		{Amount: big.NewInt(0)},
		{Amount: big.NewInt(-1)},
		{Amount: nil},
	}
	for i, milestone := range cases {
		if _, _, err := ValidateMilestones([]Milestone{milestone}); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("case %d: expected ErrInvalidAmount, got %v", i, err)
		}
	}
}

func TestValidateMilestonesOverflow(t *testing.T) {
	nearMax := new(big.Int).Sub(maxAmount, big.NewInt(10))
	list := []Milestone{
		{Amount: nearMax},
		{Amount: big.NewInt(100)},
	}
	if _, _, err := ValidateMilestones(list); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount on aggregate overflow, got %v", err)
	}
	over := new(big.Int).Add(maxAmount, big.NewInt(1))
	if _, _, err := ValidateMilestones([]Milestone{{Amount: over}}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount on per-item overflow, got %v", err)
	}
	if _, _, err := ValidateMilestones([]Milestone{{Amount: maxAmount}}); err != nil {
		t.Fatalf("max representable amount must be accepted: %v", err)
	}
}

func TestValidateMilestonesIsPure(t *testing.T) {
	input := []Milestone{{Amount: big.NewInt(50), Status: MilestoneReleased, Description: "  keep  "}}
	_, normalized, err := ValidateMilestones(input)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if input[0].Status != MilestoneReleased || input[0].Description != "  keep  " {
		t.Fatalf("input slice must not be mutated: %+v", input[0])
	}
	if normalized[0].Description != "keep" {
		t.Fatalf("description not trimmed: %q", normalized[0].Description)
	}
	normalized[0].Amount.SetInt64(7)
	if input[0].Amount.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("normalized copy shares amount pointer with input")
	}
}
