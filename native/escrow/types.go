package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// MilestoneStatus represents the lifecycle of a single milestone.
type MilestoneStatus uint8

const (
	// MilestonePending marks a milestone awaiting release.
	MilestonePending MilestoneStatus = iota
	// MilestoneReleased marks a milestone whose amount has been paid out to
	// the recipient. There is no reverse transition.
	MilestoneReleased
)

// Valid reports whether the status value is within the supported range.
func (s MilestoneStatus) Valid() bool {
	switch s {
	case MilestonePending, MilestoneReleased:
		return true
	default:
		return false
	}
}

func (s MilestoneStatus) String() string {
	switch s {
	case MilestonePending:
		return "pending"
	case MilestoneReleased:
		return "released"
	default:
		return "unknown"
	}
}

// EscrowStatus represents the escrow-level lifecycle. Transitions are
// one-directional: Active -> Completed and Active -> Cancelled; both targets
// are terminal.
type EscrowStatus uint8

const (
	EscrowActive EscrowStatus = iota
	EscrowCompleted
	EscrowCancelled
)

// Valid reports whether the status value is within the supported range.
func (s EscrowStatus) Valid() bool {
	switch s {
	case EscrowActive, EscrowCompleted, EscrowCancelled:
		return true
	default:
		return false
	}
}

func (s EscrowStatus) String() string {
	switch s {
	case EscrowActive:
		return "active"
	case EscrowCompleted:
		return "completed"
	case EscrowCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Milestone is one unit of committed value within an escrow. Its position in
// the escrow's milestone sequence is its identity; there is no independent
// milestone identifier.
type Milestone struct {
	Amount      *big.Int
	Status      MilestoneStatus
	Description string
}

// Clone returns a deep copy of the milestone.
func (m Milestone) Clone() Milestone {
	clone := m
	if m.Amount != nil {
		clone.Amount = new(big.Int).Set(m.Amount)
	}
	return clone
}

// Escrow binds a depositor's custodied funds to milestone-gated release to a
// recipient. TotalAmount is fixed at creation; TotalReleased equals the sum
// of released milestone amounts and never decreases.
type Escrow struct {
	ID            uint64
	Depositor     [20]byte
	Recipient     [20]byte
	Token         string
	TotalAmount   *big.Int
	TotalReleased *big.Int
	Milestones    []Milestone
	Status        EscrowStatus
}

// Clone returns a deep copy of the escrow object so callers can safely mutate
// the copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.TotalAmount != nil {
		clone.TotalAmount = new(big.Int).Set(e.TotalAmount)
	} else {
		clone.TotalAmount = big.NewInt(0)
	}
	if e.TotalReleased != nil {
		clone.TotalReleased = new(big.Int).Set(e.TotalReleased)
	} else {
		clone.TotalReleased = big.NewInt(0)
	}
	if len(e.Milestones) > 0 {
		clone.Milestones = make([]Milestone, len(e.Milestones))
		for i, milestone := range e.Milestones {
			clone.Milestones[i] = milestone.Clone()
		}
	}
	return &clone
}

// AllReleased reports whether every milestone has been released.
func (e *Escrow) AllReleased() bool {
	if e == nil || len(e.Milestones) == 0 {
		return false
	}
	for _, milestone := range e.Milestones {
		if milestone.Status != MilestoneReleased {
			return false
		}
	}
	return true
}

// NormalizeToken canonicalises a token symbol: trimmed, uppercased, and
// restricted to 1..12 characters from [A-Z0-9].
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if len(trimmed) == 0 || len(trimmed) > 12 {
		return "", fmt.Errorf("escrow: token symbol length out of range: %q", symbol)
	}
	for _, r := range trimmed {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("escrow: unsupported token symbol: %q", symbol)
		}
	}
	return trimmed, nil
}

// SanitizeEscrow validates and normalises the supplied escrow definition,
// returning a cloned instance with canonical token casing and non-nil amount
// fields. The function does not mutate the original value.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("escrow: nil escrow")
	}
	clone := e.Clone()
	token, err := NormalizeToken(clone.Token)
	if err != nil {
		return nil, err
	}
	clone.Token = token
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("escrow: invalid status: %d", clone.Status)
	}
	if len(clone.Milestones) < 1 || len(clone.Milestones) > MaxMilestones {
		return nil, fmt.Errorf("escrow: milestone count out of range: %d", len(clone.Milestones))
	}
	if clone.TotalAmount.Sign() < 0 || clone.TotalReleased.Sign() < 0 {
		return nil, fmt.Errorf("escrow: amounts must be non-negative")
	}
	for i := range clone.Milestones {
		if !clone.Milestones[i].Status.Valid() {
			return nil, fmt.Errorf("escrow: invalid milestone status at index %d", i)
		}
		if clone.Milestones[i].Amount == nil || clone.Milestones[i].Amount.Sign() <= 0 {
			return nil, fmt.Errorf("escrow: milestone amount must be positive at index %d", i)
		}
		clone.Milestones[i].Description = strings.TrimSpace(clone.Milestones[i].Description)
	}
	return clone, nil
}
