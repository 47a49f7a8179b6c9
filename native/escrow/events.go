package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"github.com/wheval/Vaultix/core/types"
)

const (
	EventTypeEscrowCreated     = "escrow.created"
	EventTypeMilestoneReleased = "escrow.milestone_released"
	EventTypeDeliveryConfirmed = "escrow.delivery_confirmed"
	EventTypeEscrowCancelled   = "escrow.cancelled"
	EventTypeEscrowCompleted   = "escrow.completed"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// escrow.
func NewCreatedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCreated, e) }

// NewMilestoneReleasedEvent returns the canonical payload emitted when the
// depositor releases a single milestone.
func NewMilestoneReleasedEvent(e *Escrow, index int, amount *big.Int) *types.Event {
	return newMilestoneEvent(EventTypeMilestoneReleased, e, index, amount)
}

// NewDeliveryConfirmedEvent returns the canonical payload emitted when the
// depositor confirms delivery of a milestone.
func NewDeliveryConfirmedEvent(e *Escrow, index int, amount *big.Int) *types.Event {
	return newMilestoneEvent(EventTypeDeliveryConfirmed, e, index, amount)
}

// NewCancelledEvent returns the canonical payload emitted when an escrow is
// cancelled before any release.
func NewCancelledEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCancelled, e) }

// NewCompletedEvent returns the canonical payload emitted when every
// milestone has been released and the escrow is closed out.
func NewCompletedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCompleted, e) }

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeEscrow(e)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(sanitized.ID, 10)
	attrs["depositor"] = hex.EncodeToString(sanitized.Depositor[:])
	attrs["recipient"] = hex.EncodeToString(sanitized.Recipient[:])
	attrs["token"] = sanitized.Token
	attrs["totalAmount"] = sanitized.TotalAmount.String()
	attrs["totalReleased"] = sanitized.TotalReleased.String()
	attrs["milestones"] = strconv.Itoa(len(sanitized.Milestones))
	attrs["status"] = sanitized.Status.String()
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newMilestoneEvent(eventType string, e *Escrow, index int, amount *big.Int) *types.Event {
	evt := newEscrowEvent(eventType, e)
	if len(evt.Attributes) == 0 {
		return evt
	}
	evt.Attributes["milestoneIndex"] = strconv.Itoa(index)
	if amount != nil {
		evt.Attributes["milestoneAmount"] = amount.String()
	}
	return evt
}
