package escrow

import (
	"encoding/hex"
	"strconv"

	"escrowd/core/types"
)

const (
	EventTypeCreated           = "escrow.created"
	EventTypeDeposited         = "escrow.deposited"
	EventTypeDeliveryConfirmed = "escrow.delivery_confirmed"
	EventTypeReleased          = "escrow.released"
	EventTypeRefunded          = "escrow.refunded"
	EventTypeDisputeRaised     = "escrow.dispute_raised"
	EventTypeDisputeResolved   = "escrow.dispute_resolved"
	EventTypeFeeUpdated        = "escrow.fee_updated"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// transaction.
func NewCreatedEvent(t *Transaction) *types.Event { return newTransactionEvent(EventTypeCreated, t) }

// NewDepositedEvent returns the canonical event payload emitted when the buyer
// funds the transaction.
func NewDepositedEvent(t *Transaction) *types.Event {
	return newTransactionEvent(EventTypeDeposited, t)
}

// NewDeliveryConfirmedEvent returns the event payload emitted when a party
// sets its confirmation flag. The confirming party is recorded in the
// attributes.
func NewDeliveryConfirmedEvent(t *Transaction, confirmer [20]byte) *types.Event {
	evt := newTransactionEvent(EventTypeDeliveryConfirmed, t)
	evt.Attributes["confirmer"] = hex.EncodeToString(confirmer[:])
	return evt
}

// NewReleasedEvent returns the event payload for a settlement in favour of the
// seller.
func NewReleasedEvent(t *Transaction) *types.Event { return newTransactionEvent(EventTypeReleased, t) }

// NewRefundedEvent returns the event payload for a settlement returning the
// full deposit to the buyer.
func NewRefundedEvent(t *Transaction) *types.Event { return newTransactionEvent(EventTypeRefunded, t) }

// NewDisputeRaisedEvent returns the event payload emitted when a party raises
// a dispute.
func NewDisputeRaisedEvent(t *Transaction, raiser [20]byte) *types.Event {
	evt := newTransactionEvent(EventTypeDisputeRaised, t)
	evt.Attributes["raiser"] = hex.EncodeToString(raiser[:])
	return evt
}

// NewDisputeResolvedEvent returns the event payload emitted when the
// arbitrator resolves a dispute. The outcome is "release" or "refund".
func NewDisputeResolvedEvent(t *Transaction, outcome string) *types.Event {
	evt := newTransactionEvent(EventTypeDisputeResolved, t)
	evt.Attributes["outcome"] = outcome
	return evt
}

// NewFeeUpdatedEvent returns the event payload emitted when the administrative
// principal changes the platform fee rate.
func NewFeeUpdatedEvent(previous, current uint32) *types.Event {
	return &types.Event{
		Type: EventTypeFeeUpdated,
		Attributes: map[string]string{
			"previousBps": strconv.FormatUint(uint64(previous), 10),
			"currentBps":  strconv.FormatUint(uint64(current), 10),
		},
	}
}

func newTransactionEvent(eventType string, t *Transaction) *types.Event {
	attrs := make(map[string]string)
	if t == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeTransaction(t)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(sanitized.ID[:])
	attrs["buyer"] = hex.EncodeToString(sanitized.Buyer[:])
	attrs["seller"] = hex.EncodeToString(sanitized.Seller[:])
	attrs["arbitrator"] = hex.EncodeToString(sanitized.Arbitrator[:])
	attrs["status"] = sanitized.Status.String()
	attrs["grossAmount"] = sanitized.GrossAmount.String()
	attrs["netAmount"] = sanitized.NetAmount.String()
	attrs["feeAmount"] = sanitized.FeeAmount.String()
	attrs["createdAt"] = strconv.FormatInt(sanitized.CreatedAt, 10)
	if sanitized.CompletedAt != 0 {
		attrs["completedAt"] = strconv.FormatInt(sanitized.CompletedAt, 10)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
