package event

import (
	"time"
)

// EventType discriminator for decoded chain events
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeOrderPlaced
	EventTypeOrderCancelled
	EventTypeTradeSettled
	EventTypeSettlementProcessed
)

// Event is the interface all decoded chain events implement.
// Every event carries the transaction hash that emitted it; events whose
// hash could not be recovered are dropped before they reach this layer.
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// TxHash returns the emitting transaction hash (0x-prefixed, lowercase)
	TxHash() string

	// DedupKey returns the stable idempotency key for this event
	DedupKey() string
}

func (et EventType) String() string {
	switch et {
	case EventTypeOrderPlaced:
		return "OrderPlaced"
	case EventTypeOrderCancelled:
		return "OrderCancelled"
	case EventTypeTradeSettled:
		return "TransactionCompleted"
	case EventTypeSettlementProcessed:
		return "SettlementProcessed"
	default:
		return "Unknown"
	}
}

// Meta carries the fields shared by every decoded event.
type Meta struct {
	Hash        string    // emitting tx hash
	BlockNumber uint64    // block the log was mined in
	Timestamp   time.Time // block timestamp when known, receive time otherwise
}

func (m Meta) TxHash() string { return m.Hash }
