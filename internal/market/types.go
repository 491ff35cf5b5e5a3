package market

import (
	"time"

	"github.com/google/uuid"
)

// Side represents order direction
type Side int32

const (
	SideBid Side = iota
	SideAsk
)

func (s Side) String() string {
	if s == SideAsk {
		return "ASK"
	}
	return "BID"
}

// OrderStatus is the lifecycle state of a mirrored order.
// OPEN -> FILLED and OPEN -> CANCELLED are the only transitions; terminal
// states never revert regardless of event replay order.
type OrderStatus int32

const (
	StatusOpen OrderStatus = iota
	StatusFilled
	StatusCancelled
)

func (st OrderStatus) String() string {
	switch st {
	case StatusFilled:
		return "FILLED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "OPEN"
	}
}

// Terminal reports whether the status admits no further transitions.
func (st OrderStatus) Terminal() bool {
	return st == StatusFilled || st == StatusCancelled
}

// Order is the local mirror of an on-chain order. The chain assigns OrderID
// and is authoritative for every field; the mirror only exists to serve reads.
type Order struct {
	OrderID         uint64
	Owner           string // wallet address, lowercase hex
	ProsumerID      string
	OrderSide       Side
	AmountKwh       float64
	Price           float64
	Status          OrderStatus
	PlacedTxHash    string
	FilledTxHash    string
	CancelledTxHash string
	PlacedAt        time.Time
	UpdatedAt       time.Time
}

// Trade is one crossed bid/ask pair. (BuyOrderID, SellOrderID, TxHash) is
// the dedup key; TradeID is assigned locally for the durable mirror.
type Trade struct {
	TradeID     uuid.UUID
	BuyOrderID  uint64
	SellOrderID uint64
	Buyer       string
	Seller      string
	AmountKwh   float64
	Price       float64
	TxHash      string
	TradedAt    time.Time
}
