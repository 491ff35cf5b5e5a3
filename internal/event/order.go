package event

import "fmt"

// OrderPlaced is emitted by the Market contract when a bid or ask enters the
// on-chain book. Amount and Price arrive already divided out of the contract's
// 2-decimal fixed-point representation by the listener.
// Idempotency key: order id + tx hash.
type OrderPlaced struct {
	Meta
	OrderID    uint64
	Owner      string // wallet address, lowercase hex
	ProsumerID string // resolved local identity
	IsBuy      bool
	Amount     float64 // kWh
	Price      float64 // IDRS per kWh
}

func (e *OrderPlaced) EventType() EventType { return EventTypeOrderPlaced }

func (e *OrderPlaced) DedupKey() string {
	return fmt.Sprintf("%d:%s", e.OrderID, e.Hash)
}

// OrderCancelled is emitted by the Market contract when an open order is
// withdrawn by its owner.
type OrderCancelled struct {
	Meta
	OrderID uint64
	Owner   string
}

func (e *OrderCancelled) EventType() EventType { return EventTypeOrderCancelled }

func (e *OrderCancelled) DedupKey() string {
	return fmt.Sprintf("%d:%s", e.OrderID, e.Hash)
}
