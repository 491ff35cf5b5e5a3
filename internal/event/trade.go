package event

import "fmt"

// TradeSettled is emitted by the Market contract as TransactionCompleted when
// the on-chain matcher crosses a bid with an ask. The triple
// (buy order, sell order, tx hash) is the dedup key; re-delivery is a no-op.
type TradeSettled struct {
	Meta
	BuyOrderID  uint64
	SellOrderID uint64
	Buyer       string
	Seller      string
	Amount      float64 // kWh
	Price       float64 // IDRS per kWh
}

func (e *TradeSettled) EventType() EventType { return EventTypeTradeSettled }

func (e *TradeSettled) DedupKey() string {
	return fmt.Sprintf("%d:%d:%s", e.BuyOrderID, e.SellOrderID, e.Hash)
}
