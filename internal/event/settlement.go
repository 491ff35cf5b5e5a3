package event

// SettlementProcessed is emitted by the EnergyConverter contract after a
// mint/burn submitted by the settlement engine is executed on-chain. It is
// correlated back to the local PENDING settlement row by tx hash.
type SettlementProcessed struct {
	Meta
	Meter       string // meter wallet address
	Success     bool
	Mint        bool    // true: ETK minted (net export), false: burned
	TokenAmount float64 // unsigned ETK amount, 2 decimals divided out
}

func (e *SettlementProcessed) EventType() EventType { return EventTypeSettlementProcessed }

func (e *SettlementProcessed) DedupKey() string {
	return e.Hash
}
