package settlement

import (
	"encoding/binary"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// Status is the settlement lifecycle: NONE -> PENDING -> {SUCCESS, FAILED}.
// Terminal states are immutable.
type Status int32

const (
	StatusPending Status = iota
	StatusSuccess
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailed:
		return "FAILED"
	default:
		return "PENDING"
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Settlement is one periodic conversion of a meter's net energy into an
// on-chain mint or burn. A row exists only when the net-energy gate passed.
type Settlement struct {
	SettlementID uuid.UUID
	MeterID      uuid.UUID
	PeriodStart  time.Time
	PeriodEnd    time.Time
	ExportWh     int64
	ImportWh     int64
	NetWh        int64 // ExportWh - ImportWh, sign drives mint vs burn
	NetKwh       int64
	TokenAmount  int64 // signed ETK, 2 fixed decimals
	Status       Status
	TxHash       string
	ConfirmedAt  *time.Time
	CreatedAt    time.Time
}

// Meter is one registered smart meter eligible for settlement.
type Meter struct {
	MeterID       uuid.UUID
	MeterWallet   string // meter's on-chain address
	OwnerWallet   string // owning prosumer's wallet, signs settlements
	LastSettledAt time.Time
}

// IdempotencyKey derives the on-chain dedup key from the local row id and
// its creation timestamp, so a re-submission of the same settlement cannot
// double-mint.
func IdempotencyKey(id uuid.UUID, createdAt time.Time) [32]byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAt.UnixNano()))
	return ethcrypto.Keccak256Hash(id[:], ts[:])
}
