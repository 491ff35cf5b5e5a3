package listener

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"GridSettle/internal/event"
	"GridSettle/internal/identity"
	fpmath "GridSettle/internal/math"
	"GridSettle/internal/observability"
)

// WalletResolver maps a wallet address to the local prosumer identity.
type WalletResolver interface {
	FindProsumerIDByWallet(ctx context.Context, wallet string) (uuid.UUID, error)
}

// Decoder turns raw provider logs into typed domain events. A log that
// cannot be hashed, decoded or identity-resolved is dropped with a warning;
// processing it would be unsafe because it cannot be deduplicated or
// correlated.
type Decoder struct {
	marketABI     abi.ABI
	converterABI  abi.ABI
	marketAddr    common.Address
	converterAddr common.Address
	resolver      WalletResolver

	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewDecoder(marketABI, converterABI abi.ABI, marketAddr, converterAddr common.Address, resolver WalletResolver, metrics *observability.Metrics) *Decoder {
	return &Decoder{
		marketABI:     marketABI,
		converterABI:  converterABI,
		marketAddr:    marketAddr,
		converterAddr: converterAddr,
		resolver:      resolver,
		log:           observability.NewLogger("listener"),
		metrics:       metrics,
	}
}

// Decode returns the domain event for a log, or nil when the log is not one
// of ours or had to be dropped. Drops are logged and counted, never errors:
// liveness of the stream outranks any single event.
func (d *Decoder) Decode(ctx context.Context, lg types.Log) event.Event {
	if lg.Removed {
		// Reorged-out log. The re-emitted version arrives separately.
		return nil
	}
	if len(lg.Topics) == 0 {
		return nil
	}

	var contractABI abi.ABI
	switch lg.Address {
	case d.marketAddr:
		contractABI = d.marketABI
	case d.converterAddr:
		contractABI = d.converterABI
	default:
		return nil
	}

	ev, err := contractABI.EventByID(lg.Topics[0])
	if err != nil {
		return nil // not an event this service consumes
	}

	args, err := unpackLog(contractABI, ev, lg)
	if err != nil {
		d.drop(ev.Name, "decode_error")
		d.log.Warn().Err(err).Str("event", ev.Name).Msg("log decode failed, dropped")
		return nil
	}

	txHash, ok := ExtractTxHash(RawLog{TxHash: lg.TxHash.Hex(), Args: args})
	if !ok {
		d.drop(ev.Name, "no_tx_hash")
		d.log.Warn().Str("event", ev.Name).Uint64("block", lg.BlockNumber).
			Msg("no transaction hash recoverable, dropped")
		return nil
	}

	meta := event.Meta{
		Hash:        txHash,
		BlockNumber: lg.BlockNumber,
		Timestamp:   time.Now().UTC(),
	}

	decoded := d.build(ctx, ev.Name, meta, args)
	if decoded != nil && d.metrics != nil {
		d.metrics.EventsDecoded.WithLabelValues(decoded.EventType().String()).Inc()
	}
	return decoded
}

func (d *Decoder) build(ctx context.Context, name string, meta event.Meta, args map[string]interface{}) event.Event {
	switch name {
	case "OrderPlaced":
		orderID, ok := argUint64(args, "orderId")
		if !ok {
			d.drop(name, "bad_order_id")
			return nil
		}
		owner, ok := argAddress(args, "owner")
		if !ok {
			d.drop(name, "bad_owner")
			return nil
		}

		prosumerID, err := d.resolver.FindProsumerIDByWallet(ctx, owner)
		if err != nil {
			// Accepted gap: a wallet registered after this event will not
			// retroactively receive a replay.
			if errors.Is(err, identity.ErrUnknownWallet) {
				d.log.Warn().Str("wallet", owner).Uint64("order_id", orderID).
					Msg("order owner has no local identity, dropped")
			} else {
				d.log.Warn().Err(err).Str("wallet", owner).Msg("identity lookup failed, dropped")
			}
			d.drop(name, "unknown_wallet")
			return nil
		}

		isBuy, _ := args["isBuy"].(bool)
		return &event.OrderPlaced{
			Meta:       meta,
			OrderID:    orderID,
			Owner:      owner,
			ProsumerID: prosumerID.String(),
			IsBuy:      isBuy,
			Amount:     argFixed(args, "amount"),
			Price:      argFixed(args, "price"),
		}

	case "OrderCancelled":
		orderID, ok := argUint64(args, "orderId")
		if !ok {
			d.drop(name, "bad_order_id")
			return nil
		}
		owner, _ := argAddress(args, "owner")
		return &event.OrderCancelled{Meta: meta, OrderID: orderID, Owner: owner}

	case "TransactionCompleted":
		buyID, okB := argUint64(args, "buyOrderId")
		sellID, okS := argUint64(args, "sellOrderId")
		if !okB || !okS {
			d.drop(name, "bad_order_id")
			return nil
		}
		buyer, _ := argAddress(args, "buyer")
		seller, _ := argAddress(args, "seller")
		return &event.TradeSettled{
			Meta:        meta,
			BuyOrderID:  buyID,
			SellOrderID: sellID,
			Buyer:       buyer,
			Seller:      seller,
			Amount:      argFixed(args, "amount"),
			Price:       argFixed(args, "price"),
		}

	case "SettlementProcessed":
		meter, ok := argAddress(args, "meter")
		if !ok {
			d.drop(name, "bad_meter")
			return nil
		}
		mint, _ := args["mint"].(bool)
		success, _ := args["success"].(bool)
		return &event.SettlementProcessed{
			Meta:        meta,
			Meter:       meter,
			Success:     success,
			Mint:        mint,
			TokenAmount: argFixed(args, "etkAmount"),
		}

	default:
		return nil
	}
}

func (d *Decoder) drop(eventName, reason string) {
	if d.metrics != nil {
		d.metrics.EventsDropped.WithLabelValues(eventName, reason).Inc()
	}
}

// unpackLog decodes indexed topics and the data section into one flat map.
func unpackLog(contractABI abi.ABI, ev *abi.Event, lg types.Log) (map[string]interface{}, error) {
	args := make(map[string]interface{})

	if len(lg.Data) > 0 {
		if err := contractABI.UnpackIntoMap(args, ev.Name, lg.Data); err != nil {
			return nil, fmt.Errorf("unpack data: %w", err)
		}
	}

	var indexed abi.Arguments
	for _, input := range ev.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if len(indexed) > 0 {
		if len(lg.Topics) < len(indexed)+1 {
			return nil, fmt.Errorf("expected %d topics, got %d", len(indexed)+1, len(lg.Topics))
		}
		if err := abi.ParseTopicsIntoMap(args, indexed, lg.Topics[1:]); err != nil {
			return nil, fmt.Errorf("parse topics: %w", err)
		}
	}

	return args, nil
}

func argUint64(args map[string]interface{}, name string) (uint64, bool) {
	v, ok := args[name].(*big.Int)
	if !ok || !v.IsUint64() {
		return 0, false
	}
	return v.Uint64(), true
}

func argAddress(args map[string]interface{}, name string) (string, bool) {
	v, ok := args[name].(common.Address)
	if !ok {
		return "", false
	}
	return strings.ToLower(v.Hex()), true
}

// argFixed reads a 2-decimal fixed-point contract amount into a float.
func argFixed(args map[string]interface{}, name string) float64 {
	v, ok := args[name].(*big.Int)
	if !ok {
		return 0
	}
	raw, err := fpmath.BigFromContract(v)
	if err != nil {
		return 0
	}
	return fpmath.FromContractUnits(raw)
}
