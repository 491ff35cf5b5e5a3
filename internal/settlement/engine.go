package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"GridSettle/internal/chain"
	"GridSettle/internal/event"
	fpmath "GridSettle/internal/math"
	"GridSettle/internal/observability"
)

// ChainCaller is the subset of the chain client the engine uses.
type ChainCaller interface {
	MinimumSettlementWh(ctx context.Context) (int64, error)
	CalculateEtkAmount(ctx context.Context, absWh int64) (int64, error)
	IsMeterAuthorized(ctx context.Context, meter common.Address) (bool, error)
	AuthorizeMeter(ctx context.Context, owner *chain.Signer, meter common.Address) (string, error)
	ProcessSettlement(ctx context.Context, signer *chain.Signer, meter common.Address, amountWh int64, mint bool, idemKey [32]byte) (string, error)
}

// TelemetryReader aggregates metered energy since the last settled period.
type TelemetryReader interface {
	AggregatedNetEnergy(ctx context.Context, meterID uuid.UUID, since time.Time) (exportWh, importWh int64, err error)
}

// SignerResolver maps a prosumer wallet to its signing key.
type SignerResolver interface {
	FindSigner(ctx context.Context, wallet string) (*chain.Signer, error)
}

// MeterRegistry lists settleable meters and records settled watermarks.
type MeterRegistry interface {
	Meters(ctx context.Context) ([]Meter, error)
	SetLastSettled(ctx context.Context, meterID uuid.UUID, at time.Time) error
}

// Store is the durable settlement mirror. The engine alone owns status
// transitions; the store never resurrects a terminal row.
type Store interface {
	InsertSettlement(ctx context.Context, s *Settlement) error
	SetSettlementTx(ctx context.Context, id uuid.UUID, txHash string) error
	MarkSettlementTerminal(ctx context.Context, id uuid.UUID, status Status, tokenAmount int64, confirmedAt time.Time) error
	PendingSettlements(ctx context.Context) ([]*Settlement, error)
}

// Notifier publishes settlement lifecycle messages and device commands,
// fire-and-forget.
type Notifier interface {
	Settlement(ctx context.Context, s *Settlement, stage string)
	DeviceCommand(ctx context.Context, meterID, command string, payload interface{})
}

// Engine drives the settlement state machine for every registered meter.
// The periodic timer and the manual trigger share one per-meter in-flight
// guard: a cycle already running for a meter is skipped, not queued.
type Engine struct {
	chain     ChainCaller
	telemetry TelemetryReader
	signers   SignerResolver
	registry  MeterRegistry
	store     Store
	notifier  Notifier

	mu          sync.Mutex
	inFlight    map[uuid.UUID]bool
	pending     map[uuid.UUID]*Settlement
	pendingByTx map[string]uuid.UUID

	interval time.Duration
	log      zerolog.Logger
	metrics  *observability.Metrics
}

func NewEngine(
	chainCaller ChainCaller,
	telemetry TelemetryReader,
	signers SignerResolver,
	registry MeterRegistry,
	store Store,
	notifier Notifier,
	interval time.Duration,
	metrics *observability.Metrics,
) *Engine {
	return &Engine{
		chain:       chainCaller,
		telemetry:   telemetry,
		signers:     signers,
		registry:    registry,
		store:       store,
		notifier:    notifier,
		inFlight:    make(map[uuid.UUID]bool),
		pending:     make(map[uuid.UUID]*Settlement),
		pendingByTx: make(map[string]uuid.UUID),
		interval:    interval,
		log:         observability.NewLogger("settlement"),
		metrics:     metrics,
	}
}

// Recover reloads still-PENDING rows from the store so confirmations
// arriving after a restart can be matched by tx hash.
func (e *Engine) Recover(ctx context.Context) error {
	rows, err := e.store.PendingSettlements(ctx)
	if err != nil {
		return fmt.Errorf("load pending settlements: %w", err)
	}

	e.mu.Lock()
	for _, s := range rows {
		e.pending[s.SettlementID] = s
		if s.TxHash != "" {
			e.pendingByTx[s.TxHash] = s.SettlementID
		}
	}
	e.mu.Unlock()

	e.log.Info().Int("pending", len(rows)).Msg("settlement state recovered")
	return nil
}

// Run executes settlement cycles on the configured interval until ctx is
// cancelled. A long cycle never stacks: the per-meter guard skips meters
// whose previous attempt is still in flight when the timer fires again.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Trigger(ctx)
		}
	}
}

// Trigger runs one settlement cycle over all registered meters. Safe to call
// concurrently with the periodic timer.
func (e *Engine) Trigger(ctx context.Context) {
	start := time.Now()
	if e.metrics != nil {
		e.metrics.SettlementCycles.Inc()
	}

	meters, err := e.registry.Meters(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("list meters failed, cycle aborted")
		return
	}

	threshold, err := e.chain.MinimumSettlementWh(ctx)
	if err != nil {
		// Threshold lives on-chain only; without it no gate decision is
		// safe, so the whole cycle waits for the next tick.
		e.log.Warn().Err(err).Msg("minimum settlement threshold unavailable, cycle skipped")
		return
	}

	for _, m := range meters {
		e.settleMeter(ctx, m, threshold)
	}

	if e.metrics != nil {
		e.metrics.SettlementCycleSeconds.Observe(time.Since(start).Seconds())
	}
}

func (e *Engine) settleMeter(ctx context.Context, m Meter, thresholdWh int64) {
	e.mu.Lock()
	if e.inFlight[m.MeterID] {
		e.mu.Unlock()
		e.log.Debug().Str("meter_id", m.MeterID.String()).Msg("settlement already in flight, skipped")
		e.skip("in_flight")
		return
	}
	e.inFlight[m.MeterID] = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inFlight, m.MeterID)
		e.mu.Unlock()
	}()

	// A row whose submission failed transiently still owns the meter's
	// period: its watermark never advanced, so settling fresh telemetry
	// would double count. Re-submit it under its original idempotency key
	// instead. Rows already submitted advanced the watermark and only await
	// their confirmation; they block nothing.
	if prior := e.unsubmittedRowFor(m.MeterID); prior != nil {
		e.resubmit(ctx, m, prior)
		return
	}

	periodEnd := time.Now().UTC()

	exportWh, importWh, err := e.telemetry.AggregatedNetEnergy(ctx, m.MeterID, m.LastSettledAt)
	if err != nil {
		e.log.Warn().Err(err).Str("meter_id", m.MeterID.String()).Msg("telemetry unavailable, meter skipped")
		e.skip("telemetry_error")
		return
	}

	netWh := exportWh - importWh
	absWh, sign := fpmath.AbsWh(netWh)
	if absWh < thresholdWh {
		e.log.Debug().Str("meter_id", m.MeterID.String()).
			Int64("net_wh", netWh).Int64("threshold_wh", thresholdWh).
			Msg("below settlement threshold, no row created")
		e.skip("below_threshold")
		return
	}

	signer, err := e.signers.FindSigner(ctx, m.OwnerWallet)
	if err != nil {
		e.log.Warn().Err(err).Str("meter_id", m.MeterID.String()).
			Str("wallet", m.OwnerWallet).Msg("no signer for owner wallet, meter skipped")
		e.skip("no_signer")
		return
	}

	meterAddr := common.HexToAddress(m.MeterWallet)
	if !e.ensureAuthorized(ctx, signer, m, meterAddr) {
		return
	}

	unsignedTokens, err := e.chain.CalculateEtkAmount(ctx, absWh)
	if err != nil {
		e.log.Warn().Err(err).Str("meter_id", m.MeterID.String()).Msg("token conversion failed, meter skipped")
		e.skip("conversion_error")
		return
	}
	tokenAmount := fpmath.ApplySign(unsignedTokens, sign)

	s := &Settlement{
		SettlementID: uuid.New(),
		MeterID:      m.MeterID,
		PeriodStart:  m.LastSettledAt,
		PeriodEnd:    periodEnd,
		ExportWh:     exportWh,
		ImportWh:     importWh,
		NetWh:        netWh,
		NetKwh:       fpmath.WhToKwh(netWh),
		TokenAmount:  tokenAmount,
		Status:       StatusPending,
		CreatedAt:    periodEnd,
	}

	if err := e.store.InsertSettlement(ctx, s); err != nil {
		e.log.Error().Err(err).Str("settlement_id", s.SettlementID.String()).
			Msg("settlement row insert failed, submission not attempted")
		e.skip("store_error")
		return
	}

	e.mu.Lock()
	e.pending[s.SettlementID] = s
	e.mu.Unlock()

	e.submit(ctx, signer, meterAddr, m, s, absWh, sign > 0)
}

// unsubmittedRowFor returns the meter's PENDING row that never reached the
// chain, if any.
func (e *Engine) unsubmittedRowFor(meterID uuid.UUID) *Settlement {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.pending {
		if s.MeterID == meterID && s.TxHash == "" {
			return s
		}
	}
	return nil
}

// resubmit retries a PENDING row whose previous submission failed
// transiently. The idempotency key derives from the row, so a retry that
// races an earlier broadcast is a no-op on-chain.
func (e *Engine) resubmit(ctx context.Context, m Meter, s *Settlement) {
	signer, err := e.signers.FindSigner(ctx, m.OwnerWallet)
	if err != nil {
		e.log.Warn().Err(err).Str("meter_id", m.MeterID.String()).
			Str("wallet", m.OwnerWallet).Msg("no signer for owner wallet, meter skipped")
		e.skip("no_signer")
		return
	}
	meterAddr := common.HexToAddress(m.MeterWallet)
	if !e.ensureAuthorized(ctx, signer, m, meterAddr) {
		return
	}

	absWh, sign := fpmath.AbsWh(s.NetWh)
	e.log.Info().Str("settlement_id", s.SettlementID.String()).
		Str("meter_id", m.MeterID.String()).Msg("retrying settlement submission")
	e.submit(ctx, signer, meterAddr, m, s, absWh, sign > 0)
}

// submit sends one settlement transaction and records the outcome. A
// transient RPC failure leaves the row PENDING for the next cycle; a node
// rejection finalizes it FAILED.
func (e *Engine) submit(ctx context.Context, signer *chain.Signer, meterAddr common.Address, m Meter, s *Settlement, absWh int64, mint bool) {
	idemKey := IdempotencyKey(s.SettlementID, s.CreatedAt)

	txHash, err := e.chain.ProcessSettlement(ctx, signer, meterAddr, absWh, mint, idemKey)
	if err != nil {
		var subErr *chain.SubmissionError
		if errors.As(err, &subErr) {
			e.log.Error().Err(err).Str("settlement_id", s.SettlementID.String()).Msg("submission rejected")
			e.finalize(ctx, s, StatusFailed, s.TokenAmount, time.Now().UTC())
			return
		}
		e.log.Warn().Err(err).Str("settlement_id", s.SettlementID.String()).
			Msg("submission failed transiently, retrying next cycle")
		e.skip("submit_transient")
		return
	}

	s.TxHash = txHash
	if err := e.store.SetSettlementTx(ctx, s.SettlementID, txHash); err != nil {
		e.log.Error().Err(err).Str("settlement_id", s.SettlementID.String()).Msg("tx hash persist failed")
	}

	e.mu.Lock()
	e.pendingByTx[txHash] = s.SettlementID
	e.mu.Unlock()

	if err := e.registry.SetLastSettled(ctx, m.MeterID, s.PeriodEnd); err != nil {
		e.log.Error().Err(err).Str("meter_id", m.MeterID.String()).Msg("settled watermark update failed")
	}

	direction := "burn"
	if mint {
		direction = "mint"
	}
	if e.metrics != nil {
		e.metrics.SettlementsSubmitted.WithLabelValues(direction).Inc()
	}
	e.log.Info().Str("settlement_id", s.SettlementID.String()).
		Str("meter_id", m.MeterID.String()).Str("tx_hash", txHash).
		Int64("net_wh", s.NetWh).Int64("token_amount", s.TokenAmount).
		Str("direction", direction).Msg("settlement submitted")

	if e.notifier != nil {
		e.notifier.Settlement(ctx, s, "submitted")
	}
}

// ensureAuthorized checks on-chain meter authorization and attempts one
// owner-signed authorization when missing. A failed attempt aborts this
// meter for this cycle; the next cycle retries.
func (e *Engine) ensureAuthorized(ctx context.Context, owner *chain.Signer, m Meter, meterAddr common.Address) bool {
	authorized, err := e.chain.IsMeterAuthorized(ctx, meterAddr)
	if err != nil {
		e.log.Warn().Err(err).Str("meter_id", m.MeterID.String()).Msg("authorization check failed, meter skipped")
		e.skip("auth_check_error")
		return false
	}
	if authorized {
		return true
	}

	if _, err := e.chain.AuthorizeMeter(ctx, owner, meterAddr); err != nil {
		e.log.Warn().Err(err).Str("meter_id", m.MeterID.String()).Msg("auto-authorization failed, meter skipped this cycle")
		e.skip("authorization_failed")
		return false
	}

	e.log.Info().Str("meter_id", m.MeterID.String()).Str("meter_wallet", m.MeterWallet).
		Msg("meter authorization submitted")
	return true
}

// HandleSettlementProcessed closes the loop: a confirmation event matched by
// tx hash moves the PENDING row to its terminal status exactly once. Events
// referencing no known tx hash are logged and dropped, never fabricated into
// state; duplicates are no-ops.
func (e *Engine) HandleSettlementProcessed(ctx context.Context, evt *event.SettlementProcessed) error {
	e.mu.Lock()
	id, known := e.pendingByTx[evt.Hash]
	if !known {
		e.mu.Unlock()
		e.log.Warn().Str("tx_hash", evt.Hash).Msg("confirmation for unknown settlement, dropped")
		if e.metrics != nil {
			e.metrics.EventsDropped.WithLabelValues(evt.EventType().String(), "unknown_correlation").Inc()
		}
		return nil
	}

	s := e.pending[id]
	if s == nil || s.Status.Terminal() {
		e.mu.Unlock()
		e.log.Debug().Str("tx_hash", evt.Hash).Msg("duplicate confirmation ignored")
		return nil
	}
	e.mu.Unlock()

	status := StatusFailed
	if evt.Success {
		status = StatusSuccess
	}

	// Trust the on-chain token amount over the locally computed one; the
	// chain already applied its own rounding.
	tokenAmount := s.TokenAmount
	if evt.TokenAmount > 0 {
		confirmed := fpmath.ToContractUnits(evt.TokenAmount)
		if !evt.Mint {
			confirmed = -confirmed
		}
		if confirmed != s.TokenAmount {
			e.log.Warn().Str("settlement_id", s.SettlementID.String()).
				Int64("local", s.TokenAmount).Int64("chain", confirmed).
				Msg("confirmed token amount differs from local computation, chain wins")
		}
		tokenAmount = confirmed
	}

	return e.Confirm(ctx, id, evt.Hash, status, tokenAmount, evt.Timestamp)
}

// Confirm applies a terminal transition to a settlement. A no-op when the
// row is already terminal, so replayed confirmations cannot flip state.
func (e *Engine) Confirm(ctx context.Context, id uuid.UUID, txHash string, status Status, tokenAmount int64, at time.Time) error {
	e.mu.Lock()
	s, exists := e.pending[id]
	if !exists || s.Status.Terminal() {
		e.mu.Unlock()
		return nil
	}
	if s.TxHash != "" && s.TxHash != txHash {
		e.mu.Unlock()
		e.log.Warn().Str("settlement_id", id.String()).
			Str("expected", s.TxHash).Str("got", txHash).
			Msg("confirmation hash mismatch, dropped")
		return nil
	}
	e.mu.Unlock()

	e.finalize(ctx, s, status, tokenAmount, at)
	return nil
}

func (e *Engine) finalize(ctx context.Context, s *Settlement, status Status, tokenAmount int64, at time.Time) {
	e.mu.Lock()
	if s.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	s.Status = status
	s.TokenAmount = tokenAmount
	s.ConfirmedAt = &at
	delete(e.pending, s.SettlementID)
	if s.TxHash != "" {
		delete(e.pendingByTx, s.TxHash)
	}
	e.mu.Unlock()

	if err := e.store.MarkSettlementTerminal(ctx, s.SettlementID, status, tokenAmount, at); err != nil {
		e.log.Error().Err(err).Str("settlement_id", s.SettlementID.String()).Msg("terminal status persist failed")
		if e.metrics != nil {
			e.metrics.StoreErrors.WithLabelValues("settlement").Inc()
		}
	}

	outcome := "failed"
	if status == StatusSuccess {
		outcome = "success"
	}
	if e.metrics != nil {
		e.metrics.SettlementsConfirmed.WithLabelValues(outcome).Inc()
	}
	e.log.Info().Str("settlement_id", s.SettlementID.String()).
		Str("status", status.String()).Int64("token_amount", tokenAmount).
		Msg("settlement finalized")

	if e.notifier != nil {
		e.notifier.Settlement(ctx, s, outcome)
		if status == StatusSuccess {
			// Tell the meter its accumulation window was settled so it can
			// roll over its local counters.
			e.notifier.DeviceCommand(ctx, s.MeterID.String(), "settlement_complete", map[string]interface{}{
				"settlement_id": s.SettlementID.String(),
				"net_wh":        s.NetWh,
				"token_amount":  tokenAmount,
			})
		}
	}
}

// PendingCount reports in-memory PENDING rows, for health/ops visibility.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) skip(reason string) {
	if e.metrics != nil {
		e.metrics.SettlementsSkipped.WithLabelValues(reason).Inc()
	}
}
