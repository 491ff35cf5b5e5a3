package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"GridSettle/internal/observability"
	"GridSettle/internal/settlement"
)

// Publisher pushes device and settlement commands over NATS JetStream.
// Everything here is fire-and-forget: a publish failure is logged and
// counted, never retried inline; downstream consumers reconcile from the
// durable mirror when they miss a message.
type Publisher struct {
	js      jetstream.JetStream
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewPublisher(js jetstream.JetStream, metrics *observability.Metrics) *Publisher {
	return &Publisher{
		js:      js,
		log:     observability.NewLogger("notify"),
		metrics: metrics,
	}
}

// SettlementMessage is the outbound settlement lifecycle payload.
type SettlementMessage struct {
	SettlementID string    `json:"settlement_id"`
	MeterID      string    `json:"meter_id"`
	Stage        string    `json:"stage"` // submitted | success | failed
	NetWh        int64     `json:"net_wh"`
	TokenAmount  int64     `json:"token_amount"` // 2 fixed decimals
	TxHash       string    `json:"tx_hash,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Settlement publishes one settlement lifecycle message.
// Subject: grid.settlements.{stage}.{meter_id}
func (p *Publisher) Settlement(ctx context.Context, s *settlement.Settlement, stage string) {
	msg := SettlementMessage{
		SettlementID: s.SettlementID.String(),
		MeterID:      s.MeterID.String(),
		Stage:        stage,
		NetWh:        s.NetWh,
		TokenAmount:  s.TokenAmount,
		TxHash:       s.TxHash,
		Timestamp:    time.Now().UTC(),
	}
	subject := fmt.Sprintf("grid.settlements.%s.%s", stage, msg.MeterID)
	p.publish(ctx, subject, msg)
}

// DeviceCommand publishes a command for one metering device.
// Subject: grid.commands.device.{meter_id}
func (p *Publisher) DeviceCommand(ctx context.Context, meterID, command string, payload interface{}) {
	subject := fmt.Sprintf("grid.commands.device.%s", meterID)
	p.publish(ctx, subject, map[string]interface{}{
		"command":   command,
		"payload":   payload,
		"timestamp": time.Now().UTC(),
	})
}

func (p *Publisher) publish(ctx context.Context, subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Error().Err(err).Str("subject", subject).Msg("marshal outbound message")
		return
	}

	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("outbound publish failed, dropped")
		if p.metrics != nil {
			p.metrics.NotifyDropped.Inc()
		}
		return
	}
	if p.metrics != nil {
		p.metrics.NotifyPublished.WithLabelValues(subject).Inc()
	}
}

// Connect establishes a NATS connection and returns a JetStream context.
func Connect(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}

// EnsureStreams creates the outbound streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "GRID_SETTLEMENTS",
			Subjects:  []string{"grid.settlements.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "GRID_COMMANDS",
			Subjects:  []string{"grid.commands.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}
