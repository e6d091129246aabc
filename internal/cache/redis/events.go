package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

const (
	// EventsChannel carries every position lifecycle event.
	EventsChannel = "positions"
	// OutcomesStream is read by the adaptive-sizing collaborator.
	OutcomesStream = "trade_outcomes"
)

// publisher is the slice of domain.SignalBus the sinks need.
type publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// EventPublisher is a domain.EventSink that publishes JSON events on the
// positions channel. Failures are logged and dropped.
type EventPublisher struct {
	bus     publisher
	channel string
	logger  *slog.Logger
}

// NewEventPublisher creates an EventPublisher on EventsChannel.
func NewEventPublisher(bus publisher, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{
		bus:     bus,
		channel: EventsChannel,
		logger:  logger.With(slog.String("component", "event_publisher")),
	}
}

// Emit implements domain.EventSink.
func (p *EventPublisher) Emit(ctx context.Context, ev domain.PositionEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("marshal event", slog.String("type", string(ev.Type)), slog.String("error", err.Error()))
		return
	}
	if err := p.bus.Publish(ctx, p.channel, payload); err != nil {
		p.logger.Warn("publish event failed",
			slog.String("type", string(ev.Type)),
			slog.String("symbol", ev.Symbol),
			slog.String("error", err.Error()),
		)
	}
}

// OutcomeRecorder appends closed-trade outcomes to OutcomesStream.
type OutcomeRecorder struct {
	bus    publisher
	stream string
}

// NewOutcomeRecorder creates an OutcomeRecorder on OutcomesStream.
func NewOutcomeRecorder(bus publisher) *OutcomeRecorder {
	return &OutcomeRecorder{bus: bus, stream: OutcomesStream}
}

// RecordOutcome implements domain.OutcomeRecorder.
func (r *OutcomeRecorder) RecordOutcome(ctx context.Context, outcome domain.TradeOutcome) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("redis: marshal outcome %s: %w", outcome.PositionID, err)
	}
	if err := r.bus.StreamAppend(ctx, r.stream, payload); err != nil {
		return fmt.Errorf("redis: record outcome %s: %w", outcome.PositionID, err)
	}
	return nil
}

var (
	_ domain.EventSink       = (*EventPublisher)(nil)
	_ domain.OutcomeRecorder = (*OutcomeRecorder)(nil)
)
