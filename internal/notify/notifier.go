// Package notify forwards position lifecycle events to chat channels
// (Telegram, Discord). Events are queued by Emit and delivered by Run so the
// trading path never waits on a chat API.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

const (
	queueSize   = 256
	sendTimeout = 10 * time.Second
)

// Notifier is a domain.EventSink that formats events and fans them out to
// every Sender. Only event types listed in the filter are forwarded; an
// empty filter forwards everything.
type Notifier struct {
	senders []Sender
	events  map[domain.EventType]bool
	queue   chan domain.PositionEvent
	logger  *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventType(e)] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		queue:   make(chan domain.PositionEvent, queueSize),
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Emit queues ev for delivery. A full queue drops the event.
func (n *Notifier) Emit(ctx context.Context, ev domain.PositionEvent) {
	if len(n.senders) == 0 || !n.allowed(ev.Type) {
		return
	}
	select {
	case n.queue <- ev:
	default:
		n.logger.WarnContext(ctx, "notification queue full, dropping event",
			slog.String("type", string(ev.Type)),
			slog.String("symbol", ev.Symbol),
		)
	}
}

// Run delivers queued events until ctx ends.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-n.queue:
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
			_ = n.Deliver(sendCtx, ev)
			cancel()
		}
	}
}

// Deliver formats ev and sends it to every sender now. One sender failing
// does not stop the others.
func (n *Notifier) Deliver(ctx context.Context, ev domain.PositionEvent) error {
	title, message := Format(ev)
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("type", string(ev.Type)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

func (n *Notifier) allowed(t domain.EventType) bool {
	return len(n.events) == 0 || n.events[t]
}

// Format renders an event as a title and a short body.
func Format(ev domain.PositionEvent) (title, message string) {
	side := strings.ToUpper(string(ev.Side))
	switch ev.Type {
	case domain.EventPositionOpened:
		title = fmt.Sprintf("Opened %s %s", side, ev.Symbol)
		message = fmt.Sprintf("Entry %s, stop %s", trim(ev.Price), trim(ev.StopLoss))
	case domain.EventPositionClosed:
		title = fmt.Sprintf("Closed %s %s", side, ev.Symbol)
		message = fmt.Sprintf("Exit %s, PnL %+.2f USD (%+.2f%%), %s", trim(ev.Price), ev.PnLUSD, ev.PnLPct, ev.Reason)
	case domain.EventPositionImported:
		title = fmt.Sprintf("Imported %s %s", side, ev.Symbol)
		message = fmt.Sprintf("Entry %s found on exchange", trim(ev.Price))
	case domain.EventTrailingActivated:
		title = fmt.Sprintf("Trailing active %s", ev.Symbol)
		message = fmt.Sprintf("Price %s, stop %s", trim(ev.Price), trim(ev.StopLoss))
	case domain.EventEmergencySL:
		title = fmt.Sprintf("Emergency stop %s", ev.Symbol)
		message = fmt.Sprintf("Stop %s placed on unprotected position", trim(ev.StopLoss))
	case domain.EventRollbackFailed:
		title = fmt.Sprintf("MANUAL INTERVENTION %s", ev.Symbol)
		message = "Rollback failed, position may be open without protection"
	default:
		title = fmt.Sprintf("%s %s", ev.Type, ev.Symbol)
	}
	if ev.Message != "" {
		if message != "" {
			message += "\n"
		}
		message += ev.Message
	}
	return title, message
}

func trim(f float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.8f", f), "0"), ".")
}

var _ domain.EventSink = (*Notifier)(nil)
