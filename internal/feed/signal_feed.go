// Package feed delivers trade signals from the prediction pipeline's Redis
// stream to the executor.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

const (
	defaultBatch = 50
	idleDelay    = 500 * time.Millisecond
	maxBackoff   = 30 * time.Second
)

// SignalFeed tails a stream of JSON-encoded TradeSignals. It starts at the
// time Run is called, so signals published while the bot was down are not
// replayed.
type SignalFeed struct {
	bus    domain.SignalBus
	stream string
	out    chan domain.TradeSignal
	logger *slog.Logger
	now    func() time.Time
}

// NewSignalFeed creates a feed over stream.
func NewSignalFeed(bus domain.SignalBus, stream string, logger *slog.Logger) *SignalFeed {
	return &SignalFeed{
		bus:    bus,
		stream: stream,
		out:    make(chan domain.TradeSignal, 64),
		logger: logger.With(slog.String("component", "signal_feed"), slog.String("stream", stream)),
		now:    time.Now,
	}
}

// Signals is closed when Run returns.
func (f *SignalFeed) Signals() <-chan domain.TradeSignal {
	return f.out
}

// Run reads the stream until ctx is cancelled.
func (f *SignalFeed) Run(ctx context.Context) error {
	defer close(f.out)
	f.logger.Info("signal feed started")
	defer f.logger.Info("signal feed stopped")

	lastID := fmt.Sprintf("%d-0", f.now().UnixMilli())
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := f.bus.StreamRead(ctx, f.stream, lastID, defaultBatch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn("stream read failed", slog.String("error", err.Error()), slog.Duration("retry_in", backoff))
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		if len(msgs) == 0 {
			if !sleep(ctx, idleDelay) {
				return ctx.Err()
			}
			continue
		}
		for _, m := range msgs {
			lastID = m.ID
			sig, err := decodeSignal(m)
			if err != nil {
				f.logger.Debug("dropping malformed signal", slog.String("entry_id", m.ID), slog.String("error", err.Error()))
				continue
			}
			select {
			case f.out <- sig:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// decodeSignal fills a missing ID and CreatedAt from the stream entry ID.
func decodeSignal(m domain.StreamMessage) (domain.TradeSignal, error) {
	var sig domain.TradeSignal
	if err := json.Unmarshal(m.Payload, &sig); err != nil {
		return sig, fmt.Errorf("feed: decode %s: %w", m.ID, err)
	}
	if strings.TrimSpace(sig.Symbol) == "" {
		return sig, fmt.Errorf("feed: entry %s has no symbol", m.ID)
	}
	if sig.ID == "" {
		sig.ID = m.ID
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = entryTime(m.ID)
	}
	return sig, nil
}

// entryTime parses the millisecond prefix of a stream ID like
// "1772366400000-0".
func entryTime(id string) time.Time {
	ms, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
