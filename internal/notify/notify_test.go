package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

type fakeSender struct {
	name   string
	err    error
	titles []string
}

func (f *fakeSender) Send(_ context.Context, title, _ string) error {
	f.titles = append(f.titles, title)
	return f.err
}

func (f *fakeSender) Name() string { return f.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestEmitFiltersByEventType(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{s}, []string{"rollback_failed", " emergency_sl "}, discard())

	n.Emit(context.Background(), domain.PositionEvent{Type: domain.EventTrailingActivated, Symbol: "BTCUSDT"})
	n.Emit(context.Background(), domain.PositionEvent{Type: domain.EventEmergencySL, Symbol: "ETHUSDT", StopLoss: 1880})

	if len(n.queue) != 1 {
		t.Fatalf("queued = %d", len(n.queue))
	}
	ev := <-n.queue
	if err := n.Deliver(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if len(s.titles) != 1 || s.titles[0] != "Emergency stop ETHUSDT" {
		t.Fatalf("titles = %v", s.titles)
	}
}

type chanSender chan string

func (c chanSender) Send(_ context.Context, title, _ string) error {
	c <- title
	return nil
}

func (c chanSender) Name() string { return "chan" }

func TestRunDeliversQueuedEvents(t *testing.T) {
	sent := make(chanSender, 1)
	n := NewNotifier([]Sender{sent}, nil, discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = n.Run(ctx) }()

	n.Emit(ctx, domain.PositionEvent{Type: domain.EventPositionOpened, Symbol: "BTCUSDT", Side: domain.SideLong})
	select {
	case title := <-sent:
		if title != "Opened LONG BTCUSDT" {
			t.Fatalf("title = %s", title)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestDeliverContinuesAfterFailure(t *testing.T) {
	bad := &fakeSender{name: "bad", err: errors.New("boom")}
	good := &fakeSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discard())

	err := n.Deliver(context.Background(), domain.PositionEvent{Type: domain.EventRollbackFailed, Symbol: "BTCUSDT"})
	if err == nil || !strings.Contains(err.Error(), "bad") {
		t.Fatalf("err = %v", err)
	}
	if len(good.titles) != 1 {
		t.Fatal("good sender skipped")
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		ev        domain.PositionEvent
		wantTitle string
		wantBody  string
	}{
		{domain.PositionEvent{Type: domain.EventPositionOpened, Symbol: "BTCUSDT", Side: domain.SideLong, Price: 30000, StopLoss: 28200}, "Opened LONG BTCUSDT", "Entry 30000, stop 28200"},
		{domain.PositionEvent{Type: domain.EventPositionClosed, Symbol: "BTCUSDT", Side: domain.SideShort, Price: 28200, PnLUSD: -18, PnLPct: -30, Reason: "STOP_LOSS_HIT"}, "Closed SHORT BTCUSDT", "Exit 28200, PnL -18.00 USD (-30.00%), STOP_LOSS_HIT"},
		{domain.PositionEvent{Type: domain.EventTrailingActivated, Symbol: "BTCUSDT", Price: 112, StopLoss: 110.2}, "Trailing active BTCUSDT", "Price 112, stop 110.2"},
		{domain.PositionEvent{Type: domain.EventRollbackFailed, Symbol: "BTCUSDT", Message: "order 1"}, "MANUAL INTERVENTION BTCUSDT", "Rollback failed, position may be open without protection\norder 1"},
	}
	for _, tt := range tests {
		t.Run(string(tt.ev.Type), func(t *testing.T) {
			title, body := Format(tt.ev)
			if title != tt.wantTitle || body != tt.wantBody {
				t.Fatalf("Format = %q / %q", title, body)
			}
		})
	}
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.apiBase = srv.URL
	if err := s.Send(context.Background(), "Title", "body"); err != nil {
		t.Fatal(err)
	}
	if got["chat_id"] != "42" || got["text"] != "*Title*\nbody" {
		t.Fatalf("payload = %v", got)
	}
}

func TestDiscordSenderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad webhook"))
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("err = %v", err)
	}
}
