package postgres

import (
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{"explicit dsn wins", ClientConfig{DSN: "postgres://x", Host: "h"}, "postgres://x"},
		{"defaults", ClientConfig{User: "u", Password: "p", Host: "h", Database: "d"}, "postgres://u:p@h:5432/d?sslmode=disable"},
		{"custom port and ssl", ClientConfig{User: "u", Password: "p", Host: "h", Port: 6543, Database: "d", SSLMode: "require"}, "postgres://u:p@h:6543/d?sslmode=require"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.cfg); got != tt.want {
				t.Fatalf("DSN = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestListQuery(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q, args := listQuery("SELECT doc FROM closed_positions WHERE 1=1", "close_time", "symbol",
		domain.ListOpts{Symbol: "BTCUSDT", Since: &since, Limit: 20, Offset: 40})

	want := "SELECT doc FROM closed_positions WHERE 1=1 AND symbol = $1 AND close_time >= $2 ORDER BY close_time DESC LIMIT $3 OFFSET $4"
	if q != want {
		t.Fatalf("query = %s", q)
	}
	if len(args) != 4 || args[0] != "BTCUSDT" || args[2] != 20 || args[3] != 40 {
		t.Fatalf("args = %v", args)
	}
}

func TestListQueryCapsLimitAndIgnoresSymbolWithoutColumn(t *testing.T) {
	q, args := listQuery("SELECT 1 FROM audit_log WHERE 1=1", "created_at", "", domain.ListOpts{Symbol: "BTCUSDT"})
	if strings.Contains(q, "symbol") {
		t.Fatalf("query = %s", q)
	}
	if len(args) != 1 || args[0] != maxListLimit {
		t.Fatalf("args = %v", args)
	}
}

func TestMigrationsAreEmbeddedInOrder(t *testing.T) {
	names, err := migrationNames()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "001_closed_positions.sql" || names[1] != "002_audit_log.sql" {
		t.Fatalf("migrations = %v", names)
	}
}

func TestDecodePositionRoundTrip(t *testing.T) {
	doc := []byte(`{"position_id":"BTCUSDT_1","symbol":"BTCUSDT","side":"long","entry_price":30000,"status":"CLOSED_STOP_LOSS_HIT"}`)
	p, err := decodePosition(doc)
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != "BTCUSDT_1" || p.Status.Reason() != domain.CloseReasonStopLoss {
		t.Fatalf("position = %+v", p)
	}
	if _, err := decodePosition([]byte("{")); err == nil {
		t.Fatal("expected error")
	}
}
