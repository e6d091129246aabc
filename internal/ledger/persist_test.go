package ledger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/gofrs/flock"
)

var (
	errNotExist   = fmt.Errorf("memstore: %w", fs.ErrNotExist)
	errSaveFailed = errors.New("memstore: disk full")
)

type captureQuarantine struct {
	name string
	data []byte
}

func (c *captureQuarantine) Quarantine(_ context.Context, name string, data []byte) error {
	c.name = name
	c.data = append([]byte(nil), data...)
	return nil
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "positions.json")
	store := NewFileStore(path, quietLogger())

	l := newTestLedger(t, Options{Store: store})
	id := l.CreatePosition(btcLong())
	l.AtomicUpdatePriceAndPnL(id, 103)
	if err := l.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}

	restored := newTestLedger(t, Options{Store: NewFileStore(path, quietLogger())})
	if err := restored.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	pos, ok := restored.SafeGetPosition(id)
	if !ok {
		t.Fatal("position missing after reload")
	}
	if pos.CurrentPrice != 103 {
		t.Fatalf("current price = %v, want 103", pos.CurrentPrice)
	}
}

func TestFileStoreMissingDocument(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "positions.json"), quietLogger())
	_, err := store.Load()
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err = %v, want fs.ErrNotExist", err)
	}
}

func TestFileStoreQuarantinesCorruptDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "positions.json")
	if err := os.WriteFile(path, []byte(`{"open_positions": {`), 0o600); err != nil {
		t.Fatal(err)
	}
	q := &captureQuarantine{}
	store := NewFileStore(path, quietLogger(), WithQuarantiner(q))
	store.now = func() time.Time { return time.Date(2026, 10, 17, 8, 30, 0, 0, time.UTC) }

	_, err := store.Load()
	if !errors.Is(err, domain.ErrLedgerCorrupt) {
		t.Fatalf("err = %v, want ErrLedgerCorrupt", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Fatal("corrupt document still in place")
	}
	want := path + ".corrupt-20261017T083000Z"
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("quarantine file missing: %v", err)
	}
	if q.name != filepath.Base(want) || string(q.data) != `{"open_positions": {` {
		t.Fatalf("quarantiner got %q / %q", q.name, q.data)
	}

	// The ledger starts empty on top of a quarantined document.
	l := newTestLedger(t, Options{Store: NewFileStore(path, quietLogger())})
	if err := l.Load(); err != nil {
		t.Fatalf("ledger load: %v", err)
	}
	if l.SafeGetPositionCount() != 0 {
		t.Fatal("expected empty ledger")
	}
}

func TestFileStoreEmptyDocumentIsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	if err := os.WriteFile(path, []byte("  \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := NewFileStore(path, quietLogger()).Load()
	if !errors.Is(err, domain.ErrLedgerCorrupt) {
		t.Fatalf("err = %v, want ErrLedgerCorrupt", err)
	}
}

func TestFileStoreLockHeldByAnotherWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	other := flock.New(path + ".lock")
	locked, err := other.TryLock()
	if err != nil || !locked {
		t.Fatalf("TryLock: locked=%v err=%v", locked, err)
	}

	store := NewFileStore(path, quietLogger(), WithLockTimeout(50*time.Millisecond))
	err = store.Save(Document{})
	if !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("Save while locked: err = %v, want ErrLockHeld", err)
	}

	if err := other.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := store.Save(Document{}); err != nil {
		t.Fatalf("Save after unlock: %v", err)
	}
}
