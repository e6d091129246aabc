package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/ledger"
)

// memBlobs is an in-memory writer and reader.
type memBlobs struct {
	objects map[string][]byte
	types   map[string]string
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	m.types[path] = contentType
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, _ int64) error {
	return m.Put(ctx, path, data, contentType)
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	for p, b := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(b))})
		}
	}
	return out, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSnapshotUploadAndLatest(t *testing.T) {
	blobs := newMemBlobs()
	s := NewSnapshotter(blobs, blobs, discard())

	first := time.Date(2026, 10, 16, 23, 59, 0, 0, time.UTC)
	s.now = func() time.Time { return first }
	if _, err := s.Upload(context.Background(), ledger.Document{SessionBalance: 900}); err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return first.Add(2 * time.Minute) }
	path, err := s.Upload(context.Background(), ledger.Document{SessionBalance: 950})
	if err != nil {
		t.Fatal(err)
	}
	if path != "snapshots/ledger/2026/10/17/ledger-20261017T000100Z.json" {
		t.Fatalf("path = %s", path)
	}

	doc, latest, err := s.Latest(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if latest != path || doc.SessionBalance != 950 {
		t.Fatalf("latest = %s balance = %v", latest, doc.SessionBalance)
	}
}

func TestLatestWithoutSnapshots(t *testing.T) {
	blobs := newMemBlobs()
	s := NewSnapshotter(blobs, blobs, discard())
	if _, _, err := s.Latest(context.Background()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestQuarantine(t *testing.T) {
	blobs := newMemBlobs()
	s := NewSnapshotter(blobs, nil, discard())
	if err := s.Quarantine(context.Background(), "ledger.json.corrupt-1", []byte("{")); err != nil {
		t.Fatal(err)
	}
	if string(blobs.objects["quarantine/ledger/ledger.json.corrupt-1"]) != "{" {
		t.Fatalf("objects = %v", blobs.objects)
	}
}

type pagedArchive struct {
	positions []domain.Position
	calls     int
}

func (p *pagedArchive) Archive(context.Context, domain.Position) error { return nil }

func (p *pagedArchive) GetByID(context.Context, string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}

func (p *pagedArchive) ListHistory(_ context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	p.calls++
	if opts.Offset >= len(p.positions) {
		return nil, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(p.positions) {
		end = len(p.positions)
	}
	return p.positions[opts.Offset:end], nil
}

func TestArchivePositionsPagesAndWritesJSONL(t *testing.T) {
	src := &pagedArchive{}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		src.positions = append(src.positions, domain.Position{ID: id, Symbol: "BTCUSDT"})
	}
	blobs := newMemBlobs()
	a := NewArchiver(blobs, src, nil)
	a.pageSize = 2

	until := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	n, err := a.ArchivePositions(context.Background(), until.Add(-24*time.Hour), until)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 || src.calls != 3 {
		t.Fatalf("n = %d calls = %d", n, src.calls)
	}
	data := blobs.objects["archive/positions/2026/10/positions-20261017T000000Z.jsonl"]
	if lines := strings.Count(string(data), "\n"); lines != 5 {
		t.Fatalf("lines = %d: %s", lines, data)
	}

	// Nothing to export writes nothing.
	n, err = a.ArchiveAudit(context.Background(), until.Add(-time.Hour), until)
	if err != nil || n != 0 || len(blobs.objects) != 1 {
		t.Fatalf("audit n = %d err = %v objects = %d", n, err, len(blobs.objects))
	}
}

func TestNormaliseEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		ssl  bool
		want string
	}{
		{"https://e2.example.com", false, "https://e2.example.com"},
		{"minio:9000", false, "http://minio:9000"},
		{"r2.example.com", true, "https://r2.example.com"},
	}
	for _, tt := range tests {
		if got := normaliseEndpoint(tt.in, tt.ssl); got != tt.want {
			t.Errorf("normaliseEndpoint(%q, %v) = %q, want %q", tt.in, tt.ssl, got, tt.want)
		}
	}
}
