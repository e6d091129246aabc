package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/ledger"
)

const (
	snapshotPrefix   = "snapshots/ledger/"
	quarantinePrefix = "quarantine/ledger/"
)

// Snapshotter uploads point-in-time copies of the ledger document, stores
// quarantined documents, and fetches the newest snapshot for restores.
type Snapshotter struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	logger *slog.Logger
	now    func() time.Time
}

// NewSnapshotter creates a Snapshotter. reader may be nil when restores are
// not needed.
func NewSnapshotter(w domain.BlobWriter, r domain.BlobReader, logger *slog.Logger) *Snapshotter {
	return &Snapshotter{
		writer: w,
		reader: r,
		logger: logger.With(slog.String("component", "snapshotter")),
		now:    time.Now,
	}
}

// snapshotPath is date-partitioned so lexical order is chronological.
func snapshotPath(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s%s/ledger-%s.json", snapshotPrefix, t.Format("2006/01/02"), t.Format("20060102T150405Z"))
}

// Upload writes doc and returns its object path.
func (s *Snapshotter) Upload(ctx context.Context, doc ledger.Document) (string, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal snapshot: %w", err)
	}
	path := snapshotPath(s.now())
	if err := s.writer.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		return "", err
	}
	s.logger.Info("ledger snapshot uploaded",
		slog.String("path", path),
		slog.Int("open", len(doc.OpenPositions)),
		slog.Int("bytes", len(data)),
	)
	return path, nil
}

// Quarantine implements ledger.Quarantiner.
func (s *Snapshotter) Quarantine(ctx context.Context, name string, data []byte) error {
	path := quarantinePrefix + name
	if err := s.writer.Put(ctx, path, bytes.NewReader(data), "application/octet-stream"); err != nil {
		return fmt.Errorf("s3blob: quarantine %s: %w", name, err)
	}
	s.logger.Warn("corrupt ledger quarantined", slog.String("path", path))
	return nil
}

// Latest returns the newest snapshot, or an error wrapping domain.ErrNotFound
// when none exist.
func (s *Snapshotter) Latest(ctx context.Context) (ledger.Document, string, error) {
	if s.reader == nil {
		return ledger.Document{}, "", fmt.Errorf("s3blob: latest snapshot: no reader")
	}
	infos, err := s.reader.List(ctx, snapshotPrefix)
	if err != nil {
		return ledger.Document{}, "", err
	}
	paths := make([]string, 0, len(infos))
	for _, in := range infos {
		if strings.HasSuffix(in.Path, ".json") {
			paths = append(paths, in.Path)
		}
	}
	if len(paths) == 0 {
		return ledger.Document{}, "", fmt.Errorf("s3blob: latest snapshot: %w", domain.ErrNotFound)
	}
	sort.Strings(paths)
	latest := paths[len(paths)-1]

	body, err := s.reader.Get(ctx, latest)
	if err != nil {
		return ledger.Document{}, "", err
	}
	defer body.Close()

	var doc ledger.Document
	if err := json.NewDecoder(body).Decode(&doc); err != nil {
		return ledger.Document{}, "", fmt.Errorf("s3blob: decode snapshot %s: %w", latest, err)
	}
	return doc, latest, nil
}

var _ ledger.Quarantiner = (*Snapshotter)(nil)
