package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// MultipartWriter is the slice of Writer the archiver uses.
type MultipartWriter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// Archiver exports closed-position history and the audit log as JSONL to
// object storage. It never deletes from the source stores.
type Archiver struct {
	writer    MultipartWriter
	positions domain.PositionArchive
	audit     domain.AuditStore
	pageSize  int
}

// NewArchiver creates an Archiver. Either source may be nil.
func NewArchiver(w MultipartWriter, positions domain.PositionArchive, audit domain.AuditStore) *Archiver {
	return &Archiver{writer: w, positions: positions, audit: audit, pageSize: 500}
}

// ArchivePositions exports positions closed in [since, until).
func (a *Archiver) ArchivePositions(ctx context.Context, since, until time.Time) (int, error) {
	if a.positions == nil {
		return 0, nil
	}
	var all []domain.Position
	for offset := 0; ; offset += a.pageSize {
		page, err := a.positions.ListHistory(ctx, domain.ListOpts{Since: &since, Until: &until, Limit: a.pageSize, Offset: offset})
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive positions: %w", err)
		}
		all = append(all, page...)
		if len(page) < a.pageSize {
			break
		}
	}
	return len(all), upload(ctx, a.writer, "positions", until, all)
}

// ArchiveAudit exports audit entries written in [since, until).
func (a *Archiver) ArchiveAudit(ctx context.Context, since, until time.Time) (int, error) {
	if a.audit == nil {
		return 0, nil
	}
	var all []domain.AuditEntry
	for offset := 0; ; offset += a.pageSize {
		page, err := a.audit.List(ctx, domain.ListOpts{Since: &since, Until: &until, Limit: a.pageSize, Offset: offset})
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive audit: %w", err)
		}
		all = append(all, page...)
		if len(page) < a.pageSize {
			break
		}
	}
	return len(all), upload(ctx, a.writer, "audit", until, all)
}

func upload[T any](ctx context.Context, w MultipartWriter, kind string, until time.Time, records []T) error {
	if len(records) == 0 {
		return nil
	}
	data, err := marshalJSONL(records)
	if err != nil {
		return fmt.Errorf("s3blob: archive %s: %w", kind, err)
	}
	return w.PutMultipart(ctx, archivePath(kind, until), bytes.NewReader(data), "application/x-ndjson", minPartSize)
}

func archivePath(kind string, until time.Time) string {
	u := until.UTC()
	return fmt.Sprintf("archive/%s/%s/%s-%s.jsonl", kind, u.Format("2006/01"), kind, u.Format("20060102T150405Z"))
}

// marshalJSONL encodes records as one JSON object per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range records {
		if err := enc.Encode(records[i]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
