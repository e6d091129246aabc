package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/gofrs/flock"
)

// Quarantiner receives a copy of a corrupt ledger document, for example to
// upload it to object storage for later inspection.
type Quarantiner interface {
	Quarantine(ctx context.Context, name string, data []byte) error
}

// FileStore persists the ledger as one JSON document. Writes go to a temp
// file in the same directory, are fsynced and renamed over the target while an
// exclusive OS lock on "<path>.lock" is held, so a crash never leaves a torn
// document and a second process cannot interleave writes.
type FileStore struct {
	path        string
	lock        *flock.Flock
	lockTimeout time.Duration
	quarantine  Quarantiner
	now         func() time.Time
	logger      *slog.Logger
}

// FileStoreOption customises a FileStore.
type FileStoreOption func(*FileStore)

// WithQuarantiner forwards corrupt documents to q.
func WithQuarantiner(q Quarantiner) FileStoreOption {
	return func(s *FileStore) { s.quarantine = q }
}

// WithLockTimeout bounds how long Save and Load wait for the file lock.
func WithLockTimeout(d time.Duration) FileStoreOption {
	return func(s *FileStore) { s.lockTimeout = d }
}

// NewFileStore creates a store for the document at path.
func NewFileStore(path string, logger *slog.Logger, opts ...FileStoreOption) *FileStore {
	s := &FileStore{
		path:        path,
		lock:        flock.New(path + ".lock"),
		lockTimeout: 5 * time.Second,
		now:         time.Now,
		logger:      logger.With(slog.String("component", "ledger_store")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Path returns the document path.
func (s *FileStore) Path() string { return s.path }

// Save writes doc atomically.
func (s *FileStore) Save(doc Document) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ledger: mkdir %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: marshal: %w", err)
	}

	unlock, err := s.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("ledger: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("ledger: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("ledger: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ledger: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("ledger: rename: %w", err)
	}
	syncDir(dir)
	return nil
}

// Load reads the document. It returns an error wrapping fs.ErrNotExist when
// there is none, and one wrapping domain.ErrLedgerCorrupt after moving an
// unreadable document aside.
func (s *FileStore) Load() (Document, error) {
	unlock, err := s.acquire()
	if err != nil {
		return Document{}, err
	}
	defer unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return Document{}, fmt.Errorf("ledger: read %s: %w", s.path, err)
	}

	var doc Document
	decodeErr := json.Unmarshal(bytes.TrimSpace(data), &doc)
	if decodeErr == nil && len(bytes.TrimSpace(data)) > 0 {
		if doc.OpenPositions == nil {
			doc.OpenPositions = map[string]domain.Position{}
		}
		return doc, nil
	}
	if decodeErr == nil {
		decodeErr = fmt.Errorf("empty document")
	}

	qpath := fmt.Sprintf("%s.corrupt-%s", s.path, s.now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(s.path, qpath); err != nil {
		s.logger.Error("quarantine rename failed", slog.String("path", s.path), slog.String("error", err.Error()))
	} else {
		s.logger.Warn("corrupt ledger quarantined",
			slog.String("path", s.path),
			slog.String("quarantine", qpath),
			slog.String("error", decodeErr.Error()),
		)
	}
	if s.quarantine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.quarantine.Quarantine(ctx, filepath.Base(qpath), data); err != nil {
			s.logger.Warn("quarantine upload failed", slog.String("error", err.Error()))
		}
	}
	return Document{}, fmt.Errorf("ledger: %s: %v: %w", s.path, decodeErr, domain.ErrLedgerCorrupt)
}

func (s *FileStore) acquire() (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.lockTimeout)
	defer cancel()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: mkdir: %w", err)
	}
	locked, err := s.lock.TryLockContext(ctx, 20*time.Millisecond)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("ledger: lock %s: %w", s.lock.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("ledger: lock %s: %w", s.lock.Path(), domain.ErrLockHeld)
	}
	return func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("unlock ledger file failed", slog.String("error", err.Error()))
		}
	}, nil
}

// syncDir fsyncs the directory so the rename itself is durable. Errors are
// ignored: some filesystems do not support syncing directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

var _ Store = (*FileStore)(nil)
