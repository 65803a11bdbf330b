// Package archive batches decision log rows into daily JSONL objects on
// durable storage. Objects are written once per day and never rewritten,
// so the archive stays append-only even when the export job reruns.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/porter/pkg/domain"
)

// ErrNotExist marks a lookup for an object that was never archived.
var ErrNotExist = errors.New("archive: object does not exist")

// Blob is the storage backend contract. Keys are slash-separated paths
// chosen by the exporter; backends must treat them as opaque.
type Blob interface {
	// Put writes data under key, overwriting any previous object.
	Put(ctx context.Context, key string, data []byte) error
	// Get retrieves the object at key, or ErrNotExist.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether an object is present at key.
	Exists(ctx context.Context, key string) (bool, error)
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") || strings.Contains(key, "\\") {
		return fmt.Errorf("archive: invalid key %q", key)
	}
	return nil
}

// FileStore is a filesystem-backed Blob for single-node deployments.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: ensure base dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(key)), nil
}

func (s *FileStore) Put(_ context.Context, key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("archive: ensure dir for %s: %w", key, err)
	}

	// Write to temp, then rename, so readers never see a partial object.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("archive: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("archive: commit %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, key)
		}
		return nil, fmt.Errorf("archive: read %s: %w", key, err)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("archive: stat %s: %w", key, err)
	}
	return true, nil
}

// Source lists decision rows for a half-open time range.
type Source interface {
	ListRange(ctx context.Context, from, to time.Time) ([]domain.DecisionRecord, error)
}

// Exporter drains decision rows into one JSONL object per UTC day.
type Exporter struct {
	source Source
	store  Blob
	log    *slog.Logger
}

func NewExporter(source Source, store Blob, log *slog.Logger) *Exporter {
	if log == nil {
		log = slog.Default()
	}
	return &Exporter{source: source, store: store, log: log}
}

// DayKey is the object key for a UTC day's batch.
func DayKey(day time.Time) string {
	d := day.UTC()
	return fmt.Sprintf("decisions/%04d/%02d/%02d.jsonl", d.Year(), d.Month(), d.Day())
}

// ExportDay writes every decision from the given UTC day as one JSON
// line each. A day that was already exported is skipped, so the job is
// safe to rerun. Empty days produce an empty object, which marks the day
// as done.
func (e *Exporter) ExportDay(ctx context.Context, day time.Time) (string, int, error) {
	from := domain.DayStart(day.UTC())
	to := from.AddDate(0, 0, 1)
	key := DayKey(from)

	done, err := e.store.Exists(ctx, key)
	if err != nil {
		return key, 0, fmt.Errorf("archive: check %s: %w", key, err)
	}
	if done {
		e.log.Debug("archive day already exported", "key", key)
		return key, 0, nil
	}

	recs, err := e.source.ListRange(ctx, from, to)
	if err != nil {
		return key, 0, fmt.Errorf("archive: list decisions for %s: %w", key, err)
	}

	var buf bytes.Buffer
	for _, rec := range recs {
		line, err := json.Marshal(rec)
		if err != nil {
			return key, 0, fmt.Errorf("archive: encode decision %s: %w", rec.ID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	if err := e.store.Put(ctx, key, buf.Bytes()); err != nil {
		return key, 0, err
	}
	e.log.Info("archived decisions", "key", key, "count", len(recs))
	return key, len(recs), nil
}

// ExportPreviousDay archives the UTC day before now. The daily job calls
// this shortly after midnight.
func (e *Exporter) ExportPreviousDay(ctx context.Context, now time.Time) (string, int, error) {
	return e.ExportDay(ctx, now.UTC().AddDate(0, 0, -1))
}
