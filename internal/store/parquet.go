package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"ibsupervisor/internal/domain"
)

// Compile-time interface check.
var _ SnapshotArchive = (*ParquetArchive)(nil)

// ParquetArchive implements SnapshotArchive with one Parquet file per UTC
// day.
type ParquetArchive struct {
	DataDir string

	mu sync.Mutex
}

// NewParquetArchive creates an archive rooted at dataDir.
func NewParquetArchive(dataDir string) *ParquetArchive {
	return &ParquetArchive{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// SnapshotRecord is the Parquet schema for account snapshots.
type SnapshotRecord struct {
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	BrokerID  string  `parquet:"broker_id"`
	AccountID string  `parquet:"account_id"`
	Currency  string  `parquet:"currency"`
	Balance   float64 `parquet:"balance"`
	PL        float64 `parquet:"pl"`
	Margin    float64 `parquet:"margin"`
	Available float64 `parquet:"available"`
}

func toRecord(s domain.AccountSnapshot) SnapshotRecord {
	return SnapshotRecord{
		Timestamp: s.Time.UnixMilli(),
		BrokerID:  s.BrokerID,
		AccountID: s.AccountID,
		Currency:  s.Currency,
		Balance:   s.Balance,
		PL:        s.PL,
		Margin:    s.Margin,
		Available: s.Available,
	}
}

func fromRecord(r SnapshotRecord) domain.AccountSnapshot {
	return domain.AccountSnapshot{
		Time:      time.UnixMilli(r.Timestamp).UTC(),
		BrokerID:  r.BrokerID,
		AccountID: r.AccountID,
		AccountInfo: domain.AccountInfo{
			Currency:  r.Currency,
			Balance:   r.Balance,
			PL:        r.PL,
			Margin:    r.Margin,
			Available: r.Available,
		},
	}
}

// ---------------------------------------------------------------------------
// SnapshotArchive implementation
// ---------------------------------------------------------------------------

// AppendSnapshot merges snap into the file for its day. A snapshot with the
// same broker, account and timestamp replaces the stored one.
func (a *ParquetArchive) AppendSnapshot(_ context.Context, snap domain.AccountSnapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	path := a.snapshotPath(snap.Time)
	existing, err := readParquetFile[SnapshotRecord](path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	merged := mergeSnapshotRecords(existing, []SnapshotRecord{toRecord(snap)})
	if err := writeParquetFile(path, merged); err != nil {
		return fmt.Errorf("writing snapshot for %s/%s: %w", snap.BrokerID, snap.AccountID, err)
	}
	return nil
}

// ReadSnapshots returns snapshots within [start, end] sorted by time.
func (a *ParquetArchive) ReadSnapshots(_ context.Context, start, end time.Time) ([]domain.AccountSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []domain.AccountSnapshot
	startMs, endMs := start.UnixMilli(), end.UnixMilli()
	day := start.UTC().Truncate(24 * time.Hour)
	for !day.After(end.UTC()) {
		records, err := readParquetFile[SnapshotRecord](a.snapshotPath(day))
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			if r.Timestamp >= startMs && r.Timestamp <= endMs {
				out = append(out, fromRecord(r))
			}
		}
		day = day.Add(24 * time.Hour)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// snapshotPath returns the filesystem path for a day's snapshot file.
// Layout: <dataDir>/snapshots/<YYYY-MM-DD>.parquet
func (a *ParquetArchive) snapshotPath(t time.Time) string {
	return filepath.Join(a.DataDir, "snapshots", t.UTC().Format("2006-01-02")+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, records); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// readParquetFile returns no rows and no error when path does not exist.
func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeSnapshotRecords deduplicates by (broker, account, timestamp),
// preferring incoming records. Results are sorted by timestamp.
func mergeSnapshotRecords(existing, incoming []SnapshotRecord) []SnapshotRecord {
	type key struct {
		broker  string
		account string
		ts      int64
	}
	seen := make(map[key]SnapshotRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.BrokerID, r.AccountID, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.BrokerID, r.AccountID, r.Timestamp}] = r
	}

	merged := make([]SnapshotRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		if merged[i].BrokerID != merged[j].BrokerID {
			return merged[i].BrokerID < merged[j].BrokerID
		}
		return merged[i].AccountID < merged[j].AccountID
	})
	return merged
}
