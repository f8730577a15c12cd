// Package backup persists every applied mapping to disk, laid out by date so
// operators can restore a day's worth of stubs after a mock-server wipe.
// Files are append-only: a backup is never rewritten once created.
package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/stub"
)

// backupVersion stamps every envelope so future format changes stay readable.
const backupVersion = "1.0"

// ErrTraversal rejects restore paths that try to escape the store root.
var ErrTraversal = errors.New("backup path escapes store root")

// Metadata describes one backup file from the inside.
type Metadata struct {
	BackupTimestamp string `json:"backup_timestamp"`
	MappingID       string `json:"mapping_id,omitempty"`
	MappingCount    int    `json:"mapping_count,omitempty"`
	BackupVersion   string `json:"backup_version"`
	BackupType      string `json:"backup_type,omitempty"`
}

// envelope is the on-disk document. Singles carry Mapping+Metadata, batches
// carry Mappings+BatchMetadata.
type envelope struct {
	Mapping       json.RawMessage   `json:"mapping,omitempty"`
	Mappings      []json.RawMessage `json:"mappings,omitempty"`
	Metadata      *Metadata         `json:"backup_metadata,omitempty"`
	BatchMetadata *Metadata         `json:"batch_metadata,omitempty"`
}

// Info describes one backup file for listings. FilePath is relative to the
// store root and is the handle Restore accepts.
type Info struct {
	FilePath     string    `json:"file_path"`
	FileName     string    `json:"file_name"`
	SizeBytes    int64     `json:"size_bytes"`
	CreatedAt    time.Time `json:"created_at"`
	IsCompressed bool      `json:"is_compressed"`
	IsBatch      bool      `json:"is_batch"`
	MappingID    string    `json:"mapping_id,omitempty"`
}

// Summary aggregates the whole store for the control surface.
type Summary struct {
	TotalFiles     int        `json:"total_files"`
	TotalSizeBytes int64      `json:"total_size_bytes"`
	TotalSizeMB    float64    `json:"total_size_mb"`
	OldestBackup   *time.Time `json:"oldest_backup,omitempty"`
	NewestBackup   *time.Time `json:"newest_backup,omitempty"`
	RetentionDays  int        `json:"retention_days"`
	Compress       bool       `json:"compress_backups"`
}

// Stats is the store's activity view for the stats endpoint.
type Stats struct {
	Created     int64      `json:"backups_created"`
	Failed      int64      `json:"backups_failed"`
	Cleaned     int64      `json:"backups_cleaned"`
	LastBackup  *time.Time `json:"last_backup,omitempty"`
	LastCleanup *time.Time `json:"last_cleanup,omitempty"`
}

// Store writes and reads backups under one root directory, organized as
// root/YYYY/MM/DD/<name>.json[.gz].
type Store struct {
	root          string
	compress      bool
	retentionDays int
	logger        *zap.Logger

	now func() time.Time

	mu    sync.Mutex
	stats Stats
}

// NewStore creates the root directory if needed and returns a ready store.
func NewStore(root string, compress bool, retentionDays int, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create backup root %s: %w", root, err)
	}
	return &Store{
		root:          root,
		compress:      compress,
		retentionDays: retentionDays,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// WriteStub backs up one mapping and returns the file's root-relative path.
func (s *Store) WriteStub(m *stub.Mapping) (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		s.countFailure()
		return "", fmt.Errorf("encode mapping %s: %w", m.ID, err)
	}

	ts := s.now().UTC()
	env := envelope{
		Mapping: raw,
		Metadata: &Metadata{
			BackupTimestamp: ts.Format(time.RFC3339Nano),
			MappingID:       m.ID,
			BackupVersion:   backupVersion,
		},
	}
	rel, err := s.write(m.ID, ts, env)
	if err != nil {
		s.countFailure()
		return "", err
	}
	s.countSuccess(ts)
	s.logger.Debug("mapping backed up", zap.String("mapping_id", m.ID), zap.String("file", rel))
	return rel, nil
}

// WriteBatch backs up a group of mappings as one file and returns its
// root-relative path.
func (s *Store) WriteBatch(mappings []*stub.Mapping) (string, error) {
	if len(mappings) == 0 {
		return "", errors.New("empty batch")
	}

	raws := make([]json.RawMessage, 0, len(mappings))
	for _, m := range mappings {
		raw, err := json.Marshal(m)
		if err != nil {
			s.countFailure()
			return "", fmt.Errorf("encode mapping %s: %w", m.ID, err)
		}
		raws = append(raws, raw)
	}

	ts := s.now().UTC()
	env := envelope{
		Mappings: raws,
		BatchMetadata: &Metadata{
			BackupTimestamp: ts.Format(time.RFC3339Nano),
			MappingCount:    len(mappings),
			BackupVersion:   backupVersion,
			BackupType:      "batch",
		},
	}
	rel, err := s.write("batch", ts, env)
	if err != nil {
		s.countFailure()
		return "", err
	}
	s.countSuccess(ts)
	s.logger.Debug("batch backed up", zap.Int("mappings", len(mappings)), zap.String("file", rel))
	return rel, nil
}

// write serializes the envelope into root/YYYY/MM/DD/<prefix>_<HHMMSS_micro>.
// O_EXCL guarantees append-only semantics; a same-microsecond collision is
// retried with a fresh timestamp.
func (s *Store) write(prefix string, ts time.Time, env envelope) (string, error) {
	payload, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode backup envelope: %w", err)
	}

	for attempt := 0; ; attempt++ {
		dir := filepath.Join(s.root, ts.Format("2006"), ts.Format("01"), ts.Format("02"))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create backup dir %s: %w", dir, err)
		}

		name := fmt.Sprintf("%s_%s_%06d.json", prefix, ts.Format("150405"), ts.Nanosecond()/1000)
		if s.compress {
			name += ".gz"
		}
		full := filepath.Join(dir, name)

		f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) && attempt < 3 {
			ts = time.Now().UTC()
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create backup file %s: %w", full, err)
		}

		if s.compress {
			gz := gzip.NewWriter(f)
			if _, err := gz.Write(payload); err != nil {
				gz.Close()
				f.Close()
				return "", fmt.Errorf("write backup %s: %w", full, err)
			}
			if err := gz.Close(); err != nil {
				f.Close()
				return "", fmt.Errorf("flush backup %s: %w", full, err)
			}
		} else if _, err := f.Write(payload); err != nil {
			f.Close()
			return "", fmt.Errorf("write backup %s: %w", full, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close backup %s: %w", full, err)
		}

		rel, err := filepath.Rel(s.root, full)
		if err != nil {
			return "", err
		}
		return filepath.ToSlash(rel), nil
	}
}

// Restore reads one backup file by its root-relative path and returns its
// mappings, validated. A single-mapping file yields a one-element slice.
func (s *Store) Restore(rel string) ([]*stub.Mapping, error) {
	full, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("open backup %s: %w", rel, err)
	}
	defer f.Close()

	var env envelope
	if strings.HasSuffix(full, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open compressed backup %s: %w", rel, err)
		}
		defer gz.Close()
		err = json.NewDecoder(gz).Decode(&env)
		if err != nil {
			return nil, fmt.Errorf("decode backup %s: %w", rel, err)
		}
	} else if err := json.NewDecoder(f).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode backup %s: %w", rel, err)
	}

	raws := env.Mappings
	if raws == nil && env.Mapping != nil {
		raws = []json.RawMessage{env.Mapping}
	}
	if len(raws) == 0 {
		return nil, fmt.Errorf("backup %s holds no mappings", rel)
	}

	out := make([]*stub.Mapping, 0, len(raws))
	for _, raw := range raws {
		m, err := stub.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("backup %s: %w", rel, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// List returns backups from the last days calendar days, newest first,
// optionally filtered to file names starting with mappingID.
func (s *Store) List(mappingID string, days int) ([]Info, error) {
	if days < 1 {
		days = 1
	}

	out := []Info{}
	now := s.now().UTC()
	for i := 0; i < days; i++ {
		day := now.AddDate(0, 0, -i)
		dir := filepath.Join(s.root, day.Format("2006"), day.Format("01"), day.Format("02"))

		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read backup dir %s: %w", dir, err)
		}

		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			if mappingID != "" && !strings.HasPrefix(name, mappingID) {
				continue
			}
			fi, err := e.Info()
			if err != nil {
				continue
			}

			info := Info{
				FilePath:     filepath.ToSlash(filepath.Join(day.Format("2006"), day.Format("01"), day.Format("02"), name)),
				FileName:     name,
				SizeBytes:    fi.Size(),
				CreatedAt:    fi.ModTime().UTC(),
				IsCompressed: strings.HasSuffix(name, ".gz"),
				IsBatch:      strings.HasPrefix(name, "batch_"),
			}
			if !info.IsBatch {
				info.MappingID = mappingIDFromName(name)
			}
			out = append(out, info)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Cleanup removes whole day directories older than the retention window and
// prunes emptied month and year directories. It returns the number of files
// removed. Retention of zero or less disables cleanup.
func (s *Store) Cleanup() (int, error) {
	if s.retentionDays <= 0 {
		return 0, nil
	}

	cutoff := s.now().UTC().AddDate(0, 0, -s.retentionDays)
	cutoffDay := time.Date(cutoff.Year(), cutoff.Month(), cutoff.Day(), 0, 0, 0, 0, time.UTC)
	removed := 0

	years, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("read backup root: %w", err)
	}
	for _, year := range years {
		if !year.IsDir() || !isDigits(year.Name()) {
			continue
		}
		yearPath := filepath.Join(s.root, year.Name())

		months, err := os.ReadDir(yearPath)
		if err != nil {
			continue
		}
		for _, month := range months {
			if !month.IsDir() || !isDigits(month.Name()) {
				continue
			}
			monthPath := filepath.Join(yearPath, month.Name())

			days, err := os.ReadDir(monthPath)
			if err != nil {
				continue
			}
			for _, day := range days {
				if !day.IsDir() || !isDigits(day.Name()) {
					continue
				}
				dirDate, err := time.Parse("2006/01/02", year.Name()+"/"+month.Name()+"/"+day.Name())
				if err != nil || !dirDate.Before(cutoffDay) {
					continue
				}

				dayPath := filepath.Join(monthPath, day.Name())
				files, err := os.ReadDir(dayPath)
				if err != nil {
					continue
				}
				for _, f := range files {
					if f.IsDir() {
						continue
					}
					if err := os.Remove(filepath.Join(dayPath, f.Name())); err == nil {
						removed++
					}
				}
				os.Remove(dayPath) // fails when non-empty, fine
			}
			os.Remove(monthPath)
		}
		os.Remove(yearPath)
	}

	if removed > 0 {
		now := s.now().UTC()
		s.mu.Lock()
		s.stats.Cleaned += int64(removed)
		s.stats.LastCleanup = &now
		s.mu.Unlock()
		s.logger.Info("backup cleanup completed",
			zap.Int("removed", removed),
			zap.Int("retention_days", s.retentionDays),
		)
	}
	return removed, nil
}

// Summary walks the whole store and aggregates file counts and sizes.
func (s *Store) Summary() (Summary, error) {
	sum := Summary{RetentionDays: s.retentionDays, Compress: s.compress}

	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		sum.TotalFiles++
		sum.TotalSizeBytes += fi.Size()

		mt := fi.ModTime().UTC()
		if sum.OldestBackup == nil || mt.Before(*sum.OldestBackup) {
			t := mt
			sum.OldestBackup = &t
		}
		if sum.NewestBackup == nil || mt.After(*sum.NewestBackup) {
			t := mt
			sum.NewestBackup = &t
		}
		return nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("walk backup root: %w", err)
	}

	sum.TotalSizeMB = float64(sum.TotalSizeBytes) / (1024 * 1024)
	return sum, nil
}

// Stats returns a snapshot of the store's write activity.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// resolve turns a root-relative path into an absolute one, refusing anything
// that would land outside the store.
func (s *Store) resolve(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", ErrTraversal
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", ErrTraversal
	}
	return filepath.Join(s.root, clean), nil
}

func (s *Store) countSuccess(ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Created++
	t := ts
	s.stats.LastBackup = &t
}

func (s *Store) countFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Failed++
}

// mappingIDFromName strips the trailing _HHMMSS_micro stamp and extension
// from a single-mapping backup file name.
func mappingIDFromName(name string) string {
	base := strings.TrimSuffix(strings.TrimSuffix(name, ".gz"), ".json")
	parts := strings.Split(base, "_")
	if len(parts) < 3 {
		return ""
	}
	return strings.Join(parts[:len(parts)-2], "_")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
