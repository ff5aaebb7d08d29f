// Package compression archives old files in a data directory with gzip once
// the directory grows past a threshold.
package compression

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Config controls when and what gets compressed.
type Config struct {
	Enabled     bool
	Dir         string
	Pattern     string        // glob relative to Dir; default "*.log"
	ThresholdMB int64         // compress only when matching files total at least this much
	MinAge      time.Duration // skip files modified more recently
	Level       int           // gzip level; 0 means default
}

// Result describes one compression pass that did work.
type Result struct {
	FilesCompressed int           `json:"files_compressed"`
	BytesBefore     int64         `json:"bytes_before"`
	BytesAfter      int64         `json:"bytes_after"`
	Ratio           float64       `json:"ratio"` // before/after
	Duration        time.Duration `json:"duration"`
}

// History aggregates passes.
type History struct {
	Total        int     `json:"total"`
	Successful   int     `json:"successful"`
	AverageRatio float64 `json:"average_ratio"`
}

// Manager runs compression passes and keeps their history.
type Manager struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	mu       sync.Mutex
	hist     History
	ratioSum float64
	ratioN   int
}

// New returns a Manager for cfg.
func New(cfg Config, log *slog.Logger) *Manager {
	if cfg.Pattern == "" {
		cfg.Pattern = "*.log"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{cfg: cfg, log: log, now: time.Now}
}

type candidate struct {
	path string
	size int64
	mod  time.Time
}

// CheckAndCompress compresses eligible files when the threshold is reached.
// It returns nil, nil when disabled or when there is nothing to do.
func (m *Manager) CheckAndCompress(ctx context.Context) (*Result, error) {
	if !m.cfg.Enabled || m.cfg.Dir == "" {
		return nil, nil
	}
	files, total, err := m.scan()
	if err != nil {
		return nil, err
	}
	if total < m.cfg.ThresholdMB*1024*1024 {
		return nil, nil
	}

	cutoff := m.now().Add(-m.cfg.MinAge)
	start := m.now()
	res := &Result{}
	var errs []error
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if f.mod.After(cutoff) {
			continue
		}
		after, err := m.compressFile(f.path)
		if err != nil {
			errs = append(errs, fmt.Errorf("compress %s: %w", f.path, err))
			continue
		}
		res.FilesCompressed++
		res.BytesBefore += f.size
		res.BytesAfter += after
	}
	res.Duration = m.now().Sub(start)
	if res.BytesAfter > 0 {
		res.Ratio = float64(res.BytesBefore) / float64(res.BytesAfter)
	}

	err = errors.Join(errs...)
	if res.FilesCompressed == 0 && err == nil {
		return nil, nil
	}
	m.record(res, err == nil)
	if res.FilesCompressed > 0 {
		m.log.Info("compression pass complete", "files", res.FilesCompressed,
			"before", res.BytesBefore, "after", res.BytesAfter, "ratio", fmt.Sprintf("%.1fx", res.Ratio))
	}
	if res.FilesCompressed == 0 {
		return nil, err
	}
	return res, err
}

func (m *Manager) scan() ([]candidate, int64, error) {
	matches, err := filepath.Glob(filepath.Join(m.cfg.Dir, m.cfg.Pattern))
	if err != nil {
		return nil, 0, fmt.Errorf("bad compression pattern %q: %w", m.cfg.Pattern, err)
	}
	var out []candidate
	var total int64
	for _, p := range matches {
		if strings.HasSuffix(p, ".gz") {
			continue
		}
		fi, err := os.Stat(p)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		total += fi.Size()
		out = append(out, candidate{path: p, size: fi.Size(), mod: fi.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].mod.Before(out[j].mod) })
	return out, total, nil
}

// compressFile writes path.gz and removes path, returning the compressed size.
func (m *Manager) compressFile(path string) (int64, error) {
	in, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	dst := path + ".gz"
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	level := m.cfg.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}
	zw, err := gzip.NewWriterLevel(out, level)
	if err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return 0, err
	}
	zw.Name = filepath.Base(path)
	if _, err := io.Copy(zw, in); err != nil {
		_ = zw.Close()
		_ = out.Close()
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	fi, err := os.Stat(dst)
	if err != nil {
		return 0, err
	}
	_ = in.Close()
	if err := os.Remove(path); err != nil {
		return fi.Size(), err
	}
	return fi.Size(), nil
}

func (m *Manager) record(res *Result, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hist.Total++
	if ok {
		m.hist.Successful++
	}
	if res.Ratio > 0 {
		m.ratioSum += res.Ratio
		m.ratioN++
		m.hist.AverageRatio = m.ratioSum / float64(m.ratioN)
	}
}

// History returns the aggregate of all passes that did work.
func (m *Manager) History() History {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hist
}
