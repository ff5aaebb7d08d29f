package logger

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// RotationStats summarizes one RotateIfNeeded pass.
type RotationStats struct {
	FilesChecked int `json:"files_checked"`
	FilesRotated int `json:"files_rotated"`
	Errors       int `json:"errors"`
}

// Rotator rotates log files it does not write itself (the supervised
// processes' logs) once they exceed the size limit. The rotated file is
// renamed to a timestamped backup; backups beyond MaxBackups or older than
// MaxAgeDays are pruned. Writers holding the old file open must reopen by
// path.
type Rotator struct {
	cfg   Config
	files []string
	log   *slog.Logger
	lj    map[string]*lj.Logger // one per path so backup pruning runs once per file
}

// NewRotator watches files using the rotation limits of cfg.
func NewRotator(cfg Config, files []string, log *slog.Logger) *Rotator {
	if log == nil {
		log = slog.Default()
	}
	seen := make(map[string]bool, len(files))
	var uniq []string
	for _, f := range files {
		if f != "" && !seen[f] {
			seen[f] = true
			uniq = append(uniq, f)
		}
	}
	return &Rotator{cfg: cfg, files: uniq, log: log, lj: make(map[string]*lj.Logger)}
}

// Files returns the watched paths.
func (r *Rotator) Files() []string { return append([]string(nil), r.files...) }

// RotateIfNeeded checks every watched file. Missing files are skipped. Per
// file errors are counted and joined into the returned error.
func (r *Rotator) RotateIfNeeded() (RotationStats, error) {
	var st RotationStats
	var errs []error
	limit := int64(valOr(r.cfg.MaxSizeMB, DefaultMaxSizeMB)) * 1024 * 1024
	for _, path := range r.files {
		fi, err := os.Stat(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				st.Errors++
				errs = append(errs, err)
			}
			continue
		}
		st.FilesChecked++
		if fi.Size() < limit {
			continue
		}
		if err := r.rotate(path); err != nil {
			st.Errors++
			errs = append(errs, fmt.Errorf("rotate %s: %w", path, err))
			continue
		}
		st.FilesRotated++
		r.log.Info("log file rotated", "file", path, "size", fi.Size())
	}
	return st, errors.Join(errs...)
}

func (r *Rotator) rotate(path string) error {
	l, ok := r.lj[path]
	if !ok {
		l = r.cfg.lumberjack(path)
		r.lj[path] = l
	}
	if err := l.Rotate(); err != nil {
		return err
	}
	return l.Close()
}
