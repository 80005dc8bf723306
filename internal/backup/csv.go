// Package backup keeps a CSV copy of every extract before it is loaded.
package backup

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BartekS5/tabsync/pkg/models"
)

const fileTimeLayout = "2006_01_02_15-04-05"

// Writer saves extracts as <dir>/<name>__<time>.csv.
type Writer struct {
	Dir string
	// Location sets the clock the file names use; defaults to UTC.
	Location *time.Location
	Now      func() time.Time
	Logger   *slog.Logger
}

func NewWriter(dir string, logger *slog.Logger) *Writer {
	return &Writer{Dir: dir, Location: time.UTC, Now: time.Now, Logger: logger}
}

// FileName returns the backup file name for an extract saved at t.
func FileName(name string, t time.Time) string {
	if name == "" {
		name = "unidentified"
	}
	return fmt.Sprintf("%s__%s.csv", name, t.Format(fileTimeLayout))
}

// Save writes ext to a new timestamped file and returns its path.
func (w *Writer) Save(ext *models.Extract) (string, error) {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	path := filepath.Join(w.Dir, FileName(ext.Name, now().In(loc)))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create backup file: %w", err)
	}
	if err := WriteCSV(f, ext); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write backup %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	if w.Logger != nil {
		w.Logger.Info("extract saved", "path", path, "rows", ext.Len(), "columns", len(ext.Columns))
	}
	return path, nil
}

// WriteCSV writes a header row followed by every row of ext. Null cells
// are empty.
func WriteCSV(out io.Writer, ext *models.Extract) error {
	cw := csv.NewWriter(out)
	if err := cw.Write(ext.Columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	rec := make([]string, len(ext.Columns))
	for i, row := range ext.Rows {
		if len(row) != len(ext.Columns) {
			return fmt.Errorf("row %d has %d values, want %d", i, len(row), len(ext.Columns))
		}
		for j, v := range row {
			rec[j] = v.String()
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
