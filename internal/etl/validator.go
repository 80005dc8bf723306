package etl

import (
	"fmt"

	"github.com/BartekS5/tabsync/pkg/models"
)

// ValidateExtract checks the shape an extract must have before it is
// loaded: a present primary-key column, rows as wide as the column
// list and non-null keys.
func ValidateExtract(e *models.Extract) error {
	if e == nil {
		return fmt.Errorf("extract is nil")
	}
	if len(e.Columns) == 0 {
		return fmt.Errorf("extract %s has no columns", e.Name)
	}
	seen := make(map[string]struct{}, len(e.Columns))
	for _, c := range e.Columns {
		if c == "" {
			return fmt.Errorf("extract %s has an unnamed column", e.Name)
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("extract %s has duplicate column %q", e.Name, c)
		}
		seen[c] = struct{}{}
	}

	pk := e.ColumnIndex(e.PrimaryKey)
	if pk < 0 {
		return fmt.Errorf("missing required primary key column: %q", e.PrimaryKey)
	}
	for i, row := range e.Rows {
		if len(row) != len(e.Columns) {
			return fmt.Errorf("extract %s row %d has %d values, want %d", e.Name, i, len(row), len(e.Columns))
		}
		if row[pk].Null {
			return fmt.Errorf("extract %s row %d has a null primary key", e.Name, i)
		}
	}
	return nil
}
