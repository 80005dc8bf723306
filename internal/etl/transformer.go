package etl

import (
	"sort"
	"strings"
	"time"

	"github.com/BartekS5/tabsync/pkg/models"
	"github.com/BartekS5/tabsync/pkg/utils"
)

// FetchedColumn is stamped on every row with the time of the run.
const FetchedColumn = "fetched_timestamp"

// Transformer turns decoded API records into a Tabular Extract. Nested
// objects are flattened into parent__child columns and arrays are kept as
// JSON text. Column names are snake_cased.
type Transformer struct {
	// Now stamps FetchedColumn; defaults to time.Now.
	Now func() time.Time
}

func NewTransformer() *Transformer {
	return &Transformer{Now: time.Now}
}

// ToExtract builds an extract named name keyed on primaryKey, which is
// given as it appears in the records and snake_cased like every column.
func (t *Transformer) ToExtract(name string, records []map[string]any, primaryKey string) *models.Extract {
	now := t.now().UTC().Truncate(time.Second)

	flat := make([]map[string]any, len(records))
	seen := map[string]bool{}
	var columns []string
	for i, rec := range records {
		row := map[string]any{}
		flatten("", rec, row)
		flat[i] = row

		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}

	pk := utils.ToSnakeCase(primaryKey)
	columns = keyFirst(columns, pk)
	if !seen[FetchedColumn] {
		columns = append(columns, FetchedColumn)
	}

	ext := &models.Extract{Name: name, Columns: columns, PrimaryKey: pk}
	for _, row := range flat {
		out := make([]models.Value, len(columns))
		for j, c := range columns {
			raw, ok := row[c]
			switch {
			case c == FetchedColumn && !ok:
				out[j] = models.Timestamp(now)
			case !ok:
				out[j] = models.Null()
			default:
				out[j] = cellValue(c, raw)
			}
		}
		ext.Rows = append(ext.Rows, out)
	}
	return ext
}

func (t *Transformer) now() time.Time {
	if t.Now == nil {
		return time.Now()
	}
	return t.Now()
}

// flatten writes in into out under snake_cased keys. When two keys map to
// the same column the first in flattenOrder keeps it.
func flatten(prefix string, in map[string]any, out map[string]any) {
	for _, k := range flattenOrder(in) {
		key := utils.ToSnakeCase(k)
		if prefix != "" {
			key = prefix + "__" + key
		}
		v := in[k]
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			flatten(key, nested, out)
			continue
		}
		if _, taken := out[key]; taken {
			continue
		}
		out[key] = v
	}
}

// flattenOrder lists keys already in snake_case first, then the rest,
// each group sorted.
func flattenOrder(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		si := utils.ToSnakeCase(keys[i]) == keys[i]
		sj := utils.ToSnakeCase(keys[j]) == keys[j]
		if si != sj {
			return si
		}
		return keys[i] < keys[j]
	})
	return keys
}

func keyFirst(columns []string, pk string) []string {
	for i, c := range columns {
		if c == pk {
			out := make([]string, 0, len(columns))
			out = append(out, pk)
			out = append(out, columns[:i]...)
			return append(out, columns[i+1:]...)
		}
	}
	return columns
}

// cellValue converts one raw field. Strings in timestamp-named columns are
// parsed so the column infers as a timestamp.
func cellValue(column string, raw any) models.Value {
	if s, ok := raw.(string); ok {
		if strings.TrimSpace(s) == "" && strings.Contains(column, "timestamp") {
			return models.Null()
		}
		if strings.Contains(column, "timestamp") {
			if ts, err := utils.ConvertDateTime(s); err == nil {
				return models.Timestamp(ts.UTC())
			}
		}
	}
	return utils.ToValue(raw)
}
