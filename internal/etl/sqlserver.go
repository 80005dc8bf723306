package etl

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/BartekS5/tabsync/pkg/models"
)

// SQLServerDestination upserts through MERGE and counts the $action
// reported by OUTPUT.
type SQLServerDestination struct {
	DB *sql.DB
}

func NewSQLServerDestination(db *sql.DB) *SQLServerDestination {
	return &SQLServerDestination{DB: db}
}

func sqlServerType(c models.ColumnDef, isKey bool) string {
	switch c.Kind {
	case models.KindInteger:
		return "BIGINT"
	case models.KindFloat:
		return "FLOAT"
	case models.KindTimestamp:
		return "DATETIME2"
	default:
		// index keys are capped at 900 bytes
		if isKey {
			return "NVARCHAR(450)"
		}
		return "NVARCHAR(MAX)"
	}
}

func msIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (d *SQLServerDestination) CreateTableSQL(desc models.TableDescriptor) string {
	defs := make([]string, len(desc.Columns))
	for i, c := range desc.Columns {
		isKey := c.Name == desc.PrimaryKey
		defs[i] = fmt.Sprintf("    %s %s", msIdent(c.Name), sqlServerType(c, isKey))
		if isKey {
			defs[i] += " NOT NULL PRIMARY KEY"
		}
	}
	name := strings.ReplaceAll(desc.Name, "'", "''")
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL\nCREATE TABLE %s (\n%s\n)",
		name, msIdent(desc.Name), strings.Join(defs, ",\n"))
}

func (d *SQLServerDestination) MergeSQL(desc models.TableDescriptor) string {
	cols := desc.ColumnNames()
	quoted := make([]string, len(cols))
	params := make([]string, len(cols))
	sourceCols := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = msIdent(c)
		params[i] = fmt.Sprintf("@p%d", i+1)
		sourceCols[i] = "source." + msIdent(c)
	}

	var sets []string
	for _, c := range desc.NonKeyColumns() {
		sets = append(sets, fmt.Sprintf("target.%s = source.%s", msIdent(c), msIdent(c)))
	}
	pk := msIdent(desc.PrimaryKey)
	if len(sets) == 0 {
		sets = []string{fmt.Sprintf("target.%s = source.%s", pk, pk)}
	}

	return fmt.Sprintf(
		"MERGE INTO %s WITH (HOLDLOCK) AS target USING (VALUES (%s)) AS source (%s) ON target.%s = source.%s "+
			"WHEN MATCHED THEN UPDATE SET %s "+
			"WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s) OUTPUT $action;",
		msIdent(desc.Name), strings.Join(params, ", "), strings.Join(quoted, ", "), pk, pk,
		strings.Join(sets, ", "),
		strings.Join(quoted, ", "), strings.Join(sourceCols, ", "),
	)
}

func (d *SQLServerDestination) Provision(ctx context.Context, desc models.TableDescriptor) error {
	_, err := d.DB.ExecContext(ctx, d.CreateTableSQL(desc))
	return err
}

func (d *SQLServerDestination) Truncate(ctx context.Context, table string) error {
	_, err := d.DB.ExecContext(ctx, "TRUNCATE TABLE "+msIdent(table))
	return err
}

func (d *SQLServerDestination) WriteBatch(ctx context.Context, desc models.TableDescriptor, rows [][]models.Value) (BatchCounts, error) {
	var counts BatchCounts
	if len(rows) == 0 {
		return counts, nil
	}

	conn, err := d.DB.Conn(ctx)
	if err != nil {
		return counts, fmt.Errorf("open connection: %w", err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return counts, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, d.MergeSQL(desc))
	if err != nil {
		return counts, fmt.Errorf("prepare merge: %w", err)
	}
	defer stmt.Close()

	for i, row := range rows {
		var action string
		if err := stmt.QueryRowContext(ctx, desc.Coerce(row)...).Scan(&action); err != nil {
			return BatchCounts{}, fmt.Errorf("merge row %d: %w", i, err)
		}
		switch action {
		case "INSERT":
			counts.Inserted++
		case "UPDATE":
			counts.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return BatchCounts{}, fmt.Errorf("commit: %w", err)
	}
	return counts, nil
}
