package etl

import (
	"context"
	"fmt"
	"strings"

	"github.com/BartekS5/tabsync/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDestination upserts with INSERT ... ON CONFLICT, using
// RETURNING (xmax = 0) to tell inserts from updates.
type PostgresDestination struct {
	Pool *pgxpool.Pool
}

func NewPostgresDestination(pool *pgxpool.Pool) *PostgresDestination {
	return &PostgresDestination{Pool: pool}
}

func postgresType(k models.Kind) string {
	switch k {
	case models.KindInteger:
		return "BIGINT"
	case models.KindFloat:
		return "DOUBLE PRECISION"
	case models.KindTimestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

func pgIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// CreateTableSQL renders the provisioning statement for desc.
func (d *PostgresDestination) CreateTableSQL(desc models.TableDescriptor) string {
	defs := make([]string, len(desc.Columns))
	for i, c := range desc.Columns {
		defs[i] = fmt.Sprintf("    %s %s", pgIdent(c.Name), postgresType(c.Kind))
		if c.Name == desc.PrimaryKey {
			defs[i] += " PRIMARY KEY"
		}
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n)", pgIdent(desc.Name), strings.Join(defs, ",\n"))
}

// UpsertSQL renders the per-row upsert for desc.
func (d *PostgresDestination) UpsertSQL(desc models.TableDescriptor) string {
	cols := desc.ColumnNames()
	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgIdent(c)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	updateCols := desc.NonKeyColumns()
	if len(updateCols) == 0 {
		// key-only table: a no-op assignment keeps RETURNING firing on conflict
		updateCols = []string{desc.PrimaryKey}
	}
	sets := make([]string, len(updateCols))
	for i, c := range updateCols {
		sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", pgIdent(c), pgIdent(c))
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s RETURNING (xmax = 0) AS inserted",
		pgIdent(desc.Name), strings.Join(quoted, ", "), strings.Join(placeholders, ", "),
		pgIdent(desc.PrimaryKey), strings.Join(sets, ", "),
	)
}

func (d *PostgresDestination) Provision(ctx context.Context, desc models.TableDescriptor) error {
	_, err := d.Pool.Exec(ctx, d.CreateTableSQL(desc))
	return err
}

func (d *PostgresDestination) Truncate(ctx context.Context, table string) error {
	_, err := d.Pool.Exec(ctx, "TRUNCATE TABLE "+pgIdent(table))
	return err
}

func (d *PostgresDestination) WriteBatch(ctx context.Context, desc models.TableDescriptor, rows [][]models.Value) (BatchCounts, error) {
	var counts BatchCounts
	if len(rows) == 0 {
		return counts, nil
	}

	conn, err := d.Pool.Acquire(ctx)
	if err != nil {
		return counts, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return counts, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := d.UpsertSQL(desc)
	b := &pgx.Batch{}
	for _, row := range rows {
		b.Queue(query, desc.Coerce(row)...)
	}

	br := tx.SendBatch(ctx, b)
	for i := range rows {
		var inserted bool
		if err := br.QueryRow().Scan(&inserted); err != nil {
			_ = br.Close()
			return BatchCounts{}, fmt.Errorf("upsert row %d: %w", i, err)
		}
		if inserted {
			counts.Inserted++
		} else {
			counts.Updated++
		}
	}
	if err := br.Close(); err != nil {
		return BatchCounts{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return BatchCounts{}, fmt.Errorf("commit: %w", err)
	}
	return counts, nil
}
