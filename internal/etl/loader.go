package etl

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BartekS5/tabsync/pkg/models"
	"golang.org/x/sync/errgroup"
)

const DefaultWorkers = 4

// Loader provisions a destination table from an extract's inferred
// schema and upserts every row, batches running in parallel.
type Loader struct {
	Dest      Destination
	BatchSize int
	Workers   int
	// Truncate empties the table after provisioning. The destination
	// must implement Truncater.
	Truncate bool
	Logger   *slog.Logger
}

func NewLoader(dest Destination, logger *slog.Logger) *Loader {
	return &Loader{
		Dest:      dest,
		BatchSize: models.DefaultBatchSize,
		Workers:   DefaultWorkers,
		Logger:    logger,
	}
}

// BatchReport is the outcome of one batch. A failed batch contributes
// zero inserts and updates.
type BatchReport struct {
	Index    int
	FirstRow int
	Rows     int
	BatchCounts
	Err error
}

type LoadReport struct {
	Table         string
	Rows          int
	Batches       []BatchReport
	Inserted      int
	Updated       int
	FailedBatches int
	Duration      time.Duration
}

// OK reports whether every batch committed.
func (r *LoadReport) OK() bool { return r.FailedBatches == 0 }

func (r *LoadReport) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("table", r.Table),
		slog.Int("rows", r.Rows),
		slog.Int("batches", len(r.Batches)),
		slog.Int("inserted", r.Inserted),
		slog.Int("updated", r.Updated),
		slog.Int("failed_batches", r.FailedBatches),
	)
}

// Load writes ext into table base+postfix keyed on primaryKey. A returned
// error means nothing was written (invalid extract, provisioning or
// truncation failed); batch failures are reported in the LoadReport.
func (l *Loader) Load(ctx context.Context, ext *models.Extract, base, postfix, primaryKey string) (*LoadReport, error) {
	log := l.logger()
	start := time.Now()

	view := *ext
	if primaryKey != "" {
		view.PrimaryKey = primaryKey
	}
	if err := ValidateExtract(&view); err != nil {
		return nil, fmt.Errorf("load %s: %w", models.TableName(base, postfix), err)
	}

	desc, err := models.Describe(&view, base, postfix)
	if err != nil {
		return nil, err
	}
	log = log.With("table", desc.Name)
	for _, c := range desc.Columns {
		log.Debug("column type", "column", c.Name, "kind", c.Kind.String())
	}

	if err := l.Dest.Provision(ctx, desc); err != nil {
		return nil, fmt.Errorf("provision table %s: %w", desc.Name, err)
	}
	log.Info("table created or verified")

	if l.Truncate {
		tr, ok := l.Dest.(Truncater)
		if !ok {
			return nil, fmt.Errorf("destination %T cannot truncate %s", l.Dest, desc.Name)
		}
		if err := tr.Truncate(ctx, desc.Name); err != nil {
			return nil, fmt.Errorf("truncate table %s: %w", desc.Name, err)
		}
		log.Info("table truncated")
	}

	batchSize := l.BatchSize
	if batchSize <= 0 {
		batchSize = models.DefaultBatchSize
	}
	batches := view.Batches(batchSize)
	reports := make([]BatchReport, len(batches))

	var g errgroup.Group
	g.SetLimit(l.workers())
	for i, rows := range batches {
		i, rows := i, rows
		g.Go(func() error {
			rep := BatchReport{Index: i, FirstRow: i * batchSize, Rows: len(rows)}
			counts, err := l.Dest.WriteBatch(ctx, desc, rows)
			if err != nil {
				rep.Err = err
				log.Error("batch execution error",
					"batch", i, "first_row", rep.FirstRow, "rows", rep.Rows, "error", err)
			} else {
				rep.BatchCounts = counts
				log.Info("processed batch", "batch", i, "inserted", counts.Inserted, "updated", counts.Updated)
			}
			reports[i] = rep
			// a failed batch never cancels its siblings
			return nil
		})
	}
	_ = g.Wait()

	report := &LoadReport{Table: desc.Name, Rows: view.Len(), Batches: reports}
	for _, r := range reports {
		if r.Err != nil {
			report.FailedBatches++
			continue
		}
		report.Inserted += r.Inserted
		report.Updated += r.Updated
	}
	report.Duration = time.Since(start)

	if report.OK() {
		log.Info("load finished", "report", report)
	} else {
		log.Warn("load finished with failed batches", "report", report)
	}
	return report, nil
}

func (l *Loader) workers() int {
	if l.Workers <= 0 {
		return DefaultWorkers
	}
	return l.Workers
}

func (l *Loader) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}
