package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/BartekS5/tabsync/internal/etl"
	"github.com/BartekS5/tabsync/internal/fetch"
	"github.com/spf13/cobra"
)

type LoadOptions struct {
	File        string
	RecordsPath string
	Table       string
	Postfix     string
	PrimaryKey  string
	Destination string
	BatchSize   int
	Workers     int
	Truncate    bool
}

func NewLoadCmd(a *app) *cobra.Command {
	opts := &LoadOptions{}

	cmd := &cobra.Command{
		Use:     "load",
		Short:   "Upsert a JSON file of records into a table",
		Example: `  tabsync load -f students.json -t students --postfix _2526 --pk id`,
		RunE: func(c *cobra.Command, args []string) error {
			return a.loadFile(c.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "JSON file holding the records")
	cmd.Flags().StringVar(&opts.RecordsPath, "records-path", "", "Dotted path to the records array inside the file (e.g. data.data)")
	cmd.Flags().StringVarP(&opts.Table, "table", "t", "", "Table base name")
	cmd.Flags().StringVar(&opts.Postfix, "postfix", "", "Table name postfix, e.g. _2526")
	cmd.Flags().StringVar(&opts.PrimaryKey, "pk", "id", "Primary key field")
	cmd.Flags().StringVarP(&opts.Destination, "destination", "d", "", "postgres, sqlserver or mongo")
	cmd.Flags().IntVarP(&opts.BatchSize, "batch-size", "b", 1000, "Rows per batch")
	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", etl.DefaultWorkers, "Concurrent batch writers")
	cmd.Flags().BoolVar(&opts.Truncate, "truncate", false, "Empty the table before loading")

	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("table")

	return cmd
}

func (a *app) loadFile(ctx context.Context, opts *LoadOptions) error {
	data, err := os.ReadFile(opts.File)
	if err != nil {
		return fmt.Errorf("failed to read records file: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var body any
	if err := dec.Decode(&body); err != nil {
		return fmt.Errorf("failed to parse records file: %w", err)
	}
	records, err := fetch.RecordsAt(body, opts.RecordsPath)
	if err != nil {
		return err
	}
	ext := etl.NewTransformer().ToExtract(opts.Table, records, opts.PrimaryKey)

	dest, closeFn, err := openDestination(ctx, a.cfg, pickDestination(opts.Destination, a.cfg, ""), opts.Workers)
	if err != nil {
		return err
	}
	defer closeFn()

	loader := etl.NewLoader(dest, a.log)
	loader.BatchSize = opts.BatchSize
	loader.Workers = opts.Workers
	loader.Truncate = opts.Truncate

	rep, err := loader.Load(ctx, ext, opts.Table, opts.Postfix, ext.PrimaryKey)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d rows, %d inserted, %d updated, %d failed batches\n",
		rep.Table, rep.Rows, rep.Inserted, rep.Updated, rep.FailedBatches)
	if !rep.OK() {
		return fmt.Errorf("%d of %d batches failed", rep.FailedBatches, len(rep.Batches))
	}
	return nil
}
