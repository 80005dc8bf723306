package etl

import (
	"context"

	"github.com/BartekS5/tabsync/pkg/models"
)

// Destination is a store the Loader can provision and upsert into.
type Destination interface {
	// Provision creates the table described by desc if it does not exist.
	// An existing table is left untouched.
	Provision(ctx context.Context, desc models.TableDescriptor) error

	// WriteBatch upserts rows keyed on desc.PrimaryKey as one atomic
	// operation on a connection of its own.
	WriteBatch(ctx context.Context, desc models.TableDescriptor, rows [][]models.Value) (BatchCounts, error)
}

// Truncater is implemented by destinations that can empty a table.
type Truncater interface {
	Truncate(ctx context.Context, table string) error
}

// BatchCounts splits a batch's rows by which branch of the upsert fired.
type BatchCounts struct {
	Inserted int
	Updated  int
}
