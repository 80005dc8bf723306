package cli

import (
	"context"

	"github.com/BartekS5/tabsync/internal/config"
	"github.com/BartekS5/tabsync/internal/etl"
	"github.com/BartekS5/tabsync/pkg/database"
)

// openDestination connects to the named destination, sized for workers
// concurrent batch writers. The returned func releases the connection.
func openDestination(ctx context.Context, cfg *config.Config, name string, workers int) (etl.Destination, func(), error) {
	if err := cfg.Validate(name); err != nil {
		return nil, nil, err
	}

	switch name {
	case config.DestinationSQLServer:
		db, err := database.ConnectSQL(ctx, cfg.SQLConnString, workers)
		if err != nil {
			return nil, nil, err
		}
		return etl.NewSQLServerDestination(db), func() { _ = db.Close() }, nil

	case config.DestinationMongo:
		client, err := database.ConnectMongo(ctx, cfg.MongoConnString)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() { _ = client.Disconnect(context.Background()) }
		return etl.NewMongoDestination(client, cfg.MongoDatabase), closeFn, nil

	default:
		dsn, err := cfg.PostgresConnString()
		if err != nil {
			return nil, nil, err
		}
		pool, err := database.ConnectPostgres(ctx, dsn, workers)
		if err != nil {
			return nil, nil, err
		}
		return etl.NewPostgresDestination(pool), pool.Close, nil
	}
}

// pickDestination applies flag, then environment, then file precedence.
func pickDestination(flag string, cfg *config.Config, fromFile string) string {
	switch {
	case flag != "":
		return flag
	case cfg.Destination != "":
		return cfg.Destination
	case fromFile != "":
		return fromFile
	default:
		return config.DestinationPostgres
	}
}
