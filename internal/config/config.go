// Package config handles loading the application settings: connection
// details from the environment (populated from .env in main.go), the
// optional credentials JSON file, and the pipelines YAML file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BartekS5/tabsync/pkg/database"
)

const (
	DestinationPostgres  = "postgres"
	DestinationSQLServer = "sqlserver"
	DestinationMongo     = "mongo"
)

// Config holds all configuration for the application,
// typically loaded from environment variables.
type Config struct {
	// Destination overrides the destination named in the pipelines file.
	Destination string

	Postgres    database.PostgresParams
	PostgresDSN string

	SQLConnString   string
	MongoConnString string
	MongoDatabase   string

	LogFile  string
	LogLevel string
}

// LoadConfig loads application settings from environment variables. No
// variable is required here; Validate checks what a destination needs.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Destination:     strings.ToLower(strings.TrimSpace(os.Getenv("TABSYNC_DESTINATION"))),
		PostgresDSN:     os.Getenv("PG_DSN"),
		SQLConnString:   os.Getenv("SQL_CONNECTION_STRING"),
		MongoConnString: os.Getenv("MONGO_CONNECTION_STRING"),
		MongoDatabase:   os.Getenv("MONGO_DATABASE"),
		LogFile:         os.Getenv("LOG_FILE"),
		LogLevel:        os.Getenv("LOG_LEVEL"),
		Postgres: database.PostgresParams{
			Host:     os.Getenv("PG_HOST"),
			Database: os.Getenv("PG_DATABASE"),
			User:     os.Getenv("PG_USER"),
			Password: os.Getenv("PG_PASSWORD"),
		},
	}
	if p := os.Getenv("PG_PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("PG_PORT %q is not a number", p)
		}
		cfg.Postgres.Port = port
	}
	return cfg, nil
}

// ApplyCredentials reads a {"host","port","database","user","password"}
// JSON file and lets its non-empty fields override the Postgres settings.
func (c *Config) ApplyCredentials(path string) error {
	creds, err := LoadCredentials(path)
	if err != nil {
		return err
	}
	if creds.Host != "" {
		c.Postgres.Host = creds.Host
	}
	if creds.Port != 0 {
		c.Postgres.Port = creds.Port
	}
	if creds.Database != "" {
		c.Postgres.Database = creds.Database
	}
	if creds.User != "" {
		c.Postgres.User = creds.User
	}
	if creds.Password != "" {
		c.Postgres.Password = creds.Password
	}
	return nil
}

func LoadCredentials(path string) (*database.PostgresParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file '%s': %w", path, err)
	}
	var creds database.PostgresParams
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file '%s': %w", path, err)
	}
	return &creds, nil
}

// PostgresConnString prefers PG_DSN over the individual parameters.
func (c *Config) PostgresConnString() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}
	if c.Postgres.Host == "" || c.Postgres.Database == "" || c.Postgres.User == "" {
		return "", errors.New("postgres connection not configured: set PG_DSN or PG_HOST, PG_DATABASE and PG_USER")
	}
	return c.Postgres.DSN(), nil
}

// Validate checks that the settings needed by destination are present.
func (c *Config) Validate(destination string) error {
	switch destination {
	case DestinationPostgres:
		_, err := c.PostgresConnString()
		return err
	case DestinationSQLServer:
		if c.SQLConnString == "" {
			return errors.New("SQL_CONNECTION_STRING environment variable not set")
		}
	case DestinationMongo:
		if c.MongoConnString == "" {
			return errors.New("MONGO_CONNECTION_STRING environment variable not set")
		}
		if c.MongoDatabase == "" {
			return errors.New("MONGO_DATABASE environment variable not set")
		}
	default:
		return fmt.Errorf("unknown destination %q (want %s, %s or %s)",
			destination, DestinationPostgres, DestinationSQLServer, DestinationMongo)
	}
	return nil
}
