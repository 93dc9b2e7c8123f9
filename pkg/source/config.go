// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

// Package source claims pending rows from configured upstream databases,
// fetches their bodies from the source object store, and reports packing
// outcomes back.
package source

import (
	"os"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"gopkg.in/yaml.v3"
)

var (
	mon = monkit.Package()

	// Error is the source error class.
	Error = errs.Class("source")

	// ErrConfig is returned for invalid source configuration. Fatal at
	// startup.
	ErrConfig = errs.Class("source config")
)

// Dialect selects the SQL flavor of a source database.
type Dialect string

// Supported dialects.
const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	MSSQL    Dialect = "mssql"
	Oracle   Dialect = "oracle"
	SQLite   Dialect = "sqlite" // single-node deployments and tests
)

func (d Dialect) valid() bool {
	switch d {
	case Postgres, MySQL, MSSQL, Oracle, SQLite:
		return true
	}
	return false
}

// driverName maps a dialect to its registered database/sql driver.
func (d Dialect) driverName() string {
	switch d {
	case Postgres:
		return "postgres"
	case MySQL:
		return "mysql"
	case MSSQL:
		return "sqlserver"
	case Oracle:
		return "oracle"
	case SQLite:
		return "sqlite3"
	}
	return string(d)
}

// ColumnMapping maps the source table's columns onto the pending-file row
// contract.
type ColumnMapping struct {
	ID        string `yaml:"id"`
	Bucket    string `yaml:"bucket"`
	Key       string `yaml:"key"`
	SizeBytes string `yaml:"size_bytes"`
	Status    string `yaml:"status"`
	CreatedAt string `yaml:"created_at"`

	// ShardKey, when set, routes the row by this column instead of Key.
	ShardKey string `yaml:"shard_key"`

	// Name, when set, carries a pre-stamped archive name. Rows without
	// one get a generated name.
	Name string `yaml:"name"`

	// ClaimedBy and ClaimedAt record claim ownership when the table has
	// such columns; without them claims cannot time out in SQL.
	ClaimedBy string `yaml:"claimed_by"`
	ClaimedAt string `yaml:"claimed_at"`

	// ContainerID, when set, records which container a claimed row is
	// being packed into. Recovery uses the stamp to tell a claim whose
	// container committed from one whose work was lost; without it a
	// crashed commit can end in a duplicate pack.
	ContainerID string `yaml:"container_id"`
}

// Config describes one source database.
type Config struct {
	Name    string  `yaml:"name"`
	Dialect Dialect `yaml:"dialect"`
	DSN     string  `yaml:"dsn"`
	Schema  string  `yaml:"schema"`
	Table   string  `yaml:"table"`

	Columns ColumnMapping `yaml:"columns"`

	StatusPending string `yaml:"status_pending_value"`
	StatusClaimed string `yaml:"status_claimed_value"`
	StatusPacked  string `yaml:"status_packed_value"`
	StatusFailed  string `yaml:"status_failed_value"`

	ShardBits    uint `yaml:"shard_bits"`
	BatchSize    int  `yaml:"batch_size"`
	ClaimTimeout int  `yaml:"claim_timeout_seconds"`

	// MetadataColumns maps result-meta keys to source columns carried
	// into each packed file's metadata blob.
	MetadataColumns map[string]string `yaml:"metadata_columns"`

	// WhereClause is an extra SQL predicate ANDed into the claim query.
	WhereClause string `yaml:"where_clause"`

	Disabled bool `yaml:"disabled"`
}

// MultiConfig is the on-disk shape of the source descriptor file.
type MultiConfig struct {
	Sources []Config `yaml:"sources"`
}

// LoadConfig reads and validates a YAML source descriptor file.
func LoadConfig(path string) (MultiConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return MultiConfig{}, ErrConfig.Wrap(err)
	}
	var config MultiConfig
	if err := yaml.Unmarshal(raw, &config); err != nil {
		return MultiConfig{}, ErrConfig.Wrap(err)
	}
	for i := range config.Sources {
		if err := config.Sources[i].validate(); err != nil {
			return MultiConfig{}, err
		}
	}
	return config, nil
}

// Enabled returns the sources that are not disabled.
func (m MultiConfig) Enabled() []Config {
	var enabled []Config
	for _, source := range m.Sources {
		if !source.Disabled {
			enabled = append(enabled, source)
		}
	}
	return enabled
}

func (c *Config) validate() error {
	switch {
	case c.Name == "":
		return ErrConfig.New("source has no name")
	case !c.Dialect.valid():
		return ErrConfig.New("source %s: unknown dialect %q", c.Name, c.Dialect)
	case c.DSN == "":
		return ErrConfig.New("source %s: dsn is required", c.Name)
	case c.Table == "":
		return ErrConfig.New("source %s: table is required", c.Name)
	case c.ShardBits == 0 || c.ShardBits > 32:
		return ErrConfig.New("source %s: shard_bits must be in [1, 32]", c.Name)
	}
	for field, value := range map[string]string{
		"columns.id":         c.Columns.ID,
		"columns.bucket":     c.Columns.Bucket,
		"columns.key":        c.Columns.Key,
		"columns.size_bytes": c.Columns.SizeBytes,
		"columns.status":     c.Columns.Status,
	} {
		if value == "" {
			return ErrConfig.New("source %s: %s is required", c.Name, field)
		}
	}
	for field, value := range map[string]string{
		"status_pending_value": c.StatusPending,
		"status_claimed_value": c.StatusClaimed,
		"status_packed_value":  c.StatusPacked,
		"status_failed_value":  c.StatusFailed,
	} {
		if value == "" {
			return ErrConfig.New("source %s: %s is required", c.Name, field)
		}
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 300
	}
	return nil
}

// claimTimeout returns the configured claim timeout as a duration.
func (c *Config) claimTimeout() time.Duration {
	return time.Duration(c.ClaimTimeout) * time.Second
}

// tableRef returns the schema-qualified table name.
func (c *Config) tableRef() string {
	if c.Schema != "" {
		return c.Schema + "." + c.Table
	}
	return c.Table
}
