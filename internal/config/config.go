package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	MySQL     MySQLConfig     `yaml:"mysql"`
	NATS      NATSConfig      `yaml:"nats"`
	Processor ProcessorConfig `yaml:"processor"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type PipelineConfig struct {
	DataChangeDebounce time.Duration `yaml:"data_change_debounce"`
	RowAddDebounce     time.Duration `yaml:"row_add_debounce"`
	HistoryMaxEntries  int           `yaml:"history_max_entries"` // 0 = unlimited
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

type MySQLConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	User         string   `yaml:"user"`
	Password     string   `yaml:"password"`
	Database     string   `yaml:"database"`
	Tables       []string `yaml:"tables"`        // grid tables events may write to
	ScopeColumns []string `yaml:"scope_columns"` // scope keys that name a parent column
	IDColumn     string   `yaml:"id_column"`
	PositionCol  string   `yaml:"position_column"`
	GroupColumn  string   `yaml:"group_column"`
	GroupsTable  string   `yaml:"groups_table"`
	MarkupsTable string   `yaml:"markups_table"`
	SkipCheck    bool     `yaml:"skip_check"` // skip the startup privilege check
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	Subject       string        `yaml:"subject"`        // outbound notifications: <subject>.<event type>
	EventsSubject string        `yaml:"events_subject"` // inbound grid events: <events_subject>.<session>
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// ProcessorConfig configures the transformation of outbound notifications
type ProcessorConfig struct {
	Enabled bool            `yaml:"enabled"`
	Script  string          `yaml:"script"` // JavaScript file exporting a transform function
	Rules   []TransformRule `yaml:"rules"`
}

// TransformRule filters and renames fields of notifications for one table
type TransformRule struct {
	Table     string            `yaml:"table"` // empty = all tables
	Include   []string          `yaml:"include"`
	Exclude   []string          `yaml:"exclude"`
	Rename    map[string]string `yaml:"rename"`
	AddFields map[string]string `yaml:"add_fields"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Pipeline.DataChangeDebounce == 0 {
		c.Pipeline.DataChangeDebounce = 200 * time.Millisecond
	}
	if c.Pipeline.RowAddDebounce == 0 {
		c.Pipeline.RowAddDebounce = 500 * time.Millisecond
	}
	if c.Pipeline.ShutdownTimeout == 0 {
		c.Pipeline.ShutdownTimeout = 10 * time.Second
	}
	if c.MySQL.Port == 0 {
		c.MySQL.Port = 3306
	}
	if c.MySQL.IDColumn == "" {
		c.MySQL.IDColumn = "id"
	}
	if c.MySQL.PositionCol == "" {
		c.MySQL.PositionCol = "position"
	}
	if c.MySQL.GroupColumn == "" {
		c.MySQL.GroupColumn = "group_id"
	}
	if c.MySQL.ScopeColumns == nil {
		c.MySQL.ScopeColumns = []string{"parent_id"}
	}
	if c.MySQL.GroupsTable == "" {
		c.MySQL.GroupsTable = "grid_groups"
	}
	if c.MySQL.MarkupsTable == "" {
		c.MySQL.MarkupsTable = "grid_markups"
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "grid.changes"
	}
	if c.NATS.EventsSubject == "" {
		c.NATS.EventsSubject = "grid.events"
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks settings that have no usable default
func (c *Config) Validate() error {
	if c.MySQL.Host == "" {
		return fmt.Errorf("mysql.host is required")
	}
	if c.MySQL.Database == "" {
		return fmt.Errorf("mysql.database is required")
	}
	if len(c.MySQL.Tables) == 0 {
		return fmt.Errorf("mysql.tables must list at least one table")
	}
	if c.Pipeline.DataChangeDebounce < 0 || c.Pipeline.RowAddDebounce < 0 {
		return fmt.Errorf("pipeline debounce windows must not be negative")
	}
	if c.Pipeline.HistoryMaxEntries < 0 {
		return fmt.Errorf("pipeline.history_max_entries must not be negative")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}
