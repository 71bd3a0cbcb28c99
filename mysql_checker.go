package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"gridsync/internal/config"
	"gridsync/internal/store"
)

// MySQLChecker validates the MySQL connection and the privileges the grid
// handlers need
type MySQLChecker struct {
	cfg    config.MySQLConfig
	logger *logrus.Logger
}

// NewMySQLChecker creates a new MySQL checker
func NewMySQLChecker(cfg config.MySQLConfig, logger *logrus.Logger) *MySQLChecker {
	return &MySQLChecker{cfg: cfg, logger: logger}
}

// CheckConnectionAndPermissions verifies the connection, the DML privileges
// on the configured database and the presence of the grid and document tables
func (c *MySQLChecker) CheckConnectionAndPermissions(ctx context.Context) error {
	db, err := sql.Open("mysql", store.DSN(c.cfg))
	if err != nil {
		return fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to MySQL server: %w", err)
	}

	c.logger.Info("Successfully connected to MySQL server")

	// SHOW GRANTS can return multiple rows
	var allGrants strings.Builder
	rows, err := db.QueryContext(ctx, "SHOW GRANTS FOR CURRENT_USER()")
	if err != nil {
		rows, err = db.QueryContext(ctx, "SHOW GRANTS")
		if err != nil {
			return fmt.Errorf("failed to check grants: %w", err)
		}
	}
	defer rows.Close()

	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			return fmt.Errorf("failed to scan grant: %w", err)
		}
		if allGrants.Len() > 0 {
			allGrants.WriteString("; ")
		}
		allGrants.WriteString(grant)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating grants: %w", err)
	}

	grantsStr := allGrants.String()
	if missing := missingPrivileges(grantsStr); len(missing) > 0 {
		return fmt.Errorf("missing required permissions: %s. Current grants: %s", strings.Join(missing, ", "), grantsStr)
	}

	c.logger.Info("All required permissions verified")

	tables := append([]string{c.cfg.GroupsTable, c.cfg.MarkupsTable}, c.cfg.Tables...)
	for _, table := range tables {
		var n int
		err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = ? AND table_name = ?",
			c.cfg.Database, table).Scan(&n)
		if err != nil {
			c.logger.Warnf("Could not verify table %s: %v", table, err)
			continue
		}
		if n == 0 {
			return fmt.Errorf("table %s.%s does not exist", c.cfg.Database, table)
		}
	}

	return nil
}

// missingPrivileges lists the DML privileges absent from grants
func missingPrivileges(grants string) []string {
	upper := strings.ToUpper(grants)
	if strings.Contains(upper, "ALL PRIVILEGES") {
		return nil
	}
	var missing []string
	for _, priv := range []string{"SELECT", "INSERT", "UPDATE", "DELETE"} {
		if !strings.Contains(upper, priv) {
			missing = append(missing, priv)
		}
	}
	return missing
}
