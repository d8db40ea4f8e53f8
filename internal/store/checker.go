package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Checker validates database connectivity and the privileges EchoDB needs.
type Checker struct {
	db     *sql.DB
	driver string
	logger *logrus.Logger
}

// NewChecker creates a checker over the store's connection pool.
func (s *Store) NewChecker() *Checker {
	return &Checker{db: s.db.DB, driver: s.dialect.driver, logger: s.logger}
}

// Check pings the database and, on MySQL, verifies DML grants. When
// replication is true it also verifies the grants and server settings the
// binlog watcher relies on.
func (c *Checker) Check(ctx context.Context, replication bool) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	c.logger.Info("Successfully connected to database")

	if c.driver != "mysql" {
		if replication {
			return fmt.Errorf("binlog watching requires the mysql driver, not %s", c.driver)
		}
		return nil
	}

	required := []string{"SELECT", "INSERT", "UPDATE", "DELETE"}
	if replication {
		required = append(required, "REPLICATION SLAVE", "REPLICATION CLIENT")
	}

	grants, err := c.grants(ctx)
	if err != nil {
		return err
	}
	upper := strings.ToUpper(grants)
	if !strings.Contains(upper, "ALL PRIVILEGES") {
		var missing []string
		for _, priv := range required {
			if !strings.Contains(upper, priv) {
				missing = append(missing, priv)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("missing required permissions: %s. Current grants: %s", strings.Join(missing, ", "), grants)
		}
	}
	c.logger.Info("All required permissions verified")

	if !replication {
		return nil
	}
	return c.checkBinlog(ctx)
}

func (c *Checker) grants(ctx context.Context) (string, error) {
	rows, err := c.db.QueryContext(ctx, "SHOW GRANTS FOR CURRENT_USER()")
	if err != nil {
		// MySQL 5.6 rejects the FOR clause for some account types.
		rows, err = c.db.QueryContext(ctx, "SHOW GRANTS")
		if err != nil {
			return "", fmt.Errorf("failed to check grants: %w", err)
		}
	}
	defer rows.Close()

	var all []string
	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			return "", fmt.Errorf("failed to scan grant: %w", err)
		}
		all = append(all, grant)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("error iterating grants: %w", err)
	}
	return strings.Join(all, "; "), nil
}

func (c *Checker) checkBinlog(ctx context.Context) error {
	var logBin string
	if err := c.db.QueryRowContext(ctx, "SELECT @@log_bin").Scan(&logBin); err != nil {
		c.logger.Warnf("Could not verify binlog status: %v", err)
	} else if logBin == "0" || strings.EqualFold(logBin, "OFF") {
		return fmt.Errorf("binary logging (log_bin) is not enabled. Enable it in MySQL configuration")
	} else {
		c.logger.Info("Binary logging is enabled")
	}

	var format string
	if err := c.db.QueryRowContext(ctx, "SELECT @@binlog_format").Scan(&format); err != nil {
		c.logger.Warnf("Could not verify binlog_format: %v", err)
		return nil
	}
	if !strings.EqualFold(format, "ROW") {
		c.logger.Warnf("binlog_format is set to '%s', but ROW format is required to detect event inserts", format)
	}
	return nil
}

// MasterPosition returns the server's current binlog file and offset.
func (c *Checker) MasterPosition(ctx context.Context) (string, uint32, error) {
	if c.driver != "mysql" {
		return "", 0, fmt.Errorf("binlog position requires the mysql driver")
	}
	for _, query := range []string{"SHOW BINARY LOG STATUS", "SHOW MASTER STATUS"} {
		rows, err := c.db.QueryContext(ctx, query)
		if err != nil {
			continue
		}
		file, pos, err := scanPosition(rows)
		if err != nil {
			return "", 0, err
		}
		return file, pos, nil
	}
	return "", 0, fmt.Errorf("failed to read binlog position")
}

func scanPosition(rows *sql.Rows) (string, uint32, error) {
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return "", 0, err
	}
	if !rows.Next() {
		return "", 0, fmt.Errorf("binary logging is not enabled")
	}
	// File and Position lead; the remaining columns vary by version.
	vals := make([]interface{}, len(cols))
	var file string
	var pos uint32
	vals[0], vals[1] = &file, &pos
	for i := 2; i < len(vals); i++ {
		vals[i] = new(sql.RawBytes)
	}
	if err := rows.Scan(vals...); err != nil {
		return "", 0, fmt.Errorf("failed to scan binlog position: %w", err)
	}
	return file, pos, rows.Err()
}
