// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

package source

import (
	"fmt"
	"strconv"
	"strings"
)

// rebind converts ?-style placeholders into the dialect's syntax.
func rebind(dialect Dialect, query string) string {
	switch dialect {
	case MySQL, SQLite:
		return query
	}

	var out strings.Builder
	n := 0
	for _, r := range query {
		if r != '?' {
			out.WriteRune(r)
			continue
		}
		n++
		switch dialect {
		case Postgres:
			out.WriteString("$" + strconv.Itoa(n))
		case MSSQL:
			out.WriteString("@p" + strconv.Itoa(n))
		case Oracle:
			out.WriteString(":" + strconv.Itoa(n))
		}
	}
	return out.String()
}

// claimSelect builds the locking SELECT used to pick claimable rows.
// Row-locking strategy per dialect:
//
//	postgres, mysql, oracle: FOR UPDATE SKIP LOCKED
//	mssql:                   WITH (ROWLOCK, UPDLOCK, READPAST)
//	sqlite:                  none; the transaction's write lock serializes
func claimSelect(c *Config, columns []string, limit int) string {
	cols := strings.Join(columns, ", ")
	table := c.tableRef()

	where := fmt.Sprintf("%s = ?", c.Columns.Status)
	if c.Columns.ClaimedAt != "" {
		// rows whose claim has timed out are claimable again
		where = fmt.Sprintf("(%s OR (%s = ? AND %s < ?))",
			where, c.Columns.Status, c.Columns.ClaimedAt)
	}
	if c.WhereClause != "" {
		where += " AND (" + c.WhereClause + ")"
	}

	switch c.Dialect {
	case MSSQL:
		return fmt.Sprintf(
			"SELECT TOP (%d) %s FROM %s WITH (ROWLOCK, UPDLOCK, READPAST) WHERE %s ORDER BY %s",
			limit, cols, table, where, c.Columns.ID)
	case Oracle:
		return fmt.Sprintf(
			"SELECT %s FROM %s WHERE %s ORDER BY %s FETCH FIRST %d ROWS ONLY FOR UPDATE SKIP LOCKED",
			cols, table, where, c.Columns.ID, limit)
	case SQLite:
		return fmt.Sprintf(
			"SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT %d",
			cols, table, where, c.Columns.ID, limit)
	default: // postgres, mysql
		return fmt.Sprintf(
			"SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT %d FOR UPDATE SKIP LOCKED",
			cols, table, where, c.Columns.ID, limit)
	}
}

// claimUpdate builds the UPDATE that stamps claimed rows with the owner.
func claimUpdate(c *Config, ids int) string {
	set := fmt.Sprintf("%s = ?", c.Columns.Status)
	if c.Columns.ClaimedBy != "" {
		set += fmt.Sprintf(", %s = ?", c.Columns.ClaimedBy)
	}
	if c.Columns.ClaimedAt != "" {
		set += fmt.Sprintf(", %s = ?", c.Columns.ClaimedAt)
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s IN (%s)",
		c.tableRef(), set, c.Columns.ID, placeholders(ids))
}

// markUpdate builds the terminal-transition UPDATE for one row.
func markUpdate(c *Config, withName bool) string {
	set := fmt.Sprintf("%s = ?", c.Columns.Status)
	if withName && c.Columns.Name != "" {
		set += fmt.Sprintf(", %s = ?", c.Columns.Name)
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", c.tableRef(), set, c.Columns.ID)
}

// stampUpdate builds the UPDATE that records the container a claimed row
// is being packed into.
func stampUpdate(c *Config) string {
	return fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?",
		c.tableRef(), c.Columns.ContainerID, c.Columns.ID)
}

// resetUpdate builds the UPDATE that reverts stale claims to pending,
// clearing the claim stamps and any container linkage.
func resetUpdate(c *Config, ids int) string {
	set := fmt.Sprintf("%s = ?, %s = NULL, %s = NULL",
		c.Columns.Status, c.Columns.ClaimedBy, c.Columns.ClaimedAt)
	if c.Columns.ContainerID != "" {
		set += fmt.Sprintf(", %s = NULL", c.Columns.ContainerID)
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = ? AND %s IN (%s)",
		c.tableRef(), set, c.Columns.Status, c.Columns.ID, placeholders(ids))
}

// completeUpdate builds the UPDATE that finishes claims whose container
// already committed, mirroring the mark-packed transition.
func completeUpdate(c *Config, ids int) string {
	set := fmt.Sprintf("%s = ?, %s = NULL, %s = NULL",
		c.Columns.Status, c.Columns.ClaimedBy, c.Columns.ClaimedAt)
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = ? AND %s IN (%s)",
		c.tableRef(), set, c.Columns.Status, c.Columns.ID, placeholders(ids))
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
