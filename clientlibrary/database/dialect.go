/*
 * Copyright (c) 2021 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */
package database

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between the supported databases. Queries are written with
// '?' placeholders and rebound for the dialect.
type Dialect struct {
	Name       string
	DriverName string

	// numbered placeholders ($1, $2, ...) instead of '?'
	numbered bool

	// insertIgnore is the INSERT statement that silently skips an existing primary key.
	insertIgnore string

	// RandomFunction orders candidate rows randomly.
	RandomFunction string

	// LockClause is appended to a SELECT to lock the selected row inside a transaction.
	LockClause string

	// NowMillis selects the database clock in epoch milliseconds.
	NowMillis string

	// SingleWriter databases only allow one connection to write at a time.
	SingleWriter bool

	createTable string
	createIndex string
}

var (
	Postgres = Dialect{
		Name:           "postgres",
		DriverName:     "postgres",
		numbered:       true,
		insertIgnore:   "INSERT INTO %s (work_item_id, num_attempts) VALUES (?, 0) ON CONFLICT (work_item_id) DO NOTHING",
		RandomFunction: "RANDOM()",
		LockClause:     " FOR UPDATE",
		NowMillis:      "SELECT CAST(EXTRACT(EPOCH FROM clock_timestamp()) * 1000 AS BIGINT)",
		createTable: `CREATE TABLE IF NOT EXISTS %s (
    work_item_id VARCHAR(512) PRIMARY KEY,
    lease_expiration BIGINT NULL,
    lease_holder VARCHAR(255) NULL,
    num_attempts INTEGER NOT NULL DEFAULT 0,
    completed_at BIGINT NULL,
    successor_items TEXT NULL
)`,
		createIndex: "CREATE INDEX IF NOT EXISTS idx_%s_completed_at ON %s(completed_at)",
	}

	MySQL = Dialect{
		Name:           "mysql",
		DriverName:     "mysql",
		insertIgnore:   "INSERT IGNORE INTO %s (work_item_id, num_attempts) VALUES (?, 0)",
		RandomFunction: "RAND()",
		LockClause:     " FOR UPDATE",
		NowMillis:      "SELECT CAST(UNIX_TIMESTAMP(NOW(3)) * 1000 AS SIGNED)",
		createTable: `CREATE TABLE IF NOT EXISTS %s (
    work_item_id VARCHAR(512) NOT NULL PRIMARY KEY,
    lease_expiration BIGINT NULL,
    lease_holder VARCHAR(255) NULL,
    num_attempts INT NOT NULL DEFAULT 0,
    completed_at BIGINT NULL,
    successor_items TEXT NULL,
    INDEX idx_completed_at (completed_at)
)`,
	}

	SQLite = Dialect{
		Name:           "sqlite",
		DriverName:     "sqlite3",
		insertIgnore:   "INSERT INTO %s (work_item_id, num_attempts) VALUES (?, 0) ON CONFLICT (work_item_id) DO NOTHING",
		RandomFunction: "RANDOM()",
		NowMillis:      "SELECT CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)",
		SingleWriter:   true,
		createTable: `CREATE TABLE IF NOT EXISTS %s (
    work_item_id TEXT PRIMARY KEY,
    lease_expiration INTEGER NULL,
    lease_holder TEXT NULL,
    num_attempts INTEGER NOT NULL DEFAULT 0,
    completed_at INTEGER NULL,
    successor_items TEXT NULL
)`,
		createIndex: "CREATE INDEX IF NOT EXISTS idx_%s_completed_at ON %s(completed_at)",
	}
)

// DialectByName resolves "postgres", "mysql" or "sqlite".
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql":
		return Postgres, nil
	case "mysql":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return Dialect{}, fmt.Errorf("unsupported database dialect %q", name)
}

// Rebind converts '?' placeholders into the dialect's placeholder syntax.
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// InsertIfAbsent is the statement inserting an unleased work item unless the key already exists.
func (d Dialect) InsertIfAbsent(table string) string {
	return d.Rebind(fmt.Sprintf(d.insertIgnore, table))
}
