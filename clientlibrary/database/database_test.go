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
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	q := "UPDATE t SET a = ? WHERE b = ? AND c = ?"
	assert.Equal(t, "UPDATE t SET a = $1 WHERE b = $2 AND c = $3", Postgres.Rebind(q))
	assert.Equal(t, q, MySQL.Rebind(q))
	assert.Equal(t, q, SQLite.Rebind(q))
}

func TestDialectByName(t *testing.T) {
	for name, expected := range map[string]string{"postgres": "postgres", "PostgreSQL": "postgres", "mysql": "mysql", "sqlite3": "sqlite"} {
		d, err := DialectByName(name)
		require.Nil(t, err)
		assert.Equal(t, expected, d.Name)
	}
	_, err := DialectByName("oracle")
	assert.Error(t, err)
}

func TestInsertIfAbsent(t *testing.T) {
	assert.Equal(t, "INSERT INTO items (work_item_id, num_attempts) VALUES ($1, 0) ON CONFLICT (work_item_id) DO NOTHING",
		Postgres.InsertIfAbsent("items"))
	assert.True(t, strings.HasPrefix(MySQL.InsertIfAbsent("items"), "INSERT IGNORE INTO items"))
}

func TestMigrations(t *testing.T) {
	up := MigrationUp(Postgres, "migration_coordination_s1")
	assert.Contains(t, up, "CREATE TABLE IF NOT EXISTS migration_coordination_s1")
	assert.Contains(t, up, "CREATE INDEX IF NOT EXISTS idx_migration_coordination_s1_completed_at")
	assert.Len(t, MigrationStatements(MySQL, "t"), 1)
	assert.Equal(t, "-- Drop t coordination table\nDROP TABLE IF EXISTS t;\n", MigrationDown("t"))
}

func TestOpenSQLite(t *testing.T) {
	ds, err := Open("sqlite", ":memory:")
	require.Nil(t, err)
	defer ds.Close()

	ctx := context.Background()
	require.Nil(t, ds.PingContext(ctx))
	assert.Equal(t, "sqlite", ds.ServiceName())

	for _, stmt := range MigrationStatements(ds.Dialect(), "items") {
		_, err := ds.DB().ExecContext(ctx, stmt)
		require.Nil(t, err)
	}
	// idempotent
	for _, stmt := range MigrationStatements(ds.Dialect(), "items") {
		_, err := ds.DB().ExecContext(ctx, stmt)
		require.Nil(t, err)
	}

	res, err := ds.DB().ExecContext(ctx, ds.Dialect().InsertIfAbsent("items"), "a__0__0")
	require.Nil(t, err)
	n, _ := res.RowsAffected()
	assert.Equal(t, int64(1), n)

	res, err = ds.DB().ExecContext(ctx, ds.Dialect().InsertIfAbsent("items"), "a__0__0")
	require.Nil(t, err)
	n, _ = res.RowsAffected()
	assert.Equal(t, int64(0), n)

	var now int64
	require.Nil(t, ds.DB().QueryRowContext(ctx, ds.Dialect().NowMillis).Scan(&now))
	assert.True(t, now > 0)
	assert.Equal(t, 1, ds.GetDBStats().MaxOpenConnections)
}
