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
	"database/sql"
	"fmt"

	// registers the postgres, mysql and sqlite3 drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

type Datastore interface {
	ServiceName() string
	GetDBStats() sql.DBStats
	PingContext(context.Context) error
	Close() error
}

// WorkItemDatastore is the connection used by the relational coordination store.
type WorkItemDatastore interface {
	Datastore
	DB() *sql.DB
	Dialect() Dialect
}

// SQLDatastore is a WorkItemDatastore over database/sql.
type SQLDatastore struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to the database of the named dialect ("postgres", "mysql" or "sqlite").
func Open(dialectName, dsn string) (*SQLDatastore, error) {
	dialect, err := DialectByName(dialectName)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(dialect.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect.Name, err)
	}
	if dialect.SingleWriter {
		// sqlite serializes writers, a single connection avoids SQLITE_BUSY and keeps
		// in-memory databases shared
		db.SetMaxOpenConns(1)
	}
	return NewSQLDatastore(db, dialect), nil
}

// NewSQLDatastore wraps an already opened connection pool.
func NewSQLDatastore(db *sql.DB, dialect Dialect) *SQLDatastore {
	return &SQLDatastore{db: db, dialect: dialect}
}

func (s *SQLDatastore) ServiceName() string {
	return s.dialect.Name
}

func (s *SQLDatastore) GetDBStats() sql.DBStats {
	return s.db.Stats()
}

func (s *SQLDatastore) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLDatastore) Close() error {
	return s.db.Close()
}

func (s *SQLDatastore) DB() *sql.DB {
	return s.db
}

func (s *SQLDatastore) Dialect() Dialect {
	return s.dialect
}
