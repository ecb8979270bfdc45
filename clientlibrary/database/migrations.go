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
	"strings"
)

// MigrationStatements returns the statements creating the coordination table of dialect d.
func MigrationStatements(d Dialect, table string) []string {
	statements := []string{fmt.Sprintf(d.createTable, table)}
	if d.createIndex != "" {
		statements = append(statements, fmt.Sprintf(d.createIndex, table, table))
	}
	return statements
}

// MigrationUp returns the SQL to create the coordination table, for use by external migration tools.
func MigrationUp(d Dialect, table string) string {
	return fmt.Sprintf("-- Create %s coordination table\n%s;\n", table,
		strings.Join(MigrationStatements(d, table), ";\n\n"))
}

// MigrationDown returns the SQL to drop the coordination table.
func MigrationDown(table string) string {
	return fmt.Sprintf("-- Drop %s coordination table\nDROP TABLE IF EXISTS %s;\n", table, table)
}
