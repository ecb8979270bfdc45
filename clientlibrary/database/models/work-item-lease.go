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
package models

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/vmware/vmware-go-reindex/clientlibrary/workitem"
)

// Columns lists the coordination table columns in scan order.
const Columns = "work_item_id, lease_expiration, lease_holder, num_attempts, completed_at, successor_items"

// WorkItemLease is one row of the coordination table. Timestamps are epoch milliseconds.
type WorkItemLease struct {
	WorkItemID      string
	LeaseExpiration sql.NullInt64
	LeaseHolder     sql.NullString
	NumAttempts     int
	CompletedAt     sql.NullInt64
	SuccessorItems  sql.NullString
}

// Scanner is satisfied by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...interface{}) error
}

// Scan reads one row selected with Columns.
func Scan(row Scanner) (*WorkItemLease, error) {
	var w WorkItemLease
	err := row.Scan(&w.WorkItemID, &w.LeaseExpiration, &w.LeaseHolder, &w.NumAttempts, &w.CompletedAt, &w.SuccessorItems)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ToLeaseRecord converts the row. Successor tokens are validated so that a corrupted row is
// reported instead of silently trusted.
func (w *WorkItemLease) ToLeaseRecord() (*workitem.LeaseRecord, error) {
	record := &workitem.LeaseRecord{
		WorkItemID:  w.WorkItemID,
		NumAttempts: w.NumAttempts,
	}
	if w.LeaseExpiration.Valid {
		t := FromMillis(w.LeaseExpiration.Int64)
		record.LeaseExpiration = &t
	}
	if w.LeaseHolder.Valid {
		record.LeaseHolderID = w.LeaseHolder.String
	}
	if w.CompletedAt.Valid {
		t := FromMillis(w.CompletedAt.Int64)
		record.CompletedAt = &t
	}
	if w.SuccessorItems.Valid {
		record.SuccessorItems = workitem.SplitSuccessors(w.SuccessorItems.String)
		for _, token := range record.SuccessorItems {
			if _, err := workitem.Parse(token); err != nil {
				return nil, fmt.Errorf("row %s: %w", w.WorkItemID, err)
			}
		}
	}
	if w.NumAttempts < 0 {
		return nil, fmt.Errorf("row %s: negative num_attempts %d", w.WorkItemID, w.NumAttempts)
	}
	return record, nil
}

func ToMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

func FromMillis(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond)).UTC()
}
