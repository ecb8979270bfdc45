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
package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vmware/vmware-go-reindex/clientlibrary/database"
	"github.com/vmware/vmware-go-reindex/clientlibrary/database/models"
	"github.com/vmware/vmware-go-reindex/clientlibrary/workitem"
	"github.com/vmware/vmware-go-reindex/logger"
)

// RelationalStore keeps one row per work item in a postgres, mysql or sqlite table. Lease
// acquisition and completion are conditional UPDATEs checked through RowsAffected; a split updates
// the parent and inserts the successors in one transaction.
type RelationalStore struct {
	ds      database.WorkItemDatastore
	db      *sql.DB
	dialect database.Dialect
	table   string
	log     logger.Logger
}

func NewRelationalStore(ds database.WorkItemDatastore, table string, log logger.Logger) *RelationalStore {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &RelationalStore{
		ds:      ds,
		db:      ds.DB(),
		dialect: ds.Dialect(),
		table:   table,
		log:     log,
	}
}

func (s *RelationalStore) query(q string) string {
	return s.dialect.Rebind(fmt.Sprintf(q, s.table))
}

func (s *RelationalStore) Init(ctx context.Context) error {
	s.log.Infof("Creating coordination table %s on %s", s.table, s.ds.ServiceName())
	for _, stmt := range database.MigrationStatements(s.dialect, s.table) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storeError("init", "", err)
		}
	}
	return nil
}

func (s *RelationalStore) TryCreateIfAbsent(ctx context.Context, workItemID string) (CreateOutcome, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.InsertIfAbsent(s.table), workItemID)
	if err != nil {
		return 0, storeError("create", workItemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeError("create", workItemID, err)
	}
	if n == 0 {
		return AlreadyExisted, nil
	}
	return Created, nil
}

func (s *RelationalStore) FindOneClaimable(ctx context.Context, now time.Time) (string, bool, error) {
	q := s.query(`SELECT work_item_id FROM %s
		WHERE completed_at IS NULL AND (lease_expiration IS NULL OR lease_expiration < ?)
		ORDER BY ` + s.dialect.RandomFunction + ` LIMIT 1`)

	var id string
	err := s.db.QueryRowContext(ctx, q, models.ToMillis(now)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storeError("find claimable", "", err)
	}
	return id, true, nil
}

func (s *RelationalStore) TryAcquireLease(ctx context.Context, workItemID string, now, expiration time.Time,
	holderID string) (*workitem.LeaseRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeError("acquire", workItemID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.query(`UPDATE %s
		SET lease_expiration = ?, lease_holder = ?, num_attempts = num_attempts + 1
		WHERE work_item_id = ? AND completed_at IS NULL
		AND (lease_expiration IS NULL OR lease_expiration < ?)`),
		models.ToMillis(expiration), holderID, workItemID, models.ToMillis(now))
	if err != nil {
		return nil, storeError("acquire", workItemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, storeError("acquire", workItemID, err)
	}
	if n == 0 {
		if _, err := s.selectRecord(ctx, tx, workItemID, false); err != nil {
			return nil, err
		}
		s.log.Debugf("Lost the lease race for %s", workItemID)
		return nil, ErrLeaseConflict
	}

	record, err := s.selectRecord(ctx, tx, workItemID, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storeError("acquire", workItemID, err)
	}
	return record, nil
}

func (s *RelationalStore) TryComplete(ctx context.Context, workItemID string, version LeaseVersion, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.query(`UPDATE %s SET completed_at = ?
		WHERE work_item_id = ? AND completed_at IS NULL AND lease_holder = ? AND num_attempts = ?`),
		models.ToMillis(now), workItemID, version.HolderID, version.NumAttempts)
	if err != nil {
		return storeError("complete", workItemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("complete", workItemID, err)
	}
	if n > 0 {
		return nil
	}

	record, err := s.GetRecord(ctx, workItemID)
	if err != nil {
		return err
	}
	return evaluateCompletion(record, version)
}

func (s *RelationalStore) TrySetSuccessorsAndComplete(ctx context.Context, workItemID string, successors []string,
	version LeaseVersion, now time.Time) (SuccessorOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeError("split", workItemID, err)
	}
	defer tx.Rollback()

	record, err := s.selectRecord(ctx, tx, workItemID, true)
	if err != nil {
		return 0, err
	}
	outcome, proceed, err := evaluateSuccessors(record, successors, version)
	if err != nil || !proceed {
		return outcome, err
	}

	res, err := tx.ExecContext(ctx, s.query(`UPDATE %s SET successor_items = ?, completed_at = ?
		WHERE work_item_id = ? AND completed_at IS NULL AND successor_items IS NULL
		AND lease_holder = ? AND num_attempts = ?`),
		workitem.JoinSuccessors(successors), models.ToMillis(now), workItemID, version.HolderID, version.NumAttempts)
	if err != nil {
		return 0, storeError("split", workItemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeError("split", workItemID, err)
	}
	if n == 0 {
		return 0, ErrVersionConflict
	}

	insert := s.dialect.InsertIfAbsent(s.table)
	for _, successor := range successors {
		if _, err := tx.ExecContext(ctx, insert, successor); err != nil {
			return 0, storeError("split", successor, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, storeError("split", workItemID, err)
	}
	return outcome, nil
}

func (s *RelationalStore) CountIncomplete(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.query(`SELECT COUNT(*) FROM %s WHERE completed_at IS NULL`)).Scan(&n)
	if err != nil {
		return 0, storeError("count incomplete", "", err)
	}
	return n, nil
}

func (s *RelationalStore) AnyIncomplete(ctx context.Context) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.query(`SELECT 1 FROM %s WHERE completed_at IS NULL LIMIT 1`)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storeError("any incomplete", "", err)
	}
	return true, nil
}

func (s *RelationalStore) GetRecord(ctx context.Context, workItemID string) (*workitem.LeaseRecord, error) {
	row := s.db.QueryRowContext(ctx, s.query(`SELECT `+models.Columns+` FROM %s WHERE work_item_id = ?`), workItemID)
	return s.toRecord(workItemID, row)
}

func (s *RelationalStore) StoreTime(ctx context.Context) (time.Time, error) {
	var ms int64
	if err := s.db.QueryRowContext(ctx, s.dialect.NowMillis).Scan(&ms); err != nil {
		return time.Time{}, storeError("store time", "", err)
	}
	return models.FromMillis(ms), nil
}

func (s *RelationalStore) selectRecord(ctx context.Context, tx *sql.Tx, workItemID string, lock bool) (*workitem.LeaseRecord, error) {
	q := `SELECT ` + models.Columns + ` FROM %s WHERE work_item_id = ?`
	if lock {
		q += s.dialect.LockClause
	}
	return s.toRecord(workItemID, tx.QueryRowContext(ctx, s.query(q), workItemID))
}

func (s *RelationalStore) toRecord(workItemID string, row *sql.Row) (*workitem.LeaseRecord, error) {
	lease, err := models.Scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkItemNotFound
	}
	if err != nil {
		return nil, storeError("get", workItemID, err)
	}
	record, err := lease.ToLeaseRecord()
	if err != nil {
		return nil, &MalformedRecordError{WorkItemID: workItemID, Err: err}
	}
	return record, nil
}
