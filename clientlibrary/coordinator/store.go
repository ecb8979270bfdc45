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
	"time"

	"github.com/vmware/vmware-go-reindex/clientlibrary/workitem"
)

// CreateOutcome tells whether TryCreateIfAbsent inserted a record.
type CreateOutcome int

const (
	Created CreateOutcome = iota + 1
	AlreadyExisted
)

// SuccessorOutcome tells whether TrySetSuccessorsAndComplete recorded the successors or found the
// identical set already recorded by an earlier attempt.
type SuccessorOutcome int

const (
	SuccessorsRecorded SuccessorOutcome = iota + 1
	SuccessorsAlreadyRecorded
)

// LeaseVersion identifies one acquisition of a work item. NumAttempts grows on every acquisition,
// so a matching version proves nobody acquired the item since.
type LeaseVersion struct {
	HolderID    string
	NumAttempts int
}

// Store is the contract every coordination backend implements. Every mutation is a single atomic
// conditional write on one record, except the relational split which also inserts the successors
// in the same transaction.
type Store interface {
	// Init creates the table or index if it does not exist yet.
	Init(ctx context.Context) error

	// TryCreateIfAbsent inserts an unleased record. It never overwrites an existing one.
	TryCreateIfAbsent(ctx context.Context, workItemID string) (CreateOutcome, error)

	// FindOneClaimable returns some incomplete record whose lease is absent or strictly before now.
	FindOneClaimable(ctx context.Context, now time.Time) (string, bool, error)

	// TryAcquireLease sets holder and expiration and increments NumAttempts if, at the instant of
	// the write, the record is incomplete and its lease absent or expired. It returns the record as
	// stored, or ErrLeaseConflict without side effects.
	TryAcquireLease(ctx context.Context, workItemID string, now, expiration time.Time, holderID string) (*workitem.LeaseRecord, error)

	// TryComplete sets CompletedAt if the record still carries version. Completing again with the
	// same version is a no-op; any other mismatch returns ErrVersionConflict.
	TryComplete(ctx context.Context, workItemID string, version LeaseVersion, now time.Time) error

	// TrySetSuccessorsAndComplete records successors and CompletedAt in one write. A retry with the
	// same successor set returns SuccessorsAlreadyRecorded whoever holds the lease; a different set
	// returns *ConflictingSuccessorsError.
	TrySetSuccessorsAndComplete(ctx context.Context, workItemID string, successors []string, version LeaseVersion,
		now time.Time) (SuccessorOutcome, error)

	CountIncomplete(ctx context.Context) (int64, error)
	AnyIncomplete(ctx context.Context) (bool, error)

	// GetRecord returns the stored record or ErrWorkItemNotFound.
	GetRecord(ctx context.Context, workItemID string) (*workitem.LeaseRecord, error)
}

// StoreClock is implemented by stores able to report their own notion of the current time.
type StoreClock interface {
	StoreTime(ctx context.Context) (time.Time, error)
}

// evaluateSuccessors decides the outcome of a split against the current record. proceed is true
// when the caller must perform the conditional write.
func evaluateSuccessors(record *workitem.LeaseRecord, successors []string, version LeaseVersion) (outcome SuccessorOutcome, proceed bool, err error) {
	if record.HasSuccessors() {
		if record.SameSuccessors(successors) {
			return SuccessorsAlreadyRecorded, false, nil
		}
		return 0, false, &ConflictingSuccessorsError{
			WorkItemID: record.WorkItemID,
			Existing:   record.SuccessorItems,
			Requested:  successors,
		}
	}
	if record.IsCompleted() || record.LeaseHolderID != version.HolderID || record.NumAttempts != version.NumAttempts {
		return 0, false, ErrVersionConflict
	}
	return SuccessorsRecorded, true, nil
}

// evaluateCompletion decides whether a failed conditional completion is an idempotent retry.
func evaluateCompletion(record *workitem.LeaseRecord, version LeaseVersion) error {
	if record.IsCompleted() && !record.HasSuccessors() &&
		record.LeaseHolderID == version.HolderID && record.NumAttempts == version.NumAttempts {
		return nil
	}
	return ErrVersionConflict
}
