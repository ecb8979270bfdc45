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
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrLeaseConflict is returned when another worker won the race for a lease or the work item
	// was completed in the meantime. It is transient.
	ErrLeaseConflict = errors.New("lease conflict")

	// ErrVersionConflict is returned when the lease record was mutated by someone else since this
	// coordinator acquired it. The caller no longer rightfully holds the lease.
	ErrVersionConflict = errors.New("lease record version conflict")

	// ErrSelfSuccessor rejects a split listing the parent among its own successors.
	ErrSelfSuccessor = errors.New("work item cannot be its own successor")

	// ErrNoSuccessors rejects a split without successors; use CompleteWorkItem instead.
	ErrNoSuccessors = errors.New("split requires at least one successor")

	// ErrWorkItemNotFound is returned for operations on a work item without a lease record.
	ErrWorkItemNotFound = errors.New("work item not found")

	// ErrLeaseNotHeld is returned when completing a work item this coordinator never acquired.
	ErrLeaseNotHeld = errors.New("lease not held by this coordinator")
)

// RetriesExceededError is returned after too many consecutive acquisition conflicts. The caller
// should try again later from scratch.
type RetriesExceededError struct {
	Retries   int
	LastCause error
}

func (e *RetriesExceededError) Error() string {
	return fmt.Sprintf("retries exceeded after %d attempts: %v", e.Retries, e.LastCause)
}

func (e *RetriesExceededError) Unwrap() error {
	return e.LastCause
}

// ConflictingSuccessorsError is returned when a split is retried with a different successor set
// than the one already recorded.
type ConflictingSuccessorsError struct {
	WorkItemID string
	Existing   []string
	Requested  []string
}

func (e *ConflictingSuccessorsError) Error() string {
	return fmt.Sprintf("work item %s already split into [%s], refusing [%s]",
		e.WorkItemID, strings.Join(e.Existing, ","), strings.Join(e.Requested, ","))
}

// MalformedRecordError reports a stored lease record that cannot be interpreted.
type MalformedRecordError struct {
	WorkItemID string
	Err        error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed lease record %s: %v", e.WorkItemID, e.Err)
}

func (e *MalformedRecordError) Unwrap() error {
	return e.Err
}

// ClockDriftError is returned when the coordination store disagrees with this process about the
// current time, or about a lease this process just wrote, by more than Tolerance.
type ClockDriftError struct {
	WorkItemID string
	LocalTime  time.Time
	StoreTime  time.Time
	Tolerance  time.Duration
	Reason     string
}

func (e *ClockDriftError) Error() string {
	msg := fmt.Sprintf("potential clock drift detected: local %s, store %s, tolerance %s",
		e.LocalTime.Format(time.RFC3339Nano), e.StoreTime.Format(time.RFC3339Nano), e.Tolerance)
	if e.WorkItemID != "" {
		msg += ", work item " + e.WorkItemID
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// StoreError wraps a failure of the backing store (unreachable, rejected request, serialization).
type StoreError struct {
	Op         string
	WorkItemID string
	Err        error
}

func (e *StoreError) Error() string {
	if e.WorkItemID == "" {
		return fmt.Sprintf("coordination store %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("coordination store %s of %s failed: %v", e.Op, e.WorkItemID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeError(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, WorkItemID: id, Err: err}
}

// IsTransient reports contention errors that are resolved by trying again later.
func IsTransient(err error) bool {
	var retries *RetriesExceededError
	return errors.Is(err, ErrLeaseConflict) || errors.As(err, &retries)
}
