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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vmware/vmware-go-reindex/clientlibrary/config"
	"github.com/vmware/vmware-go-reindex/clientlibrary/metrics"
	"github.com/vmware/vmware-go-reindex/clientlibrary/workitem"
	"github.com/vmware/vmware-go-reindex/logger"
)

// AcquisitionOutcome is the result of AcquireNextWorkItem. NoAvailableWork is set when no work item
// was claimable; the other fields are only meaningful when it is false.
type AcquisitionOutcome struct {
	NoAvailableWork bool
	WorkItem        workitem.WorkItem
	LeaseExpiration time.Time
	Record          *workitem.LeaseRecord
}

// WorkCoordinator drives the lease protocol of one worker process against a Store.
type WorkCoordinator struct {
	store    Store
	workerID string
	log      logger.Logger
	mService metrics.MonitoringService

	maxLeaseDuration time.Duration
	maxRetries       int
	driftTolerance   time.Duration
	clock            func() time.Time

	mux  sync.Mutex
	held map[string]LeaseVersion
}

func NewWorkCoordinator(store Store, cfg *config.MigrationConfiguration) *WorkCoordinator {
	log := cfg.Logger
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	mService := cfg.MonitoringService
	if mService == nil {
		mService = metrics.NoopMonitoringService{}
	}
	return &WorkCoordinator{
		store:            store,
		workerID:         cfg.WorkerID,
		log:              log.WithFields(logger.Fields{"workerID": cfg.WorkerID}),
		mService:         mService,
		maxLeaseDuration: cfg.MaxLeaseDuration(),
		maxRetries:       cfg.MaxAcquireRetries,
		driftTolerance:   cfg.ClockDriftTolerance(),
		clock:            time.Now,
		held:             make(map[string]LeaseVersion),
	}
}

// WithClock replaces the local clock used for lease timestamps.
func (c *WorkCoordinator) WithClock(clock func() time.Time) *WorkCoordinator {
	c.clock = clock
	return c
}

func (c *WorkCoordinator) WorkerID() string {
	return c.workerID
}

// CreateUnassignedWorkItem creates an unleased record for item unless one exists. created reports
// whether this call inserted it.
func (c *WorkCoordinator) CreateUnassignedWorkItem(ctx context.Context, item workitem.WorkItem) (created bool, err error) {
	outcome, err := c.store.TryCreateIfAbsent(ctx, item.String())
	if err != nil {
		return false, err
	}
	return outcome == Created, nil
}

// AcquireNextWorkItem leases some claimable work item for leaseDuration. Every lost race doubles the
// requested duration, capped by the configured maximum, and the call gives up with
// *RetriesExceededError after MaxAcquireRetries retries.
func (c *WorkCoordinator) AcquireNextWorkItem(ctx context.Context, leaseDuration time.Duration) (AcquisitionOutcome, error) {
	if leaseDuration <= 0 {
		return AcquisitionOutcome{}, fmt.Errorf("lease duration must be positive, got %s", leaseDuration)
	}
	if err := c.checkStoreClock(ctx); err != nil {
		return AcquisitionOutcome{}, err
	}

	duration := c.capDuration(leaseDuration)
	retries := 0
	for {
		if err := ctx.Err(); err != nil {
			return AcquisitionOutcome{}, err
		}

		now := c.clock()
		id, found, err := c.store.FindOneClaimable(ctx, now)
		if err != nil {
			return AcquisitionOutcome{}, err
		}
		if !found {
			return AcquisitionOutcome{NoAvailableWork: true}, nil
		}
		item, err := workitem.Parse(id)
		if err != nil {
			return AcquisitionOutcome{}, &MalformedRecordError{WorkItemID: id, Err: err}
		}

		expiration := now.Add(duration)
		record, err := c.store.TryAcquireLease(ctx, id, now, expiration, c.workerID)
		if errors.Is(err, ErrLeaseConflict) {
			if retries >= c.maxRetries {
				return AcquisitionOutcome{}, &RetriesExceededError{Retries: retries, LastCause: err}
			}
			retries++
			duration = c.capDuration(2 * duration)
			c.log.Debugf("Lost the race for %s, retry %d with lease duration %s", id, retries, duration)
			continue
		}
		if err != nil {
			return AcquisitionOutcome{}, err
		}

		if err := c.verifyAcquired(record, expiration); err != nil {
			return AcquisitionOutcome{}, err
		}

		c.mux.Lock()
		c.held[id] = LeaseVersion{HolderID: record.LeaseHolderID, NumAttempts: record.NumAttempts}
		c.mux.Unlock()
		c.mService.LeaseGained(id)
		c.log.Infof("Acquired lease on %s until %s (attempt %d)", id, record.LeaseExpiration.Format(time.RFC3339), record.NumAttempts)

		return AcquisitionOutcome{WorkItem: item, LeaseExpiration: *record.LeaseExpiration, Record: record}, nil
	}
}

// CompleteWorkItem marks an item acquired by this coordinator complete. ErrVersionConflict means the
// lease was lost; it is returned as is and the local lease is forgotten.
func (c *WorkCoordinator) CompleteWorkItem(ctx context.Context, item workitem.WorkItem) error {
	id := item.String()
	version, ok := c.heldLease(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrLeaseNotHeld, id)
	}

	err := c.store.TryComplete(ctx, id, version, c.clock())
	if errors.Is(err, ErrVersionConflict) {
		c.release(id)
		c.mService.LeaseLost(id)
		return err
	}
	if err != nil {
		return err
	}

	c.release(id)
	c.mService.WorkItemCompleted(id)
	return nil
}

// CreateSuccessorWorkItemsAndMarkComplete records successors on parent, marks parent complete and
// creates the successors. Calling it again with the same successors, after a crash at any point,
// finishes the successor creation without failing.
func (c *WorkCoordinator) CreateSuccessorWorkItemsAndMarkComplete(ctx context.Context, parent workitem.WorkItem,
	successors []workitem.WorkItem, expectedNumAttempts int) (SuccessorOutcome, error) {
	if len(successors) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoSuccessors, parent)
	}
	for _, s := range successors {
		if s.Equal(parent) {
			return 0, fmt.Errorf("%w: %s", ErrSelfSuccessor, parent)
		}
	}

	id := parent.String()
	tokens := workitem.Tokens(successors)
	version := LeaseVersion{HolderID: c.workerID, NumAttempts: expectedNumAttempts}

	outcome, err := c.store.TrySetSuccessorsAndComplete(ctx, id, tokens, version, c.clock())
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			c.ReleaseLease(id)
		}
		return 0, err
	}
	if outcome == SuccessorsAlreadyRecorded {
		c.log.Infof("Successors of %s were already recorded, creating missing ones", id)
	}

	for _, token := range tokens {
		if _, err := c.store.TryCreateIfAbsent(ctx, token); err != nil {
			return 0, err
		}
	}

	c.release(id)
	c.mService.WorkItemSplit(id, len(tokens))
	return outcome, nil
}

func (c *WorkCoordinator) NumWorkItemsNotYetComplete(ctx context.Context) (int64, error) {
	return c.store.CountIncomplete(ctx)
}

func (c *WorkCoordinator) WorkItemsNotYetComplete(ctx context.Context) (bool, error) {
	return c.store.AnyIncomplete(ctx)
}

// HeldLease returns the version of a lease acquired by this coordinator and not yet released.
func (c *WorkCoordinator) HeldLease(workItemID string) (LeaseVersion, bool) {
	return c.heldLease(workItemID)
}

// ReleaseLease forgets a lease left to expire in the store.
func (c *WorkCoordinator) ReleaseLease(workItemID string) {
	if c.release(workItemID) {
		c.mService.LeaseLost(workItemID)
	}
}

func (c *WorkCoordinator) heldLease(id string) (LeaseVersion, bool) {
	c.mux.Lock()
	defer c.mux.Unlock()
	v, ok := c.held[id]
	return v, ok
}

func (c *WorkCoordinator) release(id string) bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	_, ok := c.held[id]
	delete(c.held, id)
	return ok
}

func (c *WorkCoordinator) capDuration(d time.Duration) time.Duration {
	if c.maxLeaseDuration > 0 && d > c.maxLeaseDuration {
		return c.maxLeaseDuration
	}
	return d
}

func (c *WorkCoordinator) checkStoreClock(ctx context.Context) error {
	clock, ok := c.store.(StoreClock)
	if !ok {
		return nil
	}
	storeTime, err := clock.StoreTime(ctx)
	if err != nil {
		return err
	}
	local := c.clock()
	if absDuration(storeTime.Sub(local)) > c.driftTolerance {
		return &ClockDriftError{
			LocalTime: local,
			StoreTime: storeTime,
			Tolerance: c.driftTolerance,
			Reason:    "store clock diverges from local clock",
		}
	}
	return nil
}

// verifyAcquired checks the record returned by the store against the lease just written.
func (c *WorkCoordinator) verifyAcquired(record *workitem.LeaseRecord, expiration time.Time) error {
	drift := func(stored time.Time, reason string) error {
		return &ClockDriftError{
			WorkItemID: record.WorkItemID,
			LocalTime:  expiration,
			StoreTime:  stored,
			Tolerance:  c.driftTolerance,
			Reason:     reason,
		}
	}

	if record.LeaseExpiration == nil {
		return drift(time.Time{}, "acquired lease has no expiration")
	}
	if absDuration(record.LeaseExpiration.Sub(expiration)) > c.driftTolerance {
		return drift(*record.LeaseExpiration, "stored lease expiration differs from the requested one")
	}
	if record.LeaseHolderID != c.workerID {
		return drift(*record.LeaseExpiration, fmt.Sprintf("stored lease holder is %q", record.LeaseHolderID))
	}
	if record.NumAttempts < 1 {
		return drift(*record.LeaseExpiration, fmt.Sprintf("stored attempt count is %d", record.NumAttempts))
	}
	return nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
