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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmware/vmware-go-reindex/clientlibrary/config"
	"github.com/vmware/vmware-go-reindex/clientlibrary/workitem"
)

type testClock struct {
	mux sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: baseTime}
}

func (c *testClock) Now() time.Time {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.now = c.now.Add(d)
}

func testConfig(workerID string) *config.MigrationConfiguration {
	return config.NewMigrationConfig("reindex", "session1", workerID).
		WithCoordinatorBackend(config.BackendMemory)
}

func TestCreateUnassignedWorkItemExactlyOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		c := NewWorkCoordinator(store, testConfig("worker1"))
		ctx := context.Background()
		item := workitem.MustParse("logs__0__0")

		created, err := c.CreateUnassignedWorkItem(ctx, item)
		require.Nil(t, err)
		assert.True(t, created)

		created, err = c.CreateUnassignedWorkItem(ctx, item)
		require.Nil(t, err)
		assert.False(t, created)

		n, err := c.NumWorkItemsNotYetComplete(ctx)
		require.Nil(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestAcquireNextWorkItemNoWork(t *testing.T) {
	c := NewWorkCoordinator(NewMemoryStore(), testConfig("worker1"))
	outcome, err := c.AcquireNextWorkItem(context.Background(), time.Minute)
	require.Nil(t, err)
	assert.True(t, outcome.NoAvailableWork)

	_, err = c.AcquireNextWorkItem(context.Background(), 0)
	assert.Error(t, err)
}

func TestAcquireRejectsNonCanonicalToken(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, err := store.TryCreateIfAbsent(ctx, "logs__+1__007")
	require.Nil(t, err)

	c := NewWorkCoordinator(store, testConfig("worker1"))
	_, err = c.AcquireNextWorkItem(ctx, time.Minute)
	var malformed *MalformedRecordError
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, "logs__+1__007", malformed.WorkItemID)
	assert.True(t, errors.Is(err, workitem.ErrMalformedWorkItemToken))

	// the record is left untouched rather than leased under a lease that could never be completed
	record, err := store.GetRecord(ctx, "logs__+1__007")
	require.Nil(t, err)
	assert.Nil(t, record.LeaseExpiration)
	assert.Equal(t, 0, record.NumAttempts)
}

func TestAcquireAndCompleteWorkItem(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		c := NewWorkCoordinator(store, testConfig("worker1"))
		ctx := context.Background()
		item := workitem.MustParse("logs__0__0")
		_, err := c.CreateUnassignedWorkItem(ctx, item)
		require.Nil(t, err)

		before := time.Now()
		outcome, err := c.AcquireNextWorkItem(ctx, time.Minute)
		require.Nil(t, err)
		require.False(t, outcome.NoAvailableWork)
		assert.True(t, outcome.WorkItem.Equal(item))
		assert.WithinDuration(t, before.Add(time.Minute), outcome.LeaseExpiration, 5*time.Second)
		assert.Equal(t, 1, outcome.Record.NumAttempts)

		version, held := c.HeldLease(item.String())
		assert.True(t, held)
		assert.Equal(t, LeaseVersion{HolderID: "worker1", NumAttempts: 1}, version)

		require.Nil(t, c.CompleteWorkItem(ctx, item))
		_, held = c.HeldLease(item.String())
		assert.False(t, held)

		incomplete, err := c.WorkItemsNotYetComplete(ctx)
		require.Nil(t, err)
		assert.False(t, incomplete)

		err = c.CompleteWorkItem(ctx, item)
		assert.True(t, errors.Is(err, ErrLeaseNotHeld))
	})
}

func TestNoDoubleLease(t *testing.T) {
	for name, factory := range map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newTestRelationalStore(t) },
		"dynamodb": func(t *testing.T) Store {
			store, _ := newTestDynamoDBStore(t)
			return store
		},
	} {
		factory := factory
		t.Run(name, func(t *testing.T) {
			const items, workers = 5, 12
			store := factory(t)
			ctx := context.Background()
			for i := 0; i < items; i++ {
				_, err := store.TryCreateIfAbsent(ctx, fmt.Sprintf("logs__%d__0", i))
				require.Nil(t, err)
			}

			var wg sync.WaitGroup
			outcomes := make([]AcquisitionOutcome, workers)
			errs := make([]error, workers)
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					c := NewWorkCoordinator(store, testConfig(fmt.Sprintf("worker%d", w)))
					outcomes[w], errs[w] = c.AcquireNextWorkItem(ctx, time.Minute)
				}(w)
			}
			wg.Wait()

			acquired := make(map[string]int)
			for w := 0; w < workers; w++ {
				require.Nil(t, errs[w])
				if !outcomes[w].NoAvailableWork {
					acquired[outcomes[w].WorkItem.String()]++
				}
			}
			assert.Len(t, acquired, items)
			for id, n := range acquired {
				assert.Equal(t, 1, n, id)
			}
		})
	}
}

func TestLeaseReclaim(t *testing.T) {
	clock := newTestClock()
	store := NewMemoryStore().WithClock(clock.Now)
	a := NewWorkCoordinator(store, testConfig("workerA")).WithClock(clock.Now)
	b := NewWorkCoordinator(store, testConfig("workerB")).WithClock(clock.Now)
	ctx := context.Background()
	item := workitem.MustParse("logs__0__0")
	_, err := a.CreateUnassignedWorkItem(ctx, item)
	require.Nil(t, err)

	outcome, err := a.AcquireNextWorkItem(ctx, time.Minute)
	require.Nil(t, err)
	require.False(t, outcome.NoAvailableWork)

	outcome, err = b.AcquireNextWorkItem(ctx, time.Minute)
	require.Nil(t, err)
	assert.True(t, outcome.NoAvailableWork)

	clock.Advance(time.Minute + time.Millisecond)
	outcome, err = b.AcquireNextWorkItem(ctx, time.Minute)
	require.Nil(t, err)
	require.False(t, outcome.NoAvailableWork)
	assert.Equal(t, "workerB", outcome.Record.LeaseHolderID)
	assert.Equal(t, 2, outcome.Record.NumAttempts)

	err = a.CompleteWorkItem(ctx, item)
	assert.True(t, errors.Is(err, ErrVersionConflict))
	_, held := a.HeldLease(item.String())
	assert.False(t, held)

	assert.Nil(t, b.CompleteWorkItem(ctx, item))
}

// contendedStore loses the first conflicts lease races and records every requested duration.
type contendedStore struct {
	*MemoryStore
	mux       sync.Mutex
	conflicts int
	durations []time.Duration
}

func (s *contendedStore) TryAcquireLease(ctx context.Context, workItemID string, now, expiration time.Time,
	holderID string) (*workitem.LeaseRecord, error) {
	s.mux.Lock()
	s.durations = append(s.durations, expiration.Sub(now))
	lose := s.conflicts != 0
	if s.conflicts > 0 {
		s.conflicts--
	}
	s.mux.Unlock()

	if lose {
		return nil, ErrLeaseConflict
	}
	return s.MemoryStore.TryAcquireLease(ctx, workItemID, now, expiration, holderID)
}

func TestAcquireDoublesLeaseDurationOnConflict(t *testing.T) {
	store := &contendedStore{MemoryStore: NewMemoryStore(), conflicts: 3}
	cfg := testConfig("worker1").WithMaxLeaseDurationMillis(5 * 60 * 1000)
	c := NewWorkCoordinator(store, cfg)
	ctx := context.Background()
	_, err := c.CreateUnassignedWorkItem(ctx, workitem.MustParse("logs__0__0"))
	require.Nil(t, err)

	outcome, err := c.AcquireNextWorkItem(ctx, time.Minute)
	require.Nil(t, err)
	require.False(t, outcome.NoAvailableWork)
	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 5 * time.Minute}, store.durations)
}

func TestAcquireRetriesExceeded(t *testing.T) {
	store := &contendedStore{MemoryStore: NewMemoryStore(), conflicts: -1}
	cfg := testConfig("worker1").WithMaxAcquireRetries(3)
	c := NewWorkCoordinator(store, cfg)
	ctx := context.Background()
	_, err := c.CreateUnassignedWorkItem(ctx, workitem.MustParse("logs__0__0"))
	require.Nil(t, err)

	_, err = c.AcquireNextWorkItem(ctx, time.Minute)
	var exceeded *RetriesExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, 3, exceeded.Retries)
	assert.True(t, errors.Is(err, ErrLeaseConflict))
	assert.True(t, IsTransient(err))
	assert.Len(t, store.durations, 4)
}

func TestAcquireDetectsStoreClockDrift(t *testing.T) {
	store := NewMemoryStore().WithClock(func() time.Time { return time.Now().Add(time.Hour) })
	c := NewWorkCoordinator(store, testConfig("worker1"))
	ctx := context.Background()
	_, err := c.CreateUnassignedWorkItem(ctx, workitem.MustParse("logs__0__0"))
	require.Nil(t, err)

	_, err = c.AcquireNextWorkItem(ctx, time.Minute)
	var drift *ClockDriftError
	require.True(t, errors.As(err, &drift))
	assert.Equal(t, 5*time.Second, drift.Tolerance)

	record, err := store.GetRecord(ctx, "logs__0__0")
	require.Nil(t, err)
	assert.Nil(t, record.LeaseExpiration)
}

// skewedStore reports a lease expiration other than the one written.
type skewedStore struct {
	*MemoryStore
	skew time.Duration
}

func (s *skewedStore) TryAcquireLease(ctx context.Context, workItemID string, now, expiration time.Time,
	holderID string) (*workitem.LeaseRecord, error) {
	return s.MemoryStore.TryAcquireLease(ctx, workItemID, now, expiration.Add(s.skew), holderID)
}

func TestAcquireDetectsInconsistentLease(t *testing.T) {
	store := &skewedStore{MemoryStore: NewMemoryStore(), skew: -time.Minute}
	c := NewWorkCoordinator(store, testConfig("worker1"))
	ctx := context.Background()
	_, err := c.CreateUnassignedWorkItem(ctx, workitem.MustParse("logs__0__0"))
	require.Nil(t, err)

	_, err = c.AcquireNextWorkItem(ctx, 10*time.Minute)
	var drift *ClockDriftError
	require.True(t, errors.As(err, &drift))
	assert.Equal(t, "logs__0__0", drift.WorkItemID)
	_, held := c.HeldLease("logs__0__0")
	assert.False(t, held)
}

func TestSplitIdempotence(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		c := NewWorkCoordinator(store, testConfig("worker1"))
		ctx := context.Background()
		parent := workitem.MustParse("logs__0__0")
		successors := []workitem.WorkItem{
			workitem.MustParse("logs__0__100"),
			workitem.MustParse("logs__0__200"),
			workitem.MustParse("logs__0__300"),
		}
		_, err := c.CreateUnassignedWorkItem(ctx, parent)
		require.Nil(t, err)
		outcome, err := c.AcquireNextWorkItem(ctx, time.Minute)
		require.Nil(t, err)
		attempts := outcome.Record.NumAttempts

		split, err := c.CreateSuccessorWorkItemsAndMarkComplete(ctx, parent, successors, attempts)
		require.Nil(t, err)
		assert.Equal(t, SuccessorsRecorded, split)
		first, err := store.GetRecord(ctx, parent.String())
		require.Nil(t, err)

		split, err = c.CreateSuccessorWorkItemsAndMarkComplete(ctx, parent, successors, attempts)
		require.Nil(t, err)
		assert.Equal(t, SuccessorsAlreadyRecorded, split)

		second, err := store.GetRecord(ctx, parent.String())
		require.Nil(t, err)
		assert.True(t, first.CompletedAt.Equal(*second.CompletedAt))

		n, err := c.NumWorkItemsNotYetComplete(ctx)
		require.Nil(t, err)
		assert.Equal(t, int64(3), n)
		for _, s := range successors {
			record, err := store.GetRecord(ctx, s.String())
			require.Nil(t, err)
			assert.False(t, record.IsCompleted())
		}

		_, err = c.CreateSuccessorWorkItemsAndMarkComplete(ctx, parent, successors[:2], attempts)
		var conflicting *ConflictingSuccessorsError
		assert.True(t, errors.As(err, &conflicting))
	})
}

func TestSplitRetryCreatesMissingSuccessors(t *testing.T) {
	store := NewMemoryStore()
	c := NewWorkCoordinator(store, testConfig("worker1"))
	ctx := context.Background()
	parent := workitem.MustParse("logs__0__0")
	successors := []workitem.WorkItem{workitem.MustParse("logs__0__10"), workitem.MustParse("logs__0__20")}
	_, err := c.CreateUnassignedWorkItem(ctx, parent)
	require.Nil(t, err)
	outcome, err := c.AcquireNextWorkItem(ctx, time.Minute)
	require.Nil(t, err)

	// crash after recording the successors and creating only the first one
	version := LeaseVersion{HolderID: "worker1", NumAttempts: outcome.Record.NumAttempts}
	_, err = store.TrySetSuccessorsAndComplete(ctx, parent.String(), workitem.Tokens(successors), version, time.Now())
	require.Nil(t, err)
	_, err = store.TryCreateIfAbsent(ctx, successors[0].String())
	require.Nil(t, err)

	// the retry comes from another worker process
	other := NewWorkCoordinator(store, testConfig("worker2"))
	split, err := other.CreateSuccessorWorkItemsAndMarkComplete(ctx, parent, successors, 1)
	require.Nil(t, err)
	assert.Equal(t, SuccessorsAlreadyRecorded, split)

	_, err = store.GetRecord(ctx, successors[1].String())
	assert.Nil(t, err)
}

func TestSplitRejectsSelfSuccessor(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		c := NewWorkCoordinator(store, testConfig("worker1"))
		ctx := context.Background()
		parent := workitem.MustParse("logs__0__0")
		_, err := c.CreateUnassignedWorkItem(ctx, parent)
		require.Nil(t, err)
		outcome, err := c.AcquireNextWorkItem(ctx, time.Minute)
		require.Nil(t, err)

		_, err = c.CreateSuccessorWorkItemsAndMarkComplete(ctx, parent,
			[]workitem.WorkItem{parent, workitem.MustParse("logs__0__5")}, outcome.Record.NumAttempts)
		assert.True(t, errors.Is(err, ErrSelfSuccessor))

		record, err := store.GetRecord(ctx, parent.String())
		require.Nil(t, err)
		assert.False(t, record.IsCompleted())
		assert.False(t, record.HasSuccessors())
		_, err = store.GetRecord(ctx, "logs__0__5")
		assert.True(t, errors.Is(err, ErrWorkItemNotFound))

		_, err = c.CreateSuccessorWorkItemsAndMarkComplete(ctx, parent, nil, outcome.Record.NumAttempts)
		assert.True(t, errors.Is(err, ErrNoSuccessors))
	})
}

func TestSplitWithStaleAttemptsConflicts(t *testing.T) {
	clock := newTestClock()
	store := NewMemoryStore().WithClock(clock.Now)
	a := NewWorkCoordinator(store, testConfig("workerA")).WithClock(clock.Now)
	b := NewWorkCoordinator(store, testConfig("workerB")).WithClock(clock.Now)
	ctx := context.Background()
	parent := workitem.MustParse("logs__0__0")
	_, err := a.CreateUnassignedWorkItem(ctx, parent)
	require.Nil(t, err)
	_, err = a.AcquireNextWorkItem(ctx, time.Minute)
	require.Nil(t, err)
	clock.Advance(2 * time.Minute)
	_, err = b.AcquireNextWorkItem(ctx, time.Minute)
	require.Nil(t, err)

	_, err = a.CreateSuccessorWorkItemsAndMarkComplete(ctx, parent, []workitem.WorkItem{parent.Successor(42)}, 1)
	assert.True(t, errors.Is(err, ErrVersionConflict))
	_, err = store.GetRecord(ctx, "logs__0__42")
	assert.True(t, errors.Is(err, ErrWorkItemNotFound))
}
