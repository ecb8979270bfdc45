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
	"math/rand"
	"sync"
	"time"

	"github.com/vmware/vmware-go-reindex/clientlibrary/workitem"
)

// MemoryStore keeps lease records in process memory. It coordinates goroutines of one process and
// backs the tests of everything built on Store.
type MemoryStore struct {
	mux     sync.Mutex
	records map[string]*workitem.LeaseRecord
	clock   func() time.Time
	rng     *rand.Rand
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*workitem.LeaseRecord),
		clock:   time.Now,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithClock replaces the clock reported through StoreTime.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Init(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) TryCreateIfAbsent(ctx context.Context, workItemID string) (CreateOutcome, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if _, ok := s.records[workItemID]; ok {
		return AlreadyExisted, nil
	}
	s.records[workItemID] = &workitem.LeaseRecord{WorkItemID: workItemID}
	return Created, nil
}

func (s *MemoryStore) FindOneClaimable(ctx context.Context, now time.Time) (string, bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	var candidates []string
	for id, record := range s.records {
		if record.IsClaimable(now) {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return "", false, nil
	}
	return candidates[s.rng.Intn(len(candidates))], true, nil
}

func (s *MemoryStore) TryAcquireLease(ctx context.Context, workItemID string, now, expiration time.Time,
	holderID string) (*workitem.LeaseRecord, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	record, ok := s.records[workItemID]
	if !ok {
		return nil, ErrWorkItemNotFound
	}
	if !record.IsClaimable(now) {
		return nil, ErrLeaseConflict
	}
	record.LeaseExpiration = &expiration
	record.LeaseHolderID = holderID
	record.NumAttempts++
	return record.Clone(), nil
}

func (s *MemoryStore) TryComplete(ctx context.Context, workItemID string, version LeaseVersion, now time.Time) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	record, ok := s.records[workItemID]
	if !ok {
		return ErrWorkItemNotFound
	}
	if !record.IsCompleted() && record.LeaseHolderID == version.HolderID && record.NumAttempts == version.NumAttempts {
		record.CompletedAt = &now
		return nil
	}
	return evaluateCompletion(record, version)
}

func (s *MemoryStore) TrySetSuccessorsAndComplete(ctx context.Context, workItemID string, successors []string,
	version LeaseVersion, now time.Time) (SuccessorOutcome, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	record, ok := s.records[workItemID]
	if !ok {
		return 0, ErrWorkItemNotFound
	}
	outcome, proceed, err := evaluateSuccessors(record, successors, version)
	if err != nil || !proceed {
		return outcome, err
	}
	record.SuccessorItems = append([]string(nil), successors...)
	record.CompletedAt = &now
	return outcome, nil
}

func (s *MemoryStore) CountIncomplete(ctx context.Context) (int64, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	var n int64
	for _, record := range s.records {
		if !record.IsCompleted() {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) AnyIncomplete(ctx context.Context) (bool, error) {
	n, err := s.CountIncomplete(ctx)
	return n > 0, err
}

func (s *MemoryStore) GetRecord(ctx context.Context, workItemID string) (*workitem.LeaseRecord, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	record, ok := s.records[workItemID]
	if !ok {
		return nil, ErrWorkItemNotFound
	}
	return record.Clone(), nil
}

func (s *MemoryStore) StoreTime(ctx context.Context) (time.Time, error) {
	return s.clock(), nil
}
