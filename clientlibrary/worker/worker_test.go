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
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmware/vmware-go-reindex/clientlibrary/bulk"
	"github.com/vmware/vmware-go-reindex/clientlibrary/config"
	"github.com/vmware/vmware-go-reindex/clientlibrary/coordinator"
	"github.com/vmware/vmware-go-reindex/clientlibrary/interfaces"
	"github.com/vmware/vmware-go-reindex/clientlibrary/reindex"
	"github.com/vmware/vmware-go-reindex/clientlibrary/workitem"
	"github.com/vmware/vmware-go-reindex/logger"
)

// fakeSource serves numDocs documents per shard. A blocking source stops after the documents and
// waits for the context, like a shard whose reading takes longer than the lease.
type fakeSource struct {
	mux      sync.Mutex
	numDocs  int
	blocking bool
	opened   []int64
}

func (s *fakeSource) serve(numDocs int, blocking bool) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.numDocs, s.blocking = numDocs, blocking
}

func (s *fakeSource) openedAt() []int64 {
	s.mux.Lock()
	defer s.mux.Unlock()
	return append([]int64(nil), s.opened...)
}

func (s *fakeSource) OpenFrom(ctx context.Context, shard workitem.ShardLocator, startOrdinal int64) (interfaces.DocumentStream, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.opened = append(s.opened, startOrdinal)

	stream := &fakeStream{blocking: s.blocking}
	for i := startOrdinal; i < int64(s.numDocs); i++ {
		stream.records = append(stream.records, &interfaces.DocumentRecord{
			SequenceOrdinal: i,
			ID:              fmt.Sprintf("%s-%d-%d", shard.IndexName, shard.ShardNumber, i),
			SourceBody:      json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
			ChangeKind:      interfaces.INDEX,
		})
	}
	return stream, nil
}

type fakeStream struct {
	records  []*interfaces.DocumentRecord
	next     int
	blocking bool
}

func (s *fakeStream) Next(ctx context.Context) (*interfaces.DocumentRecord, error) {
	if s.next < len(s.records) {
		r := s.records[s.next]
		s.next++
		return r, nil
	}
	if s.blocking {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, io.EOF
}

func (s *fakeStream) Close() error {
	return nil
}

type fakeEnumerator struct {
	shards []workitem.ShardLocator
}

func (e *fakeEnumerator) ListShards(ctx context.Context) ([]workitem.ShardLocator, error) {
	return e.shards, nil
}

type fakeSink struct {
	mux        sync.Mutex
	ordinals   map[string][]int64
	alwaysFail map[string]bool
	sent       chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		ordinals:   make(map[string][]int64),
		alwaysFail: make(map[string]bool),
		sent:       make(chan struct{}, 100),
	}
}

func (s *fakeSink) SendBulk(ctx context.Context, documents []*bulk.Document) (*bulk.Response, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	resp := &bulk.Response{}
	for _, d := range documents {
		outcome := bulk.ItemOutcome{Operation: d.Operation, ID: d.ID, Status: http.StatusCreated}
		if s.alwaysFail[d.ID] {
			outcome.Status, outcome.ErrorType = http.StatusBadRequest, "mapper_parsing_exception"
		} else {
			s.ordinals[d.Index] = append(s.ordinals[d.Index], d.Ordinal)
		}
		resp.Items = append(resp.Items, outcome)
	}
	s.sent <- struct{}{}
	return resp, nil
}

func (s *fakeSink) sentOrdinals(index string) []int64 {
	s.mux.Lock()
	defer s.mux.Unlock()
	return append([]int64(nil), s.ordinals[index]...)
}

type discardFailedRequests struct{}

func (discardFailedRequests) LogFailedRequest(logger.FailedRequest) {}

func testConfig(workerID string) *config.MigrationConfiguration {
	return config.NewMigrationConfig("reindex", "session1", workerID).
		WithCoordinatorBackend(config.BackendMemory).
		WithBulkLimits(5, 1024*1024).
		WithMaxConcurrentBulkRequests(1).
		WithBulkRetries(2, 1, 2, 100).
		WithNoWorkPollIntervalMillis(10).
		WithShutdownGraceMillis(1000)
}

func newTestWorker(source *fakeSource, sink *fakeSink, store coordinator.Store, cfg *config.MigrationConfiguration) *Worker {
	return NewWorker(source, sink, cfg).
		WithStore(store).
		WithFailedRequestsLogger(discardFailedRequests{})
}

func seedItem(t *testing.T, store coordinator.Store, token string) {
	_, err := store.TryCreateIfAbsent(context.Background(), token)
	require.Nil(t, err)
}

func record(t *testing.T, store coordinator.Store, token string) *workitem.LeaseRecord {
	r, err := store.GetRecord(context.Background(), token)
	require.Nil(t, err)
	return r
}

func TestRunOnceSeedsAndCompletesAllShards(t *testing.T) {
	store := coordinator.NewMemoryStore()
	source := &fakeSource{numDocs: 7}
	sink := newFakeSink()
	enumerator := &fakeEnumerator{shards: []workitem.ShardLocator{
		{IndexName: "logs", ShardNumber: 0},
		{IndexName: "logs", ShardNumber: 1},
	}}
	w := newTestWorker(source, sink, store, testConfig("worker1")).WithShardEnumerator(enumerator)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		outcome, err := w.RunOnce(ctx)
		require.Nil(t, err)
		assert.Equal(t, WorkItemCompleted, outcome)
	}

	outcome, err := w.RunOnce(ctx)
	require.Nil(t, err)
	assert.Equal(t, AllWorkComplete, outcome)
	assert.Len(t, sink.sentOrdinals("logs"), 14)
	assert.True(t, record(t, store, "logs__0__0").IsCompleted())
	assert.True(t, record(t, store, "logs__1__0").IsCompleted())

	// a second worker seeding the same shards creates nothing new
	other := newTestWorker(source, sink, store, testConfig("worker2")).WithShardEnumerator(enumerator)
	outcome, err = other.RunOnce(ctx)
	require.Nil(t, err)
	assert.Equal(t, AllWorkComplete, outcome)
}

func TestRunOnceNoWorkAvailable(t *testing.T) {
	store := coordinator.NewMemoryStore()
	seedItem(t, store, "logs__0__0")
	now := time.Now()
	_, err := store.TryAcquireLease(context.Background(), "logs__0__0", now, now.Add(time.Hour), "other")
	require.Nil(t, err)

	w := newTestWorker(&fakeSource{numDocs: 3}, newFakeSink(), store, testConfig("worker1"))
	outcome, err := w.RunOnce(context.Background())
	require.Nil(t, err)
	assert.Equal(t, NoWorkAvailable, outcome)
}

func TestLeaseTriggerHandsOverToSuccessor(t *testing.T) {
	store := coordinator.NewMemoryStore()
	seedItem(t, store, "logs__0__0")
	// only the first five documents are served before the stream blocks
	source := &fakeSource{numDocs: 5, blocking: true}
	sink := newFakeSink()
	cfg := testConfig("worker1").
		WithInitialLeaseDurationMillis(400).
		WithLeaseExpirySafetyMarginMillis(200)
	w := newTestWorker(source, sink, store, cfg)
	outcome, err := w.RunOnce(context.Background())
	require.Nil(t, err)
	assert.Equal(t, WorkItemSplit, outcome)

	parent := record(t, store, "logs__0__0")
	assert.True(t, parent.IsCompleted())
	assert.Equal(t, []string{"logs__0__5"}, parent.SuccessorItems)
	assert.False(t, record(t, store, "logs__0__5").IsCompleted())

	// the successor resumes after the last checkpoint
	source.serve(10, false)
	outcome, err = w.RunOnce(context.Background())
	require.Nil(t, err)
	assert.Equal(t, WorkItemCompleted, outcome)
	assert.Equal(t, []int64{0, 5}, source.openedAt())
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, sink.sentOrdinals("logs"))

	outcome, err = w.RunOnce(context.Background())
	require.Nil(t, err)
	assert.Equal(t, AllWorkComplete, outcome)
}

func TestLeaseTriggerWithoutProgress(t *testing.T) {
	store := coordinator.NewMemoryStore()
	seedItem(t, store, "logs__0__0")
	cfg := testConfig("worker1").
		WithInitialLeaseDurationMillis(300).
		WithLeaseExpirySafetyMarginMillis(200)
	w := newTestWorker(&fakeSource{numDocs: 0, blocking: true}, newFakeSink(), store, cfg)

	_, err := w.RunOnce(context.Background())
	assert.True(t, errors.Is(err, ErrLeaseExpired))

	r := record(t, store, "logs__0__0")
	assert.False(t, r.IsCompleted())
	assert.Equal(t, "worker1", r.LeaseHolderID)
	assert.Empty(t, r.SuccessorItems)
	_, held := w.coordinator.HeldLease("logs__0__0")
	assert.False(t, held)
}

func TestCancellationHandsOverProgress(t *testing.T) {
	store := coordinator.NewMemoryStore()
	seedItem(t, store, "logs__3__20")
	sink := newFakeSink()
	w := newTestWorker(&fakeSource{numDocs: 25, blocking: true}, sink, store, testConfig("worker1"))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	var outcome RunOutcome
	var err error
	go func() {
		defer close(done)
		outcome, err = w.RunOnce(ctx)
	}()

	<-sink.sent
	// the checkpoint is recorded right after the acknowledgment
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	require.Nil(t, err)
	assert.Equal(t, WorkItemSplit, outcome)
	assert.Equal(t, []string{"logs__3__25"}, record(t, store, "logs__3__20").SuccessorItems)
}

func TestFailedBatchLeavesLeaseToExpire(t *testing.T) {
	store := coordinator.NewMemoryStore()
	seedItem(t, store, "logs__0__0")
	sink := newFakeSink()
	sink.alwaysFail["logs-0-2"] = true
	w := newTestWorker(&fakeSource{numDocs: 5}, sink, store, testConfig("worker1"))

	_, err := w.RunOnce(context.Background())
	var batchErr *reindex.BatchFailedError
	require.True(t, errors.As(err, &batchErr))

	r := record(t, store, "logs__0__0")
	assert.False(t, r.IsCompleted())
	assert.Equal(t, 1, r.NumAttempts)
	_, held := w.coordinator.HeldLease("logs__0__0")
	assert.False(t, held)
}

func TestStartAndShutdown(t *testing.T) {
	store := coordinator.NewMemoryStore()
	seedItem(t, store, "logs__0__0")
	seedItem(t, store, "metrics__0__0")
	sink := newFakeSink()
	w := newTestWorker(&fakeSource{numDocs: 12}, sink, store, testConfig("worker1"))

	require.Nil(t, w.Start())
	assert.Eventually(t, func() bool {
		incomplete, err := store.AnyIncomplete(context.Background())
		return err == nil && !incomplete
	}, 5*time.Second, 10*time.Millisecond)
	w.Shutdown()
	w.Shutdown()

	assert.Len(t, sink.sentOrdinals("logs"), 12)
	assert.Len(t, sink.sentOrdinals("metrics"), 12)
}

func TestRunOutcomeString(t *testing.T) {
	assert.Equal(t, "WorkItemSplit", WorkItemSplit.String())
	assert.Equal(t, "RunOutcome(9)", RunOutcome(9).String())
}
