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
package reindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"testing"
	"time"

	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmware/vmware-go-reindex/clientlibrary/bulk"
	"github.com/vmware/vmware-go-reindex/clientlibrary/config"
	"github.com/vmware/vmware-go-reindex/clientlibrary/interfaces"
	"github.com/vmware/vmware-go-reindex/logger"
)

type sliceStream struct {
	records []*interfaces.DocumentRecord
	next    int
}

func newSliceStream(n int) *sliceStream {
	s := &sliceStream{}
	for i := 0; i < n; i++ {
		s.records = append(s.records, &interfaces.DocumentRecord{
			SequenceOrdinal: int64(i),
			ID:              fmt.Sprintf("d%d", i),
			SourceBody:      json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
			ChangeKind:      interfaces.INDEX,
		})
	}
	return s
}

func (s *sliceStream) Next(ctx context.Context) (*interfaces.DocumentRecord, error) {
	if s.next >= len(s.records) {
		return nil, io.EOF
	}
	r := s.records[s.next]
	s.next++
	return r, nil
}

func (s *sliceStream) Close() error {
	return nil
}

// blockingStream yields its records and then blocks until the context is done.
type blockingStream struct {
	*sliceStream
	blocked chan struct{}
}

func (s *blockingStream) Next(ctx context.Context) (*interfaces.DocumentRecord, error) {
	if s.next < len(s.records) {
		return s.sliceStream.Next(ctx)
	}
	close(s.blocked)
	<-ctx.Done()
	return nil, ctx.Err()
}

// fakeSink acknowledges documents and fails the configured ids.
type fakeSink struct {
	mux        sync.Mutex
	requests   [][]*bulk.Document
	sends      map[string]int
	failOnce   map[string]string
	alwaysFail map[string]string
	failTotal  int
	maxLatency time.Duration
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		sends:      make(map[string]int),
		failOnce:   make(map[string]string),
		alwaysFail: make(map[string]string),
	}
}

func (s *fakeSink) SendBulk(ctx context.Context, documents []*bulk.Document) (*bulk.Response, error) {
	if s.maxLatency > 0 {
		time.Sleep(time.Duration(rand.Int63n(int64(s.maxLatency))))
	}

	s.mux.Lock()
	defer s.mux.Unlock()
	s.requests = append(s.requests, documents)
	if s.failTotal > 0 {
		s.failTotal--
		return nil, fmt.Errorf("%w: status 503", bulk.ErrBulkRequestFailed)
	}

	resp := &bulk.Response{}
	for _, d := range documents {
		s.sends[d.ID]++
		outcome := bulk.ItemOutcome{Operation: d.Operation, ID: d.ID, Status: http.StatusCreated}
		if errorType, ok := s.failOnce[d.ID]; ok {
			delete(s.failOnce, d.ID)
			outcome.Status, outcome.ErrorType = http.StatusTooManyRequests, errorType
		}
		if errorType, ok := s.alwaysFail[d.ID]; ok {
			outcome.Status, outcome.ErrorType = http.StatusConflict, errorType
		}
		resp.Items = append(resp.Items, outcome)
	}
	return resp, nil
}

func (s *fakeSink) requestSizes() []int {
	s.mux.Lock()
	defer s.mux.Unlock()
	var sizes []int
	for _, r := range s.requests {
		sizes = append(sizes, len(r))
	}
	return sizes
}

func (s *fakeSink) sentOrdinals() []int64 {
	s.mux.Lock()
	defer s.mux.Unlock()
	var ordinals []int64
	for _, r := range s.requests {
		for _, d := range r {
			ordinals = append(ordinals, d.Ordinal)
		}
	}
	return ordinals
}

type recordingFailedLogger struct {
	mux      sync.Mutex
	requests []logger.FailedRequest
}

func (l *recordingFailedLogger) LogFailedRequest(request logger.FailedRequest) {
	l.mux.Lock()
	defer l.mux.Unlock()
	l.requests = append(l.requests, request)
}

type checkpoints struct {
	mux    sync.Mutex
	values []int64
}

func (c *checkpoints) record(v int64) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.values = append(c.values, v)
}

func (c *checkpoints) get() []int64 {
	c.mux.Lock()
	defer c.mux.Unlock()
	return append([]int64(nil), c.values...)
}

func testConfig() *config.MigrationConfiguration {
	return config.NewMigrationConfig("reindex", "session1", "worker1").
		WithBulkLimits(5, 10*1024*1024).
		WithMaxConcurrentBulkRequests(1).
		WithBulkRetries(3, 1, 5, 1000)
}

func TestBatchingByCount(t *testing.T) {
	sink := newFakeSink()
	var cp checkpoints
	r := NewDocumentReindexer(sink, testConfig())

	err := r.Reindex(context.Background(), "logs", newSliceStream(12), 0, cp.record)
	require.Nil(t, err)
	assert.Equal(t, []int{5, 5, 2}, sink.requestSizes())
	assert.Equal(t, []int64{4, 9, 11}, cp.get())
}

func TestBatchingByBytes(t *testing.T) {
	stream := newSliceStream(2)
	first := bulk.NewDocument("logs", stream.records[0])
	second := bulk.NewDocument("logs", stream.records[1])
	budget := first.SerializedSize() + 1 + second.SerializedSize() + 1 - 1

	sink := newFakeSink()
	var cp checkpoints
	r := NewDocumentReindexer(sink, testConfig().WithBulkLimits(100, budget))

	require.Nil(t, r.Reindex(context.Background(), "logs", stream, 0, cp.record))
	assert.Equal(t, []int{1, 1}, sink.requestSizes())
	assert.Equal(t, []int64{0, 1}, cp.get())
}

func TestOversizedDocumentTravelsAlone(t *testing.T) {
	sink := newFakeSink()
	r := NewDocumentReindexer(sink, testConfig().WithBulkLimits(100, 1))

	require.Nil(t, r.Reindex(context.Background(), "logs", newSliceStream(3), 0, nil))
	assert.Equal(t, []int{1, 1, 1}, sink.requestSizes())
}

func TestCheckpointMonotonicity(t *testing.T) {
	for run := 0; run < 5; run++ {
		sink := newFakeSink()
		sink.maxLatency = 3 * time.Millisecond
		var cp checkpoints
		cfg := testConfig().WithBulkLimits(7, 10*1024*1024).WithMaxConcurrentBulkRequests(8)
		r := NewDocumentReindexer(sink, cfg)

		require.Nil(t, r.Reindex(context.Background(), "logs", newSliceStream(200), 0, cp.record))
		values := cp.get()
		require.NotEmpty(t, values)
		for i := 1; i < len(values); i++ {
			assert.LessOrEqual(t, values[i-1], values[i])
		}
		assert.Equal(t, int64(199), values[len(values)-1])
		assert.Len(t, values, 29)
	}
}

func TestPartialFailureRetry(t *testing.T) {
	sink := newFakeSink()
	sink.failOnce["d7"] = "es_rejected_execution_exception"
	var cp checkpoints
	r := NewDocumentReindexer(sink, testConfig().WithBulkLimits(10, 10*1024*1024))

	require.Nil(t, r.Reindex(context.Background(), "logs", newSliceStream(10), 0, cp.record))
	assert.Equal(t, 2, sink.sends["d7"])
	for id, n := range sink.sends {
		if id != "d7" {
			assert.Equal(t, 1, n, id)
		}
	}
	assert.Equal(t, []int{10, 1}, sink.requestSizes())
	assert.Equal(t, []int64{9}, cp.get())
}

func TestAllowlistedFailureIsSuccess(t *testing.T) {
	sink := newFakeSink()
	sink.alwaysFail["d7"] = "version_conflict_engine_exception"
	var cp checkpoints
	cfg := testConfig().
		WithBulkLimits(10, 10*1024*1024).
		WithAllowedBulkErrorTypes("version_conflict_engine_exception")
	r := NewDocumentReindexer(sink, cfg)

	require.Nil(t, r.Reindex(context.Background(), "logs", newSliceStream(10), 0, cp.record))
	assert.Equal(t, 1, sink.sends["d7"])
	assert.Equal(t, []int64{9}, cp.get())
}

func TestRetriesExhausted(t *testing.T) {
	sink := newFakeSink()
	sink.alwaysFail["d7"] = "mapper_parsing_exception"
	failed := &recordingFailedLogger{}
	var cp checkpoints
	cfg := testConfig().WithBulkLimits(5, 10*1024*1024).WithBulkRetries(2, 1, 2, 1000)
	r := NewDocumentReindexer(sink, cfg, WithFailedRequestsLogger(failed)).ForWorkItem("logs__0__0")

	err := r.Reindex(context.Background(), "logs", newSliceStream(15), 0, cp.record)
	var batchErr *BatchFailedError
	require.True(t, errors.As(err, &batchErr))
	assert.Equal(t, 3, batchErr.Attempts)
	assert.Equal(t, int64(4), batchErr.Checkpoint)
	assert.Equal(t, int64(9), batchErr.MaxOrdinal)
	require.Len(t, batchErr.Remaining, 1)
	assert.Equal(t, "d7", batchErr.Remaining[0].ID)
	assert.Equal(t, 3, sink.sends["d7"])
	assert.Equal(t, []int64{4}, cp.get())

	require.Len(t, failed.requests, 1)
	request := failed.requests[0]
	assert.Equal(t, "logs__0__0", request.WorkItem)
	assert.Equal(t, "logs", request.Index)
	require.Len(t, request.Documents, 1)
	assert.Equal(t, "mapper_parsing_exception", request.Documents[0].ErrorType)
	assert.Equal(t, int64(7), request.Documents[0].Ordinal)
}

func TestRetriesExhaustedStayOffMainLog(t *testing.T) {
	sink := newFakeSink()
	sink.alwaysFail["d2"] = "mapper_parsing_exception"
	mainLog, hook := logrustest.NewNullLogger()
	cfg := testConfig().WithBulkRetries(1, 1, 2, 1000).WithLogger(logger.NewLogrusLogger(mainLog))
	r := NewDocumentReindexer(sink, cfg)
	require.NotNil(t, r.failedLog)

	err := r.Reindex(context.Background(), "logs", newSliceStream(3), 0, nil)
	var batchErr *BatchFailedError
	require.True(t, errors.As(err, &batchErr))

	for _, entry := range hook.AllEntries() {
		assert.NotContains(t, entry.Message, "failed permanently")
		assert.NotContains(t, entry.Data, "documents")
	}
}

func TestTotalBackoffCeiling(t *testing.T) {
	sink := newFakeSink()
	sink.alwaysFail["d1"] = "mapper_parsing_exception"
	cfg := testConfig().WithBulkRetries(100, 2, 4, 10)
	r := NewDocumentReindexer(sink, cfg, WithFailedRequestsLogger(&recordingFailedLogger{}))

	err := r.Reindex(context.Background(), "logs", newSliceStream(3), 0, nil)
	var batchErr *BatchFailedError
	require.True(t, errors.As(err, &batchErr))
	// waits of 2, 4 and 4 ms fit the ceiling, the next one does not
	assert.Equal(t, 4, batchErr.Attempts)
}

func TestTotalRequestFailureIsRetried(t *testing.T) {
	sink := newFakeSink()
	sink.failTotal = 1
	var cp checkpoints
	r := NewDocumentReindexer(sink, testConfig())

	require.Nil(t, r.Reindex(context.Background(), "logs", newSliceStream(3), 0, cp.record))
	assert.Equal(t, []int{3, 3}, sink.requestSizes())
	assert.Equal(t, []int64{2}, cp.get())
}

func TestResumption(t *testing.T) {
	sink := newFakeSink()
	var cp checkpoints
	r := NewDocumentReindexer(sink, testConfig())

	require.Nil(t, r.Reindex(context.Background(), "logs", newSliceStream(20), 10, cp.record))
	ordinals := sink.sentOrdinals()
	assert.Len(t, ordinals, 10)
	for _, o := range ordinals {
		assert.GreaterOrEqual(t, o, int64(10))
	}
	assert.Equal(t, []int64{14, 19}, cp.get())
}

func TestTransformerKeepsOrder(t *testing.T) {
	var calls int32
	var mux sync.Mutex
	transformer := interfaces.TransformerFunc(func(documents []map[string]interface{}) ([]map[string]interface{}, error) {
		mux.Lock()
		calls++
		mux.Unlock()
		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
		for _, d := range documents {
			d["source"].(map[string]interface{})["migrated"] = true
			d["index"].(map[string]interface{})["_index"] = "logs-v2"
		}
		return documents, nil
	})
	sink := newFakeSink()
	var cp checkpoints
	cfg := testConfig().WithTransformParallelism(3, 4)
	r := NewDocumentReindexer(sink, cfg, WithTransformer(transformer))

	require.Nil(t, r.Reindex(context.Background(), "logs", newSliceStream(50), 0, cp.record))
	ordinals := sink.sentOrdinals()
	require.Len(t, ordinals, 50)
	for i, o := range ordinals {
		assert.Equal(t, int64(i), o)
	}
	assert.Equal(t, int32(17), calls)

	first := sink.requests[0][0]
	assert.Equal(t, "logs-v2", first.Index)
	assert.JSONEq(t, `{"n":0,"migrated":true}`, string(first.Source))
	assert.Equal(t, int64(49), cp.get()[len(cp.get())-1])
}

func TestTransformerChangingDocumentCount(t *testing.T) {
	// keeps only the first document of every group
	transformer := interfaces.TransformerFunc(func(documents []map[string]interface{}) ([]map[string]interface{}, error) {
		return documents[:1], nil
	})
	sink := newFakeSink()
	var cp checkpoints
	cfg := testConfig().WithTransformParallelism(4, 2).WithBulkLimits(1, 10*1024*1024)
	r := NewDocumentReindexer(sink, cfg, WithTransformer(transformer))

	require.Nil(t, r.Reindex(context.Background(), "logs", newSliceStream(8), 0, cp.record))
	assert.Equal(t, []int64{3, 7}, cp.get())
	assert.Equal(t, 1, sink.sends["d0"])
	assert.Equal(t, 1, sink.sends["d4"])
}

func TestTransformerFailure(t *testing.T) {
	transformer := interfaces.TransformerFunc(func(documents []map[string]interface{}) ([]map[string]interface{}, error) {
		return nil, errors.New("boom")
	})
	r := NewDocumentReindexer(newFakeSink(), testConfig(), WithTransformer(transformer))

	err := r.Reindex(context.Background(), "logs", newSliceStream(8), 0, nil)
	assert.EqualError(t, err, "unable to transform documents 0 to 7: boom")
}

func TestNoopTransformerIsBypassed(t *testing.T) {
	sink := newFakeSink()
	r := NewDocumentReindexer(sink, testConfig(), WithTransformer(interfaces.NoopTransformer{}))
	assert.True(t, interfaces.IsNoop(r.transformer))

	require.Nil(t, r.Reindex(context.Background(), "logs", newSliceStream(6), 0, nil))
	assert.Equal(t, []int{5, 1}, sink.requestSizes())
}

func TestCancellationStopsPromptly(t *testing.T) {
	stream := &blockingStream{sliceStream: newSliceStream(3), blocked: make(chan struct{})}
	sink := newFakeSink()
	r := NewDocumentReindexer(sink, testConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- r.Reindex(ctx, "logs", stream, 0, nil)
	}()

	<-stream.blocked
	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not observe cancellation")
	}
}
