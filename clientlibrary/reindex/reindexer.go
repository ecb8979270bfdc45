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
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/vmware/vmware-go-reindex/clientlibrary/bulk"
	"github.com/vmware/vmware-go-reindex/clientlibrary/config"
	"github.com/vmware/vmware-go-reindex/clientlibrary/interfaces"
	"github.com/vmware/vmware-go-reindex/clientlibrary/metrics"
	"github.com/vmware/vmware-go-reindex/logger"
)

// batchBuffer is the number of closed batches waiting for a free sender.
const batchBuffer = 2

// DocumentReindexer streams the documents of one shard into the target cluster: read, transform,
// batch, send and checkpoint, each stage connected to the next by a bounded channel.
type DocumentReindexer struct {
	sink        bulk.Sink
	transformer interfaces.Transformer
	failedLog   logger.FailedRequestsLogger
	log         logger.Logger
	mService    metrics.MonitoringService
	limiter     *rate.Limiter
	workItem    string

	maxDocs          int
	maxBytes         int
	concurrency      int
	groupSize        int
	transformWorkers int

	maxRetries      int
	initialBackoff  time.Duration
	maxBackoff      time.Duration
	maxTotalBackoff time.Duration
	allowlist       bulk.Allowlist
}

// Option customizes a DocumentReindexer.
type Option func(*DocumentReindexer)

func WithTransformer(transformer interfaces.Transformer) Option {
	return func(r *DocumentReindexer) {
		r.transformer = transformer
	}
}

// WithFailedRequestsLogger replaces the side channel receiving batches that exhausted their retries.
func WithFailedRequestsLogger(failedLog logger.FailedRequestsLogger) Option {
	return func(r *DocumentReindexer) {
		r.failedLog = failedLog
	}
}

func NewDocumentReindexer(sink bulk.Sink, cfg *config.MigrationConfiguration, opts ...Option) *DocumentReindexer {
	log := cfg.Logger
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	mService := cfg.MonitoringService
	if mService == nil {
		mService = metrics.NoopMonitoringService{}
	}

	r := &DocumentReindexer{
		sink:             sink,
		log:              log,
		mService:         mService,
		maxDocs:          cfg.MaxDocsPerBulkRequest,
		maxBytes:         cfg.MaxBytesPerBulkRequest,
		concurrency:      cfg.MaxConcurrentBulkRequests,
		groupSize:        cfg.TransformGroupSize,
		transformWorkers: cfg.TransformWorkers,
		maxRetries:       cfg.MaxBulkRetries,
		initialBackoff:   cfg.InitialBulkBackoff(),
		maxBackoff:       cfg.MaxBulkBackoff(),
		maxTotalBackoff:  cfg.MaxTotalBulkBackoff(),
		allowlist:        bulk.NewAllowlist(cfg.AllowedBulkErrorTypes...),
	}
	if r.concurrency <= 0 {
		r.concurrency = 1
	}
	if r.groupSize <= 0 {
		r.groupSize = 1
	}
	if r.transformWorkers <= 0 {
		r.transformWorkers = runtime.NumCPU()
	}
	if cfg.MaxBulkRequestsPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.MaxBulkRequestsPerSecond), r.concurrency)
	}

	if cfg.FailedRequestsLogFile != "" {
		r.failedLog = logger.NewFailedRequestsFileLogger(logger.Configuration{
			EnableFile:     true,
			FileJSONFormat: true,
			Filename:       cfg.FailedRequestsLogFile,
		}, log)
	} else {
		r.failedLog = logger.NewFailedRequestsLogger(os.Stderr)
	}

	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ForWorkItem returns a reindexer sharing r's sink, rate limit and side channel whose logs and
// failure reports name workItem.
func (r *DocumentReindexer) ForWorkItem(workItem string) *DocumentReindexer {
	c := *r
	c.workItem = workItem
	c.log = r.log.WithFields(logger.Fields{"workItem": workItem})
	return &c
}

// Reindex sends every document of stream with an ordinal of at least startOrdinal to index. After
// each batch is acknowledged by the target, onCheckpoint receives the batch's highest ordinal;
// checkpoints are emitted in stream order and never decrease. Reindex returns nil at the end of the
// stream, the context error on cancellation, and *BatchFailedError when a batch exhausted its retries.
func (r *DocumentReindexer) Reindex(ctx context.Context, index string, stream interfaces.DocumentStream,
	startOrdinal int64, onCheckpoint func(int64)) error {
	g, gctx := errgroup.WithContext(ctx)

	documents := make(chan *bulk.Document, r.maxDocs)
	g.Go(func() error {
		defer close(documents)
		return r.read(gctx, index, stream, startOrdinal, documents)
	})

	toBatch := documents
	if !interfaces.IsNoop(r.transformer) {
		transformed := make(chan *bulk.Document, r.maxDocs)
		g.Go(func() error {
			defer close(transformed)
			return r.transform(gctx, index, documents, transformed)
		})
		toBatch = transformed
	}

	batches := make(chan *bulk.Batch, batchBuffer)
	g.Go(func() error {
		defer close(batches)
		return r.batch(gctx, toBatch, batches)
	})

	g.Go(func() error {
		return r.send(gctx, index, batches, startOrdinal-1, onCheckpoint)
	})

	return g.Wait()
}

func (r *DocumentReindexer) read(ctx context.Context, index string, stream interfaces.DocumentStream,
	startOrdinal int64, out chan<- *bulk.Document) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		record, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("unable to read document stream: %w", err)
		}
		if record.SequenceOrdinal < startOrdinal {
			continue
		}

		select {
		case out <- bulk.NewDocument(index, record):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// batch closes a batch when it holds maxDocs documents or when the next document would push it past
// maxBytes. A single document larger than maxBytes travels alone.
func (r *DocumentReindexer) batch(ctx context.Context, in <-chan *bulk.Document, out chan<- *bulk.Batch) error {
	var current []*bulk.Document
	size := 0

	flush := func() error {
		if len(current) == 0 {
			return nil
		}
		select {
		case out <- bulk.NewBatch(current):
		case <-ctx.Done():
			return ctx.Err()
		}
		current, size = nil, 0
		return nil
	}

	for {
		var d *bulk.Document
		var ok bool
		select {
		case d, ok = <-in:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !ok {
			return flush()
		}

		docSize := d.SerializedSize() + 1
		if len(current) > 0 && size+docSize > r.maxBytes {
			if err := flush(); err != nil {
				return err
			}
		}
		current = append(current, d)
		size += docSize
		if len(current) >= r.maxDocs {
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

// pendingBatch is a batch handed to a sender. done is closed once err is final.
type pendingBatch struct {
	batch *bulk.Batch
	done  chan struct{}
	err   error
}

// send runs up to concurrency bulk requests at once and emits checkpoints in batch order.
func (r *DocumentReindexer) send(ctx context.Context, index string, batches <-chan *bulk.Batch,
	checkpoint int64, onCheckpoint func(int64)) error {
	g, gctx := errgroup.WithContext(ctx)
	pending := make(chan *pendingBatch, r.concurrency)

	g.Go(func() error {
		defer close(pending)

		var senders sync.WaitGroup
		defer senders.Wait()

		slots := make(chan struct{}, r.concurrency)
		for {
			var batch *bulk.Batch
			var ok bool
			select {
			case batch, ok = <-batches:
			case <-gctx.Done():
				return gctx.Err()
			}
			if !ok {
				return nil
			}

			select {
			case slots <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}

			p := &pendingBatch{batch: batch, done: make(chan struct{})}
			senders.Add(1)
			go func() {
				defer senders.Done()
				defer func() { <-slots }()
				p.err = r.sendWithRetry(gctx, index, p.batch)
				close(p.done)
			}()

			select {
			case pending <- p:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		for p := range pending {
			<-p.done
			if p.err != nil {
				var failed *BatchFailedError
				if errors.As(p.err, &failed) {
					failed.Checkpoint = checkpoint
				}
				return p.err
			}
			checkpoint = p.batch.MaxOrdinal
			r.mService.RecordCheckpoint(r.workItem, checkpoint)
			if onCheckpoint != nil {
				onCheckpoint(checkpoint)
			}
		}
		return nil
	})

	return g.Wait()
}

// sendWithRetry sends batch until every document is acknowledged, resending only the documents the
// previous response did not acknowledge.
func (r *DocumentReindexer) sendWithRetry(ctx context.Context, index string, batch *bulk.Batch) error {
	remaining := batch.Documents
	backoff := r.initialBackoff
	var waited time.Duration
	var lastErr error
	failures := make(map[string]bulk.ItemOutcome)

	for attempt := 1; ; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		start := time.Now()
		resp, err := r.sink.SendBulk(ctx, remaining)
		r.mService.RecordBulkRequestTime(index, float64(time.Since(start).Milliseconds()))

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
		} else {
			next := resp.Remaining(remaining, r.allowlist)
			r.recordSent(index, remaining, next)
			if len(next) == 0 {
				return nil
			}

			docFailures := resp.Failures(r.allowlist)
			for _, f := range docFailures {
				failures[f.ID] = f
			}
			lastErr = &DocumentFailuresError{Failures: docFailures, Unseen: len(next) - len(docFailures)}
			remaining = next
		}

		if attempt > r.maxRetries || waited+backoff > r.maxTotalBackoff {
			r.reportFailure(index, batch, remaining, failures, attempt, lastErr)
			return &BatchFailedError{
				MaxOrdinal: batch.MaxOrdinal,
				Attempts:   attempt,
				Remaining:  remaining,
				Cause:      lastErr,
			}
		}

		r.mService.IncrBulkRetries(index)
		r.log.Warnf("Bulk request to %s failed on attempt %d, retrying %d documents in %s: %v",
			index, attempt, len(remaining), backoff, lastErr)
		if err := sleep(ctx, backoff); err != nil {
			return err
		}
		waited += backoff
		backoff *= 2
		if backoff > r.maxBackoff {
			backoff = r.maxBackoff
		}
	}
}

func (r *DocumentReindexer) recordSent(index string, sent, remaining []*bulk.Document) {
	unsent := make(map[*bulk.Document]struct{}, len(remaining))
	for _, d := range remaining {
		unsent[d] = struct{}{}
	}
	var count int
	var bytes int64
	for _, d := range sent {
		if _, ok := unsent[d]; !ok {
			count++
			bytes += int64(d.SerializedSize() + 1)
		}
	}
	r.mService.IncrDocumentsSent(index, count)
	r.mService.IncrBytesSent(index, bytes)
}

func (r *DocumentReindexer) reportFailure(index string, batch *bulk.Batch, remaining []*bulk.Document,
	failures map[string]bulk.ItemOutcome, attempts int, cause error) {
	documents := make([]logger.FailedDocument, 0, len(remaining))
	for _, d := range remaining {
		f := failures[d.ID]
		documents = append(documents, logger.FailedDocument{
			ID:        d.ID,
			Operation: string(d.Operation),
			Ordinal:   d.Ordinal,
			Routing:   d.Routing,
			ErrorType: f.ErrorType,
			Reason:    f.Reason,
			Source:    d.Source,
		})
	}

	r.mService.IncrDocumentsFailed(index, len(remaining))
	r.failedLog.LogFailedRequest(logger.FailedRequest{
		Timestamp:  time.Now().UTC(),
		WorkItem:   r.workItem,
		Index:      index,
		MaxOrdinal: batch.MaxOrdinal,
		Attempts:   attempts,
		Error:      cause.Error(),
		Documents:  documents,
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
