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
	"errors"
	"fmt"

	"github.com/vmware/vmware-go-reindex/clientlibrary/coordinator"
	par "github.com/vmware/vmware-go-reindex/clientlibrary/partition"
	"github.com/vmware/vmware-go-reindex/clientlibrary/workitem"
	"github.com/vmware/vmware-go-reindex/logger"
)

// workItemConsumer reindexes the shard suffix of one leased work item.
type workItemConsumer struct {
	w      *Worker
	status *par.WorkItemStatus
	log    logger.Logger
}

func (w *Worker) newWorkItemConsumer(acquired coordinator.AcquisitionOutcome) *workItemConsumer {
	status := par.NewWorkItemStatus(acquired.WorkItem, acquired.Record.NumAttempts, acquired.LeaseExpiration)
	return &workItemConsumer{
		w:      w,
		status: status,
		log:    w.log.WithFields(logger.Fields{"workItem": acquired.WorkItem.String()}),
	}
}

func (sc *workItemConsumer) consume(ctx context.Context) (RunOutcome, error) {
	item := sc.status.Item
	id := item.String()

	itemCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sc.w.trigger.Register(id, sc.status.TriggerDeadline(sc.w.cfg.LeaseExpirySafetyMargin()), func() {
		sc.status.MarkExpired()
		cancel()
	})
	defer sc.w.trigger.Deregister(id)

	sc.log.Infof("Start reindexing shard %s at sequence %d", item.ShardLocator(), item.Sequence)
	stream, err := sc.w.source.OpenFrom(itemCtx, item.ShardLocator(), item.Sequence)
	if err != nil {
		if interrupted := sc.interrupted(ctx); interrupted != nil {
			return sc.handOver(interrupted)
		}
		sc.releaseLease()
		return 0, fmt.Errorf("unable to open shard %s at %d: %w", item.ShardLocator(), item.Sequence, err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			sc.log.Warnf("Failed to close document stream: %+v", err)
		}
	}()

	err = sc.w.reindexer.ForWorkItem(id).Reindex(itemCtx, item.Name, stream, item.Sequence, sc.status.SetCheckpoint)
	if err == nil {
		sc.w.trigger.Deregister(id)
		if err := sc.w.coordinator.CompleteWorkItem(ctx, item); err != nil {
			return 0, err
		}
		sc.log.Infof("Work item complete, last checkpoint %d", sc.status.GetCheckpoint())
		return WorkItemCompleted, nil
	}

	if interrupted := sc.interrupted(ctx); interrupted != nil {
		return sc.handOver(interrupted)
	}

	// The lease is left to expire; another attempt restarts from the work item sequence.
	sc.releaseLease()
	return 0, err
}

// interrupted returns why processing was stopped from outside, or nil when it was not.
func (sc *workItemConsumer) interrupted(ctx context.Context) error {
	if sc.status.IsExpired() {
		return ErrLeaseExpired
	}
	return ctx.Err()
}

// handOver records a successor resuming after the last checkpoint and completes the work item. Without
// progress the lease is left to expire.
func (sc *workItemConsumer) handOver(cause error) (RunOutcome, error) {
	item := sc.status.Item
	if !sc.status.HasProgress() {
		sc.log.Warnf("Stopped without progress: %v", cause)
		sc.releaseLease()
		return 0, cause
	}

	// The caller's context may already be done when shutting down.
	ctx, cancel := context.WithTimeout(context.Background(), sc.w.cfg.ShutdownGrace())
	defer cancel()

	successor := item.Successor(sc.status.NextSequence())
	_, err := sc.w.coordinator.CreateSuccessorWorkItemsAndMarkComplete(ctx, item,
		[]workitem.WorkItem{successor}, sc.status.NumAttempts)
	if err != nil {
		if errors.Is(err, coordinator.ErrVersionConflict) {
			sc.log.Warnf("Lease was lost before handing over to %s", successor)
		}
		return 0, err
	}

	sc.log.Infof("Handed over to %s: %v", successor, cause)
	return WorkItemSplit, nil
}

func (sc *workItemConsumer) releaseLease() {
	sc.log.Infof("Release lease, it expires at %s", sc.status.LeaseExpiration)
	sc.w.coordinator.ReleaseLease(sc.status.Item.String())
}
