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
package partition

import (
	"sync"
	"time"

	"github.com/vmware/vmware-go-reindex/clientlibrary/workitem"
)

// WorkItemStatus is the local view of a work item leased by this worker: its lease and the highest
// checkpoint the pipeline reported so far.
type WorkItemStatus struct {
	Item            workitem.WorkItem
	NumAttempts     int
	LeaseExpiration time.Time

	Mux        *sync.RWMutex
	checkpoint int64
	expired    bool
}

func NewWorkItemStatus(item workitem.WorkItem, numAttempts int, leaseExpiration time.Time) *WorkItemStatus {
	return &WorkItemStatus{
		Item:            item,
		NumAttempts:     numAttempts,
		LeaseExpiration: leaseExpiration,
		Mux:             &sync.RWMutex{},
		checkpoint:      item.Sequence - 1,
	}
}

// SetCheckpoint records ordinal as processed. Smaller values than the current checkpoint are ignored.
func (ws *WorkItemStatus) SetCheckpoint(ordinal int64) {
	ws.Mux.Lock()
	defer ws.Mux.Unlock()
	if ordinal > ws.checkpoint {
		ws.checkpoint = ordinal
	}
}

func (ws *WorkItemStatus) GetCheckpoint() int64 {
	ws.Mux.RLock()
	defer ws.Mux.RUnlock()
	return ws.checkpoint
}

// HasProgress reports whether at least the first ordinal of the work item was acknowledged.
func (ws *WorkItemStatus) HasProgress() bool {
	return ws.GetCheckpoint() >= ws.Item.Sequence
}

// NextSequence is the sequence a successor work item resumes at.
func (ws *WorkItemStatus) NextSequence() int64 {
	return ws.GetCheckpoint() + 1
}

func (ws *WorkItemStatus) MarkExpired() {
	ws.Mux.Lock()
	defer ws.Mux.Unlock()
	ws.expired = true
}

func (ws *WorkItemStatus) IsExpired() bool {
	ws.Mux.RLock()
	defer ws.Mux.RUnlock()
	return ws.expired
}

// TriggerDeadline is the moment processing must stop to leave margin before the lease expires.
func (ws *WorkItemStatus) TriggerDeadline(margin time.Duration) time.Time {
	return ws.LeaseExpiration.Add(-margin)
}
