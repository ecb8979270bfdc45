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
package lease

import (
	"sync"
	"time"

	"github.com/vmware/vmware-go-reindex/logger"
)

// ExpirationTrigger fires a callback when a lease held by this process is about to expire. It only
// stops local work; the lease itself is left to expire in the coordination store.
type ExpirationTrigger struct {
	mux    sync.Mutex
	timers map[string]*time.Timer
	clock  func() time.Time
	closed bool
	log    logger.Logger
}

func NewExpirationTrigger(log logger.Logger) *ExpirationTrigger {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &ExpirationTrigger{
		timers: make(map[string]*time.Timer),
		clock:  time.Now,
		log:    log,
	}
}

// WithClock replaces the clock the delay until a deadline is computed from.
func (t *ExpirationTrigger) WithClock(clock func() time.Time) *ExpirationTrigger {
	t.clock = clock
	return t
}

// Register schedules onExpire at deadline for workItemID, replacing any earlier registration of the
// same id. A deadline in the past fires immediately. onExpire runs at most once, on its own goroutine.
func (t *ExpirationTrigger) Register(workItemID string, deadline time.Time, onExpire func()) {
	delay := deadline.Sub(t.clock())
	if delay < 0 {
		delay = 0
	}

	t.mux.Lock()
	defer t.mux.Unlock()
	if t.closed {
		return
	}
	if old, ok := t.timers[workItemID]; ok {
		old.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		t.mux.Lock()
		current, ok := t.timers[workItemID]
		if !ok || current != timer {
			t.mux.Unlock()
			return
		}
		delete(t.timers, workItemID)
		t.mux.Unlock()

		t.log.Warnf("Lease on %s is about to expire, stopping its processing", workItemID)
		onExpire()
	})
	t.timers[workItemID] = timer
}

// Deregister cancels the registration of workItemID. It returns false when nothing was registered
// or the callback already started.
func (t *ExpirationTrigger) Deregister(workItemID string) bool {
	t.mux.Lock()
	defer t.mux.Unlock()

	timer, ok := t.timers[workItemID]
	if !ok {
		return false
	}
	timer.Stop()
	delete(t.timers, workItemID)
	return true
}

// Pending returns the number of registrations that have not fired yet.
func (t *ExpirationTrigger) Pending() int {
	t.mux.Lock()
	defer t.mux.Unlock()
	return len(t.timers)
}

// Close cancels every registration. Later registrations are ignored.
func (t *ExpirationTrigger) Close() {
	t.mux.Lock()
	defer t.mux.Unlock()

	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
	t.closed = true
}
