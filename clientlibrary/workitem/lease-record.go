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
package workitem

import (
	"sort"
	"strings"
	"time"
)

// LeaseRecord is the coordination store state of one work item.
//   - LeaseExpiration nil: never leased.
//   - CompletedAt set: terminal, never cleared.
//   - SuccessorItems set: the item was closed by splitting; immutable once recorded.
type LeaseRecord struct {
	WorkItemID      string
	LeaseExpiration *time.Time
	LeaseHolderID   string
	NumAttempts     int
	CompletedAt     *time.Time
	SuccessorItems  []string
}

func (r *LeaseRecord) IsCompleted() bool {
	return r.CompletedAt != nil
}

// IsLeased reports whether an unexpired lease exists at now.
func (r *LeaseRecord) IsLeased(now time.Time) bool {
	return r.LeaseExpiration != nil && !r.LeaseExpiration.Before(now)
}

// IsClaimable reports whether the item is incomplete and its lease is absent or strictly expired.
func (r *LeaseRecord) IsClaimable(now time.Time) bool {
	if r.IsCompleted() {
		return false
	}
	return r.LeaseExpiration == nil || r.LeaseExpiration.Before(now)
}

func (r *LeaseRecord) HasSuccessors() bool {
	return len(r.SuccessorItems) > 0
}

// SameSuccessors compares the recorded successors with tokens as sets.
func (r *LeaseRecord) SameSuccessors(tokens []string) bool {
	return SameTokenSet(r.SuccessorItems, tokens)
}

// Clone returns a deep copy so that stores can hand out records without sharing state.
func (r *LeaseRecord) Clone() *LeaseRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.LeaseExpiration != nil {
		t := *r.LeaseExpiration
		c.LeaseExpiration = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.SuccessorItems != nil {
		c.SuccessorItems = append([]string(nil), r.SuccessorItems...)
	}
	return &c
}

// JoinSuccessors serializes an ordered successor set into the single string column/attribute
// the stores persist.
func JoinSuccessors(tokens []string) string {
	return strings.Join(tokens, ",")
}

// SplitSuccessors is the inverse of JoinSuccessors. An empty string yields nil.
func SplitSuccessors(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Split(value, ",")
}

// SameTokenSet compares two token lists ignoring order and duplicates.
func SameTokenSet(a, b []string) bool {
	return strings.Join(normalize(a), ",") == strings.Join(normalize(b), ",")
}

func normalize(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
