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
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Separator joins the three parts of a work item token. Tokens written by older versions of the
// coordinator use the same format and must stay parseable.
const Separator = "__"

// ErrMalformedWorkItemToken is matched by every token parsing failure.
var ErrMalformedWorkItemToken = errors.New("malformed work item token")

// MalformedTokenError reports a token that does not follow name__partition__sequence.
type MalformedTokenError struct {
	Token  string
	Reason string
}

func (e *MalformedTokenError) Error() string {
	return fmt.Sprintf("malformed work item token %q: %s", e.Token, e.Reason)
}

func (e *MalformedTokenError) Is(target error) bool {
	return target == ErrMalformedWorkItemToken
}

// WorkItem identifies one claimable unit of migration work: a shard of an index (Name, Partition)
// starting at a document sequence ordinal. Values are immutable and compared by their three fields.
type WorkItem struct {
	Name      string
	Partition int
	Sequence  int64
}

// ShardLocator addresses the shard of the snapshot a work item reads from.
type ShardLocator struct {
	IndexName   string
	ShardNumber int
}

func (s ShardLocator) String() string {
	return fmt.Sprintf("%s/%d", s.IndexName, s.ShardNumber)
}

// New validates and builds a WorkItem.
func New(name string, partition int, sequence int64) (WorkItem, error) {
	item := WorkItem{Name: name, Partition: partition, Sequence: sequence}
	if err := item.validate(); err != nil {
		return WorkItem{}, &MalformedTokenError{Token: item.String(), Reason: err.Error()}
	}
	return item, nil
}

// Parse reads a token in the name__partition__sequence format.
func Parse(token string) (WorkItem, error) {
	parts := strings.Split(token, Separator)
	if len(parts) != 3 {
		return WorkItem{}, &MalformedTokenError{Token: token, Reason: fmt.Sprintf("expected 3 parts, found %d", len(parts))}
	}

	partition, err := strconv.Atoi(parts[1])
	if err != nil {
		return WorkItem{}, &MalformedTokenError{Token: token, Reason: "partition is not an integer"}
	}
	sequence, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return WorkItem{}, &MalformedTokenError{Token: token, Reason: "sequence is not an integer"}
	}

	item := WorkItem{Name: parts[0], Partition: partition, Sequence: sequence}
	if err := item.validate(); err != nil {
		return WorkItem{}, &MalformedTokenError{Token: token, Reason: err.Error()}
	}
	// Leases are tracked by token, so only the canonical spelling of a work item is accepted.
	if item.String() != token {
		return WorkItem{}, &MalformedTokenError{Token: token, Reason: "numbers are not in canonical form"}
	}
	return item, nil
}

// MustParse is Parse for tokens known to be valid, mostly in tests.
func MustParse(token string) WorkItem {
	item, err := Parse(token)
	if err != nil {
		panic(err)
	}
	return item
}

func (w WorkItem) validate() error {
	if w.Name == "" {
		return errors.New("name is empty")
	}
	if strings.Contains(w.Name, Separator) {
		return fmt.Errorf("name contains %q", Separator)
	}
	if strings.Contains(w.Name, ",") {
		return errors.New("name contains a comma")
	}
	if w.Partition < 0 {
		return errors.New("partition is negative")
	}
	if w.Sequence < 0 {
		return errors.New("sequence is negative")
	}
	return nil
}

// String returns the storage token of the work item.
func (w WorkItem) String() string {
	return w.Name + Separator + strconv.Itoa(w.Partition) + Separator + strconv.FormatInt(w.Sequence, 10)
}

// ShardLocator returns the shard this work item migrates.
func (w WorkItem) ShardLocator() ShardLocator {
	return ShardLocator{IndexName: w.Name, ShardNumber: w.Partition}
}

// Successor returns the work item that resumes the same shard at nextSequence.
func (w WorkItem) Successor(nextSequence int64) WorkItem {
	return WorkItem{Name: w.Name, Partition: w.Partition, Sequence: nextSequence}
}

// Compare orders work items by name, partition and sequence.
func Compare(a, b WorkItem) int {
	if c := strings.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	switch {
	case a.Partition < b.Partition:
		return -1
	case a.Partition > b.Partition:
		return 1
	case a.Sequence < b.Sequence:
		return -1
	case a.Sequence > b.Sequence:
		return 1
	}
	return 0
}

func (w WorkItem) Less(other WorkItem) bool {
	return Compare(w, other) < 0
}

func (w WorkItem) Equal(other WorkItem) bool {
	return w == other
}

// Tokens converts work items into their storage tokens, keeping order.
func Tokens(items []WorkItem) []string {
	tokens := make([]string, 0, len(items))
	for _, item := range items {
		tokens = append(tokens, item.String())
	}
	return tokens
}
