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
	"fmt"

	"github.com/vmware/vmware-go-reindex/clientlibrary/bulk"
)

// BatchFailedError is returned when a batch still had unsent documents after all retries.
// Checkpoint is the last checkpoint emitted before the failure, or startOrdinal-1 when none was.
type BatchFailedError struct {
	Checkpoint int64
	MaxOrdinal int64
	Attempts   int
	Remaining  []*bulk.Document
	Cause      error
}

func (e *BatchFailedError) Error() string {
	return fmt.Sprintf("bulk batch up to ordinal %d failed after %d attempts with %d documents unsent: %v",
		e.MaxOrdinal, e.Attempts, len(e.Remaining), e.Cause)
}

func (e *BatchFailedError) Unwrap() error {
	return e.Cause
}

// DocumentFailuresError describes the per document failures of the last bulk response.
type DocumentFailuresError struct {
	Failures []bulk.ItemOutcome
	Unseen   int
}

func (e *DocumentFailuresError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("%d documents missing from the bulk response", e.Unseen)
	}
	first := e.Failures[0]
	return fmt.Sprintf("%d documents failed (first %s: %s %s), %d missing from the bulk response",
		len(e.Failures), first.ID, first.ErrorType, first.Reason, e.Unseen)
}
