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
package bulk

import (
	"context"
	"net/http"
)

// ItemOutcome is the per document result of a bulk request.
type ItemOutcome struct {
	Operation Operation
	ID        string
	Status    int
	ErrorType string
	Reason    string
}

// Succeeded reports a durable write. Deleting an absent document counts as success.
func (o ItemOutcome) Succeeded() bool {
	if o.ErrorType != "" {
		return false
	}
	if o.Operation == OperationDelete && o.Status == http.StatusNotFound {
		return true
	}
	return o.Status >= 200 && o.Status < 300
}

// Response is the per document outcome report of one bulk request.
type Response struct {
	Items []ItemOutcome
}

// Remaining returns the documents that still need to be sent after resp: those reported failed
// with an error type outside allowlist, and those the response does not mention.
func (r *Response) Remaining(documents []*Document, allowlist Allowlist) []*Document {
	seen := make(map[string]struct{}, len(r.Items))
	failed := make(map[string]struct{})
	for _, item := range r.Items {
		seen[item.ID] = struct{}{}
		if !item.Succeeded() && !allowlist.Allows(item.ErrorType) {
			failed[item.ID] = struct{}{}
		}
	}

	var remaining []*Document
	for _, d := range documents {
		_, wasSeen := seen[d.ID]
		_, hasFailed := failed[d.ID]
		if hasFailed || !wasSeen {
			remaining = append(remaining, d)
		}
	}
	return remaining
}

// Failures returns the outcomes of failed documents, allowlisted ones excluded.
func (r *Response) Failures(allowlist Allowlist) []ItemOutcome {
	var failures []ItemOutcome
	for _, item := range r.Items {
		if !item.Succeeded() && !allowlist.Allows(item.ErrorType) {
			failures = append(failures, item)
		}
	}
	return failures
}

// Sink sends bulk requests to the target cluster. A non nil error means no per document outcome is known.
type Sink interface {
	SendBulk(ctx context.Context, documents []*Document) (*Response, error)
}
