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

// Batch is an ordered group of documents sent in one bulk request. MaxOrdinal becomes the next
// checkpoint once the batch is acknowledged.
type Batch struct {
	Documents  []*Document
	MaxOrdinal int64
}

func NewBatch(documents []*Document) *Batch {
	b := &Batch{Documents: documents, MaxOrdinal: -1}
	for _, d := range documents {
		if d.Ordinal > b.MaxOrdinal {
			b.MaxOrdinal = d.Ordinal
		}
	}
	return b
}

// Size is the byte size counted against the bulk byte limit, one separator byte per document included.
func (b *Batch) Size() int {
	size := 0
	for _, d := range b.Documents {
		size += d.SerializedSize() + 1
	}
	return size
}

// Allowlist is the immutable set of per document error types treated as successful writes.
type Allowlist struct {
	types map[string]struct{}
}

func NewAllowlist(errorTypes ...string) Allowlist {
	types := make(map[string]struct{}, len(errorTypes))
	for _, t := range errorTypes {
		if t != "" {
			types[t] = struct{}{}
		}
	}
	return Allowlist{types: types}
}

func (a Allowlist) Allows(errorType string) bool {
	if errorType == "" {
		return false
	}
	_, ok := a.types[errorType]
	return ok
}

func (a Allowlist) Len() int {
	return len(a.types)
}
