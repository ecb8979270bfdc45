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
package interfaces

// Transformer rewrites groups of documents before they are sent to the target. A document is the
// map form of a bulk envelope, see bulk.Document.ToMap. Implementations must be safe for concurrent
// use and must not reorder documents.
type Transformer interface {
	Transform(documents []map[string]interface{}) ([]map[string]interface{}, error)
}

// NoopTransformer returns its input unchanged. The reindex pipeline recognizes it and skips the
// transformation stage.
type NoopTransformer struct{}

func (NoopTransformer) Transform(documents []map[string]interface{}) ([]map[string]interface{}, error) {
	return documents, nil
}

// TransformerFunc adapts a plain function to Transformer.
type TransformerFunc func(documents []map[string]interface{}) ([]map[string]interface{}, error)

func (f TransformerFunc) Transform(documents []map[string]interface{}) ([]map[string]interface{}, error) {
	return f(documents)
}

// IsNoop tells whether t can be bypassed.
func IsNoop(t Transformer) bool {
	switch t.(type) {
	case nil, NoopTransformer, *NoopTransformer:
		return true
	}
	return false
}
