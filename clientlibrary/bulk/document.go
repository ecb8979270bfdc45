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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmware/vmware-go-reindex/clientlibrary/interfaces"
)

// Operation is the bulk command of a document.
type Operation string

const (
	OperationIndex  Operation = "index"
	OperationDelete Operation = "delete"
)

// ErrMalformedDocument is returned when a transformed document map cannot be turned back into a Document.
var ErrMalformedDocument = errors.New("malformed bulk document")

// Document is the write envelope sent to the target: the bulk command and its payload. Ordinal is
// the sequence ordinal of the snapshot document it was built from.
type Document struct {
	Operation Operation
	Index     string
	ID        string
	Type      string
	Routing   string
	Source    json.RawMessage
	Ordinal   int64

	size int
}

type actionMetadata struct {
	Index   string `json:"_index,omitempty"`
	ID      string `json:"_id,omitempty"`
	Type    string `json:"_type,omitempty"`
	Routing string `json:"routing,omitempty"`
}

// NewDocument builds the envelope of record for the target index.
func NewDocument(index string, record *interfaces.DocumentRecord) *Document {
	op := OperationIndex
	if record.ChangeKind == interfaces.DELETE {
		op = OperationDelete
	}
	return &Document{
		Operation: op,
		Index:     index,
		ID:        record.ID,
		Type:      record.Type,
		Routing:   record.Routing,
		Source:    record.SourceBody,
		Ordinal:   record.SequenceOrdinal,
	}
}

func (d *Document) actionLine() []byte {
	b, _ := json.Marshal(map[Operation]actionMetadata{
		d.Operation: {Index: d.Index, ID: d.ID, Type: d.Type, Routing: d.Routing},
	})
	return b
}

// SerializedSize is the size of the action line plus the source line, newlines excluded.
func (d *Document) SerializedSize() int {
	if d.size == 0 {
		d.size = len(d.actionLine())
		if d.Operation != OperationDelete {
			d.size += len(d.Source)
		}
	}
	return d.size
}

// AppendNDJSON appends the bulk request lines of d to buf.
func (d *Document) AppendNDJSON(buf []byte) []byte {
	buf = append(buf, d.actionLine()...)
	buf = append(buf, '\n')
	if d.Operation != OperationDelete {
		buf = append(buf, d.Source...)
		buf = append(buf, '\n')
	}
	return buf
}

// ToMap returns the bulk shaped map handed to transformers:
// {"index": {"_index": ..., "_id": ...}, "source": {...}}.
func (d *Document) ToMap() (map[string]interface{}, error) {
	meta := map[string]interface{}{"_index": d.Index, "_id": d.ID}
	if d.Type != "" {
		meta["_type"] = d.Type
	}
	if d.Routing != "" {
		meta["routing"] = d.Routing
	}
	m := map[string]interface{}{string(d.Operation): meta}
	if d.Operation != OperationDelete && len(d.Source) > 0 {
		var source map[string]interface{}
		if err := json.Unmarshal(d.Source, &source); err != nil {
			return nil, fmt.Errorf("unable to decode source of document %s: %w", d.ID, err)
		}
		m["source"] = source
	}
	return m, nil
}

// FromMap rebuilds a Document from its transformer map form. The ordinal is not part of the map.
func FromMap(m map[string]interface{}, ordinal int64) (*Document, error) {
	var op Operation
	var meta map[string]interface{}
	for _, candidate := range []Operation{OperationIndex, OperationDelete} {
		if v, ok := m[string(candidate)]; ok {
			if op != "" {
				return nil, fmt.Errorf("%w: more than one operation", ErrMalformedDocument)
			}
			md, ok := v.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%w: %s metadata is not an object", ErrMalformedDocument, candidate)
			}
			op, meta = candidate, md
		}
	}
	if op == "" {
		return nil, fmt.Errorf("%w: no index or delete operation", ErrMalformedDocument)
	}

	d := &Document{
		Operation: op,
		Index:     stringField(meta, "_index"),
		ID:        stringField(meta, "_id"),
		Type:      stringField(meta, "_type"),
		Routing:   stringField(meta, "routing"),
		Ordinal:   ordinal,
	}
	if d.ID == "" {
		return nil, fmt.Errorf("%w: missing _id", ErrMalformedDocument)
	}
	if source, ok := m["source"]; ok && op != OperationDelete {
		b, err := json.Marshal(source)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
		}
		d.Source = b
	}
	return d, nil
}

func stringField(m map[string]interface{}, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
