/*
 * Copyright (c) 2020 VMware, Inc.
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

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go/aws"

	"github.com/vmware/vmware-go-reindex/clientlibrary/workitem"
)

const (
	// INDEX writes the document source under its id, replacing any previous version.
	INDEX ChangeKind = iota + 1

	// DELETE removes the document with the given id from the target.
	DELETE
)

type (
	// ChangeKind tells whether a document read from the snapshot is written or removed on the target.
	ChangeKind int

	// DocumentRecord is one document read from a snapshot shard. It only lives while in flight.
	DocumentRecord struct {
		// SequenceOrdinal increases monotonically within one shard's stream and is the checkpoint unit.
		SequenceOrdinal int64

		ID string

		// Type is the legacy mapping type. Empty for clusters without mapping types.
		Type string

		SourceBody json.RawMessage

		// Routing is the optional shard-routing key.
		Routing string

		ChangeKind ChangeKind
	}

	// DocumentStream is a lazy ordered sequence of documents of one shard. Next returns io.EOF after
	// the last document.
	DocumentStream interface {
		Next(ctx context.Context) (*DocumentRecord, error)
		Close() error
	}

	// DocumentSource opens the ordered document stream of a snapshot shard. Opening at startOrdinal
	// must replay a suffix of the same total order the shard produced originally.
	DocumentSource interface {
		OpenFrom(ctx context.Context, shard workitem.ShardLocator, startOrdinal int64) (DocumentStream, error)
	}

	// ShardEnumerator lists the shards of the snapshot that need to be migrated.
	ShardEnumerator interface {
		ListShards(ctx context.Context) ([]workitem.ShardLocator, error)
	}
)

var changeKindMap = map[ChangeKind]*string{
	INDEX:  aws.String("INDEX"),
	DELETE: aws.String("DELETE"),
}

func ChangeKindMessage(kind ChangeKind) *string {
	return changeKindMap[kind]
}
