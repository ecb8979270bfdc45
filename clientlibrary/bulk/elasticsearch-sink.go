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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// ErrBulkRequestFailed is returned when the target rejected a bulk request as a whole.
var ErrBulkRequestFailed = errors.New("bulk request failed")

// ElasticsearchSink sends bulk requests through the _bulk API of an Elasticsearch or OpenSearch cluster.
type ElasticsearchSink struct {
	transport esapi.Transport
}

// NewElasticsearchSink wraps any esapi transport, e.g. an *elasticsearch.Client.
func NewElasticsearchSink(transport esapi.Transport) *ElasticsearchSink {
	return &ElasticsearchSink{transport: transport}
}

// NewElasticsearchSinkWithAddresses creates a client for the target cluster.
func NewElasticsearchSinkWithAddresses(username, password string, addresses ...string) (*ElasticsearchSink, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addresses,
		Username:  username,
		Password:  password,
	})
	if err != nil {
		return nil, err
	}
	return NewElasticsearchSink(client), nil
}

type bulkItemResult struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

type bulkResponseBody struct {
	Errors bool                           `json:"errors"`
	Items  []map[Operation]bulkItemResult `json:"items"`
}

func (s *ElasticsearchSink) SendBulk(ctx context.Context, documents []*Document) (*Response, error) {
	var body []byte
	for _, d := range documents {
		body = d.AppendNDJSON(body)
	}

	req := esapi.BulkRequest{Body: bytes.NewReader(body)}
	res, err := req.Do(ctx, s.transport)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBulkRequestFailed, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return nil, fmt.Errorf("%w: status %d: %s", ErrBulkRequestFailed, res.StatusCode, msg)
	}

	var parsed bulkResponseBody
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: unable to decode response: %v", ErrBulkRequestFailed, err)
	}

	resp := &Response{Items: make([]ItemOutcome, 0, len(parsed.Items))}
	for _, item := range parsed.Items {
		for op, result := range item {
			outcome := ItemOutcome{Operation: op, ID: result.ID, Status: result.Status}
			if result.Error != nil {
				outcome.ErrorType = result.Error.Type
				outcome.Reason = result.Error.Reason
			}
			resp.Items = append(resp.Items, outcome)
		}
	}
	return resp, nil
}
