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
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/vmware/vmware-go-reindex/clientlibrary/database/models"
	"github.com/vmware/vmware-go-reindex/clientlibrary/workitem"
	"github.com/vmware/vmware-go-reindex/logger"
)

const searchIndexMapping = `{
  "settings": {"number_of_shards": 1, "number_of_replicas": 1},
  "mappings": {
    "properties": {
      "workItemId":      {"type": "keyword"},
      "leaseExpiration": {"type": "long"},
      "leaseHolderId":   {"type": "keyword"},
      "numAttempts":     {"type": "integer"},
      "completedAt":     {"type": "long"},
      "successorItems":  {"type": "keyword", "index": false}
    }
  }
}`

// searchIndexDocument is the stored form of a lease record. Timestamps are epoch milliseconds.
type searchIndexDocument struct {
	WorkItemID      string `json:"workItemId"`
	LeaseExpiration *int64 `json:"leaseExpiration,omitempty"`
	LeaseHolderID   string `json:"leaseHolderId,omitempty"`
	NumAttempts     int    `json:"numAttempts"`
	CompletedAt     *int64 `json:"completedAt,omitempty"`
	SuccessorItems  string `json:"successorItems,omitempty"`
}

// versionedDocument is a document together with the sequence number and primary term used for
// optimistic concurrency control.
type versionedDocument struct {
	record      *workitem.LeaseRecord
	seqNo       int
	primaryTerm int
}

// SearchIndexStore keeps one document per work item in an Elasticsearch or OpenSearch index.
// Every mutation is a read followed by a write conditioned on if_seq_no and if_primary_term, and
// every write refreshes the index so the next search sees it.
type SearchIndexStore struct {
	transport esapi.Transport
	index     string
	log       logger.Logger
}

func NewSearchIndexStore(transport esapi.Transport, index string, log logger.Logger) *SearchIndexStore {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &SearchIndexStore{transport: transport, index: index, log: log}
}

// NewSearchIndexStoreWithAddresses creates a client for the coordination cluster.
func NewSearchIndexStoreWithAddresses(index, username, password string, log logger.Logger,
	addresses ...string) (*SearchIndexStore, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addresses,
		Username:  username,
		Password:  password,
	})
	if err != nil {
		return nil, storeError("connect", "", err)
	}
	return NewSearchIndexStore(client, index, log), nil
}

func (s *SearchIndexStore) Init(ctx context.Context) error {
	res, err := esapi.IndicesExistsRequest{Index: []string{s.index}}.Do(ctx, s.transport)
	if err != nil {
		return storeError("init", "", err)
	}
	drain(res)
	if res.StatusCode == http.StatusOK {
		return nil
	}

	s.log.Infof("Creating coordination index %s", s.index)
	res, err = esapi.IndicesCreateRequest{
		Index: s.index,
		Body:  bytes.NewReader([]byte(searchIndexMapping)),
	}.Do(ctx, s.transport)
	if err != nil {
		return storeError("init", "", err)
	}
	defer drain(res)

	// another worker may have created the index concurrently
	if res.IsError() && res.StatusCode != http.StatusBadRequest {
		return storeError("init", "", responseError(res))
	}
	if res.StatusCode == http.StatusBadRequest {
		body, _ := io.ReadAll(res.Body)
		if !bytes.Contains(body, []byte("resource_already_exists_exception")) {
			return storeError("init", "", fmt.Errorf("status %d: %s", res.StatusCode, body))
		}
	}
	return nil
}

func (s *SearchIndexStore) TryCreateIfAbsent(ctx context.Context, workItemID string) (CreateOutcome, error) {
	body, err := json.Marshal(&searchIndexDocument{WorkItemID: workItemID})
	if err != nil {
		return 0, storeError("create", workItemID, err)
	}
	res, err := esapi.CreateRequest{
		Index:      s.index,
		DocumentID: workItemID,
		Body:       bytes.NewReader(body),
		Refresh:    "true",
	}.Do(ctx, s.transport)
	if err != nil {
		return 0, storeError("create", workItemID, err)
	}
	defer drain(res)

	switch {
	case res.StatusCode == http.StatusConflict:
		return AlreadyExisted, nil
	case res.IsError():
		return 0, storeError("create", workItemID, responseError(res))
	}
	return Created, nil
}

func (s *SearchIndexStore) FindOneClaimable(ctx context.Context, now time.Time) (string, bool, error) {
	query := map[string]interface{}{
		"size":    1,
		"_source": false,
		"query": map[string]interface{}{
			"function_score": map[string]interface{}{
				"query":        claimableQuery(now),
				"random_score": map[string]interface{}{},
			},
		},
	}
	body, err := json.Marshal(query)
	if err != nil {
		return "", false, storeError("find claimable", "", err)
	}

	res, err := esapi.SearchRequest{
		Index: []string{s.index},
		Body:  bytes.NewReader(body),
	}.Do(ctx, s.transport)
	if err != nil {
		return "", false, storeError("find claimable", "", err)
	}
	defer drain(res)
	if res.IsError() {
		return "", false, storeError("find claimable", "", responseError(res))
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				ID string `json:"_id"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", false, storeError("find claimable", "", err)
	}
	if len(parsed.Hits.Hits) == 0 {
		return "", false, nil
	}
	return parsed.Hits.Hits[0].ID, true, nil
}

func (s *SearchIndexStore) TryAcquireLease(ctx context.Context, workItemID string, now, expiration time.Time,
	holderID string) (*workitem.LeaseRecord, error) {
	current, err := s.get(ctx, workItemID)
	if err != nil {
		return nil, err
	}
	if !current.record.IsClaimable(now) {
		return nil, ErrLeaseConflict
	}

	record := current.record.Clone()
	record.LeaseExpiration = &expiration
	record.LeaseHolderID = holderID
	record.NumAttempts++

	written, err := s.put(ctx, "acquire", record, current)
	if err != nil {
		return nil, err
	}
	if !written {
		s.log.Debugf("Lost the lease race for %s", workItemID)
		return nil, ErrLeaseConflict
	}
	return record, nil
}

func (s *SearchIndexStore) TryComplete(ctx context.Context, workItemID string, version LeaseVersion, now time.Time) error {
	current, err := s.get(ctx, workItemID)
	if err != nil {
		return err
	}
	r := current.record
	if r.IsCompleted() || r.LeaseHolderID != version.HolderID || r.NumAttempts != version.NumAttempts {
		return evaluateCompletion(r, version)
	}

	record := r.Clone()
	record.CompletedAt = &now
	written, err := s.put(ctx, "complete", record, current)
	if err != nil {
		return err
	}
	if written {
		return nil
	}

	current, err = s.get(ctx, workItemID)
	if err != nil {
		return err
	}
	return evaluateCompletion(current.record, version)
}

func (s *SearchIndexStore) TrySetSuccessorsAndComplete(ctx context.Context, workItemID string, successors []string,
	version LeaseVersion, now time.Time) (SuccessorOutcome, error) {
	current, err := s.get(ctx, workItemID)
	if err != nil {
		return 0, err
	}
	outcome, proceed, err := evaluateSuccessors(current.record, successors, version)
	if err != nil || !proceed {
		return outcome, err
	}

	record := current.record.Clone()
	record.SuccessorItems = append([]string(nil), successors...)
	record.CompletedAt = &now
	written, err := s.put(ctx, "split", record, current)
	if err != nil {
		return 0, err
	}
	if written {
		return outcome, nil
	}

	current, err = s.get(ctx, workItemID)
	if err != nil {
		return 0, err
	}
	outcome, proceed, err = evaluateSuccessors(current.record, successors, version)
	if err != nil || !proceed {
		return outcome, err
	}
	return 0, ErrVersionConflict
}

func (s *SearchIndexStore) CountIncomplete(ctx context.Context) (int64, error) {
	body, err := json.Marshal(map[string]interface{}{"query": incompleteQuery()})
	if err != nil {
		return 0, storeError("count incomplete", "", err)
	}
	res, err := esapi.CountRequest{
		Index: []string{s.index},
		Body:  bytes.NewReader(body),
	}.Do(ctx, s.transport)
	if err != nil {
		return 0, storeError("count incomplete", "", err)
	}
	defer drain(res)
	if res.IsError() {
		return 0, storeError("count incomplete", "", responseError(res))
	}

	var parsed struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, storeError("count incomplete", "", err)
	}
	return parsed.Count, nil
}

func (s *SearchIndexStore) AnyIncomplete(ctx context.Context) (bool, error) {
	n, err := s.CountIncomplete(ctx)
	return n > 0, err
}

func (s *SearchIndexStore) GetRecord(ctx context.Context, workItemID string) (*workitem.LeaseRecord, error) {
	doc, err := s.get(ctx, workItemID)
	if err != nil {
		return nil, err
	}
	return doc.record, nil
}

// StoreTime reads the Date header of the cluster's root endpoint. It has one second resolution.
func (s *SearchIndexStore) StoreTime(ctx context.Context) (time.Time, error) {
	res, err := esapi.InfoRequest{}.Do(ctx, s.transport)
	if err != nil {
		return time.Time{}, storeError("store time", "", err)
	}
	defer drain(res)

	date := res.Header.Get("Date")
	if date == "" {
		return time.Time{}, storeError("store time", "", fmt.Errorf("response carries no Date header"))
	}
	t, err := http.ParseTime(date)
	if err != nil {
		return time.Time{}, storeError("store time", "", err)
	}
	return t, nil
}

func (s *SearchIndexStore) get(ctx context.Context, workItemID string) (*versionedDocument, error) {
	res, err := esapi.GetRequest{
		Index:      s.index,
		DocumentID: workItemID,
	}.Do(ctx, s.transport)
	if err != nil {
		return nil, storeError("get", workItemID, err)
	}
	defer drain(res)

	if res.StatusCode == http.StatusNotFound {
		return nil, ErrWorkItemNotFound
	}
	if res.IsError() {
		return nil, storeError("get", workItemID, responseError(res))
	}

	var parsed struct {
		Found       bool                `json:"found"`
		SeqNo       int                 `json:"_seq_no"`
		PrimaryTerm int                 `json:"_primary_term"`
		Source      searchIndexDocument `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, &MalformedRecordError{WorkItemID: workItemID, Err: err}
	}
	if !parsed.Found {
		return nil, ErrWorkItemNotFound
	}

	record, err := parsed.Source.toLeaseRecord()
	if err != nil {
		return nil, &MalformedRecordError{WorkItemID: workItemID, Err: err}
	}
	return &versionedDocument{record: record, seqNo: parsed.SeqNo, primaryTerm: parsed.PrimaryTerm}, nil
}

// put writes record if the stored document is still at the version of current. written is false
// when someone else wrote in between.
func (s *SearchIndexStore) put(ctx context.Context, op string, record *workitem.LeaseRecord,
	current *versionedDocument) (written bool, err error) {
	body, err := json.Marshal(fromLeaseRecord(record))
	if err != nil {
		return false, storeError(op, record.WorkItemID, err)
	}
	seqNo, primaryTerm := current.seqNo, current.primaryTerm
	res, err := esapi.IndexRequest{
		Index:         s.index,
		DocumentID:    record.WorkItemID,
		Body:          bytes.NewReader(body),
		IfSeqNo:       &seqNo,
		IfPrimaryTerm: &primaryTerm,
		Refresh:       "true",
	}.Do(ctx, s.transport)
	if err != nil {
		return false, storeError(op, record.WorkItemID, err)
	}
	defer drain(res)

	if res.StatusCode == http.StatusConflict {
		return false, nil
	}
	if res.IsError() {
		return false, storeError(op, record.WorkItemID, responseError(res))
	}
	return true, nil
}

func fromLeaseRecord(r *workitem.LeaseRecord) *searchIndexDocument {
	doc := &searchIndexDocument{
		WorkItemID:     r.WorkItemID,
		LeaseHolderID:  r.LeaseHolderID,
		NumAttempts:    r.NumAttempts,
		SuccessorItems: workitem.JoinSuccessors(r.SuccessorItems),
	}
	if r.LeaseExpiration != nil {
		ms := models.ToMillis(*r.LeaseExpiration)
		doc.LeaseExpiration = &ms
	}
	if r.CompletedAt != nil {
		ms := models.ToMillis(*r.CompletedAt)
		doc.CompletedAt = &ms
	}
	return doc
}

func (d *searchIndexDocument) toLeaseRecord() (*workitem.LeaseRecord, error) {
	if d.WorkItemID == "" {
		return nil, fmt.Errorf("field workItemId is missing")
	}
	if d.NumAttempts < 0 {
		return nil, fmt.Errorf("negative numAttempts %d", d.NumAttempts)
	}
	r := &workitem.LeaseRecord{
		WorkItemID:     d.WorkItemID,
		LeaseHolderID:  d.LeaseHolderID,
		NumAttempts:    d.NumAttempts,
		SuccessorItems: workitem.SplitSuccessors(d.SuccessorItems),
	}
	for _, token := range r.SuccessorItems {
		if _, err := workitem.Parse(token); err != nil {
			return nil, err
		}
	}
	if d.LeaseExpiration != nil {
		t := models.FromMillis(*d.LeaseExpiration)
		r.LeaseExpiration = &t
	}
	if d.CompletedAt != nil {
		t := models.FromMillis(*d.CompletedAt)
		r.CompletedAt = &t
	}
	return r, nil
}

func incompleteQuery() map[string]interface{} {
	return map[string]interface{}{
		"bool": map[string]interface{}{
			"must_not": []interface{}{
				map[string]interface{}{"exists": map[string]interface{}{"field": "completedAt"}},
			},
		},
	}
}

func claimableQuery(now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"bool": map[string]interface{}{
			"must_not": []interface{}{
				map[string]interface{}{"exists": map[string]interface{}{"field": "completedAt"}},
			},
			"should": []interface{}{
				map[string]interface{}{
					"bool": map[string]interface{}{
						"must_not": []interface{}{
							map[string]interface{}{"exists": map[string]interface{}{"field": "leaseExpiration"}},
						},
					},
				},
				map[string]interface{}{
					"range": map[string]interface{}{
						"leaseExpiration": map[string]interface{}{"lt": models.ToMillis(now)},
					},
				},
			},
			"minimum_should_match": 1,
		},
	}
}

func responseError(res *esapi.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
	return fmt.Errorf("status %d: %s", res.StatusCode, msg)
}

func drain(res *esapi.Response) {
	if res != nil && res.Body != nil {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}
}
