// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package tim_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tim "github.com/MITLibraries/timdex-index-manager"
	"github.com/MITLibraries/timdex-index-manager/timtest"
)

func newJSONReader(v any) *bytes.Reader {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return bytes.NewReader(data)
}

func TestBulkIndexer(t *testing.T) {
	for _, tc := range []struct {
		Name             string
		CompressionLevel int
	}{
		{Name: "no_compression", CompressionLevel: gzip.NoCompression},
		{Name: "default_compression", CompressionLevel: gzip.DefaultCompression},
		{Name: "speed_compression", CompressionLevel: gzip.BestSpeed},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			var received atomic.Int64
			client := timtest.NewMockClusterClient(t, func(w http.ResponseWriter, r *http.Request) {
				actions, result := timtest.DecodeBulkRequest(r)
				received.Add(int64(len(actions)))
				json.NewEncoder(w).Encode(result)
			})
			indexer, err := tim.NewBulkIndexer(tim.BulkIndexerConfig{
				Client:           client,
				CompressionLevel: tc.CompressionLevel,
			})
			require.NoError(t, err)

			itemCount := 100
			for i := 0; i < itemCount; i++ {
				require.NoError(t, indexer.Add(tim.BulkIndexerItem{
					Index:      "alma-20240101T000000Z",
					DocumentID: fmt.Sprintf("alma:%d", i),
					Body:       newJSONReader(map[string]any{"timdex_record_id": fmt.Sprintf("alma:%d", i)}),
				}))
			}
			require.Equal(t, itemCount, indexer.Items())

			buffered := indexer.Len()
			stat, err := indexer.Flush(context.Background())
			require.NoError(t, err)
			assert.Equal(t, int64(itemCount), stat.Indexed)
			assert.Empty(t, stat.FailedDocs)
			assert.Equal(t, int64(itemCount), received.Load())
			assert.Equal(t, buffered, indexer.BytesFlushed())

			// nothing is in the buffer if all succeeded
			assert.Equal(t, 0, indexer.Len())
			assert.Equal(t, 0, indexer.Items())
		})
	}
}

func TestBulkIndexerDelete(t *testing.T) {
	var deleted []string
	client := timtest.NewMockClusterClient(t, func(w http.ResponseWriter, r *http.Request) {
		actions, result := timtest.DecodeBulkRequest(r)
		for _, action := range actions {
			require.Equal(t, "delete", action.Type)
			require.Nil(t, action.Doc)
			deleted = append(deleted, action.DocumentID)
		}
		json.NewEncoder(w).Encode(result)
	})
	indexer, err := tim.NewBulkIndexer(tim.BulkIndexerConfig{Client: client})
	require.NoError(t, err)

	for _, id := range []string{"alma:1", "alma:2"} {
		require.NoError(t, indexer.Add(tim.BulkIndexerItem{
			Index:      "alma-20240101T000000Z",
			DocumentID: id,
			Action:     tim.ActionDelete,
		}))
	}
	stat, err := indexer.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stat.Indexed)
	assert.Equal(t, []string{"alma:1", "alma:2"}, deleted)
}

func TestBulkIndexerAddValidation(t *testing.T) {
	client := timtest.NewMockClusterClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, result := timtest.DecodeBulkRequest(r)
		json.NewEncoder(w).Encode(result)
	})
	indexer, err := tim.NewBulkIndexer(tim.BulkIndexerConfig{Client: client})
	require.NoError(t, err)

	err = indexer.Add(tim.BulkIndexerItem{DocumentID: "alma:1", Action: "upsert"})
	require.ErrorContains(t, err, "invalid action")

	err = indexer.Add(tim.BulkIndexerItem{DocumentID: "alma:1", Action: tim.ActionIndex})
	require.ErrorContains(t, err, "missing document body")

	// Rejected items must not leave partial lines in the buffer.
	require.Equal(t, 0, indexer.Items())
	require.Equal(t, 0, indexer.Len())
}

func TestBulkIndexerRetryDocument(t *testing.T) {
	var attempts atomic.Int64
	client := timtest.NewMockClusterClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempt := attempts.Add(1)
		actions, result := timtest.DecodeBulkRequest(r)
		if attempt == 1 {
			// Fail every other document with a retryable status.
			for i := range actions {
				if i%2 == 0 {
					continue
				}
				item := result.Items[i][actions[i].Type]
				item.Status = http.StatusTooManyRequests
				item.Error.Type = "circuit_breaking_exception"
				item.Error.Reason = "for testing"
				result.Items[i][actions[i].Type] = item
				result.HasErrors = true
			}
		}
		json.NewEncoder(w).Encode(result)
	})
	indexer, err := tim.NewBulkIndexer(tim.BulkIndexerConfig{
		Client:             client,
		MaxDocumentRetries: 3,
	})
	require.NoError(t, err)

	itemCount := 10
	for i := 0; i < itemCount; i++ {
		require.NoError(t, indexer.Add(tim.BulkIndexerItem{
			Index:      "alma-20240101T000000Z",
			DocumentID: fmt.Sprintf("alma:%d", i),
			Body:       newJSONReader(map[string]any{"timdex_record_id": fmt.Sprintf("alma:%d", i)}),
		}))
	}

	stat, err := indexer.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), stat.Indexed)
	assert.Equal(t, int64(5), stat.RetriedDocs)
	assert.Empty(t, stat.FailedDocs)
	// The throttled documents are buffered again for the next flush.
	require.Equal(t, 5, indexer.Items())

	stat, err = indexer.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), stat.Indexed)
	assert.Equal(t, int64(0), stat.RetriedDocs)
	require.Equal(t, 0, indexer.Items())
}

func TestBulkIndexerRetriesExhausted(t *testing.T) {
	client := timtest.NewMockClusterClient(t, func(w http.ResponseWriter, r *http.Request) {
		actions, result := timtest.DecodeBulkRequest(r)
		for i := range actions {
			item := result.Items[i][actions[i].Type]
			item.Status = http.StatusTooManyRequests
			item.Error.Type = "circuit_breaking_exception"
			item.Error.Reason = "for testing"
			result.Items[i][actions[i].Type] = item
		}
		result.HasErrors = true
		json.NewEncoder(w).Encode(result)
	})
	indexer, err := tim.NewBulkIndexer(tim.BulkIndexerConfig{
		Client:             client,
		MaxDocumentRetries: 2,
	})
	require.NoError(t, err)

	require.NoError(t, indexer.Add(tim.BulkIndexerItem{
		Index:      "alma-20240101T000000Z",
		DocumentID: "alma:1",
		Body:       newJSONReader(map[string]any{"timdex_record_id": "alma:1"}),
	}))

	// Two flushes re-queue the document, the third reports it as failed.
	for i := 0; i < 2; i++ {
		stat, err := indexer.Flush(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), stat.RetriedDocs)
		require.Equal(t, 1, indexer.Items())
	}
	stat, err := indexer.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stat.RetriedDocs)
	require.Len(t, stat.FailedDocs, 1)
	assert.Equal(t, http.StatusTooManyRequests, stat.FailedDocs[0].Status)
	require.Equal(t, 0, indexer.Items())
}

func TestBulkIndexerPermanentDocumentFailure(t *testing.T) {
	client := timtest.NewMockClusterClient(t, func(w http.ResponseWriter, r *http.Request) {
		actions, result := timtest.DecodeBulkRequest(r)
		item := result.Items[0][actions[0].Type]
		item.Status = http.StatusBadRequest
		item.Error.Type = "mapper_parsing_exception"
		item.Error.Reason = "failed to parse field"
		result.Items[0][actions[0].Type] = item
		result.HasErrors = true
		json.NewEncoder(w).Encode(result)
	})
	indexer, err := tim.NewBulkIndexer(tim.BulkIndexerConfig{
		Client:             client,
		MaxDocumentRetries: 3,
	})
	require.NoError(t, err)

	require.NoError(t, indexer.Add(tim.BulkIndexerItem{
		Index:      "alma-20240101T000000Z",
		DocumentID: "alma:bad",
		Body:       newJSONReader(map[string]any{"title": 123}),
	}))
	require.NoError(t, indexer.Add(tim.BulkIndexerItem{
		Index:      "alma-20240101T000000Z",
		DocumentID: "alma:good",
		Body:       newJSONReader(map[string]any{"title": "ok"}),
	}))

	stat, err := indexer.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stat.Indexed)
	assert.Equal(t, int64(0), stat.RetriedDocs)
	require.Len(t, stat.FailedDocs, 1)
	assert.Equal(t, "alma:bad", stat.FailedDocs[0].DocumentID)
	assert.Equal(t, "mapper_parsing_exception", stat.FailedDocs[0].Error.Type)
	// Permanent failures are not re-queued.
	require.Equal(t, 0, indexer.Items())
}

func TestBulkIndexerWholeRequestFailure(t *testing.T) {
	var failing atomic.Bool
	client := timtest.NewMockClusterClient(t, func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"type": "unavailable_shards_exception", "reason": "for testing"},
			})
			return
		}
		_, result := timtest.DecodeBulkRequest(r)
		json.NewEncoder(w).Encode(result)
	})
	indexer, err := tim.NewBulkIndexer(tim.BulkIndexerConfig{
		Client:             client,
		MaxDocumentRetries: 3,
	})
	require.NoError(t, err)

	itemCount := 3
	for i := 0; i < itemCount; i++ {
		require.NoError(t, indexer.Add(tim.BulkIndexerItem{
			Index:      "alma-20240101T000000Z",
			DocumentID: fmt.Sprintf("alma:%d", i),
			Body:       newJSONReader(map[string]any{"timdex_record_id": fmt.Sprintf("alma:%d", i)}),
		}))
	}

	failing.Store(true)
	stat, err := indexer.Flush(context.Background())
	var flushErr tim.ErrorFlushFailed
	require.ErrorAs(t, err, &flushErr)
	assert.Equal(t, http.StatusServiceUnavailable, flushErr.StatusCode())
	// The whole batch is re-queued for the next attempt.
	assert.Equal(t, int64(itemCount), stat.RetriedDocs)
	require.Equal(t, itemCount, indexer.Items())

	failing.Store(false)
	stat, err = indexer.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(itemCount), stat.Indexed)
	require.Equal(t, 0, indexer.Items())
}

func TestBulkIndexerWholeRequestClientError(t *testing.T) {
	client := timtest.NewMockClusterClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"type": "parse_exception", "reason": "malformed action"},
		})
	})
	indexer, err := tim.NewBulkIndexer(tim.BulkIndexerConfig{Client: client})
	require.NoError(t, err)

	require.NoError(t, indexer.Add(tim.BulkIndexerItem{
		Index:      "alma-20240101T000000Z",
		DocumentID: "alma:1",
		Body:       newJSONReader(map[string]any{"timdex_record_id": "alma:1"}),
	}))

	stat, err := indexer.Flush(context.Background())
	var flushErr tim.ErrorFlushFailed
	require.ErrorAs(t, err, &flushErr)
	assert.Equal(t, http.StatusBadRequest, flushErr.StatusCode())
	// Rejected requests are not retryable; every document fails terminally.
	require.Len(t, stat.FailedDocs, 1)
	assert.Equal(t, int64(0), stat.RetriedDocs)
	require.Equal(t, 0, indexer.Items())
}

func TestBulkIndexerBytesFlushedReset(t *testing.T) {
	var dropping atomic.Bool
	client := timtest.NewMockClusterClient(t, func(w http.ResponseWriter, r *http.Request) {
		if dropping.Load() {
			// Sever the connection so the client observes a transport
			// error instead of an HTTP response.
			conn, _, err := w.(http.Hijacker).Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		_, result := timtest.DecodeBulkRequest(r)
		json.NewEncoder(w).Encode(result)
	})
	indexer, err := tim.NewBulkIndexer(tim.BulkIndexerConfig{
		Client:             client,
		MaxDocumentRetries: 3,
	})
	require.NoError(t, err)

	add := func() {
		require.NoError(t, indexer.Add(tim.BulkIndexerItem{
			Index:      "alma-20240101T000000Z",
			DocumentID: "alma:1",
			Body:       newJSONReader(map[string]any{"timdex_record_id": "alma:1"}),
		}))
	}

	add()
	_, err = indexer.Flush(context.Background())
	require.NoError(t, err)
	require.Positive(t, indexer.BytesFlushed())

	// A flush that dies in transport delivered nothing; the previous
	// request's size must not linger in BytesFlushed.
	dropping.Store(true)
	add()
	stat, err := indexer.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, int64(1), stat.RetriedDocs)
	assert.Zero(t, indexer.BytesFlushed())

	dropping.Store(false)
	stat, err = indexer.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stat.Indexed)
	assert.Positive(t, indexer.BytesFlushed())

	indexer.Reset()
	assert.Zero(t, indexer.BytesFlushed())
}

func TestBulkIndexerDiscard(t *testing.T) {
	client := timtest.NewMockClusterClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, result := timtest.DecodeBulkRequest(r)
		json.NewEncoder(w).Encode(result)
	})
	indexer, err := tim.NewBulkIndexer(tim.BulkIndexerConfig{Client: client})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, indexer.Add(tim.BulkIndexerItem{
			Index:      "alma-20240101T000000Z",
			DocumentID: fmt.Sprintf("alma:%d", i),
			Body:       newJSONReader(map[string]any{"timdex_record_id": fmt.Sprintf("alma:%d", i)}),
		}))
	}
	require.Equal(t, 4, indexer.Discard())
	require.Equal(t, 0, indexer.Items())
	require.Equal(t, 0, indexer.Len())

	stat, err := indexer.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stat.Indexed)
}
