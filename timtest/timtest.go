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

// Package timtest provides test helpers: a bulk request decoder and an
// in-memory fake cluster backing an OpenSearch-compatible client.
package timtest

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/module/apmelasticsearch/v2"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
)

// BulkAction is one decoded action from a /_bulk request body.
type BulkAction struct {
	Type       string
	Index      string
	DocumentID string
	Doc        json.RawMessage
}

// DecodeBulkRequest decodes a /_bulk request's body, returning the decoded
// actions and an all-success response body. Delete actions carry no document
// line.
func DecodeBulkRequest(r *http.Request) ([]BulkAction, esutil.BulkIndexerResponse) {
	body := r.Body
	switch r.Header.Get("Content-Encoding") {
	case "gzip":
		r, err := gzip.NewReader(body)
		if err != nil {
			panic(err)
		}
		defer r.Close()
		body = r
	}

	scanner := bufio.NewScanner(body)
	var actions []BulkAction
	var result esutil.BulkIndexerResponse
	for scanner.Scan() {
		meta := make(map[string]struct {
			Index      string `json:"_index"`
			DocumentID string `json:"_id"`
		})
		if err := json.NewDecoder(strings.NewReader(scanner.Text())).Decode(&meta); err != nil {
			panic(err)
		}
		var actionType string
		for actionType = range meta {
		}
		action := BulkAction{
			Type:       actionType,
			Index:      meta[actionType].Index,
			DocumentID: meta[actionType].DocumentID,
		}

		status := http.StatusOK
		if actionType != "delete" {
			if !scanner.Scan() {
				panic("expected source")
			}
			doc := append([]byte{}, scanner.Bytes()...)
			if !json.Valid(doc) {
				panic(fmt.Errorf("invalid JSON: %s", doc))
			}
			action.Doc = doc
			if actionType == "create" {
				status = http.StatusCreated
			}
		}
		actions = append(actions, action)

		item := esutil.BulkIndexerResponseItem{
			Index:      action.Index,
			DocumentID: action.DocumentID,
			Status:     status,
		}
		result.Items = append(result.Items, map[string]esutil.BulkIndexerResponseItem{actionType: item})
	}
	return actions, result
}

// NewMockClusterClient returns an elasticsearch.Client which sends /_bulk
// requests to bulkHandler.
func NewMockClusterClient(t testing.TB, bulkHandler http.HandlerFunc) *elasticsearch.Client {
	config := NewMockClusterClientConfig(t, bulkHandler)
	client, err := elasticsearch.NewClient(config)
	require.NoError(t, err)
	return client
}

// NewMockClusterClientConfig starts an httptest.Server, and returns an
// elasticsearch.Config which sends /_bulk requests to bulkHandler. The
// httptest.Server will be closed via t.Cleanup.
func NewMockClusterClientConfig(t testing.TB, bulkHandler http.HandlerFunc) elasticsearch.Config {
	mux := http.NewServeMux()
	HandleBulk(mux, bulkHandler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return clientConfig(srv.URL)
}

// NewClusterClient starts an httptest.Server backed by cluster, and returns
// an elasticsearch.Client connected to it. The httptest.Server will be closed
// via t.Cleanup.
func NewClusterClient(t testing.TB, cluster *Cluster) *elasticsearch.Client {
	srv := httptest.NewServer(cluster.Handler())
	t.Cleanup(srv.Close)
	client, err := elasticsearch.NewClient(clientConfig(srv.URL))
	require.NoError(t, err)
	return client
}

func clientConfig(url string) elasticsearch.Config {
	config := elasticsearch.Config{}
	config.Addresses = []string{url}
	config.DisableRetry = true
	config.Transport = apmelasticsearch.WrapRoundTripper(http.DefaultTransport)
	return config
}

// HandleBulk registers bulkHandler with mux for handling /_bulk requests,
// wrapping bulkHandler to conform with go-elasticsearch version checking.
func HandleBulk(mux *http.ServeMux, bulkHandler http.HandlerFunc) {
	mux.HandleFunc("/_bulk", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		bulkHandler.ServeHTTP(w, r)
	})
}
