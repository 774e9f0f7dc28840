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

package timtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
)

// AliasTarget is one index/alias pair within an alias update action.
type AliasTarget struct {
	Index string `json:"index"`
	Alias string `json:"alias"`
}

// AliasAction is one action within a multi-action alias update request.
type AliasAction struct {
	Add    *AliasTarget `json:"add,omitempty"`
	Remove *AliasTarget `json:"remove,omitempty"`
}

// Cluster is an in-memory fake of the cluster endpoints the index manager
// uses: index create/delete/exists, the multi-action alias update, the cat
// listings and the bulk API. Alias update requests are recorded per call so
// tests can assert that a promotion arrived as a single request.
type Cluster struct {
	mu          sync.Mutex
	indices     map[string]map[string]json.RawMessage
	aliases     map[string]map[string]bool
	aliasCalls  [][]AliasAction
	bulkHandler http.HandlerFunc
}

// NewCluster returns an empty fake cluster.
func NewCluster() *Cluster {
	return &Cluster{
		indices: make(map[string]map[string]json.RawMessage),
		aliases: make(map[string]map[string]bool),
	}
}

// SetBulkHandler overrides the default /_bulk behavior, which applies the
// decoded actions to the in-memory document stores.
func (c *Cluster) SetBulkHandler(h http.HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bulkHandler = h
}

// CreateIndex creates an index directly, bypassing the HTTP surface.
func (c *Cluster) CreateIndex(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.indices[name]; !ok {
		c.indices[name] = make(map[string]json.RawMessage)
	}
}

// AddAlias binds an alias to an index directly, bypassing the HTTP surface.
func (c *Cluster) AddAlias(alias, index string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aliases[alias] == nil {
		c.aliases[alias] = make(map[string]bool)
	}
	c.aliases[alias][index] = true
}

// HasIndex reports whether the index exists.
func (c *Cluster) HasIndex(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.indices[name]
	return ok
}

// DocumentCount returns the number of documents stored in the index.
func (c *Cluster) DocumentCount(index string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.indices[index])
}

// Document returns the stored document body, or nil if absent.
func (c *Cluster) Document(index, id string) json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.indices[index][id]
}

// Aliases returns the current alias to index bindings, index lists sorted.
func (c *Cluster) Aliases() map[string][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make(map[string][]string, len(c.aliases))
	for alias, indices := range c.aliases {
		for index := range indices {
			result[alias] = append(result[alias], index)
		}
		sort.Strings(result[alias])
	}
	return result
}

// AliasCalls returns the actions of each alias update request received, in
// arrival order.
func (c *Cluster) AliasCalls() [][]AliasAction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]AliasAction{}, c.aliasCalls...)
}

// Handler returns the HTTP surface of the fake cluster.
func (c *Cluster) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", c.handleInfo)
	mux.HandleFunc("POST /_bulk", c.handleBulk)
	mux.HandleFunc("POST /_aliases", c.handleUpdateAliases)
	mux.HandleFunc("GET /_cat/aliases", c.handleCatAliases)
	mux.HandleFunc("GET /_cat/indices", c.handleCatIndices)
	mux.HandleFunc("PUT /{index}", c.handleCreateIndex)
	mux.HandleFunc("DELETE /{index}", c.handleDeleteIndex)
	mux.HandleFunc("HEAD /{index}", c.handleIndexExists)
	mux.HandleFunc("GET /{index}/_alias", c.handleIndexAliases)
	mux.HandleFunc("POST /{index}/_refresh", c.handleRefresh)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		mux.ServeHTTP(w, r)
	})
}

func (c *Cluster) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"cluster_name": "timtest-cluster",
		"cluster_uuid": "timtest-uuid",
		"version": map[string]any{
			"number":         "2.11.1",
			"lucene_version": "9.7.0",
		},
	})
}

func (c *Cluster) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("index")
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.indices[name]; ok {
		writeError(w, http.StatusBadRequest, "resource_already_exists_exception",
			fmt.Sprintf("index [%s] already exists", name))
		return
	}
	c.indices[name] = make(map[string]json.RawMessage)
	writeJSON(w, http.StatusOK, map[string]any{
		"acknowledged": true, "shards_acknowledged": true, "index": name,
	})
}

func (c *Cluster) handleDeleteIndex(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("index")
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.indices[name]; !ok {
		writeError(w, http.StatusNotFound, "index_not_found_exception",
			fmt.Sprintf("no such index [%s]", name))
		return
	}
	delete(c.indices, name)
	for alias, indices := range c.aliases {
		delete(indices, name)
		if len(indices) == 0 {
			delete(c.aliases, alias)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (c *Cluster) handleIndexExists(w http.ResponseWriter, r *http.Request) {
	if !c.HasIndex(r.PathValue("index")) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (c *Cluster) handleIndexAliases(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("index")
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.indices[name]; !ok {
		writeError(w, http.StatusNotFound, "index_not_found_exception",
			fmt.Sprintf("no such index [%s]", name))
		return
	}
	aliases := make(map[string]any)
	for alias, indices := range c.aliases {
		if indices[name] {
			aliases[alias] = map[string]any{}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		name: map[string]any{"aliases": aliases},
	})
}

func (c *Cluster) handleCatAliases(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows := make([]map[string]string, 0)
	for alias, indices := range c.aliases {
		for index := range indices {
			rows = append(rows, map[string]string{"alias": alias, "index": index})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i]["alias"] != rows[j]["alias"] {
			return rows[i]["alias"] < rows[j]["alias"]
		}
		return rows[i]["index"] < rows[j]["index"]
	})
	writeJSON(w, http.StatusOK, rows)
}

func (c *Cluster) handleCatIndices(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows := make([]map[string]string, 0)
	for name, docs := range c.indices {
		rows = append(rows, map[string]string{
			"index":          name,
			"status":         "open",
			"health":         "green",
			"uuid":           "uuid-" + name,
			"docs.count":     fmt.Sprint(len(docs)),
			"pri":            "1",
			"rep":            "1",
			"pri.store.size": "1kb",
			"store.size":     "2kb",
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i]["index"] < rows[j]["index"] })
	writeJSON(w, http.StatusOK, rows)
}

func (c *Cluster) handleUpdateAliases(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Actions []AliasAction `json:"actions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "parse_exception", err.Error())
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aliasCalls = append(c.aliasCalls, payload.Actions)

	// Validate every action before applying any, matching the all-or-nothing
	// behavior of the real endpoint.
	for _, action := range payload.Actions {
		switch {
		case action.Add != nil:
			if _, ok := c.indices[action.Add.Index]; !ok {
				writeError(w, http.StatusNotFound, "index_not_found_exception",
					fmt.Sprintf("no such index [%s]", action.Add.Index))
				return
			}
		case action.Remove != nil:
			if _, ok := c.indices[action.Remove.Index]; !ok {
				writeError(w, http.StatusNotFound, "index_not_found_exception",
					fmt.Sprintf("no such index [%s]", action.Remove.Index))
				return
			}
			if !c.aliases[action.Remove.Alias][action.Remove.Index] {
				writeError(w, http.StatusNotFound, "aliases_not_found_exception",
					fmt.Sprintf("aliases [%s] missing", action.Remove.Alias))
				return
			}
		default:
			writeError(w, http.StatusBadRequest, "parse_exception", "empty alias action")
			return
		}
	}
	for _, action := range payload.Actions {
		if action.Add != nil {
			if c.aliases[action.Add.Alias] == nil {
				c.aliases[action.Add.Alias] = make(map[string]bool)
			}
			c.aliases[action.Add.Alias][action.Add.Index] = true
		}
		if action.Remove != nil {
			delete(c.aliases[action.Remove.Alias], action.Remove.Index)
			if len(c.aliases[action.Remove.Alias]) == 0 {
				delete(c.aliases, action.Remove.Alias)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (c *Cluster) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !c.HasIndex(r.PathValue("index")) {
		writeError(w, http.StatusNotFound, "index_not_found_exception",
			fmt.Sprintf("no such index [%s]", r.PathValue("index")))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"_shards": map[string]int{"total": 1, "successful": 1, "failed": 0}})
}

func (c *Cluster) handleBulk(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	handler := c.bulkHandler
	c.mu.Unlock()
	if handler != nil {
		handler.ServeHTTP(w, r)
		return
	}

	actions, result := DecodeBulkRequest(r)
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, action := range actions {
		docs := c.indices[action.Index]
		if docs == nil {
			// Indexing into a missing index auto-creates it.
			docs = make(map[string]json.RawMessage)
			c.indices[action.Index] = docs
		}
		item := result.Items[i][action.Type]
		switch action.Type {
		case "delete":
			if _, ok := docs[action.DocumentID]; !ok {
				item.Status = http.StatusNotFound
				item.Result = "not_found"
			} else {
				delete(docs, action.DocumentID)
				item.Result = "deleted"
			}
		case "update":
			if _, ok := docs[action.DocumentID]; !ok {
				item.Status = http.StatusNotFound
				item.Error.Type = "document_missing_exception"
				item.Error.Reason = fmt.Sprintf("[%s]: document missing", action.DocumentID)
			} else {
				var envelope struct {
					Doc json.RawMessage `json:"doc"`
				}
				if err := json.Unmarshal(action.Doc, &envelope); err == nil && envelope.Doc != nil {
					docs[action.DocumentID] = envelope.Doc
				}
				item.Result = "updated"
			}
		default:
			docs[action.DocumentID] = action.Doc
			item.Result = "created"
		}
		if item.Status > 299 {
			result.HasErrors = true
		}
		result.Items[i][action.Type] = item
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, reason string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"type":   errType,
			"reason": reason,
		},
		"status": status,
	})
}
