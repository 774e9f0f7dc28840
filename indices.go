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

package tim

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// indexSettings holds the fixed mapping/settings template applied to every
// created index. It is static and shared across all indexes; per-call
// customization is deliberately not supported.
//
//go:embed config/opensearch_mappings.json
var indexSettings []byte

// IndexManager creates and deletes versioned indexes. It does not retry:
// idempotence is available to callers only via explicit existence checks.
type IndexManager struct {
	client esapi.Transport
	logger *zap.Logger
}

// NewIndexManager returns an IndexManager using the provided cluster client.
func NewIndexManager(client esapi.Transport, logger *zap.Logger) *IndexManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IndexManager{client: client, logger: logger}
}

// CreateIndex creates an index with the provided name, applying the shared
// mapping/settings template. Returns IndexExistsError if the name collides.
func (m *IndexManager) CreateIndex(ctx context.Context, name string) (string, error) {
	req := esapi.IndicesCreateRequest{
		Index: name,
		Body:  bytes.NewReader(indexSettings),
	}
	res, err := req.Do(ctx, m.client)
	if err != nil {
		return "", fmt.Errorf("creating index %q: %w", name, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		ce := decodeClusterError(res.Body)
		if ce.Error.Type == errTypeResourceAlreadyExists {
			return "", &IndexExistsError{Index: name}
		}
		return "", fmt.Errorf("creating index %q: %s: %s", name, ce.Error.Type, ce.Error.Reason)
	}
	var payload struct {
		Index string `json:"index"`
	}
	if err := jsoniter.NewDecoder(res.Body).Decode(&payload); err != nil || payload.Index == "" {
		payload.Index = name
	}
	m.logger.Info("index created", zap.String("index", payload.Index))
	return payload.Index, nil
}

// CreateIndexForSource creates a new index named per the
// <source>-<YYYYMMDDThhmmssZ> convention, returning the generated name.
func (m *IndexManager) CreateIndexForSource(ctx context.Context, source string) (string, error) {
	return m.CreateIndex(ctx, GenerateIndexName(source))
}

// GetOrCreateIndexForSource returns the index currently promoted to the
// primary alias for the source, creating a new timestamped index if the
// source has none.
func (m *IndexManager) GetOrCreateIndexForSource(ctx context.Context, aliases *AliasManager, source string) (string, error) {
	index, err := aliases.PrimaryIndexForSource(ctx, source)
	if err != nil {
		return "", err
	}
	if index != "" {
		return index, nil
	}
	return m.CreateIndexForSource(ctx, source)
}

// DeleteIndex deletes the provided index. Returns IndexNotFoundError if the
// index is absent.
func (m *IndexManager) DeleteIndex(ctx context.Context, name string) error {
	req := esapi.IndicesDeleteRequest{Index: []string{name}}
	res, err := req.Do(ctx, m.client)
	if err != nil {
		return fmt.Errorf("deleting index %q: %w", name, err)
	}
	defer res.Body.Close()
	if res.StatusCode == 404 {
		return &IndexNotFoundError{Index: name}
	}
	if res.IsError() {
		ce := decodeClusterError(res.Body)
		return fmt.Errorf("deleting index %q: %s: %s", name, ce.Error.Type, ce.Error.Reason)
	}
	m.logger.Info("index deleted", zap.String("index", name))
	return nil
}

// IndexExists reports whether the index is present in the cluster.
func (m *IndexManager) IndexExists(ctx context.Context, name string) (bool, error) {
	req := esapi.IndicesExistsRequest{Index: []string{name}}
	res, err := req.Do(ctx, m.client)
	if err != nil {
		return false, fmt.Errorf("checking index %q: %w", name, err)
	}
	defer res.Body.Close()
	if res.StatusCode == 404 {
		return false, nil
	}
	if res.IsError() {
		return false, fmt.Errorf("checking index %q: %s", name, res.String())
	}
	return true, nil
}

// Refresh makes recent writes to the index searchable.
func (m *IndexManager) Refresh(ctx context.Context, name string) error {
	req := esapi.IndicesRefreshRequest{Index: []string{name}}
	res, err := req.Do(ctx, m.client)
	if err != nil {
		return fmt.Errorf("refreshing index %q: %w", name, err)
	}
	defer res.Body.Close()
	if res.StatusCode == 404 {
		return &IndexNotFoundError{Index: name}
	}
	if res.IsError() {
		return fmt.Errorf("refreshing index %q: %s", name, res.String())
	}
	return nil
}

// IndexInfo holds the summary information the cluster reports for one index.
// The cat API reports every value as a string.
type IndexInfo struct {
	Status           string `json:"status"`
	Health           string `json:"health"`
	UUID             string `json:"uuid"`
	Documents        string `json:"docs.count"`
	PrimaryStoreSize string `json:"pri.store.size"`
	TotalStoreSize   string `json:"store.size"`
	PrimaryShards    string `json:"pri"`
	ReplicaShards    string `json:"rep"`
}

// Indexes returns all indexes with their summary information.
func (m *IndexManager) Indexes(ctx context.Context) (map[string]IndexInfo, error) {
	req := esapi.CatIndicesRequest{Format: "json"}
	res, err := req.Do(ctx, m.client)
	if err != nil {
		return nil, fmt.Errorf("listing indexes: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("listing indexes: %s", res.String())
	}
	var rows []struct {
		Index string `json:"index"`
		IndexInfo
	}
	if err := jsoniter.NewDecoder(res.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decoding index listing: %w", err)
	}
	indexes := make(map[string]IndexInfo, len(rows))
	for _, row := range rows {
		indexes[row.Index] = row.IndexInfo
	}
	return indexes, nil
}

// ClusterInfo holds basic information about the cluster, used by the ping
// command.
type ClusterInfo struct {
	Name          string
	UUID          string
	Version       string
	LuceneVersion string
}

// ClusterInfo returns basic information about the cluster.
func (m *IndexManager) ClusterInfo(ctx context.Context) (ClusterInfo, error) {
	req := esapi.InfoRequest{}
	res, err := req.Do(ctx, m.client)
	if err != nil {
		return ClusterInfo{}, fmt.Errorf("pinging cluster: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return ClusterInfo{}, fmt.Errorf("pinging cluster: %s", res.String())
	}
	var payload struct {
		ClusterName string `json:"cluster_name"`
		ClusterUUID string `json:"cluster_uuid"`
		Version     struct {
			Number        string `json:"number"`
			LuceneVersion string `json:"lucene_version"`
		} `json:"version"`
	}
	if err := jsoniter.NewDecoder(res.Body).Decode(&payload); err != nil {
		return ClusterInfo{}, fmt.Errorf("decoding cluster info: %w", err)
	}
	return ClusterInfo{
		Name:          payload.ClusterName,
		UUID:          payload.ClusterUUID,
		Version:       payload.Version.Number,
		LuceneVersion: payload.Version.LuceneVersion,
	}, nil
}
