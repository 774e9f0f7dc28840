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
	"fmt"
	"sort"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// PrimaryAlias is the alias read traffic queries. After a successful
// promotion, exactly one index per source is bound to it.
const PrimaryAlias = "all-current"

// AliasManager performs alias repoints. Every mutation is sent as a single
// multi-action alias update request, which the cluster applies atomically, so
// read traffic against an alias is never exposed to a state with zero or
// more-than-one primary index bound.
//
// Promote and Demote are not reentrant-safe across concurrent invocations for
// the same alias; a promotion event must be invoked at most once from a
// single caller.
type AliasManager struct {
	client esapi.Transport
	logger *zap.Logger
}

// NewAliasManager returns an AliasManager using the provided cluster client.
func NewAliasManager(client esapi.Transport, logger *zap.Logger) *AliasManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AliasManager{client: client, logger: logger}
}

type aliasActionTarget struct {
	Index string `json:"index"`
	Alias string `json:"alias"`
}

type aliasAction struct {
	Add    *aliasActionTarget `json:"add,omitempty"`
	Remove *aliasActionTarget `json:"remove,omitempty"`
}

// Aliases returns the current alias to index bindings, with index lists
// sorted for stable display.
func (m *AliasManager) Aliases(ctx context.Context) (map[string][]string, error) {
	req := esapi.CatAliasesRequest{Format: "json"}
	res, err := req.Do(ctx, m.client)
	if err != nil {
		return nil, fmt.Errorf("listing aliases: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("listing aliases: %s", res.String())
	}
	var rows []struct {
		Alias string `json:"alias"`
		Index string `json:"index"`
	}
	if err := jsoniter.NewDecoder(res.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decoding alias listing: %w", err)
	}
	aliases := make(map[string][]string, len(rows))
	for _, row := range rows {
		aliases[row.Alias] = append(aliases[row.Alias], row.Index)
	}
	for _, indexes := range aliases {
		sort.Strings(indexes)
	}
	return aliases, nil
}

// IndexAliases returns a sorted list of aliases assigned to an index, empty
// if the index has none.
func (m *AliasManager) IndexAliases(ctx context.Context, index string) ([]string, error) {
	req := esapi.IndicesGetAliasRequest{Index: []string{index}}
	res, err := req.Do(ctx, m.client)
	if err != nil {
		return nil, fmt.Errorf("getting aliases for index %q: %w", index, err)
	}
	defer res.Body.Close()
	if res.StatusCode == 404 {
		return nil, &IndexNotFoundError{Index: index}
	}
	if res.IsError() {
		return nil, fmt.Errorf("getting aliases for index %q: %s", index, res.String())
	}
	var payload map[string]struct {
		Aliases map[string]struct{} `json:"aliases"`
	}
	if err := jsoniter.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding aliases for index %q: %w", index, err)
	}
	var aliases []string
	for alias := range payload[index].Aliases {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases, nil
}

// AllAliasedIndexesForSource returns all aliased indexes for the source,
// grouped by alias. There should only be one source index per alias; if there
// is ever more than one this returns the accurate bindings and logs an error
// for further investigation.
func (m *AliasManager) AllAliasedIndexesForSource(ctx context.Context, source string) (map[string][]string, error) {
	aliases, err := m.Aliases(ctx)
	if err != nil {
		return nil, err
	}
	result := make(map[string][]string)
	for alias, indexes := range aliases {
		var sourceIndexes []string
		for _, index := range indexes {
			if SourceFromIndex(index) == source {
				sourceIndexes = append(sourceIndexes, index)
			}
		}
		if len(sourceIndexes) > 1 {
			m.logger.Error("alias has multiple existing indexes for source",
				zap.String("alias", alias),
				zap.String("source", source),
				zap.Strings("indexes", sourceIndexes),
			)
		}
		if len(sourceIndexes) > 0 {
			result[alias] = sourceIndexes
		}
	}
	return result, nil
}

// PrimaryIndexForSource returns the index bound to the primary alias for the
// source, or the empty string if there is none.
func (m *AliasManager) PrimaryIndexForSource(ctx context.Context, source string) (string, error) {
	aliased, err := m.AllAliasedIndexesForSource(ctx, source)
	if err != nil {
		return "", err
	}
	indexes := aliased[PrimaryAlias]
	if len(indexes) == 0 {
		return "", nil
	}
	return indexes[0], nil
}

// Promote binds index to the primary alias, to the bare source alias, to
// every alias that currently holds an index for the same source, and to any
// extra aliases provided, demoting any superseded same-source index from
// those aliases in the same atomic request. Missing aliases are created.
// Returns IndexNotFoundError if index does not exist.
func (m *AliasManager) Promote(ctx context.Context, index string, extraAliases ...string) error {
	source := SourceFromIndex(index)
	current, err := m.AllAliasedIndexesForSource(ctx, source)
	if err != nil {
		return err
	}

	aliasSet := map[string]bool{PrimaryAlias: true, source: true}
	for alias := range current {
		aliasSet[alias] = true
	}
	for _, alias := range extraAliases {
		aliasSet[alias] = true
	}
	aliases := make([]string, 0, len(aliasSet))
	for alias := range aliasSet {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	actions := make([]aliasAction, 0, len(aliases))
	for _, alias := range aliases {
		actions = append(actions, aliasAction{
			Add: &aliasActionTarget{Index: index, Alias: alias},
		})
	}
	for _, alias := range aliases {
		for _, existing := range current[alias] {
			if existing != index {
				actions = append(actions, aliasAction{
					Remove: &aliasActionTarget{Index: existing, Alias: alias},
				})
			}
		}
	}

	// Sending both the additions and demotions in one request ensures the
	// action is atomic (the cluster handles that).
	if err := m.updateAliases(ctx, index, actions); err != nil {
		return err
	}
	m.logger.Info("index promoted",
		zap.String("index", index), zap.Strings("aliases", aliases))
	return nil
}

// Demote removes index from every alias currently bound to it, in one atomic
// request, and returns the aliases it was removed from. Demotion is
// idempotent: an index with no alias bindings is a no-op.
func (m *AliasManager) Demote(ctx context.Context, index string) ([]string, error) {
	aliases, err := m.IndexAliases(ctx, index)
	if err != nil {
		return nil, err
	}
	if len(aliases) == 0 {
		return nil, nil
	}
	actions := make([]aliasAction, 0, len(aliases))
	for _, alias := range aliases {
		actions = append(actions, aliasAction{
			Remove: &aliasActionTarget{Index: index, Alias: alias},
		})
	}
	if err := m.updateAliases(ctx, index, actions); err != nil {
		return nil, err
	}
	m.logger.Info("index demoted",
		zap.String("index", index), zap.Strings("aliases", aliases))
	return aliases, nil
}

func (m *AliasManager) updateAliases(ctx context.Context, index string, actions []aliasAction) error {
	body, err := jsoniter.Marshal(map[string][]aliasAction{"actions": actions})
	if err != nil {
		return fmt.Errorf("encoding alias actions: %w", err)
	}
	req := esapi.IndicesUpdateAliasesRequest{Body: bytes.NewReader(body)}
	res, err := req.Do(ctx, m.client)
	if err != nil {
		return fmt.Errorf("updating aliases for index %q: %w", index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		ce := decodeClusterError(res.Body)
		switch ce.Error.Type {
		case errTypeIndexNotFound:
			return &IndexNotFoundError{Index: index}
		case errTypeAliasesNotFound:
			return &AliasNotFoundError{Index: index}
		}
		return fmt.Errorf("updating aliases for index %q: %s: %s", index, ce.Error.Type, ce.Error.Reason)
	}
	return nil
}
