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
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
)

// IndexExistsError is returned when attempting to create an index that is
// already present in the cluster.
type IndexExistsError struct {
	Index string
}

func (e *IndexExistsError) Error() string {
	return fmt.Sprintf("index %q already exists in the cluster, cannot create", e.Index)
}

// IndexNotFoundError is returned when an expected index is not present in the
// cluster.
type IndexNotFoundError struct {
	Index string
}

func (e *IndexNotFoundError) Error() string {
	return fmt.Sprintf("index %q not present in cluster, check index name and try again", e.Index)
}

// AliasNotFoundError is returned when an alias is not associated with the
// index it was expected to be bound to.
type AliasNotFoundError struct {
	Alias string
	Index string
}

func (e *AliasNotFoundError) Error() string {
	return fmt.Sprintf("alias %q not associated with index %q, check index aliases and try again", e.Alias, e.Index)
}

// clusterError is the error payload the cluster returns on failed requests,
// reduced to the fields used for error classification.
type clusterError struct {
	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
	Status int `json:"status"`
}

const (
	errTypeResourceAlreadyExists = "resource_already_exists_exception"
	errTypeIndexNotFound         = "index_not_found_exception"
	errTypeAliasesNotFound       = "aliases_not_found_exception"
)

func decodeClusterError(body io.Reader) clusterError {
	var ce clusterError
	// A decode failure leaves the zero value, which classifies as an
	// unrecognized error type.
	_ = jsoniter.NewDecoder(body).Decode(&ce)
	return ce
}
