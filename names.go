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
	"slices"
	"strings"
	"time"
)

// indexTimestampFormat is the UTC, second precision timestamp embedded in
// index names, e.g. "alma-20220101T123456Z".
const indexTimestampFormat = "20060102T150405Z"

// ValidSources holds the configured TIMDEX source short names. Indexes may
// only be created for one of these sources.
var ValidSources = []string{
	"alma",
	"aspace",
	"dspace",
	"gismit",
	"gisogm",
	"libguides",
	"jpal",
	"researchdatabases",
	"whoas",
	"zenodo",
}

// GenerateIndexName returns a new index name for the source, embedding the
// current UTC timestamp per the <source>-<YYYYMMDDThhmmssZ> convention.
func GenerateIndexName(source string) string {
	return fmt.Sprintf("%s-%s", source, time.Now().UTC().Format(indexTimestampFormat))
}

// SourceFromIndex returns the source short name embedded in an index name.
func SourceFromIndex(index string) string {
	source, _, _ := strings.Cut(index, "-")
	return source
}

// ValidateIndexName checks an externally supplied index name against the
// naming convention: a configured source, a separator, and a parseable UTC
// timestamp.
func ValidateIndexName(name string) error {
	source, timestamp, ok := strings.Cut(name, "-")
	if !ok {
		return fmt.Errorf(
			"index name %q must be in the format <source>-<YYYYMMDDThhmmssZ>, e.g. %q",
			name, "aspace-20220101T123456Z",
		)
	}
	if !slices.Contains(ValidSources, source) {
		return fmt.Errorf(
			"source %q in index name must be one of the configured sources: %s",
			source, strings.Join(ValidSources, ", "),
		)
	}
	if _, err := time.Parse(indexTimestampFormat, timestamp); err != nil {
		return fmt.Errorf(
			"timestamp in index name %q must be in the format YYYYMMDDThhmmssZ: %w",
			name, err,
		)
	}
	return nil
}
