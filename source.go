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
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"
)

// Action is a bulk operation kind.
type Action string

// The four bulk operation kinds accepted by the cluster.
const (
	ActionIndex  Action = "index"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func (a Action) validate() error {
	switch a {
	case ActionIndex, ActionCreate, ActionUpdate, ActionDelete:
		return nil
	}
	return fmt.Errorf("invalid action %q, must be one of index, create, update, delete", string(a))
}

// Record is one document from a record source: an opaque document body, the
// bulk operation to perform, and the target document identifier.
type Record struct {
	// ID holds the target document identifier.
	ID string

	// Action holds the bulk operation kind. An empty Action means index.
	Action Action

	// Doc holds the document body. It is ignored for delete actions.
	Doc []byte
}

// RecordSource produces records one at a time. Next returns io.EOF after the
// final record. Sources are lazy, finite and non-restartable; the ingester
// never materializes a source in memory.
type RecordSource interface {
	Next() (Record, error)
}

// recordEnvelope is the decoded shape of one NDJSON record line. The document
// identifier and operation kind ride inside the document itself.
type recordEnvelope struct {
	ID     string `json:"timdex_record_id"`
	Action Action `json:"action"`
}

// NDJSONSource reads newline-delimited JSON records from an io.Reader, one
// document per line. The "timdex_record_id" field identifies the document and
// an optional "action" field selects the bulk operation, defaulting to index.
type NDJSONSource struct {
	scanner *bufio.Scanner
	line    int
}

// NewNDJSONSource returns a RecordSource reading NDJSON records from r.
func NewNDJSONSource(r io.Reader) *NDJSONSource {
	scanner := bufio.NewScanner(r)
	// Single records may exceed bufio's default 64KiB line limit.
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024*1024)
	return &NDJSONSource{scanner: scanner}
}

// Next returns the next record, or io.EOF at end of input.
func (s *NDJSONSource) Next() (Record, error) {
	for s.scanner.Scan() {
		s.line++
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var env recordEnvelope
		if err := jsoniter.Unmarshal(line, &env); err != nil {
			return Record{}, fmt.Errorf("decoding record on line %d: %w", s.line, err)
		}
		if env.ID == "" {
			return Record{}, fmt.Errorf("record on line %d is missing timdex_record_id", s.line)
		}
		action := env.Action
		if action == "" {
			action = ActionIndex
		}
		if err := action.validate(); err != nil {
			return Record{}, fmt.Errorf("record on line %d: %w", s.line, err)
		}
		doc := make([]byte, len(line))
		copy(doc, line)
		return Record{ID: env.ID, Action: action, Doc: doc}, nil
	}
	if err := s.scanner.Err(); err != nil {
		return Record{}, err
	}
	return Record{}, io.EOF
}

// fileSource wraps an NDJSONSource, closing the underlying file at EOF.
type fileSource struct {
	*NDJSONSource
	f *os.File
}

func (s *fileSource) Next() (Record, error) {
	rec, err := s.NDJSONSource.Next()
	if err != nil {
		s.f.Close()
	}
	return rec, err
}

// OpenNDJSONFile opens path as an NDJSON record source. The file is closed
// when the source is exhausted or returns an error.
func OpenNDJSONFile(path string) (RecordSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening record dataset: %w", err)
	}
	return &fileSource{NDJSONSource: NewNDJSONSource(f), f: f}, nil
}
