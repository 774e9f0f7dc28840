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

// Package tim manages the lifecycle of TIMDEX OpenSearch indexes: creating
// versioned indexes from a shared mapping template, bulk loading records into
// them in a memory-bounded and fault-tolerant way, and atomically repointing
// source aliases at a freshly loaded index without interrupting read traffic.
//
// The ingestion path fills one bulk request buffer at a time so that bulk
// requests have the maximum possible size, and never materializes the record
// stream in memory. Per-document failures are partitioned into retryable and
// permanent classes; retryable documents are resubmitted with exponential
// backoff and jitter, and permanent failures are reported rather than
// aborting the run.
package tim
