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
	"sync"
	"time"

	"go.uber.org/zap"
)

// IngestStats summarizes one ingestion run.
type IngestStats struct {
	// Submitted holds the number of records produced by the record source.
	Submitted int64
	// Indexed holds the number of records confirmed written.
	Indexed int64
	// Failed holds the number of records that failed terminally.
	Failed int64
	// Retried holds the number of document resubmissions.
	Retried int64
	// BulkRequests holds the number of bulk requests executed, including
	// retry attempts.
	BulkRequests int64
	// Elapsed holds the wall-clock duration of the run.
	Elapsed time.Duration
}

// progressTracker accumulates ingestion counters and emits a status log line
// each time the configured number of records has been processed since the
// last line. Counter updates are guarded because bulk requests complete
// concurrently. Reporting never fails ingestion.
type progressTracker struct {
	logger   *zap.Logger
	interval int64
	start    time.Time

	mu        sync.Mutex
	stats     IngestStats
	processed int64
	reported  int64
}

func newProgressTracker(logger *zap.Logger, interval int) *progressTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &progressTracker{
		logger:   logger,
		interval: int64(interval),
		start:    time.Now(),
	}
}

func (p *progressTracker) addSubmitted(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Submitted += int64(n)
}

// observeFlush folds one bulk response into the counters, emitting a status
// line for each interval boundary the processed count has crossed.
func (p *progressTracker) observeFlush(stat BulkIndexerResponseStat) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.BulkRequests++
	p.stats.Indexed += stat.Indexed
	p.stats.Retried += stat.RetriedDocs
	p.stats.Failed += int64(len(stat.FailedDocs))
	p.processed += stat.Indexed + int64(len(stat.FailedDocs))
	p.maybeReportLocked()
}

// addFailed records records dropped without a per-document bulk response,
// e.g. after exhausting retries.
func (p *progressTracker) addFailed(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Failed += int64(n)
	p.processed += int64(n)
	p.maybeReportLocked()
}

func (p *progressTracker) maybeReportLocked() {
	if p.processed/p.interval == p.reported {
		return
	}
	p.reported = p.processed / p.interval
	p.logger.Info("status update",
		zap.Int64("records", p.processed),
		zap.Int64("indexed", p.stats.Indexed),
		zap.Int64("failed", p.stats.Failed),
	)
}

// finalize emits the closing summary and returns the totals.
func (p *progressTracker) finalize() IngestStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Elapsed = time.Since(p.start)
	p.logger.Info("ingestion complete",
		zap.Int64("submitted", p.stats.Submitted),
		zap.Int64("indexed", p.stats.Indexed),
		zap.Int64("failed", p.stats.Failed),
		zap.Int64("retried", p.stats.Retried),
		zap.Int64("bulk_requests", p.stats.BulkRequests),
		zap.Duration("elapsed", p.stats.Elapsed),
	)
	return p.stats
}
