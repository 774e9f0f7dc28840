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
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.elastic.co/apm/v2"
	"go.elastic.co/fastjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// Ingester streams records from a RecordSource into an index, batch by
// batch, with bounded memory: at most MaxRequests batches are held at a
// time, and the record source is never materialized.
//
// The ingester fills a single bulk request buffer at a time to ensure bulk
// requests are optimally sized. When the buffer reaches the configured byte
// or document bound, the request is flushed in the background, with a limit
// on the number of concurrent bulk requests, while the next buffer fills.
type Ingester struct {
	config  Config
	metrics metrics
	tracer  trace.Tracer
}

// NewIngester returns a new Ingester writing through cfg.Client.
func NewIngester(cfg Config) (*Ingester, error) {
	cfg = DefaultConfig(cfg)
	if cfg.Client == nil {
		return nil, errors.New("client is nil")
	}
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return nil, fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}
	ms, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}
	ing := &Ingester{config: cfg, metrics: ms}
	if cfg.TracerProvider != nil {
		ing.tracer = cfg.TracerProvider.Tracer("github.com/MITLibraries/timdex-index-manager")
	}
	return ing, nil
}

// Ingest bulk loads every record produced by src into index, and reports the
// final counts. Per-record failures are aggregated into the returned stats,
// never raised: a single source's document quality issues must not block
// ingestion of the rest of that source. The returned error is non-nil only
// when the run itself could not proceed: a failing record source, or
// cancellation.
//
// Cancelling ctx stops pulling records promptly; bulk requests already
// dispatched are allowed to finish so the cluster is not left with a request
// in an unknown partial-write state.
func (ing *Ingester) Ingest(ctx context.Context, index string, src RecordSource) (IngestStats, error) {
	logger := ing.config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("index", index))

	tracker := newProgressTracker(logger, ing.config.StatusInterval)

	free := make(chan *BulkIndexer, ing.config.MaxRequests)
	for i := 0; i < ing.config.MaxRequests; i++ {
		bi, err := NewBulkIndexer(BulkIndexerConfig{
			Client:                ing.config.Client,
			MaxDocumentRetries:    ing.config.MaxRetries,
			RetryOnDocumentStatus: ing.config.RetryOnDocumentStatus,
			CompressionLevel:      ing.config.CompressionLevel,
		})
		if err != nil {
			return IngestStats{}, fmt.Errorf("error creating bulk indexer: %w", err)
		}
		free <- bi
	}

	// Dispatched flushes run on a context detached from cancellation so an
	// in-flight bulk request is never abandoned mid-write; cancellation is
	// honored between attempts instead.
	flushCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	dispatch := func(bi *BulkIndexer) {
		g.Go(func() error {
			ing.flushBatch(flushCtx, ctx.Done(), logger, tracker, index, bi)
			bi.Reset()
			free <- bi
			return nil
		})
	}

	var metaw fastjson.Writer
	active := <-free
	var runErr error
	for runErr == nil {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		rec, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			runErr = fmt.Errorf("reading record source: %w", err)
			break
		}
		body := bulkBody(rec)
		if active.Items() > 0 && ing.batchFull(active, bulkItemLen(&metaw, rec, index, len(body))) {
			dispatch(active)
			active = <-free
		}
		tracker.addSubmitted(1)
		attrs := metric.WithAttributeSet(ing.config.MetricAttributes)
		ing.metrics.recordsAdded.Add(context.Background(), 1, attrs)
		item := BulkIndexerItem{
			Index:      index,
			DocumentID: rec.ID,
			Action:     rec.Action,
		}
		if body != nil {
			item.Body = bytes.NewReader(body)
		}
		if err := active.Add(item); err != nil {
			tracker.addFailed(1)
			logger.Error("failed to encode record", zap.String("id", rec.ID), zap.Error(err))
		}
	}

	if active.Items() > 0 {
		if runErr == nil {
			dispatch(active)
		} else {
			// Records buffered but never dispatched are reported as failed
			// so the final accounting still covers every produced record.
			n := active.Discard()
			tracker.addFailed(n)
			logger.Warn("dropping unsubmitted batch", zap.Int("documents", n))
		}
	}
	g.Wait()

	if runErr == nil {
		if err := ing.refresh(flushCtx, index); err != nil {
			logger.Error("failed to refresh index after ingest", zap.Error(err))
		}
	}
	return tracker.finalize(), runErr
}

// batchFull reports whether appending itemLen more bytes would exceed the
// batch bounds. A single record larger than the byte bound still forms its
// own batch: the check only applies once the buffer is non-empty.
func (ing *Ingester) batchFull(bi *BulkIndexer, itemLen int) bool {
	if ing.config.MaxDocuments > 0 && bi.Items() >= ing.config.MaxDocuments {
		return true
	}
	return bi.Len()+itemLen > ing.config.MaxDocumentBytes
}

// bulkItemLen returns the exact number of bytes a record adds to the bulk
// buffer: the encoded action metadata line plus the body line, if any.
func bulkItemLen(w *fastjson.Writer, rec Record, index string, bodyLen int) int {
	action := rec.Action
	if action == "" {
		action = ActionIndex
	}
	w.Reset()
	appendBulkMeta(w, action, index, rec.ID)
	n := len(w.Bytes())
	if action != ActionDelete {
		n += bodyLen + 1
	}
	return n
}

// flushBatch drives one batch to completion: flush, partition failures,
// back off and flush again while retryable documents remain. Documents are
// given up on after MaxRetries resubmissions and reported as terminal
// failures, not raised, so ingestion of the remaining stream continues.
func (ing *Ingester) flushBatch(
	ctx context.Context,
	cancelled <-chan struct{},
	logger *zap.Logger,
	tracker *progressTracker,
	index string,
	bi *BulkIndexer,
) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = ing.config.RetryBackoffInitial
	bo.MaxInterval = ing.config.RetryBackoffMax
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 0; bi.Items() > 0; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-cancelled:
				n := bi.Discard()
				tracker.addFailed(n)
				logger.Warn("abandoning batch retries after cancellation",
					zap.Int("documents", n), zap.Int("attempts", attempt))
				return
			}
		}
		// The per-document retry budget empties the buffer before this
		// triggers; it is a backstop against a cluster that fails whole
		// requests indefinitely.
		if attempt > ing.config.MaxRetries {
			n := bi.Discard()
			tracker.addFailed(n)
			logger.Error("bulk retries exhausted", zap.Int("documents", n))
			return
		}

		stat, err := ing.flushOne(ctx, bi)
		tracker.observeFlush(stat)
		if err != nil {
			logger.Error("bulk request failed",
				zap.Int("attempt", attempt), zap.Error(err))
		}
		if len(stat.FailedDocs) > 0 {
			failedCount := make(map[string]int, len(stat.FailedDocs))
			for _, doc := range stat.FailedDocs {
				key := fmt.Sprintf("%s: %s", doc.Error.Type, doc.Error.Reason)
				failedCount[key]++
			}
			for key, count := range failedCount {
				logger.Error(fmt.Sprintf("failed to index documents in %q (%s)", index, key),
					zap.Int("documents", count))
			}
		}
	}
}

// flushOne executes a single bulk request with the per-request timeout,
// tracing and metrics.
func (ing *Ingester) flushOne(ctx context.Context, bi *BulkIndexer) (BulkIndexerResponseStat, error) {
	n := bi.Items()
	var span trace.Span
	if ing.tracer != nil {
		ctx, span = ing.tracer.Start(ctx, "tim.flush", trace.WithAttributes(
			attribute.Int("documents", n),
		))
		defer span.End()
	}
	if ing.config.Tracer != nil {
		tx := ing.config.Tracer.StartTransaction("tim.bulk_flush", "output")
		defer tx.End()
		ctx = apm.ContextWithTransaction(ctx, tx)
	}

	flushCtx, cancel := context.WithTimeout(ctx, ing.config.RequestTimeout)
	defer cancel()

	start := time.Now()
	stat, err := bi.Flush(flushCtx)

	attrs := metric.WithAttributeSet(ing.config.MetricAttributes)
	ing.metrics.bulkRequests.Add(context.Background(), 1, attrs)
	ing.metrics.flushDuration.Record(context.Background(), time.Since(start).Seconds(), attrs)
	if flushed := bi.BytesFlushed(); flushed > 0 {
		ing.metrics.flushedBytes.Add(context.Background(), int64(flushed), attrs)
	}
	if stat.Indexed > 0 {
		ing.metrics.docsProcessed.Add(context.Background(), stat.Indexed, attrs,
			metric.WithAttributes(attribute.String("status", "Success")))
	}
	if stat.RetriedDocs > 0 {
		ing.metrics.docsRetried.Add(context.Background(), stat.RetriedDocs, attrs)
	}
	var tooMany, clientFailed, serverFailed int64
	for _, doc := range stat.FailedDocs {
		switch {
		case doc.Status == 429:
			tooMany++
		case doc.Status >= 500:
			serverFailed++
		default:
			clientFailed++
		}
		if span != nil && span.IsRecording() {
			e := errors.New(doc.Error.Reason)
			span.RecordError(e)
			span.SetStatus(codes.Error, e.Error())
		}
	}
	if tooMany > 0 {
		ing.metrics.docsProcessed.Add(context.Background(), tooMany, attrs,
			metric.WithAttributes(attribute.String("status", "TooMany")))
	}
	if clientFailed > 0 {
		ing.metrics.docsProcessed.Add(context.Background(), clientFailed, attrs,
			metric.WithAttributes(attribute.String("status", "FailedClient")))
	}
	if serverFailed > 0 {
		ing.metrics.docsProcessed.Add(context.Background(), serverFailed, attrs,
			metric.WithAttributes(attribute.String("status", "FailedServer")))
	}
	if err != nil && span != nil && span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bulk request failed")
	}
	return stat, err
}

// refresh makes the newly written documents searchable, matching the
// cluster's behavior after a full load.
func (ing *Ingester) refresh(ctx context.Context, index string) error {
	req := esapi.IndicesRefreshRequest{Index: []string{index}}
	res, err := req.Do(ctx, ing.config.Client)
	if err != nil {
		return fmt.Errorf("refreshing index %q: %w", index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("refreshing index %q: %s", index, res.String())
	}
	return nil
}

// bulkBody returns the request body line for a record: nil for deletes, the
// document wrapped in a partial-update envelope for updates, and the document
// itself otherwise.
func bulkBody(rec Record) []byte {
	switch rec.Action {
	case ActionDelete:
		return nil
	case ActionUpdate:
		body := make([]byte, 0, len(rec.Doc)+8)
		body = append(body, `{"doc":`...)
		body = append(body, rec.Doc...)
		body = append(body, '}')
		return body
	default:
		return rec.Doc
	}
}
