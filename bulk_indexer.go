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
	"net/http"
	"unsafe"

	"github.com/klauspost/compress/gzip"
	"go.elastic.co/fastjson"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
)

// The go-elasticsearch BulkIndexer implementation sends all items to a
// channel, and multiple persistent worker goroutines receive those items and
// independently fill up their own buffers, which may lead to sparse bulk
// requests. We instead fill up one bulk request at a time, so that bulk
// requests have the maximum possible size based on the configured batch
// bound, and so that a failed request can be reconstructed for retries from a
// single contiguous snapshot of its body.

var errMissingBody = errors.New("missing document body")

// BulkIndexerConfig holds configuration for BulkIndexer.
type BulkIndexerConfig struct {
	// Client holds the cluster client.
	Client esapi.Transport

	// MaxDocumentRetries holds the maximum number of document retries.
	// Documents failing with a retryable status beyond this count are
	// returned as terminally failed.
	MaxDocumentRetries int

	// RetryOnDocumentStatus holds the document level statuses that will
	// trigger a document retry.
	//
	// If empty, the default of 429, 502, 503 and 504 will be used.
	RetryOnDocumentStatus []int

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int
}

// BulkIndexer accumulates bulk actions into a single request buffer and
// submits them as one bulk request. Retryable document failures are re-queued
// into the buffer for the next Flush; permanent failures are reported in the
// response stat.
type BulkIndexer struct {
	config       BulkIndexerConfig
	itemsAdded   int
	bytesFlushed int
	jsonw        fastjson.Writer
	buf          bytes.Buffer
	gzipBuf      bytes.Buffer
	copyBuf      []byte
	itemLines    []int
	linesFlushed []int
	retryCounts  map[int]int
}

// BulkIndexerResponseStat summarizes one bulk request's per-document results.
type BulkIndexerResponseStat struct {
	// Indexed contains the total number of successfully processed documents.
	Indexed int64
	// RetriedDocs contains the number of documents re-queued for retry.
	RetriedDocs int64
	// FailedDocs contains the documents that failed terminally.
	FailedDocs []BulkIndexerResponseItem
}

// BulkIndexerResponseItem represents one document's result in the bulk
// response.
type BulkIndexerResponseItem struct {
	Index      string `json:"_index"`
	DocumentID string `json:"_id"`
	Status     int    `json:"status"`

	Position int

	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

func init() {
	jsoniter.RegisterTypeDecoderFunc("tim.BulkIndexerResponseStat", func(ptr unsafe.Pointer, iter *jsoniter.Iterator) {
		iter.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
			switch s {
			case "items":
				var idx int
				iter.ReadArrayCB(func(i *jsoniter.Iterator) bool {
					return i.ReadMapCB(func(i *jsoniter.Iterator, s string) bool {
						var item BulkIndexerResponseItem
						i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
							switch s {
							case "_index":
								item.Index = i.ReadString()
							case "_id":
								item.DocumentID = i.ReadString()
							case "status":
								item.Status = i.ReadInt()
							case "error":
								i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
									switch s {
									case "type":
										item.Error.Type = i.ReadString()
									case "reason":
										item.Error.Reason = i.ReadString()
									default:
										i.Skip()
									}
									return true
								})
							default:
								i.Skip()
							}
							return true
						})
						item.Position = idx
						idx++
						stat := (*BulkIndexerResponseStat)(ptr)
						if item.Error.Type != "" || item.Status > 299 {
							stat.FailedDocs = append(stat.FailedDocs, item)
						} else {
							stat.Indexed++
						}
						return true
					})
				})
				// no need to proceed further, return early
				return false
			default:
				i.Skip()
				return true
			}
		})
	})
}

// NewBulkIndexer returns a bulk indexer that issues bulk requests to the
// cluster.
func NewBulkIndexer(cfg BulkIndexerConfig) (*BulkIndexer, error) {
	if cfg.Client == nil {
		return nil, errors.New("client is nil")
	}
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return nil, fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}
	// use a len check instead of a nil check because document level retries
	// should be disabled using MaxDocumentRetries instead.
	if len(cfg.RetryOnDocumentStatus) == 0 {
		cfg.RetryOnDocumentStatus = []int{
			http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		}
	}
	return &BulkIndexer{
		config:      cfg,
		retryCounts: make(map[int]int),
	}, nil
}

// Reset resets the bulk indexer, ready for a new request.
func (b *BulkIndexer) Reset() {
	b.bytesFlushed = 0
}

func (b *BulkIndexer) resetBuf() {
	b.itemsAdded = 0
	b.buf.Reset()
	b.itemLines = b.itemLines[:0]
}

// Items returns the number of buffered items.
func (b *BulkIndexer) Items() int {
	return b.itemsAdded
}

// Len returns the number of buffered bytes.
func (b *BulkIndexer) Len() int {
	return b.buf.Len()
}

// BytesFlushed returns the number of uncompressed bytes flushed by the last
// bulk request.
func (b *BulkIndexer) BytesFlushed() int {
	return b.bytesFlushed
}

// Discard drops all buffered items, returning the number dropped.
func (b *BulkIndexer) Discard() int {
	n := b.itemsAdded
	b.resetBuf()
	clear(b.retryCounts)
	return n
}

// BulkIndexerItem is one bulk action: an operation kind, a target document
// identifier and the document body. Delete actions carry no body.
type BulkIndexerItem struct {
	Index      string
	DocumentID string
	Action     Action
	Body       io.WriterTo
}

// Add encodes an item in the buffer.
func (b *BulkIndexer) Add(item BulkIndexerItem) error {
	action := item.Action
	if action == "" {
		action = ActionIndex
	}
	if err := action.validate(); err != nil {
		return err
	}
	if action != ActionDelete && item.Body == nil {
		return errMissingBody
	}
	b.writeMeta(action, item.Index, item.DocumentID)
	lines := 1
	if action != ActionDelete {
		if _, err := item.Body.WriteTo(&b.buf); err != nil {
			return fmt.Errorf("failed to write bulk indexer item: %w", err)
		}
		if err := b.buf.WriteByte('\n'); err != nil {
			return fmt.Errorf("failed to write newline: %w", err)
		}
		lines = 2
	}
	b.itemLines = append(b.itemLines, lines)
	b.itemsAdded++
	return nil
}

func (b *BulkIndexer) writeMeta(action Action, index, documentID string) {
	appendBulkMeta(&b.jsonw, action, index, documentID)
	b.buf.Write(b.jsonw.Bytes())
	b.jsonw.Reset()
}

// appendBulkMeta encodes one bulk action metadata line into w, including the
// trailing newline.
func appendBulkMeta(w *fastjson.Writer, action Action, index, documentID string) {
	w.RawString(`{"`)
	w.RawString(string(action))
	w.RawString(`":{`)
	if documentID != "" {
		w.RawString(`"_id":`)
		w.String(documentID)
	}
	if index != "" {
		if documentID != "" {
			w.RawByte(',')
		}
		w.RawString(`"_index":`)
		w.String(index)
	}
	w.RawString("}}\n")
}

// Flush executes a bulk request if there are any items buffered, and clears
// out the buffer. Documents failing with a retryable status are re-queued
// into the buffer, up to MaxDocumentRetries per document, and counted in
// RetriedDocs; the caller decides when and whether to Flush again. Whole
// request failures with a retryable status re-queue every document the same
// way.
func (b *BulkIndexer) Flush(ctx context.Context) (BulkIndexerResponseStat, error) {
	// BytesFlushed reports this flush only. Zero it up front so an attempt
	// that dies in transport does not leave the previous request's size
	// behind.
	b.bytesFlushed = 0
	if b.itemsAdded == 0 {
		return BulkIndexerResponseStat{}, nil
	}

	// Snapshot the request body so documents can be re-queued for retries
	// after the buffer is reset.
	b.copyBuf = append(b.copyBuf[:0], b.buf.Bytes()...)
	b.linesFlushed = append(b.linesFlushed[:0], b.itemLines...)

	var body io.Reader
	header := make(http.Header)
	if b.config.CompressionLevel != gzip.NoCompression {
		b.gzipBuf.Reset()
		gzipw, err := gzip.NewWriterLevel(&b.gzipBuf, b.config.CompressionLevel)
		if err != nil {
			return BulkIndexerResponseStat{}, fmt.Errorf("failed creating gzip writer: %w", err)
		}
		if _, err := gzipw.Write(b.buf.Bytes()); err != nil {
			return BulkIndexerResponseStat{}, fmt.Errorf("failed compressing request payload: %w", err)
		}
		if err := gzipw.Close(); err != nil {
			return BulkIndexerResponseStat{}, fmt.Errorf("failed closing the gzip writer: %w", err)
		}
		body = &b.gzipBuf
		header.Set("Content-Encoding", "gzip")
	} else {
		body = bytes.NewReader(b.copyBuf)
	}

	bytesFlushed := b.buf.Len()
	b.resetBuf()

	req := esapi.BulkRequest{
		Body:       body,
		Header:     header,
		FilterPath: []string{"items.*._index", "items.*._id", "items.*.status", "items.*.error.type", "items.*.error.reason"},
	}
	res, err := req.Do(ctx, b.config.Client)
	if err != nil {
		var stat BulkIndexerResponseStat
		if ctx.Err() == nil {
			// Transport-level failure with the request outcome unknown:
			// re-queue everything. Last write wins per document id, so a
			// duplicate submission is harmless.
			b.requeueAll(&stat, 0)
		} else {
			b.requeueAll(&stat, http.StatusRequestTimeout)
		}
		return stat, fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()

	b.bytesFlushed = bytesFlushed
	var stat BulkIndexerResponseStat
	if res.IsError() {
		flushErr := ErrorFlushFailed{
			statusCode:  res.StatusCode,
			tooMany:     res.StatusCode == http.StatusTooManyRequests,
			serverError: res.StatusCode >= 500,
			clientError: res.StatusCode >= 400 && res.StatusCode < 500 &&
				res.StatusCode != http.StatusTooManyRequests,
			message: res.String(),
		}
		if flushErr.tooMany || flushErr.serverError {
			b.requeueAll(&stat, res.StatusCode)
		} else {
			b.failAll(&stat, res.StatusCode)
		}
		return stat, flushErr
	}

	if err := jsoniter.NewDecoder(res.Body).Decode(&stat); err != nil {
		b.requeueAll(&stat, 0)
		return stat, fmt.Errorf("error decoding bulk response: %w", err)
	}

	// Eliminate previous retry counts for documents that succeeded on this
	// attempt.
	for k := range b.retryCounts {
		found := false
		for _, doc := range stat.FailedDocs {
			if doc.Position == k {
				found = true
				break
			}
		}
		if !found {
			delete(b.retryCounts, k)
		}
	}

	var offsets []int
	curPos, curLine := 0, 0
	terminal := stat.FailedDocs[:0]
	for _, doc := range stat.FailedDocs {
		if !b.shouldRetryOnStatus(doc.Status) {
			terminal = append(terminal, doc)
			continue
		}
		count := b.retryCounts[doc.Position] + 1
		if count > b.config.MaxDocumentRetries {
			// do not retry, return the document as failed
			terminal = append(terminal, doc)
			continue
		}
		if offsets == nil {
			offsets = lineStarts(b.copyBuf)
		}
		// FailedDocs positions are ascending; walk the per-item line counts
		// forward to locate the document's lines in the snapshot.
		for curPos < doc.Position {
			curLine += b.linesFlushed[curPos]
			curPos++
		}
		nlines := b.linesFlushed[doc.Position]
		b.buf.Write(b.copyBuf[offsets[curLine]:offsets[curLine+nlines]])
		b.itemLines = append(b.itemLines, nlines)
		// Since some items may have succeeded, counter positions need to be
		// updated to match the next buffer position.
		b.retryCounts[b.itemsAdded] = count
		b.itemsAdded++
		stat.RetriedDocs++
	}
	stat.FailedDocs = terminal

	return stat, nil
}

// requeueAll re-queues every document of the last flushed request,
// incrementing each document's retry count. Documents over the retry budget
// are returned as terminally failed with the provided status.
func (b *BulkIndexer) requeueAll(stat *BulkIndexerResponseStat, status int) {
	offsets := lineStarts(b.copyBuf)
	newCounts := make(map[int]int, len(b.retryCounts))
	line := 0
	for pos, nlines := range b.linesFlushed {
		count := b.retryCounts[pos] + 1
		if count > b.config.MaxDocumentRetries {
			stat.FailedDocs = append(stat.FailedDocs, BulkIndexerResponseItem{
				Position: pos,
				Status:   status,
			})
			line += nlines
			continue
		}
		b.buf.Write(b.copyBuf[offsets[line]:offsets[line+nlines]])
		b.itemLines = append(b.itemLines, nlines)
		newCounts[b.itemsAdded] = count
		b.itemsAdded++
		stat.RetriedDocs++
		line += nlines
	}
	b.retryCounts = newCounts
}

// failAll marks every document of the last flushed request as terminally
// failed.
func (b *BulkIndexer) failAll(stat *BulkIndexerResponseStat, status int) {
	for pos := range b.linesFlushed {
		stat.FailedDocs = append(stat.FailedDocs, BulkIndexerResponseItem{
			Position: pos,
			Status:   status,
		})
	}
	clear(b.retryCounts)
}

func (b *BulkIndexer) shouldRetryOnStatus(docStatus int) bool {
	for _, status := range b.config.RetryOnDocumentStatus {
		if docStatus == status {
			return true
		}
	}
	return false
}

// lineStarts returns the byte offset of the start of each line in buf, plus a
// trailing len(buf) sentinel. Every buffered line is newline-terminated, so
// the result has one more entry than buf has lines.
func lineStarts(buf []byte) []int {
	offsets := make([]int, 1, 64)
	for i, c := range buf {
		if c == '\n' {
			offsets = append(offsets, i+1)
		}
	}
	return offsets
}

// ErrorFlushFailed is returned when a whole bulk request fails, as opposed to
// individual documents within it.
type ErrorFlushFailed struct {
	statusCode  int
	tooMany     bool
	clientError bool
	serverError bool
	message     string
}

// StatusCode returns the status code of the failed request.
func (e ErrorFlushFailed) StatusCode() int {
	return e.statusCode
}

func (e ErrorFlushFailed) Error() string {
	return fmt.Sprintf("flush failed (%d): %s", e.statusCode, e.message)
}
