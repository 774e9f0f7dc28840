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
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// Config holds configuration for the ingestion pipeline.
type Config struct {
	// Client holds the cluster client used for bulk requests.
	Client esapi.Transport

	// Logger holds an optional Logger to use for logging indexing requests.
	//
	// Permanent per-document errors are logged at error level, so in cases
	// where the ingester is used for high throughput indexing, it is
	// recommended that a rate-limited logger is used.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer to use for tracing bulk requests
	// to the cluster. Each bulk request is traced as a transaction.
	//
	// If Tracer is nil, requests will not be traced.
	Tracer *apm.Tracer

	// TracerProvider allows specifying a custom otel tracer provider.
	//
	// If unset, no OTel spans will be recorded.
	TracerProvider trace.TracerProvider

	// MeterProvider holds the OTel MeterProvider to be used to create and
	// record ingestion metrics.
	//
	// If unset, the global OTel MeterProvider will be used; if that is
	// unset, no metrics will be recorded.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// MaxDocumentBytes holds the batch threshold in uncompressed bytes. A
	// batch is sealed and submitted once appending the next record would
	// exceed this size. A single record larger than MaxDocumentBytes is
	// still submitted alone, unmodified.
	//
	// If MaxDocumentBytes is zero, the default of 100 MiB will be used.
	MaxDocumentBytes int

	// MaxDocuments optionally bounds the number of records per batch.
	//
	// If MaxDocuments is zero, only MaxDocumentBytes bounds the batch.
	MaxDocuments int

	// MaxRetries holds the maximum number of times a retryable document
	// failure is resubmitted before being reported as a terminal failure.
	//
	// If MaxRetries is zero, the default of 8 will be used.
	MaxRetries int

	// RetryOnDocumentStatus holds the document level statuses that will
	// trigger a document retry.
	//
	// If empty, the default of 429, 502, 503 and 504 will be used.
	RetryOnDocumentStatus []int

	// RequestTimeout bounds each bulk request, distinct from the cluster's
	// default operation timeout, since bulk requests are long-running.
	//
	// If RequestTimeout is zero, the default of 120 seconds will be used.
	RequestTimeout time.Duration

	// RetryBackoffInitial holds the delay before the first retry of a
	// batch. The delay doubles per attempt, capped at RetryBackoffMax,
	// with randomized jitter.
	//
	// If zero, the default of 1 second will be used.
	RetryBackoffInitial time.Duration

	// RetryBackoffMax caps the delay between retry attempts.
	//
	// If zero, the default of 30 seconds will be used.
	RetryBackoffMax time.Duration

	// StatusInterval holds the number of processed records between status
	// report log lines.
	//
	// If StatusInterval is zero, the default of 1000 will be used.
	StatusInterval int

	// MaxRequests holds the maximum number of bulk requests to execute
	// concurrently. The maximum memory usage of the ingester is thus
	// approximately MaxRequests*MaxDocumentBytes.
	//
	// If MaxRequests is less than or equal to zero, the default of 2 will
	// be used.
	MaxRequests int
}

// DefaultConfig returns cfg with default values applied for any unset field.
func DefaultConfig(cfg Config) Config {
	if cfg.MaxDocumentBytes <= 0 {
		cfg.MaxDocumentBytes = 100 * 1024 * 1024
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 8
	}
	if len(cfg.RetryOnDocumentStatus) == 0 {
		cfg.RetryOnDocumentStatus = []int{429, 502, 503, 504}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}
	if cfg.RetryBackoffInitial <= 0 {
		cfg.RetryBackoffInitial = time.Second
	}
	if cfg.RetryBackoffMax <= 0 {
		cfg.RetryBackoffMax = 30 * time.Second
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 1000
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 2
	}
	return cfg
}

// Environment variable keys shared with the original deployment environment.
const (
	EnvEndpoint       = "TIMDEX_OPENSEARCH_ENDPOINT"
	EnvMaxChunkBytes  = "OPENSEARCH_BULK_MAX_CHUNK_BYTES"
	EnvMaxRetries     = "OPENSEARCH_BULK_MAX_RETRIES"
	EnvRequestTimeout = "OPENSEARCH_REQUEST_TIMEOUT"
	EnvStatusInterval = "STATUS_UPDATE_INTERVAL"
)

// EnvConfig holds the environment-driven configuration surface consumed by
// the CLI.
type EnvConfig struct {
	// Endpoint holds the OpenSearch endpoint minus the http scheme, or a
	// full URL when a scheme is included.
	Endpoint string

	// MaxChunkBytes holds the maximum bulk batch size in bytes.
	MaxChunkBytes int

	// MaxRetries holds the maximum bulk retry count.
	MaxRetries int

	// RequestTimeout holds the per-request timeout.
	RequestTimeout time.Duration

	// StatusInterval holds the status reporting interval in records.
	StatusInterval int
}

// LoadEnvConfig reads the configuration surface from the process environment,
// applying defaults for unset keys.
func LoadEnvConfig() (EnvConfig, error) {
	k := koanf.New(".")
	defaults := map[string]interface{}{
		EnvEndpoint:       "localhost",
		EnvMaxChunkBytes:  100 * 1024 * 1024,
		EnvMaxRetries:     8,
		EnvRequestTimeout: 120,
		EnvStatusInterval: 1000,
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return EnvConfig{}, fmt.Errorf("loading config defaults: %w", err)
	}
	if err := k.Load(env.Provider("", ".", nil), nil); err != nil {
		return EnvConfig{}, fmt.Errorf("loading config from environment: %w", err)
	}
	return EnvConfig{
		Endpoint:       k.String(EnvEndpoint),
		MaxChunkBytes:  k.Int(EnvMaxChunkBytes),
		MaxRetries:     k.Int(EnvMaxRetries),
		RequestTimeout: time.Duration(k.Int(EnvRequestTimeout)) * time.Second,
		StatusInterval: k.Int(EnvStatusInterval),
	}, nil
}
