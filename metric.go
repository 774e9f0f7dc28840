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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	flushDuration metric.Float64Histogram
	bulkRequests  metric.Int64Counter
	recordsAdded  metric.Int64Counter
	docsProcessed metric.Int64Counter
	docsRetried   metric.Int64Counter
	flushedBytes  metric.Int64Counter
}

type histogramMetric struct {
	name        string
	description string
	unit        string
	p           *metric.Float64Histogram
}

type counterMetric struct {
	name        string
	description string
	unit        string
	p           *metric.Int64Counter
}

func newMetrics(cfg Config) (metrics, error) {
	mp := cfg.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter("github.com/MITLibraries/timdex-index-manager")
	ms := metrics{}
	histograms := []histogramMetric{
		{
			name:        "opensearch.flushed.latency",
			description: "The amount of time a bulk request took, in seconds.",
			unit:        "s",
			p:           &ms.flushDuration,
		},
	}
	for _, m := range histograms {
		if err := newFloat64Histogram(meter, m); err != nil {
			return ms, err
		}
	}

	counters := []counterMetric{
		{
			name:        "opensearch.bulk_requests.count",
			description: "The number of bulk requests completed, including retry attempts.",
			p:           &ms.bulkRequests,
		},
		{
			name:        "opensearch.records.count",
			description: "Number of records received for indexing.",
			p:           &ms.recordsAdded,
		},
		{
			name:        "opensearch.records.processed",
			description: "Number of records flushed to the cluster. Dimensions are used to report success or failure class.",
			p:           &ms.docsProcessed,
		},
		{
			name:        "opensearch.records.retried",
			description: "Number of document resubmissions after a retryable failure.",
			p:           &ms.docsRetried,
		},
		{
			name:        "opensearch.flushed.bytes",
			description: "The total number of bytes written to the request body.",
			unit:        "by",
			p:           &ms.flushedBytes,
		},
	}
	for _, m := range counters {
		if err := newInt64Counter(meter, m); err != nil {
			return ms, err
		}
	}
	return ms, nil
}

func newInt64Counter(meter metric.Meter, c counterMetric) error {
	unit := c.unit
	if unit == "" {
		unit = "1"
	}
	m, err := meter.Int64Counter(
		c.name,
		metric.WithUnit(unit),
		metric.WithDescription(c.description),
	)
	if err != nil {
		return fmt.Errorf("failed creating %s metric: %w", c.name, err)
	}
	*c.p = m
	return nil
}

func newFloat64Histogram(meter metric.Meter, h histogramMetric) error {
	m, err := meter.Float64Histogram(
		h.name,
		metric.WithUnit(h.unit),
		metric.WithDescription(h.description),
	)
	if err != nil {
		return fmt.Errorf("failed creating %s metric: %w", h.name, err)
	}
	*h.p = m
	return nil
}
