// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telv2 provides an OpenTelemetry-based alternative to the legacy
// OpenCensus metrics in internal/tel. One MetricRecorder is created per
// instance the Dialer connects to; it reports refresh, dial, and byte
// counters to Google Cloud Monitoring under the alloydb.googleapis.com
// system metric prefix. When disabled, NewMetricRecorder returns a
// NullMetricRecorder so callers never need a nil check.
package telv2

import (
	"context"
	"fmt"
	"time"

	mexporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/metric"
	"github.com/GoogleCloudPlatform/alloydb-go-connector/debug"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"google.golang.org/api/option"
)

// RefreshType identifies which cache strategy produced a refresh result.
type RefreshType string

const (
	// RefreshAheadType marks events from the background-refreshing cache.
	RefreshAheadType RefreshType = "refresh_ahead"
	// RefreshLazyType marks events from the on-demand refreshing cache.
	RefreshLazyType RefreshType = "lazy"
)

// RefreshStatus identifies the outcome of a single refresh operation.
type RefreshStatus string

const (
	// RefreshSuccess marks a refresh operation that completed.
	RefreshSuccess RefreshStatus = "success"
	// RefreshFailure marks a refresh operation that returned an error.
	RefreshFailure RefreshStatus = "failure"
)

// DialStatus identifies the outcome of a call to Dial.
type DialStatus string

const (
	// DialSuccess marks a Dial call that returned a usable net.Conn.
	DialSuccess DialStatus = "success"
	// DialCacheError marks a Dial call that failed to obtain connection info.
	DialCacheError DialStatus = "cache_error"
	// DialTCPError marks a Dial call that failed the TCP connect.
	DialTCPError DialStatus = "tcp_error"
	// DialTLSError marks a Dial call that failed the TLS handshake.
	DialTLSError DialStatus = "tls_error"
	// DialMDXError marks a Dial call that failed the metadata exchange.
	DialMDXError DialStatus = "mdx_error"
	// DialUserError marks a Dial call rejected due to caller misconfiguration.
	DialUserError DialStatus = "user_error"
)

// Attributes holds the dimensions attached to a single recorded metric.
type Attributes struct {
	// UserAgent identifies the dialing application and its version.
	UserAgent string
	// IAMAuthN reports whether the connection used automatic IAM
	// authentication.
	IAMAuthN bool
	// RefreshType identifies the cache strategy: RefreshAheadType or
	// RefreshLazyType.
	RefreshType RefreshType
	// RefreshStatus identifies the outcome of a refresh operation.
	RefreshStatus RefreshStatus
	// CacheHit reports whether Dial reused an existing connection info
	// cache instead of creating one.
	CacheHit bool
	// DialStatus identifies the outcome of a call to Dial.
	DialStatus DialStatus
}

// Config configures the per-instance MetricRecorder built by
// NewMetricRecorder.
type Config struct {
	// Enabled turns on metric export. When false, NewMetricRecorder
	// returns a NullMetricRecorder.
	Enabled bool
	// Version is this module's version string, reported as a resource
	// attribute.
	Version string
	// ClientID uniquely identifies the Dialer that owns this recorder.
	ClientID string
	// ProjectID, Location, Cluster, and Instance identify the AlloyDB
	// instance this recorder reports on. ProjectID also names the Cloud
	// Monitoring project the metrics are written to.
	ProjectID string
	Location  string
	Cluster   string
	Instance  string
	// ReportingInterval controls how often metrics are pushed to Cloud
	// Monitoring. Defaults to 60s.
	ReportingInterval time.Duration
}

// MetricRecorder records refresh, dial, and byte-count outcomes for a
// single AlloyDB instance. Implementations must be safe for concurrent
// use.
type MetricRecorder interface {
	RecordRefreshCount(ctx context.Context, a Attributes)
	RecordDialCount(ctx context.Context, a Attributes)
	RecordOpenConnection(ctx context.Context, a Attributes)
	RecordClosedConnection(ctx context.Context, a Attributes)
	RecordDialLatency(ctx context.Context, latencyMS int64, a Attributes)
	RecordBytesRxCount(ctx context.Context, n int64, a Attributes)
	RecordBytesTxCount(ctx context.Context, n int64, a Attributes)
	Shutdown(ctx context.Context) error
}

// NewMetricRecorder builds a MetricRecorder reporting on cfg.Instance. If
// cfg.Enabled is false, or the exporter cannot be constructed, it logs
// the failure through l and falls back to a NullMetricRecorder so a
// telemetry outage never blocks a connection attempt.
func NewMetricRecorder(
	ctx context.Context, l debug.ContextLogger, cfg Config, opts ...option.ClientOption,
) MetricRecorder {
	if !cfg.Enabled {
		return NullMetricRecorder{}
	}
	interval := cfg.ReportingInterval
	if interval == 0 {
		interval = 60 * time.Second
	}

	exporter, err := mexporter.New(
		mexporter.WithProjectID(cfg.ProjectID),
		mexporter.WithMonitoringClientOptions(opts...),
	)
	if err != nil {
		l.Debugf(ctx, "failed to create Cloud Monitoring exporter, disabling telemetry: %v", err)
		return NullMetricRecorder{}
	}
	res := resource.NewSchemaless(
		attribute.String("alloydb.instance.project_id", cfg.ProjectID),
		attribute.String("alloydb.instance.location", cfg.Location),
		attribute.String("alloydb.instance.cluster", cfg.Cluster),
		attribute.String("alloydb.instance.name", cfg.Instance),
		attribute.String("alloydb.connector.client_id", cfg.ClientID),
		attribute.String("alloydb.connector.version", cfg.Version),
	)
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	meter := provider.Meter("cloud.google.com/go/alloydb-go-connector")

	r, err := newInstruments(meter)
	if err != nil {
		l.Debugf(ctx, "failed to create metric instruments, disabling telemetry: %v", err)
		return NullMetricRecorder{}
	}
	r.provider = provider
	return r
}

type metricRecorder struct {
	provider *sdkmetric.MeterProvider

	refreshCount metric.Int64Counter
	dialCount    metric.Int64Counter
	dialLatency  metric.Int64Histogram
	openConns    metric.Int64UpDownCounter
	bytesRxCount metric.Int64Counter
	bytesTxCount metric.Int64Counter
}

// instrumentBuilder accumulates the first error hit while declaring a batch
// of instruments, so newInstruments can build every field inline instead of
// repeating an if-err-return-nil after each call.
type instrumentBuilder struct {
	meter metric.Meter
	err   error
}

func (b *instrumentBuilder) counter(name, desc string) metric.Int64Counter {
	if b.err != nil {
		return nil
	}
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		b.err = fmt.Errorf("instrument %s: %w", name, err)
	}
	return c
}

func (b *instrumentBuilder) upDownCounter(name, desc string) metric.Int64UpDownCounter {
	if b.err != nil {
		return nil
	}
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	if err != nil {
		b.err = fmt.Errorf("instrument %s: %w", name, err)
	}
	return c
}

func (b *instrumentBuilder) histogramMS(name, desc string) metric.Int64Histogram {
	if b.err != nil {
		return nil
	}
	h, err := b.meter.Int64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
	if err != nil {
		b.err = fmt.Errorf("instrument %s: %w", name, err)
	}
	return h
}

const instrumentPrefix = "alloydb.googleapis.com/internal/client/connector/"

func newInstruments(meter metric.Meter) (*metricRecorder, error) {
	b := &instrumentBuilder{meter: meter}
	r := &metricRecorder{
		refreshCount: b.counter(instrumentPrefix+"refresh_count", "The number of connection info refresh operations."),
		dialCount:    b.counter(instrumentPrefix+"dial_count", "The number of calls to Dial."),
		dialLatency:  b.histogramMS(instrumentPrefix+"dial_latencies", "The distribution of Dial latencies."),
		openConns:    b.upDownCounter(instrumentPrefix+"open_connections", "The current number of open connections."),
		bytesRxCount: b.counter(instrumentPrefix+"bytes_received_count", "The number of bytes received from an AlloyDB instance."),
		bytesTxCount: b.counter(instrumentPrefix+"bytes_sent_count", "The number of bytes sent to an AlloyDB instance."),
	}
	if b.err != nil {
		return nil, b.err
	}
	return r, nil
}

// keyValues renders a as the attribute set attached to every measurement
// recorded against it.
func (a Attributes) keyValues() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("user_agent", a.UserAgent),
		attribute.Bool("iam_authn", a.IAMAuthN),
		attribute.String("refresh_type", string(a.RefreshType)),
		attribute.String("refresh_status", string(a.RefreshStatus)),
		attribute.Bool("cache_hit", a.CacheHit),
		attribute.String("dial_status", string(a.DialStatus)),
	}
}

func attrSet(a Attributes) metric.MeasurementOption {
	return metric.WithAttributes(a.keyValues()...)
}

// RecordRefreshCount implements MetricRecorder.
func (m *metricRecorder) RecordRefreshCount(ctx context.Context, a Attributes) {
	m.refreshCount.Add(ctx, 1, attrSet(a))
}

// RecordDialCount implements MetricRecorder.
func (m *metricRecorder) RecordDialCount(ctx context.Context, a Attributes) {
	m.dialCount.Add(ctx, 1, attrSet(a))
}

// RecordOpenConnection implements MetricRecorder.
func (m *metricRecorder) RecordOpenConnection(ctx context.Context, a Attributes) {
	m.openConns.Add(ctx, 1, attrSet(a))
}

// RecordClosedConnection implements MetricRecorder.
func (m *metricRecorder) RecordClosedConnection(ctx context.Context, a Attributes) {
	m.openConns.Add(ctx, -1, attrSet(a))
}

// RecordDialLatency implements MetricRecorder.
func (m *metricRecorder) RecordDialLatency(ctx context.Context, latencyMS int64, a Attributes) {
	m.dialLatency.Record(ctx, latencyMS, attrSet(a))
}

// RecordBytesRxCount implements MetricRecorder.
func (m *metricRecorder) RecordBytesRxCount(ctx context.Context, n int64, a Attributes) {
	m.bytesRxCount.Add(ctx, n, attrSet(a))
}

// RecordBytesTxCount implements MetricRecorder.
func (m *metricRecorder) RecordBytesTxCount(ctx context.Context, n int64, a Attributes) {
	m.bytesTxCount.Add(ctx, n, attrSet(a))
}

// Shutdown implements MetricRecorder.
func (m *metricRecorder) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

// NullMetricRecorder is a no-op MetricRecorder used when telemetry is
// disabled or the exporter could not be constructed.
type NullMetricRecorder struct{}

func (NullMetricRecorder) RecordRefreshCount(context.Context, Attributes)          {}
func (NullMetricRecorder) RecordDialCount(context.Context, Attributes)             {}
func (NullMetricRecorder) RecordOpenConnection(context.Context, Attributes)        {}
func (NullMetricRecorder) RecordClosedConnection(context.Context, Attributes)      {}
func (NullMetricRecorder) RecordDialLatency(context.Context, int64, Attributes)    {}
func (NullMetricRecorder) RecordBytesRxCount(context.Context, int64, Attributes)   {}
func (NullMetricRecorder) RecordBytesTxCount(context.Context, int64, Attributes)   {}
func (NullMetricRecorder) Shutdown(context.Context) error                          { return nil }
