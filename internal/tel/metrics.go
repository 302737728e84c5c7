// Copyright 2022 Google LLC
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

// Package tel provides the legacy OpenCensus-based metrics and tracing
// helpers used by the root Dialer. See internal/tel/v2 for the newer
// OpenTelemetry-based per-instance MetricRecorder.
package tel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"google.golang.org/api/googleapi"
)

var (
	keyInstance, _  = tag.NewKey("alloydb_instance")
	keyDialerID, _  = tag.NewKey("alloydb_dialer_id")
	keyErrorCode, _ = tag.NewKey("alloydb_error_code")
)

// counter bundles an OpenCensus int64 measure with the view that reports it,
// so that declaring a new counted or summed metric doesn't require spelling
// out the view's tag set by hand each time.
type counter struct {
	measure *stats.Int64Measure
	view    *view.View
}

// newCounter declares a dimensionless int64 measure aggregated as agg, tagged
// by instance and dialer ID plus any extraTags.
func newCounter(measureName, viewName, desc string, agg *view.Aggregation, extraTags ...tag.Key) counter {
	m := stats.Int64(measureName, desc, stats.UnitDimensionless)
	return counter{
		measure: m,
		view: &view.View{
			Name:        viewName,
			Measure:     m,
			Description: desc,
			Aggregation: agg,
			TagKeys:     append([]tag.Key{keyInstance, keyDialerID}, extraTags...),
		},
	}
}

var (
	latencyMeasure = stats.Int64(
		"alloydbconn/latency", "The latency in milliseconds per Dial", stats.UnitMilliseconds,
	)
	latencyView = &view.View{
		Name:        "alloydbconn/dial_latency",
		Measure:     latencyMeasure,
		Description: "The distribution of dialer latencies (ms)",
		Aggregation: view.Distribution(0, 5, 25, 100, 250, 500, 1000, 2000, 5000, 30000),
		TagKeys:     []tag.Key{keyInstance, keyDialerID},
	}

	openConnections  = newCounter("alloydbconn/connection", "alloydbconn/open_connections", "The current number of open AlloyDB connections", view.LastValue())
	dialFailures     = newCounter("alloydbconn/dial_failure", "alloydbconn/dial_failure_count", "The number of failed dial attempts", view.Count())
	refreshSuccesses = newCounter("alloydbconn/refresh_success", "alloydbconn/refresh_success_count", "The number of successful certificate refresh operations", view.Count())
	refreshFailures  = newCounter("alloydbconn/refresh_failure", "alloydbconn/refresh_failure_count", "The number of failed certificate refresh operations", view.Count(), keyErrorCode)
	bytesSent        = newCounter("alloydbconn/bytes_sent", "alloydbconn/bytes_sent", "The number of bytes sent to an AlloyDB instance", view.Sum())
	bytesReceived    = newCounter("alloydbconn/bytes_received", "alloydbconn/bytes_received", "The number of bytes received from an AlloyDB instance", view.Sum())

	allViews = []*view.View{
		latencyView,
		openConnections.view,
		dialFailures.view,
		refreshSuccesses.view,
		refreshFailures.view,
		bytesSent.view,
		bytesReceived.view,
	}

	registerOnce sync.Once
	registerErr  error
)

// InitMetrics registers all views exactly once. Without registering views,
// Record* calls below still run but nothing is ever exported.
func InitMetrics() error {
	registerOnce.Do(func() {
		if err := view.Register(allViews...); err != nil {
			registerErr = fmt.Errorf("failed to initialize metrics: %v", err)
		}
	})
	return registerErr
}

// withTags returns ctx decorated with the instance and dialer ID tags every
// metric here carries, plus any metric-specific extras.
func withTags(ctx context.Context, instance, dialerID string, extra ...tag.Mutator) context.Context {
	muts := append([]tag.Mutator{tag.Upsert(keyInstance, instance), tag.Upsert(keyDialerID, dialerID)}, extra...)
	ctx, _ = tag.New(ctx, muts...)
	return ctx
}

// RecordDialLatency records a latency value for a call to dial.
func RecordDialLatency(ctx context.Context, instance, dialerID string, latency int64) {
	stats.Record(withTags(ctx, instance, dialerID), latencyMeasure.M(latency))
}

// RecordOpenConnections records the number of open connections.
func RecordOpenConnections(ctx context.Context, num int64, dialerID, instance string) {
	stats.Record(withTags(ctx, instance, dialerID), openConnections.measure.M(num))
}

// RecordDialError reports a failed dial attempt. A nil err is a no-op.
func RecordDialError(ctx context.Context, instance, dialerID string, err error) {
	if err == nil {
		return
	}
	stats.Record(withTags(ctx, instance, dialerID), dialFailures.measure.M(1))
}

// RecordRefreshResult reports the result of a refresh operation.
func RecordRefreshResult(ctx context.Context, instance, dialerID string, err error) {
	if err == nil {
		stats.Record(withTags(ctx, instance, dialerID), refreshSuccesses.measure.M(1))
		return
	}
	var extra []tag.Mutator
	if c := errorCode(err); c != "" {
		extra = append(extra, tag.Upsert(keyErrorCode, c))
	}
	stats.Record(withTags(ctx, instance, dialerID, extra...), refreshFailures.measure.M(1))
}

// RecordBytesSent reports the number of bytes sent to an AlloyDB instance.
func RecordBytesSent(ctx context.Context, num int64, instance, dialerID string) {
	stats.Record(withTags(ctx, instance, dialerID), bytesSent.measure.M(num))
}

// RecordBytesReceived reports the number of bytes received from an
// AlloyDB instance.
func RecordBytesReceived(ctx context.Context, num int64, instance, dialerID string) {
	stats.Record(withTags(ctx, instance, dialerID), bytesReceived.measure.M(num))
}

// errorCode extracts an error code from an error that wraps a
// googleapi.Error, if any.
func errorCode(err error) string {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return ""
	}
	var codes []string
	for _, e := range apiErr.Errors {
		codes = append(codes, e.Reason)
	}
	return strings.Join(codes, ",")
}
