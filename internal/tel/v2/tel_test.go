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

package telv2

import (
	"context"
	"testing"
)

type nullLogger struct{}

func (nullLogger) Debugf(context.Context, string, ...any) {}

// TestNewMetricRecorderDisabled verifies that NewMetricRecorder never
// returns a nil interface, and that it short-circuits to
// NullMetricRecorder without attempting to build an exporter when
// telemetry is disabled.
func TestNewMetricRecorderDisabled(t *testing.T) {
	mr := NewMetricRecorder(context.Background(), nullLogger{}, Config{Enabled: false})
	if mr == nil {
		t.Fatal("NewMetricRecorder returned a nil MetricRecorder")
	}
	if _, ok := mr.(NullMetricRecorder); !ok {
		t.Fatalf("NewMetricRecorder returned %T, want NullMetricRecorder when disabled", mr)
	}
}

// TestNullMetricRecorderIsSafe verifies every MetricRecorder method can
// be called on the zero-value NullMetricRecorder without panicking, so
// a disabled or fallen-back recorder is always safe to use on the hot
// path.
func TestNullMetricRecorderIsSafe(t *testing.T) {
	var mr MetricRecorder = NullMetricRecorder{}
	ctx := context.Background()
	attrs := Attributes{UserAgent: "test", RefreshType: RefreshAheadType, RefreshStatus: RefreshSuccess}

	mr.RecordRefreshCount(ctx, attrs)
	mr.RecordDialCount(ctx, attrs)
	mr.RecordOpenConnection(ctx, attrs)
	mr.RecordClosedConnection(ctx, attrs)
	mr.RecordDialLatency(ctx, 42, attrs)
	mr.RecordBytesRxCount(ctx, 10, attrs)
	mr.RecordBytesTxCount(ctx, 10, attrs)
	if err := mr.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() = %v, want nil", err)
	}
}
