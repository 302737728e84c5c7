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

package tel

import (
	"context"

	"go.opencensus.io/trace"
)

// EndSpanFunc ends a span started by StartSpan, recording err (if any)
// as the span's status.
type EndSpanFunc func(err error)

// SpanOption annotates a span started by StartSpan with a single
// attribute.
type SpanOption func(s *trace.Span)

// AddInstanceName annotates the span with the dialed instance's URI.
func AddInstanceName(instance string) SpanOption {
	return func(s *trace.Span) {
		s.AddAttributes(trace.StringAttribute("alloydb_instance", instance))
	}
}

// AddDialerID annotates the span with the owning Dialer's ID.
func AddDialerID(dialerID string) SpanOption {
	return func(s *trace.Span) {
		s.AddAttributes(trace.StringAttribute("alloydb_dialer_id", dialerID))
	}
}

// StartSpan starts a new trace span named name, applying opts, and
// returns a context carrying it along with a function that ends it.
func StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, EndSpanFunc) {
	ctx, span := trace.StartSpan(ctx, name)
	for _, opt := range opts {
		opt(span)
	}
	return ctx, func(err error) {
		if err != nil {
			span.SetStatus(trace.Status{Code: int32(trace.StatusCodeUnknown), Message: err.Error()})
		}
		span.End()
	}
}
