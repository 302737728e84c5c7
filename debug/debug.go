// Copyright 2023 Google LLC
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

// Package debug holds the logging interfaces used by this module to
// report on internal operations (refresh timings, error categories)
// without taking a hard dependency on any particular logging library.
package debug

import "context"

// Logger is the minimal interface used to report on internal certificate
// refresh operations, connection attempts, etc. A Logger never receives
// tokens or key material.
type Logger interface {
	Debugf(format string, args ...any)
}

// ContextLogger is a Logger that also accepts a context.Context, so
// callers can thread request-scoped fields (trace IDs, etc.) through to
// log output.
type ContextLogger interface {
	Debugf(ctx context.Context, format string, args ...any)
}
