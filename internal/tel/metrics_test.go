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

package tel

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/api/googleapi"
)

func TestErrorCode(t *testing.T) {
	t.Run("plain error yields empty code", func(t *testing.T) {
		if got := errorCode(errors.New("boom")); got != "" {
			t.Errorf("errorCode() = %q, want empty", got)
		}
	})

	t.Run("wrapped googleapi.Error extracts reasons", func(t *testing.T) {
		apiErr := &googleapi.Error{
			Code: 403,
			Errors: []googleapi.ErrorItem{
				{Reason: "rateLimitExceeded"},
				{Reason: "forbidden"},
			},
		}
		wrapped := fmt.Errorf("rpc failed: %w", apiErr)
		if got, want := errorCode(wrapped), "rateLimitExceeded,forbidden"; got != want {
			t.Errorf("errorCode() = %q, want %q", got, want)
		}
	})

	t.Run("nil error yields empty code", func(t *testing.T) {
		if got := errorCode(nil); got != "" {
			t.Errorf("errorCode(nil) = %q, want empty", got)
		}
	})
}

func TestInitMetricsIsIdempotent(t *testing.T) {
	if err := InitMetrics(); err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	if err := InitMetrics(); err != nil {
		t.Fatalf("second InitMetrics failed: %v", err)
	}
}
