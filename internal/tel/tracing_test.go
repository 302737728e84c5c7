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
	"context"
	"errors"
	"testing"
)

func TestStartSpanEndSpanFuncDoesNotPanic(t *testing.T) {
	ctx, end := StartSpan(context.Background(), "test-span",
		AddInstanceName("projects/p/locations/r/clusters/c/instances/i"),
		AddDialerID("dialer-1"),
	)
	if ctx == nil {
		t.Fatal("StartSpan returned a nil context")
	}
	end(nil)
}

func TestEndSpanFuncRecordsError(t *testing.T) {
	_, end := StartSpan(context.Background(), "test-span-with-error")
	// Ending with a non-nil error must not panic; the span records it as
	// its status.
	end(errors.New("boom"))
}
