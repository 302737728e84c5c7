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

package errtype

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
)

func TestControlPlaneErrorRetryable(t *testing.T) {
	tcs := []struct {
		code codes.Code
		want bool
	}{
		{codes.Unavailable, true},
		{codes.DeadlineExceeded, true},
		{codes.Internal, true},
		{codes.ResourceExhausted, false},
		{codes.NotFound, false},
		{codes.PermissionDenied, false},
		{codes.InvalidArgument, false},
		{codes.Unknown, false},
	}
	for _, tc := range tcs {
		t.Run(tc.code.String(), func(t *testing.T) {
			err := NewControlPlaneError("mesg", "addr", tc.code, nil)
			if got := err.Retryable(); got != tc.want {
				t.Errorf("Retryable() for %v = %v, want %v", tc.code, got, tc.want)
			}
		})
	}
}

func TestErrorsAsUnwrapsWrappedCause(t *testing.T) {
	cause := errors.New("boom")
	wrapped := fmt.Errorf("fetch failed: %w", NewNetworkError("dial failed", "my-instance", cause))

	var netErr *NetworkError
	if !errors.As(wrapped, &netErr) {
		t.Fatal("errors.As failed to find *NetworkError in the wrapped chain")
	}
	if !errors.Is(wrapped, cause) {
		t.Fatal("errors.Is failed to find the original cause through NetworkError.Unwrap")
	}
}

func TestEachTypedErrorUnwrapsOrIsTerminal(t *testing.T) {
	cause := errors.New("root cause")
	tcs := []struct {
		desc     string
		err      error
		terminal bool
	}{
		{"ConfigError has no cause to unwrap", NewConfigError("m", "a"), true},
		{"AuthError unwraps", NewAuthError("m", "a", cause), false},
		{"ControlPlaneError unwraps", NewControlPlaneError("m", "a", codes.Internal, cause), false},
		{"NetworkError unwraps", NewNetworkError("m", "a", cause), false},
		{"ProtocolError unwraps", NewProtocolError("m", "a", cause), false},
		{"CertificateError unwraps", NewCertificateError("m", "a", cause), false},
		{"ClosedError has no cause to unwrap", NewClosedError("m", "a"), true},
	}
	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			type unwrapper interface{ Unwrap() error }
			u, ok := tc.err.(unwrapper)
			if tc.terminal {
				if ok {
					t.Errorf("%T unexpectedly implements Unwrap", tc.err)
				}
				return
			}
			if !ok {
				t.Fatalf("%T does not implement Unwrap", tc.err)
			}
			if got := u.Unwrap(); got != cause {
				t.Errorf("Unwrap() = %v, want %v", got, cause)
			}
		})
	}
}

func TestErrorMessagesIncludeAddr(t *testing.T) {
	const addr = "projects/p/locations/r/clusters/c/instances/i"
	errs := []error{
		NewConfigError("bad config", addr),
		NewAuthError("bad auth", addr, errors.New("x")),
		NewControlPlaneError("bad rpc", addr, codes.Internal, errors.New("x")),
		NewNetworkError("bad network", addr, errors.New("x")),
		NewProtocolError("bad protocol", addr, errors.New("x")),
		NewCertificateError("bad cert", addr, errors.New("x")),
		NewClosedError("closed", addr),
	}
	for _, err := range errs {
		if got := err.Error(); !containsAddr(got, addr) {
			t.Errorf("%T.Error() = %q, want it to mention %q", err, got, addr)
		}
	}
}

func containsAddr(s, addr string) bool {
	for i := 0; i+len(addr) <= len(s); i++ {
		if s[i:i+len(addr)] == addr {
			return true
		}
	}
	return false
}
