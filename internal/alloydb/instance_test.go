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

package alloydb

import (
	"context"
	"testing"
	"time"
)

type nullLogger struct{}

func (nullLogger) Debugf(context.Context, string, ...any) {}

func TestParseInstURI(t *testing.T) {
	tcs := []struct {
		desc    string
		in      string
		want    InstanceURI
		wantErr bool
	}{
		{
			desc: "well formed uri",
			in:   "projects/my-project/locations/my-region/clusters/my-cluster/instances/my-instance",
			want: InstanceURI{project: "my-project", region: "my-region", cluster: "my-cluster", name: "my-instance"},
		},
		{
			desc: "domain-scoped legacy project",
			in:   "projects/google.com:my-project/locations/my-region/clusters/my-cluster/instances/my-instance",
			want: InstanceURI{project: "google.com:my-project", region: "my-region", cluster: "my-cluster", name: "my-instance"},
		},
		{
			desc:    "missing instance component",
			in:      "projects/my-project/locations/my-region/clusters/my-cluster",
			wantErr: true,
		},
		{
			desc:    "not a uri at all",
			in:      "my-project:my-region:my-cluster:my-instance",
			wantErr: true,
		},
		{
			desc:    "empty string",
			in:      "",
			wantErr: true,
		},
		{
			desc:    "extra trailing component",
			in:      "projects/my-project/locations/my-region/clusters/my-cluster/instances/my-instance/extra",
			wantErr: true,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := ParseInstURI(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseInstURI(%q) succeeded, want error", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseInstURI(%q) failed: %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("ParseInstURI(%q) = %+v, want %+v", tc.in, got, tc.want)
			}
		})
	}
}

func TestInstanceURIRoundTrip(t *testing.T) {
	in := "projects/my-project/locations/my-region/clusters/my-cluster/instances/my-instance"
	got, err := ParseInstURI(in)
	if err != nil {
		t.Fatalf("ParseInstURI failed: %v", err)
	}
	if got.URI() != in {
		t.Fatalf("URI() = %q, want %q", got.URI(), in)
	}
}

func TestRefreshDuration(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tcs := []struct {
		desc   string
		expiry time.Time
		want   time.Duration
	}{
		{
			desc:   "far in the future: half the remaining time minus the buffer",
			expiry: now.Add(4 * time.Hour),
			want:   4*time.Hour/2 - refreshBuffer, // 1h56m
		},
		{
			desc:   "one hour out: half minus the buffer",
			expiry: now.Add(time.Hour),
			want:   26 * time.Minute, // 1800s - 240s = 1560s
		},
		{
			desc:   "45 minutes out: half minus the buffer",
			expiry: now.Add(45 * time.Minute),
			want:   18*time.Minute + 30*time.Second, // 1350s - 240s = 1110s
		},
		{
			desc:   "exactly at the floor (T = 2*refreshBuffer) refreshes immediately",
			expiry: now.Add(2 * refreshBuffer),
			want:   0,
		},
		{
			desc:   "T <= 480s refreshes immediately",
			expiry: now.Add(5 * time.Minute),
			want:   0,
		},
		{
			desc:   "already expired refreshes immediately",
			expiry: now.Add(-time.Minute),
			want:   0,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			got := refreshDuration(now, tc.expiry)
			if got != tc.want {
				t.Errorf("refreshDuration() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRefreshResultReady(t *testing.T) {
	t.Run("not yet done is not ready", func(t *testing.T) {
		r := newRefreshResult()
		if r.ready() {
			t.Error("ready() = true, want false for an in-flight result")
		}
	})
	t.Run("done with an error is not ready", func(t *testing.T) {
		r := newRefreshResult()
		r.err = context.DeadlineExceeded
		close(r.done)
		if r.ready() {
			t.Error("ready() = true, want false when err is set")
		}
	})
	t.Run("done but expired is not ready", func(t *testing.T) {
		r := newRefreshResult()
		r.info = ConnectionInfo{Expiration: time.Now().Add(-time.Minute)}
		close(r.done)
		if r.ready() {
			t.Error("ready() = true, want false when the result has expired")
		}
	})
	t.Run("done, no error, not expired is ready", func(t *testing.T) {
		r := newRefreshResult()
		r.info = ConnectionInfo{Expiration: time.Now().Add(time.Hour)}
		close(r.done)
		if !r.ready() {
			t.Error("ready() = false, want true")
		}
	})
}
