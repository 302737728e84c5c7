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

// fakeAdminClient lets tests observe how many times connectionInfo was
// invoked, and control its result, without reaching the real admin API.
type fakeAdminClient struct {
	calls int
	info  ConnectionInfo
	err   error
}

func (f *fakeAdminClient) connectionInfo(context.Context, InstanceURI) (ConnectionInfo, error) {
	f.calls++
	return f.info, f.err
}

func newLazyCacheForTest(r adminAPIClientIface) *LazyRefreshCache {
	inst, _ := ParseInstURI("projects/p/locations/r/clusters/c/instances/i")
	return &LazyRefreshCache{
		instanceURI: inst,
		logger:      nullLogger{},
		r:           r,
		closed:      make(chan struct{}),
	}
}

func TestLazyRefreshCacheFetchesOnFirstCall(t *testing.T) {
	fake := &fakeAdminClient{info: ConnectionInfo{Expiration: time.Now().Add(time.Hour)}}
	c := newLazyCacheForTest(fake)

	if _, err := c.ConnectionInfo(context.Background()); err != nil {
		t.Fatalf("ConnectionInfo failed: %v", err)
	}
	if fake.calls != 1 {
		t.Fatalf("calls = %d, want 1", fake.calls)
	}

	if _, err := c.ConnectionInfo(context.Background()); err != nil {
		t.Fatalf("ConnectionInfo failed: %v", err)
	}
	if fake.calls != 1 {
		t.Fatalf("calls = %d after second call, want 1 (cached)", fake.calls)
	}
}

func TestLazyRefreshCacheForceRefresh(t *testing.T) {
	fake := &fakeAdminClient{info: ConnectionInfo{Expiration: time.Now().Add(time.Hour)}}
	c := newLazyCacheForTest(fake)

	if _, err := c.ConnectionInfo(context.Background()); err != nil {
		t.Fatalf("ConnectionInfo failed: %v", err)
	}
	c.ForceRefresh()
	if _, err := c.ConnectionInfo(context.Background()); err != nil {
		t.Fatalf("ConnectionInfo failed: %v", err)
	}
	if fake.calls != 2 {
		t.Fatalf("calls = %d, want 2 after ForceRefresh", fake.calls)
	}
}

func TestLazyRefreshCacheRefetchesNearExpiry(t *testing.T) {
	fake := &fakeAdminClient{info: ConnectionInfo{Expiration: time.Now().Add(refreshBuffer / 2)}}
	c := newLazyCacheForTest(fake)

	if _, err := c.ConnectionInfo(context.Background()); err != nil {
		t.Fatalf("ConnectionInfo failed: %v", err)
	}
	if _, err := c.ConnectionInfo(context.Background()); err != nil {
		t.Fatalf("ConnectionInfo failed: %v", err)
	}
	if fake.calls != 2 {
		t.Fatalf("calls = %d, want 2 because cached result is within refreshBuffer of expiring", fake.calls)
	}
}

func TestLazyRefreshCacheClosed(t *testing.T) {
	fake := &fakeAdminClient{info: ConnectionInfo{Expiration: time.Now().Add(time.Hour)}}
	c := newLazyCacheForTest(fake)
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := c.ConnectionInfo(context.Background()); err == nil {
		t.Fatal("ConnectionInfo succeeded after Close, want error")
	}
	// Close is idempotent.
	if err := c.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
