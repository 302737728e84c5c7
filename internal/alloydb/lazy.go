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
	"crypto/rsa"
	"sync"
	"time"

	alloydbadmin "cloud.google.com/go/alloydb/apiv1alpha"
	"github.com/GoogleCloudPlatform/alloydb-go-connector/debug"
)

// LazyRefreshCache refreshes connection info only when a caller requests
// one, and only when the cached result is missing, flagged stale by
// ForceRefresh, or within refreshBuffer of expiring. It starts no
// background goroutines, making it suitable for short-lived processes
// and CPU-throttled serverless environments.
type LazyRefreshCache struct {
	instanceURI InstanceURI
	logger      debug.ContextLogger
	r           adminAPIClientIface

	mu           sync.Mutex
	cached       ConnectionInfo
	hasCached    bool
	needsRefresh bool

	closed chan struct{}
}

// NewLazyRefreshCache initializes a cache that refreshes on demand.
func NewLazyRefreshCache(
	instance InstanceURI,
	l debug.ContextLogger,
	client *alloydbadmin.AlloyDBAdminClient,
	key *rsa.PrivateKey,
	_ time.Duration,
	dialerID string,
	disableMetadataExchange bool,
	_ string,
	_ any,
) *LazyRefreshCache {
	return &LazyRefreshCache{
		instanceURI: instance,
		logger:      l,
		r:           newAdminAPIClient(client, key, dialerID, disableMetadataExchange),
		closed:      make(chan struct{}),
	}
}

// ForceRefresh invalidates the cache so the next call to ConnectionInfo
// performs a fresh refresh. It never clears the cached result itself:
// while that result has not expired, connect attempts keep using it
// until a new refresh succeeds.
func (c *LazyRefreshCache) ForceRefresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.needsRefresh = true
}

// ConnectionInfo returns a valid ConnectionInfo, refreshing synchronously
// if the cache is empty, flagged stale, or within refreshBuffer of
// expiring.
func (c *LazyRefreshCache) ConnectionInfo(ctx context.Context) (ConnectionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return ConnectionInfo{}, errClosed(c.instanceURI)
	default:
	}

	if c.hasCached && !c.needsRefresh && time.Now().Before(c.cached.Expiration.Add(-refreshBuffer)) {
		c.logger.Debugf(ctx, "[%v] Connection info is still valid, using cached info", c.instanceURI.String())
		return c.cached, nil
	}

	c.logger.Debugf(ctx, "[%v] Connection info refresh operation started", c.instanceURI.String())
	info, err := c.r.connectionInfo(ctx, c.instanceURI)
	if err != nil {
		c.logger.Debugf(ctx, "[%v] Connection info refresh operation failed: %v", c.instanceURI.String(), err)
		// Keep serving the last-known-good result while it hasn't expired;
		// needsRefresh stays set so the next call tries again.
		if c.hasCached && time.Now().Before(c.cached.Expiration) {
			return c.cached, nil
		}
		return ConnectionInfo{}, err
	}
	c.logger.Debugf(ctx, "[%v] Connection info refresh operation completed successfully", c.instanceURI.String())
	c.cached = info
	c.hasCached = true
	c.needsRefresh = false
	return info, nil
}

// Close marks the cache closed; subsequent calls to ConnectionInfo fail
// with a ClosedError.
func (c *LazyRefreshCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}
