// Copyright 2020 Google LLC
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
	"fmt"
	"regexp"
	"sync"
	"time"

	alloydbadmin "cloud.google.com/go/alloydb/apiv1alpha"
	"github.com/GoogleCloudPlatform/alloydb-go-connector/debug"
	"github.com/GoogleCloudPlatform/alloydb-go-connector/errtype"
	telv2 "github.com/GoogleCloudPlatform/alloydb-go-connector/internal/tel/v2"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

const (
	// refreshBuffer is subtracted from half the certificate's remaining
	// lifetime when a successful refresh schedules its successor, and is
	// the pre-expiry window in which the lazy cache treats a cached result
	// as stale.
	refreshBuffer = 4 * time.Minute

	// refreshInterval caps how often the rate limiter admits a refresh
	// attempt in steady state.
	refreshInterval = 30 * time.Second

	// RefreshTimeout bounds a single refresh cycle. It must stay above
	// refreshInterval or every attempt would race its own rate limit.
	RefreshTimeout = 60 * time.Second

	// refreshBurst is the rate limiter's initial allowance, letting the
	// first refresh and one ForceRefresh through without waiting.
	refreshBurst = 2

	// failureBackoffInitial and failureBackoffMax bound the exponential
	// backoff applied between consecutive failed refresh attempts, on top
	// of whatever the rate limiter already enforces.
	failureBackoffInitial = 200 * time.Millisecond
	failureBackoffMax     = refreshInterval
)

// instURIRegex matches an AlloyDB instance URI of the form
// projects/<PROJECT>/locations/<REGION>/clusters/<CLUSTER>/instances/<INSTANCE>,
// including legacy "domain-scoped" projects such as "google.com:my-project".
var instURIRegex = regexp.MustCompile(
	`^projects/([^:/]+(?::[^:/]+)?)/locations/([^/]+)/clusters/([^/]+)/instances/([^/]+)$`,
)

// InstanceURI identifies a single AlloyDB instance by its four-component
// resource name.
type InstanceURI struct {
	project string
	region  string
	cluster string
	name    string
}

func (i InstanceURI) Project() string { return i.project }
func (i InstanceURI) Region() string  { return i.region }
func (i InstanceURI) Cluster() string { return i.cluster }
func (i InstanceURI) Name() string    { return i.name }

// URI renders the instance's full resource name.
func (i InstanceURI) URI() string {
	return fmt.Sprintf(
		"projects/%s/locations/%s/clusters/%s/instances/%s",
		i.project, i.region, i.cluster, i.name,
	)
}

// String renders a compact, log-friendly form of the instance name.
func (i InstanceURI) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", i.project, i.region, i.cluster, i.name)
}

// ParseInstURI parses a resource name into its four components, rejecting
// anything that doesn't match the expected layout exactly.
func ParseInstURI(cn string) (InstanceURI, error) {
	m := instURIRegex.FindStringSubmatch(cn)
	if m == nil {
		return InstanceURI{}, errtype.NewConfigError(
			"invalid instance URI, expected projects/<PROJECT>/locations/<REGION>/clusters/<CLUSTER>/instances/<INSTANCE>",
			cn,
		)
	}
	return InstanceURI{project: m[1], region: m[2], cluster: m[3], name: m[4]}, nil
}

// refreshDuration returns the duration to wait before starting the next
// refresh: half the time remaining until certificate expiration, minus
// refreshBuffer, floored at zero so a cert expiring soon refreshes
// immediately.
func refreshDuration(now, certExpiry time.Time) time.Duration {
	d := certExpiry.Sub(now)
	delay := d/2 - refreshBuffer
	if delay < 0 {
		return 0
	}
	return delay
}

// refreshResult is the outcome of one refresh cycle, shared by every caller
// that was waiting on it at the time it completed.
type refreshResult struct {
	info ConnectionInfo
	err  error
	done chan struct{}
}

func newRefreshResult() *refreshResult {
	return &refreshResult{done: make(chan struct{})}
}

// ready reports whether the cycle finished successfully and its result
// hasn't since expired. A result that hasn't finished yet is never ready.
func (r *refreshResult) ready() bool {
	select {
	case <-r.done:
		return r.err == nil && time.Now().Before(r.info.Expiration)
	default:
		return false
	}
}

// RefreshAheadCache keeps connection info for an AlloyDB instance current
// by running a single background refresh loop that reschedules itself
// after half of each new certificate's remaining lifetime, minus
// refreshBuffer (see refreshDuration).
type RefreshAheadCache struct {
	instanceURI    InstanceURI
	logger         debug.ContextLogger
	refreshTimeout time.Duration
	limiter        *rate.Limiter
	client         adminAPIClientIface
	userAgent      string
	metricRecorder telv2.MetricRecorder

	mu sync.Mutex
	// served is the last completed refresh. ConnectionInfo returns it
	// directly when it's still ready(); otherwise callers fall through to
	// waiting on queued.
	served *refreshResult
	// queued is the refresh that the background loop will run next, or is
	// currently running.
	queued *refreshResult

	// wake nudges the loop to run queued immediately instead of waiting
	// for its scheduled timer; buffered so ForceRefresh never blocks.
	wake chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRefreshAheadCache starts a cache whose first refresh runs immediately;
// ConnectionInfo blocks callers until that first refresh completes.
func NewRefreshAheadCache(
	instance InstanceURI,
	l debug.ContextLogger,
	client *alloydbadmin.AlloyDBAdminClient,
	key *rsa.PrivateKey,
	refreshTimeout time.Duration,
	dialerID string,
	disableMetadataExchange bool,
	userAgent string,
	mr telv2.MetricRecorder,
) *RefreshAheadCache {
	ctx, cancel := context.WithCancel(context.Background())
	first := newRefreshResult()
	i := &RefreshAheadCache{
		instanceURI:    instance,
		logger:         l,
		refreshTimeout: refreshTimeout,
		limiter:        rate.NewLimiter(rate.Every(refreshInterval), refreshBurst),
		client:         newAdminAPIClient(client, key, dialerID, disableMetadataExchange),
		userAgent:      userAgent,
		metricRecorder: mr,
		served:         first,
		queued:         first,
		wake:           make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
	}
	go i.run(first)
	return i
}

// Close stops the background loop; any refresh it was waiting to run never
// fires, and blocked ConnectionInfo calls return a ClosedError.
func (i *RefreshAheadCache) Close() error {
	i.cancel()
	return nil
}

// ConnectionInfo returns the most recently served result if it's still
// good, or blocks on the next refresh if it isn't.
func (i *RefreshAheadCache) ConnectionInfo(ctx context.Context) (ConnectionInfo, error) {
	i.mu.Lock()
	r := i.served
	if !r.ready() {
		r = i.queued
	}
	i.mu.Unlock()

	select {
	case <-r.done:
		return r.info, r.err
	case <-ctx.Done():
		return ConnectionInfo{}, ctx.Err()
	case <-i.ctx.Done():
		return ConnectionInfo{}, errClosed(i.instanceURI)
	}
}

// ForceRefresh nudges the background loop to run its queued refresh now
// instead of waiting for the scheduled timer. A refresh already running
// isn't duplicated, and a still-good served result keeps being handed out
// until the forced refresh finishes.
func (i *RefreshAheadCache) ForceRefresh() {
	select {
	case i.wake <- struct{}{}:
	default:
		// a wake-up is already pending; no need to queue a second one.
	}
}

// run owns served/queued and is the only goroutine that ever writes them.
// It refreshes r, publishes the outcome, schedules the next cycle, and
// loops forever until ctx is canceled.
func (i *RefreshAheadCache) run(r *refreshResult) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = failureBackoffInitial
	b.MaxInterval = failureBackoffMax
	b.RandomizationFactor = 0.5

	delay := time.Duration(0)
	for {
		timer := time.NewTimer(delay)
		select {
		case <-i.ctx.Done():
			timer.Stop()
			r.err = errClosed(i.instanceURI)
			close(r.done)
			return
		case <-i.wake:
			timer.Stop()
		case <-timer.C:
		}

		i.logger.Debugf(context.Background(), "[%v] connection info refresh starting", i.instanceURI.String())
		info, err := i.fetch()
		r.info, r.err = info, err
		close(r.done)

		i.mu.Lock()
		if err != nil {
			i.logger.Debugf(context.Background(), "[%v] connection info refresh failed: %v", i.instanceURI.String(), err)
			delay = b.NextBackOff()
			// A still-good served result is worth more than a fresh
			// error, so only let the failure through once served has
			// nothing better to offer.
			if !i.served.ready() {
				i.served = r
			}
			go i.metricRecorder.RecordRefreshCount(context.Background(), telv2.Attributes{
				UserAgent: i.userAgent, RefreshType: telv2.RefreshAheadType, RefreshStatus: telv2.RefreshFailure,
			})
		} else {
			b.Reset()
			i.served = r
			delay = refreshDuration(time.Now(), info.Expiration)
			i.logger.Debugf(
				context.Background(),
				"[%v] connection info refresh succeeded, next refresh in %v (expires %v)",
				i.instanceURI.String(), delay.Round(time.Second), info.Expiration.UTC().Format(time.RFC3339),
			)
			go i.metricRecorder.RecordRefreshCount(context.Background(), telv2.Attributes{
				UserAgent: i.userAgent, RefreshType: telv2.RefreshAheadType, RefreshStatus: telv2.RefreshSuccess,
			})
		}
		r = newRefreshResult()
		i.queued = r
		i.mu.Unlock()
	}
}

// fetch rate-limits and then executes a single call to the AlloyDB Admin
// API, bounding the whole attempt by refreshTimeout.
func (i *RefreshAheadCache) fetch() (ConnectionInfo, error) {
	ctx, cancel := context.WithTimeout(i.ctx, i.refreshTimeout)
	defer cancel()
	if err := i.limiter.Wait(ctx); err != nil {
		return ConnectionInfo{}, errtype.NewNetworkError(
			"context was canceled or expired before refresh completed",
			i.instanceURI.String(),
			err,
		)
	}
	return i.client.connectionInfo(ctx, i.instanceURI)
}
