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

package alloydbconn

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	_ "embed"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	alloydbadmin "cloud.google.com/go/alloydb/apiv1alpha"
	"cloud.google.com/go/alloydb/connectors/apiv1alpha/connectorspb"
	"github.com/GoogleCloudPlatform/alloydb-go-connector/debug"
	"github.com/GoogleCloudPlatform/alloydb-go-connector/errtype"
	"github.com/GoogleCloudPlatform/alloydb-go-connector/internal/alloydb"
	"github.com/GoogleCloudPlatform/alloydb-go-connector/internal/tel"
	telv2 "github.com/GoogleCloudPlatform/alloydb-go-connector/internal/tel/v2"
	"github.com/google/uuid"
	"golang.org/x/net/proxy"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/proto"
)

const (
	// defaultTCPKeepAlive is the default keep-alive value used on
	// connections to an AlloyDB instance.
	defaultTCPKeepAlive = 30 * time.Second
	// serverProxyPort is the port the server-side proxy receives
	// connections on.
	serverProxyPort = "5433"
	// ioTimeout bounds each of the metadata exchange's write and read.
	ioTimeout = 30 * time.Second
	// metricShutdownTimeout bounds how long Close waits to flush metrics.
	metricShutdownTimeout = 3 * time.Second
)

var (
	// ErrDialerClosed is returned when a caller invokes Dial after
	// closing the Dialer.
	ErrDialerClosed = errors.New("alloydbconn: dialer is closed")

	//go:embed version.txt
	versionString string
	userAgent     = "alloydb-go-connector/" + strings.TrimSpace(versionString)
)

// keyGenerator encapsulates RSA key generation, supporting lazy
// generation, a caller-supplied key, or eager generation at construction.
type keyGenerator struct {
	once    sync.Once
	key     *rsa.PrivateKey
	err     error
	genFunc func() (*rsa.PrivateKey, error)
}

func newKeyGenerator(
	k *rsa.PrivateKey, lazy bool, genFunc func() (*rsa.PrivateKey, error),
) (*keyGenerator, error) {
	g := &keyGenerator{genFunc: genFunc}
	switch {
	case k != nil:
		g.once.Do(func() { g.key, g.err = k, nil })
	case lazy:
		// Do nothing; wait for the first call to rsaKey.
	default:
		g.once.Do(func() { g.key, g.err = g.genFunc() })
	}
	return g, g.err
}

// rsaKey returns the cached key, generating it first if necessary.
func (g *keyGenerator) rsaKey() (*rsa.PrivateKey, error) {
	g.once.Do(func() { g.key, g.err = g.genFunc() })
	return g.key, g.err
}

type connectionInfoCache interface {
	ConnectionInfo(context.Context) (alloydb.ConnectionInfo, error)
	ForceRefresh()
	io.Closer
}

// monitoredCache wraps a connectionInfoCache to track the number of open
// connections to the associated instance.
type monitoredCache struct {
	openConns *uint64
	connectionInfoCache
}

// A Dialer dials connections to an AlloyDB instance, handling the mTLS
// handshake and, unless disabled, the post-handshake metadata exchange.
//
// Use NewDialer to initialize a Dialer.
type Dialer struct {
	lock           sync.RWMutex
	cache          map[alloydb.InstanceURI]monitoredCache
	keyGenerator   *keyGenerator
	refreshTimeout time.Duration
	// closed reports whether the dialer has been closed.
	closed chan struct{}

	// lazyRefresh selects the Lazy strategy (refresh on demand) instead
	// of Background (refresh-ahead via a timer goroutine).
	lazyRefresh bool

	// disableMetadataExchange skips the post-TLS metadata exchange.
	disableMetadataExchange bool
	// disableBuiltInMetrics turns the internal metric export into a no-op.
	disableBuiltInMetrics bool
	// quotaProject, if set, is billed for Admin API calls and metrics.
	quotaProject string

	staticConnInfo io.Reader

	client     *alloydbadmin.AlloyDBAdminClient
	clientOpts []option.ClientOption
	logger     debug.ContextLogger

	// defaultDialCfg holds the constructor-level DialOptions, copied and
	// mutated by each call to Dial.
	defaultDialCfg dialCfg

	// dialerID uniquely identifies this Dialer for monitoring purposes.
	dialerID        string
	metricsMu       sync.Mutex
	metricRecorders map[alloydb.InstanceURI]telv2.MetricRecorder

	// dialFunc connects to the address on the named network. Defaults
	// to golang.org/x/net/proxy's Dial.
	dialFunc func(cxt context.Context, network, addr string) (net.Conn, error)

	useIAMAuthN    bool
	iamTokenSource oauth2.TokenSource
	userAgent      string

	buffer *buffer
}

type nullLogger struct{}

func (nullLogger) Debugf(context.Context, string, ...any) {}

// NewDialer creates a new Dialer.
//
// NewDialer may take longer than usual because it generates an RSA
// keypair. Calls that supply WithRSAKey skip that cost, and with
// WithLazyRefresh the generation is deferred to the first Dial.
func NewDialer(ctx context.Context, opts ...Option) (*Dialer, error) {
	cfg := &dialerConfig{
		refreshTimeout: alloydb.RefreshTimeout,
		dialFunc:       proxy.Dial,
		logger:         nullLogger{},
		userAgents:     []string{userAgent},
	}
	for _, opt := range opts {
		opt(cfg)
		if cfg.err != nil {
			return nil, cfg.err
		}
	}
	if cfg.disableMetadataExchange && cfg.useIAMAuthN {
		return nil, errtype.NewConfigError(
			"incompatible options: WithOptOutOfAdvancedConnectionCheck cannot be used with WithIAMAuthN",
			"n/a",
		)
	}
	ua := strings.Join(cfg.userAgents, " ")
	// Append last so it can never be overridden.
	cfg.clientOpts = append(cfg.clientOpts, option.WithUserAgent(ua))

	ts, err := resolveTokenSource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	cOpts := append(cfg.alloydbClientOpts, cfg.clientOpts...)
	client, err := alloydbadmin.NewAlloyDBAdminRESTClient(ctx, cOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create AlloyDB Admin API client: %w", err)
	}

	dCfg := buildDialCfg(cfg.dialOpts)

	if err := tel.InitMetrics(); err != nil {
		return nil, err
	}
	dialerID := uuid.New().String()
	g, err := newKeyGenerator(cfg.rsaKey, cfg.lazyRefresh, func() (*rsa.PrivateKey, error) {
		return rsa.GenerateKey(rand.Reader, 2048)
	})
	if err != nil {
		return nil, err
	}
	d := &Dialer{
		closed:                  make(chan struct{}),
		cache:                   make(map[alloydb.InstanceURI]monitoredCache),
		lazyRefresh:             cfg.lazyRefresh,
		disableMetadataExchange: cfg.disableMetadataExchange,
		disableBuiltInMetrics:   cfg.disableBuiltInTelemetry,
		quotaProject:            cfg.quotaProject,
		staticConnInfo:          cfg.staticConnInfo,
		keyGenerator:            g,
		refreshTimeout:          cfg.refreshTimeout,
		client:                  client,
		clientOpts:              cfg.clientOpts,
		logger:                  cfg.logger,
		defaultDialCfg:          dCfg,
		dialerID:                dialerID,
		metricRecorders:         map[alloydb.InstanceURI]telv2.MetricRecorder{},
		dialFunc:                cfg.dialFunc,
		useIAMAuthN:             cfg.useIAMAuthN,
		iamTokenSource:          ts,
		userAgent:               ua,
		buffer:                  newBuffer(),
	}
	return d, nil
}

// resolveTokenSource returns cfg's configured token source, falling back
// to the environment's application default credentials.
func resolveTokenSource(ctx context.Context, cfg *dialerConfig) (oauth2.TokenSource, error) {
	if cfg.tokenSource != nil {
		return cfg.tokenSource, nil
	}
	return google.DefaultTokenSource(ctx, CloudPlatformScope)
}

// buildDialCfg seeds a dialCfg with its defaults, then applies opts in
// order so the last one wins for any field they share.
func buildDialCfg(opts []DialOption) dialCfg {
	cfg := dialCfg{
		ipType:       alloydb.PrivateIP,
		tcpKeepAlive: defaultTCPKeepAlive,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// metricRecorder lazily builds (or returns the cached) MetricRecorder
// for inst.
func (d *Dialer) metricRecorder(ctx context.Context, inst alloydb.InstanceURI) telv2.MetricRecorder {
	d.metricsMu.Lock()
	defer d.metricsMu.Unlock()
	if mr, ok := d.metricRecorders[inst]; ok {
		return mr
	}
	cfg := telv2.Config{
		Enabled:   !d.disableBuiltInMetrics,
		Version:   versionString,
		ClientID:  d.dialerID,
		ProjectID: inst.Project(),
		Location:  inst.Region(),
		Cluster:   inst.Cluster(),
		Instance:  inst.Name(),
	}
	mr := telv2.NewMetricRecorder(ctx, d.logger, cfg, d.clientOpts...)
	d.metricRecorders[inst] = mr
	return mr
}

// Dial returns a net.Conn connected to the AlloyDB instance specified by
// instance, which must be its URI in the format
// projects/<PROJECT>/locations/<REGION>/clusters/<CLUSTER>/instances/<INSTANCE>.
func (d *Dialer) Dial(ctx context.Context, instance string, opts ...DialOption) (conn net.Conn, err error) {
	select {
	case <-d.closed:
		return nil, ErrDialerClosed
	default:
	}

	inst, err := alloydb.ParseInstURI(instance)
	if err != nil {
		return nil, err
	}
	mr := d.metricRecorder(ctx, inst)

	startTime := time.Now()
	attrs := telv2.Attributes{
		IAMAuthN:    d.useIAMAuthN,
		UserAgent:   d.userAgent,
		RefreshType: telv2.RefreshAheadType,
	}
	if d.lazyRefresh {
		attrs.RefreshType = telv2.RefreshLazyType
	}
	var endDial tel.EndSpanFunc
	ctx, endDial = tel.StartSpan(ctx, "github.com/GoogleCloudPlatform/alloydb-go-connector.Dial",
		tel.AddInstanceName(instance),
		tel.AddDialerID(d.dialerID),
	)
	defer func() {
		go tel.RecordDialError(context.Background(), instance, d.dialerID, err)
		go mr.RecordDialCount(context.Background(), attrs)
		endDial(err)
	}()

	cfg := d.defaultDialCfg
	for _, opt := range opts {
		opt(&cfg)
	}

	var endInfo tel.EndSpanFunc
	ctx, endInfo = tel.StartSpan(ctx, "github.com/GoogleCloudPlatform/alloydb-go-connector/internal.InstanceInfo")
	cache, cacheHit, err := d.connectionInfoCache(ctx, inst, mr)
	attrs.CacheHit = cacheHit
	if err != nil {
		attrs.DialStatus = telv2.DialCacheError
		endInfo(err)
		return nil, err
	}
	ci, err := cache.ConnectionInfo(ctx)
	if err != nil {
		attrs.DialStatus = telv2.DialCacheError
		d.removeCached(ctx, inst, cache, err)
		endInfo(err)
		return nil, err
	}
	endInfo(err)

	// If the certificate has gone stale since it was fetched (e.g. a
	// laptop slept through its refresh timer), force a refresh now.
	// TLS does not fail a handshake against an expired client cert;
	// only the first read surfaces the problem, so check proactively.
	if invalidClientCert(ctx, inst, d.logger, ci.Expiration) {
		d.logger.Debugf(ctx, "[%v] Refreshing certificate now", inst.String())
		cache.ForceRefresh()
		ci, err = cache.ConnectionInfo(ctx)
		if err != nil {
			d.removeCached(ctx, inst, cache, err)
			attrs.DialStatus = telv2.DialCacheError
			return nil, err
		}
	}
	addr, ok := ci.IPAddrs[cfg.ipType]
	if !ok {
		d.removeCached(ctx, inst, cache, err)
		attrs.DialStatus = telv2.DialUserError
		return nil, errtype.NewConfigError(
			fmt.Sprintf("instance does not have IP of type %q", cfg.ipType),
			inst.String(),
		)
	}

	var connectEnd tel.EndSpanFunc
	ctx, connectEnd = tel.StartSpan(ctx, "github.com/GoogleCloudPlatform/alloydb-go-connector/internal.Connect")
	defer func() { connectEnd(err) }()
	hostPort := net.JoinHostPort(addr, serverProxyPort)
	f := d.dialFunc
	if cfg.dialFunc != nil {
		f = cfg.dialFunc
	}
	d.logger.Debugf(ctx, "[%v] Dialing %v", inst.String(), hostPort)
	conn, err = f(ctx, "tcp", hostPort)
	if err != nil {
		d.logger.Debugf(ctx, "[%v] Dialing %v failed: %v", inst.String(), hostPort, err)
		cache.ForceRefresh()
		attrs.DialStatus = telv2.DialTCPError
		return nil, errtype.NewNetworkError("failed to dial", inst.String(), err)
	}
	if err := setKeepAlive(conn, cfg.tcpKeepAlive, inst); err != nil {
		attrs.DialStatus = telv2.DialTCPError
		return nil, err
	}

	tlsConn := tls.Client(conn, tlsConfigFor(ci, addr, inst))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		d.logger.Debugf(ctx, "[%v] TLS handshake failed: %v", inst.String(), err)
		cache.ForceRefresh()
		_ = tlsConn.Close()
		attrs.DialStatus = telv2.DialTLSError
		return nil, errtype.NewNetworkError("handshake failed", inst.String(), err)
	}

	if !d.disableMetadataExchange {
		// The metadata exchange must occur after the TLS connection is
		// established to avoid leaking sensitive information.
		if err = d.metadataExchange(tlsConn); err != nil {
			cache.ForceRefresh()
			_ = tlsConn.Close()
			attrs.DialStatus = telv2.DialMDXError
			return nil, err
		}
	}
	attrs.DialStatus = telv2.DialSuccess

	latency := time.Since(startTime).Milliseconds()
	go func() {
		n := atomic.AddUint64(cache.openConns, 1)
		tel.RecordOpenConnections(context.Background(), int64(n), d.dialerID, inst.String())
		tel.RecordDialLatency(context.Background(), instance, d.dialerID, latency)
		mr.RecordOpenConnection(context.Background(), attrs)
		mr.RecordDialLatency(context.Background(), latency, attrs)
	}()

	return newInstrumentedConn(tlsConn, mr, attrs, func() {
		n := atomic.AddUint64(cache.openConns, ^uint64(0))
		tel.RecordOpenConnections(context.Background(), int64(n), d.dialerID, inst.String())
		mr.RecordClosedConnection(context.Background(), attrs)
	}, d.dialerID, inst.String()), nil
}

// setKeepAlive enables TCP keep-alive with the given period on conn, if
// conn is in fact a *net.TCPConn (it may not be, e.g. under a custom
// WithDialFunc).
func setKeepAlive(conn net.Conn, period time.Duration, inst alloydb.InstanceURI) error {
	c, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := c.SetKeepAlive(true); err != nil {
		return errtype.NewNetworkError("failed to set keep-alive", inst.String(), err)
	}
	if err := c.SetKeepAlivePeriod(period); err != nil {
		return errtype.NewNetworkError("failed to set keep-alive period", inst.String(), err)
	}
	return nil
}

// tlsConfigFor builds the TLS client config used to dial inst. The
// certificate's SAN is the AlloyDB-assigned instance UID, not a hostname,
// so Go's built-in ServerName verification cannot validate the peer;
// VerifyConnection replaces it with a manual chain-plus-UID check.
func tlsConfigFor(ci alloydb.ConnectionInfo, addr string, inst alloydb.InstanceURI) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{ci.ClientCert},
		RootCAs:            ci.RootCAs,
		ServerName:         addr,
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
		VerifyConnection:   verifyInstanceUID(ci.RootCAs, ci.InstanceUID, inst),
	}
}

// verifyInstanceUID returns a tls.Config.VerifyConnection callback that
// chain-verifies the peer against roots, then checks that the leaf
// certificate's subject CN equals instanceUID. This replaces hostname
// verification, since the AlloyDB server-side proxy's certificate SAN
// identifies the instance, not a DNS name.
func verifyInstanceUID(roots *x509.CertPool, instanceUID string, inst alloydb.InstanceURI) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return errtype.NewCertificateError("no peer certificate presented", inst.String(), nil)
		}
		opts := x509.VerifyOptions{
			Roots:         roots,
			Intermediates: x509.NewCertPool(),
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}
		for _, cert := range cs.PeerCertificates[1:] {
			opts.Intermediates.AddCert(cert)
		}
		leaf := cs.PeerCertificates[0]
		if _, err := leaf.Verify(opts); err != nil {
			return errtype.NewCertificateError("certificate chain verification failed", inst.String(), err)
		}
		if leaf.Subject.CommonName != instanceUID {
			return errtype.NewCertificateError(
				fmt.Sprintf("certificate CommonName %q does not match instance UID %q",
					leaf.Subject.CommonName, instanceUID),
				inst.String(), nil,
			)
		}
		return nil
	}
}

// removeCached stops all background refreshes and deletes the
// connection info cache from the map of caches.
func (d *Dialer) removeCached(
	ctx context.Context, i alloydb.InstanceURI, c monitoredCache, err error,
) {
	d.logger.Debugf(ctx, "[%v] Removing connection info from cache: %v", i.String(), err)
	d.lock.Lock()
	defer d.lock.Unlock()
	_ = c.Close()
	delete(d.cache, i)
}

func invalidClientCert(
	ctx context.Context, inst alloydb.InstanceURI, l debug.ContextLogger, expiration time.Time,
) bool {
	now := time.Now().UTC()
	notAfter := expiration.UTC()
	invalid := now.After(notAfter)
	l.Debugf(ctx, "[%v] Now = %v, Current cert expiration = %v",
		inst.String(), now.Format(time.RFC3339), notAfter.Format(time.RFC3339))
	l.Debugf(ctx, "[%v] Cert is valid = %v", inst.String(), !invalid)
	return invalid
}

// metadataExchange sends metadata about the connection prior to the
// database protocol taking over. The exchange consists of four steps:
//
//  1. Prepare a MetadataExchangeRequest with the user agent and the
//     requested authentication type; when auto IAM authentication is
//     enabled, fetch a fresh OAuth2 token for the IAM principal and
//     include it, otherwise leave it unset.
//  2. Write the message length as a big-endian uint32 (4 bytes),
//     followed by the marshaled message.
//  3. Read a big-endian uint32 (4 bytes): the MetadataExchangeResponse
//     message length.
//  4. Unmarshal the response using that length. A non-OK response code
//     fails the exchange; otherwise the connection is ready for the
//     database protocol.
func (d *Dialer) metadataExchange(conn net.Conn) error {
	authType := connectorspb.MetadataExchangeRequest_DB_NATIVE
	var token string
	if d.useIAMAuthN {
		authType = connectorspb.MetadataExchangeRequest_AUTO_IAM
		tok, err := d.iamTokenSource.Token()
		if err != nil {
			return errtype.NewAuthError("failed to get OAuth2 token for metadata exchange", "n/a", err)
		}
		token = tok.AccessToken
	}
	req := &connectorspb.MetadataExchangeRequest{
		UserAgent:   d.userAgent,
		AuthType:    authType,
		Oauth2Token: token,
	}
	m, err := proto.Marshal(req)
	if err != nil {
		return errtype.NewProtocolError("failed to marshal metadata exchange request", "n/a", err)
	}

	b := d.buffer.get()
	defer d.buffer.put(b)

	buf := *b
	reqSize := proto.Size(req)
	binary.BigEndian.PutUint32(buf, uint32(reqSize))
	buf = append(buf[:4], m...)

	if err := conn.SetDeadline(time.Now().Add(ioTimeout)); err != nil {
		return errtype.NewProtocolError("failed to set write deadline", "n/a", err)
	}
	defer conn.SetDeadline(time.Time{})

	if _, err = conn.Write(buf); err != nil {
		return errtype.NewProtocolError("failed to write metadata exchange request", "n/a", err)
	}

	if err := conn.SetDeadline(time.Now().Add(ioTimeout)); err != nil {
		return errtype.NewProtocolError("failed to set read deadline", "n/a", err)
	}
	defer conn.SetDeadline(time.Time{})

	buf = buf[:4]
	if _, err = io.ReadFull(conn, buf); err != nil {
		return errtype.NewProtocolError("failed to read metadata exchange response length", "n/a", err)
	}
	respSize := binary.BigEndian.Uint32(buf)
	if respSize > maxMessageSize {
		return errtype.NewProtocolError("metadata exchange response too large", "n/a", nil)
	}
	resp := make([]byte, respSize)
	if _, err = io.ReadFull(conn, resp); err != nil {
		return errtype.NewProtocolError("failed to read metadata exchange response", "n/a", err)
	}

	var mdxResp connectorspb.MetadataExchangeResponse
	if err = proto.Unmarshal(resp, &mdxResp); err != nil {
		return errtype.NewProtocolError("failed to unmarshal metadata exchange response", "n/a", err)
	}
	if mdxResp.GetResponseCode() != connectorspb.MetadataExchangeResponse_OK {
		return errtype.NewProtocolError("metadata exchange failed", "n/a", errors.New(mdxResp.GetError()))
	}
	return nil
}

const maxMessageSize = 16 * 1024 // 16 KB

type buffer struct {
	pool sync.Pool
}

func newBuffer() *buffer {
	return &buffer{
		pool: sync.Pool{
			New: func() any {
				buf := make([]byte, maxMessageSize)
				return &buf
			},
		},
	}
}

func (b *buffer) get() *[]byte { return b.pool.Get().(*[]byte) }

func (b *buffer) put(buf *[]byte) { b.pool.Put(buf) }

// newInstrumentedConn wraps conn so that reads, writes, and closes are
// reported to mr and the legacy OpenCensus metrics.
func newInstrumentedConn(
	conn net.Conn, mr telv2.MetricRecorder, a telv2.Attributes, closeFunc func(), dialerID, instance string,
) *instrumentedConn {
	return &instrumentedConn{
		Conn:           conn,
		closeFunc:      closeFunc,
		dialerID:       dialerID,
		instance:       instance,
		metricRecorder: mr,
		attrs:          a,
	}
}

// instrumentedConn wraps a net.Conn, invoking closeFunc once Close
// succeeds and reporting bytes transferred.
type instrumentedConn struct {
	net.Conn
	closeFunc      func()
	dialerID       string
	instance       string
	metricRecorder telv2.MetricRecorder
	attrs          telv2.Attributes
}

// Read implements net.Conn.
func (i *instrumentedConn) Read(b []byte) (int, error) {
	n, err := i.Conn.Read(b)
	if err == nil {
		go tel.RecordBytesReceived(context.Background(), int64(n), i.instance, i.dialerID)
		go i.metricRecorder.RecordBytesRxCount(context.Background(), int64(n), i.attrs)
	}
	return n, err
}

// Write implements net.Conn.
func (i *instrumentedConn) Write(b []byte) (int, error) {
	n, err := i.Conn.Write(b)
	if err == nil {
		go tel.RecordBytesSent(context.Background(), int64(n), i.instance, i.dialerID)
		go i.metricRecorder.RecordBytesTxCount(context.Background(), int64(n), i.attrs)
	}
	return n, err
}

// Close implements net.Conn, invoking closeFunc only on a successful close.
func (i *instrumentedConn) Close() error {
	if err := i.Conn.Close(); err != nil {
		return err
	}
	go i.closeFunc()
	return nil
}

// Close closes the Dialer, preventing it from refreshing the
// information needed to connect and releasing its background resources.
func (d *Dialer) Close() error {
	select {
	case <-d.closed:
		return nil
	default:
	}
	close(d.closed)

	d.lock.Lock()
	for _, c := range d.cache {
		_ = c.Close()
	}
	d.lock.Unlock()

	d.metricsMu.Lock()
	ctx, cancel := context.WithTimeout(context.Background(), metricShutdownTimeout)
	defer cancel()
	for _, mr := range d.metricRecorders {
		// A telemetry shutdown failure isn't actionable by the caller;
		// log and keep going.
		if err := mr.Shutdown(ctx); err != nil {
			d.logger.Debugf(context.Background(), "internal metric exporter failed to shutdown: %v", err)
		}
	}
	d.metricsMu.Unlock()
	return nil
}

func (d *Dialer) connectionInfoCache(
	ctx context.Context, uri alloydb.InstanceURI, mr telv2.MetricRecorder,
) (monitoredCache, bool, error) {
	d.lock.RLock()
	c, ok := d.cache[uri]
	d.lock.RUnlock()
	if ok {
		return c, true, nil
	}

	d.lock.Lock()
	defer d.lock.Unlock()
	// Recheck: another goroutine may have created it between locks.
	if c, ok = d.cache[uri]; ok {
		return c, true, nil
	}

	d.logger.Debugf(ctx, "[%v] Connection info added to cache", uri.String())
	k, err := d.keyGenerator.rsaKey()
	if err != nil {
		return monitoredCache{}, false, err
	}
	cache, err := d.newConnectionInfoCache(uri, k, mr)
	if err != nil {
		return monitoredCache{}, false, err
	}
	var open uint64
	mc := monitoredCache{openConns: &open, connectionInfoCache: cache}
	d.cache[uri] = mc
	return mc, false, nil
}

// newConnectionInfoCache picks the refresh strategy for uri: a lazy,
// on-demand cache if configured, a fixed never-refreshed cache if a
// static fixture was supplied, or a background refresh-ahead cache
// otherwise.
func (d *Dialer) newConnectionInfoCache(
	uri alloydb.InstanceURI, key *rsa.PrivateKey, mr telv2.MetricRecorder,
) (connectionInfoCache, error) {
	switch {
	case d.lazyRefresh:
		return alloydb.NewLazyRefreshCache(
			uri, d.logger, d.client, key, d.refreshTimeout, d.dialerID,
			d.disableMetadataExchange, d.userAgent, mr,
		), nil
	case d.staticConnInfo != nil:
		return alloydb.NewStaticConnectionInfoCache(uri, d.logger, d.staticConnInfo)
	default:
		return alloydb.NewRefreshAheadCache(
			uri, d.logger, d.client, key, d.refreshTimeout, d.dialerID,
			d.disableMetadataExchange, d.userAgent, mr,
		), nil
	}
}
