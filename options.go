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
	"crypto/rsa"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/GoogleCloudPlatform/alloydb-go-connector/debug"
	"github.com/GoogleCloudPlatform/alloydb-go-connector/errtype"
	"github.com/GoogleCloudPlatform/alloydb-go-connector/internal/alloydb"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	apiopt "google.golang.org/api/option"
)

// CloudPlatformScope is the default OAuth2 scope set on the API client.
const CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// An Option is an option for configuring a Dialer.
type Option func(d *dialerConfig)

type dialerConfig struct {
	rsaKey *rsa.PrivateKey
	// alloydbClientOpts are options to configure only the AlloyDB Admin
	// API client. Configuration that should apply to all Google Cloud
	// API clients should be included in clientOpts.
	alloydbClientOpts []apiopt.ClientOption
	// clientOpts are options to configure any Google Cloud API client.
	// They should not include any AlloyDB-specific configuration.
	clientOpts     []apiopt.ClientOption
	dialOpts       []DialOption
	dialFunc       func(ctx context.Context, network, addr string) (net.Conn, error)
	refreshTimeout time.Duration
	tokenSource    oauth2.TokenSource
	userAgents     []string
	useIAMAuthN    bool
	logger         debug.ContextLogger
	lazyRefresh    bool

	// disableMetadataExchange is a temporary addition and will be
	// removed in future versions.
	disableMetadataExchange bool
	// disableBuiltInTelemetry disables the internal metric exporter.
	disableBuiltInTelemetry bool
	// quotaProject, when set, is billed for AlloyDB Admin API calls and
	// exported metrics instead of the caller's own project.
	quotaProject string

	staticConnInfo io.Reader
	// err tracks any dialer options that may have failed.
	err error
}

// WithOptions turns a list of Options into a single Option.
func WithOptions(opts ...Option) Option {
	return func(d *dialerConfig) {
		for _, opt := range opts {
			opt(d)
		}
	}
}

// WithCredentialsFile returns an Option that specifies a service account
// or refresh token JSON credentials file to be used as the basis for
// authentication.
func WithCredentialsFile(filename string) Option {
	return func(d *dialerConfig) {
		b, err := os.ReadFile(filename)
		if err != nil {
			d.err = errtype.NewConfigError(err.Error(), "n/a")
			return
		}
		opt := WithCredentialsJSON(b)
		opt(d)
	}
}

// WithCredentialsJSON returns an Option that specifies a service account
// or refresh token JSON credentials to be used as the basis for
// authentication.
func WithCredentialsJSON(b []byte) Option {
	return func(d *dialerConfig) {
		c, err := google.CredentialsFromJSON(context.Background(), b, CloudPlatformScope)
		if err != nil {
			d.err = errtype.NewConfigError(err.Error(), "n/a")
			return
		}
		d.tokenSource = c.TokenSource
		d.clientOpts = append(d.clientOpts, apiopt.WithCredentials(c))
	}
}

// WithUserAgent returns an Option that appends the given string to the
// User-Agent header sent by the AlloyDB Admin API client.
func WithUserAgent(ua string) Option {
	return func(d *dialerConfig) {
		d.userAgents = append(d.userAgents, ua)
	}
}

// WithDefaultDialOptions returns an Option that specifies the default
// DialOptions used.
func WithDefaultDialOptions(opts ...DialOption) Option {
	return func(d *dialerConfig) {
		d.dialOpts = append(d.dialOpts, opts...)
	}
}

// WithTokenSource returns an Option that specifies an OAuth2 token
// source to be used as the basis for authentication.
func WithTokenSource(s oauth2.TokenSource) Option {
	return func(d *dialerConfig) {
		d.tokenSource = s
		d.clientOpts = append(d.clientOpts, apiopt.WithTokenSource(s))
	}
}

// WithRSAKey returns an Option that specifies an rsa.PrivateKey used to
// represent the client.
func WithRSAKey(k *rsa.PrivateKey) Option {
	return func(d *dialerConfig) {
		d.rsaKey = k
	}
}

// WithRefreshTimeout returns an Option that sets a timeout on refresh
// operations. Defaults to 60s. The timeout applies to the default
// background refresh; with WithLazyRefresh, a refresh is bounded only by
// the context passed to Dial.
func WithRefreshTimeout(t time.Duration) Option {
	return func(d *dialerConfig) {
		d.refreshTimeout = t
	}
}

// WithHTTPClient configures the underlying AlloyDB Admin API client with
// the provided HTTP client. This option is generally unnecessary except
// for advanced use-cases.
func WithHTTPClient(client *http.Client) Option {
	return func(d *dialerConfig) {
		d.clientOpts = append(d.clientOpts, apiopt.WithHTTPClient(client))
	}
}

// WithAdminAPIEndpoint configures the underlying AlloyDB Admin API
// client to use the provided URL.
func WithAdminAPIEndpoint(url string) Option {
	return func(d *dialerConfig) {
		d.alloydbClientOpts = append(d.alloydbClientOpts, apiopt.WithEndpoint(url))
	}
}

// WithQuotaProject returns an Option that sets the project billed for
// AlloyDB Admin API calls and any exported telemetry, instead of the
// project implied by the caller's credentials.
func WithQuotaProject(p string) Option {
	return func(d *dialerConfig) {
		d.quotaProject = p
		d.clientOpts = append(d.clientOpts, apiopt.WithQuotaProject(p))
	}
}

// WithDialFunc configures the function used to connect to the address
// on the named network. This option is generally unnecessary except for
// advanced use-cases. The function is used for all invocations of Dial.
// To configure a dial function for an individual call, use
// WithOneOffDialFunc.
func WithDialFunc(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(d *dialerConfig) {
		d.dialFunc = dial
	}
}

// WithIAMAuthN enables automatic IAM authentication. If no token source
// has been configured (such as with WithTokenSource, WithCredentialsFile,
// etc), the dialer uses the default token source as defined by
// https://pkg.go.dev/golang.org/x/oauth2/google#FindDefaultCredentialsWithParams.
func WithIAMAuthN() Option {
	return func(d *dialerConfig) {
		d.useIAMAuthN = true
	}
}

type debugLoggerWithoutContext struct {
	logger debug.Logger
}

// Debugf implements debug.ContextLogger.
func (d *debugLoggerWithoutContext) Debugf(_ context.Context, format string, args ...any) {
	d.logger.Debugf(format, args...)
}

var _ debug.ContextLogger = new(debugLoggerWithoutContext)

// WithDebugLogger configures a debug logger for reporting on internal
// operations. By default the debug logger is disabled. Prefer
// WithContextLogger.
func WithDebugLogger(l debug.Logger) Option {
	return func(d *dialerConfig) {
		d.logger = &debugLoggerWithoutContext{l}
	}
}

// WithContextLogger configures a debug logger for reporting on internal
// operations. By default the debug logger is disabled.
func WithContextLogger(l debug.ContextLogger) Option {
	return func(d *dialerConfig) {
		d.logger = l
	}
}

// logrusContextLogger adapts a *logrus.Entry (or *logrus.Logger via
// logrus.NewEntry) to debug.ContextLogger, attaching any fields already
// present on the context via the standard logrus context hooks.
type logrusContextLogger struct {
	entry *logrus.Entry
}

// Debugf implements debug.ContextLogger.
func (l *logrusContextLogger) Debugf(ctx context.Context, format string, args ...any) {
	l.entry.WithContext(ctx).Debugf(format, args...)
}

// WithLogrusLogger configures a debug logger backed by logrus, so that
// internal operation logs (refresh timing, error categories) flow
// through the caller's existing logrus configuration (formatter, hooks,
// output) instead of a bespoke logging seam.
func WithLogrusLogger(l *logrus.Logger) Option {
	return func(d *dialerConfig) {
		d.logger = &logrusContextLogger{entry: logrus.NewEntry(l)}
	}
}

// WithLazyRefresh configures the dialer to refresh certificates on an
// as-needed basis. If a certificate is expired when a connection request
// occurs, the connector blocks the attempt and refreshes the certificate
// immediately. This option is useful in environments where the CPU may
// be throttled outside of a request context, preventing a background
// goroutine from running consistently (e.g. Cloud Run).
func WithLazyRefresh() Option {
	return func(d *dialerConfig) {
		d.lazyRefresh = true
	}
}

// WithStaticConnectionInfo specifies an io.Reader from which to read
// static connection info. This is a *dev-only* option and should not be
// used in production, since it results in failed connections once the
// embedded client certificate expires. It is also subject to breaking
// changes in its JSON format. The static connection info is never
// refreshed by the Dialer; the format supports multiple instances,
// regardless of cluster.
//
// The reader should hold JSON with the following format:
//
//	{
//	    "publicKey": "<PEM Encoded public RSA key>",
//	    "privateKey": "<PEM Encoded private RSA key>",
//	    "instances": {
//	        "projects/<PROJECT>/locations/<REGION>/clusters/<CLUSTER>/instances/<INSTANCE>": {
//	            "ipAddress": "<PSA-based private IP address>",
//	            "publicIpAddress": "<public IP address>",
//	            "instanceUid": "<server-assigned instance identity>",
//	            "pscInstanceConfig": {
//	                "pscDnsName": "<PSC DNS name>"
//	            },
//	            "pemCertificateChain": [
//	                "<client cert>", "<intermediate cert>", "<CA cert>"
//	            ],
//	            "caCert": "<CA cert>"
//	        }
//	    }
//	}
func WithStaticConnectionInfo(r io.Reader) Option {
	return func(d *dialerConfig) {
		d.staticConnInfo = r
	}
}

// WithOptOutOfAdvancedConnectionCheck disables the post-TLS metadata
// exchange. It is intended only for clients running in an environment
// where the workload's IP address is otherwise unknown and cannot be
// allow-listed in a VPC Service Control security perimeter. This option
// is incompatible with IAM authentication.
func WithOptOutOfAdvancedConnectionCheck() Option {
	return func(d *dialerConfig) {
		d.disableMetadataExchange = true
	}
}

// WithOptOutOfBuiltInTelemetry disables the internal metric export. By
// default, the Dialer reports on its internal operations under the
// alloydb.googleapis.com system metric prefix. These metrics help
// AlloyDB improve performance and identify client connectivity problems.
func WithOptOutOfBuiltInTelemetry() Option {
	return func(d *dialerConfig) {
		d.disableBuiltInTelemetry = true
	}
}

// A DialOption is an option for configuring how a Dialer's Dial call is
// executed.
type DialOption func(d *dialCfg)

type dialCfg struct {
	dialFunc     func(ctx context.Context, network, addr string) (net.Conn, error)
	ipType       string
	tcpKeepAlive time.Duration
}

// DialOptions turns a list of DialOption instances into a single
// DialOption.
func DialOptions(opts ...DialOption) DialOption {
	return func(cfg *dialCfg) {
		for _, opt := range opts {
			opt(cfg)
		}
	}
}

// WithOneOffDialFunc configures the dial function on a one-off basis for
// an individual call to Dial. To configure a dial function across all
// invocations of Dial, use WithDialFunc.
func WithOneOffDialFunc(dial func(ctx context.Context, network, addr string) (net.Conn, error)) DialOption {
	return func(c *dialCfg) {
		c.dialFunc = dial
	}
}

// WithTCPKeepAlive returns a DialOption that specifies the TCP
// keep-alive period for the connection returned by Dial.
func WithTCPKeepAlive(d time.Duration) DialOption {
	return func(cfg *dialCfg) {
		cfg.tcpKeepAlive = d
	}
}

// withIPType is the shared constructor behind WithPublicIP, WithPrivateIP,
// and WithPSC: each just pins cfg.ipType to a different normalized
// constant.
func withIPType(t string) DialOption {
	return func(cfg *dialCfg) {
		cfg.ipType = t
	}
}

// WithPublicIP returns a DialOption that specifies a public IP will be
// used to connect.
func WithPublicIP() DialOption { return withIPType(alloydb.PublicIP) }

// WithPrivateIP returns a DialOption that specifies a private IP (VPC)
// will be used to connect.
func WithPrivateIP() DialOption { return withIPType(alloydb.PrivateIP) }

// WithPSC returns a DialOption that specifies a Private Service Connect
// endpoint will be used to connect.
func WithPSC() DialOption { return withIPType(alloydb.PSC) }

// ipTypeAliases maps the upper-cased spelling of every accepted ip_type
// value to its normalized constant.
var ipTypeAliases = map[string]string{
	"PUBLIC":  alloydb.PublicIP,
	"PRIVATE": alloydb.PrivateIP,
	"PSC":     alloydb.PSC,
}

// ParseIPType parses a case-insensitive ip_type string ("public",
// "private", "psc", or their typed alloydb constant equivalents) into
// the normalized constant used throughout the module, returning a
// ConfigError for anything else.
func ParseIPType(ipType string) (string, error) {
	if t, ok := ipTypeAliases[strings.ToUpper(ipType)]; ok {
		return t, nil
	}
	return "", errtype.NewConfigError("invalid ip_type, must be one of PUBLIC, PRIVATE, or PSC", ipType)
}
