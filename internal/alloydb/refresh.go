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
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	alloydbadmin "cloud.google.com/go/alloydb/apiv1alpha"
	"cloud.google.com/go/alloydb/apiv1alpha/alloydbpb"
	"github.com/GoogleCloudPlatform/alloydb-go-connector/errtype"
	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

const (
	// PublicIP is the value for public IP connections.
	PublicIP = "PUBLIC"
	// PrivateIP is the value for private IP connections.
	PrivateIP = "PRIVATE"
	// PSC designates PSC-based connections.
	PSC = "PSC"

	// certDuration is how long a requested client certificate remains
	// valid.
	certDuration = time.Hour
	// clockSkew is the tolerance applied when validating a returned
	// leaf certificate's notBefore/notAfter window.
	clockSkew = 10 * time.Second

	// retryBaseDelay, retryMaxDelay, and retryMaxAttempts bound the
	// back-off applied to transient AlloyDB Admin API failures.
	retryBaseDelay   = 200 * time.Millisecond
	retryMaxDelay    = 60 * time.Second
	retryMaxAttempts = 5
)

type instanceInfo struct {
	// ipAddrs is the instance's IP addresses, keyed by PrivateIP/PublicIP/PSC.
	ipAddrs map[string]string
	// uid is the server-assigned instance identity used as the expected
	// TLS peer SAN.
	uid string
}

// withRetry wraps fn with exponential back-off, retrying only on
// transient AlloyDB Admin API failures: a retryable status code, or an
// error that carries no status code at all (e.g. a transport failure).
// 4xx-equivalent (non-retryable) errors are returned immediately.
func withRetry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryBaseDelay
	b.MaxInterval = retryMaxDelay
	b.RandomizationFactor = 0.5
	bctx := backoff.WithContext(backoff.WithMaxRetries(b, retryMaxAttempts-1), ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		var cpErr *errtype.ControlPlaneError
		if errors.As(err, &cpErr) && !cpErr.Retryable() {
			if _, hasStatus := status.FromError(cpErr.Err); hasStatus {
				return backoff.Permanent(err)
			}
		}
		return err
	}, bctx)
}

// asControlPlaneError converts an error returned by the generated admin
// client into a typed ControlPlaneError, preserving its status code.
func asControlPlaneError(mesg, addr string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return errtype.NewControlPlaneError(mesg, addr, codes.Unknown, err)
	}
	return errtype.NewControlPlaneError(mesg, addr, st.Code(), err)
}

// fetchInstanceInfo uses the AlloyDB Admin API's GetConnectionInfo method
// to retrieve the IP addresses and instance identity used to create
// secure connections.
func fetchInstanceInfo(
	ctx context.Context, cl *alloydbadmin.AlloyDBAdminClient, inst InstanceURI,
) (instanceInfo, error) {
	req := &alloydbpb.GetConnectionInfoRequest{Parent: inst.URI()}

	var resp *alloydbpb.ConnectionInfo
	err := withRetry(ctx, func() error {
		r, err := cl.GetConnectionInfo(ctx, req)
		if err != nil {
			return asControlPlaneError("failed to get instance metadata", inst.String(), err)
		}
		resp = r
		return nil
	})
	if err != nil {
		return instanceInfo{}, err
	}

	ipAddrs := make(map[string]string)
	if addr := resp.GetIpAddress(); addr != "" {
		ipAddrs[PrivateIP] = addr
	}
	if addr := resp.GetPublicIpAddress(); addr != "" {
		ipAddrs[PublicIP] = addr
	}
	if addr := resp.GetPscDnsName(); addr != "" {
		ipAddrs[PSC] = strings.TrimSuffix(addr, ".")
	}
	if len(ipAddrs) == 0 {
		return instanceInfo{}, errtype.NewConfigError(
			"cannot connect to instance - it has no supported IP addresses",
			inst.String(),
		)
	}
	return instanceInfo{ipAddrs: ipAddrs, uid: resp.GetInstanceUid()}, nil
}

func parseCert(cert string) (*x509.Certificate, error) {
	b, _ := pem.Decode([]byte(cert))
	if b == nil {
		return nil, errors.New("certificate is not a valid PEM")
	}
	return x509.ParseCertificate(b.Bytes)
}

// validateLeaf checks that a leaf certificate is currently within its
// notBefore/notAfter window, with a small clock-skew allowance.
func validateLeaf(leaf *x509.Certificate, inst InstanceURI) error {
	now := time.Now()
	if now.Before(leaf.NotBefore.Add(-clockSkew)) {
		return errtype.NewCertificateError(
			"returned certificate is not yet valid", inst.String(), nil,
		)
	}
	if now.After(leaf.NotAfter.Add(clockSkew)) {
		return errtype.NewCertificateError(
			"returned certificate has already expired", inst.String(), nil,
		)
	}
	return nil
}

type clientCertificate struct {
	// certChain is the client certificate chained with the intermediate
	// cert(s) and CA cert.
	certChain tls.Certificate
	// caCert is the CA certificate of the cluster.
	caCert *x509.Certificate
	// expiry is the expiration of the client certificate.
	expiry time.Time
}

// fetchClientCertificate uses the AlloyDB Admin API's
// GenerateClientCertificate method to create a signed TLS certificate
// authorized to connect via the instance's server-side proxy.
func fetchClientCertificate(
	ctx context.Context,
	cl *alloydbadmin.AlloyDBAdminClient,
	inst InstanceURI,
	key *rsa.PrivateKey,
	disableMetadataExchange bool,
) (*clientCertificate, error) {
	buf := &bytes.Buffer{}
	k := x509.MarshalPKCS1PublicKey(&key.PublicKey)
	if err := pem.Encode(buf, &pem.Block{Type: "RSA PUBLIC KEY", Bytes: k}); err != nil {
		return nil, err
	}
	req := &alloydbpb.GenerateClientCertificateRequest{
		Parent: fmt.Sprintf(
			"projects/%s/locations/%s/clusters/%s", inst.project, inst.region, inst.cluster,
		),
		PublicKey:           buf.String(),
		CertDuration:        durationpb.New(certDuration),
		UseMetadataExchange: !disableMetadataExchange,
	}

	var resp *alloydbpb.GenerateClientCertificateResponse
	err := withRetry(ctx, func() error {
		r, err := cl.GenerateClientCertificate(ctx, req)
		if err != nil {
			return asControlPlaneError("create ephemeral cert failed", inst.String(), err)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	return newClientCertificate(inst, keyPEM, resp.PemCertificateChain, resp.CaCert)
}

func newClientCertificate(
	inst InstanceURI,
	keyPEM []byte,
	chain []string,
	caCertRaw string,
) (*clientCertificate, error) {
	if len(chain) == 0 {
		return nil, errtype.NewCertificateError(
			"control plane returned an empty certificate chain", inst.String(), nil,
		)
	}
	certPEMBlock := []byte(strings.Join(chain, "\n"))
	cert, err := tls.X509KeyPair(certPEMBlock, keyPEM)
	if err != nil {
		return nil, errtype.NewCertificateError("create ephemeral cert failed", inst.String(), err)
	}

	caCert, err := parseCert(caCertRaw)
	if err != nil {
		return nil, errtype.NewCertificateError(
			"create ephemeral cert failed", inst.String(),
			fmt.Errorf("no valid PEM data found in the ca cert: %w", err),
		)
	}

	clientCert, err := parseCert(chain[0])
	if err != nil {
		return nil, errtype.NewCertificateError(
			"create ephemeral cert failed", inst.String(),
			fmt.Errorf("no valid PEM data found in the client cert: %w", err),
		)
	}
	if err := validateLeaf(clientCert, inst); err != nil {
		return nil, err
	}
	// Save the parsed certificate as the leaf, to avoid re-parsing as
	// part of the TLS handshake.
	cert.Leaf = clientCert

	return &clientCertificate{
		certChain: cert,
		caCert:    caCert,
		expiry:    clientCert.NotAfter,
	}, nil
}

func newAdminAPIClient(
	client *alloydbadmin.AlloyDBAdminClient,
	key *rsa.PrivateKey,
	dialerID string,
	disableMetadataExchange bool,
) adminAPIClientIface {
	return adminAPIClient{
		client:                  client,
		key:                     key,
		dialerID:                dialerID,
		disableMetadataExchange: disableMetadataExchange,
	}
}

// adminAPIClientIface is the narrow interface RefreshAheadCache and
// LazyRefreshCache depend on, satisfied by adminAPIClient. It exists so
// tests can substitute a fake without reaching the real AlloyDB Admin
// API.
type adminAPIClientIface interface {
	connectionInfo(ctx context.Context, i InstanceURI) (ConnectionInfo, error)
}

// adminAPIClient manages AlloyDB Admin API access to instance metadata
// and ephemeral certificates.
type adminAPIClient struct {
	client                  *alloydbadmin.AlloyDBAdminClient
	key                     *rsa.PrivateKey
	dialerID                string
	disableMetadataExchange bool
}

// ConnectionInfo holds all the data necessary to connect to an instance.
type ConnectionInfo struct {
	Instance InstanceURI
	// IPAddrs holds the dialable endpoints for the instance, keyed by
	// PrivateIP/PublicIP/PSC.
	IPAddrs map[string]string
	// InstanceUID is the server-assigned identity used as the expected
	// TLS peer SAN.
	InstanceUID string
	ClientCert  tls.Certificate
	RootCAs     *x509.CertPool
	Expiration  time.Time
}

// connectionInfo performs a full refresh: it fetches instance metadata
// and a fresh client certificate in parallel, then assembles a
// ConnectionInfo. The OAuth2 token used to authorize each RPC is
// refreshed by the generated admin client immediately before that RPC
// fires, never cached independently here.
func (c adminAPIClient) connectionInfo(
	ctx context.Context, i InstanceURI,
) (ConnectionInfo, error) {
	type mdRes struct {
		info instanceInfo
		err  error
	}
	mdCh := make(chan mdRes, 1)
	go func() {
		info, err := fetchInstanceInfo(ctx, c.client, i)
		mdCh <- mdRes{info: info, err: err}
	}()

	type certRes struct {
		cc  *clientCertificate
		err error
	}
	certCh := make(chan certRes, 1)
	go func() {
		cc, err := fetchClientCertificate(ctx, c.client, i, c.key, c.disableMetadataExchange)
		certCh <- certRes{cc: cc, err: err}
	}()

	var info instanceInfo
	select {
	case r := <-mdCh:
		if r.err != nil {
			return ConnectionInfo{}, fmt.Errorf("failed to get instance IP address: %w", r.err)
		}
		info = r.info
	case <-ctx.Done():
		return ConnectionInfo{}, fmt.Errorf("refresh failed: %w", ctx.Err())
	}

	var cc *clientCertificate
	select {
	case r := <-certCh:
		if r.err != nil {
			return ConnectionInfo{}, fmt.Errorf("fetch ephemeral cert failed: %w", r.err)
		}
		cc = r.cc
	case <-ctx.Done():
		return ConnectionInfo{}, fmt.Errorf("refresh failed: %w", ctx.Err())
	}

	caCerts := x509.NewCertPool()
	caCerts.AddCert(cc.caCert)
	return ConnectionInfo{
		Instance:    i,
		IPAddrs:     info.ipAddrs,
		InstanceUID: info.uid,
		ClientCert:  cc.certChain,
		RootCAs:     caCerts,
		Expiration:  cc.expiry,
	}, nil
}
