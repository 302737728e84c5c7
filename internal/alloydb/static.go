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
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/GoogleCloudPlatform/alloydb-go-connector/debug"
	"github.com/GoogleCloudPlatform/alloydb-go-connector/errtype"
)

// staticPSCBlock carries the single PSC field a static fixture can supply.
type staticPSCBlock struct {
	DNSName string `json:"pscDnsName"`
}

// staticInstanceBlock is the fixed, never-refreshed equivalent of a
// control-plane GetConnectionInfo + GenerateClientCertificate response pair
// for a single instance.
type staticInstanceBlock struct {
	PrivateIP   string          `json:"ipAddress"`
	PublicIP    string          `json:"publicIpAddress"`
	InstanceUID string          `json:"instanceUid"`
	PSC         staticPSCBlock  `json:"pscInstanceConfig"`
	CertChain   []string        `json:"pemCertificateChain"`
	CACert      string          `json:"caCert"`
}

// staticFixture is the top-level document read by WithStaticConnectionInfo:
// one keypair shared by every listed instance, plus one block per instance
// keyed by its full resource URI.
type staticFixture struct {
	PublicKey  string                          `json:"publicKey"`
	PrivateKey string                          `json:"privateKey"`
	Instances  map[string]staticInstanceBlock `json:"instances"`
}

// lookup returns the fixture block for inst, or a ConfigError naming the
// instances the fixture does know about.
func (f staticFixture) lookup(inst InstanceURI) (staticInstanceBlock, error) {
	b, ok := f.Instances[inst.URI()]
	if ok {
		return b, nil
	}
	known := make([]string, 0, len(f.Instances))
	for uri := range f.Instances {
		known = append(known, uri)
	}
	sort.Strings(known)
	return staticInstanceBlock{}, errtype.NewConfigError(
		fmt.Sprintf("static connection info fixture has no entry for this instance, known instances: %v", known),
		inst.String(),
	)
}

// StaticConnectionInfoCache serves connection info parsed once at
// construction time and never refreshed. It exists for local development
// and integration tests that want to skip the AlloyDB Admin API entirely;
// production use will eventually fail once the embedded certificate
// expires.
type StaticConnectionInfoCache struct {
	logger debug.ContextLogger
	info   ConnectionInfo
}

// NewStaticConnectionInfoCache parses r as a staticFixture and builds the
// ConnectionInfo for inst from its matching block.
func NewStaticConnectionInfoCache(
	inst InstanceURI,
	l debug.ContextLogger,
	r io.Reader,
) (*StaticConnectionInfoCache, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var fixture staticFixture
	if err := json.Unmarshal(raw, &fixture); err != nil {
		return nil, err
	}
	block, err := fixture.lookup(inst)
	if err != nil {
		return nil, err
	}

	cc, err := newClientCertificate(
		inst, []byte(fixture.PrivateKey), block.CertChain, block.CACert,
	)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cc.caCert)

	info := ConnectionInfo{
		Instance: inst,
		IPAddrs: map[string]string{
			PrivateIP: block.PrivateIP,
			PublicIP:  block.PublicIP,
			PSC:       block.PSC.DNSName,
		},
		InstanceUID: block.InstanceUID,
		ClientCert:  cc.certChain,
		RootCAs:     pool,
		Expiration:  cc.expiry,
	}
	return &StaticConnectionInfoCache{logger: l, info: info}, nil
}

// ConnectionInfo returns the info parsed at construction time; ctx is
// unused since no I/O is ever performed.
func (c *StaticConnectionInfoCache) ConnectionInfo(_ context.Context) (ConnectionInfo, error) {
	return c.info, nil
}

// ForceRefresh is a no-op: there's nothing to refresh against.
func (*StaticConnectionInfoCache) ForceRefresh() {}

// Close is a no-op.
func (*StaticConnectionInfoCache) Close() error { return nil }
