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

package alloydbconn

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/GoogleCloudPlatform/alloydb-go-connector/internal/alloydb"
)

// selfSignedChain builds a CA certificate and a leaf certificate signed
// by it, with the leaf's CommonName set to uid.
func selfSignedChain(t *testing.T, uid string) (roots *x509.CertPool, leaf *x509.Certificate) {
	t.Helper()
	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate CA key: %v", err)
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("failed to create CA cert: %v", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("failed to parse CA cert: %v", err)
	}

	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate leaf key: %v", err)
	}
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: uid},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, caTmpl, &leafKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("failed to create leaf cert: %v", err)
	}
	leaf, err = x509.ParseCertificate(leafDER)
	if err != nil {
		t.Fatalf("failed to parse leaf cert: %v", err)
	}

	roots = x509.NewCertPool()
	roots.AddCert(caCert)
	return roots, leaf
}

func TestVerifyInstanceUID(t *testing.T) {
	inst, err := alloydb.ParseInstURI("projects/p/locations/r/clusters/c/instances/i")
	if err != nil {
		t.Fatalf("ParseInstURI failed: %v", err)
	}

	t.Run("matching CommonName succeeds", func(t *testing.T) {
		roots, leaf := selfSignedChain(t, "correct-uid")
		verify := verifyInstanceUID(roots, "correct-uid", inst)
		cs := tls.ConnectionState{PeerCertificates: []*x509.Certificate{leaf}}
		if err := verify(cs); err != nil {
			t.Fatalf("verify() = %v, want nil", err)
		}
	})

	t.Run("mismatched CommonName fails", func(t *testing.T) {
		roots, leaf := selfSignedChain(t, "wrong-uid")
		verify := verifyInstanceUID(roots, "correct-uid", inst)
		cs := tls.ConnectionState{PeerCertificates: []*x509.Certificate{leaf}}
		if err := verify(cs); err == nil {
			t.Fatal("verify() succeeded with a mismatched CommonName, want error")
		}
	})

	t.Run("untrusted chain fails", func(t *testing.T) {
		_, leaf := selfSignedChain(t, "correct-uid")
		otherRoots, _ := selfSignedChain(t, "unrelated")
		verify := verifyInstanceUID(otherRoots, "correct-uid", inst)
		cs := tls.ConnectionState{PeerCertificates: []*x509.Certificate{leaf}}
		if err := verify(cs); err == nil {
			t.Fatal("verify() succeeded against the wrong root pool, want error")
		}
	})

	t.Run("no peer certificate fails", func(t *testing.T) {
		roots, _ := selfSignedChain(t, "correct-uid")
		verify := verifyInstanceUID(roots, "correct-uid", inst)
		cs := tls.ConnectionState{PeerCertificates: nil}
		if err := verify(cs); err == nil {
			t.Fatal("verify() succeeded with no peer certificates, want error")
		}
	})
}
