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
	"testing"

	"github.com/GoogleCloudPlatform/alloydb-go-connector/internal/alloydb"
)

func TestParseIPType(t *testing.T) {
	tcs := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "PUBLIC", want: alloydb.PublicIP},
		{in: "public", want: alloydb.PublicIP},
		{in: "Public", want: alloydb.PublicIP},
		{in: "PRIVATE", want: alloydb.PrivateIP},
		{in: "private", want: alloydb.PrivateIP},
		{in: "PSC", want: alloydb.PSC},
		{in: "psc", want: alloydb.PSC},
		{in: "Psc", want: alloydb.PSC},
		{in: "", wantErr: true},
		{in: "loopback", wantErr: true},
		{in: "PUBLICX", wantErr: true},
	}
	for _, tc := range tcs {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseIPType(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseIPType(%q) succeeded, want error", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseIPType(%q) failed: %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("ParseIPType(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestDialOptionsApplyInOrder(t *testing.T) {
	cfg := &dialCfg{}
	WithPublicIP()(cfg)
	WithPSC()(cfg)
	if cfg.ipType != alloydb.PSC {
		t.Fatalf("ipType = %q, want the last-applied option (%q) to win", cfg.ipType, alloydb.PSC)
	}
}

func TestWithTCPKeepAlive(t *testing.T) {
	cfg := &dialCfg{}
	WithTCPKeepAlive(7)(cfg)
	if cfg.tcpKeepAlive != 7 {
		t.Fatalf("tcpKeepAlive = %v, want 7", cfg.tcpKeepAlive)
	}
}
