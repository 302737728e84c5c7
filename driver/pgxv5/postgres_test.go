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

package pgxv5

import (
	"testing"

	"github.com/jackc/pgx/v5"
)

// TestDSNHostCapturesInstanceURI verifies that pgx.ParseConfig treats the
// "host" keyword as an opaque string, which is what lets Open() reuse it
// as an AlloyDB instance URI instead of a literal TCP address.
func TestDSNHostCapturesInstanceURI(t *testing.T) {
	const instance = "projects/my-project/locations/my-region/clusters/my-cluster/instances/my-instance"
	dsn := "host=" + instance + " user=u password=p dbname=d sslmode=disable"

	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("pgx.ParseConfig failed: %v", err)
	}
	if cfg.Host != instance {
		t.Fatalf("cfg.Host = %q, want %q", cfg.Host, instance)
	}
}
