// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package alloydbconn provides functions for authorizing and encrypting
// connections to an AlloyDB cluster, for use alongside a database driver.
//
// # Creating a Dialer
//
// Users have the option of using the [database/sql] interface or using
// [pgx] directly.
//
// To use a Dialer with [pgx], we recommend connection pooling with
// [pgxpool]:
//
//	import (
//	    "context"
//	    "net"
//
//	    alloydbconn "github.com/GoogleCloudPlatform/alloydb-go-connector"
//	    "github.com/jackc/pgx/v5/pgxpool"
//	)
//
//	func connect() {
//	    d, err := alloydbconn.NewDialer(context.Background())
//	    if err != nil {
//	        log.Fatalf("failed to initialize dialer: %v", err)
//	    }
//	    defer d.Close()
//
//	    dsn := "user=myuser password=mypass dbname=mydb sslmode=disable"
//	    config, err := pgxpool.ParseConfig(dsn)
//	    if err != nil {
//	        log.Fatalf("failed to parse pgx config: %v", err)
//	    }
//	    config.ConnConfig.DialFunc = func(ctx context.Context, _ string, _ string) (net.Conn, error) {
//	        return d.Dial(ctx, "projects/<PROJECT>/locations/<REGION>/clusters/<CLUSTER>/instances/<INSTANCE>")
//	    }
//
//	    pool, err := pgxpool.NewWithConfig(context.Background(), config)
//	    if err != nil {
//	        log.Fatalf("failed to connect: %v", err)
//	    }
//	    defer pool.Close()
//	}
//
// To use [database/sql], call driver/pgxv5's RegisterDriver with any
// necessary Dialer configuration:
//
//	import (
//	    "database/sql"
//
//	    "github.com/GoogleCloudPlatform/alloydb-go-connector/driver/pgxv5"
//	)
//
//	func connect() {
//	    cleanup, err := pgxv5.RegisterDriver("alloydb")
//	    if err != nil {
//	        // ... handle error
//	    }
//	    defer cleanup()
//
//	    db, err := sql.Open(
//	        "alloydb",
//	        "host=projects/<PROJECT>/locations/<REGION>/clusters/<CLUSTER>/instances/<INSTANCE> user=myuser password=mypass dbname=mydb sslmode=disable",
//	    )
//	    // ... etc
//	}
//
// [database/sql]: https://pkg.go.dev/database/sql
// [pgx]: https://github.com/jackc/pgx
// [pgxpool]: https://pkg.go.dev/github.com/jackc/pgx/v5/pgxpool
package alloydbconn
