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

// Package pgxv5 registers a database/sql driver that dials AlloyDB
// instances using this module's Dialer, for callers who prefer
// database/sql over talking to pgx directly.
package pgxv5

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net"

	alloydbconn "github.com/GoogleCloudPlatform/alloydb-go-connector"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// RegisterDriver registers a database/sql driver under name that dials
// AlloyDB instances via a Dialer configured with opts. The DSN or
// connection string's host (or "host" keyword) is treated as the
// instance URI; it is never used as a literal TCP address.
//
// The returned cleanup func closes the underlying Dialer and must be
// called once the driver is no longer needed, typically with defer
// immediately after a successful call to RegisterDriver.
func RegisterDriver(name string, opts ...alloydbconn.Option) (func() error, error) {
	d, err := alloydbconn.NewDialer(context.Background(), opts...)
	if err != nil {
		return func() error { return nil }, err
	}
	sql.Register(name, &alloyDriver{dialer: d})
	return d.Close, nil
}

// alloyDriver implements database/sql/driver.Driver by rewriting the
// connection config's dial behavior to go through the AlloyDB Dialer
// before delegating to pgx's stdlib driver.
type alloyDriver struct {
	dialer *alloydbconn.Dialer
}

// Open implements driver.Driver.
func (a *alloyDriver) Open(name string) (driver.Conn, error) {
	cfg, err := pgx.ParseConfig(name)
	if err != nil {
		return nil, err
	}
	instance := cfg.Host
	cfg.DialFunc = func(ctx context.Context, _, _ string) (net.Conn, error) {
		return a.dialer.Dial(ctx, instance)
	}
	// Host is meaningless once DialFunc ignores it, but pgx still
	// validates it is non-empty.
	cfg.Host = instance

	regName := stdlib.RegisterConnConfig(cfg)
	defer stdlib.UnregisterConnConfig(regName)
	return stdlib.GetDefaultDriver().Open(regName)
}
