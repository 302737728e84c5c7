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

// Package errtype holds the typed errors returned by this module's
// public and internal APIs. Callers distinguish "retry the whole
// connection" from "give up" by matching on the concrete type with
// errors.As.
package errtype

import (
	"fmt"

	"google.golang.org/grpc/codes"
)

// ConfigError is returned when a caller has misconfigured the dialer or
// an individual dial call: a malformed instance URI, an unknown ip_type,
// or a missing required option. ConfigError is never retried.
type ConfigError struct {
	Mesg string
	Addr string
}

func (c *ConfigError) Error() string {
	return fmt.Sprintf("[%v] %v", c.Addr, c.Mesg)
}

// NewConfigError initializes a ConfigError.
func NewConfigError(mesg, addr string) *ConfigError {
	return &ConfigError{Mesg: mesg, Addr: addr}
}

// AuthError is returned when acquiring or using an OAuth2 token fails:
// the token provider returned an error, the token was expired, or the
// token lacked sufficient scope. AuthError is not retried by the core;
// the caller's credentials must be fixed.
type AuthError struct {
	Mesg string
	Addr string
	Err  error
}

func (a *AuthError) Error() string {
	if a.Err != nil {
		return fmt.Sprintf("[%v] %v: %v", a.Addr, a.Mesg, a.Err)
	}
	return fmt.Sprintf("[%v] %v", a.Addr, a.Mesg)
}

// Unwrap returns the wrapped error, if any.
func (a *AuthError) Unwrap() error { return a.Err }

// NewAuthError initializes an AuthError.
func NewAuthError(mesg, addr string, err error) *AuthError {
	return &AuthError{Mesg: mesg, Addr: addr, Err: err}
}

// ControlPlaneError is returned when the AlloyDB Admin API responds with
// a non-OK status. Code reports the gRPC/REST status code so callers
// (and the retry wrapper) can tell a transient 5xx-equivalent from a
// terminal 4xx-equivalent.
type ControlPlaneError struct {
	Mesg string
	Addr string
	Code codes.Code
	Err  error
}

func (c *ControlPlaneError) Error() string {
	return fmt.Sprintf("[%v] %v (code = %v): %v", c.Addr, c.Mesg, c.Code, c.Err)
}

// Unwrap returns the wrapped error, if any.
func (c *ControlPlaneError) Unwrap() error { return c.Err }

// Retryable reports whether the originating status code is one this
// module's retry wrapper treats as transient.
func (c *ControlPlaneError) Retryable() bool {
	switch c.Code {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Internal:
		return true
	default:
		return false
	}
}

// NewControlPlaneError initializes a ControlPlaneError.
func NewControlPlaneError(mesg, addr string, code codes.Code, err error) *ControlPlaneError {
	return &ControlPlaneError{Mesg: mesg, Addr: addr, Code: code, Err: err}
}

// NetworkError is returned for TCP connect, DNS, or TLS handshake
// failures encountered while dialing an instance. For a failed TCP
// connect or TLS handshake, Dial triggers a ForceRefresh of the
// associated Instance before surfacing it to the caller.
type NetworkError struct {
	Mesg string
	Addr string
	Err  error
}

func (d *NetworkError) Error() string {
	return fmt.Sprintf("[%v] %v: %v", d.Addr, d.Mesg, d.Err)
}

// Unwrap returns the wrapped error, if any.
func (d *NetworkError) Unwrap() error { return d.Err }

// NewNetworkError initializes a NetworkError.
func NewNetworkError(mesg, addr string, err error) *NetworkError {
	return &NetworkError{Mesg: mesg, Addr: addr, Err: err}
}

// ProtocolError is returned when the post-TLS metadata exchange fails:
// the server returned a non-OK response code, or the length-prefixed
// framing was malformed. Like NetworkError, it triggers a ForceRefresh.
type ProtocolError struct {
	Mesg string
	Addr string
	Err  error
}

func (p *ProtocolError) Error() string {
	if p.Err != nil {
		return fmt.Sprintf("[%v] %v: %v", p.Addr, p.Mesg, p.Err)
	}
	return fmt.Sprintf("[%v] %v", p.Addr, p.Mesg)
}

// Unwrap returns the wrapped error, if any.
func (p *ProtocolError) Unwrap() error { return p.Err }

// NewProtocolError initializes a ProtocolError.
func NewProtocolError(mesg, addr string, err error) *ProtocolError {
	return &ProtocolError{Mesg: mesg, Addr: addr, Err: err}
}

// CertificateError is returned when a certificate returned by the
// control plane is expired, malformed, or fails identity verification.
// It is treated as a refresh failure by the Instance state machine.
type CertificateError struct {
	Mesg string
	Addr string
	Err  error
}

func (r *CertificateError) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("[%v] %v: %v", r.Addr, r.Mesg, r.Err)
	}
	return fmt.Sprintf("[%v] %v", r.Addr, r.Mesg)
}

// Unwrap returns the wrapped error, if any.
func (r *CertificateError) Unwrap() error { return r.Err }

// NewCertificateError initializes a CertificateError.
func NewCertificateError(mesg, addr string, err error) *CertificateError {
	return &CertificateError{Mesg: mesg, Addr: addr, Err: err}
}

// ClosedError is returned when an operation was pending while (or was
// requested after) the owning Dialer or Instance was closed.
type ClosedError struct {
	Mesg string
	Addr string
}

func (c *ClosedError) Error() string {
	return fmt.Sprintf("[%v] %v", c.Addr, c.Mesg)
}

// NewClosedError initializes a ClosedError.
func NewClosedError(mesg, addr string) *ClosedError {
	return &ClosedError{Mesg: mesg, Addr: addr}
}
