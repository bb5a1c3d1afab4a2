// Copyright 2025 Tinfoil Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tferrors defines the error taxonomy visible at the library's API
// surface. Callers distinguish three failure classes: configuration errors
// (caller mistakes, never retried), fetch errors (transient network or HTTP
// failures, retried by the bundle assembler), and attestation errors
// (cryptographic, policy, or binding failures, always fatal to the current
// verification attempt).
package tferrors

import (
	"errors"
	"fmt"
)

// ConfigurationError reports inconsistent or missing caller-supplied options.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Msg
}

// Configuration returns a new ConfigurationError with the given message.
func Configuration(format string, args ...any) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// FetchError reports a failed network fetch: a transport error, a non-2xx
// response, or a malformed response body.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Err != nil && e.URL != "":
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("fetch: %v", e.Err)
	default:
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetch wraps err as a FetchError for the given URL.
func Fetch(url string, err error) error {
	return &FetchError{URL: url, Err: err}
}

// FetchStatus returns a FetchError for a non-2xx response.
func FetchStatus(url string, status int) error {
	return &FetchError{URL: url, StatusCode: status}
}

// AttestationError reports a cryptographic, policy, or binding failure
// during attestation verification.
type AttestationError struct {
	Msg string
	Err error
}

func (e *AttestationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("attestation: %s: %v", e.Msg, e.Err)
	}
	return "attestation: " + e.Msg
}

func (e *AttestationError) Unwrap() error { return e.Err }

// Attestation returns a new AttestationError with the given message.
func Attestation(format string, args ...any) error {
	return &AttestationError{Msg: fmt.Sprintf(format, args...)}
}

// AttestationWrap wraps err as the cause of an AttestationError. The cause
// chain is preserved for errors.Is and errors.As.
func AttestationWrap(msg string, err error) error {
	if err == nil {
		return nil
	}
	// With an empty msg an existing AttestationError is returned as is; a
	// non-empty msg always adds a new AttestationError with err as its cause.
	var ae *AttestationError
	if errors.As(err, &ae) && msg == "" {
		return err
	}
	return &AttestationError{Msg: msg, Err: err}
}

// IsFetch reports whether err is classified as a transient fetch failure.
func IsFetch(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// IsAttestation reports whether err is classified as an attestation failure.
func IsAttestation(err error) bool {
	var ae *AttestationError
	return errors.As(err, &ae)
}

// IsConfiguration reports whether err is a caller configuration error.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
