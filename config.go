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

// Package tinfoil provides the secure client: it proves an inference server
// is a genuine SEV-SNP enclave running a signed code release, then serves
// HTTP requests whose bodies are end-to-end encrypted to that enclave.
package tinfoil

import (
	"strings"

	"github.com/google/logger"

	"github.com/tinfoilsh/tinfoil-go/tferrors"
)

// DefaultConfigRepo is the router's configuration repository, used when the
// caller does not target a specific enclave deployment.
const DefaultConfigRepo = "tinfoilsh/confidential-inference-proxy"

// TransportMode selects how request bodies reach the enclave.
type TransportMode string

const (
	// TransportEHBP encrypts bodies under the attested HPKE key.
	TransportEHBP TransportMode = "ehbp"
	// TransportTLS pins the attested TLS public key fingerprint instead.
	TransportTLS TransportMode = "tls"
)

// Config collects the client's construction options.
type Config struct {
	// BaseURL overrides the derived request base URL
	// ({enclaveURL}/v1/ by default).
	BaseURL string
	// EnclaveURL targets a specific enclave. Must be https.
	EnclaveURL string
	// ConfigRepo is the repository whose signed releases attest the
	// enclave's code. Defaults to DefaultConfigRepo.
	ConfigRepo string
	// Transport selects the encrypted transport. Defaults to TransportEHBP.
	Transport TransportMode
	// AttestationBundleURL points at an attestation-trust coordinator that
	// pre-assembles bundles.
	AttestationBundleURL string
}

// Option mutates the client configuration at construction time.
type Option func(*Config)

// WithBaseURL overrides the derived request base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Config) { c.BaseURL = baseURL }
}

// WithEnclaveURL targets a specific enclave deployment.
func WithEnclaveURL(enclaveURL string) Option {
	return func(c *Config) { c.EnclaveURL = enclaveURL }
}

// WithConfigRepo sets the repository whose releases attest the enclave.
func WithConfigRepo(repo string) Option {
	return func(c *Config) { c.ConfigRepo = repo }
}

// WithTransport selects the encrypted transport mode.
func WithTransport(mode TransportMode) Option {
	return func(c *Config) { c.Transport = mode }
}

// WithAttestationBundleURL routes bundle assembly through a central
// attestation-trust coordinator.
func WithAttestationBundleURL(url string) Option {
	return func(c *Config) { c.AttestationBundleURL = url }
}

// validate checks option consistency. Violations are ConfigurationErrors
// and are never retried.
func (c *Config) validate() error {
	customRepo := c.ConfigRepo != "" && c.ConfigRepo != DefaultConfigRepo
	if c.EnclaveURL != "" && !strings.HasPrefix(c.EnclaveURL, "https://") {
		return tferrors.Configuration("enclave URL must use https://, got %q", c.EnclaveURL)
	}
	if customRepo && c.EnclaveURL == "" {
		// The central-assembly path would silently ignore a custom repo
		// without a custom enclave.
		return tferrors.Configuration("config repo %q requires an enclave URL", c.ConfigRepo)
	}
	if c.EnclaveURL != "" && c.ConfigRepo == "" {
		logger.Warningf("enclave URL %s configured without a config repo; verifying against %s", c.EnclaveURL, DefaultConfigRepo)
	}
	switch c.Transport {
	case "", TransportEHBP, TransportTLS:
	default:
		return tferrors.Configuration("unknown transport mode %q", c.Transport)
	}
	return nil
}

func (c *Config) repo() string {
	if c.ConfigRepo != "" {
		return c.ConfigRepo
	}
	return DefaultConfigRepo
}

func (c *Config) transport() TransportMode {
	if c.Transport == "" {
		return TransportEHBP
	}
	return c.Transport
}
