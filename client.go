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

package tinfoil

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tinfoilsh/tinfoil-go/attestation"
	"github.com/tinfoilsh/tinfoil-go/bundle"
	"github.com/tinfoilsh/tinfoil-go/ehbp"
	"github.com/tinfoilsh/tinfoil-go/sigstore"
	"github.com/tinfoilsh/tinfoil-go/tferrors"
	"github.com/tinfoilsh/tinfoil-go/verify"
)

// State is the client lifecycle state.
type State int

const (
	// StateUninitialized means no attestation pass has started.
	StateUninitialized State = iota
	// StateInitializing means an attestation pass is in flight.
	StateInitializing
	// StateReady means verification succeeded and the transport is live.
	StateReady
	// StateFailed means the last attestation pass failed.
	StateFailed
)

// Doer issues an HTTP request. Both *http.Client and *ehbp.Transport
// satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SecureClient verifies an enclave before talking to it, then proxies HTTP
// requests through an encrypted transport with automatic recovery on server
// key rotation. Safe for concurrent use.
type SecureClient struct {
	config    Config
	assembler *bundle.Assembler

	// verifyOpts overrides chain verification in tests.
	verifyOpts *verify.Options
	// retryDelay is the wait before the one-shot initialization retry.
	retryDelay time.Duration

	codeVerifierOnce sync.Once
	codeVerifier     CodeVerifier
	codeVerifierErr  error
	newCodeVerifier  func() (CodeVerifier, error)

	sf singleflight.Group

	mu           sync.Mutex
	state        State
	doc          *VerificationDocument
	verification *attestation.Verification
	transport    Doer
	enclaveURL   string
	baseURL      string
}

// NewSecureClient constructs a client. Configuration inconsistencies fail
// eagerly with a ConfigurationError.
func NewSecureClient(opts ...Option) (*SecureClient, error) {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &SecureClient{
		config:     cfg,
		assembler:  &bundle.Assembler{},
		retryDelay: time.Second,
		newCodeVerifier: func() (CodeVerifier, error) {
			return sigstore.NewClient()
		},
	}, nil
}

// State returns the client's lifecycle state.
func (c *SecureClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// VerificationDocument returns the audit record of the latest attestation
// pass, or nil before the first one. It is populated on failure too.
func (c *SecureClient) VerificationDocument() *VerificationDocument {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc
}

// EnclaveURL returns the resolved enclave URL, or empty before
// initialization and after Reset.
func (c *SecureClient) EnclaveURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enclaveURL
}

// BaseURL returns the resolved request base URL, or empty before
// initialization and after Reset.
func (c *SecureClient) BaseURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseURL
}

// SessionToken returns the recovery token of the most recent encrypted
// request, or nil. Only the ehbp transport produces tokens.
func (c *SecureClient) SessionToken() *ehbp.SessionToken {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if et, ok := t.(*ehbp.Transport); ok {
		return et.Token()
	}
	return nil
}

// Reset unconditionally returns the client to Uninitialized, dropping the
// cached transport, resolved URLs, and verification document. The next
// Ready re-derives them.
func (c *SecureClient) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearDerivedLocked()
	c.state = StateUninitialized
	c.doc = nil
}

func (c *SecureClient) clearDerivedLocked() {
	c.transport = nil
	c.verification = nil
	c.enclaveURL = ""
	c.baseURL = ""
}

// Ready runs the attestation pass if one has not succeeded yet. Concurrent
// callers share a single in-flight pass and receive its outcome. A
// transient fetch or attestation failure is retried exactly once after a
// fixed delay; configuration errors and unknown errors propagate
// immediately.
func (c *SecureClient) Ready(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateReady {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	_, err, _ := c.sf.Do("ready", func() (any, error) {
		err := c.initialize(ctx)
		if err != nil && (tferrors.IsFetch(err) || tferrors.IsAttestation(err)) {
			c.mu.Lock()
			c.clearDerivedLocked()
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				err = ctx.Err()
			case <-time.After(c.retryDelay):
				err = c.initialize(ctx)
			}
		}
		c.mu.Lock()
		if err != nil {
			c.state = StateFailed
		} else {
			c.state = StateReady
		}
		c.mu.Unlock()
		return nil, err
	})
	return err
}

func (c *SecureClient) verifierForCode() (CodeVerifier, error) {
	c.codeVerifierOnce.Do(func() {
		c.codeVerifier, c.codeVerifierErr = c.newCodeVerifier()
	})
	return c.codeVerifier, c.codeVerifierErr
}

func (c *SecureClient) initialize(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateInitializing
	c.mu.Unlock()

	repo := c.config.repo()
	doc := NewVerificationDocument(repo, hostOfURL(c.config.EnclaveURL))
	c.mu.Lock()
	c.doc = doc
	c.mu.Unlock()

	var b *bundle.AttestationBundle
	var selectedRouter string
	var err error
	if c.config.AttestationBundleURL != "" {
		atc := &bundle.Assembler{
			Getter:     c.assembler.Getter,
			ATCBaseURL: c.config.AttestationBundleURL,
		}
		customRepo := ""
		if c.config.ConfigRepo != "" && c.config.ConfigRepo != DefaultConfigRepo {
			customRepo = c.config.ConfigRepo
		}
		b, err = atc.FetchFromATC(ctx, c.config.EnclaveURL, customRepo)
	} else {
		host := hostOfURL(c.config.EnclaveURL)
		if host == "" {
			selectedRouter, err = c.assembler.SelectRouter(ctx)
			if err != nil {
				doc.stepFailed(StepFetchDigest, err)
				return err
			}
			host = selectedRouter
		}
		b, err = c.assembler.Fetch(ctx, host, repo)
	}
	if err != nil {
		doc.stepFailed(StepFetchDigest, err)
		return err
	}
	doc.EnclaveHost = b.Domain
	doc.SelectedRouterEndpoint = selectedRouter

	cv, err := c.verifierForCode()
	if err != nil {
		return err
	}
	verification, err := verifyBundle(ctx, b, repo, cv, c.verifyOpts, doc)
	if err != nil {
		return err
	}

	enclaveURL := c.config.EnclaveURL
	if enclaveURL == "" {
		enclaveURL = "https://" + b.Domain
	}
	baseURL := c.config.BaseURL
	if baseURL == "" {
		baseURL = strings.TrimSuffix(enclaveURL, "/") + "/v1/"
	}

	transport, err := c.buildTransport(verification, baseURL)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.verification = verification
	c.enclaveURL = enclaveURL
	c.baseURL = baseURL
	c.transport = transport
	c.mu.Unlock()
	return nil
}

func (c *SecureClient) buildTransport(verification *attestation.Verification, baseURL string) (Doer, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, tferrors.Configuration("invalid base URL %q: %v", baseURL, err)
	}
	switch c.config.transport() {
	case TransportEHBP:
		identity, err := ehbp.IdentityFromPublicKeyHex(verification.HPKEPublicKey)
		if err != nil {
			return nil, tferrors.AttestationWrap("attested HPKE key is unusable", err)
		}
		return ehbp.NewTransport(identity, u.Host), nil
	case TransportTLS:
		if u.Scheme != "https" {
			return nil, tferrors.Configuration("TLS-pinned transport requires an https base URL, got %q", baseURL)
		}
		return newPinnedClient(verification.TLSPublicKeyFP), nil
	}
	return nil, tferrors.Configuration("unknown transport mode %q", c.config.Transport)
}

// Do sends the request through the encrypted transport, attesting first if
// needed. When the server rejects the request because it rotated its HPKE
// configuration, the client re-attests and retries the request exactly
// once; the rotation rejection guarantees the server did not accept the
// original send. All other errors propagate unchanged.
func (c *SecureClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.Ready(req.Context()); err != nil {
		return nil, err
	}
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
	}
	send := func() (*http.Response, error) {
		r := req.Clone(req.Context())
		if body != nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
		}
		c.mu.Lock()
		transport := c.transport
		c.mu.Unlock()
		if transport == nil {
			return nil, tferrors.Attestation("no transport after initialization")
		}
		return transport.Do(r)
	}
	resp, err := send()
	if err != nil && ehbp.IsKeyConfigMismatch(err) {
		c.Reset()
		if rerr := c.Ready(req.Context()); rerr != nil {
			return nil, rerr
		}
		return send()
	}
	return resp, err
}

// Fetch issues a request for a path resolved against the client's base URL.
// Absolute URLs are used as given.
func (c *SecureClient) Fetch(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	if err := c.Ready(ctx); err != nil {
		return nil, err
	}
	target := path
	if !strings.Contains(path, "://") {
		target = c.BaseURL() + strings.TrimPrefix(path, "/")
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

func hostOfURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return strings.TrimPrefix(rawURL, "https://")
	}
	return u.Host
}
