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

// Package trust defines core trust types and values for attestation
// verification: the embedded AMD Genoa root certificates and the HTTPS
// fetch abstraction used to retrieve VCEK certificates.
package trust

import (
	"context"
	"crypto/x509"
	_ "embed"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/tinfoilsh/tinfoil-go/tferrors"
)

// The ASK and ARK certificates are embedded since AMD documents them with a
// lifetime of 25 years. The live copy is at
// https://kdsintf.amd.com/vcek/v1/Genoa/cert_chain (ASK first, then ARK).
//
//go:embed ask_ark_genoa.pem
var askArkGenoaPEM []byte

// AMDRootCerts encapsulates the certificates that represent AMD's root of
// trust for the Genoa product line.
type AMDRootCerts struct {
	// Ask is the X.509 certificate for the AMD SEV signing key (SEV-Genoa).
	Ask *x509.Certificate
	// Ark is the X.509 certificate for the self-signed AMD root key (ARK-Genoa).
	Ark *x509.Certificate
}

var (
	embeddedOnce  sync.Once
	embeddedRoots *AMDRootCerts
	embeddedErr   error
)

// EmbeddedGenoaRoots parses the compiled-in ASK and ARK certificates. The
// result is process-wide immutable.
func EmbeddedGenoaRoots() (*AMDRootCerts, error) {
	embeddedOnce.Do(func() {
		embeddedRoots, embeddedErr = ParseCertChainPEM(askArkGenoaPEM)
	})
	return embeddedRoots, embeddedErr
}

// ParseCertChainPEM parses two concatenated PEM certificates in KDS
// cert_chain order: ASK first, ARK second.
func ParseCertChainPEM(pems []byte) (*AMDRootCerts, error) {
	checkForm := func(name string, b *pem.Block) error {
		if b == nil {
			return fmt.Errorf("could not find %s PEM block", name)
		}
		if b.Type != "CERTIFICATE" {
			return fmt.Errorf("the %s PEM block type is %s. Expect CERTIFICATE", name, b.Type)
		}
		if len(b.Headers) != 0 {
			return fmt.Errorf("the %s PEM block has non-empty headers: %v", name, b.Headers)
		}
		return nil
	}
	askBlock, arkRest := pem.Decode(pems)
	if err := checkForm("ASK", askBlock); err != nil {
		return nil, err
	}
	arkBlock, _ := pem.Decode(arkRest)
	if err := checkForm("ARK", arkBlock); err != nil {
		return nil, err
	}
	ask, err := x509.ParseCertificate(askBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("could not parse ASK certificate: %v", err)
	}
	ark, err := x509.ParseCertificate(arkBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("could not parse ARK certificate: %v", err)
	}
	return &AMDRootCerts{Ask: ask, Ark: ark}, nil
}

// ParseCert parses a single DER-encoded certificate.
func ParseCert(der []byte) (*x509.Certificate, error) {
	return x509.ParseCertificate(der)
}

// HTTPSGetter represents the ability to fetch data from the internet from an HTTP URL.
// Used particularly for fetching certificates.
type HTTPSGetter interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// SimpleHTTPSGetter implements the HTTPSGetter interface with the default
// HTTP client.
type SimpleHTTPSGetter struct {
	// Client overrides http.DefaultClient when set.
	Client *http.Client
}

// Get returns the HTTPS response body as a byte array, or a FetchError for
// transport failures and non-2xx statuses.
func (n *SimpleHTTPSGetter) Get(ctx context.Context, url string) ([]byte, error) {
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, tferrors.Fetch(url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, tferrors.Fetch(url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, tferrors.FetchStatus(url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, tferrors.Fetch(url, err)
	}
	return body, nil
}

// DefaultHTTPSGetter returns the library's default getter implementation.
func DefaultHTTPSGetter() HTTPSGetter {
	return &SimpleHTTPSGetter{}
}

// CachedHTTPSGetter memoizes successful fetches by URL. The VCEK URL encodes
// the chip identity and TCB, so a cached body is bit-identical to a fresh
// fetch. Safe for concurrent use by a single client.
type CachedHTTPSGetter struct {
	Getter HTTPSGetter

	mu    sync.Mutex
	cache map[string][]byte
}

// Get serves from cache when possible, fetching and caching otherwise.
func (c *CachedHTTPSGetter) Get(ctx context.Context, url string) ([]byte, error) {
	c.mu.Lock()
	if body, ok := c.cache[url]; ok {
		c.mu.Unlock()
		return body, nil
	}
	c.mu.Unlock()
	body, err := c.Getter.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.cache == nil {
		c.cache = make(map[string][]byte)
	}
	c.cache[url] = body
	c.mu.Unlock()
	return body, nil
}
