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

// Package bundle assembles the atomic unit of verification: the enclave's
// attestation document, the release digest and sigstore bundle of the
// configuration repository, the chip's VCEK certificate, and the enclave's
// TLS certificate.
package bundle

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/tinfoilsh/tinfoil-go/abi"
	"github.com/tinfoilsh/tinfoil-go/attestation"
	"github.com/tinfoilsh/tinfoil-go/github"
	"github.com/tinfoilsh/tinfoil-go/kds"
	"github.com/tinfoilsh/tinfoil-go/tferrors"
	"github.com/tinfoilsh/tinfoil-go/verify/trust"
)

const (
	// DefaultATCBaseURL is the attestation-trust coordinator, the optional
	// central service that assembles a complete bundle for a client.
	DefaultATCBaseURL = "https://atc.tinfoil.sh"

	certificateEndpoint = "/.well-known/tinfoil-certificate"
)

// AttestationBundle is the unit verified atomically by the orchestrator.
// It is constructed once and read-only thereafter.
type AttestationBundle struct {
	// Domain is the enclave host the bundle was assembled for.
	Domain string `json:"domain"`
	// EnclaveAttestationReport is the enclave's live attestation document.
	EnclaveAttestationReport attestation.Document `json:"enclaveAttestationReport"`
	// Digest is the hex SHA-256 of the release artifact.
	Digest string `json:"digest"`
	// SigstoreBundle is the opaque sigstore bundle for the digest.
	SigstoreBundle json.RawMessage `json:"sigstoreBundle"`
	// VCEK is the base64 DER VCEK certificate for the reporting chip.
	VCEK string `json:"vcek"`
	// EnclaveCert is the PEM TLS certificate the enclave serves.
	EnclaveCert string `json:"enclaveCert"`
}

// Assembler fetches bundles from public infrastructure. The zero value uses
// the default proxies and a fresh VCEK cache.
type Assembler struct {
	// Getter performs HTTP fetches. Wrapped by the retry policy.
	Getter trust.HTTPSGetter
	// GitHub resolves release digests and attestation bundles.
	GitHub *github.Client
	// KDSBaseURL overrides the KDS proxy.
	KDSBaseURL string
	// ATCBaseURL overrides the attestation-trust coordinator.
	ATCBaseURL string

	vcekCache *trust.CachedHTTPSGetter
}

func (a *Assembler) retrying() trust.HTTPSGetter {
	getter := a.Getter
	if getter == nil {
		getter = trust.DefaultHTTPSGetter()
	}
	return &retryGetter{getter: getter}
}

func (a *Assembler) githubClient() *github.Client {
	if a.GitHub != nil {
		return a.GitHub
	}
	return &github.Client{Getter: a.retrying()}
}

func (a *Assembler) vcekGetter() trust.HTTPSGetter {
	if a.vcekCache == nil {
		a.vcekCache = &trust.CachedHTTPSGetter{Getter: a.retrying()}
	}
	return a.vcekCache
}

func (a *Assembler) atcBase() string {
	if a.ATCBaseURL != "" {
		return strings.TrimSuffix(a.ATCBaseURL, "/")
	}
	return DefaultATCBaseURL
}

// Fetch assembles a bundle from live fetches. The attestation document,
// release digest, and TLS certificate are fetched in parallel; the sigstore
// bundle and VCEK follow once their inputs are known.
func (a *Assembler) Fetch(ctx context.Context, enclaveHost, repo string) (*AttestationBundle, error) {
	getter := a.retrying()
	gh := a.githubClient()
	result := &AttestationBundle{Domain: enclaveHost}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		url := fmt.Sprintf("https://%s%s", enclaveHost, attestation.AttestationEndpoint)
		body, err := getter.Get(gctx, url)
		if err != nil {
			return err
		}
		doc, err := attestation.ParseDocument(body)
		if err != nil {
			return err
		}
		result.EnclaveAttestationReport = *doc
		return nil
	})
	g.Go(func() error {
		digest, err := gh.FetchLatestDigest(gctx, repo)
		if err != nil {
			return err
		}
		result.Digest = digest
		return nil
	})
	g.Go(func() error {
		url := fmt.Sprintf("https://%s%s", enclaveHost, certificateEndpoint)
		body, err := getter.Get(gctx, url)
		if err != nil {
			return err
		}
		var response struct {
			Certificate string `json:"certificate"`
		}
		if err := json.Unmarshal(body, &response); err != nil {
			return tferrors.Fetch(url, fmt.Errorf("malformed certificate response: %w", err))
		}
		if response.Certificate == "" {
			return tferrors.Fetch(url, fmt.Errorf("certificate response has no certificate"))
		}
		result.EnclaveCert = response.Certificate
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sigstoreBundle, err := gh.FetchAttestationBundle(ctx, repo, result.Digest)
	if err != nil {
		return nil, err
	}
	result.SigstoreBundle = sigstoreBundle

	vcek, err := a.fetchVCEK(ctx, &result.EnclaveAttestationReport)
	if err != nil {
		return nil, err
	}
	result.VCEK = base64.StdEncoding.EncodeToString(vcek)
	return result, nil
}

// fetchVCEK parses the attestation report just enough to derive the KDS
// VCEK request URL. Responses are cached by URL: the URL encodes the chip
// identity and TCB, so a hit is bit-identical to a fresh fetch.
func (a *Assembler) fetchVCEK(ctx context.Context, doc *attestation.Document) ([]byte, error) {
	raw, err := doc.ReportBytes()
	if err != nil {
		return nil, err
	}
	report, err := abi.ParseReport(raw)
	if err != nil {
		return nil, err
	}
	url := kds.VCEKCertURL(a.KDSBaseURL, report.ChipID, kds.TCBVersion(report.ReportedTcb))
	return a.vcekGetter().Get(ctx, url)
}

// FetchFromATC retrieves a pre-assembled bundle from the attestation-trust
// coordinator. POST is used when the caller targets a specific enclave or a
// non-default repository, GET selects the coordinator's default.
func (a *Assembler) FetchFromATC(ctx context.Context, enclaveURL, repo string) (*AttestationBundle, error) {
	url := a.atcBase() + "/attestation"
	var body []byte
	var err error
	if enclaveURL != "" || repo != "" {
		payload, merr := json.Marshal(map[string]string{
			"enclaveUrl": enclaveURL,
			"repo":       repo,
		})
		if merr != nil {
			return nil, merr
		}
		body, err = a.post(ctx, url, payload)
	} else {
		body, err = a.retrying().Get(ctx, url)
	}
	if err != nil {
		return nil, err
	}
	var result AttestationBundle
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, tferrors.Fetch(url, fmt.Errorf("malformed bundle response: %w", err))
	}
	return &result, nil
}

func (a *Assembler) post(ctx context.Context, url string, payload []byte) ([]byte, error) {
	op := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, tferrors.Fetch(url, err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, tferrors.Fetch(url, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, tferrors.FetchStatus(url, resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	var body []byte
	err := backoff.Retry(func() error {
		var err error
		body, err = op()
		if err != nil && !tferrors.IsFetch(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx))
	if err != nil {
		return nil, err
	}
	return body, nil
}

// SelectRouter fetches the coordinator's SNP router list and picks one
// uniformly at random.
func (a *Assembler) SelectRouter(ctx context.Context) (string, error) {
	url := a.atcBase() + "/routers?platform=snp"
	body, err := a.retrying().Get(ctx, url)
	if err != nil {
		return "", err
	}
	var routers []string
	if err := json.Unmarshal(body, &routers); err != nil {
		return "", tferrors.Fetch(url, fmt.Errorf("malformed router response: %w", err))
	}
	if len(routers) == 0 {
		return "", tferrors.Fetch(url, fmt.Errorf("router response is empty"))
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(routers))))
	if err != nil {
		return "", err
	}
	return routers[n.Int64()], nil
}
