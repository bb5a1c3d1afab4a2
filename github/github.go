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

// Package github resolves release digests and fetches sigstore attestation
// bundles for a configuration repository, via the Tinfoil GitHub proxies.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tinfoilsh/tinfoil-go/tferrors"
	"github.com/tinfoilsh/tinfoil-go/verify/trust"
)

const (
	// DefaultAPIProxyBaseURL fronts api.github.com.
	DefaultAPIProxyBaseURL = "https://api-github-proxy.tinfoil.sh"
	// DefaultDownloadProxyBaseURL fronts github.com release downloads.
	DefaultDownloadProxyBaseURL = "https://github-proxy.tinfoil.sh"
)

var (
	eifHashRe = regexp.MustCompile(`EIF hash: ([a-fA-F0-9]{64})`)
	digestRe  = regexp.MustCompile("Digest: `([a-fA-F0-9]{64})`")
)

// Client fetches release metadata and attestations through the proxies.
// The zero value uses the default proxies and HTTP getter.
type Client struct {
	// Getter overrides the HTTP fetch implementation.
	Getter trust.HTTPSGetter
	// APIBaseURL overrides the GitHub API proxy.
	APIBaseURL string
	// DownloadBaseURL overrides the GitHub download proxy.
	DownloadBaseURL string
}

func (c *Client) getter() trust.HTTPSGetter {
	if c.Getter != nil {
		return c.Getter
	}
	return trust.DefaultHTTPSGetter()
}

func (c *Client) apiBase() string {
	if c.APIBaseURL != "" {
		return strings.TrimSuffix(c.APIBaseURL, "/")
	}
	return DefaultAPIProxyBaseURL
}

func (c *Client) dlBase() string {
	if c.DownloadBaseURL != "" {
		return strings.TrimSuffix(c.DownloadBaseURL, "/")
	}
	return DefaultDownloadProxyBaseURL
}

// FetchLatestDigest returns the hex SHA-256 release digest of the latest
// release of repo. The digest is read from the release notes when present,
// otherwise from the release's tinfoil.hash asset.
func (c *Client) FetchLatestDigest(ctx context.Context, repo string) (string, error) {
	url := fmt.Sprintf("%s/repos/%s/releases/latest", c.apiBase(), repo)
	body, err := c.getter().Get(ctx, url)
	if err != nil {
		return "", err
	}
	var release struct {
		TagName string `json:"tag_name"`
		Body    string `json:"body"`
	}
	if err := json.Unmarshal(body, &release); err != nil {
		return "", tferrors.Fetch(url, fmt.Errorf("malformed release response: %w", err))
	}
	if release.TagName == "" {
		return "", tferrors.Fetch(url, fmt.Errorf("release response has no tag_name"))
	}
	if m := eifHashRe.FindStringSubmatch(release.Body); m != nil {
		return strings.ToLower(m[1]), nil
	}
	if m := digestRe.FindStringSubmatch(release.Body); m != nil {
		return strings.ToLower(m[1]), nil
	}
	hashURL := fmt.Sprintf("%s/%s/releases/download/%s/tinfoil.hash", c.dlBase(), repo, release.TagName)
	hashBody, err := c.getter().Get(ctx, hashURL)
	if err != nil {
		return "", err
	}
	digest := strings.ToLower(strings.TrimSpace(string(hashBody)))
	if len(digest) != 64 {
		return "", tferrors.Fetch(hashURL, fmt.Errorf("tinfoil.hash is not a SHA-256 digest: %q", digest))
	}
	return digest, nil
}

// FetchAttestationBundle returns the first sigstore bundle GitHub holds for
// the artifact digest of repo.
func (c *Client) FetchAttestationBundle(ctx context.Context, repo, digest string) ([]byte, error) {
	url := fmt.Sprintf("%s/repos/%s/attestations/sha256:%s", c.apiBase(), repo, digest)
	body, err := c.getter().Get(ctx, url)
	if err != nil {
		return nil, err
	}
	var response struct {
		Attestations []struct {
			Bundle json.RawMessage `json:"bundle"`
		} `json:"attestations"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, tferrors.Fetch(url, fmt.Errorf("malformed attestations response: %w", err))
	}
	if len(response.Attestations) == 0 || len(response.Attestations[0].Bundle) == 0 {
		return nil, tferrors.Fetch(url, fmt.Errorf("no attestation bundle for digest %s", digest))
	}
	return response.Attestations[0].Bundle, nil
}
