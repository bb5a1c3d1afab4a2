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

package github_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinfoilsh/tinfoil-go/github"
	tftest "github.com/tinfoilsh/tinfoil-go/testing"
)

const (
	testRepo   = "tinfoilsh/confidential-inference-proxy"
	testDigest = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
)

func releaseURL() string {
	return github.DefaultAPIProxyBaseURL + "/repos/" + testRepo + "/releases/latest"
}

func TestFetchLatestDigestFromEIFHash(t *testing.T) {
	getter := &tftest.Getter{Responses: map[string][]byte{
		releaseURL(): []byte(`{"tag_name": "v1.2.3", "body": "Release notes\nEIF hash: ` + strings.ToUpper(testDigest) + `\n"}`),
	}}
	client := &github.Client{Getter: getter}
	digest, err := client.FetchLatestDigest(context.Background(), testRepo)
	require.NoError(t, err)
	assert.Equal(t, testDigest, digest)
}

func TestFetchLatestDigestFromDigestLine(t *testing.T) {
	getter := &tftest.Getter{Responses: map[string][]byte{
		releaseURL(): []byte(`{"tag_name": "v1.2.3", "body": "Digest: ` + "`" + testDigest + "`" + `"}`),
	}}
	client := &github.Client{Getter: getter}
	digest, err := client.FetchLatestDigest(context.Background(), testRepo)
	require.NoError(t, err)
	assert.Equal(t, testDigest, digest)
}

func TestFetchLatestDigestFromHashAsset(t *testing.T) {
	hashURL := github.DefaultDownloadProxyBaseURL + "/" + testRepo + "/releases/download/v2.0.0/tinfoil.hash"
	getter := &tftest.Getter{Responses: map[string][]byte{
		releaseURL(): []byte(`{"tag_name": "v2.0.0", "body": "no digest here"}`),
		hashURL:      []byte(testDigest + "\n"),
	}}
	client := &github.Client{Getter: getter}
	digest, err := client.FetchLatestDigest(context.Background(), testRepo)
	require.NoError(t, err)
	assert.Equal(t, testDigest, digest)
	assert.Equal(t, 1, getter.CallCount(hashURL))
}

func TestFetchLatestDigestMalformedRelease(t *testing.T) {
	getter := &tftest.Getter{Responses: map[string][]byte{
		releaseURL(): []byte(`{`),
	}}
	client := &github.Client{Getter: getter}
	_, err := client.FetchLatestDigest(context.Background(), testRepo)
	assert.ErrorContains(t, err, "malformed release response")
	// A parse failure is not refetched.
	assert.Equal(t, 1, getter.CallCount(releaseURL()))
}

func TestFetchAttestationBundle(t *testing.T) {
	url := github.DefaultAPIProxyBaseURL + "/repos/" + testRepo + "/attestations/sha256:" + testDigest
	getter := &tftest.Getter{Responses: map[string][]byte{
		url: []byte(`{"attestations": [{"bundle": {"mediaType": "application/vnd.dev.sigstore.bundle.v0.3+json"}}]}`),
	}}
	client := &github.Client{Getter: getter}
	bundle, err := client.FetchAttestationBundle(context.Background(), testRepo, testDigest)
	require.NoError(t, err)
	assert.Contains(t, string(bundle), "sigstore.bundle")
}

func TestFetchAttestationBundleEmpty(t *testing.T) {
	url := github.DefaultAPIProxyBaseURL + "/repos/" + testRepo + "/attestations/sha256:" + testDigest
	getter := &tftest.Getter{Responses: map[string][]byte{
		url: []byte(`{"attestations": []}`),
	}}
	client := &github.Client{Getter: getter}
	_, err := client.FetchAttestationBundle(context.Background(), testRepo, testDigest)
	assert.ErrorContains(t, err, "no attestation bundle")
}
