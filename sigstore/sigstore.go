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

// Package sigstore verifies DSSE-enveloped in-toto statements against a
// compiled-in Sigstore trust root, enforcing that the statement was signed
// by a GitHub Actions release-tag workflow of the expected repository, and
// extracts the attested enclave measurement.
package sigstore

import (
	_ "embed"
	"encoding/hex"
	"regexp"
	"strings"

	in_toto "github.com/in-toto/attestation/go/v1"
	bundlepb "github.com/sigstore/protobuf-specs/gen/pb-go/bundle/v1"
	"github.com/sigstore/sigstore-go/pkg/bundle"
	"github.com/sigstore/sigstore-go/pkg/root"
	"github.com/sigstore/sigstore-go/pkg/verify"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/tinfoilsh/tinfoil-go/attestation"
	"github.com/tinfoilsh/tinfoil-go/tferrors"
)

// GitHubOIDCIssuer is the OIDC issuer for GitHub Actions workflow
// identities.
const GitHubOIDCIssuer = "https://token.actions.githubusercontent.com"

// releaseTagRef only accepts statements signed by a tag-triggered workflow
// run. Branch builds do not attest releases.
var releaseTagRef = regexp.MustCompile(`^refs/tags/`)

// The trusted root is embedded to avoid a TUF network round trip on every
// client start. Refreshed from the sigstore TUF repository at release time.
//
//go:embed trusted_root.json
var trustedRootJSON []byte

func hexDigestBytes(hexDigest string) ([]byte, error) {
	digest, err := hex.DecodeString(hexDigest)
	if err != nil {
		return nil, tferrors.Attestation("release digest is not hex: %q", hexDigest)
	}
	if len(digest) != 32 {
		return nil, tferrors.Attestation("release digest is %d bytes, expected 32", len(digest))
	}
	return digest, nil
}

// Client verifies sigstore bundles against the embedded trust root.
type Client struct {
	verifier *verify.SignedEntityVerifier
}

// NewClient loads the embedded trust root and constructs a bundle verifier
// requiring one transparency log entry and one observed timestamp.
func NewClient() (*Client, error) {
	trustedRoot, err := root.NewTrustedRootFromJSON(trustedRootJSON)
	if err != nil {
		return nil, tferrors.AttestationWrap("could not parse embedded trusted root", err)
	}
	verifier, err := verify.NewSignedEntityVerifier(trustedRoot,
		verify.WithTransparencyLog(1),
		verify.WithObserverTimestamps(1),
	)
	if err != nil {
		return nil, tferrors.AttestationWrap("could not create sigstore verifier", err)
	}
	return &Client{verifier: verifier}, nil
}

// VerifyAttestation verifies a sigstore bundle holding an in-toto statement
// over the given release digest (hex SHA-256), signed by a release-tag
// GitHub Actions run of repo. It returns the attested enclave measurement.
func (c *Client) VerifyAttestation(bundleJSON []byte, hexDigest, repo string) (*attestation.Measurement, error) {
	// GitHub's attestation API serves the bundle as protojson.
	var pb bundlepb.Bundle
	if err := protojson.Unmarshal(bundleJSON, &pb); err != nil {
		return nil, tferrors.AttestationWrap("could not parse sigstore bundle", err)
	}
	b, err := bundle.NewBundle(&pb)
	if err != nil {
		return nil, tferrors.AttestationWrap("could not construct sigstore bundle", err)
	}

	digest, err := hexDigestBytes(hexDigest)
	if err != nil {
		return nil, err
	}

	certID, err := verify.NewShortCertificateIdentity(GitHubOIDCIssuer, "", "",
		"^https://github.com/"+regexp.QuoteMeta(repo)+"/")
	if err != nil {
		return nil, tferrors.AttestationWrap("could not create certificate identity policy", err)
	}
	result, err := c.verifier.Verify(b, verify.NewPolicy(
		verify.WithArtifactDigest("sha256", digest),
		verify.WithCertificateIdentity(certID),
	))
	if err != nil {
		return nil, tferrors.AttestationWrap("sigstore verification failed", err)
	}

	// The SAN regex above pins the repository through the workflow URI; the
	// certificate extensions bind the exact repository and triggering ref.
	if result.Signature == nil || result.Signature.Certificate == nil {
		return nil, tferrors.Attestation("verification result has no signing certificate")
	}
	exts := result.Signature.Certificate.Extensions
	if exts.GithubWorkflowRepository != repo {
		return nil, tferrors.Attestation("certificate workflow repository is %q, expected %q",
			exts.GithubWorkflowRepository, repo)
	}
	if !releaseTagRef.MatchString(exts.GithubWorkflowRef) {
		return nil, tferrors.Attestation("certificate workflow ref %q is not a release tag",
			exts.GithubWorkflowRef)
	}

	return extractMeasurement(result.Statement, hexDigest)
}

// extractMeasurement binds the verified in-toto statement to the release
// digest and pulls out the attested SNP measurement.
func extractMeasurement(statement *in_toto.Statement, hexDigest string) (*attestation.Measurement, error) {
	if statement == nil {
		return nil, tferrors.Attestation("bundle has no in-toto statement")
	}
	if len(statement.Subject) == 0 || statement.Subject[0].Digest == nil {
		return nil, tferrors.Attestation("in-toto statement has no subject digest")
	}
	if !strings.EqualFold(statement.Subject[0].Digest["sha256"], hexDigest) {
		return nil, tferrors.Attestation("statement subject digest %q does not match release digest %q",
			statement.Subject[0].Digest["sha256"], hexDigest)
	}

	if statement.PredicateType != string(attestation.SnpTdxMultiPlatformV1) {
		return nil, tferrors.Attestation("unsupported predicate type: %q", statement.PredicateType)
	}
	if statement.Predicate == nil {
		return nil, tferrors.Attestation("statement has no predicate")
	}
	field, ok := statement.Predicate.Fields["snp_measurement"]
	if !ok {
		return nil, tferrors.Attestation("predicate has no snp_measurement")
	}
	snpMeasurement := field.GetStringValue()
	if snpMeasurement == "" {
		return nil, tferrors.Attestation("predicate snp_measurement is not a string")
	}

	return &attestation.Measurement{
		Type:      attestation.SnpTdxMultiPlatformV1,
		Registers: []string{snpMeasurement},
	}, nil
}
