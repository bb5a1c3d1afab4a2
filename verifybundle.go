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
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"strings"

	"github.com/tinfoilsh/tinfoil-go/attestation"
	"github.com/tinfoilsh/tinfoil-go/bundle"
	"github.com/tinfoilsh/tinfoil-go/tferrors"
	"github.com/tinfoilsh/tinfoil-go/verify"
)

// CodeVerifier proves that a release digest was attested by the expected
// repository's signed release workflow and yields the attested measurement.
// The production implementation is sigstore.Client.
type CodeVerifier interface {
	VerifyAttestation(bundleJSON []byte, hexDigest, repo string) (*attestation.Measurement, error)
}

// verifyBundle sequences the verification steps over an assembled bundle,
// recording each transition in doc. The release digest was fetched by the
// assembler, so its step succeeds at entry. Any step failure finalizes the
// document with SecurityVerified false and returns the error.
func verifyBundle(ctx context.Context, b *bundle.AttestationBundle, configRepo string, cv CodeVerifier, opts *verify.Options, doc *VerificationDocument) (*attestation.Verification, error) {
	doc.ReleaseDigest = b.Digest
	doc.stepSuccess(StepFetchDigest)

	vcekDER, err := base64.StdEncoding.DecodeString(b.VCEK)
	if err != nil {
		err = tferrors.AttestationWrap("could not decode bundle VCEK", err)
		doc.stepFailed(StepVerifyEnclave, err)
		return nil, err
	}
	verification, err := b.EnclaveAttestationReport.Verify(ctx, vcekDER, opts)
	if err != nil {
		doc.stepFailed(StepVerifyEnclave, err)
		return nil, err
	}
	doc.stepSuccess(StepVerifyEnclave)
	doc.EnclaveMeasurement = verification.Measurement
	doc.EnclaveFingerprint = verification.Measurement.Fingerprint()
	doc.TLSPublicKey = verification.TLSPublicKeyFP
	doc.HPKEPublicKey = verification.HPKEPublicKey

	codeMeasurement, err := cv.VerifyAttestation(b.SigstoreBundle, b.Digest, configRepo)
	if err != nil {
		doc.stepFailed(StepVerifyCode, err)
		return nil, err
	}
	doc.stepSuccess(StepVerifyCode)
	doc.CodeMeasurement = codeMeasurement
	doc.CodeFingerprint = codeMeasurement.Fingerprint()

	if err := codeMeasurement.Equals(verification.Measurement); err != nil {
		doc.stepFailed(StepCompareMeasurements, err)
		return nil, err
	}
	doc.stepSuccess(StepCompareMeasurements)

	if err := verifyCertificate(b, verification); err != nil {
		doc.stepFailed(StepVerifyCertificate, err)
		return nil, err
	}
	doc.stepSuccess(StepVerifyCertificate)

	doc.SecurityVerified = true
	return verification, nil
}

// verifyCertificate binds the attested key material to the TLS certificate
// the enclave serves: the bundle domain must match a SAN, the hpke-prefixed
// SANs must decode to the attested HPKE public key, and the hatt-prefixed
// SANs must decode to the attestation document's hash.
func verifyCertificate(b *bundle.AttestationBundle, verification *attestation.Verification) error {
	block, _ := pem.Decode([]byte(b.EnclaveCert))
	if block == nil || block.Type != "CERTIFICATE" {
		return tferrors.Attestation("enclave certificate is not PEM encoded")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return tferrors.AttestationWrap("could not parse enclave certificate", err)
	}
	sans := cert.DNSNames

	if !attestation.DomainMatchesSANs(b.Domain, sans) {
		return tferrors.Attestation("Certificate domain mismatch: %q not in certificate SANs", b.Domain)
	}

	hpkeKey, err := attestation.DecodeSANs(sans, attestation.SANPrefixHPKE)
	if err != nil {
		return err
	}
	if !strings.EqualFold(hex.EncodeToString(hpkeKey), verification.HPKEPublicKey) {
		return tferrors.Attestation("HPKE key mismatch between certificate and attestation")
	}

	attHash, err := attestation.DecodeSANs(sans, attestation.SANPrefixAttestationHash)
	if err != nil {
		return err
	}
	if !strings.EqualFold(string(attHash), b.EnclaveAttestationReport.Hash()) {
		return tferrors.Attestation("attestation document hash mismatch between certificate and report")
	}
	return nil
}
