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
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/tinfoilsh/tinfoil-go/tferrors"
)

// newPinnedClient returns an HTTP client that only talks to a server whose
// leaf certificate's public key hashes to the attested fingerprint. The pin
// is checked on every connection: keep-alive is disabled so no pooled
// connection can outlive the check.
func newPinnedClient(spkiFingerprintHex string) *http.Client {
	expected := strings.ToLower(spkiFingerprintHex)
	return &http.Client{
		Transport: &http.Transport{
			DisableKeepAlives: true,
			TLSClientConfig: &tls.Config{
				// Chain trust is replaced by the attested pin; the pin is
				// checked below against the leaf's public key.
				InsecureSkipVerify:    true,
				VerifyPeerCertificate: pinVerifier(expected),
			},
		},
	}
}

func pinVerifier(expected string) func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return tferrors.Attestation("server presented no certificate")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return tferrors.AttestationWrap("could not parse server certificate", err)
		}
		digest := sha256.Sum256(leaf.RawSubjectPublicKeyInfo)
		got := hex.EncodeToString(digest[:])
		if got != expected {
			return tferrors.Attestation("TLS public key fingerprint mismatch: got %s, expected %s", got, expected)
		}
		return nil
	}
}
