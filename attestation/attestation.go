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

// Package attestation defines the attestation document and measurement
// types shared by the enclave and code verification paths, and the SEV-SNP
// verification entry point that ties the report to its certificate chain
// and validation policy.
package attestation

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/tinfoilsh/tinfoil-go/tferrors"
)

// PredicateType distinguishes attestation document formats and their
// register layouts.
type PredicateType string

const (
	// SevGuestV1 is a raw SEV-SNP report with an uncompressed body.
	//
	// Deprecated: superseded by SevGuestV2.
	SevGuestV1 PredicateType = "https://tinfoil.sh/predicate/sev-snp-guest/v1"
	// SevGuestV2 is a gzip-compressed SEV-SNP report.
	SevGuestV2 PredicateType = "https://tinfoil.sh/predicate/sev-snp-guest/v2"
	// SnpTdxMultiPlatformV1 is the multi-platform format whose first
	// register is the SEV-SNP measurement.
	SnpTdxMultiPlatformV1 PredicateType = "https://tinfoil.sh/predicate/snp-tdx-multiplatform/v1"
)

// AttestationEndpoint is the well-known path enclaves serve their
// attestation document on.
const AttestationEndpoint = "/.well-known/tinfoil-attestation"

// Document is an attestation document: a predicate format identifier and a
// base64-encoded body whose layout the format determines.
type Document struct {
	Format PredicateType `json:"format"`
	Body   string        `json:"body"`
}

// Hash returns the canonical fingerprint of the document:
// hex(sha256(format || body)). Byte-exact across implementations.
func (d *Document) Hash() string {
	digest := sha256.Sum256([]byte(string(d.Format) + d.Body))
	return hex.EncodeToString(digest[:])
}

// ReportBytes decodes the document body into raw report bytes. Bodies are
// gzip-compressed for every format after SevGuestV1.
func (d *Document) ReportBytes() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(d.Body)
	if err != nil {
		return nil, tferrors.AttestationWrap("could not decode attestation body", err)
	}
	if d.Format == SevGuestV1 {
		return raw, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, tferrors.AttestationWrap("could not decompress attestation body", err)
	}
	defer zr.Close()
	report, err := io.ReadAll(zr)
	if err != nil {
		return nil, tferrors.AttestationWrap("could not decompress attestation body", err)
	}
	return report, nil
}

// Fetch retrieves the attestation document from an enclave host.
func Fetch(ctx context.Context, host string) (*Document, error) {
	url := fmt.Sprintf("https://%s%s", host, AttestationEndpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, tferrors.Fetch(url, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, tferrors.Fetch(url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, tferrors.FetchStatus(url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, tferrors.Fetch(url, err)
	}
	return ParseDocument(body)
}

// FromFile reads an attestation document from a JSON file.
func FromFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDocument(data)
}

// ParseDocument parses an attestation document from its JSON encoding.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, tferrors.Fetch("", fmt.Errorf("malformed attestation document: %w", err))
	}
	switch doc.Format {
	case SevGuestV1, SevGuestV2, SnpTdxMultiPlatformV1:
	default:
		return nil, tferrors.Attestation("unsupported attestation format: %q", doc.Format)
	}
	if doc.Body == "" {
		return nil, tferrors.Attestation("attestation document has no body")
	}
	return &doc, nil
}
