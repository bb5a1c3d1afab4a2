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

package attestation

import (
	"encoding/base32"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tinfoilsh/tinfoil-go/tferrors"
)

// The dcode scheme embeds a byte string in a certificate's DNS subject
// alternative names. The payload is base32-encoded (RFC 4648, padding
// stripped), split into chunks, and each chunk published as a DNS label
// NN<chunk>.<prefix>.<apex> where NN is a two-digit chunk index.
const (
	// SANPrefixHPKE marks SAN chunks carrying the enclave's HPKE public key.
	SANPrefixHPKE = "hpke"
	// SANPrefixAttestationHash marks SAN chunks carrying the hex SHA-256 of
	// the attestation document.
	SANPrefixAttestationHash = "hatt"

	// dcodeChunkSize keeps each label under the 63-octet DNS limit with the
	// two-digit index prepended.
	dcodeChunkSize = 60
)

var dcodeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// DecodeSANs reassembles the byte string embedded under the given prefix in
// a SAN list. SAN order does not matter: chunks are ordered by their
// two-digit index. Fails when no SAN carries the prefix or a chunk is not
// valid base32.
func DecodeSANs(sans []string, prefix string) ([]byte, error) {
	marker := "." + prefix + "."
	type chunk struct {
		index int
		data  string
	}
	var chunks []chunk
	for _, san := range sans {
		idx := strings.Index(san, marker)
		if idx < 0 {
			continue
		}
		label := san[:idx]
		if len(label) < 3 {
			return nil, tferrors.Attestation("malformed dcode SAN label %q", san)
		}
		n, err := strconv.Atoi(label[:2])
		if err != nil {
			return nil, tferrors.Attestation("malformed dcode SAN index in %q", san)
		}
		chunks = append(chunks, chunk{index: n, data: label[2:]})
	}
	if len(chunks) == 0 {
		return nil, tferrors.Attestation("no SAN entries with prefix %q", prefix)
	}
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].index < chunks[j].index })
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.data)
	}
	decoded, err := dcodeEncoding.DecodeString(strings.ToUpper(b.String()))
	if err != nil {
		return nil, tferrors.AttestationWrap(fmt.Sprintf("invalid base32 in %q SANs", prefix), err)
	}
	return decoded, nil
}

// EncodeSANs is the inverse of DecodeSANs: it encodes a payload as a list
// of prefixed SAN DNS names under the given apex domain.
func EncodeSANs(payload []byte, prefix, apex string) []string {
	encoded := dcodeEncoding.EncodeToString(payload)
	var sans []string
	for i := 0; len(encoded) > 0; i++ {
		n := dcodeChunkSize
		if n > len(encoded) {
			n = len(encoded)
		}
		sans = append(sans, fmt.Sprintf("%02d%s.%s.%s", i, encoded[:n], prefix, apex))
		encoded = encoded[n:]
	}
	return sans
}

// DomainMatchesSANs reports whether the domain matches at least one SAN DNS
// name. A wildcard SAN matches exactly one leading label per RFC 6125:
// *.example.com matches sub.example.com but not example.com.
func DomainMatchesSANs(domain string, sans []string) bool {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	for _, san := range sans {
		san = strings.ToLower(strings.TrimSuffix(san, "."))
		if san == domain {
			return true
		}
		if rest, ok := strings.CutPrefix(san, "*."); ok {
			_, domainRest, found := strings.Cut(domain, ".")
			if found && domainRest == rest {
				return true
			}
		}
	}
	return false
}
