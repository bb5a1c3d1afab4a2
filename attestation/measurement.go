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
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/tinfoilsh/tinfoil-go/tferrors"
)

// Measurement is an ordered sequence of hex-encoded launch measurement
// registers with the predicate type that defines their layout.
type Measurement struct {
	Type      PredicateType `json:"type"`
	Registers []string      `json:"registers"`
}

// Fingerprint returns a stable identity for the measurement: the single
// register when there is exactly one, otherwise the hex SHA-256 over the
// type concatenated with all registers.
func (m *Measurement) Fingerprint() string {
	if len(m.Registers) == 1 {
		return m.Registers[0]
	}
	digest := sha256.Sum256([]byte(string(m.Type) + strings.Join(m.Registers, "")))
	return hex.EncodeToString(digest[:])
}

// Equals compares two measurements. Same-type measurements must agree on
// every register. A multi-platform measurement compares against a
// single-platform SEV measurement on the first register only, since the
// multi-platform layout leads with the SNP measurement. All other type
// pairings fail.
func (m *Measurement) Equals(other *Measurement) error {
	if m == nil || other == nil {
		return tferrors.Attestation("measurement is nil")
	}
	if m.Type == other.Type {
		if len(m.Registers) != len(other.Registers) {
			return tferrors.Attestation("measurement register count mismatch: %d != %d",
				len(m.Registers), len(other.Registers))
		}
		for i := range m.Registers {
			if m.Registers[i] != other.Registers[i] {
				return tferrors.Attestation("measurement register %d mismatch", i)
			}
		}
		return nil
	}
	// Cross-type comparison is only defined between the multi-platform
	// format and an SEV format, on the leading SNP register.
	crossComparable := func(a, b PredicateType) bool {
		return a == SnpTdxMultiPlatformV1 && (b == SevGuestV2 || b == SevGuestV1)
	}
	if !crossComparable(m.Type, other.Type) && !crossComparable(other.Type, m.Type) {
		return tferrors.Attestation("measurement format mismatch: %q != %q", m.Type, other.Type)
	}
	if len(m.Registers) == 0 || len(other.Registers) == 0 {
		return tferrors.Attestation("measurement has no registers")
	}
	if m.Registers[0] != other.Registers[0] {
		return tferrors.Attestation("SNP measurement mismatch")
	}
	return nil
}
