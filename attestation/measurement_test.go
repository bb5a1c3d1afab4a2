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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeasurementEquals(t *testing.T) {
	tests := []struct {
		name    string
		m1      *Measurement
		m2      *Measurement
		wantErr string
	}{
		{
			name: "same measurements",
			m1:   &Measurement{Type: SevGuestV2, Registers: []string{"reg1"}},
			m2:   &Measurement{Type: SevGuestV2, Registers: []string{"reg1"}},
		},
		{
			name:    "same type different register",
			m1:      &Measurement{Type: SevGuestV2, Registers: []string{"reg1"}},
			m2:      &Measurement{Type: SevGuestV2, Registers: []string{"reg2"}},
			wantErr: "register 0 mismatch",
		},
		{
			name:    "same type different register count",
			m1:      &Measurement{Type: SnpTdxMultiPlatformV1, Registers: []string{"a", "b"}},
			m2:      &Measurement{Type: SnpTdxMultiPlatformV1, Registers: []string{"a"}},
			wantErr: "register count",
		},
		{
			name: "multiplatform against sev v2 first register",
			m1:   &Measurement{Type: SnpTdxMultiPlatformV1, Registers: []string{"snp", "rtmr1", "rtmr2"}},
			m2:   &Measurement{Type: SevGuestV2, Registers: []string{"snp"}},
		},
		{
			name: "sev v2 against multiplatform (flipped)",
			m1:   &Measurement{Type: SevGuestV2, Registers: []string{"snp"}},
			m2:   &Measurement{Type: SnpTdxMultiPlatformV1, Registers: []string{"snp", "rtmr1"}},
		},
		{
			name:    "multiplatform against sev v2 register mismatch",
			m1:      &Measurement{Type: SnpTdxMultiPlatformV1, Registers: []string{"snp"}},
			m2:      &Measurement{Type: SevGuestV2, Registers: []string{"other"}},
			wantErr: "SNP measurement mismatch",
		},
		{
			name:    "incomparable types",
			m1:      &Measurement{Type: SevGuestV1, Registers: []string{"snp"}},
			m2:      &Measurement{Type: SevGuestV2, Registers: []string{"snp"}},
			wantErr: "format mismatch",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.m1.Equals(tc.m2)
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tc.wantErr)
			}
		})
	}
}

func TestMeasurementEqualsReflexive(t *testing.T) {
	m := &Measurement{Type: SnpTdxMultiPlatformV1, Registers: []string{"a", "b", "c"}}
	assert.NoError(t, m.Equals(m))
}

func TestFingerprint(t *testing.T) {
	single := &Measurement{Type: SevGuestV2, Registers: []string{"abc123"}}
	assert.Equal(t, "abc123", single.Fingerprint())

	multi := &Measurement{Type: SnpTdxMultiPlatformV1, Registers: []string{"a", "b"}}
	digest := sha256.Sum256([]byte(string(SnpTdxMultiPlatformV1) + "ab"))
	assert.Equal(t, hex.EncodeToString(digest[:]), multi.Fingerprint())
}

func TestDocumentHash(t *testing.T) {
	doc := &Document{Format: SevGuestV2, Body: "Ym9keQ=="}
	digest := sha256.Sum256([]byte(string(SevGuestV2) + "Ym9keQ=="))
	assert.Equal(t, hex.EncodeToString(digest[:]), doc.Hash())
}
