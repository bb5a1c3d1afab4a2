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

package kds

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCBRoundTrip(t *testing.T) {
	parts := TCBParts{BlSpl: 0x7, TeeSpl: 0x1, SnpSpl: 0xe, UcodeSpl: 0x48}
	tcb, err := ComposeTCBParts(parts)
	require.NoError(t, err)
	want := TCBVersion(uint64(0x7) | (uint64(0x1) << 8) | (uint64(0xe) << 48) | (uint64(0x48) << 56))
	assert.Equal(t, want, tcb)
	assert.Equal(t, parts, DecomposeTCBVersion(tcb))
}

func TestComposeTCBPartsRange(t *testing.T) {
	_, err := ComposeTCBParts(TCBParts{SnpSpl: 128})
	assert.ErrorContains(t, err, "SnpSpl")
	// UcodeSpl may use the full byte.
	_, err = ComposeTCBParts(TCBParts{UcodeSpl: 255})
	assert.NoError(t, err)
}

func TestTCBPartsLE(t *testing.T) {
	tests := []struct {
		name string
		tcb0 TCBParts
		tcb1 TCBParts
		want bool
	}{
		{
			name: "equal",
			tcb0: TCBParts{BlSpl: 1, TeeSpl: 2, SnpSpl: 3, UcodeSpl: 4},
			tcb1: TCBParts{BlSpl: 1, TeeSpl: 2, SnpSpl: 3, UcodeSpl: 4},
			want: true,
		},
		{
			name: "all less",
			tcb0: TCBParts{BlSpl: 1, SnpSpl: 3, UcodeSpl: 4},
			tcb1: TCBParts{BlSpl: 2, TeeSpl: 2, SnpSpl: 4, UcodeSpl: 9},
			want: true,
		},
		{
			name: "one component greater",
			tcb0: TCBParts{BlSpl: 1, SnpSpl: 5, UcodeSpl: 4},
			tcb1: TCBParts{BlSpl: 2, TeeSpl: 2, SnpSpl: 4, UcodeSpl: 9},
			want: false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, TCBPartsLE(tc.tcb0, tc.tcb1))
		})
	}
}

func TestVCEKCertURL(t *testing.T) {
	hwid := bytes.Repeat([]byte{0xab}, ChipIDSize)
	tcb, err := ComposeTCBParts(TCBParts{BlSpl: 7, SnpSpl: 14, UcodeSpl: 72})
	require.NoError(t, err)
	url := VCEKCertURL("", hwid, tcb)
	assert.Contains(t, url, "https://kds-proxy.tinfoil.sh/vcek/v1/Genoa/")
	assert.Contains(t, url, "blSPL=7")
	assert.Contains(t, url, "teeSPL=0")
	assert.Contains(t, url, "snpSPL=14")
	assert.Contains(t, url, "ucodeSPL=72")

	parsed, err := ParseVCEKCertURL(url)
	require.NoError(t, err)
	assert.Equal(t, "Genoa", parsed.ProductLine)
	assert.Equal(t, hwid, parsed.HWID)
	assert.Equal(t, uint64(tcb), parsed.TCB)
}

func TestParseVCEKCertURLRejectsHTTP(t *testing.T) {
	_, err := ParseVCEKCertURL("http://kds-proxy.tinfoil.sh/vcek/v1/Genoa/ab")
	assert.ErrorContains(t, err, "scheme")
}
