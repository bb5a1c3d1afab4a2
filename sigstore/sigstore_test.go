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

package sigstore

import (
	"strings"
	"testing"

	in_toto "github.com/in-toto/attestation/go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tinfoilsh/tinfoil-go/attestation"
)

const testDigest = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func statementFor(t *testing.T, digest, predicateType, snpMeasurement string) *in_toto.Statement {
	t.Helper()
	predicate, err := structpb.NewStruct(map[string]any{
		"snp_measurement": snpMeasurement,
	})
	require.NoError(t, err)
	return &in_toto.Statement{
		Type:          "https://in-toto.io/Statement/v1",
		PredicateType: predicateType,
		Subject: []*in_toto.ResourceDescriptor{
			{Name: "guest.eif", Digest: map[string]string{"sha256": digest}},
		},
		Predicate: predicate,
	}
}

func TestExtractMeasurement(t *testing.T) {
	statement := statementFor(t, testDigest, string(attestation.SnpTdxMultiPlatformV1), "abc123")
	m, err := extractMeasurement(statement, testDigest)
	require.NoError(t, err)
	assert.Equal(t, attestation.SnpTdxMultiPlatformV1, m.Type)
	assert.Equal(t, []string{"abc123"}, m.Registers)
}

func TestExtractMeasurementDigestCaseInsensitive(t *testing.T) {
	statement := statementFor(t, strings.ToUpper(testDigest), string(attestation.SnpTdxMultiPlatformV1), "abc123")
	_, err := extractMeasurement(statement, testDigest)
	assert.NoError(t, err)
}

func TestExtractMeasurementDigestMismatch(t *testing.T) {
	statement := statementFor(t, strings.Repeat("aa", 32), string(attestation.SnpTdxMultiPlatformV1), "abc123")
	_, err := extractMeasurement(statement, testDigest)
	assert.ErrorContains(t, err, "does not match release digest")
}

func TestExtractMeasurementUnsupportedPredicate(t *testing.T) {
	statement := statementFor(t, testDigest, "https://slsa.dev/provenance/v1", "abc123")
	_, err := extractMeasurement(statement, testDigest)
	assert.ErrorContains(t, err, "unsupported predicate type")
}

func TestExtractMeasurementMissingPredicateKey(t *testing.T) {
	statement := statementFor(t, testDigest, string(attestation.SnpTdxMultiPlatformV1), "abc123")
	delete(statement.Predicate.Fields, "snp_measurement")
	_, err := extractMeasurement(statement, testDigest)
	assert.ErrorContains(t, err, "no snp_measurement")
}

func TestHexDigestBytes(t *testing.T) {
	digest, err := hexDigestBytes(testDigest)
	require.NoError(t, err)
	assert.Len(t, digest, 32)

	_, err = hexDigestBytes("zz")
	assert.ErrorContains(t, err, "not hex")

	_, err = hexDigestBytes("abcd")
	assert.ErrorContains(t, err, "32")
}
