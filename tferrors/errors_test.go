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

package tferrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	fetch := Fetch("https://example.com", errors.New("connection refused"))
	assert.True(t, IsFetch(fetch))
	assert.False(t, IsAttestation(fetch))
	assert.False(t, IsConfiguration(fetch))

	att := Attestation("bad signature")
	assert.True(t, IsAttestation(att))
	assert.False(t, IsFetch(att))

	cfg := Configuration("missing option")
	assert.True(t, IsConfiguration(cfg))
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	inner := FetchStatus("https://example.com", 503)
	wrapped := fmt.Errorf("assembling bundle: %w", inner)
	assert.True(t, IsFetch(wrapped))
}

func TestCauseChainPreserved(t *testing.T) {
	cause := errors.New("asn1 parse failure")
	err := AttestationWrap("could not parse VCEK certificate", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "could not parse VCEK certificate")
	assert.Contains(t, err.Error(), "asn1 parse failure")
}

func TestAttestationWrapNil(t *testing.T) {
	assert.NoError(t, AttestationWrap("anything", nil))
}
