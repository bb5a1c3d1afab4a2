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

package bundle_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinfoilsh/tinfoil-go/attestation"
	"github.com/tinfoilsh/tinfoil-go/bundle"
	"github.com/tinfoilsh/tinfoil-go/github"
	"github.com/tinfoilsh/tinfoil-go/kds"
	tftest "github.com/tinfoilsh/tinfoil-go/testing"
)

const (
	testHost   = "enclave.example.com"
	testRepo   = "tinfoilsh/confidential-inference-proxy"
	testDigest = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
)

// fixtureGetter wires every URL the assembler touches for a fake enclave.
func fixtureGetter(t *testing.T) (*tftest.Getter, attestation.Document) {
	t.Helper()
	var hwid [kds.ChipIDSize]byte
	for i := range hwid {
		hwid[i] = byte(i)
	}
	tcb, err := kds.ComposeTCBParts(kds.TCBParts{BlSpl: 0x7, SnpSpl: 0xe, UcodeSpl: 0x48})
	require.NoError(t, err)
	raw := tftest.FakeReport(tftest.ReportOptions{HWID: hwid, TCB: tcb})
	doc := tftest.MakeDocument(attestation.SevGuestV2, raw)
	docJSON, err := json.Marshal(doc)
	require.NoError(t, err)

	vcekURL := kds.VCEKCertURL("", hwid[:], tcb)
	getter := &tftest.Getter{Responses: map[string][]byte{
		"https://" + testHost + "/.well-known/tinfoil-attestation": docJSON,
		"https://" + testHost + "/.well-known/tinfoil-certificate": []byte(`{"certificate": "-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n"}`),
		github.DefaultAPIProxyBaseURL + "/repos/" + testRepo + "/releases/latest": []byte(
			`{"tag_name": "v1.0.0", "body": "EIF hash: ` + testDigest + `"}`),
		github.DefaultAPIProxyBaseURL + "/repos/" + testRepo + "/attestations/sha256:" + testDigest: []byte(
			`{"attestations": [{"bundle": {"mediaType": "application/vnd.dev.sigstore.bundle.v0.3+json"}}]}`),
		vcekURL: []byte{0x30, 0x82, 0x01, 0x00},
	}}
	return getter, doc
}

func TestFetchAssemblesBundle(t *testing.T) {
	getter, doc := fixtureGetter(t)
	assembler := &bundle.Assembler{Getter: getter}
	b, err := assembler.Fetch(context.Background(), testHost, testRepo)
	require.NoError(t, err)

	assert.Equal(t, testHost, b.Domain)
	assert.Equal(t, doc, b.EnclaveAttestationReport)
	assert.Equal(t, testDigest, b.Digest)
	assert.Contains(t, string(b.SigstoreBundle), "sigstore.bundle")
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0x30, 0x82, 0x01, 0x00}), b.VCEK)
	assert.Contains(t, b.EnclaveCert, "BEGIN CERTIFICATE")
}

func TestFetchRetriesTransientFailure(t *testing.T) {
	getter, _ := fixtureGetter(t)
	attURL := "https://" + testHost + "/.well-known/tinfoil-attestation"
	getter.FailFirst = map[string]int{attURL: 1}
	assembler := &bundle.Assembler{Getter: getter}
	_, err := assembler.Fetch(context.Background(), testHost, testRepo)
	require.NoError(t, err)
	// One failed call plus one successful retry.
	assert.Equal(t, 2, getter.CallCount(attURL))
}

func TestFetchAttemptBound(t *testing.T) {
	getter, _ := fixtureGetter(t)
	attURL := "https://" + testHost + "/.well-known/tinfoil-attestation"
	getter.FailFirst = map[string]int{attURL: 100}
	assembler := &bundle.Assembler{Getter: getter}
	_, err := assembler.Fetch(context.Background(), testHost, testRepo)
	require.Error(t, err)
	assert.Equal(t, 3, getter.CallCount(attURL))
}

func TestVCEKCacheServesRepeatFetches(t *testing.T) {
	getter, _ := fixtureGetter(t)
	var hwid [kds.ChipIDSize]byte
	for i := range hwid {
		hwid[i] = byte(i)
	}
	tcb, _ := kds.ComposeTCBParts(kds.TCBParts{BlSpl: 0x7, SnpSpl: 0xe, UcodeSpl: 0x48})
	vcekURL := kds.VCEKCertURL("", hwid[:], tcb)

	assembler := &bundle.Assembler{Getter: getter}
	_, err := assembler.Fetch(context.Background(), testHost, testRepo)
	require.NoError(t, err)
	_, err = assembler.Fetch(context.Background(), testHost, testRepo)
	require.NoError(t, err)
	assert.Equal(t, 1, getter.CallCount(vcekURL))
}

func TestFetchFromATC(t *testing.T) {
	want := bundle.AttestationBundle{
		Domain:      testHost,
		Digest:      testDigest,
		VCEK:        "AAAA",
		EnclaveCert: "pem",
	}
	payload, err := json.Marshal(want)
	require.NoError(t, err)

	var gotMethod string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		if r.Body != nil {
			buf := make([]byte, r.ContentLength)
			r.Body.Read(buf)
			gotBody = buf
		}
		w.Write(payload)
	}))
	defer server.Close()

	assembler := &bundle.Assembler{ATCBaseURL: server.URL}

	// Default selection uses GET.
	b, err := assembler.FetchFromATC(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, gotMethod)
	assert.Equal(t, want.Domain, b.Domain)

	// A custom enclave switches to POST with a JSON body.
	_, err = assembler.FetchFromATC(context.Background(), "https://custom.example.com", testRepo)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Contains(t, string(gotBody), `"enclaveUrl":"https://custom.example.com"`)
	assert.Contains(t, string(gotBody), `"repo":"`+testRepo+`"`)
}

func TestSelectRouter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/routers", r.URL.Path)
		assert.Equal(t, "snp", r.URL.Query().Get("platform"))
		w.Write([]byte(`["router1.tinfoil.sh", "router2.tinfoil.sh"]`))
	}))
	defer server.Close()

	assembler := &bundle.Assembler{ATCBaseURL: server.URL}
	router, err := assembler.SelectRouter(context.Background())
	require.NoError(t, err)
	assert.Contains(t, []string{"router1.tinfoil.sh", "router2.tinfoil.sh"}, router)
}
