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

package verify_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509/pkix"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinfoilsh/tinfoil-go/abi"
	"github.com/tinfoilsh/tinfoil-go/kds"
	tftest "github.com/tinfoilsh/tinfoil-go/testing"
	"github.com/tinfoilsh/tinfoil-go/verify"
)

var testHWID = func() (h [kds.ChipIDSize]byte) {
	for i := range h {
		h[i] = byte(i)
	}
	return
}()

func testTCB(t *testing.T) kds.TCBVersion {
	t.Helper()
	tcb, err := kds.ComposeTCBParts(kds.TCBParts{BlSpl: 0x7, SnpSpl: 0xe, UcodeSpl: 0x48})
	require.NoError(t, err)
	return tcb
}

func testChain(t *testing.T, builder *tftest.AmdSignerBuilder) (*verify.CertificateChain, *tftest.AmdSigner) {
	t.Helper()
	if builder == nil {
		builder = &tftest.AmdSignerBuilder{HWID: testHWID, TCB: testTCB(t)}
	}
	signer, err := builder.TestOnlyCertChain()
	require.NoError(t, err)
	exts, err := kds.VcekCertificateExtensions(signer.Vcek)
	require.NoError(t, err)
	return &verify.CertificateChain{
		Ark:        signer.Ark,
		Ask:        signer.Ask,
		Vcek:       signer.Vcek,
		Extensions: exts,
	}, signer
}

func TestVerifyChain(t *testing.T) {
	chain, _ := testChain(t, nil)
	require.NoError(t, chain.Verify(time.Now()))
	// Repeated invocations are pure.
	require.NoError(t, chain.Verify(time.Now()))
}

func TestVerifyChainExpired(t *testing.T) {
	chain, _ := testChain(t, nil)
	assert.ErrorContains(t, chain.Verify(time.Now().Add(26*365*24*time.Hour)), "not valid at")
}

func TestVerifyChainWrongCommonName(t *testing.T) {
	badName := pkix.Name{
		Organization:       []string{"Advanced Micro Devices"},
		Country:            []string{"US"},
		OrganizationalUnit: []string{"Engineering"},
		Locality:           []string{"Santa Clara"},
		Province:           []string{"CA"},
		CommonName:         "SEV-Milan",
	}
	builder := &tftest.AmdSignerBuilder{
		HWID:      testHWID,
		TCB:       testTCB(t),
		AskCustom: &tftest.CertOverride{Subject: &badName},
	}
	chain, _ := testChain(t, builder)
	assert.ErrorContains(t, chain.Verify(time.Now()), "common-name")
}

func TestVerifyChainWrongLocation(t *testing.T) {
	badName := pkix.Name{
		Organization:       []string{"Advanced Micro Devices"},
		Country:            []string{"US"},
		OrganizationalUnit: []string{"Engineering"},
		Locality:           []string{"Austin"},
		Province:           []string{"TX"},
		CommonName:         "ARK-Genoa",
	}
	builder := &tftest.AmdSignerBuilder{
		HWID:      testHWID,
		TCB:       testTCB(t),
		ArkCustom: &tftest.CertOverride{Subject: &badName, Issuer: &badName},
	}
	chain, _ := testChain(t, builder)
	assert.Error(t, chain.Verify(time.Now()))
}

func TestVerifyChainForeignVcek(t *testing.T) {
	// A VCEK signed by a different ASK must not verify.
	chainA, _ := testChain(t, nil)
	other := &tftest.AmdSignerBuilder{
		Keys: func() *tftest.AmdKeys {
			keys := *tftest.DefaultAmdKeys()
			ask, err := rsaGenerate()
			require.NoError(t, err)
			keys.Ask = ask
			return &keys
		}(),
		HWID: testHWID,
		TCB:  testTCB(t),
	}
	chainB, _ := testChain(t, other)
	mixed := &verify.CertificateChain{
		Ark:        chainA.Ark,
		Ask:        chainA.Ask,
		Vcek:       chainB.Vcek,
		Extensions: chainB.Extensions,
	}
	assert.ErrorContains(t, mixed.Verify(time.Now()), "VCEK is not signed by ASK")
}

func TestVcekProductName(t *testing.T) {
	builder := &tftest.AmdSignerBuilder{
		HWID:        testHWID,
		TCB:         testTCB(t),
		ProductName: "Milan",
	}
	chain, _ := testChain(t, builder)
	assert.ErrorContains(t, chain.Verify(time.Now()), `product name is "Milan"`)
}

func TestVcekRejectsCspID(t *testing.T) {
	exts := tftest.CustomExtensions(kds.DecomposeTCBVersion(testTCB(t)), testHWID[:], "Genoa")
	cspID := pkix.Extension{Id: kds.OidCspID, Value: []byte{0x16, 0x03, 'A', 'W', 'S'}}
	builder := &tftest.AmdSignerBuilder{
		HWID:       testHWID,
		TCB:        testTCB(t),
		VcekCustom: &tftest.CertOverride{Extensions: append(exts, cspID)},
	}
	signer, err := builder.TestOnlyCertChain()
	require.NoError(t, err)
	_, err = kds.VcekCertificateExtensions(signer.Vcek)
	assert.ErrorContains(t, err, "VLEK")
}

func TestTCBBinding(t *testing.T) {
	chain, signer := testChain(t, nil)
	report := parseFakeReport(t, tftest.ReportOptions{HWID: signer.HWID, TCB: signer.TCB})
	assert.NoError(t, chain.CheckTCBBinding(report))

	report.ReportedTcb++
	assert.ErrorContains(t, chain.CheckTCBBinding(report), "REPORTED_TCB")
}

func TestHWIDBinding(t *testing.T) {
	chain, signer := testChain(t, nil)
	report := parseFakeReport(t, tftest.ReportOptions{HWID: signer.HWID, TCB: signer.TCB})
	assert.NoError(t, chain.CheckHWIDBinding(report))

	report.ChipID[0] ^= 0xff
	assert.ErrorContains(t, chain.CheckHWIDBinding(report), "HWID")
}

func TestHWIDBindingMaskedChipKey(t *testing.T) {
	chain, signer := testChain(t, nil)
	report := parseFakeReport(t, tftest.ReportOptions{TCB: signer.TCB})
	report.SignerInfo = 1 // MASK_CHIP_KEY
	assert.NoError(t, chain.CheckHWIDBinding(report))

	report.ChipID[0] = 1
	assert.ErrorContains(t, chain.CheckHWIDBinding(report), "all zeros")
}

func TestSnpReportSignature(t *testing.T) {
	_, signer := testChain(t, nil)
	raw := tftest.FakeReport(tftest.ReportOptions{HWID: signer.HWID, TCB: signer.TCB})
	require.NoError(t, signer.Sign(raw))
	assert.NoError(t, verify.SnpReportSignature(raw, signer.Vcek))

	raw[0x90] ^= 0xff // tamper with the measurement
	assert.ErrorContains(t, verify.SnpReportSignature(raw, signer.Vcek), "signature verification")
}

func TestFromReportRejectsNonVcekSigner(t *testing.T) {
	report := parseFakeReport(t, tftest.ReportOptions{TCB: testTCB(t)})
	report.SignerInfo = 7 << 2 // NoneReportSigner
	_, err := verify.FromReport(context.Background(), report, nil, verify.DefaultOptions())
	assert.ErrorContains(t, err, "require VCEK")
}

func TestFromReportFetchesVcek(t *testing.T) {
	_, signer := testChain(t, nil)
	report := parseFakeReport(t, tftest.ReportOptions{HWID: signer.HWID, TCB: signer.TCB})
	url := kds.VCEKCertURL("", report.ChipID, kds.TCBVersion(report.ReportedTcb))
	getter := &tftest.Getter{Responses: map[string][]byte{url: signer.Vcek.Raw}}
	chain, err := verify.FromReport(context.Background(), report, nil, &verify.Options{
		Getter: getter,
		Roots:  signer.Roots(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, getter.CallCount(url))
	assert.NoError(t, chain.Verify(time.Now()))
}

func rsaGenerate() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

func parseFakeReport(t *testing.T, opts tftest.ReportOptions) *abi.Report {
	t.Helper()
	report, err := abi.ParseReport(tftest.FakeReport(opts))
	require.NoError(t, err)
	return report
}
