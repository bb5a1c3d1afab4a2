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

package testing

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/binary"

	"github.com/tinfoilsh/tinfoil-go/abi"
	"github.com/tinfoilsh/tinfoil-go/attestation"
	"github.com/tinfoilsh/tinfoil-go/kds"
)

// ReportOptions configures a fake attestation report. Zero values for every
// field except TCB produce a report that passes the default validation
// policy; a zero TCB is below the default minimum TCB and fails it.
type ReportOptions struct {
	// Policy defaults to the reserved bit plus SMT.
	Policy uint64
	// ReportData is copied into REPORT_DATA (up to 64 bytes).
	ReportData []byte
	// Measurement is copied into MEASUREMENT (up to 48 bytes).
	Measurement []byte
	// HWID is copied into CHIP_ID.
	HWID [kds.ChipIDSize]byte
	// TCB is used for the current, committed, reported, and launch TCB.
	TCB kds.TCBVersion
	// Build defaults to 21 for both current and committed.
	Build uint8
	// VersionMajor and VersionMinor default to 1.55.
	VersionMajor uint8
	VersionMinor uint8
}

// FakeReport builds a raw SEV-SNP report with plausible Genoa values. The
// SIGNATURE field is zero until signed.
func FakeReport(opts ReportOptions) []byte {
	report := make([]byte, abi.ReportSize)
	policy := opts.Policy
	if policy == 0 {
		policy = abi.SnpPolicyToBytes(abi.SnpPolicy{SMT: true})
	}
	build := opts.Build
	if build == 0 {
		build = 21
	}
	major, minor := opts.VersionMajor, opts.VersionMinor
	if major == 0 && minor == 0 {
		major, minor = 1, 55
	}
	tcb := uint64(opts.TCB)

	binary.LittleEndian.PutUint32(report[0x00:], 2) // version
	binary.LittleEndian.PutUint32(report[0x04:], 1) // guest SVN
	binary.LittleEndian.PutUint64(report[0x08:], policy)
	binary.LittleEndian.PutUint32(report[0x34:], abi.SignEcdsaP384Sha384)
	binary.LittleEndian.PutUint64(report[0x38:], tcb)  // current TCB
	binary.LittleEndian.PutUint64(report[0x40:], 0x01) // platform info: SMT enabled
	binary.LittleEndian.PutUint32(report[0x48:], 0)    // signer info: VCEK
	copy(report[0x50:0x90], opts.ReportData)           // report data
	copy(report[0x90:0xC0], opts.Measurement)          // measurement
	copy(report[0x1A0:0x1E0], opts.HWID[:])            // chip ID
	binary.LittleEndian.PutUint64(report[0x180:], tcb) // reported TCB
	binary.LittleEndian.PutUint64(report[0x1E0:], tcb) // committed TCB
	report[0x1E8], report[0x1E9], report[0x1EA] = build, minor, major
	report[0x1EC], report[0x1ED], report[0x1EE] = build, minor, major
	binary.LittleEndian.PutUint64(report[0x1F0:], tcb) // launch TCB
	return report
}

// MakeDocument wraps raw report bytes in an attestation document of the
// given format, compressing the body for every format after SevGuestV1.
func MakeDocument(format attestation.PredicateType, report []byte) attestation.Document {
	body := report
	if format != attestation.SevGuestV1 {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		zw.Write(report)
		zw.Close()
		body = buf.Bytes()
	}
	return attestation.Document{
		Format: format,
		Body:   base64.StdEncoding.EncodeToString(body),
	}
}
