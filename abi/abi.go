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

// Package abi parses the binary layout of AMD SEV-SNP attestation reports
// as documented in the SEV Secure Nested Paging Firmware ABI Specification
// (AMD publication #56860).
package abi

import (
	"encoding/binary"
	"fmt"

	"github.com/tinfoilsh/tinfoil-go/tferrors"
)

const (
	// ReportSize is the ABI-level byte size of an SEV-SNP attestation report.
	ReportSize = 0x4A0

	// ReportDataSize is the byte size of the REPORT_DATA field.
	ReportDataSize = 64
	// FamilyIDSize is the byte size of the FAMILY_ID field.
	FamilyIDSize = 16
	// ImageIDSize is the byte size of the IMAGE_ID field.
	ImageIDSize = 16
	// MeasurementSize is the byte size of the MEASUREMENT field.
	MeasurementSize = 48
	// HostDataSize is the byte size of the HOST_DATA field.
	HostDataSize = 32
	// IDKeyDigestSize is the byte size of the ID_KEY_DIGEST field.
	IDKeyDigestSize = 48
	// AuthorKeyDigestSize is the byte size of the AUTHOR_KEY_DIGEST field.
	AuthorKeyDigestSize = 48
	// ReportIDSize is the byte size of the REPORT_ID field.
	ReportIDSize = 32
	// ReportIDMASize is the byte size of the REPORT_ID_MA field.
	ReportIDMASize = 32
	// ChipIDSize is the byte size of the CHIP_ID field.
	ChipIDSize = 64
	// SignatureSize is the byte size of the SIGNATURE field.
	SignatureSize = 512

	signatureOffset = 0x2A0
	ecdsaRSSize     = 72

	// SignEcdsaP384Sha384 is the only signature algorithm the SNP firmware
	// uses for attestation reports.
	SignEcdsaP384Sha384 = 1

	policyReserved1Bit = uint64(1) << 17
	policySMTBit       = uint64(1) << 16
	maxPolicyBit       = 25

	maxPlatformInfoBit = 6
)

// Report is an SEV-SNP attestation report interpreted from its ABI format.
// Bit-packed fields (POLICY, PLATFORM_INFO, SIGNER_INFO) are kept in their
// packed form and materialized on demand through ParseSnpPolicy,
// ParseSnpPlatformInfo, and ParseSignerInfo.
type Report struct {
	Version         uint32
	GuestSvn        uint32
	Policy          uint64
	FamilyID        []byte
	ImageID         []byte
	Vmpl            uint32
	SignatureAlgo   uint32
	CurrentTcb      uint64
	PlatformInfo    uint64
	SignerInfo      uint32
	ReportData      []byte
	Measurement     []byte
	HostData        []byte
	IDKeyDigest     []byte
	AuthorKeyDigest []byte
	ReportID        []byte
	ReportIDMA      []byte
	ReportedTcb     uint64
	ChipID          []byte
	CommittedTcb    uint64
	CurrentBuild    uint8
	CurrentMinor    uint8
	CurrentMajor    uint8
	CommittedBuild  uint8
	CommittedMinor  uint8
	CommittedMajor  uint8
	LaunchTcb       uint64
	Signature       []byte
}

// SnpPolicy represents the bitmask guest policy that launch requires.
type SnpPolicy struct {
	ABIMinor             uint8
	ABIMajor             uint8
	SMT                  bool
	MigrateMA            bool
	Debug                bool
	SingleSocket         bool
	CXLAllowed           bool
	MemAES256XTS         bool
	RAPLDis              bool
	CiphertextHidingDRAM bool
	PageSwapDisabled     bool
}

// ParseSnpPolicy interprets the SEV-SNP API's guest policy bitmask into its
// component values.
func ParseSnpPolicy(guestPolicy uint64) (SnpPolicy, error) {
	result := SnpPolicy{}
	if guestPolicy&policyReserved1Bit == 0 {
		return result, tferrors.Attestation("policy[17] is reserved, must be 1, got 0")
	}
	validMask := uint64((1 << (maxPolicyBit + 1)) - 1)
	if guestPolicy&^validMask != 0 {
		return result, tferrors.Attestation("policy has reserved bits set: 0x%x", guestPolicy)
	}
	result.ABIMinor = uint8(guestPolicy & 0xff)
	result.ABIMajor = uint8((guestPolicy >> 8) & 0xff)
	result.SMT = (guestPolicy & policySMTBit) != 0
	result.MigrateMA = (guestPolicy & (1 << 18)) != 0
	result.Debug = (guestPolicy & (1 << 19)) != 0
	result.SingleSocket = (guestPolicy & (1 << 20)) != 0
	result.CXLAllowed = (guestPolicy & (1 << 21)) != 0
	result.MemAES256XTS = (guestPolicy & (1 << 22)) != 0
	result.RAPLDis = (guestPolicy & (1 << 23)) != 0
	result.CiphertextHidingDRAM = (guestPolicy & (1 << 24)) != 0
	result.PageSwapDisabled = (guestPolicy & (1 << 25)) != 0
	return result, nil
}

// SnpPolicyToBytes composes a guest policy bitmask from its component values.
func SnpPolicyToBytes(policy SnpPolicy) uint64 {
	result := policyReserved1Bit | uint64(policy.ABIMinor) | (uint64(policy.ABIMajor) << 8)
	setIf := func(bit uint, on bool) {
		if on {
			result |= uint64(1) << bit
		}
	}
	setIf(16, policy.SMT)
	setIf(18, policy.MigrateMA)
	setIf(19, policy.Debug)
	setIf(20, policy.SingleSocket)
	setIf(21, policy.CXLAllowed)
	setIf(22, policy.MemAES256XTS)
	setIf(23, policy.RAPLDis)
	setIf(24, policy.CiphertextHidingDRAM)
	setIf(25, policy.PageSwapDisabled)
	return result
}

// SnpPlatformInfo represents the PLATFORM_INFO field of an attestation
// report: configuration facts about the machine that produced it.
type SnpPlatformInfo struct {
	SMTEnabled                  bool
	TSMEEnabled                 bool
	ECCEnabled                  bool
	RAPLDisabled                bool
	CiphertextHidingDRAMEnabled bool
	AliasCheckComplete          bool
	TIOEnabled                  bool
}

// ParseSnpPlatformInfo returns the interpretation of the given platform
// info bitmask, or an error for unrecognized bits.
func ParseSnpPlatformInfo(platformInfo uint64) (SnpPlatformInfo, error) {
	result := SnpPlatformInfo{
		SMTEnabled:                  (platformInfo & (1 << 0)) != 0,
		TSMEEnabled:                 (platformInfo & (1 << 1)) != 0,
		ECCEnabled:                  (platformInfo & (1 << 2)) != 0,
		RAPLDisabled:                (platformInfo & (1 << 3)) != 0,
		CiphertextHidingDRAMEnabled: (platformInfo & (1 << 4)) != 0,
		AliasCheckComplete:          (platformInfo & (1 << 5)) != 0,
		TIOEnabled:                  (platformInfo & (1 << 6)) != 0,
	}
	reserved := platformInfo &^ uint64((1<<(maxPlatformInfoBit+1))-1)
	if reserved != 0 {
		return result, tferrors.Attestation("unrecognized platform info bits: 0x%x", platformInfo)
	}
	return result, nil
}

// ReportSigner represents which kind of key is expected to have signed the
// attestation report.
type ReportSigner uint8

const (
	// VcekReportSigner is the SIGNING_KEY value for the Versioned Chip
	// Endorsement Key.
	VcekReportSigner ReportSigner = iota
	// VlekReportSigner is the SIGNING_KEY value for the Versioned Loaded
	// Endorsement Key.
	VlekReportSigner
	// NoneReportSigner is the SIGNING_KEY value for an unsigned report.
	NoneReportSigner = 7
)

// String interprets the report signer kind as a short key name.
func (k ReportSigner) String() string {
	switch k {
	case VcekReportSigner:
		return "VCEK"
	case VlekReportSigner:
		return "VLEK"
	case NoneReportSigner:
		return "None"
	}
	return fmt.Sprintf("Unknown(%d)", k)
}

// SignerInfo represents the SIGNER_INFO field of an attestation report.
type SignerInfo struct {
	// SigningKey is the key kind that signed the report.
	SigningKey ReportSigner
	// MaskChipKey is true if the CHIP_ID field is forced to all zeros.
	MaskChipKey bool
	// AuthorKeyEn is true if the VM was launched with an ID block signed by
	// an author key.
	AuthorKeyEn bool
}

// ParseSignerInfo interprets the SIGNER_INFO field's bitmask.
func ParseSignerInfo(signerInfo uint32) (SignerInfo, error) {
	result := SignerInfo{}
	if signerInfo&^uint32(0x1f) != 0 {
		return result, tferrors.Attestation("signer info has reserved bits set: 0x%x", signerInfo)
	}
	result.MaskChipKey = (signerInfo & 1) != 0
	result.AuthorKeyEn = (signerInfo & 2) != 0
	key := ReportSigner((signerInfo >> 2) & 0x7)
	switch key {
	case VcekReportSigner, VlekReportSigner, NoneReportSigner:
		result.SigningKey = key
	default:
		return result, tferrors.Attestation("signer info signing key %d is undefined", key)
	}
	return result, nil
}

// ValidateReportFormat checks the structural wellformedness of a raw report.
func ValidateReportFormat(data []byte) error {
	if len(data) < ReportSize {
		return tferrors.Attestation("report size is %d bytes, require at least %d bytes", len(data), ReportSize)
	}
	version := binary.LittleEndian.Uint32(data[0x00:0x04])
	if version != 2 && version != 3 {
		return tferrors.Attestation("report version is %d, require 2 or 3", version)
	}
	return nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// ParseReport interprets the raw ABI bytes of an attestation report. Fixed
// field offsets are shared by report versions 2 and 3; any other version
// fails.
func ParseReport(data []byte) (*Report, error) {
	if err := ValidateReportFormat(data); err != nil {
		return nil, err
	}
	r := &Report{
		Version:         binary.LittleEndian.Uint32(data[0x00:0x04]),
		GuestSvn:        binary.LittleEndian.Uint32(data[0x04:0x08]),
		Policy:          binary.LittleEndian.Uint64(data[0x08:0x10]),
		FamilyID:        clone(data[0x10:0x20]),
		ImageID:         clone(data[0x20:0x30]),
		Vmpl:            binary.LittleEndian.Uint32(data[0x30:0x34]),
		SignatureAlgo:   binary.LittleEndian.Uint32(data[0x34:0x38]),
		CurrentTcb:      binary.LittleEndian.Uint64(data[0x38:0x40]),
		PlatformInfo:    binary.LittleEndian.Uint64(data[0x40:0x48]),
		SignerInfo:      binary.LittleEndian.Uint32(data[0x48:0x4C]),
		ReportData:      clone(data[0x50:0x90]),
		Measurement:     clone(data[0x90:0xC0]),
		HostData:        clone(data[0xC0:0xE0]),
		IDKeyDigest:     clone(data[0xE0:0x110]),
		AuthorKeyDigest: clone(data[0x110:0x140]),
		ReportID:        clone(data[0x140:0x160]),
		ReportIDMA:      clone(data[0x160:0x180]),
		ReportedTcb:     binary.LittleEndian.Uint64(data[0x180:0x188]),
		ChipID:          clone(data[0x1A0:0x1E0]),
		CommittedTcb:    binary.LittleEndian.Uint64(data[0x1E0:0x1E8]),
		CurrentBuild:    data[0x1E8],
		CurrentMinor:    data[0x1E9],
		CurrentMajor:    data[0x1EA],
		CommittedBuild:  data[0x1EC],
		CommittedMinor:  data[0x1ED],
		CommittedMajor:  data[0x1EE],
		LaunchTcb:       binary.LittleEndian.Uint64(data[0x1F0:0x1F8]),
		Signature:       clone(data[signatureOffset:ReportSize]),
	}
	// Materialize once so a corrupt bitfield is caught at parse time.
	if _, err := ParseSnpPolicy(r.Policy); err != nil {
		return nil, err
	}
	if _, err := ParseSignerInfo(r.SignerInfo); err != nil {
		return nil, err
	}
	return r, nil
}

// SnpPolicy interprets the report's packed POLICY field.
func (r *Report) SnpPolicy() (SnpPolicy, error) {
	return ParseSnpPolicy(r.Policy)
}

// SnpPlatformInfo interprets the report's packed PLATFORM_INFO field.
func (r *Report) SnpPlatformInfo() (SnpPlatformInfo, error) {
	return ParseSnpPlatformInfo(r.PlatformInfo)
}

// SnpSignerInfo interprets the report's packed SIGNER_INFO field.
func (r *Report) SnpSignerInfo() (SignerInfo, error) {
	return ParseSignerInfo(r.SignerInfo)
}

// SignedComponent returns the part of the report protected by the
// attestation signature.
func SignedComponent(data []byte) []byte {
	return data[0:signatureOffset]
}

// ReportToSignatureDER returns the DER-encoded ECDSA signature of a raw
// report's SIGNATURE field. The ABI stores R and S in little endian order,
// zero-padded to 72 bytes each.
func ReportToSignatureDER(data []byte) ([]byte, error) {
	if len(data) < ReportSize {
		return nil, tferrors.Attestation("report too small for a signature: %d bytes", len(data))
	}
	algo := SignatureAlgo(data)
	if algo != SignEcdsaP384Sha384 {
		return nil, tferrors.Attestation("unknown signature algorithm: %d", algo)
	}
	sig := data[signatureOffset:ReportSize]
	r := bigIntFromLE(sig[0:ecdsaRSSize])
	s := bigIntFromLE(sig[ecdsaRSSize : 2*ecdsaRSSize])
	return asn1MarshalECDSA(r, s)
}

// SignatureAlgo returns the SignatureAlgo field of a raw attestation report.
func SignatureAlgo(data []byte) uint32 {
	return binary.LittleEndian.Uint32(data[0x34:0x38])
}
