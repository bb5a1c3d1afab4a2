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

// Package validate checks attestation report properties other than
// signature verification: guest policy, platform info, firmware versions,
// TCB levels, and verbatim field expectations.
package validate

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/tinfoilsh/tinfoil-go/abi"
	"github.com/tinfoilsh/tinfoil-go/kds"
	"github.com/tinfoilsh/tinfoil-go/tferrors"
)

// Options represents validation options for an SEV-SNP attestation report.
// Any option left at its zero value (nil for byte fields and pointers) is
// skipped.
type Options struct {
	// GuestPolicy is the maximum of acceptable guest policies.
	GuestPolicy abi.SnpPolicy
	// MinimumGuestSvn is the minimum acceptable GUEST_SVN value.
	MinimumGuestSvn uint32
	// ReportData is the expected REPORT_DATA field. Must be nil or 64 bytes long.
	ReportData []byte
	// HostData is the expected HOST_DATA field. Must be nil or 32 bytes long.
	HostData []byte
	// ImageID is the expected IMAGE_ID field. Must be nil or 16 bytes long.
	ImageID []byte
	// FamilyID is the expected FAMILY_ID field. Must be nil or 16 bytes long.
	FamilyID []byte
	// ReportID is the expected REPORT_ID field. Must be nil or 32 bytes long.
	ReportID []byte
	// ReportIDMA is the expected REPORT_ID_MA field. Must be nil or 32 bytes long.
	ReportIDMA []byte
	// Measurement is the expected MEASUREMENT field. Must be nil or 48 bytes long.
	Measurement []byte
	// ChipID is the expected CHIP_ID field. Must be nil or 64 bytes long.
	ChipID []byte
	// MinimumBuild is the minimum firmware build version, applied to both
	// the current and the committed build number.
	MinimumBuild uint8
	// MinimumVersion is the minimum firmware API version, where the MSB is
	// the major number and the LSB is the minor number. Applied to both the
	// current and the committed version.
	MinimumVersion uint16
	// MinimumTCB is the component-wise minimum for CURRENT_TCB,
	// COMMITTED_TCB, and REPORTED_TCB.
	MinimumTCB kds.TCBParts
	// MinimumLaunchTCB is the component-wise minimum for LAUNCH_TCB.
	MinimumLaunchTCB kds.TCBParts
	// PlatformInfo is the maximum of acceptable PLATFORM_INFO data. Not checked if nil.
	PlatformInfo *abi.SnpPlatformInfo
	// VMPL is the expected VMPL value, 0-3. Not checked if nil.
	VMPL *uint32
	// PermitProvisionalFirmware is not implemented for true. False requires
	// committed and current firmware values to match exactly.
	PermitProvisionalFirmware bool
	// RequireAuthorKey is not implemented. Setting it fails validation
	// loudly rather than silently ignoring the requirement.
	RequireAuthorKey bool
	// RequireIDBlock is not implemented. Setting it fails validation loudly.
	RequireIDBlock bool
}

// DefaultOptions returns the validation policy Tinfoil enclaves are held
// to. Callers may adjust the returned value; it is rebuilt on every call.
func DefaultOptions() *Options {
	return &Options{
		GuestPolicy: abi.SnpPolicy{
			SMT: true,
		},
		MinimumBuild:   21,
		MinimumVersion: (1 << 8) | 55, // 1.55
		MinimumTCB: kds.TCBParts{
			BlSpl:    0x7,
			TeeSpl:   0x0,
			SnpSpl:   0xe,
			UcodeSpl: 0x48,
		},
		MinimumLaunchTCB: kds.TCBParts{
			BlSpl:    0x7,
			TeeSpl:   0x0,
			SnpSpl:   0xe,
			UcodeSpl: 0x48,
		},
		PlatformInfo: &abi.SnpPlatformInfo{
			SMTEnabled:  true,
			TSMEEnabled: true,
		},
	}
}

// <0 if p0 < p1. 0 if p0 = p1. >0 if p0 > p1.
func compareByteVersions(major0, minor0, major1, minor1 uint8) int64 {
	version0 := (uint16(major0) << 8) | uint16(minor0)
	version1 := (uint16(major1) << 8) | uint16(minor1)
	return int64(version0) - int64(version1)
}

func validatePolicy(reportPolicy uint64, required abi.SnpPolicy) error {
	policy, err := abi.ParseSnpPolicy(reportPolicy)
	if err != nil {
		return fmt.Errorf("could not parse SNP policy: %v", err)
	}
	if compareByteVersions(required.ABIMajor, required.ABIMinor, policy.ABIMajor, policy.ABIMinor) > 0 {
		return fmt.Errorf(
			"required policy ABI version (%d.%d) is greater than the report's ABI version (%d.%d)",
			required.ABIMajor, required.ABIMinor, policy.ABIMajor, policy.ABIMinor)
	}
	// Capabilities the report may not enable unless the requirement allows.
	if !required.MigrateMA && policy.MigrateMA {
		return errors.New("found unauthorized migration agent capability")
	}
	if !required.Debug && policy.Debug {
		return errors.New("found unauthorized debug capability")
	}
	if !required.SMT && policy.SMT {
		return errors.New("found unauthorized symmetric multithreading (SMT) capability")
	}
	if !required.CXLAllowed && policy.CXLAllowed {
		return errors.New("found unauthorized CXL capability")
	}
	if !required.MemAES256XTS && policy.MemAES256XTS {
		return errors.New("found unauthorized AES-256-XTS memory encryption capability")
	}
	// Restrictions the report must carry when the requirement demands them.
	if required.SingleSocket && !policy.SingleSocket {
		return errors.New("required single socket restriction not present")
	}
	if required.MemAES256XTS && !policy.MemAES256XTS {
		return errors.New("required AES-256-XTS memory encryption restriction not present")
	}
	if required.RAPLDis && !policy.RAPLDis {
		return errors.New("required RAPL disable restriction not present")
	}
	if required.CiphertextHidingDRAM && !policy.CiphertextHidingDRAM {
		return errors.New("required ciphertext hiding restriction not present")
	}
	if required.PageSwapDisabled && !policy.PageSwapDisabled {
		return errors.New("required page swap disable restriction not present")
	}
	return nil
}

func validateByteField(option, field string, size int, given, required []byte) error {
	if len(required) == 0 {
		return nil
	}
	if len(required) != size {
		return fmt.Errorf("option %s must be nil or %d bytes", option, size)
	}
	if !bytes.Equal(required, given) {
		return fmt.Errorf("report field %s is %s. Expect %s",
			field, hex.EncodeToString(given), hex.EncodeToString(required))
	}
	return nil
}

func validateVerbatimFields(report *abi.Report, options *Options) error {
	return multierr.Combine(
		validateByteField("ReportData", "REPORT_DATA", abi.ReportDataSize, report.ReportData, options.ReportData),
		validateByteField("HostData", "HOST_DATA", abi.HostDataSize, report.HostData, options.HostData),
		validateByteField("FamilyID", "FAMILY_ID", abi.FamilyIDSize, report.FamilyID, options.FamilyID),
		validateByteField("ImageID", "IMAGE_ID", abi.ImageIDSize, report.ImageID, options.ImageID),
		validateByteField("ReportID", "REPORT_ID", abi.ReportIDSize, report.ReportID, options.ReportID),
		validateByteField("ReportIDMA", "REPORT_ID_MA", abi.ReportIDMASize, report.ReportIDMA, options.ReportIDMA),
		validateByteField("Measurement", "MEASUREMENT", abi.MeasurementSize, report.Measurement, options.Measurement),
		validateByteField("ChipID", "CHIP_ID", abi.ChipIDSize, report.ChipID, options.ChipID),
	)
}

func tcbMeetsMinimum(tcb kds.TCBVersion, minimum kds.TCBParts) bool {
	return kds.TCBPartsLE(minimum, kds.DecomposeTCBVersion(tcb))
}

func validateTcb(report *abi.Report, options *Options) error {
	for _, check := range []struct {
		field string
		value uint64
		min   kds.TCBParts
	}{
		{"CURRENT_TCB", report.CurrentTcb, options.MinimumTCB},
		{"COMMITTED_TCB", report.CommittedTcb, options.MinimumTCB},
		{"REPORTED_TCB", report.ReportedTcb, options.MinimumTCB},
		{"LAUNCH_TCB", report.LaunchTcb, options.MinimumLaunchTCB},
	} {
		if !tcbMeetsMinimum(kds.TCBVersion(check.value), check.min) {
			return fmt.Errorf("report field %s %x does not meet the minimum %+v", check.field, check.value, check.min)
		}
	}
	// The launch TCB should be less than or equal to the reported TCB on the machine.
	if report.LaunchTcb > report.ReportedTcb {
		return fmt.Errorf("report field LAUNCH_TCB %x is greater than its REPORTED_TCB %x",
			report.LaunchTcb, report.ReportedTcb)
	}
	if report.CommittedTcb > report.ReportedTcb {
		return fmt.Errorf("report field COMMITTED_TCB %x is greater than its REPORTED_TCB %x",
			report.CommittedTcb, report.ReportedTcb)
	}
	if !options.PermitProvisionalFirmware {
		if report.CurrentTcb != report.CommittedTcb {
			return fmt.Errorf("firmware's committed TCB %x does not match the current TCB %x",
				report.CommittedTcb, report.CurrentTcb)
		}
	}
	return nil
}

func validateVersion(report *abi.Report, options *Options) error {
	for _, check := range []struct {
		name  string
		build uint8
		major uint8
		minor uint8
	}{
		{"current", report.CurrentBuild, report.CurrentMajor, report.CurrentMinor},
		{"committed", report.CommittedBuild, report.CommittedMajor, report.CommittedMinor},
	} {
		if options.MinimumBuild > check.build {
			return fmt.Errorf("%s firmware build number %d is less than the required minimum %d",
				check.name, check.build, options.MinimumBuild)
		}
		if options.MinimumVersion > ((uint16(check.major) << 8) | uint16(check.minor)) {
			return fmt.Errorf("%s firmware API version (%d.%d) is less than the required minimum (%d.%d)",
				check.name, check.major, check.minor,
				options.MinimumVersion>>8, options.MinimumVersion&0xff)
		}
	}
	if !options.PermitProvisionalFirmware {
		if report.CommittedBuild != report.CurrentBuild {
			return fmt.Errorf("committed build number %d does not match the current build number %d",
				report.CommittedBuild, report.CurrentBuild)
		}
		if compareByteVersions(report.CommittedMajor, report.CommittedMinor,
			report.CurrentMajor, report.CurrentMinor) != 0 {
			return fmt.Errorf("committed API version (%d.%d) does not match the current API version (%d.%d)",
				report.CommittedMajor, report.CommittedMinor,
				report.CurrentMajor, report.CurrentMinor)
		}
	}
	return nil
}

func validatePlatformInfo(platformInfo uint64, required *abi.SnpPlatformInfo) error {
	if required == nil {
		return nil
	}
	reportInfo, err := abi.ParseSnpPlatformInfo(platformInfo)
	if err != nil {
		return fmt.Errorf("could not parse SNP platform info %x: %v", platformInfo, err)
	}
	// Capabilities the platform may not enable unless the requirement allows.
	if reportInfo.TSMEEnabled && !required.TSMEEnabled {
		return errors.New("unauthorized platform feature TSME enabled")
	}
	if reportInfo.SMTEnabled && !required.SMTEnabled {
		return errors.New("unauthorized platform feature SMT enabled")
	}
	if reportInfo.ECCEnabled && !required.ECCEnabled {
		return errors.New("unauthorized platform feature ECC enabled")
	}
	if reportInfo.TIOEnabled && !required.TIOEnabled {
		return errors.New("unauthorized platform feature TIO enabled")
	}
	// Restrictions the platform must carry when the requirement demands them.
	if required.RAPLDisabled && !reportInfo.RAPLDisabled {
		return errors.New("required platform restriction RAPL disable not present")
	}
	if required.CiphertextHidingDRAMEnabled && !reportInfo.CiphertextHidingDRAMEnabled {
		return errors.New("required platform feature ciphertext hiding not present")
	}
	if required.AliasCheckComplete && !reportInfo.AliasCheckComplete {
		return errors.New("required platform alias check not complete")
	}
	return nil
}

func validateGuestSvn(report *abi.Report, options *Options) error {
	if report.GuestSvn < options.MinimumGuestSvn {
		return fmt.Errorf("report field GUEST_SVN %d is less than the required minimum %d",
			report.GuestSvn, options.MinimumGuestSvn)
	}
	return nil
}

func validateVmpl(report *abi.Report, options *Options) error {
	if options.VMPL == nil {
		return nil
	}
	if *options.VMPL > 3 {
		return fmt.Errorf("option VMPL must be 0-3, got %d", *options.VMPL)
	}
	if report.Vmpl != *options.VMPL {
		return fmt.Errorf("report field VMPL %d is not %d", report.Vmpl, *options.VMPL)
	}
	return nil
}

func checkUnsupportedOptions(options *Options) error {
	if options.RequireAuthorKey {
		return errors.New("RequireAuthorKey is not yet implemented")
	}
	if options.RequireIDBlock {
		return errors.New("RequireIDBlock is not yet implemented")
	}
	if options.PermitProvisionalFirmware {
		return errors.New("PermitProvisionalFirmware is not yet implemented")
	}
	return nil
}

// SnpReport validates fields of a parsed attestation report against
// expectations. Does not check the attestation certificates or signature.
func SnpReport(report *abi.Report, options *Options) error {
	if options == nil {
		return tferrors.Attestation("options cannot be nil")
	}
	if err := checkUnsupportedOptions(options); err != nil {
		return tferrors.AttestationWrap("unsupported validation option", err)
	}
	if err := multierr.Combine(
		validatePolicy(report.Policy, options.GuestPolicy),
		validateGuestSvn(report, options),
		validateVerbatimFields(report, options),
		validateTcb(report, options),
		validateVersion(report, options),
		validatePlatformInfo(report.PlatformInfo, options.PlatformInfo),
		validateVmpl(report, options)); err != nil {
		return tferrors.AttestationWrap("report validation", err)
	}
	return nil
}
