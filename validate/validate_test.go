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

package validate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinfoilsh/tinfoil-go/abi"
	"github.com/tinfoilsh/tinfoil-go/kds"
	tftest "github.com/tinfoilsh/tinfoil-go/testing"
	"github.com/tinfoilsh/tinfoil-go/validate"
)

func goodTCB(t *testing.T) kds.TCBVersion {
	t.Helper()
	tcb, err := kds.ComposeTCBParts(kds.TCBParts{BlSpl: 0x7, SnpSpl: 0xe, UcodeSpl: 0x48})
	require.NoError(t, err)
	return tcb
}

func goodReport(t *testing.T, mutate func(opts *tftest.ReportOptions)) *abi.Report {
	t.Helper()
	opts := tftest.ReportOptions{TCB: goodTCB(t)}
	if mutate != nil {
		mutate(&opts)
	}
	report, err := abi.ParseReport(tftest.FakeReport(opts))
	require.NoError(t, err)
	return report
}

func TestDefaultOptionsAcceptGoodReport(t *testing.T) {
	assert.NoError(t, validate.SnpReport(goodReport(t, nil), validate.DefaultOptions()))
}

func TestPolicyViolations(t *testing.T) {
	tests := []struct {
		name    string
		policy  abi.SnpPolicy
		options func(*validate.Options)
		wantErr string
	}{
		{
			name:    "debug unauthorized",
			policy:  abi.SnpPolicy{SMT: true, Debug: true},
			wantErr: "unauthorized debug capability",
		},
		{
			name:    "migration agent unauthorized",
			policy:  abi.SnpPolicy{SMT: true, MigrateMA: true},
			wantErr: "unauthorized migration agent capability",
		},
		{
			name:    "smt unauthorized",
			policy:  abi.SnpPolicy{SMT: true},
			options: func(o *validate.Options) { o.GuestPolicy.SMT = false },
			wantErr: "unauthorized symmetric multithreading",
		},
		{
			name:    "cxl unauthorized",
			policy:  abi.SnpPolicy{SMT: true, CXLAllowed: true},
			wantErr: "unauthorized CXL capability",
		},
		{
			name:    "single socket required",
			policy:  abi.SnpPolicy{SMT: true},
			options: func(o *validate.Options) { o.GuestPolicy.SingleSocket = true },
			wantErr: "single socket restriction not present",
		},
		{
			name:    "page swap disable required",
			policy:  abi.SnpPolicy{SMT: true},
			options: func(o *validate.Options) { o.GuestPolicy.PageSwapDisabled = true },
			wantErr: "page swap disable restriction not present",
		},
		{
			name:    "abi version too old",
			policy:  abi.SnpPolicy{SMT: true, ABIMajor: 1, ABIMinor: 2},
			options: func(o *validate.Options) { o.GuestPolicy.ABIMajor = 1; o.GuestPolicy.ABIMinor = 3 },
			wantErr: "ABI version",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			report := goodReport(t, func(opts *tftest.ReportOptions) {
				opts.Policy = abi.SnpPolicyToBytes(tc.policy)
			})
			options := validate.DefaultOptions()
			if tc.options != nil {
				tc.options(options)
			}
			assert.ErrorContains(t, validate.SnpReport(report, options), tc.wantErr)
		})
	}
}

func TestVersionMinimums(t *testing.T) {
	report := goodReport(t, func(opts *tftest.ReportOptions) {
		opts.Build = 20
	})
	assert.ErrorContains(t, validate.SnpReport(report, validate.DefaultOptions()), "build number 20 is less than the required minimum 21")

	report = goodReport(t, func(opts *tftest.ReportOptions) {
		opts.VersionMajor, opts.VersionMinor = 1, 54
	})
	assert.ErrorContains(t, validate.SnpReport(report, validate.DefaultOptions()), "less than the required minimum (1.55)")
}

func TestTcbMinimums(t *testing.T) {
	lowTCB, err := kds.ComposeTCBParts(kds.TCBParts{BlSpl: 0x7, SnpSpl: 0xd, UcodeSpl: 0x48})
	require.NoError(t, err)
	report := goodReport(t, func(opts *tftest.ReportOptions) {
		opts.TCB = lowTCB
	})
	assert.ErrorContains(t, validate.SnpReport(report, validate.DefaultOptions()), "does not meet the minimum")
}

func TestVerbatimFields(t *testing.T) {
	report := goodReport(t, func(opts *tftest.ReportOptions) {
		opts.Measurement = []byte{1, 2, 3}
	})
	options := validate.DefaultOptions()
	options.Measurement = make([]byte, abi.MeasurementSize)
	assert.ErrorContains(t, validate.SnpReport(report, options), "MEASUREMENT")

	options = validate.DefaultOptions()
	options.Measurement = report.Measurement
	assert.NoError(t, validate.SnpReport(report, options))
}

func TestGuestSvnMinimum(t *testing.T) {
	options := validate.DefaultOptions()
	options.MinimumGuestSvn = 2
	assert.ErrorContains(t, validate.SnpReport(goodReport(t, nil), options), "GUEST_SVN")
}

func TestVmpl(t *testing.T) {
	options := validate.DefaultOptions()
	vmpl := uint32(0)
	options.VMPL = &vmpl
	assert.NoError(t, validate.SnpReport(goodReport(t, nil), options))

	bad := uint32(4)
	options.VMPL = &bad
	assert.ErrorContains(t, validate.SnpReport(goodReport(t, nil), options), "VMPL must be 0-3")
}

func TestUnsupportedOptionsFailLoudly(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*validate.Options)
	}{
		{"RequireAuthorKey", func(o *validate.Options) { o.RequireAuthorKey = true }},
		{"RequireIDBlock", func(o *validate.Options) { o.RequireIDBlock = true }},
		{"PermitProvisionalFirmware", func(o *validate.Options) { o.PermitProvisionalFirmware = true }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			options := validate.DefaultOptions()
			tc.mutate(options)
			assert.ErrorContains(t, validate.SnpReport(goodReport(t, nil), options), "not yet implemented")
		})
	}
}

func TestDefaultsAreFresh(t *testing.T) {
	a := validate.DefaultOptions()
	a.MinimumBuild = 99
	assert.Equal(t, uint8(21), validate.DefaultOptions().MinimumBuild)
}
