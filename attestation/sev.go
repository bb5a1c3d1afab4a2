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
	"context"
	"encoding/hex"
	"time"

	"github.com/tinfoilsh/tinfoil-go/abi"
	"github.com/tinfoilsh/tinfoil-go/tferrors"
	"github.com/tinfoilsh/tinfoil-go/validate"
	"github.com/tinfoilsh/tinfoil-go/verify"
)

// Verification is the trusted data extracted from a verified attestation
// document.
type Verification struct {
	// Measurement is the launch measurement committed by the hardware.
	Measurement *Measurement
	// TLSPublicKeyFP is the hex SHA-256 fingerprint of the enclave's TLS
	// public key, bound through the first half of REPORT_DATA.
	TLSPublicKeyFP string
	// HPKEPublicKey is the hex encoding of the enclave's HPKE public key,
	// bound through the second half of REPORT_DATA.
	HPKEPublicKey string
}

// Verify checks the document's SEV-SNP report end to end: certificate
// chain, report signature, TCB and HWID bindings, and the default
// validation policy. vcekDER may be empty, in which case the VCEK is
// fetched from the KDS proxy.
func (d *Document) Verify(ctx context.Context, vcekDER []byte, opts *verify.Options) (*Verification, error) {
	raw, err := d.ReportBytes()
	if err != nil {
		return nil, err
	}
	report, err := abi.ParseReport(raw)
	if err != nil {
		return nil, err
	}
	chain, err := verify.FromReport(ctx, report, vcekDER, opts)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if opts != nil && !opts.Now.IsZero() {
		now = opts.Now
	}
	if err := chain.Verify(now); err != nil {
		return nil, err
	}
	if err := chain.CheckTCBBinding(report); err != nil {
		return nil, err
	}
	if err := chain.CheckHWIDBinding(report); err != nil {
		return nil, err
	}
	if err := verify.SnpReportSignature(raw, chain.Vcek); err != nil {
		return nil, err
	}
	if err := validate.SnpReport(report, validate.DefaultOptions()); err != nil {
		return nil, err
	}
	if len(report.ReportData) != abi.ReportDataSize {
		return nil, tferrors.Attestation("report data has unexpected size %d", len(report.ReportData))
	}
	return &Verification{
		Measurement: &Measurement{
			Type:      d.Format,
			Registers: []string{hex.EncodeToString(report.Measurement)},
		},
		TLSPublicKeyFP: hex.EncodeToString(report.ReportData[:32]),
		HPKEPublicKey:  hex.EncodeToString(report.ReportData[32:]),
	}, nil
}
