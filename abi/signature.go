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

package abi

import (
	"encoding/asn1"
	"math/big"

	"github.com/tinfoilsh/tinfoil-go/tferrors"
)

func errReportTooSmall(n int) error {
	return tferrors.Attestation("report size is %d bytes, require at least %d bytes", n, ReportSize)
}

func bigIntFromLE(le []byte) *big.Int {
	be := make([]byte, len(le))
	for i, b := range le {
		be[len(le)-1-i] = b
	}
	return new(big.Int).SetBytes(be)
}

type ecdsaSignature struct {
	R, S *big.Int
}

func asn1MarshalECDSA(r, s *big.Int) ([]byte, error) {
	return asn1.Marshal(ecdsaSignature{R: r, S: s})
}

// SetSignature writes the R, S pair into a raw report's SIGNATURE field in
// the little-endian zero-padded ABI encoding. Used by test report builders.
func SetSignature(r, s *big.Int, report []byte) error {
	if len(report) < ReportSize {
		return errReportTooSmall(len(report))
	}
	sig := report[signatureOffset:ReportSize]
	for i := range sig {
		sig[i] = 0
	}
	putLE(sig[0:ecdsaRSSize], r)
	putLE(sig[ecdsaRSSize:2*ecdsaRSSize], s)
	return nil
}

func putLE(dst []byte, v *big.Int) {
	be := v.Bytes()
	for i, b := range be {
		dst[len(be)-1-i] = b
	}
}
