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

// Package kds defines values specified for the AMD Key Distribution Service:
// the x509v3 extensions of a VCEK certificate, the 64-bit TCB version
// packing, and the certificate request URL layout. Certificate fetches go
// through the Tinfoil KDS proxy rather than kdsintf.amd.com directly.
package kds

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/multierr"
)

// Encapsulates the rest of the fields after AMD's VCEK OID classifier prefix 1.3.6.1.4.1.3704.1.
type vcekOID struct {
	major int
	minor int
}

var (
	// OidStructVersion is the x509v3 extension for VCEK certificate struct version.
	OidStructVersion = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 3704, 1, 1})
	// OidProductName1 is the x509v3 extension for VCEK certificate product name.
	OidProductName1 = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 3704, 1, 2})
	// OidBlSpl is the x509v3 extension for VCEK certificate bootloader security patch level.
	OidBlSpl = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 3704, 1, 3, 1})
	// OidTeeSpl is the x509v3 extension for VCEK certificate TEE security patch level.
	OidTeeSpl = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 3704, 1, 3, 2})
	// OidSnpSpl is the x509v3 extension for VCEK certificate SNP security patch level.
	OidSnpSpl = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 3704, 1, 3, 3})
	// OidSpl4 is the x509v3 extension for VCEK certificate reserved security patch level.
	OidSpl4 = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 3704, 1, 3, 4})
	// OidSpl5 is the x509v3 extension for VCEK certificate reserved security patch level.
	OidSpl5 = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 3704, 1, 3, 5})
	// OidSpl6 is the x509v3 extension for VCEK certificate reserved security patch level.
	OidSpl6 = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 3704, 1, 3, 6})
	// OidSpl7 is the x509v3 extension for VCEK certificate reserved security patch level.
	OidSpl7 = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 3704, 1, 3, 7})
	// OidUcodeSpl is the x509v3 extension for VCEK microcode security patch level.
	OidUcodeSpl = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 3704, 1, 3, 8})
	// OidHwid is the x509v3 extension for VCEK certificate associated hardware identifier.
	OidHwid = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 3704, 1, 4})
	// OidCspID is the x509v3 extension that marks a VLEK certificate with its
	// cloud service provider. Its presence disqualifies a VCEK.
	OidCspID = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 3704, 1, 5})

	authorityKeyOid = asn1.ObjectIdentifier([]int{2, 5, 29, 35})
	// Short forms of the asn1 Object identifiers to use in map lookups, since []int are invalid key
	// types.
	vcekStructVersion = vcekOID{major: 1}
	vcekProductName1  = vcekOID{major: 2}
	vcekBlSpl         = vcekOID{major: 3, minor: 1}
	vcekTeeSpl        = vcekOID{major: 3, minor: 2}
	vcekSnpSpl        = vcekOID{major: 3, minor: 3}
	vcekSpl4          = vcekOID{major: 3, minor: 4}
	vcekSpl5          = vcekOID{major: 3, minor: 5}
	vcekSpl6          = vcekOID{major: 3, minor: 6}
	vcekSpl7          = vcekOID{major: 3, minor: 7}
	vcekUcodeSpl      = vcekOID{major: 3, minor: 8}
	vcekHwid          = vcekOID{major: 4}
	vcekCspID         = vcekOID{major: 5}
)

const (
	// ProductLine is the only AMD product line Tinfoil enclaves run on.
	ProductLine = "Genoa"

	// ChipIDSize is the byte size of the HWID extension and CHIP_ID field.
	ChipIDSize = 64

	// DefaultProxyBaseURL fronts kdsintf.amd.com. The KDS rate-limits
	// aggressively, so certificate fetches go through a caching proxy.
	DefaultProxyBaseURL = "https://kds-proxy.tinfoil.sh"

	vcekPath = "/vcek/v1/"
)

// TCBVersion is a 64-bit bitfield of different security patch levels of AMD firmware and microcode.
type TCBVersion uint64

// TCBParts represents all TCB field values in a given uint64 representation of
// an AMD secure processor firmware TCB version.
type TCBParts struct {
	// BlSpl is the bootloader security patch level.
	BlSpl uint8
	// TeeSpl is the TEE security patch level.
	TeeSpl uint8
	// Spl4 is reserved.
	Spl4 uint8
	// Spl5 is reserved.
	Spl5 uint8
	// Spl6 is reserved.
	Spl6 uint8
	// Spl7 is reserved.
	Spl7 uint8
	// SnpSpl is the SNP security patch level.
	SnpSpl uint8
	// UcodeSpl is the microcode security patch level.
	UcodeSpl uint8
}

// Extensions represents the information stored in the KDS-specified x509
// extensions of a VCEK certificate.
type Extensions struct {
	StructVersion uint8
	ProductName   string
	// HWID must be ChipIDSize bytes long.
	HWID       []byte
	TCBVersion TCBVersion
}

// ComposeTCBParts returns an SEV-SNP TCB_VERSION from its parts. The
// spl4-spl7 fields are reserved, but the KDS specification designates them
// as 4 byte-sized fields.
func ComposeTCBParts(parts TCBParts) (TCBVersion, error) {
	// Only UcodeSpl may be 0-255. All others must be 0-127.
	check127 := func(name string, value uint8) error {
		if value > 127 {
			return fmt.Errorf("%s TCB part is %d. Expect 0-127", name, value)
		}
		return nil
	}
	if err := multierr.Combine(check127("SnpSpl", parts.SnpSpl),
		check127("Spl7", parts.Spl7),
		check127("Spl6", parts.Spl6),
		check127("Spl5", parts.Spl5),
		check127("Spl4", parts.Spl4),
		check127("TeeSpl", parts.TeeSpl),
		check127("BlSpl", parts.BlSpl),
	); err != nil {
		return TCBVersion(0), err
	}
	return TCBVersion(
		(uint64(parts.UcodeSpl) << 56) |
			(uint64(parts.SnpSpl) << 48) |
			(uint64(parts.Spl7) << 40) |
			(uint64(parts.Spl6) << 32) |
			(uint64(parts.Spl5) << 24) |
			(uint64(parts.Spl4) << 16) |
			(uint64(parts.TeeSpl) << 8) |
			(uint64(parts.BlSpl) << 0)), nil
}

// DecomposeTCBVersion interprets the byte components of the AMD representation of the
// platform security patch levels into a struct.
func DecomposeTCBVersion(tcb TCBVersion) TCBParts {
	return TCBParts{
		UcodeSpl: uint8((uint64(tcb) >> 56) & 0xff),
		SnpSpl:   uint8((uint64(tcb) >> 48) & 0xff),
		Spl7:     uint8((uint64(tcb) >> 40) & 0xff),
		Spl6:     uint8((uint64(tcb) >> 32) & 0xff),
		Spl5:     uint8((uint64(tcb) >> 24) & 0xff),
		Spl4:     uint8((uint64(tcb) >> 16) & 0xff),
		TeeSpl:   uint8((uint64(tcb) >> 8) & 0xff),
		BlSpl:    uint8((uint64(tcb) >> 0) & 0xff),
	}
}

// TCBPartsLE returns true iff all TCB components of tcb0 are <= the corresponding tcb1 components.
func TCBPartsLE(tcb0, tcb1 TCBParts) bool {
	return (tcb0.UcodeSpl <= tcb1.UcodeSpl) &&
		(tcb0.SnpSpl <= tcb1.SnpSpl) &&
		(tcb0.Spl7 <= tcb1.Spl7) &&
		(tcb0.Spl6 <= tcb1.Spl6) &&
		(tcb0.Spl5 <= tcb1.Spl5) &&
		(tcb0.Spl4 <= tcb1.Spl4) &&
		(tcb0.TeeSpl <= tcb1.TeeSpl) &&
		(tcb0.BlSpl <= tcb1.BlSpl)
}

func oidToVcekOID(id asn1.ObjectIdentifier) (vcekOID, error) {
	switch {
	case id.Equal(OidStructVersion):
		return vcekStructVersion, nil
	case id.Equal(OidProductName1):
		return vcekProductName1, nil
	case id.Equal(OidBlSpl):
		return vcekBlSpl, nil
	case id.Equal(OidTeeSpl):
		return vcekTeeSpl, nil
	case id.Equal(OidSnpSpl):
		return vcekSnpSpl, nil
	case id.Equal(OidSpl4):
		return vcekSpl4, nil
	case id.Equal(OidSpl5):
		return vcekSpl5, nil
	case id.Equal(OidSpl6):
		return vcekSpl6, nil
	case id.Equal(OidSpl7):
		return vcekSpl7, nil
	case id.Equal(OidUcodeSpl):
		return vcekUcodeSpl, nil
	case id.Equal(OidHwid):
		return vcekHwid, nil
	case id.Equal(OidCspID):
		return vcekCspID, nil
	}
	return vcekOID{}, fmt.Errorf("not an AMD KDS OID: %v", id)
}

func vcekOidMap(cert *x509.Certificate) (map[vcekOID]*pkix.Extension, error) {
	result := make(map[vcekOID]*pkix.Extension)
	for i, ext := range cert.Extensions {
		if ext.Id.Equal(authorityKeyOid) {
			// Since ASK is a CA, signing can impart the authority key extension.
			continue
		}
		oid, err := oidToVcekOID(ext.Id)
		if err != nil {
			return nil, err
		}
		if _, ok := result[oid]; ok {
			return nil, fmt.Errorf("duplicate AMD KDS extension: %v", ext)
		}
		result[oid] = &cert.Extensions[i]
	}
	return result, nil
}

func asn1U8(ext *pkix.Extension, field string, out *uint8) error {
	if ext == nil {
		return fmt.Errorf("no extension for field %s", field)
	}
	var i int
	rest, err := asn1.Unmarshal(ext.Value, &i)
	if err != nil {
		return fmt.Errorf("could not parse extension as an integer %v: %v", *ext, err)
	}
	if len(rest) != 0 {
		return fmt.Errorf("unexpected leftover bytes for U8 field %s", field)
	}
	if i < 0 || i > 255 {
		return fmt.Errorf("int value for field %s isn't a uint8: %d", field, i)
	}
	*out = uint8(i)
	return nil
}

func asn1IA5String(ext *pkix.Extension, field string, out *string) error {
	if ext == nil || len(ext.Value) == 0 {
		return fmt.Errorf("no extension for field %s", field)
	}
	// Even with the "ia5" params, Unmarshal is too lax about string tags.
	if ext.Value[0] != asn1.TagIA5String {
		return fmt.Errorf("value is not tagged as an IA5String: %d", ext.Value[0])
	}
	rest, err := asn1.UnmarshalWithParams(ext.Value, out, "ia5")
	if err != nil {
		return fmt.Errorf("could not parse extension as an IA5String %v: %v", *ext, err)
	}
	if len(rest) != 0 {
		return fmt.Errorf("unexpected leftover bytes for IA5String field %s", field)
	}
	return nil
}

func asn1OctetString(ext *pkix.Extension, field string, size int) ([]byte, error) {
	if ext == nil {
		return nil, fmt.Errorf("no extension for field %s", field)
	}
	// ASN1 requires a type tag, but for some reason the KDS doesn't add that for the HWID.
	if len(ext.Value) == size {
		return ext.Value, nil
	}
	// In case AMD adds the type and the value's length increases to include the type tag, then try
	// to unmarshal here.
	var octet []byte
	rest, err := asn1.Unmarshal(ext.Value, &octet)
	if err != nil {
		return nil, fmt.Errorf("could not parse extension as an octet string %v (value %v): %v", *ext, ext.Value, err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("unexpected leftover bytes in extension value for field %v", field)
	}
	if size >= 0 && len(octet) != size {
		return nil, fmt.Errorf("size is %d, expected %d", len(octet), size)
	}
	return octet, nil
}

func vcekOidMapToExtensions(exts map[vcekOID]*pkix.Extension) (*Extensions, error) {
	var result Extensions

	if err := asn1U8(exts[vcekStructVersion], "StructVersion", &result.StructVersion); err != nil {
		return nil, err
	}
	if err := asn1IA5String(exts[vcekProductName1], "ProductName1", &result.ProductName); err != nil {
		return nil, err
	}
	if _, ok := exts[vcekCspID]; ok {
		// A CSP_ID extension marks a VLEK, which cannot bind a chip identity.
		return nil, fmt.Errorf("unexpected CSP_ID extension: certificate is a VLEK, not a VCEK")
	}
	hwid, err := asn1OctetString(exts[vcekHwid], "HWID", ChipIDSize)
	if err != nil {
		return nil, err
	}
	result.HWID = hwid
	var blspl, snpspl, teespl, spl4, spl5, spl6, spl7, ucodespl uint8
	if err := asn1U8(exts[vcekBlSpl], "BlSpl", &blspl); err != nil {
		return nil, err
	}
	if err := asn1U8(exts[vcekTeeSpl], "TeeSpl", &teespl); err != nil {
		return nil, err
	}
	if err := asn1U8(exts[vcekSnpSpl], "SnpSpl", &snpspl); err != nil {
		return nil, err
	}
	if err := asn1U8(exts[vcekSpl4], "Spl4", &spl4); err != nil {
		return nil, err
	}
	if err := asn1U8(exts[vcekSpl5], "Spl5", &spl5); err != nil {
		return nil, err
	}
	if err := asn1U8(exts[vcekSpl6], "Spl6", &spl6); err != nil {
		return nil, err
	}
	if err := asn1U8(exts[vcekSpl7], "Spl7", &spl7); err != nil {
		return nil, err
	}
	if err := asn1U8(exts[vcekUcodeSpl], "UcodeSpl", &ucodespl); err != nil {
		return nil, err
	}
	tcb, err := ComposeTCBParts(TCBParts{
		BlSpl:    blspl,
		SnpSpl:   snpspl,
		TeeSpl:   teespl,
		Spl4:     spl4,
		Spl5:     spl5,
		Spl6:     spl6,
		Spl7:     spl7,
		UcodeSpl: ucodespl,
	})
	if err != nil {
		return nil, err
	}
	result.TCBVersion = tcb
	return &result, nil
}

// VcekCertificateExtensions returns the x509v3 extensions from the KDS
// specification of a VCEK certificate interpreted into a struct type.
func VcekCertificateExtensions(cert *x509.Certificate) (*Extensions, error) {
	if cert == nil {
		return nil, fmt.Errorf("cert cannot be nil")
	}
	oidMap, err := vcekOidMap(cert)
	if err != nil {
		return nil, err
	}
	exts, err := vcekOidMapToExtensions(oidMap)
	if err != nil {
		return nil, err
	}
	if len(exts.HWID) != ChipIDSize {
		return nil, fmt.Errorf("missing HWID extension for VCEK certificate")
	}
	return exts, nil
}

// VCEKCertURL returns the KDS proxy URL for retrieving the VCEK of a Genoa
// chip at a given TCB version. The hwid is the CHIP_ID field in an
// attestation report.
func VCEKCertURL(baseURL string, hwid []byte, tcb TCBVersion) string {
	if baseURL == "" {
		baseURL = DefaultProxyBaseURL
	}
	parts := DecomposeTCBVersion(tcb)
	return fmt.Sprintf("%s%s%s/%s?blSPL=%d&teeSPL=%d&snpSPL=%d&ucodeSPL=%d",
		strings.TrimSuffix(baseURL, "/"),
		vcekPath,
		ProductLine,
		hex.EncodeToString(hwid),
		parts.BlSpl,
		parts.TeeSpl,
		parts.SnpSpl,
		parts.UcodeSpl,
	)
}

// VCEKCert represents the attestation report components represented in a KDS VCEK certificate
// request URL.
type VCEKCert struct {
	ProductLine string
	HWID        []byte
	TCB         uint64
}

// ParseVCEKCertURL returns the attestation report components represented in
// the given KDS VCEK certificate request URL.
func ParseVCEKCertURL(kdsurl string) (VCEKCert, error) {
	result := VCEKCert{}
	u, err := url.Parse(kdsurl)
	if err != nil {
		return result, fmt.Errorf("invalid KDS URL %q: %v", kdsurl, err)
	}
	if u.Scheme != "https" {
		return result, fmt.Errorf("unexpected KDS URL scheme %q, want \"https\"", u.Scheme)
	}
	if !strings.HasPrefix(u.Path, vcekPath) {
		return result, fmt.Errorf("unexpected KDS URL path %q, want prefix %q", u.Path, vcekPath)
	}
	pieces := strings.Split(strings.TrimPrefix(u.Path, vcekPath), "/")
	if len(pieces) != 2 {
		return result, fmt.Errorf("url has unexpected endpoint %q, not product/hwid", u.Path)
	}
	result.ProductLine = pieces[0]
	hwid, err := hex.DecodeString(pieces[1])
	if err != nil {
		return result, fmt.Errorf("hwid component of KDS URL is not a hex string: %q", pieces[1])
	}
	if len(hwid) != ChipIDSize {
		return result, fmt.Errorf("hwid component of KDS URL has size %d, want %d", len(hwid), ChipIDSize)
	}
	result.HWID = hwid
	result.TCB, err = parseTCBURL(u)
	return result, err
}

func parseTCBURL(u *url.URL) (uint64, error) {
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return 0, fmt.Errorf("invalid KDS URL query %q: %v", u.RawQuery, err)
	}
	parts := TCBParts{}
	for key, valuelist := range values {
		var setter func(number uint8)
		switch key {
		case "blSPL":
			setter = func(number uint8) { parts.BlSpl = number }
		case "teeSPL":
			setter = func(number uint8) { parts.TeeSpl = number }
		case "snpSPL":
			setter = func(number uint8) { parts.SnpSpl = number }
		case "ucodeSPL":
			setter = func(number uint8) { parts.UcodeSpl = number }
		default:
			return 0, fmt.Errorf("unexpected KDS TCB version URL argument %q", key)
		}
		for _, val := range valuelist {
			number, err := strconv.Atoi(val)
			if err != nil || number < 0 || number > 255 {
				return 0, fmt.Errorf("invalid KDS TCB version URL argument value %q, want a value 0-255", val)
			}
			setter(uint8(number))
		}
	}
	tcb, err := ComposeTCBParts(parts)
	if err != nil {
		return 0, fmt.Errorf("invalid KDS TCB arguments: %v", err)
	}
	return uint64(tcb), err
}
