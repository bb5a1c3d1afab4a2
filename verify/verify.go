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

// Package verify builds and checks the ARK -> ASK -> VCEK certificate chain
// that endorses an SEV-SNP attestation report signature.
package verify

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"time"

	"github.com/google/logger"

	"github.com/tinfoilsh/tinfoil-go/abi"
	"github.com/tinfoilsh/tinfoil-go/kds"
	"github.com/tinfoilsh/tinfoil-go/tferrors"
	"github.com/tinfoilsh/tinfoil-go/verify/trust"
)

const (
	arkCommonName  = "ARK-Genoa"
	askCommonName  = "SEV-Genoa"
	vcekCommonName = "SEV-VCEK"

	amdX509Version = 3
)

// CertificateChain is a parsed and structurally validated ARK, ASK, VCEK
// triple for a particular attestation report.
type CertificateChain struct {
	Ark  *x509.Certificate
	Ask  *x509.Certificate
	Vcek *x509.Certificate
	// Extensions holds the decoded KDS extensions of the VCEK.
	Extensions *kds.Extensions
}

// Options configures certificate chain construction and verification.
type Options struct {
	// Getter fetches the VCEK certificate when the caller does not supply
	// one. Defaults to trust.DefaultHTTPSGetter.
	Getter trust.HTTPSGetter
	// KDSBaseURL overrides the KDS proxy base URL.
	KDSBaseURL string
	// Now is the time at which to check certificate validity. Zero means
	// time.Now().
	Now time.Time
	// Roots overrides the embedded AMD Genoa root certificates.
	Roots *trust.AMDRootCerts
}

// DefaultOptions returns a useful default verification option setting.
func DefaultOptions() *Options {
	return &Options{
		Getter: trust.DefaultHTTPSGetter(),
	}
}

func (o *Options) now() time.Time {
	if o.Now.IsZero() {
		return time.Now()
	}
	return o.Now
}

func (o *Options) roots() (*trust.AMDRootCerts, error) {
	if o.Roots != nil {
		return o.Roots, nil
	}
	logger.Warning("Using embedded AMD certificates for SEV-SNP attestation root of trust")
	return trust.EmbeddedGenoaRoots()
}

// FromReport builds the certificate chain for the given report. If vcekDER
// is empty, the VCEK is fetched from the KDS proxy using the report's chip
// ID and reported TCB. Reports not signed by a VCEK are rejected.
func FromReport(ctx context.Context, report *abi.Report, vcekDER []byte, opts *Options) (*CertificateChain, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	info, err := report.SnpSignerInfo()
	if err != nil {
		return nil, err
	}
	if info.SigningKey != abi.VcekReportSigner {
		return nil, tferrors.Attestation("report signed by %v, require VCEK", info.SigningKey)
	}
	if len(vcekDER) == 0 {
		getter := opts.Getter
		if getter == nil {
			getter = trust.DefaultHTTPSGetter()
		}
		url := kds.VCEKCertURL(opts.KDSBaseURL, report.ChipID, kds.TCBVersion(report.ReportedTcb))
		vcekDER, err = getter.Get(ctx, url)
		if err != nil {
			return nil, err
		}
	}
	vcek, err := trust.ParseCert(vcekDER)
	if err != nil {
		return nil, tferrors.AttestationWrap("could not parse VCEK certificate", err)
	}
	roots, err := opts.roots()
	if err != nil {
		return nil, tferrors.AttestationWrap("could not load AMD root certificates", err)
	}
	exts, err := kds.VcekCertificateExtensions(vcek)
	if err != nil {
		return nil, tferrors.AttestationWrap("could not get VCEK certificate extensions", err)
	}
	return &CertificateChain{
		Ark:        roots.Ark,
		Ask:        roots.Ask,
		Vcek:       vcek,
		Extensions: exts,
	}, nil
}

// Check the expected metadata as documented in AMD's KDS specification
// https://www.amd.com/system/files/TechDocs/57230.pdf
func validateAmdLocation(name pkix.Name, role string) error {
	checkSingletonList := func(l []string, name, names, value string) error {
		if len(l) != 1 {
			return fmt.Errorf("%s has %d %s, want 1", role, len(l), names)
		}
		if l[0] != value {
			return fmt.Errorf("%s %s '%s' not expected for AMD. Expected '%s'", role, name, l[0], value)
		}
		return nil
	}
	if err := checkSingletonList(name.Country, "country", "countries", "US"); err != nil {
		return err
	}
	if err := checkSingletonList(name.Locality, "locality", "localities", "Santa Clara"); err != nil {
		return err
	}
	if err := checkSingletonList(name.Province, "state", "states", "CA"); err != nil {
		return err
	}
	if err := checkSingletonList(name.Organization, "organization", "organizations", "Advanced Micro Devices"); err != nil {
		return err
	}
	return checkSingletonList(name.OrganizationalUnit, "organizational unit", "organizational units", "Engineering")
}

func validateCertMetadata(cert *x509.Certificate, role, cn string, now time.Time) error {
	if cert == nil {
		return fmt.Errorf("no X.509 certificate for %s", role)
	}
	if cert.Version != amdX509Version {
		return fmt.Errorf("%s certificate version: %d. Expected %d", role, cert.Version, amdX509Version)
	}
	if err := validateAmdLocation(cert.Issuer, fmt.Sprintf("%s issuer", role)); err != nil {
		return err
	}
	if err := validateAmdLocation(cert.Subject, fmt.Sprintf("%s subject", role)); err != nil {
		return err
	}
	if cert.Subject.CommonName != cn {
		return fmt.Errorf("%s common-name is %s. Expected %s", role, cert.Subject.CommonName, cn)
	}
	// Validity bounds are inclusive.
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return fmt.Errorf("%s certificate is not valid at %v (validity %v to %v)",
			role, now, cert.NotBefore, cert.NotAfter)
	}
	return nil
}

func validateVcekFormat(vcek *x509.Certificate, exts *kds.Extensions) error {
	// Signature algorithm: RSASSA-PSS with SHA-384.
	if vcek.SignatureAlgorithm != x509.SHA384WithRSAPSS {
		return fmt.Errorf("VCEK certificate signature algorithm is %v, expected SHA-384 with RSASSA-PSS", vcek.SignatureAlgorithm)
	}
	// Subject Public Key Info: ECDSA on curve P-384.
	if vcek.PublicKeyAlgorithm != x509.ECDSA {
		return fmt.Errorf("VCEK certificate public key type is %v, expected ECDSA", vcek.PublicKeyAlgorithm)
	}
	switch pub := vcek.PublicKey.(type) {
	case *ecdsa.PublicKey:
		if pub.Curve.Params().Name != "P-384" {
			return fmt.Errorf("VCEK certificate public key curve is %s, expected P-384", pub.Curve.Params().Name)
		}
	default:
		return fmt.Errorf("VCEK certificate public key not ecdsa PublicKey type %v", pub)
	}
	if exts.ProductName != kds.ProductLine {
		return fmt.Errorf("VCEK certificate product name is %q, expected %q", exts.ProductName, kds.ProductLine)
	}
	return nil
}

// Verify checks the structural invariants of all three certificates and the
// cryptographic chain ARK self-signature -> ASK -> VCEK. It is a pure
// function of the chain and the verification time.
func (c *CertificateChain) Verify(now time.Time) error {
	if err := validateCertMetadata(c.Ark, "ARK", arkCommonName, now); err != nil {
		return tferrors.Attestation("%v", err)
	}
	if err := validateCertMetadata(c.Ask, "ASK", askCommonName, now); err != nil {
		return tferrors.Attestation("%v", err)
	}
	if err := validateCertMetadata(c.Vcek, "VCEK", vcekCommonName, now); err != nil {
		return tferrors.Attestation("%v", err)
	}
	if err := c.Ark.CheckSignature(c.Ark.SignatureAlgorithm, c.Ark.RawTBSCertificate, c.Ark.Signature); err != nil {
		return tferrors.AttestationWrap("ARK is not self-signed", err)
	}
	if err := c.Ask.CheckSignatureFrom(c.Ark); err != nil {
		return tferrors.AttestationWrap("ASK is not signed by ARK", err)
	}
	if err := c.Vcek.CheckSignatureFrom(c.Ask); err != nil {
		return tferrors.AttestationWrap("VCEK is not signed by ASK", err)
	}
	if err := validateVcekFormat(c.Vcek, c.Extensions); err != nil {
		return tferrors.Attestation("%v", err)
	}
	return nil
}

// CheckTCBBinding requires the decoded VCEK extension TCB values to exactly
// equal the report's reported TCB parts. A VCEK provisioned at a different
// TCB does not endorse this report.
func (c *CertificateChain) CheckTCBBinding(report *abi.Report) error {
	if kds.TCBVersion(report.ReportedTcb) != c.Extensions.TCBVersion {
		return tferrors.Attestation("chip's VCEK TCB %x does not match the REPORTED_TCB %x",
			c.Extensions.TCBVersion, report.ReportedTcb)
	}
	return nil
}

// CheckHWIDBinding requires the VCEK's HWID extension to equal the report's
// CHIP_ID byte for byte. When the report masks the chip key, CHIP_ID must be
// all zeros instead.
func (c *CertificateChain) CheckHWIDBinding(report *abi.Report) error {
	info, err := report.SnpSignerInfo()
	if err != nil {
		return err
	}
	if info.MaskChipKey {
		if !allZero(report.ChipID) {
			return tferrors.Attestation("MASK_CHIP_KEY is set but CHIP_ID is not all zeros: %x", report.ChipID)
		}
		return nil
	}
	if !bytes.Equal(report.ChipID, c.Extensions.HWID) {
		return tferrors.Attestation("report field CHIP_ID %x is not the same as the VCEK certificate's HWID %x",
			report.ChipID, c.Extensions.HWID)
	}
	return nil
}

// SnpReportSignature verifies the attestation report's signature based on
// the report's SignatureAlgo.
func SnpReportSignature(report []byte, vcek *x509.Certificate) error {
	if err := abi.ValidateReportFormat(report); err != nil {
		return tferrors.AttestationWrap("attestation report format error", err)
	}
	der, err := abi.ReportToSignatureDER(report)
	if err != nil {
		return tferrors.AttestationWrap("could not interpret report signature", err)
	}
	if abi.SignatureAlgo(report) == abi.SignEcdsaP384Sha384 {
		if err := vcek.CheckSignature(x509.ECDSAWithSHA384, abi.SignedComponent(report), der); err != nil {
			return tferrors.AttestationWrap("report signature verification error", err)
		}
		return nil
	}
	return tferrors.Attestation("unknown SignatureAlgo: %d", abi.SignatureAlgo(report))
}

func allZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}
