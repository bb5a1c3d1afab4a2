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

// Package testing defines fakes for the AMD certificate chain and
// attestation reports so verification logic can be exercised without
// hardware or the KDS.
package testing

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"sync"
	"time"

	// Insecure randomness for faster testing.
	"math/rand"

	"github.com/tinfoilsh/tinfoil-go/abi"
	"github.com/tinfoilsh/tinfoil-go/kds"
	"github.com/tinfoilsh/tinfoil-go/verify/trust"
)

// KDS specification:
// https://www.amd.com/system/files/TechDocs/57230.pdf

var insecureRandomness = rand.New(rand.NewSource(0xc0de))

// AmdSigner encapsulates a key and certificate chain following the format
// of AMD-SP's VCEK for signing attestation reports.
type AmdSigner struct {
	Ark  *x509.Certificate
	Ask  *x509.Certificate
	Vcek *x509.Certificate
	Keys *AmdKeys
	HWID [kds.ChipIDSize]byte
	TCB  kds.TCBVersion
}

// AmdKeys encapsulates the key chain of ARK through ASK down to VCEK.
type AmdKeys struct {
	Ark  *rsa.PrivateKey
	Ask  *rsa.PrivateKey
	Vcek *ecdsa.PrivateKey
}

var (
	keysOnce    sync.Once
	defaultKeys *AmdKeys
)

// DefaultAmdKeys returns a shared key set with the expected key types.
// RSA-2048 rather than AMD's 4096 to keep test setup fast; the PSS and
// chain logic under test is size-independent.
func DefaultAmdKeys() *AmdKeys {
	keysOnce.Do(func() {
		ark, err := rsa.GenerateKey(insecureRandomness, 2048)
		if err != nil {
			panic(err)
		}
		ask, err := rsa.GenerateKey(insecureRandomness, 2048)
		if err != nil {
			panic(err)
		}
		vcek, err := ecdsa.GenerateKey(elliptic.P384(), insecureRandomness)
		if err != nil {
			panic(err)
		}
		defaultKeys = &AmdKeys{Ark: ark, Ask: ask, Vcek: vcek}
	})
	return defaultKeys
}

func amdPkixName(commonName string, serialNumber string) pkix.Name {
	return pkix.Name{
		Organization:       []string{"Advanced Micro Devices"},
		Country:            []string{"US"},
		OrganizationalUnit: []string{"Engineering"},
		Locality:           []string{"Santa Clara"},
		Province:           []string{"CA"},
		SerialNumber:       serialNumber,
		CommonName:         commonName,
	}
}

// CertOverride encapsulates certificate aspects that can be overridden when
// creating a certificate chain.
type CertOverride struct {
	Version            int
	Issuer             *pkix.Name
	Subject            *pkix.Name
	SignatureAlgorithm x509.SignatureAlgorithm
	// If non-nil, replaces the default extension list.
	Extensions []pkix.Extension
}

func (o *CertOverride) apply(cert *x509.Certificate) {
	if o == nil {
		return
	}
	if o.Version != 0 {
		cert.Version = o.Version
	}
	if o.Issuer != nil {
		cert.Issuer = *o.Issuer
	}
	if o.Subject != nil {
		cert.Subject = *o.Subject
	}
	if o.SignatureAlgorithm != x509.UnknownSignatureAlgorithm {
		cert.SignatureAlgorithm = o.SignatureAlgorithm
	}
	if o.Extensions != nil {
		cert.ExtraExtensions = o.Extensions
	}
}

// AmdSignerBuilder represents toggleable configurations of the fake VCEK
// certificate chain.
type AmdSignerBuilder struct {
	Keys         *AmdKeys
	CreationTime time.Time
	HWID         [kds.ChipIDSize]byte
	TCB          kds.TCBVersion
	ProductName  string
	ArkCustom    *CertOverride
	AskCustom    *CertOverride
	VcekCustom   *CertOverride
}

func (b *AmdSignerBuilder) creationTime() time.Time {
	if b.CreationTime.IsZero() {
		return time.Now().Add(-24 * time.Hour)
	}
	return b.CreationTime
}

func (b *AmdSignerBuilder) productName() string {
	if b.ProductName == "" {
		return kds.ProductLine
	}
	return b.ProductName
}

// CustomExtensions returns an array of extensions following the KDS
// specification for the given values.
func CustomExtensions(tcb kds.TCBParts, hwid []byte, productName string) []pkix.Extension {
	asn1Zero, _ := asn1.Marshal(0)
	productNameAsn1, _ := asn1.MarshalWithParams(productName, "ia5")
	blSpl, _ := asn1.Marshal(int(tcb.BlSpl))
	teeSpl, _ := asn1.Marshal(int(tcb.TeeSpl))
	snpSpl, _ := asn1.Marshal(int(tcb.SnpSpl))
	spl4, _ := asn1.Marshal(int(tcb.Spl4))
	spl5, _ := asn1.Marshal(int(tcb.Spl5))
	spl6, _ := asn1.Marshal(int(tcb.Spl6))
	spl7, _ := asn1.Marshal(int(tcb.Spl7))
	ucodeSpl, _ := asn1.Marshal(int(tcb.UcodeSpl))
	exts := []pkix.Extension{
		{Id: kds.OidStructVersion, Value: asn1Zero},
		{Id: kds.OidProductName1, Value: productNameAsn1},
		{Id: kds.OidBlSpl, Value: blSpl},
		{Id: kds.OidTeeSpl, Value: teeSpl},
		{Id: kds.OidSnpSpl, Value: snpSpl},
		{Id: kds.OidSpl4, Value: spl4},
		{Id: kds.OidSpl5, Value: spl5},
		{Id: kds.OidSpl6, Value: spl6},
		{Id: kds.OidSpl7, Value: spl7},
		{Id: kds.OidUcodeSpl, Value: ucodeSpl},
	}
	if hwid != nil {
		// The KDS omits the ASN.1 octet string tag for the HWID.
		exts = append(exts, pkix.Extension{Id: kds.OidHwid, Value: hwid})
	}
	return exts
}

func (b *AmdSignerBuilder) certifyArk() (*x509.Certificate, error) {
	sn := big.NewInt(0xc0dec0de)
	template := &x509.Certificate{
		Version:               3,
		SerialNumber:          sn,
		Issuer:                amdPkixName("ARK-Genoa", fmt.Sprintf("%x", sn)),
		Subject:               amdPkixName("ARK-Genoa", fmt.Sprintf("%x", sn)),
		NotBefore:             b.creationTime(),
		NotAfter:              b.creationTime().Add(25 * 365 * 24 * time.Hour),
		SignatureAlgorithm:    x509.SHA384WithRSAPSS,
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	b.ArkCustom.apply(template)
	der, err := x509.CreateCertificate(insecureRandomness, template, template, b.Keys.Ark.Public(), b.Keys.Ark)
	if err != nil {
		return nil, fmt.Errorf("could not create ARK certificate: %v", err)
	}
	return x509.ParseCertificate(der)
}

func (b *AmdSignerBuilder) certifyAsk(ark *x509.Certificate) (*x509.Certificate, error) {
	sn := big.NewInt(0xc0dec0df)
	template := &x509.Certificate{
		Version:               3,
		SerialNumber:          sn,
		Subject:               amdPkixName("SEV-Genoa", fmt.Sprintf("%x", sn)),
		NotBefore:             b.creationTime(),
		NotAfter:              b.creationTime().Add(25 * 365 * 24 * time.Hour),
		SignatureAlgorithm:    x509.SHA384WithRSAPSS,
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	b.AskCustom.apply(template)
	der, err := x509.CreateCertificate(insecureRandomness, template, ark, b.Keys.Ask.Public(), b.Keys.Ark)
	if err != nil {
		return nil, fmt.Errorf("could not create ASK certificate: %v", err)
	}
	return x509.ParseCertificate(der)
}

func (b *AmdSignerBuilder) certifyVcek(ask *x509.Certificate) (*x509.Certificate, error) {
	sn := big.NewInt(0xc0dec0e0)
	template := &x509.Certificate{
		Version:            3,
		SerialNumber:       sn,
		Subject:            amdPkixName("SEV-VCEK", fmt.Sprintf("%x", sn)),
		NotBefore:          b.creationTime(),
		NotAfter:           b.creationTime().Add(7 * 365 * 24 * time.Hour),
		SignatureAlgorithm: x509.SHA384WithRSAPSS,
		ExtraExtensions:    CustomExtensions(kds.DecomposeTCBVersion(b.TCB), b.HWID[:], b.productName()),
	}
	b.VcekCustom.apply(template)
	der, err := x509.CreateCertificate(insecureRandomness, template, ask, b.Keys.Vcek.Public(), b.Keys.Ask)
	if err != nil {
		return nil, fmt.Errorf("could not create VCEK certificate: %v", err)
	}
	return x509.ParseCertificate(der)
}

// TestOnlyCertChain creates a fake certificate chain from the builder's
// configuration.
func (b *AmdSignerBuilder) TestOnlyCertChain() (*AmdSigner, error) {
	if b.Keys == nil {
		b.Keys = DefaultAmdKeys()
	}
	ark, err := b.certifyArk()
	if err != nil {
		return nil, err
	}
	ask, err := b.certifyAsk(ark)
	if err != nil {
		return nil, err
	}
	vcek, err := b.certifyVcek(ask)
	if err != nil {
		return nil, err
	}
	return &AmdSigner{
		Ark:  ark,
		Ask:  ask,
		Vcek: vcek,
		Keys: b.Keys,
		HWID: b.HWID,
		TCB:  b.TCB,
	}, nil
}

// DefaultTestOnlyCertChain creates a test-only certificate chain for a
// chip with the given HWID and TCB.
func DefaultTestOnlyCertChain(hwid [kds.ChipIDSize]byte, tcb kds.TCBVersion) (*AmdSigner, error) {
	b := &AmdSignerBuilder{Keys: DefaultAmdKeys(), HWID: hwid, TCB: tcb}
	return b.TestOnlyCertChain()
}

// Roots returns the signer's ARK and ASK as a trusted root set.
func (s *AmdSigner) Roots() *trust.AMDRootCerts {
	return &trust.AMDRootCerts{Ark: s.Ark, Ask: s.Ask}
}

// Sign signs the report's signed component with the VCEK key and writes
// the signature into the report's SIGNATURE field.
func (s *AmdSigner) Sign(report []byte) error {
	h := crypto.SHA384.New()
	h.Write(abi.SignedComponent(report))
	r, sig, err := ecdsa.Sign(insecureRandomness, s.Keys.Vcek, h.Sum(nil))
	if err != nil {
		return err
	}
	return abi.SetSignature(r, sig, report)
}
