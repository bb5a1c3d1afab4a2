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

package ehbp

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// Key configuration wire format, one config per entry:
//
//	Key ID          (1 byte)
//	KEM ID          (2 bytes)
//	Public Key      (Npk bytes for the KEM)
//	Cipher Suites   (2-byte length prefix, then 4 bytes per suite)
//
// A server may concatenate several configurations; only those carrying the
// protocol's fixed suite are kept.

// ParseKeyConfigs interprets a server's key configuration payload (as
// served with the MediaTypeKeys media type) into identities, one per
// advertised configuration that offers the fixed KDF/AEAD suite, in payload
// order. Configurations without that suite are skipped.
func ParseKeyConfigs(data []byte) ([]*Identity, error) {
	s := cryptobyte.String(data)
	var identities []*Identity
	for !s.Empty() {
		var keyID uint8
		var kem uint16
		if !s.ReadUint8(&keyID) || !s.ReadUint16(&kem) {
			return nil, fmt.Errorf("truncated key configuration header")
		}
		if kem != uint16(kemID) {
			return nil, fmt.Errorf("unsupported KEM 0x%04x in key configuration", kem)
		}
		pub := make([]byte, kemID.Scheme().PublicKeySize())
		if !s.ReadBytes(&pub, len(pub)) {
			return nil, fmt.Errorf("truncated public key in key configuration")
		}
		var suites cryptobyte.String
		if !s.ReadUint16LengthPrefixed(&suites) || len(suites)%4 != 0 {
			return nil, fmt.Errorf("malformed cipher suite list in key configuration")
		}
		supported := false
		for !suites.Empty() {
			var kdf, aead uint16
			if !suites.ReadUint16(&kdf) || !suites.ReadUint16(&aead) {
				return nil, fmt.Errorf("truncated cipher suite in key configuration")
			}
			if kdf == uint16(kdfID) && aead == uint16(aeadID) {
				supported = true
			}
		}
		if !supported {
			continue
		}
		identity, err := IdentityFromPublicKey(pub)
		if err != nil {
			return nil, err
		}
		identity.keyID = keyID
		identities = append(identities, identity)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("no key configuration with a supported cipher suite")
	}
	return identities, nil
}

// MarshalKeyConfig encodes an identity as a single-entry key configuration
// payload. Used by test servers and tooling.
func MarshalKeyConfig(id *Identity) []byte {
	var b cryptobyte.Builder
	b.AddUint8(id.keyID)
	b.AddUint16(uint16(kemID))
	b.AddBytes(id.rawBytes)
	b.AddUint16LengthPrefixed(func(suites *cryptobyte.Builder) {
		suites.AddUint16(uint16(kdfID))
		suites.AddUint16(uint16(aeadID))
	})
	return b.BytesOrPanic()
}
