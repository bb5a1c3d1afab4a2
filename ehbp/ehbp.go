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

// Package ehbp implements the encrypted HTTP body protocol: request and
// response bodies are encrypted end to end to an attested enclave key under
// RFC 9180 HPKE base mode with DHKEM(X25519, HKDF-SHA256), HKDF-SHA256, and
// AES-128-GCM. The target host is bound into the encryption context, so a
// ciphertext replayed against another host does not decrypt.
package ehbp

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"
)

const (
	// MediaTypeKeys is the media type of a server's HPKE key configuration.
	MediaTypeKeys = "application/vnd.tinfoil.ehbp-v1+keys"
	// MediaTypeRequest is the media type of an encapsulated request body.
	MediaTypeRequest = "application/vnd.tinfoil.ehbp-v1+encrypted"
	// MediaTypeResponse is the media type of an encapsulated response body.
	MediaTypeResponse = "application/vnd.tinfoil.ehbp-v1+encrypted-response"

	// KeysEndpoint serves the server's current key configuration. Only the
	// unverified development path fetches it; the verified path takes the
	// key from the attestation report.
	KeysEndpoint = "/.well-known/hpke-keys"

	protocolLabel = "tinfoil-ehbp-v1"
)

// The cipher suite is fixed by the protocol.
var (
	kemID  = hpke.KEM_X25519_HKDF_SHA256
	kdfID  = hpke.KDF_HKDF_SHA256
	aeadID = hpke.AEAD_AES128GCM
	suite  = hpke.NewSuite(kemID, kdfID, aeadID)
)

// KeyConfigMismatchError is raised when the server reports that the
// client's encapsulated key no longer matches a live key configuration,
// i.e. the server has rotated its HPKE config since attestation. The
// request was not accepted, so re-attesting and retrying is safe.
type KeyConfigMismatchError struct {
	KeyID uint8
}

func (e *KeyConfigMismatchError) Error() string {
	return fmt.Sprintf("server key configuration no longer matches key ID %d", e.KeyID)
}

// IsKeyConfigMismatch reports whether err is a KeyConfigMismatchError.
func IsKeyConfigMismatch(err error) bool {
	var kce *KeyConfigMismatchError
	return errors.As(err, &kce)
}

// Identity is a server's HPKE public key under which request bodies are
// sealed.
type Identity struct {
	keyID    uint8
	public   kem.PublicKey
	rawBytes []byte
}

// IdentityFromPublicKeyHex constructs an identity from a hex-encoded X25519
// public key, e.g. one attested in an SEV-SNP report's REPORT_DATA.
func IdentityFromPublicKeyHex(publicKeyHex string) (*Identity, error) {
	raw, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("public key is not hex: %w", err)
	}
	return IdentityFromPublicKey(raw)
}

// IdentityFromPublicKey constructs an identity from a raw X25519 public key.
func IdentityFromPublicKey(raw []byte) (*Identity, error) {
	scheme := kemID.Scheme()
	if len(raw) != scheme.PublicKeySize() {
		return nil, fmt.Errorf("public key is %d bytes, expected %d", len(raw), scheme.PublicKeySize())
	}
	pub, err := scheme.UnmarshalBinaryPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("could not unmarshal public key: %w", err)
	}
	return &Identity{public: pub, rawBytes: append([]byte(nil), raw...)}, nil
}

// KeyID returns the key configuration identifier the identity was built
// with. Identities from attested raw keys carry key ID 0.
func (id *Identity) KeyID() uint8 { return id.keyID }

// PublicKeyHex returns the identity's public key in hex.
func (id *Identity) PublicKeyHex() string { return hex.EncodeToString(id.rawBytes) }

// header returns the wire header identifying the key configuration and
// cipher suite of an encapsulated request.
func (id *Identity) header() []byte {
	return []byte{
		id.keyID,
		byte(uint16(kemID) >> 8), byte(kemID),
		byte(uint16(kdfID) >> 8), byte(kdfID),
		byte(uint16(aeadID) >> 8), byte(aeadID),
	}
}
