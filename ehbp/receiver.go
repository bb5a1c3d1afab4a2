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
	"bytes"
	"fmt"

	"github.com/cloudflare/circl/kem"
)

// Receiver is the server side of the protocol. The client library only uses
// it in tests and tooling; production receivers live in the enclave.
type Receiver struct {
	private  kem.PrivateKey
	identity *Identity
}

// NewReceiver generates a fresh keypair and returns its receiver.
func NewReceiver() (*Receiver, error) {
	pub, priv, err := kemID.Scheme().GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	raw, err := pub.MarshalBinary()
	if err != nil {
		return nil, err
	}
	identity, err := IdentityFromPublicKey(raw)
	if err != nil {
		return nil, err
	}
	return &Receiver{private: priv, identity: identity}, nil
}

// Identity returns the receiver's public identity.
func (r *Receiver) Identity() *Identity { return r.identity }

// Open unseals a request body produced by a Transport bound to requestHost.
// It returns the plaintext and the exporter secret needed to seal the
// response.
func (r *Receiver) Open(requestHost string, sealed []byte) ([]byte, []byte, error) {
	header := r.identity.header()
	if len(sealed) < len(header) {
		return nil, nil, fmt.Errorf("sealed request is too short: %d bytes", len(sealed))
	}
	if !bytes.Equal(sealed[:len(header)], header) {
		return nil, nil, &KeyConfigMismatchError{KeyID: sealed[0]}
	}
	rest := sealed[len(header):]
	encSize := kemID.Scheme().CiphertextSize()
	if len(rest) < encSize {
		return nil, nil, fmt.Errorf("sealed request is missing its encapsulated key")
	}
	enc, ciphertext := rest[:encSize], rest[encSize:]

	var info bytes.Buffer
	info.WriteString(protocolLabel)
	info.WriteByte(0)
	info.Write(header)
	info.WriteByte(0)
	info.WriteString(requestHost)

	receiver, err := suite.NewReceiver(r.private, info.Bytes())
	if err != nil {
		return nil, nil, err
	}
	opener, err := receiver.Setup(enc)
	if err != nil {
		return nil, nil, err
	}
	plaintext, err := opener.Open(ciphertext, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("could not open request body: %w", err)
	}
	exported := opener.Export([]byte(protocolLabel+" response"), exportedSecretLength)
	return plaintext, exported, nil
}
