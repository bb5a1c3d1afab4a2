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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"sync"

	"golang.org/x/crypto/hkdf"

	"crypto/sha256"
)

const (
	exportedSecretLength = 32
	responseNonceLength  = 16
	aeadKeyLength        = 16
	aeadNonceLength      = 12
)

// SessionToken captures what is needed to decrypt a pending response after
// the originating transport is gone, e.g. across a process restart.
type SessionToken struct {
	// ExportedSecret is the HPKE exporter secret of the request context.
	ExportedSecret []byte
	// RequestEnc is the encapsulated key the request was sent with.
	RequestEnc []byte
}

// Transport encrypts request bodies to a server identity and decrypts
// response bodies. It is safe for concurrent use.
type Transport struct {
	identity    *Identity
	requestHost string
	client      *http.Client

	mu        sync.Mutex
	lastToken *SessionToken
}

// NewTransport returns a transport sealing bodies to the given identity.
// requestHost is bound into the encryption context: ciphertexts produced
// for one host do not decrypt for another.
func NewTransport(identity *Identity, requestHost string) *Transport {
	return &Transport{
		identity:    identity,
		requestHost: requestHost,
		client:      http.DefaultClient,
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func (t *Transport) WithHTTPClient(client *http.Client) *Transport {
	t.client = client
	return t
}

func (t *Transport) contextInfo() []byte {
	var info bytes.Buffer
	info.WriteString(protocolLabel)
	info.WriteByte(0)
	info.Write(t.identity.header())
	info.WriteByte(0)
	info.WriteString(t.requestHost)
	return info.Bytes()
}

// Do sends the request with its body sealed to the server identity and
// returns the response with its body opened. The request's context governs
// cancellation. A server-signaled key rotation surfaces as
// KeyConfigMismatchError.
func (t *Transport) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
	}

	sender, err := suite.NewSender(t.identity.public, t.contextInfo())
	if err != nil {
		return nil, fmt.Errorf("could not create HPKE sender: %w", err)
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("HPKE setup failed: %w", err)
	}
	ciphertext, err := sealer.Seal(body, nil)
	if err != nil {
		return nil, fmt.Errorf("could not seal request body: %w", err)
	}
	exported := sealer.Export([]byte(protocolLabel+" response"), exportedSecretLength)

	token := &SessionToken{
		ExportedSecret: exported,
		RequestEnc:     append([]byte(nil), enc...),
	}
	t.mu.Lock()
	t.lastToken = token
	t.mu.Unlock()

	sealed := append(t.identity.header(), enc...)
	sealed = append(sealed, ciphertext...)

	outbound := req.Clone(req.Context())
	outbound.Body = io.NopCloser(bytes.NewReader(sealed))
	outbound.ContentLength = int64(len(sealed))
	outbound.Header = req.Header.Clone()
	if outbound.Header == nil {
		outbound.Header = http.Header{}
	}
	outbound.Header.Set("Content-Type", MediaTypeRequest)

	resp, err := t.client.Do(outbound)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnprocessableEntity && resp.Header.Get("Content-Type") == MediaTypeKeys {
		// The server no longer holds our key configuration: it rotated its
		// HPKE keys since we attested them.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, &KeyConfigMismatchError{KeyID: t.identity.keyID}
	}
	if resp.Header.Get("Content-Type") != MediaTypeResponse {
		return resp, nil
	}
	sealedResp, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	plaintext, err := DecryptResponse(token, sealedResp)
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(plaintext))
	resp.ContentLength = int64(len(plaintext))
	resp.Header.Del("Content-Type")
	resp.Header.Del("Content-Length")
	return resp, nil
}

// Token returns the session recovery token of the most recent request, or
// nil if no request was sent yet.
func (t *Transport) Token() *SessionToken {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastToken
}

// DecryptResponse opens a sealed response body with a session token. The
// key schedule follows RFC 9458 §4.4: the response nonce prefixing the body
// salts the exporter secret, from which the AEAD key and nonce derive.
func DecryptResponse(token *SessionToken, sealed []byte) ([]byte, error) {
	if len(token.ExportedSecret) != exportedSecretLength {
		return nil, fmt.Errorf("exported secret is %d bytes, expected %d", len(token.ExportedSecret), exportedSecretLength)
	}
	if len(sealed) < responseNonceLength {
		return nil, fmt.Errorf("sealed response is too short: %d bytes", len(sealed))
	}
	responseNonce := sealed[:responseNonceLength]
	ciphertext := sealed[responseNonceLength:]

	prk := hkdf.Extract(sha256.New, token.ExportedSecret, responseNonce)
	key := make([]byte, aeadKeyLength)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, []byte("key")), key); err != nil {
		return nil, err
	}
	nonce := make([]byte, aeadNonceLength)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, []byte("nonce")), nonce); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("could not open response body: %w", err)
	}
	return plaintext, nil
}

// SealResponse is the server-side counterpart of DecryptResponse. Used by
// test servers.
func SealResponse(exportedSecret, plaintext []byte) ([]byte, error) {
	responseNonce := make([]byte, responseNonceLength)
	if _, err := rand.Read(responseNonce); err != nil {
		return nil, err
	}
	prk := hkdf.Extract(sha256.New, exportedSecret, responseNonce)
	key := make([]byte, aeadKeyLength)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, []byte("key")), key); err != nil {
		return nil, err
	}
	nonce := make([]byte, aeadNonceLength)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, []byte("nonce")), nonce); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return append(responseNonce, aead.Seal(nil, nonce, plaintext, nil)...), nil
}
