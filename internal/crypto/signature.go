// Copyright 2023 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package crypto holds the cryptographic primitives used by IMaH modules:
// RSA header signatures and AES chunk encryption.
package crypto

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// ErrBadSignature is returned when a header signature does not verify.
var ErrBadSignature = errors.New("header signature mismatch")

// zeroIV is used by both the key wrapping and the chunk ciphers.
var zeroIV = make([]byte, aes.BlockSize)

// ParseRSAPrivateKey parses a PEM encoded PKCS#1 or PKCS#8 RSA private key.
func ParseRSAPrivateKey(p string) (*rsa.PrivateKey, error) {
	privPem, err := decodeSinglePEM(p)
	if err != nil {
		return nil, err
	}
	switch privPem.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(privPem.Bytes)
		if err != nil {
			return nil, fmt.Errorf("unable to parse RSA private key: %w", err)
		}
		return k, nil
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(privPem.Bytes)
		if err != nil {
			return nil, fmt.Errorf("unable to parse PKCS#8 private key: %w", err)
		}
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("PKCS#8 key is %T, not RSA", k)
		}
		return rk, nil
	default:
		return nil, fmt.Errorf("RSA private key is of the wrong type %s", privPem.Type)
	}
}

// ParseRSAPublicKey parses a PEM encoded PKCS#1 or PKIX RSA public key.
func ParseRSAPublicKey(p string) (*rsa.PublicKey, error) {
	pubPem, err := decodeSinglePEM(p)
	if err != nil {
		return nil, err
	}
	switch pubPem.Type {
	case "RSA PUBLIC KEY":
		k, err := x509.ParsePKCS1PublicKey(pubPem.Bytes)
		if err != nil {
			return nil, fmt.Errorf("unable to parse RSA public key: %w", err)
		}
		return k, nil
	case "PUBLIC KEY":
		k, err := x509.ParsePKIXPublicKey(pubPem.Bytes)
		if err != nil {
			return nil, fmt.Errorf("unable to parse PKIX public key: %w", err)
		}
		rk, ok := k.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("PKIX key is %T, not RSA", k)
		}
		return rk, nil
	default:
		return nil, fmt.Errorf("RSA public key is of the wrong type %s", pubPem.Type)
	}
}

func decodeSinglePEM(p string) (*pem.Block, error) {
	b, rest := pem.Decode([]byte(p))
	if b == nil {
		return nil, errors.New("pem decoded to nil")
	}
	if len(bytes.TrimSpace(rest)) != 0 {
		return nil, fmt.Errorf("extraneous data: %q", rest)
	}
	return b, nil
}

// SignHeader signs the SHA-256 digest of a serialised header.
// PKCS#1 v1.5 is deterministic, so signing the same header with the same key
// always gives the same bytes.
func SignHeader(key *rsa.PrivateKey, header []byte) ([]byte, error) {
	h := sha256.Sum256(header)
	sig, err := rsa.SignPKCS1v15(nil, key, crypto.SHA256, h[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign header: %w", err)
	}
	return sig, nil
}

// VerifyHeader checks a signature made by SignHeader.
func VerifyHeader(key *rsa.PublicKey, header, sig []byte) error {
	h := sha256.Sum256(header)
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, h[:], sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// UnwrapChunkKey recovers the AES-128 chunk key from the scram key stored in
// a header, using the 32 byte product key.
func UnwrapChunkKey(encKey, scram []byte) ([]byte, error) {
	return cbc(encKey, scram, false)
}

// WrapChunkKey is the inverse of UnwrapChunkKey.
func WrapChunkKey(encKey, chunkKey []byte) ([]byte, error) {
	return cbc(encKey, chunkKey, true)
}

// DecryptChunk decrypts block aligned chunk data.
func DecryptChunk(chunkKey, data []byte) ([]byte, error) {
	return cbc(chunkKey, data, false)
}

// EncryptChunk encrypts block aligned chunk data.
func EncryptChunk(chunkKey, data []byte) ([]byte, error) {
	return cbc(chunkKey, data, true)
}

func cbc(key, in []byte, encrypt bool) ([]byte, error) {
	if len(in)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("data length %d is not a multiple of %d", len(in), aes.BlockSize)
	}
	b, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("bad AES key: %w", err)
	}
	out := make([]byte, len(in))
	if encrypt {
		cipher.NewCBCEncrypter(b, zeroIV).CryptBlocks(out, in)
	} else {
		cipher.NewCBCDecrypter(b, zeroIV).CryptBlocks(out, in)
	}
	return out, nil
}
