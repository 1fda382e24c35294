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

package fwsig

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"math"

	"github.com/golang/glog"
	"github.com/o-gs/imah-tools/api"
	"github.com/o-gs/imah-tools/internal/crypto"
	"github.com/o-gs/imah-tools/internal/keys"
)

// Stripped is a module with its signature removed and its payload decrypted.
// Together with the key material it holds everything needed to rebuild the module.
type Stripped struct {
	Head    api.HeadInfo
	Payload []byte
}

// VerifyAndStrip checks the signature and payload digest of m using key
// material from store, and returns the decrypted payload.
//
// Errors are one of: ErrUnrecognizedFormat (wrapped), *ParseError,
// *KeyUnavailableError or *VerificationError. Any other error comes from the store.
func VerifyAndStrip(m Module, store keys.Store) (*Stripped, error) {
	v := DetectFormat(m.Data)
	if v == api.VariantUnrecognized {
		return nil, fmt.Errorf("%s: %w", pathOrData(m.Path), ErrUnrecognizedFormat)
	}
	env, err := ParseEnvelope(m.Data, v)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Path = m.Path
		}
		return nil, err
	}

	mat, err := store.Lookup(m.Product)
	if err != nil {
		if errors.Is(err, keys.ErrNotFound) {
			return nil, &KeyUnavailableError{Path: m.Path, Product: m.Product, KeyID: api.KeyID(env.Header.AuthKey), Reason: "product not in key store"}
		}
		return nil, fmt.Errorf("%s: key lookup for %q failed: %w", pathOrData(m.Path), m.Product, err)
	}
	if err := checkAuthKey(mat, env.Header); err != nil {
		err.Path = m.Path
		return nil, err
	}
	if err := crypto.VerifyHeader(mat.AuthPub, env.SignedHeader, env.Signature); err != nil {
		return nil, &VerificationError{Path: m.Path, Variant: v, Err: err}
	}
	if d := sha256.Sum256(env.Payload); !bytes.Equal(d[:], env.Header.PayloadDigest[:]) {
		return nil, &VerificationError{Path: m.Path, Variant: v, Err: errDigestMismatch}
	}
	glog.V(1).Infof("%s: %s signature verified with %q key of %q", pathOrData(m.Path), v, mat.AuthKeyID, mat.Product)

	plain, err := transformChunks(mat, env.Header, env.Chunks, env.Payload, false)
	if err != nil {
		if ke, ok := err.(*KeyUnavailableError); ok {
			ke.Path = m.Path
		}
		return nil, err
	}
	return &Stripped{
		Head:    api.NewHeadInfo(env.Header, env.Chunks),
		Payload: plain,
	}, nil
}

// Sign rebuilds a signed module of variant v from a stripped one.
// The output only depends on s and the key material, so stripping a module
// and signing it again with the same keys yields the original bytes.
func Sign(s *Stripped, v api.Variant, mat *keys.Material) ([]byte, error) {
	if s.Head.Variant != v {
		return nil, fmt.Errorf("head info is for variant %s, not %s", s.Head.Variant, v)
	}
	if uint64(len(s.Payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("payload of %d bytes is too large", len(s.Payload))
	}
	h, chunks, err := s.Head.Header(uint32(len(s.Payload)))
	if err != nil {
		return nil, fmt.Errorf("bad head info: %w", err)
	}
	if h.AuthAlg != api.AuthAlgRSA2048 || h.SignatureSize != api.RSA2048SignatureLen {
		return nil, fmt.Errorf("unsupported auth_alg %d with signature size %d", h.AuthAlg, h.SignatureSize)
	}
	if uint64(h.Size) != uint64(h.HeaderSize)+uint64(h.SignatureSize)+uint64(len(s.Payload)) {
		return nil, fmt.Errorf("module of %d bytes is too large", len(s.Payload))
	}
	if err := checkChunks(h, chunks); err != nil {
		err.Variant = v
		return nil, err
	}
	if mat == nil {
		return nil, &KeyUnavailableError{KeyID: api.KeyID(h.AuthKey), Reason: "no key material"}
	}
	if err := checkAuthKey(mat, h); err != nil {
		return nil, err
	}
	if mat.AuthPriv == nil {
		return nil, &KeyUnavailableError{Product: mat.Product, KeyID: mat.AuthKeyID, Reason: "only the public part is known"}
	}

	payload, err := transformChunks(mat, h, chunks, s.Payload, true)
	if err != nil {
		return nil, err
	}
	h.PayloadDigest = sha256.Sum256(payload)

	head := api.MarshalHeader(h, chunks)
	sig, err := crypto.SignHeader(mat.AuthPriv, head)
	if err != nil {
		return nil, err
	}
	if uint32(len(sig)) != h.SignatureSize {
		return nil, &KeyUnavailableError{Product: mat.Product, KeyID: mat.AuthKeyID, Reason: fmt.Sprintf("key makes %d byte signatures, header needs %d", len(sig), h.SignatureSize)}
	}

	out := make([]byte, 0, h.Size)
	out = append(out, head...)
	out = append(out, sig...)
	out = append(out, payload...)
	return out, nil
}

func checkAuthKey(mat *keys.Material, h api.Header) *KeyUnavailableError {
	id := api.KeyID(h.AuthKey)
	if mat.AuthPub == nil {
		return &KeyUnavailableError{Product: mat.Product, KeyID: id, Reason: "no auth key"}
	}
	if mat.AuthKeyID != id {
		return &KeyUnavailableError{Product: mat.Product, KeyID: id, Reason: fmt.Sprintf("store only holds auth key %q", mat.AuthKeyID)}
	}
	return nil
}

// transformChunks encrypts or decrypts every encrypted chunk of payload,
// returning a new slice. Bytes outside of encrypted chunks are copied as they are.
func transformChunks(mat *keys.Material, h api.Header, chunks []api.Chunk, payload []byte, encrypt bool) ([]byte, error) {
	out := append([]byte(nil), payload...)

	var chunkKey []byte
	for i, c := range chunks {
		if !c.Encrypted() {
			continue
		}
		if chunkKey == nil {
			id := api.KeyID(h.EncKey)
			if mat.EncKeyID != id || mat.EncKey == nil {
				return nil, &KeyUnavailableError{Product: mat.Product, KeyID: id, Reason: "encryption key not published"}
			}
			k, err := crypto.UnwrapChunkKey(mat.EncKey, h.ScramKey[:])
			if err != nil {
				return nil, fmt.Errorf("failed to unwrap chunk key: %w", err)
			}
			chunkKey = k
		}
		start, end := uint64(c.Offset), uint64(c.Offset)+c.AlignedSize()
		var (
			res []byte
			err error
		)
		if encrypt {
			res, err = crypto.EncryptChunk(chunkKey, payload[start:end])
		} else {
			res, err = crypto.DecryptChunk(chunkKey, payload[start:end])
		}
		if err != nil {
			return nil, fmt.Errorf("chunk %d (%q): %w", i, api.KeyID(c.ID), err)
		}
		copy(out[start:end], res)
	}
	return out, nil
}
