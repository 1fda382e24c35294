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

// Package fwsig implements the IMaH firmware module signature container:
// classification, envelope parsing, verification and stripping of the
// signature, and deterministic re-signing.
package fwsig

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/o-gs/imah-tools/api"
)

// Module is a firmware module file read into memory.
type Module struct {
	// Path is only used for diagnostics.
	Path string
	// Product selects the key material, e.g. "wm330".
	Product string
	Data    []byte
}

// Envelope is the parsed signature envelope of a module.
type Envelope struct {
	Variant api.Variant
	Header  api.Header
	Chunks  []api.Chunk
	// SignedHeader is the header and chunk table exactly as covered by Signature.
	SignedHeader []byte
	Signature    []byte
	Payload      []byte
}

// DetectFormat returns the variant of the module in b, or api.VariantUnrecognized.
// Only the fixed header region is inspected, and no input makes it fail.
func DetectFormat(b []byte) api.Variant {
	if len(b) < api.HeaderLen {
		return api.VariantUnrecognized
	}
	if !bytes.Equal(b[0:4], api.Magic[:]) {
		return api.VariantUnrecognized
	}
	// header_version is 0 or 1 in every known variant.
	if b[5] != 0 || b[6] != 0 || b[7] != 0 || b[4] > 1 {
		return api.VariantUnrecognized
	}
	v := api.Variant(b[96:100])
	if !v.Known() {
		return api.VariantUnrecognized
	}
	return v
}

// ParseEnvelope extracts the envelope of a module already classified as v.
// Any declared size or offset which does not fit the data is reported as a *ParseError.
func ParseEnvelope(b []byte, v api.Variant) (*Envelope, error) {
	if got := DetectFormat(b); got != v {
		return nil, parseErrorf(v, "header is %s, not %s", got, v)
	}
	h, err := api.UnmarshalHeader(b)
	if err != nil {
		return nil, parseErrorf(v, "%v", err)
	}
	if uint64(h.Size) != uint64(len(b)) {
		return nil, parseErrorf(v, "declared size %d but file has %d bytes", h.Size, len(b))
	}
	if want := uint64(api.HeaderLen) + uint64(h.ChunkNum)*api.ChunkLen; uint64(h.HeaderSize) != want {
		return nil, parseErrorf(v, "header size %d does not match %d chunks", h.HeaderSize, h.ChunkNum)
	}
	if total := uint64(h.HeaderSize) + uint64(h.SignatureSize) + uint64(h.PayloadSize); total != uint64(h.Size) {
		return nil, parseErrorf(v, "header %d + signature %d + payload %d != size %d", h.HeaderSize, h.SignatureSize, h.PayloadSize, h.Size)
	}
	if h.AuthAlg != api.AuthAlgRSA2048 {
		return nil, parseErrorf(v, "unsupported auth_alg %d", h.AuthAlg)
	}
	if h.SignatureSize != api.RSA2048SignatureLen {
		return nil, parseErrorf(v, "signature size %d, want %d", h.SignatureSize, api.RSA2048SignatureLen)
	}

	chunks, err := api.UnmarshalChunks(b[api.HeaderLen:h.HeaderSize], h.ChunkNum)
	if err != nil {
		return nil, parseErrorf(v, "%v", err)
	}
	if err := checkChunks(h, chunks); err != nil {
		err.Variant = v
		return nil, err
	}

	sigEnd := h.HeaderSize + h.SignatureSize
	return &Envelope{
		Variant:      v,
		Header:       h,
		Chunks:       chunks,
		SignedHeader: b[:h.HeaderSize],
		Signature:    b[h.HeaderSize:sigEnd],
		Payload:      b[sigEnd:],
	}, nil
}

// checkChunks verifies that chunks lie within the payload without overlapping.
func checkChunks(h api.Header, chunks []api.Chunk) *ParseError {
	type span struct{ start, end uint64 }
	spans := make([]span, 0, len(chunks))
	noEncKey := api.KeyID(h.EncKey) == ""
	for i, c := range chunks {
		end := uint64(c.Offset) + c.AlignedSize()
		if end > uint64(h.PayloadSize) {
			return &ParseError{Reason: fmt.Sprintf("chunk %d [%d, %d) exceeds payload of %d bytes", i, c.Offset, end, h.PayloadSize)}
		}
		if c.Encrypted() && noEncKey {
			return &ParseError{Reason: fmt.Sprintf("chunk %d is encrypted but header names no encryption key", i)}
		}
		// Empty chunks occupy no bytes, so they cannot overlap anything.
		if c.Size == 0 {
			continue
		}
		spans = append(spans, span{uint64(c.Offset), end})
	}
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end < spans[j].end
	})
	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			return &ParseError{Reason: fmt.Sprintf("chunks overlap at payload offset %d", spans[i].start)}
		}
	}
	return nil
}
