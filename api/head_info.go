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

package api

import (
	"fmt"
)

// HeadInfo carries every header field which cannot be derived from the
// payload and key material. It is written next to a stripped payload so the
// module can later be re-signed into exactly the original bytes.
type HeadInfo struct {
	Variant       Variant
	HeaderVersion uint32
	Reserved      []byte
	SignatureSize uint32
	TargetSize    uint32
	OS            uint8
	Arch          uint8
	Compression   uint8
	AntiVersion   uint8
	AuthAlg       uint32
	// AuthKey, EncKey and chunk IDs are kept as raw bytes, since they need not be text.
	AuthKey       []byte
	EncKey        []byte
	ScramKey      []byte
	Name          []byte
	Version       uint32
	Date          uint32
	EncrCksum     uint32
	Reserved2     []byte
	UserData      []byte
	Entry         []byte
	PlainCksum    uint32
	Chunks        []ChunkInfo
}

// ChunkInfo is the carried forward form of a Chunk.
type ChunkInfo struct {
	ID       []byte
	Offset   uint32
	Size     uint32
	Attrib   uint32
	Address  uint64
	Reserved []byte
}

// NewHeadInfo extracts the non-derivable fields of a parsed header.
func NewHeadInfo(h Header, chunks []Chunk) HeadInfo {
	hi := HeadInfo{
		Variant:       Variant(h.Type[:]),
		HeaderVersion: h.HeaderVersion,
		Reserved:      clone(h.Reserved[:]),
		SignatureSize: h.SignatureSize,
		TargetSize:    h.TargetSize,
		OS:            h.OS,
		Arch:          h.Arch,
		Compression:   h.Compression,
		AntiVersion:   h.AntiVersion,
		AuthAlg:       h.AuthAlg,
		AuthKey:       clone(h.AuthKey[:]),
		EncKey:        clone(h.EncKey[:]),
		ScramKey:      clone(h.ScramKey[:]),
		Name:          clone(h.Name[:]),
		Version:       h.Version,
		Date:          h.Date,
		EncrCksum:     h.EncrCksum,
		Reserved2:     clone(h.Reserved2[:]),
		UserData:      clone(h.UserData[:]),
		Entry:         clone(h.Entry[:]),
		PlainCksum:    h.PlainCksum,
	}
	for _, c := range chunks {
		hi.Chunks = append(hi.Chunks, ChunkInfo{
			ID:       clone(c.ID[:]),
			Offset:   c.Offset,
			Size:     c.Size,
			Attrib:   c.Attrib,
			Address:  c.Address,
			Reserved: clone(c.Reserved[:]),
		})
	}
	return hi
}

// Header rebuilds the header and chunk table for a payload of the given size.
// Size fields are recomputed; PayloadDigest is left zero for the signer to fill in.
func (hi HeadInfo) Header(payloadSize uint32) (Header, []Chunk, error) {
	var h Header
	h.Magic = Magic
	h.HeaderVersion = hi.HeaderVersion
	if err := copyExact(h.Reserved[:], hi.Reserved, "Reserved"); err != nil {
		return h, nil, err
	}
	h.SignatureSize = hi.SignatureSize
	h.PayloadSize = payloadSize
	h.TargetSize = hi.TargetSize
	h.OS, h.Arch, h.Compression, h.AntiVersion = hi.OS, hi.Arch, hi.Compression, hi.AntiVersion
	h.AuthAlg = hi.AuthAlg
	if err := copyID(h.AuthKey[:], hi.AuthKey, "AuthKey"); err != nil {
		return h, nil, err
	}
	if err := copyID(h.EncKey[:], hi.EncKey, "EncKey"); err != nil {
		return h, nil, err
	}
	if err := copyExact(h.ScramKey[:], hi.ScramKey, "ScramKey"); err != nil {
		return h, nil, err
	}
	if err := copyExact(h.Name[:], hi.Name, "Name"); err != nil {
		return h, nil, err
	}
	if !hi.Variant.Known() {
		return h, nil, fmt.Errorf("unknown variant %q", string(hi.Variant))
	}
	copy(h.Type[:], hi.Variant)
	h.Version = hi.Version
	h.Date = hi.Date
	h.EncrCksum = hi.EncrCksum
	if err := copyExact(h.Reserved2[:], hi.Reserved2, "Reserved2"); err != nil {
		return h, nil, err
	}
	if err := copyExact(h.UserData[:], hi.UserData, "UserData"); err != nil {
		return h, nil, err
	}
	if err := copyExact(h.Entry[:], hi.Entry, "Entry"); err != nil {
		return h, nil, err
	}
	h.PlainCksum = hi.PlainCksum
	h.ChunkNum = uint32(len(hi.Chunks))

	chunks := make([]Chunk, 0, len(hi.Chunks))
	for i, ci := range hi.Chunks {
		c := Chunk{
			Offset:  ci.Offset,
			Size:    ci.Size,
			Attrib:  ci.Attrib,
			Address: ci.Address,
		}
		if err := copyID(c.ID[:], ci.ID, fmt.Sprintf("Chunks[%d].ID", i)); err != nil {
			return h, nil, err
		}
		if err := copyExact(c.Reserved[:], ci.Reserved, fmt.Sprintf("Chunks[%d].Reserved", i)); err != nil {
			return h, nil, err
		}
		chunks = append(chunks, c)
	}

	h.HeaderSize = uint32(HeaderLen + len(chunks)*ChunkLen)
	h.Size = h.HeaderSize + h.SignatureSize + payloadSize
	return h, chunks, nil
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

func copyExact(dst, src []byte, field string) error {
	if len(src) != len(dst) {
		return fmt.Errorf("%s must be %d bytes, got %d", field, len(dst), len(src))
	}
	copy(dst, src)
	return nil
}

// copyID accepts IDs shorter than dst, leaving the rest zero.
func copyID(dst, id []byte, field string) error {
	if len(id) > len(dst) {
		return fmt.Errorf("%s %q is longer than %d bytes", field, id, len(dst))
	}
	copy(dst, id)
	return nil
}
