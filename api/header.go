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
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// HeaderLen is the size of the fixed part of the header.
	HeaderLen = 192
	// ChunkLen is the size of a single chunk table entry.
	ChunkLen = 32
	// ChunkAlign is the alignment of chunks within the payload.
	ChunkAlign = 16

	// AuthAlgRSA2048 is RSA-2048 with PKCS#1 v1.5 padding over a SHA-256 digest of the header.
	AuthAlgRSA2048 = 1
	// RSA2048SignatureLen is the size of a signature made with AuthAlgRSA2048.
	RSA2048SignatureLen = 256

	// ChunkAttribPlain marks a chunk which is stored unencrypted.
	ChunkAttribPlain = 0x01
)

// Magic is the marker which starts every module.
var Magic = [4]byte{'I', 'M', '*', 'H'}

// Header is the fixed part of a module header.
// All fields are little-endian and the struct has no padding, so it can be
// read and written with encoding/binary directly.
type Header struct {
	Magic         [4]byte
	HeaderVersion uint32
	// Size is the total size of the module file.
	Size     uint32
	Reserved [4]byte
	// HeaderSize covers this struct and the chunk table which follows it.
	HeaderSize    uint32
	SignatureSize uint32
	PayloadSize   uint32
	TargetSize    uint32
	OS            uint8
	Arch          uint8
	Compression   uint8
	AntiVersion   uint8
	AuthAlg       uint32
	// AuthKey is the ID of the key used to sign the header.
	AuthKey [4]byte
	// EncKey is the ID of the key used to wrap ScramKey. All zeroes if the payload is not encrypted.
	EncKey [4]byte
	// ScramKey is the per-module chunk key, wrapped with the EncKey.
	ScramKey [16]byte
	Name     [32]byte
	// Type holds the ASCII variant code.
	Type          [4]byte
	Version       uint32
	Date          uint32
	EncrCksum     uint32
	Reserved2     [16]byte
	UserData      [16]byte
	Entry         [8]byte
	PlainCksum    uint32
	ChunkNum      uint32
	PayloadDigest [32]byte
}

// Chunk is an entry of the chunk table.
type Chunk struct {
	ID [4]byte
	// Offset is relative to the start of the payload.
	Offset   uint32
	Size     uint32
	Attrib   uint32
	Address  uint64
	Reserved [8]byte
}

// Encrypted returns true if the chunk data is stored encrypted.
func (c Chunk) Encrypted() bool {
	return c.Attrib&ChunkAttribPlain == 0
}

// AlignedSize is the space taken by the chunk within the payload.
func (c Chunk) AlignedSize() uint64 {
	return AlignSize(uint64(c.Size))
}

// AlignSize rounds n up to ChunkAlign.
func AlignSize(n uint64) uint64 {
	return (n + ChunkAlign - 1) &^ (ChunkAlign - 1)
}

// KeyID renders a 4 byte key identifier, trimming trailing NULs.
func KeyID(id [4]byte) string {
	return string(bytes.TrimRight(id[:], "\x00"))
}

// UnmarshalHeader decodes the fixed part of a header from the start of b.
func UnmarshalHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderLen {
		return h, fmt.Errorf("need %d bytes for header, got %d", HeaderLen, len(b))
	}
	if err := binary.Read(bytes.NewReader(b[:HeaderLen]), binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("failed to decode header: %w", err)
	}
	return h, nil
}

// UnmarshalChunks decodes n chunk table entries from the start of b.
func UnmarshalChunks(b []byte, n uint32) ([]Chunk, error) {
	if uint64(len(b)) < uint64(n)*ChunkLen {
		return nil, fmt.Errorf("need %d bytes for %d chunks, got %d", uint64(n)*ChunkLen, n, len(b))
	}
	cs := make([]Chunk, n)
	if err := binary.Read(bytes.NewReader(b[:int(n)*ChunkLen]), binary.LittleEndian, cs); err != nil {
		return nil, fmt.Errorf("failed to decode chunk table: %w", err)
	}
	return cs, nil
}

// MarshalHeader encodes the header followed by the chunk table.
func MarshalHeader(h Header, chunks []Chunk) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, HeaderLen+len(chunks)*ChunkLen))
	// Writes to a bytes.Buffer of fixed size structs cannot fail.
	_ = binary.Write(buf, binary.LittleEndian, h)
	_ = binary.Write(buf, binary.LittleEndian, chunks)
	return buf.Bytes()
}
