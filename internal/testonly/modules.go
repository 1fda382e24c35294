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

// Package testonly builds signed IMaH modules for tests.
package testonly

import (
	"fmt"

	"github.com/o-gs/imah-tools/api"
	"github.com/o-gs/imah-tools/internal/crypto"
	"github.com/o-gs/imah-tools/internal/fwsig"
	"github.com/o-gs/imah-tools/internal/keys"
)

// ChunkKey is the chunk key of every test module.
var ChunkKey = []byte("test-chunk-key!!")

// Stripped returns an unsigned module of variant v holding the given chunks.
// Chunks are encrypted if mat has a PUEK, and stored plain otherwise.
func Stripped(mat *keys.Material, v api.Variant, chunks ...[]byte) (*fwsig.Stripped, error) {
	hi := api.HeadInfo{
		Variant:       v,
		HeaderVersion: 1,
		Reserved:      make([]byte, 4),
		SignatureSize: api.RSA2048SignatureLen,
		OS:            2,
		Arch:          1,
		AuthAlg:       api.AuthAlgRSA2048,
		AuthKey:       []byte(mat.AuthKeyID),
		ScramKey:      make([]byte, 16),
		Name:          make([]byte, 32),
		Version:       0x01020304,
		Date:          0x20230115,
		EncrCksum:     0xdeadbeef,
		Reserved2:     make([]byte, 16),
		UserData:      make([]byte, 16),
		Entry:         make([]byte, 8),
		PlainCksum:    0xcafef00d,
	}
	copy(hi.Name, fmt.Sprintf("%s test module", v))
	attrib := uint32(api.ChunkAttribPlain)
	if mat.EncKey != nil {
		scram, err := crypto.WrapChunkKey(mat.EncKey, ChunkKey)
		if err != nil {
			return nil, err
		}
		hi.ScramKey = scram
		hi.EncKey = []byte(mat.EncKeyID)
		attrib = 0
	}

	var payload []byte
	for i, c := range chunks {
		hi.Chunks = append(hi.Chunks, api.ChunkInfo{
			ID:       []byte(fmt.Sprintf("%04d", i)),
			Offset:   uint32(len(payload)),
			Size:     uint32(len(c)),
			Attrib:   attrib,
			Address:  0x80000000 + uint64(len(payload)),
			Reserved: make([]byte, 8),
		})
		hi.TargetSize += uint32(len(c))
		payload = append(payload, c...)
		payload = append(payload, make([]byte, int(api.AlignSize(uint64(len(c))))-len(c))...)
	}
	return &fwsig.Stripped{Head: hi, Payload: payload}, nil
}

// Module returns a signed module of variant v holding the given chunks.
func Module(mat *keys.Material, v api.Variant, chunks ...[]byte) ([]byte, error) {
	s, err := Stripped(mat, v, chunks...)
	if err != nil {
		return nil, err
	}
	return fwsig.Sign(s, v, mat)
}
