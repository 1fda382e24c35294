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

package fwsig_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	gomock "github.com/golang/mock/gomock"
	"github.com/google/go-cmp/cmp"
	"github.com/o-gs/imah-tools/api"
	"github.com/o-gs/imah-tools/internal/crypto"
	"github.com/o-gs/imah-tools/internal/fwsig"
	"github.com/o-gs/imah-tools/internal/keys"
	"github.com/o-gs/imah-tools/internal/testonly"
)

var (
	chunkA = []byte("a chunk of firmware which spans two blocks")
	chunkB = []byte("tiny")
)

func mustModule(t *testing.T, product string, v api.Variant) ([]byte, *keys.Material) {
	t.Helper()
	mat, err := keys.TestStore().Lookup(product)
	if err != nil {
		t.Fatalf("Lookup(%q): %v", product, err)
	}
	b, err := testonly.Module(mat, v, chunkA, chunkB)
	if err != nil {
		t.Fatalf("failed to build module: %v", err)
	}
	return b, mat
}

func TestRoundTrip(t *testing.T) {
	store := keys.TestStore()
	for _, product := range []string{"wm330", "wm220"} {
		for _, v := range api.KnownVariants {
			t.Run(product+"_"+string(v), func(t *testing.T) {
				mat, _ := store.Lookup(product)
				want, err := testonly.Stripped(mat, v, chunkA, chunkB)
				if err != nil {
					t.Fatalf("failed to build stripped module: %v", err)
				}
				orig, err := fwsig.Sign(want, v, mat)
				if err != nil {
					t.Fatalf("Sign: %v", err)
				}
				if got := fwsig.DetectFormat(orig); got != v {
					t.Fatalf("DetectFormat: got %s, want %s", got, v)
				}
				if bytes.Contains(orig, chunkA) {
					t.Error("signed module contains plaintext chunk")
				}

				got, err := fwsig.VerifyAndStrip(fwsig.Module{Path: "test.bin", Product: product, Data: orig}, store)
				if err != nil {
					t.Fatalf("VerifyAndStrip: %v", err)
				}
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("stripped module differs (-want +got):\n%s", diff)
				}
				if !bytes.HasPrefix(got.Payload, chunkA) {
					t.Error("stripped payload does not start with the first chunk")
				}

				resigned, err := fwsig.Sign(got, v, mat)
				if err != nil {
					t.Fatalf("Sign: %v", err)
				}
				if !bytes.Equal(resigned, orig) {
					t.Error("re-signed module differs from original")
				}
			})
		}
	}
}

func TestRoundTripPlainPayload(t *testing.T) {
	mat := *keys.TestStore()["wm330"]
	mat.EncKey, mat.EncKeyID = nil, ""
	orig, err := testonly.Module(&mat, "1301", chunkA)
	if err != nil {
		t.Fatalf("failed to build module: %v", err)
	}
	if !bytes.Contains(orig, chunkA) {
		t.Fatal("plain module does not contain its chunk")
	}
	s, err := fwsig.VerifyAndStrip(fwsig.Module{Product: "wm330", Data: orig}, keys.MapStore{"wm330": &mat})
	if err != nil {
		t.Fatalf("VerifyAndStrip: %v", err)
	}
	resigned, err := fwsig.Sign(s, "1301", &mat)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !bytes.Equal(resigned, orig) {
		t.Error("re-signed module differs from original")
	}
}

func TestStrippedFiles(t *testing.T) {
	orig, mat := mustModule(t, "wm330", "0905")
	s, err := fwsig.VerifyAndStrip(fwsig.Module{Product: "wm330", Data: orig}, keys.TestStore())
	if err != nil {
		t.Fatalf("VerifyAndStrip: %v", err)
	}
	prefix := filepath.Join(t.TempDir(), "wm330_0905")
	if err := fwsig.WriteStripped(prefix, s); err != nil {
		t.Fatalf("WriteStripped: %v", err)
	}
	got, err := fwsig.ReadStripped(prefix)
	if err != nil {
		t.Fatalf("ReadStripped: %v", err)
	}
	if diff := cmp.Diff(s, got); diff != "" {
		t.Fatalf("stripped module changed on disk (-want +got):\n%s", diff)
	}
	resigned, err := fwsig.Sign(got, "0905", mat)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !bytes.Equal(resigned, orig) {
		t.Error("re-signed module differs from original")
	}
}

func TestDetectFormat(t *testing.T) {
	valid, _ := mustModule(t, "wm330", "2801")
	with := func(off int, b ...byte) []byte {
		r := append([]byte(nil), valid...)
		copy(r[off:], b)
		return r
	}
	for _, test := range []struct {
		desc string
		data []byte
		want api.Variant
	}{
		{desc: "nil", data: nil, want: api.VariantUnrecognized},
		{desc: "short", data: valid[:api.HeaderLen-1], want: api.VariantUnrecognized},
		{desc: "header only", data: valid[:api.HeaderLen], want: "2801"},
		{desc: "full", data: valid, want: "2801"},
		{desc: "bad magic", data: with(0, 'I', 'M', '4', 'H'), want: api.VariantUnrecognized},
		{desc: "header version 2", data: with(4, 2), want: api.VariantUnrecognized},
		{desc: "header version 0", data: with(4, 0), want: "2801"},
		{desc: "unknown type", data: with(96, '0', '0', '0', '0'), want: api.VariantUnrecognized},
		{desc: "other known type", data: with(96, '0', '8', '0', '5'), want: "0805"},
		{desc: "zip file", data: append([]byte("PK\x03\x04"), make([]byte, 300)...), want: api.VariantUnrecognized},
	} {
		t.Run(test.desc, func(t *testing.T) {
			if got := fwsig.DetectFormat(test.data); got != test.want {
				t.Errorf("DetectFormat: got %s, want %s", got, test.want)
			}
		})
	}
}

func TestDetectFormatNeverPanics(t *testing.T) {
	valid, _ := mustModule(t, "wm330", "0801")
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		var b []byte
		switch i % 3 {
		case 0:
			b = make([]byte, r.Intn(400))
			r.Read(b)
		case 1:
			b = valid[:r.Intn(len(valid))]
		default:
			b = append([]byte(nil), valid...)
			b[r.Intn(api.HeaderLen)] ^= byte(1 << uint(r.Intn(8)))
		}
		v := fwsig.DetectFormat(b)
		if v != api.VariantUnrecognized && !v.Known() {
			t.Fatalf("DetectFormat returned unknown variant %q", v)
		}
		if v == api.VariantUnrecognized {
			continue
		}
		// A recognised header must either parse or give a ParseError.
		if _, err := fwsig.ParseEnvelope(b, v); err != nil {
			var pe *fwsig.ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("ParseEnvelope: got %v, want ParseError", err)
			}
		}
	}
}

func FuzzDetectFormat(f *testing.F) {
	mat := keys.TestStore()["wm330"]
	valid, err := testonly.Module(mat, "0801", chunkA)
	if err != nil {
		f.Fatalf("failed to build module: %v", err)
	}
	f.Add(valid)
	f.Add([]byte("IM*H"))
	f.Fuzz(func(t *testing.T, b []byte) {
		if v := fwsig.DetectFormat(b); v != api.VariantUnrecognized {
			_, _ = fwsig.ParseEnvelope(b, v)
		}
	})
}

func TestParseErrors(t *testing.T) {
	valid, _ := mustModule(t, "wm220", "1407")
	put32 := func(off int, val uint32) []byte {
		r := append([]byte(nil), valid...)
		binary.LittleEndian.PutUint32(r[off:], val)
		return r
	}
	hdr, err := api.UnmarshalHeader(valid)
	if err != nil {
		t.Fatalf("UnmarshalHeader: %v", err)
	}
	const chunk0, chunk1 = api.HeaderLen, api.HeaderLen + api.ChunkLen

	for _, test := range []struct {
		desc string
		data []byte
	}{
		{desc: "truncated by one byte", data: valid[:len(valid)-1]},
		{desc: "truncated to header", data: valid[:api.HeaderLen]},
		{desc: "truncated inside signature", data: valid[:int(hdr.HeaderSize)+10]},
		{desc: "trailing data", data: append(append([]byte(nil), valid...), 0)},
		{desc: "payload size too big", data: put32(24, hdr.PayloadSize+16)},
		{desc: "chunk count", data: put32(156, hdr.ChunkNum+1)},
		{desc: "unsupported auth alg", data: put32(36, 2)},
		{desc: "chunk past payload", data: put32(chunk0+8, hdr.PayloadSize+1)},
		{desc: "chunks overlap", data: put32(chunk1+4, 0)},
		{desc: "encrypted chunk without key", data: put32(44, 0)},
	} {
		t.Run(test.desc, func(t *testing.T) {
			v := fwsig.DetectFormat(test.data)
			if v != "1407" {
				t.Fatalf("DetectFormat: got %s, want 1407", v)
			}
			_, err := fwsig.ParseEnvelope(test.data, v)
			var pe *fwsig.ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("ParseEnvelope: got %v, want ParseError", err)
			}

			_, err = fwsig.VerifyAndStrip(fwsig.Module{Path: "x.bin", Product: "wm220", Data: test.data}, keys.TestStore())
			if !errors.As(err, &pe) {
				t.Fatalf("VerifyAndStrip: got %v, want ParseError", err)
			}
			if pe.Path != "x.bin" {
				t.Errorf("ParseError path %q, want x.bin", pe.Path)
			}
		})
	}
}

func TestVerifyAndStripUnrecognized(t *testing.T) {
	_, err := fwsig.VerifyAndStrip(fwsig.Module{Product: "wm330", Data: []byte("not a module")}, keys.TestStore())
	if !errors.Is(err, fwsig.ErrUnrecognizedFormat) {
		t.Fatalf("got %v, want ErrUnrecognizedFormat", err)
	}
}

func TestTamperDetection(t *testing.T) {
	orig, _ := mustModule(t, "wm330", "0905")
	hdr, err := api.UnmarshalHeader(orig)
	if err != nil {
		t.Fatalf("UnmarshalHeader: %v", err)
	}
	store := keys.TestStore()
	check := func(t *testing.T, off int, bit uint) {
		t.Helper()
		b := append([]byte(nil), orig...)
		b[off] ^= 1 << bit
		_, err := fwsig.VerifyAndStrip(fwsig.Module{Product: "wm330", Data: b}, store)
		var ve *fwsig.VerificationError
		if !errors.As(err, &ve) {
			t.Fatalf("flipping bit %d of byte %d: got %v, want VerificationError", bit, off, err)
		}
	}

	t.Run("payload", func(t *testing.T) {
		start := int(hdr.HeaderSize + hdr.SignatureSize)
		for off := start; off < len(orig); off++ {
			for bit := uint(0); bit < 8; bit++ {
				check(t, off, bit)
			}
		}
	})
	t.Run("header", func(t *testing.T) {
		// Fields which neither classification nor parsing look at.
		for _, off := range []int{12, 32, 48, 64, 100, 104, 108, 128, 160, 191} {
			check(t, off, 3)
		}
	})
	t.Run("signature", func(t *testing.T) {
		for _, off := range []int{int(hdr.HeaderSize), int(hdr.HeaderSize) + 100, int(hdr.HeaderSize+hdr.SignatureSize) - 1} {
			check(t, off, 0)
		}
	})
}

func TestKeyHandling(t *testing.T) {
	orig, mat := mustModule(t, "wm330", "0801")
	otherPub, err := crypto.ParseRSAPublicKey(crypto.TestPRAK2Pub)
	if err != nil {
		t.Fatalf("ParseRSAPublicKey: %v", err)
	}
	pubOnly := &keys.Material{Product: "wm330", AuthKeyID: mat.AuthKeyID, AuthPub: mat.AuthPub, EncKeyID: mat.EncKeyID}
	wrongID := &keys.Material{Product: "wm330", AuthKeyID: "XXXX", AuthPub: mat.AuthPub, EncKeyID: mat.EncKeyID, EncKey: mat.EncKey}
	wrongPub := &keys.Material{Product: "wm330", AuthKeyID: mat.AuthKeyID, AuthPub: otherPub}

	for _, test := range []struct {
		desc      string
		mat       *keys.Material
		lookupErr error
		wantKey   bool
		wantVerif bool
		wantOther bool
	}{
		{desc: "all keys", mat: mat},
		{desc: "not in store", lookupErr: keys.ErrNotFound, wantKey: true},
		{desc: "store failure", lookupErr: errors.New("disk on fire"), wantOther: true},
		{desc: "PUEK not published", mat: pubOnly, wantKey: true},
		{desc: "different auth key id", mat: wrongID, wantKey: true},
		// A known but wrong key must never be reported as a missing one.
		{desc: "wrong public key", mat: wrongPub, wantVerif: true},
	} {
		t.Run(test.desc, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			ks := NewMockStore(ctrl)
			ks.EXPECT().Lookup("wm330").Return(test.mat, test.lookupErr)

			_, err := fwsig.VerifyAndStrip(fwsig.Module{Product: "wm330", Data: orig}, ks)
			var (
				ke *fwsig.KeyUnavailableError
				ve *fwsig.VerificationError
			)
			gotKey, gotVerif := errors.As(err, &ke), errors.As(err, &ve)
			if gotKey != test.wantKey || gotVerif != test.wantVerif {
				t.Fatalf("got %v, want KeyUnavailable=%t Verification=%t", err, test.wantKey, test.wantVerif)
			}
			if gotOther := err != nil && !gotKey && !gotVerif; gotOther != test.wantOther {
				t.Fatalf("got %v, wantOther=%t", err, test.wantOther)
			}
		})
	}
}

func TestSignErrors(t *testing.T) {
	_, mat := mustModule(t, "wm330", "0802")
	s, err := testonly.Stripped(mat, "0802", chunkA)
	if err != nil {
		t.Fatalf("Stripped: %v", err)
	}
	pubOnly := &keys.Material{Product: "wm330", AuthKeyID: mat.AuthKeyID, AuthPub: mat.AuthPub, EncKeyID: mat.EncKeyID, EncKey: mat.EncKey}
	noPUEK := &keys.Material{Product: "wm330", AuthKeyID: mat.AuthKeyID, AuthPub: mat.AuthPub, AuthPriv: mat.AuthPriv, EncKeyID: mat.EncKeyID}

	for _, test := range []struct {
		desc    string
		v       api.Variant
		mat     *keys.Material
		wantKey bool
	}{
		{desc: "variant mismatch", v: "0801", mat: mat},
		{desc: "nil material", v: "0802", wantKey: true},
		{desc: "public key only", v: "0802", mat: pubOnly, wantKey: true},
		{desc: "no PUEK", v: "0802", mat: noPUEK, wantKey: true},
	} {
		t.Run(test.desc, func(t *testing.T) {
			_, err := fwsig.Sign(s, test.v, test.mat)
			if err == nil {
				t.Fatal("Sign succeeded, want error")
			}
			var ke *fwsig.KeyUnavailableError
			if got := errors.As(err, &ke); got != test.wantKey {
				t.Errorf("got %v, want KeyUnavailable=%t", err, test.wantKey)
			}
		})
	}
}

func TestStrippedFilesBinaryIDs(t *testing.T) {
	mat := keys.TestStore()["wm220"]
	s, err := testonly.Stripped(mat, "0907", chunkA, chunkB)
	if err != nil {
		t.Fatalf("Stripped: %v", err)
	}
	s.Head.Chunks[0].ID = []byte{0xff, 0xfe, '0', '1'}
	s.Head.Chunks[1].ID = []byte{0x80, 0, 0xc3, 0}
	orig, err := fwsig.Sign(s, "0907", mat)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	stripped, err := fwsig.VerifyAndStrip(fwsig.Module{Product: "wm220", Data: orig}, keys.TestStore())
	if err != nil {
		t.Fatalf("VerifyAndStrip: %v", err)
	}
	prefix := filepath.Join(t.TempDir(), "wm220_0907")
	if err := fwsig.WriteStripped(prefix, stripped); err != nil {
		t.Fatalf("WriteStripped: %v", err)
	}
	got, err := fwsig.ReadStripped(prefix)
	if err != nil {
		t.Fatalf("ReadStripped: %v", err)
	}
	if diff := cmp.Diff(stripped.Head, got.Head); diff != "" {
		t.Fatalf("head info changed on disk (-want +got):\n%s", diff)
	}
	resigned, err := fwsig.Sign(got, "0907", mat)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !bytes.Equal(resigned, orig) {
		t.Error("re-signed module differs from original")
	}
}

func TestChunkLayouts(t *testing.T) {
	mat := keys.TestStore()["wm330"]
	chunk := func(id string, offset, size uint32) api.ChunkInfo {
		return api.ChunkInfo{ID: []byte(id), Offset: offset, Size: size, Attrib: api.ChunkAttribPlain, Reserved: make([]byte, 8)}
	}
	for _, test := range []struct {
		desc      string
		extra     api.ChunkInfo
		wantParse bool
	}{
		{desc: "empty chunk at start", extra: chunk("empt", 0, 0)},
		{desc: "empty chunk at end of payload", extra: chunk("empt", 48, 0)},
		{desc: "empty chunk inside another", extra: chunk("empt", 16, 0)},
		{desc: "overlapping chunk", extra: chunk("over", 16, 16), wantParse: true},
		{desc: "duplicate chunk", extra: chunk("dupe", 0, 42), wantParse: true},
	} {
		for _, first := range []bool{true, false} {
			t.Run(fmt.Sprintf("%s/first=%t", test.desc, first), func(t *testing.T) {
				// chunkA takes payload bytes [0, 48).
				s, err := testonly.Stripped(mat, "0905", chunkA)
				if err != nil {
					t.Fatalf("Stripped: %v", err)
				}
				if first {
					s.Head.Chunks = append([]api.ChunkInfo{test.extra}, s.Head.Chunks...)
				} else {
					s.Head.Chunks = append(s.Head.Chunks, test.extra)
				}

				signed, err := fwsig.Sign(s, "0905", mat)
				var pe *fwsig.ParseError
				if got := errors.As(err, &pe); got != test.wantParse {
					t.Fatalf("Sign: got %v, want ParseError=%t", err, test.wantParse)
				}
				if test.wantParse {
					return
				}
				if err != nil {
					t.Fatalf("Sign: %v", err)
				}
				got, err := fwsig.VerifyAndStrip(fwsig.Module{Product: "wm330", Data: signed}, keys.TestStore())
				if err != nil {
					t.Fatalf("VerifyAndStrip: %v", err)
				}
				if diff := cmp.Diff(s, got); diff != "" {
					t.Errorf("stripped module differs (-want +got):\n%s", diff)
				}
			})
		}
	}
}
