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

// Package keys provides lookup of per-product key material.
package keys

import (
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/o-gs/imah-tools/internal/crypto"
)

// ErrNotFound is returned by a Store which holds no key material for a product.
var ErrNotFound = errors.New("no key material for product")

// Material is the key material of a single product line.
type Material struct {
	Product string
	// AuthKeyID is the header key ID which AuthPub/AuthPriv correspond to.
	AuthKeyID string
	AuthPub   *rsa.PublicKey
	// AuthPriv may be nil, in which case modules can be verified but not signed.
	AuthPriv *rsa.PrivateKey
	// EncKeyID is the header key ID which EncKey corresponds to.
	EncKeyID string
	// EncKey is the 32 byte PUEK; nil when the product's PUEK is not published.
	EncKey []byte
}

// Store looks up key material by product code.
// Implementations must be safe for concurrent use once constructed.
type Store interface {
	Lookup(product string) (*Material, error)
}

// MapStore is a read-only in-memory Store.
type MapStore map[string]*Material

// Lookup implements Store.
func (s MapStore) Lookup(product string) (*Material, error) {
	m, ok := s[product]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNotFound, product)
	}
	return m, nil
}

// FileEntry is the JSON form of a Material, as found in a key file.
type FileEntry struct {
	Product   string `json:"product"`
	AuthKeyID string `json:"auth_key_id"`
	// AuthPrivPEM or AuthPubPEM must be set. The public key is derived from the private one if absent.
	AuthPrivPEM string `json:"auth_priv_pem,omitempty"`
	AuthPubPEM  string `json:"auth_pub_pem,omitempty"`
	EncKeyID    string `json:"enc_key_id,omitempty"`
	EncKeyHex   string `json:"enc_key_hex,omitempty"`
}

// Material parses the entry.
func (e FileEntry) Material() (*Material, error) {
	if e.Product == "" {
		return nil, errors.New("key entry without product")
	}
	m := &Material{
		Product:   e.Product,
		AuthKeyID: e.AuthKeyID,
		EncKeyID:  e.EncKeyID,
	}
	if e.AuthPrivPEM != "" {
		k, err := crypto.ParseRSAPrivateKey(e.AuthPrivPEM)
		if err != nil {
			return nil, fmt.Errorf("product %q: %w", e.Product, err)
		}
		m.AuthPriv = k
		m.AuthPub = &k.PublicKey
	}
	if e.AuthPubPEM != "" {
		k, err := crypto.ParseRSAPublicKey(e.AuthPubPEM)
		if err != nil {
			return nil, fmt.Errorf("product %q: %w", e.Product, err)
		}
		if m.AuthPub != nil && !m.AuthPub.Equal(k) {
			return nil, fmt.Errorf("product %q: public key does not match private key", e.Product)
		}
		m.AuthPub = k
	}
	if m.AuthPub == nil {
		return nil, fmt.Errorf("product %q: no auth key", e.Product)
	}
	if e.EncKeyHex != "" {
		k, err := hex.DecodeString(e.EncKeyHex)
		if err != nil {
			return nil, fmt.Errorf("product %q: bad enc_key_hex: %w", e.Product, err)
		}
		if len(k) != 32 {
			return nil, fmt.Errorf("product %q: enc key must be 32 bytes, got %d", e.Product, len(k))
		}
		m.EncKey = k
	}
	return m, nil
}

// LoadFile reads a JSON key file containing a list of FileEntry.
func LoadFile(path string) (MapStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file %q: %w", path, err)
	}
	var entries []FileEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse key file %q: %w", path, err)
	}
	return NewMapStore(entries)
}

// NewMapStore builds a MapStore from entries; duplicate products are an error.
func NewMapStore(entries []FileEntry) (MapStore, error) {
	s := make(MapStore, len(entries))
	for _, e := range entries {
		if _, ok := s[e.Product]; ok {
			return nil, fmt.Errorf("duplicate key entry for product %q", e.Product)
		}
		m, err := e.Material()
		if err != nil {
			return nil, err
		}
		s[e.Product] = m
	}
	return s, nil
}

// TestEntries returns key file entries for the two test products, "wm330" and "wm220".
func TestEntries() []FileEntry {
	return []FileEntry{
		{
			Product:     "wm330",
			AuthKeyID:   crypto.TestAuthKeyID,
			AuthPrivPEM: crypto.TestPRAKPriv,
			EncKeyID:    crypto.TestEncKeyID,
			EncKeyHex:   crypto.TestPUEKHex,
		},
		{
			Product:     "wm220",
			AuthKeyID:   crypto.TestAuthKeyID,
			AuthPrivPEM: crypto.TestPRAK2Priv,
			AuthPubPEM:  crypto.TestPRAK2Pub,
			EncKeyID:    crypto.TestEncKeyID,
			EncKeyHex:   crypto.TestPUEK2Hex,
		},
	}
}

// TestStore returns a Store holding the test products' key material.
func TestStore() MapStore {
	s, err := NewMapStore(TestEntries())
	if err != nil {
		panic(fmt.Sprintf("test keys are broken: %v", err))
	}
	return s
}

// Load returns the store from keyFile, or the test keys if useTestKeys is set.
func Load(keyFile string, useTestKeys bool) (MapStore, error) {
	switch {
	case keyFile != "" && useTestKeys:
		return nil, errors.New("a key file and the test keys cannot be used together")
	case keyFile != "":
		return LoadFile(keyFile)
	case useTestKeys:
		return TestStore(), nil
	}
	return nil, errors.New("no key material: provide a key file or use the test keys")
}
