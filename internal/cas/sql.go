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

// Package cas contains a Content Addressable Store for stripped module payloads.
package cas

import (
	"crypto/sha512"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql" // Load drivers for MySQL
	_ "github.com/mattn/go-sqlite3"    // Load drivers for sqlite3
)

// ErrNotFound is returned by Retrieve for keys which were never stored.
var ErrNotFound = errors.New("no image stored under key")

type dialect struct {
	create string
	insert string
}

var dialects = map[string]dialect{
	"sqlite3": {
		create: "CREATE TABLE IF NOT EXISTS images (key BLOB PRIMARY KEY, data BLOB)",
		insert: "INSERT OR IGNORE INTO images (key, data) VALUES (?, ?)",
	},
	"mysql": {
		create: "CREATE TABLE IF NOT EXISTS images (`key` VARBINARY(64) PRIMARY KEY, data LONGBLOB)",
		insert: "INSERT IGNORE INTO images (`key`, data) VALUES (?, ?)",
	},
}

// BinaryStorage is a CAS intended for storing binary images keyed by their hash
// that uses a SQL Database as its backing store.
type BinaryStorage struct {
	db *sql.DB
	d  dialect
}

// Open connects to the database and returns a BinaryStorage over it.
// driver is one of "sqlite3" or "mysql".
func Open(driver, dsn string) (*BinaryStorage, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if driver == "sqlite3" {
		// sqlite serialises writers anyway, and ":memory:" databases are per connection.
		db.SetMaxOpenConns(1)
	}
	bs, err := NewBinaryStorage(db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	return bs, nil
}

// NewBinaryStorage creates a new CAS that uses the given DB as a backend.
// The DB will be initialized if needed.
func NewBinaryStorage(db *sql.DB, driver string) (*BinaryStorage, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported CAS driver %q", driver)
	}
	cas := &BinaryStorage{
		db: db,
		d:  d,
	}
	return cas, cas.init()
}

// init creates the database tables if needed.
func (bs *BinaryStorage) init() error {
	_, err := bs.db.Exec(bs.d.create)
	return err
}

// Key returns the key under which image is stored.
func Key(image []byte) []byte {
	h := sha512.Sum512(image)
	return h[:]
}

// Put stores image under its own hash and returns the key.
func (bs *BinaryStorage) Put(image []byte) ([]byte, error) {
	k := Key(image)
	return k, bs.Store(k, image)
}

// Store stores a binary image under the given key (which should be a hash of its data).
// If there was an existing value under the key then it will not be updated.
func (bs *BinaryStorage) Store(key, image []byte) error {
	_, err := bs.db.Exec(bs.d.insert, key, image)
	return err
}

// Retrieve gets a binary image that was previously stored.
func (bs *BinaryStorage) Retrieve(key []byte) ([]byte, error) {
	var res []byte
	row := bs.db.QueryRow("SELECT data FROM images WHERE `key`=?", key)
	if err := row.Scan(&res); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return res, nil
}

// Close closes the underlying database.
func (bs *BinaryStorage) Close() error {
	return bs.db.Close()
}
