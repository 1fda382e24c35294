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

// Package filediff compares files byte for byte.
package filediff

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
)

const bufSize = 64 * 1024

// Equal returns true if the files at a and b have identical contents.
func Equal(a, b string) (bool, error) {
	fa, err := os.Open(a)
	if err != nil {
		return false, fmt.Errorf("failed to open %q: %w", a, err)
	}
	defer fa.Close()
	fb, err := os.Open(b)
	if err != nil {
		return false, fmt.Errorf("failed to open %q: %w", b, err)
	}
	defer fb.Close()

	sa, err := fa.Stat()
	if err != nil {
		return false, fmt.Errorf("failed to stat %q: %w", a, err)
	}
	sb, err := fb.Stat()
	if err != nil {
		return false, fmt.Errorf("failed to stat %q: %w", b, err)
	}
	if sa.Size() != sb.Size() {
		return false, nil
	}
	return ReadersEqual(bufio.NewReaderSize(fa, bufSize), bufio.NewReaderSize(fb, bufSize))
}

// ReadersEqual compares two streams until either ends.
func ReadersEqual(ra, rb io.Reader) (bool, error) {
	ba, bb := make([]byte, bufSize), make([]byte, bufSize)
	for {
		na, errA := io.ReadFull(ra, ba)
		nb, errB := io.ReadFull(rb, bb)
		if errA != nil && errA != io.EOF && errA != io.ErrUnexpectedEOF {
			return false, errA
		}
		if errB != nil && errB != io.EOF && errB != io.ErrUnexpectedEOF {
			return false, errB
		}
		if !bytes.Equal(ba[:na], bb[:nb]) {
			return false, nil
		}
		if errA != nil || errB != nil {
			return errA != nil && errB != nil, nil
		}
	}
}
