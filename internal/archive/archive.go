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

// Package archive classifies and extracts the archives found inside module payloads.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang/glog"
	"github.com/u-root/u-root/pkg/tarutil"
)

// Kind is the container format of an archive.
type Kind int

const (
	// Unknown is any data which is not one of the supported archives.
	Unknown Kind = iota
	Tar
	TarGzip
	Zip
)

func (k Kind) String() string {
	switch k {
	case Tar:
		return "tar"
	case TarGzip:
		return "tar.gz"
	case Zip:
		return "zip"
	default:
		return "unknown"
	}
}

// ErrUnknownFormat is returned when asked to extract data of Unknown kind.
var ErrUnknownFormat = errors.New("unrecognized archive format")

const (
	tarBlockSize = 512
	tarMagicOff  = 257
	tarChkOff    = 148
	tarChkLen    = 8
)

var (
	gzipMagic     = []byte{0x1f, 0x8b}
	zipMagic      = []byte("PK\x03\x04")
	zipEmptyMagic = []byte("PK\x05\x06")
)

// Classify sniffs the archive kind of the file at path.
func Classify(path string) (Kind, error) {
	f, err := os.Open(path)
	if err != nil {
		return Unknown, fmt.Errorf("failed to open %q: %w", path, err)
	}
	defer f.Close()

	head := make([]byte, tarBlockSize)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Unknown, fmt.Errorf("failed to read %q: %w", path, err)
	}
	head = head[:n]
	if !bytes.HasPrefix(head, gzipMagic) {
		return ClassifyBytes(head), nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Unknown, fmt.Errorf("failed to seek %q: %w", path, err)
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		return Unknown, nil
	}
	defer zr.Close()
	inner := make([]byte, tarBlockSize)
	if n, err = io.ReadFull(zr, inner); err != nil && err != io.ErrUnexpectedEOF {
		return Unknown, nil
	}
	if isTarHeader(inner[:n]) {
		return TarGzip, nil
	}
	return Unknown, nil
}

// ClassifyBytes sniffs the kind of an archive from its first block.
// Compressed tarballs cannot be recognised from raw bytes, see Classify.
func ClassifyBytes(head []byte) Kind {
	switch {
	case bytes.HasPrefix(head, zipMagic), bytes.HasPrefix(head, zipEmptyMagic):
		return Zip
	case isTarHeader(head):
		return Tar
	}
	return Unknown
}

// isTarHeader accepts a ustar/GNU header, or a v7 header with a valid checksum.
func isTarHeader(b []byte) bool {
	if len(b) < tarBlockSize {
		return false
	}
	if bytes.HasPrefix(b[tarMagicOff:], []byte("ustar")) {
		return true
	}
	if b[0] == 0 {
		return false
	}
	field := bytes.Trim(b[tarChkOff:tarChkOff+tarChkLen], " \x00")
	want, err := strconv.ParseUint(string(field), 8, 32)
	if err != nil {
		return false
	}
	var sum uint64
	for i, c := range b[:tarBlockSize] {
		if i >= tarChkOff && i < tarChkOff+tarChkLen {
			c = ' '
		}
		sum += uint64(c)
	}
	return sum == want
}

// Extract unpacks the archive at path into dir, creating dir if needed.
func Extract(kind Kind, path, dir string) error {
	if kind == Unknown {
		return fmt.Errorf("%s: %w", path, ErrUnknownFormat)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %q: %w", dir, err)
	}
	glog.V(1).Infof("Extracting %s archive %q into %q", kind, path, dir)
	switch kind {
	case Tar, TarGzip:
		return extractTar(kind, path, dir)
	case Zip:
		return extractZip(path, dir)
	}
	return fmt.Errorf("%s: unsupported archive kind %d", path, kind)
}

func extractTar(kind Kind, path, dir string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if kind == TarGzip {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("%s: bad gzip stream: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}
	// Links are held back and created once every regular entry is written, so
	// no entry is ever extracted through a link.
	var (
		links  []*tar.Header
		badErr error
	)
	filter := func(hdr *tar.Header) bool {
		if badErr != nil {
			return false
		}
		if !filepath.IsLocal(hdr.Name) {
			badErr = fmt.Errorf("entry %q escapes the output directory", hdr.Name)
			return false
		}
		switch hdr.Typeflag {
		case tar.TypeSymlink, tar.TypeLink:
			links = append(links, hdr)
			return false
		}
		return true
	}
	if err := tarutil.ExtractDir(r, dir, &tarutil.Opts{Filters: []tarutil.Filter{filter}}); err != nil {
		return fmt.Errorf("failed to extract %q: %w", path, err)
	}
	if badErr != nil {
		return fmt.Errorf("%s: %w", path, badErr)
	}
	for _, hdr := range links {
		if err := createLink(hdr, dir); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

// createLink makes the symlink or hard link described by hdr inside dir.
// Link targets must resolve inside dir.
func createLink(hdr *tar.Header, dir string) error {
	target := hdr.Linkname
	if hdr.Typeflag == tar.TypeSymlink {
		// Symlink targets are relative to the link's own directory.
		target = filepath.Join(filepath.Dir(hdr.Name), hdr.Linkname)
	}
	if filepath.IsAbs(hdr.Linkname) || !filepath.IsLocal(target) {
		return fmt.Errorf("link %q -> %q escapes the output directory", hdr.Name, hdr.Linkname)
	}
	name := filepath.Join(dir, hdr.Name)
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %q: %w", name, err)
	}
	if hdr.Typeflag == tar.TypeSymlink {
		if err := os.Symlink(hdr.Linkname, name); err != nil {
			return fmt.Errorf("failed to create symlink %q: %w", name, err)
		}
		return nil
	}
	if err := os.Link(filepath.Join(dir, target), name); err != nil {
		return fmt.Errorf("failed to create hard link %q: %w", name, err)
	}
	return nil
}

func extractZip(path, dir string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("failed to open zip %q: %w", path, err)
	}
	defer zr.Close()

	for _, zf := range zr.File {
		if !filepath.IsLocal(zf.Name) {
			return fmt.Errorf("%s: entry %q escapes the output directory", path, zf.Name)
		}
		target := filepath.Join(dir, zf.Name)
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create %q: %w", target, err)
			}
			continue
		}
		if err := extractZipFile(zf, target); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

func extractZipFile(zf *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %q: %w", target, err)
	}
	rc, err := zf.Open()
	if err != nil {
		return fmt.Errorf("failed to open entry %q: %w", zf.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %q: %w", target, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("failed to write %q: %w", target, err)
	}
	return out.Close()
}
