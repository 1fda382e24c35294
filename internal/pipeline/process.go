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

// Package pipeline drives the strip and re-sign round trip over directories
// of firmware modules, and extracts the archives found in their payloads.
package pipeline

import (
	"crypto/sha512"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/glog"
	"github.com/o-gs/imah-tools/api"
	"github.com/o-gs/imah-tools/internal/archive"
	"github.com/o-gs/imah-tools/internal/filediff"
	"github.com/o-gs/imah-tools/internal/fwsig"
	"github.com/o-gs/imah-tools/internal/keys"
	"github.com/o-gs/imah-tools/internal/policy"
)

// State is how far a module got through the round trip.
type State int

const (
	Unclassified State = iota
	Classified
	Stripped
	Resigned
	Extracted
)

func (s State) String() string {
	switch s {
	case Unclassified:
		return "unclassified"
	case Classified:
		return "classified"
	case Stripped:
		return "stripped"
	case Resigned:
		return "resigned"
	case Extracted:
		return "extracted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Outcome is the verdict for a module.
type Outcome int

const (
	OK Outcome = iota
	// Skipped means the module stopped early for a tolerated reason, e.g. a missing key.
	Skipped
	Failed
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Skipped:
		return "skipped"
	case Failed:
		return "FAILED"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// ErrResignMismatch is returned when a re-signed module is not identical to the original.
var ErrResignMismatch = errors.New("re-signed module differs from original")

// PayloadStore keeps stripped payloads, e.g. a cas.BinaryStorage.
type PayloadStore interface {
	Put(image []byte) ([]byte, error)
}

// Result describes what happened to a single module.
type Result struct {
	Path         string
	Product      string
	Variant      api.Variant
	ModuleSHA512 []byte
	State        State
	Outcome      Outcome
	Archive      archive.Kind
	// PayloadKey is the CAS key of the stripped payload, if one was stored.
	PayloadKey []byte
	Err        error
}

// Processor runs the round trip for one module at a time.
// It holds no mutable state, so a single Processor may be shared by workers.
type Processor struct {
	Keys      keys.Store
	AllowList policy.AllowList
	// Payloads is optional.
	Payloads PayloadStore
	// Extract enables extraction of the payload archive once the round trip succeeded.
	Extract bool
}

// Paths are the files written for a module.
type Paths struct {
	// Unsigned is the prefix passed to fwsig.WriteStripped.
	Unsigned string
	Resigned string
	Extract  string
}

// PathsFor returns the output locations for the module at path, inside outDir.
func PathsFor(path, outDir string) Paths {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return Paths{
		Unsigned: filepath.Join(outDir, base+".unsigned"),
		Resigned: filepath.Join(outDir, base+".resigned.bin"),
		Extract:  filepath.Join(outDir, base+"-extr1"),
	}
}

// Process takes the module at path through
// Unclassified → Classified → Stripped → Resigned (→ Extracted),
// writing intermediate files into outDir.
func (p *Processor) Process(path, outDir string) Result {
	glog.Infof("Testcase file: %s", path)
	r := Result{Path: path, State: Unclassified}

	var nameVariant api.Variant
	var err error
	r.Product, nameVariant, err = policy.ParseModuleName(path)
	if err != nil {
		return p.finish(r, err)
	}
	r.Variant = nameVariant

	data, err := os.ReadFile(path)
	if err != nil {
		return p.finish(r, fmt.Errorf("failed to read module: %w", err))
	}
	h := sha512.Sum512(data)
	r.ModuleSHA512 = h[:]

	v := fwsig.DetectFormat(data)
	if v == api.VariantUnrecognized {
		return p.finish(r, fmt.Errorf("%s: %w", path, fwsig.ErrUnrecognizedFormat))
	}
	if v != nameVariant {
		glog.Warningf("%s: file name says variant %s but header says %s", path, nameVariant, v)
	}
	r.Variant, r.State = v, Classified

	mod := fwsig.Module{Path: path, Product: r.Product, Data: data}
	stripped, err := fwsig.VerifyAndStrip(mod, p.Keys)
	if err != nil {
		return p.finish(r, err)
	}
	r.State = Stripped

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return p.finish(r, fmt.Errorf("failed to create output dir: %w", err))
	}
	paths := PathsFor(path, outDir)
	if err := fwsig.WriteStripped(paths.Unsigned, stripped); err != nil {
		return p.finish(r, err)
	}
	if p.Payloads != nil {
		if r.PayloadKey, err = p.Payloads.Put(stripped.Payload); err != nil {
			return p.finish(r, fmt.Errorf("failed to store payload: %w", err))
		}
	}

	mat, err := p.Keys.Lookup(r.Product)
	if err != nil {
		return p.finish(r, fmt.Errorf("key lookup for %q failed after stripping: %w", r.Product, err))
	}
	signed, err := fwsig.Sign(stripped, v, mat)
	if err != nil {
		return p.finish(r, err)
	}
	if err := os.WriteFile(paths.Resigned, signed, 0o644); err != nil {
		return p.finish(r, fmt.Errorf("failed to write re-signed module: %w", err))
	}
	same, err := filediff.Equal(path, paths.Resigned)
	if err != nil {
		return p.finish(r, err)
	}
	if !same {
		return p.finish(r, fmt.Errorf("%s: %w", path, ErrResignMismatch))
	}
	r.State = Resigned

	if !p.Extract {
		return p.finish(r, nil)
	}
	_, payloadPath := fwsig.StrippedPaths(paths.Unsigned)
	if r.Archive, err = archive.Classify(payloadPath); err != nil {
		return p.finish(r, err)
	}
	if err := archive.Extract(r.Archive, payloadPath, paths.Extract); err != nil {
		return p.finish(r, err)
	}
	r.State = Extracted
	return p.finish(r, nil)
}

// finish assigns the outcome for err and logs it.
func (p *Processor) finish(r Result, err error) Result {
	r.Err = err
	switch {
	case err == nil:
		r.Outcome = OK
		glog.V(1).Infof("%s: %s", r.Path, r.State)
	case p.AllowList.Tolerated(r.Product, r.Variant, err):
		r.Outcome = Skipped
		glog.Warningf("%s: skipped at %s: %v", r.Path, r.State, err)
	default:
		r.Outcome = Failed
		glog.Errorf("%s: failed at %s: %v", r.Path, r.State, err)
	}
	return r
}
