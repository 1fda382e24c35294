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

// Package impl is the implementation of the IMaH module signing tool.
package impl

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/glog"
	"github.com/o-gs/imah-tools/internal/fwsig"
	"github.com/o-gs/imah-tools/internal/keys"
	"github.com/o-gs/imah-tools/internal/policy"
)

// FwsigOpts encapsulates the signing tool parameters.
type FwsigOpts struct {
	Input    string
	MDPrefix string
	Unsign   bool
	Sign     bool
	Product  string
	KeyFile  string
	TestKeys bool
}

// Main runs the tool.
func Main(opts FwsigOpts) error {
	if opts.Unsign == opts.Sign {
		return errors.New("exactly one of --unsign or --sign must be given")
	}
	if opts.Input == "" {
		return errors.New("--input is required")
	}
	prefix := opts.MDPrefix
	if prefix == "" {
		prefix = strings.TrimSuffix(opts.Input, filepath.Ext(opts.Input))
	}
	product := strings.ToLower(opts.Product)
	if product == "" {
		p, _, err := policy.ParseModuleName(opts.Input)
		if err != nil {
			return fmt.Errorf("cannot derive product, use --product: %w", err)
		}
		product = p
	}
	store, err := keys.Load(opts.KeyFile, opts.TestKeys)
	if err != nil {
		return err
	}

	if opts.Unsign {
		return unsignModule(opts.Input, prefix, product, store)
	}
	return signModule(prefix, opts.Input, product, store)
}

func unsignModule(in, prefix, product string, store keys.Store) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return fmt.Errorf("failed to read module: %w", err)
	}
	s, err := fwsig.VerifyAndStrip(fwsig.Module{Path: in, Product: product, Data: data}, store)
	if err != nil {
		return err
	}
	if err := fwsig.WriteStripped(prefix, s); err != nil {
		return err
	}
	head, payload := fwsig.StrippedPaths(prefix)
	glog.Infof("Stripped %s module %q into %q and %q", s.Head.Variant, in, head, payload)
	return nil
}

func signModule(prefix, out, product string, store keys.Store) error {
	s, err := fwsig.ReadStripped(prefix)
	if err != nil {
		return err
	}
	mat, err := store.Lookup(product)
	if err != nil {
		return fmt.Errorf("key lookup for %q failed: %w", product, err)
	}
	signed, err := fwsig.Sign(s, s.Head.Variant, mat)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, signed, 0o644); err != nil {
		return fmt.Errorf("failed to write module: %w", err)
	}
	glog.Infof("Signed %s module %q (%d bytes)", s.Head.Variant, out, len(signed))
	return nil
}
