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

// Package policy decides which module failures are tolerated.
//
// Some product lines ship modules encrypted with a PUEK which was never
// published. Their payloads cannot be recovered, so failing to recognise
// them is expected. Such (product, variant) pairs are listed in an AllowList.
package policy

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/o-gs/imah-tools/api"
	"github.com/o-gs/imah-tools/internal/archive"
	"github.com/o-gs/imah-tools/internal/fwsig"
)

// Entry is a single allow-listed (product, variant) pair.
type Entry struct {
	Product string
	Variant api.Variant
}

func (e Entry) String() string {
	return fmt.Sprintf("%s_%s", e.Product, e.Variant)
}

// AllowList is a set of modules for which an unrecognised format is only a warning.
type AllowList map[Entry]bool

// DefaultAllowList returns the product lines whose PUEK is not published.
func DefaultAllowList() AllowList {
	a := AllowList{}
	for _, p := range []string{"wm100", "wm100a"} {
		for _, v := range []api.Variant{"0801", "0905"} {
			a[Entry{p, v}] = true
		}
	}
	for _, v := range []api.Variant{"0801", "0802", "0905"} {
		a[Entry{"wm620", v}] = true
	}
	return a
}

// ParseAllowList parses a comma separated list of product_variant pairs, e.g. "wm100_0801,wm620_0905".
func ParseAllowList(s string) (AllowList, error) {
	a := AllowList{}
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		p, v, ok := strings.Cut(f, "_")
		if !ok || p == "" {
			return nil, fmt.Errorf("allow-list entry %q is not product_variant", f)
		}
		variant, err := api.ParseVariant(v)
		if err != nil {
			return nil, fmt.Errorf("allow-list entry %q: %w", f, err)
		}
		a[Entry{strings.ToLower(p), variant}] = true
	}
	return a, nil
}

// Allows returns true if the pair is on the list.
func (a AllowList) Allows(product string, v api.Variant) bool {
	return a[Entry{strings.ToLower(product), v}]
}

// String renders the list in the form accepted by ParseAllowList.
func (a AllowList) String() string {
	es := make([]string, 0, len(a))
	for e := range a {
		es = append(es, e.String())
	}
	sort.Strings(es)
	return strings.Join(es, ",")
}

// Tolerated reports whether err, hit while processing a module of the given
// product and variant, should be logged as a warning instead of failing.
//
// Missing keys are always tolerated. Unrecognised module or archive formats
// are tolerated only for allow-listed modules. Verification failures never are.
func (a AllowList) Tolerated(product string, v api.Variant, err error) bool {
	var ve *fwsig.VerificationError
	if err == nil || errors.As(err, &ve) {
		return false
	}
	var ke *fwsig.KeyUnavailableError
	if errors.As(err, &ke) {
		return true
	}
	if errors.Is(err, fwsig.ErrUnrecognizedFormat) || errors.Is(err, archive.ErrUnknownFormat) {
		return a.Allows(product, v)
	}
	return false
}

var moduleNameRE = regexp.MustCompile(`^([A-Za-z0-9]+)_([0-9]{4})`)

// ParseModuleName extracts the product and variant code from a module file
// name of the form <product>_<variant>[anything].bin, e.g. "wm330_0905.bin".
// The variant is not required to be a known one.
func ParseModuleName(path string) (string, api.Variant, error) {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	m := moduleNameRE.FindStringSubmatch(base)
	if m == nil {
		return "", api.VariantUnrecognized, fmt.Errorf("module name %q is not <product>_<variant>", base)
	}
	return strings.ToLower(m[1]), api.Variant(m[2]), nil
}
