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

// Package api contains the on-disk structures of IMaH signed firmware modules.
package api

import (
	"fmt"
	"strconv"
)

// Variant identifies the signature/encryption sub-format used by a module.
// It is the 4 digit code found both in the module filename and in the header
// type field, e.g. "0905".
type Variant string

// VariantUnrecognized is returned when a byte sequence is not a module of any known variant.
const VariantUnrecognized Variant = ""

// KnownVariants lists every variant code which the codec understands.
var KnownVariants = []Variant{"0801", "0802", "0805", "0905", "0907", "1301", "1407", "2801"}

var knownVariants = func() map[Variant]bool {
	m := make(map[Variant]bool, len(KnownVariants))
	for _, v := range KnownVariants {
		m[v] = true
	}
	return m
}()

// Known returns true if v is one of KnownVariants.
func (v Variant) Known() bool {
	return knownVariants[v]
}

// String returns the variant code, or "unrecognized".
func (v Variant) String() string {
	if v == VariantUnrecognized {
		return "unrecognized"
	}
	return string(v)
}

// ParseVariant validates a 4 digit variant code.
func ParseVariant(s string) (Variant, error) {
	if len(s) != 4 {
		return VariantUnrecognized, fmt.Errorf("variant code %q must have 4 digits", s)
	}
	if _, err := strconv.ParseUint(s, 10, 16); err != nil {
		return VariantUnrecognized, fmt.Errorf("variant code %q is not numeric: %w", s, err)
	}
	v := Variant(s)
	if !v.Known() {
		return VariantUnrecognized, fmt.Errorf("unknown variant code %q", s)
	}
	return v, nil
}
