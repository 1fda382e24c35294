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

package fwsig

import (
	"errors"
	"fmt"

	"github.com/o-gs/imah-tools/api"
)

// ErrUnrecognizedFormat is returned when data is not a module of any known variant.
// Callers decide whether this is fatal; it never indicates a broken module of a known variant.
var ErrUnrecognizedFormat = errors.New("unrecognized module format")

// ParseError indicates a module of a known variant whose envelope is malformed.
type ParseError struct {
	Path    string
	Variant api.Variant
	Reason  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: malformed %s envelope: %s", pathOrData(e.Path), e.Variant, e.Reason)
}

// KeyUnavailableError indicates the key store has no usable key for a module.
// For product lines whose keys were never published this is an expected outcome.
type KeyUnavailableError struct {
	Path    string
	Product string
	KeyID   string
	Reason  string
}

func (e *KeyUnavailableError) Error() string {
	return fmt.Sprintf("%s: key %q for product %q unavailable: %s", pathOrData(e.Path), e.KeyID, e.Product, e.Reason)
}

// VerificationError indicates a module whose key is available but whose
// signature or payload digest does not match.
type VerificationError struct {
	Path    string
	Variant api.Variant
	Err     error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s: %s module failed verification: %v", pathOrData(e.Path), e.Variant, e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

var errDigestMismatch = errors.New("payload digest mismatch")

func pathOrData(p string) string {
	if p == "" {
		return "<data>"
	}
	return p
}

func parseErrorf(v api.Variant, format string, args ...interface{}) *ParseError {
	return &ParseError{Variant: v, Reason: fmt.Sprintf(format, args...)}
}
