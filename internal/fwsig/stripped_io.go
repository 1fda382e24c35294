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
	"encoding/json"
	"fmt"
	"os"
)

const (
	headSuffix    = "_head.json"
	payloadSuffix = ".bin"
)

// StrippedPaths returns the head info and payload file names used for prefix.
func StrippedPaths(prefix string) (head, payload string) {
	return prefix + headSuffix, prefix + payloadSuffix
}

// WriteStripped stores s as a head info JSON file and a raw payload file named after prefix.
func WriteStripped(prefix string, s *Stripped) error {
	headPath, payloadPath := StrippedPaths(prefix)
	js, err := json.MarshalIndent(s.Head, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal head info: %w", err)
	}
	if err := os.WriteFile(headPath, js, 0o644); err != nil {
		return fmt.Errorf("failed to write head info to %q: %w", headPath, err)
	}
	if err := os.WriteFile(payloadPath, s.Payload, 0o644); err != nil {
		return fmt.Errorf("failed to write payload to %q: %w", payloadPath, err)
	}
	return nil
}

// ReadStripped loads the files written by WriteStripped.
func ReadStripped(prefix string) (*Stripped, error) {
	headPath, payloadPath := StrippedPaths(prefix)
	js, err := os.ReadFile(headPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read head info: %w", err)
	}
	s := &Stripped{}
	if err := json.Unmarshal(js, &s.Head); err != nil {
		return nil, fmt.Errorf("failed to parse head info %q: %w", headPath, err)
	}
	if s.Payload, err = os.ReadFile(payloadPath); err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return s, nil
}
