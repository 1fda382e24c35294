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

package pipeline

import (
	"bytes"
	"fmt"

	"golang.org/x/mod/sumdb/note"
)

const reportTitle = "imah-tools round trip report"

// Report collects the results of a Run.
type Report struct {
	Results []Result
}

// Counts returns the number of results with each outcome.
func (r *Report) Counts() (ok, skipped, failed int) {
	for _, res := range r.Results {
		switch res.Outcome {
		case OK:
			ok++
		case Skipped:
			skipped++
		case Failed:
			failed++
		}
	}
	return ok, skipped, failed
}

// Failed returns true if any module failed.
func (r *Report) Failed() bool {
	_, _, f := r.Counts()
	return f > 0
}

// Marshal renders the report as text suitable for a note body.
// Free-form fields are quoted so that each result stays on one line.
func (r *Report) Marshal() []byte {
	var b bytes.Buffer
	ok, skipped, failed := r.Counts()
	fmt.Fprintf(&b, "%s\n", reportTitle)
	fmt.Fprintf(&b, "ok %d skipped %d failed %d\n", ok, skipped, failed)
	for _, res := range r.Results {
		fmt.Fprintf(&b, "%s %s %s %q %x", res.Outcome, res.State, res.Variant, res.Path, res.ModuleSHA512)
		if res.Err != nil {
			fmt.Fprintf(&b, " %q", res.Err.Error())
		}
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// Sign returns the report as a note signed by s.
func (r *Report) Sign(s note.Signer) ([]byte, error) {
	msg, err := note.Sign(&note.Note{Text: string(r.Marshal())}, s)
	if err != nil {
		return nil, fmt.Errorf("failed to sign report: %w", err)
	}
	return msg, nil
}

// OpenReport verifies a signed report and returns its text.
func OpenReport(msg []byte, v note.Verifier) (string, error) {
	n, err := note.Open(msg, note.VerifierList(v))
	if err != nil {
		return "", fmt.Errorf("failed to verify report: %w", err)
	}
	return n.Text, nil
}
