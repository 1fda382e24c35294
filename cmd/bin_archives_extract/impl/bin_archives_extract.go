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

// Package impl is the implementation of the firmware archive round trip tool.
package impl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/o-gs/imah-tools/internal/cas"
	"github.com/o-gs/imah-tools/internal/keys"
	"github.com/o-gs/imah-tools/internal/pipeline"
	"github.com/o-gs/imah-tools/internal/policy"
	"golang.org/x/mod/sumdb/note"
)

// ExtractOpts encapsulates the round trip tool parameters.
type ExtractOpts struct {
	InputDirs []string
	OutDir    string
	KeyFile   string
	TestKeys  bool
	// AllowList is in the form accepted by policy.ParseAllowList.
	AllowList string
	Workers   int
	NoExtract bool

	CASDriver string
	CASFile   string

	ReportFile       string
	ReportSigningKey string
}

// Main runs the tool. It returns an error if any module failed.
func Main(ctx context.Context, opts ExtractOpts) error {
	if len(opts.InputDirs) == 0 {
		return errors.New("no input directories given")
	}
	store, err := keys.Load(opts.KeyFile, opts.TestKeys)
	if err != nil {
		return err
	}
	allow, err := policy.ParseAllowList(opts.AllowList)
	if err != nil {
		return err
	}
	var signer note.Signer
	if opts.ReportSigningKey != "" {
		if opts.ReportFile == "" {
			return errors.New("a report signing key needs a report file")
		}
		if signer, err = loadSigner(opts.ReportSigningKey); err != nil {
			return err
		}
	}

	p := &pipeline.Processor{Keys: store, AllowList: allow, Extract: !opts.NoExtract}
	if opts.CASFile != "" {
		bs, err := cas.Open(opts.CASDriver, opts.CASFile)
		if err != nil {
			return fmt.Errorf("failed to open payload store: %w", err)
		}
		defer bs.Close()
		p.Payloads = bs
	}

	rep, err := pipeline.Run(ctx, p, pipeline.RunOpts{InputDirs: opts.InputDirs, OutDir: opts.OutDir, Workers: opts.Workers})
	if err != nil {
		return err
	}
	ok, skipped, failed := rep.Counts()
	glog.Infof("Processed %d modules: %d ok, %d skipped, %d failed", len(rep.Results), ok, skipped, failed)

	if opts.ReportFile != "" {
		if err := writeReport(opts.ReportFile, rep, signer); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d modules failed", failed, len(rep.Results))
	}
	return nil
}

func loadSigner(path string) (note.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report signing key: %w", err)
	}
	s, err := note.NewSigner(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("failed to create report signer: %w", err)
	}
	return s, nil
}

func writeReport(path string, rep *pipeline.Report, signer note.Signer) error {
	body := rep.Marshal()
	if signer != nil {
		var err error
		if body, err = rep.Sign(signer); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	glog.Infof("Wrote report to %q", path)
	return nil
}
