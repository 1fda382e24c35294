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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/golang/glog"
	"github.com/o-gs/imah-tools/api"
	"golang.org/x/sync/errgroup"
)

// FindModules returns the module files at <dir>/*/*_<variant>.bin for every known variant.
func FindModules(dir string) ([]string, error) {
	var found []string
	seen := make(map[string]bool)
	for _, v := range api.KnownVariants {
		ms, err := filepath.Glob(filepath.Join(dir, "*", fmt.Sprintf("*_%s.bin", v)))
		if err != nil {
			return nil, fmt.Errorf("bad module pattern in %q: %w", dir, err)
		}
		for _, m := range ms {
			if seen[m] {
				continue
			}
			if fi, err := os.Stat(m); err != nil || !fi.Mode().IsRegular() {
				continue
			}
			seen[m] = true
			found = append(found, m)
		}
	}
	return found, nil
}

// RunOpts configures Run.
type RunOpts struct {
	// InputDirs are product directories, each holding one sub-directory per extracted package.
	InputDirs []string
	// OutDir receives <OutDir>/<input dir name>/<package dir name>/... output files,
	// so input dir base names must be unique.
	// If empty, outputs are written next to each module.
	OutDir string
	// Workers bounds the number of modules processed at once; <= 0 means 1.
	Workers int
}

type job struct {
	path, outDir string
}

// Run processes every module found under opts.InputDirs and returns a report
// sorted by module path. Module failures are recorded in the report, the
// returned error is only set if the run itself could not complete.
func Run(ctx context.Context, p *Processor, opts RunOpts) (*Report, error) {
	if opts.OutDir != "" {
		// Outputs are keyed on the input dir's base name, which must be unique.
		seen := make(map[string]string)
		for _, dir := range opts.InputDirs {
			base := filepath.Base(dir)
			if prev, ok := seen[base]; ok {
				return nil, fmt.Errorf("input dirs %q and %q would share output dir %q", prev, dir, filepath.Join(opts.OutDir, base))
			}
			seen[base] = dir
		}
	}

	var jobs []job
	for _, dir := range opts.InputDirs {
		ms, err := FindModules(dir)
		if err != nil {
			return nil, err
		}
		if len(ms) == 0 {
			glog.Warningf("No module files to test in %q", dir)
		}
		for _, m := range ms {
			out := filepath.Dir(m)
			if opts.OutDir != "" {
				out = filepath.Join(opts.OutDir, filepath.Base(dir), filepath.Base(filepath.Dir(m)))
			}
			jobs = append(jobs, job{path: m, outDir: out})
		}
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	results := make([]Result, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, j := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = p.Process(j.path, j.outDir)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("run interrupted: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	return &Report{Results: results}, nil
}
