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

// bin_archives_extract runs the strip and re-sign round trip over directories
// of extracted firmware packages, and unpacks the archives found in module payloads.
//
// Each input directory is expected to hold one sub-directory per firmware
// package, with modules named <product>_<variant>.bin inside.
//
// Usage:
//   go run ./cmd/bin_archives_extract --logtostderr --input_dirs=fw/wm330-phantom_4_std --out_dir=/tmp/out --key_file=keys.json
//
// The exit status is non-zero if any module failed.
package main

import (
	"context"
	"flag"
	"strings"

	"github.com/golang/glog"
	"github.com/o-gs/imah-tools/cmd/bin_archives_extract/impl"
	"github.com/o-gs/imah-tools/internal/policy"
)

var (
	inputDirs           = flag.String("input_dirs", "", "Comma separated list of product directories to process")
	outDir              = flag.String("out_dir", "", "Directory for output files; next to each module if empty")
	keyFile             = flag.String("key_file", "", "JSON file holding per-product key material")
	testKeys            = flag.Bool("test_keys", false, "Use the built-in test keys instead of --key_file")
	ignoreUnknownFormat = flag.String("ignore_unknown_format", policy.DefaultAllowList().String(), "Comma separated <product>_<variant> modules for which unknown formats are only warnings")
	workers             = flag.Int("workers", 4, "Number of modules processed concurrently")
	noExtract           = flag.Bool("no_extract", false, "Stop after the round trip, without extracting payload archives")
	casDriver           = flag.String("cas_driver", "sqlite3", "Database driver for the payload store: sqlite3 or mysql")
	casDBFile           = flag.String("cas_db_file", "", "Payload store DSN, e.g. a sqlite file; payloads are not stored if empty")
	reportFile          = flag.String("report_file", "", "File to write the run report to")
	reportSigningKey    = flag.String("report_signing_key", "", "File holding a note private key used to sign the report")
)

func main() {
	flag.Parse()

	var dirs []string
	if *inputDirs != "" {
		dirs = strings.Split(*inputDirs, ",")
	}
	if err := impl.Main(context.Background(), impl.ExtractOpts{
		InputDirs:        dirs,
		OutDir:           *outDir,
		KeyFile:          *keyFile,
		TestKeys:         *testKeys,
		AllowList:        *ignoreUnknownFormat,
		Workers:          *workers,
		NoExtract:        *noExtract,
		CASDriver:        *casDriver,
		CASFile:          *casDBFile,
		ReportFile:       *reportFile,
		ReportSigningKey: *reportSigningKey,
	}); err != nil {
		glog.Exit(err.Error())
	}
}
