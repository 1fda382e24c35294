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

// imah_fwsig strips the signature from an IMaH firmware module, or signs a
// previously stripped module.
//
// Usage:
//   go run ./cmd/imah_fwsig --logtostderr --unsign --input=wm330_0905.bin --key_file=keys.json
//   go run ./cmd/imah_fwsig --logtostderr --sign --input=wm330_0905.bin --key_file=keys.json
//
// Unsigning writes <mdprefix>_head.json and <mdprefix>.bin. Signing reads them
// back and writes the module to --input.
package main

import (
	"flag"

	"github.com/golang/glog"
	"github.com/o-gs/imah-tools/cmd/imah_fwsig/impl"
)

var (
	input    = flag.String("input", "", "Path of the signed module file")
	mdPrefix = flag.String("mdprefix", "", "Path prefix of the stripped head info and payload files; defaults to --input without extension")
	unsign   = flag.Bool("unsign", false, "Verify and strip the module at --input")
	sign     = flag.Bool("sign", false, "Sign the stripped module at --mdprefix and write it to --input")
	product  = flag.String("product", "", "Product code; derived from the --input file name if empty")
	keyFile  = flag.String("key_file", "", "JSON file holding per-product key material")
	testKeys = flag.Bool("test_keys", false, "Use the built-in test keys instead of --key_file")
)

func main() {
	flag.Parse()

	if err := impl.Main(impl.FwsigOpts{
		Input:    *input,
		MDPrefix: *mdPrefix,
		Unsign:   *unsign,
		Sign:     *sign,
		Product:  *product,
		KeyFile:  *keyFile,
		TestKeys: *testKeys,
	}); err != nil {
		glog.Exit(err.Error())
	}
}
