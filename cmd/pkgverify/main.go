// Copyright 2024 The Armored Witness authors. All Rights Reserved.
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

// The pkgverify tool checks the signing block of an application package
// against a trusted RSA public key (PEM or DER, bare or in a certificate).
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/transparency-dev/armored-witness-verify/api"
	"github.com/transparency-dev/armored-witness-verify/internal/apk"
	"github.com/transparency-dev/armored-witness-verify/internal/progress"
	"k8s.io/klog/v2"
)

var showProgress = flag.Bool("p", false, "show digest progress")

func main() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)

	klog.InitFlags(nil)

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <package> <key>\n", os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}

	path, key := flag.Arg(0), flag.Arg(1)

	var opts []apk.Option

	bar := progress.New(os.Stderr, filepath.Base(path))

	if *showProgress {
		opts = append(opts, apk.WithProgress(bar.Update))
	}

	r, err := apk.Verify(path, key, opts...)

	bar.Finish()

	if err != nil {
		klog.Errorf("pkgverify: %v", err)
		klog.Flush()
		os.Exit(api.ExitCode(err))
	}

	log.Printf("%s: OK (%s)", path, r.Layout)

	klog.Flush()
}
