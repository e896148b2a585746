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

// The verify tool checks a partition image against a trusted AVB public key
// and the rollback indices held by the device.
//
// The process exit status is the verification result code, 0 on success.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/transparency-dev/armored-witness-verify/api"
	"github.com/transparency-dev/armored-witness-verify/internal/avb"
	"github.com/transparency-dev/armored-witness-verify/internal/config"
	"github.com/transparency-dev/armored-witness-verify/internal/lock"
	"github.com/transparency-dev/armored-witness-verify/internal/progress"
	"github.com/transparency-dev/armored-witness-verify/internal/trust"
	"k8s.io/klog/v2"
)

// errUsage is returned for invalid invocations.
var errUsage = errors.New("invalid arguments")

type Config struct {
	config string

	boot           bool
	ignoreRollback bool
	compareOnly    bool
	progress       bool

	upgrade  string
	hashDesc string
}

var conf *Config

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)

	conf = &Config{}

	klog.InitFlags(nil)

	flag.StringVar(&conf.config, "config", "", "configuration file (default "+config.DefaultPath+")")
	flag.BoolVar(&conf.boot, "b", true, "verify against device trust state, -b=false uses temporary state")
	flag.BoolVar(&conf.ignoreRollback, "i", false, "ignore rollback index errors")
	flag.BoolVar(&conf.compareOnly, "c", false, "require a strictly newer rollback index, never update stored state")
	flag.BoolVar(&conf.progress, "p", false, "show digest progress")
	flag.StringVar(&conf.upgrade, "U", "", "verify upgrade `image` against the installed partition")
	flag.StringVar(&conf.hashDesc, "I", "", "print the hash descriptor of `partition`")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <partition> <key> [suffix]\n", os.Args[0])
		flag.PrintDefaults()
	}
}

func flags() (f avb.Flags) {
	if conf.ignoreRollback {
		f |= avb.AllowRollbackError
	}

	if conf.compareOnly {
		f |= avb.CompareOnly
	}

	if !conf.boot {
		f |= avb.NoKV
	}

	return
}

// openStore returns the device trust store and a function releasing it.
func openStore() (trust.Store, func(), error) {
	cfg, err := config.Load(conf.config)

	if err != nil {
		return nil, nil, err
	}

	l, err := lock.Acquire(cfg.LockFile, true)

	if err != nil {
		return nil, nil, err
	}

	props, err := cfg.OpenProperties()

	if err != nil {
		l.Release()
		return nil, nil, api.Wrap(api.IOError, err)
	}

	return trust.NewPersistent(props), func() { l.Release() }, nil
}

func verify() (err error) {
	if len(conf.hashDesc) > 0 {
		var d *avb.HashDescriptor

		if d, err = avb.HashDescriptorOf(conf.hashDesc); err == nil {
			log.Print(d.Print())
		}

		return
	}

	if flag.NArg() < 2 || flag.NArg() > 3 {
		flag.Usage()
		return errUsage
	}

	partition, key, suffix := flag.Arg(0), flag.Arg(1), flag.Arg(2)

	v := &avb.Verifier{}

	if conf.boot {
		var release func()

		if v.Store, release, err = openStore(); err != nil {
			return
		}

		defer release()
	}

	if conf.progress {
		bar := progress.New(os.Stderr, filepath.Base(partition+suffix))
		v.Progress = bar.Update
		defer bar.Finish()
	}

	var r *avb.Result

	switch {
	case len(conf.upgrade) > 0:
		r, err = v.VerifyUpgrade(partition, conf.upgrade, key, suffix, flags())
	default:
		r, err = v.Verify(partition, key, suffix, flags())
	}

	if err != nil {
		return
	}

	log.Printf("%s: OK (rollback index %d, stored %d, advanced %v)", r.Partition, r.Descriptor.RollbackIndex, r.StoredIndex, r.Advanced)

	return
}

func main() {
	flag.Parse()

	err := verify()

	switch {
	case errors.Is(err, errUsage):
		klog.Flush()
		os.Exit(2)
	case err != nil:
		klog.Errorf("verify: %v", err)
		klog.Flush()
		os.Exit(api.ExitCode(err))
	}

	klog.Flush()
}
