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

// The bootctl tool manages the A/B boot slots.
//
// Without arguments it marks the running slot as successfully booted, as
// done on every boot once the system is known to be healthy.
//
//	bootctl update   clear the inactive slot before writing an image to it
//	bootctl done     switch to the freshly written slot
//	bootctl slot     print the partition of the active slot
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/transparency-dev/armored-witness-verify/api"
	"github.com/transparency-dev/armored-witness-verify/internal/config"
	"github.com/transparency-dev/armored-witness-verify/internal/lock"
	"github.com/transparency-dev/armored-witness-verify/internal/slots"
	"k8s.io/klog/v2"
)

type Config struct {
	config string
	status bool
	boot   bool
}

var conf *Config

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)

	conf = &Config{}

	klog.InitFlags(nil)

	flag.StringVar(&conf.config, "config", "", "configuration file (default "+config.DefaultPath+")")
	flag.BoolVar(&conf.status, "s", false, "print slot status")
	flag.BoolVar(&conf.boot, "boot", false, "select the slot to boot and print its partition")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [update|done|slot]\n", os.Args[0])
		flag.PrintDefaults()
	}
}

func run(m *slots.Manager, cmd string) (err error) {
	switch {
	case conf.boot:
		var p string

		if p, err = m.SelectBootTarget(); err == nil {
			log.Print(p)
		}

		return
	case conf.status:
		log.Print(m.Status().Print())
		return
	}

	switch cmd {
	case "update":
		return m.Update()
	case "done":
		return m.Done()
	case "slot":
		log.Print(m.ActivePath())
		return
	default:
		return m.Success()
	}
}

func main() {
	var err error

	defer func() {
		if err != nil {
			klog.Errorf("bootctl: %v", err)
			klog.Flush()
			os.Exit(api.ExitCode(err))
		}

		klog.Flush()
	}()

	flag.Parse()

	cfg, err := config.Load(conf.config)

	if err != nil {
		return
	}

	l, err := lock.Acquire(cfg.LockFile, true)

	if err != nil {
		return
	}

	defer l.Release()

	props, err := cfg.OpenProperties()

	if err != nil {
		err = api.Wrap(api.IOError, err)
		return
	}

	m, err := slots.Open(props, cfg.Slots.Paths())

	if err != nil {
		return
	}

	err = run(m, flag.Arg(0))
}
