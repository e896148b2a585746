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

// Package config loads the device configuration shared by the boot and
// verification tools.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/transparency-dev/armored-witness-verify/prop"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// DefaultPath is read when no configuration file is given, its absence is
// not an error.
const DefaultPath = "/etc/armored-witness/verify.yaml"

// Config describes where device state lives.
type Config struct {
	// Properties is the property store file.
	Properties string `yaml:"properties"`

	// SecretFile holds the device secret authenticating the property
	// store.
	SecretFile string `yaml:"secret_file"`

	// LockFile serialises processes updating device state.
	LockFile string `yaml:"lock_file"`

	// Slots holds the partition paths of the two boot slots.
	Slots SlotsConfig `yaml:"slots"`
}

// SlotsConfig holds the partition paths of the boot slots.
type SlotsConfig struct {
	A string `yaml:"a"`
	B string `yaml:"b"`
}

// Paths returns the slot paths, slot A first.
func (s SlotsConfig) Paths() [2]string {
	return [2]string{s.A, s.B}
}

// Default returns the configuration used in the absence of a file.
func Default() *Config {
	return &Config{
		Properties: "/var/lib/armored-witness/props",
		SecretFile: "/etc/armored-witness/secret",
		LockFile:   "/run/armored-witness.lock",
		Slots: SlotsConfig{
			A: "/dev/disk/by-partlabel/boot_a",
			B: "/dev/disk/by-partlabel/boot_b",
		},
	}
}

// Load reads the configuration at path over the defaults. An empty path
// selects DefaultPath.
func Load(path string) (*Config, error) {
	c := Default()

	explicit := path != ""

	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)

	switch {
	case !explicit && errors.Is(err, fs.ErrNotExist):
		klog.V(1).Infof("No configuration at %s, using defaults", path)
		return c, nil
	case err != nil:
		return nil, fmt.Errorf("could not read configuration, %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	// An empty document leaves the defaults untouched.
	if err = dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("could not parse configuration %s, %w", path, err)
	}

	if err = c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s, %w", path, err)
	}

	return c, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch {
	case c.Properties == "":
		return errors.New("properties is required")
	case c.SecretFile == "":
		return errors.New("secret_file is required")
	case c.Slots.A == "" || c.Slots.B == "":
		return errors.New("both slot paths are required")
	case c.Slots.A == c.Slots.B:
		return fmt.Errorf("slots a and b share partition %s", c.Slots.A)
	}

	return nil
}

// OpenProperties opens the device property store, authenticated with the
// device secret.
func (c *Config) OpenProperties() (*prop.File, error) {
	secret, err := os.ReadFile(c.SecretFile)

	if err != nil {
		return nil, fmt.Errorf("could not read device secret, %w", err)
	}

	if len(secret) == 0 {
		return nil, fmt.Errorf("empty device secret %s", c.SecretFile)
	}

	return prop.OpenFile(c.Properties, secret)
}
