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

// Package trust maps rollback index locations, the device lock state and
// named persistent values onto a property store.
package trust

import (
	"fmt"

	"github.com/transparency-dev/armored-witness-verify/api"
	"github.com/transparency-dev/armored-witness-verify/prop"
	"k8s.io/klog/v2"
)

// MaxRollbackLocations is the number of supported rollback index locations.
const MaxRollbackLocations = 32

const (
	rollbackKeyPrefix   = "persist.avb.rollback."
	unlockedKey         = "persist.avb.unlocked"
	persistentKeyPrefix = "persist.avb.value."
)

// Store holds the device trust state consumed by the image verifier.
type Store interface {
	// ReadCounter returns the rollback index stored at location, zero if
	// it has never been written.
	ReadCounter(location uint32) (uint64, error)
	// WriteCounter durably stores the rollback index at location.
	WriteCounter(location uint32, value uint64) error
	// ReadUnlocked returns whether the device is unlocked.
	ReadUnlocked() (bool, error)
	// ReadPersistent returns the named persistent value, the boolean result
	// indicates whether it exists.
	ReadPersistent(name string) ([]byte, bool, error)
	// WritePersistent durably stores the named persistent value.
	WritePersistent(name string, value []byte) error
}

// Adapter implements Store on top of a property store.
type Adapter struct {
	props     prop.Store
	temporary bool
}

// NewPersistent returns a Store backed by the device property store.
func NewPersistent(props prop.Store) *Adapter {
	return &Adapter{props: props}
}

// NewTemporary returns a Store which lives entirely in process memory, for
// verification flows which must never mutate device trust state.
func NewTemporary() *Adapter {
	return &Adapter{props: prop.NewMemory(), temporary: true}
}

// Temporary returns whether the store is process memory only.
func (a *Adapter) Temporary() bool {
	return a.temporary
}

func checkLocation(location uint32) error {
	if location >= MaxRollbackLocations {
		return api.Errorf(api.InvalidMetadata, "rollback index location %d out of range (max %d)", location, MaxRollbackLocations-1)
	}

	return nil
}

func (a *Adapter) ReadCounter(location uint32) (uint64, error) {
	if err := checkLocation(location); err != nil {
		return 0, err
	}

	v, err := a.props.GetInt(fmt.Sprintf("%s%d", rollbackKeyPrefix, location), 0)

	if err != nil {
		return 0, api.Wrap(api.IOError, fmt.Errorf("could not read rollback index %d, %w", location, err))
	}

	return uint64(v), nil
}

func (a *Adapter) WriteCounter(location uint32, value uint64) error {
	if err := checkLocation(location); err != nil {
		return err
	}

	if err := a.props.SetInt(fmt.Sprintf("%s%d", rollbackKeyPrefix, location), int64(value)); err != nil {
		return api.Wrap(api.IOError, fmt.Errorf("could not write rollback index %d, %w", location, err))
	}

	if err := a.props.Commit(); err != nil {
		return api.Wrap(api.IOError, fmt.Errorf("could not commit rollback index %d, %w", location, err))
	}

	if !a.temporary {
		klog.Infof("Rollback index %d advanced to %d", location, value)
	}

	return nil
}

func (a *Adapter) ReadUnlocked() (bool, error) {
	v, err := a.props.GetBool(unlockedKey, false)

	if err != nil {
		return false, api.Wrap(api.IOError, fmt.Errorf("could not read lock state, %w", err))
	}

	return v, nil
}

// SetUnlocked changes the device lock state.
func (a *Adapter) SetUnlocked(unlocked bool) error {
	if err := a.props.SetBool(unlockedKey, unlocked); err != nil {
		return api.Wrap(api.IOError, err)
	}

	return api.Wrap(api.IOError, a.props.Commit())
}

func (a *Adapter) ReadPersistent(name string) ([]byte, bool, error) {
	v, ok, err := a.props.GetBytes(persistentKeyPrefix + name)

	if err != nil {
		return nil, false, api.Wrap(api.IOError, fmt.Errorf("could not read persistent value %q, %w", name, err))
	}

	return v, ok, nil
}

func (a *Adapter) WritePersistent(name string, value []byte) error {
	if err := a.props.SetBytes(persistentKeyPrefix+name, value); err != nil {
		return api.Wrap(api.IOError, fmt.Errorf("could not write persistent value %q, %w", name, err))
	}

	if err := a.props.Commit(); err != nil {
		return api.Wrap(api.IOError, fmt.Errorf("could not commit persistent value %q, %w", name, err))
	}

	return nil
}
