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

// Package slots manages the two redundant (A/B) boot slots: which one is
// active, which ones hold a bootable image, and which one has been proven
// good by a successful boot.
//
// Each slot moves through the states
//
//	unbootable -> bootable -> active & unconfirmed -> active & successful
//
// and the global try flag bounds automatic fallback to a single unconfirmed
// boot attempt per update.
package slots

import (
	"bytes"
	"fmt"

	"github.com/transparency-dev/armored-witness-verify/api"
	"github.com/transparency-dev/armored-witness-verify/prop"
	"k8s.io/klog/v2"
)

// Slot identifies one of the two boot slots.
type Slot int

const (
	A Slot = iota
	B
)

func (s Slot) String() string {
	switch s {
	case A:
		return "a"
	case B:
		return "b"
	}
	panic(fmt.Errorf("unknown slot %d", int(s)))
}

// Other returns the opposite slot.
func (s Slot) Other() Slot {
	return 1 - s
}

const tryKey = "persist.boot.try"

func key(s Slot, flag string) string {
	return fmt.Sprintf("persist.boot.slot_%s.%s", s, flag)
}

// Record holds the flags of a single slot.
type Record struct {
	// Active is set on the slot the bootloader should pick.
	Active bool
	// Bootable is set when the slot holds a complete image.
	Bootable bool
	// Successful is set once the slot has booted and been confirmed healthy.
	Successful bool
}

// Table is the complete slot state.
type Table struct {
	Slots [2]Record
	// Try is set while an active slot is being booted without having been
	// confirmed successful.
	Try bool
}

// Print returns the slot table in textual format.
func (t Table) Print() string {
	var status bytes.Buffer

	status.WriteString("------------------------------------------------------------- Slots ----\n")
	for _, s := range []Slot{A, B} {
		r := t.Slots[s]
		status.WriteString(fmt.Sprintf("Slot %s .................: active:%v bootable:%v successful:%v\n", s, r.Active, r.Bootable, r.Successful))
	}
	status.WriteString(fmt.Sprintf("Try ....................: %v", t.Try))

	return status.String()
}

// active returns the active slot, the boolean result is false when no slot
// is active.
func (t Table) active() (Slot, bool) {
	switch {
	case t.Slots[A].Active:
		return A, true
	case t.Slots[B].Active:
		return B, true
	}
	return A, false
}

// Manager owns the slot table of a device.
//
// Manager is not safe for use by multiple processes at once, callers must
// serialize access (see the lock package).
type Manager struct {
	store prop.Store
	paths [2]string
	table Table
}

// Open loads the slot table from the property store. Paths holds the
// partition paths of slot A and slot B.
func Open(store prop.Store, paths [2]string) (*Manager, error) {
	m := &Manager{
		store: store,
		paths: paths,
	}

	if err := m.load(); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) load() (err error) {
	get := func(k string) bool {
		if err != nil {
			return false
		}
		var v bool
		v, err = m.store.GetBool(k, false)
		return v
	}

	var t Table

	for _, s := range []Slot{A, B} {
		t.Slots[s] = Record{
			Active:     get(key(s, "active")),
			Bootable:   get(key(s, "bootable")),
			Successful: get(key(s, "successful")),
		}
	}
	t.Try = get(tryKey)

	if err != nil {
		return api.Wrap(api.IOError, fmt.Errorf("could not load slot table, %w", err))
	}

	if t.Slots[A].Active && t.Slots[B].Active {
		klog.Warningf("Both slots marked active, treating slot a as active")
		t.Slots[B].Active = false
	}

	m.table = t

	return nil
}

// commit writes the full table and commits it as a single transaction. The
// in-memory table is only updated once the commit succeeded.
func (m *Manager) commit(t Table) (err error) {
	if t == m.table {
		return nil
	}

	set := func(k string, v bool) {
		if err == nil {
			err = m.store.SetBool(k, v)
		}
	}

	for _, s := range []Slot{A, B} {
		set(key(s, "active"), t.Slots[s].Active)
		set(key(s, "bootable"), t.Slots[s].Bootable)
		set(key(s, "successful"), t.Slots[s].Successful)
	}
	set(tryKey, t.Try)

	if err == nil {
		err = m.store.Commit()
	}

	if err != nil {
		return api.Wrap(api.IOError, fmt.Errorf("could not commit slot table, %w", err))
	}

	m.table = t

	return nil
}

// Status returns the current slot table.
func (m *Manager) Status() Table {
	return m.table
}

// Path returns the partition path of slot s.
func (m *Manager) Path(s Slot) string {
	return m.paths[s]
}

// Active returns the active slot, slot A if none is active yet.
func (m *Manager) Active() Slot {
	s, _ := m.table.active()
	return s
}

// ActivePath returns the partition path of the active slot.
func (m *Manager) ActivePath() string {
	return m.Path(m.Active())
}

// withActive returns t with slot A marked active and bootable if no slot is
// active, as on first boot.
func withActive(t Table) Table {
	if _, ok := t.active(); !ok {
		t.Slots[A].Active = true
		t.Slots[A].Bootable = true
	}
	return t
}

// Update prepares the inactive slot to receive a new image by clearing all
// its flags.
func (m *Manager) Update() error {
	t := withActive(m.table)
	current, _ := t.active()
	inactive := current.Other()

	t.Slots[inactive] = Record{}

	klog.V(1).Infof("Preparing slot %s for update", inactive)

	return m.commit(t)
}

// Done promotes the inactive slot, which must have received a verified
// image, to active and bootable, and demotes the currently active slot.
//
// The try flag is cleared so that the new slot is granted exactly one
// unconfirmed boot attempt.
func (m *Manager) Done() error {
	t := withActive(m.table)
	current, _ := t.active()
	next := current.Other()

	t.Slots[next].Active = true
	t.Slots[next].Bootable = true
	t.Slots[current].Active = false
	t.Try = false

	klog.Infof("Switching active slot %s -> %s", current, next)

	return m.commit(t)
}

// Success marks the active slot as successfully booted. Calling Success
// again has no effect.
func (m *Manager) Success() error {
	current, ok := m.table.active()

	if !ok {
		klog.Warningf("No active slot to mark successful")
		return nil
	}

	if m.table.Slots[current].Successful {
		return nil
	}

	t := m.table
	t.Slots[current].Successful = true
	t.Try = false

	klog.Infof("Slot %s marked successful", current)

	return m.commit(t)
}

// SelectBootTarget chooses the slot to boot and returns its partition path.
// It is meant to be called by the bootloader once per boot.
//
// An active slot which has not been confirmed successful is booted once with
// the try flag set. If it is selected again while the try flag is still set,
// the previous boot failed to confirm it and the other slot is booted
// instead, provided it is known to be good.
func (m *Manager) SelectBootTarget() (string, error) {
	t := m.table
	current, ok := t.active()

	switch {
	case !ok:
		klog.Infof("No active slot, bootstrapping slot %s", A)
		current = A
		t.Slots[A].Active = true
		t.Slots[A].Bootable = true
		t.Try = true
	case t.Slots[current].Bootable && t.Slots[current].Successful:
		// known good
	case t.Slots[current].Bootable && !t.Try:
		klog.Infof("Trying unconfirmed slot %s", current)
		t.Try = true
	default:
		// Either a previous attempt did not confirm the slot or it is
		// not bootable at all.
		other := current.Other()

		if !t.Slots[other].Successful {
			klog.Warningf("Slot %s unconfirmed and no known good slot to fall back to, booting it again", current)
			break
		}

		klog.Warningf("Slot %s failed to confirm boot, falling back to slot %s", current, other)

		t.Slots[current].Active = false
		t.Slots[current].Bootable = false
		t.Slots[other].Active = true
		t.Slots[other].Bootable = true
		t.Try = false
		current = other
	}

	if err := m.commit(t); err != nil {
		return "", err
	}

	return m.Path(current), nil
}
