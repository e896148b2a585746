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

// Package avb verifies partitions carrying a vbmeta image and footer, and
// enforces their rollback indices.
package avb

import (
	"bytes"
	"crypto/subtle"
	"fmt"
	"os"

	"github.com/transparency-dev/armored-witness-verify/api"
	"github.com/transparency-dev/armored-witness-verify/internal/digest"
	"github.com/transparency-dev/armored-witness-verify/internal/partition"
	"github.com/transparency-dev/armored-witness-verify/internal/trust"
	"k8s.io/klog/v2"
)

// Flags modify verification behaviour.
type Flags uint32

const (
	// AllowRollbackError tolerates an image rollback index lower than the
	// stored one. The stored index is never lowered.
	AllowRollbackError Flags = 1 << iota
	// CompareOnly requires the image rollback index to be strictly greater
	// than the stored one, and never updates stored state.
	CompareOnly
	// NoKV verifies against a temporary trust store.
	NoKV
)

// Result describes a successful verification.
type Result struct {
	Partition  string
	VBMeta     *VBMeta
	Descriptor *HashDescriptor

	// Unlocked is set when the device was unlocked at verification time.
	Unlocked bool
	// KeyMismatch is set when an unlocked device accepted an untrusted key.
	KeyMismatch bool

	// StoredIndex is the rollback index held by the trust store before
	// verification.
	StoredIndex uint64
	// Advanced is set when the stored rollback index was raised to the
	// image one.
	Advanced bool
}

// Verifier checks partitions against a trust store.
type Verifier struct {
	Store trust.Store

	// Progress, if set, is called while the image digest is computed.
	Progress func(done, total int64)
}

func readKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)

	if err != nil {
		return nil, api.Wrap(api.IOError, fmt.Errorf("could not read public key, %w", err))
	}

	return key, nil
}

func open(path string) (partition.Closer, error) {
	dev, err := partition.Open(path)

	if err != nil {
		return nil, api.Wrap(api.IOError, err)
	}

	return dev, nil
}

// load reads the footer and the vbmeta image of dev.
func load(dev partition.Device) (*Footer, *VBMeta, error) {
	size := dev.Size()

	if size < FooterSize {
		return nil, nil, api.Errorf(api.MalformedContainer, "partition too small for footer (%d)", size)
	}

	whole := partition.Whole(dev)

	ext, err := whole.Sub(size-FooterSize, FooterSize)

	if err != nil {
		return nil, nil, api.Wrap(api.MalformedContainer, err)
	}

	buf, err := ext.Bytes()

	if err != nil {
		return nil, nil, api.Wrap(api.IOError, fmt.Errorf("could not read footer, %w", err))
	}

	footer, err := ParseFooter(buf)

	if err != nil {
		return nil, nil, err
	}

	if footer.VBMetaSize > MaxVBMetaSize {
		return nil, nil, api.Errorf(api.OutOfMemory, "vbmeta size %d exceeds %d", footer.VBMetaSize, MaxVBMetaSize)
	}

	limit := uint64(size - FooterSize)

	if footer.VBMetaOffset > limit || footer.VBMetaSize > limit-footer.VBMetaOffset {
		return nil, nil, api.Errorf(api.MalformedContainer, "vbmeta [%d, %d+%d) exceeds partition", footer.VBMetaOffset, footer.VBMetaOffset, footer.VBMetaSize)
	}

	if footer.OriginalImageSize > footer.VBMetaOffset {
		return nil, nil, api.Errorf(api.MalformedContainer, "image size %d overlaps vbmeta at %d", footer.OriginalImageSize, footer.VBMetaOffset)
	}

	if ext, err = whole.Sub(int64(footer.VBMetaOffset), int64(footer.VBMetaSize)); err != nil {
		return nil, nil, api.Wrap(api.MalformedContainer, err)
	}

	buf, err = ext.Bytes()

	if err != nil {
		return nil, nil, api.Wrap(api.IOError, fmt.Errorf("could not read vbmeta, %w", err))
	}

	vbmeta, err := ParseVBMeta(buf)

	if err != nil {
		return nil, nil, err
	}

	return footer, vbmeta, nil
}

// HashDescriptorOf returns the first hash descriptor of the named partition,
// without verifying it.
func HashDescriptorOf(path string) (*HashDescriptor, error) {
	dev, err := open(path)

	if err != nil {
		return nil, err
	}

	defer dev.Close()

	_, vbmeta, err := load(dev)

	if err != nil {
		return nil, err
	}

	return FirstHashDescriptor(vbmeta.Descriptors)
}

// Verify checks the partition named by name+suffix against the trusted
// AVB public key held in keyPath, and applies its rollback index to the trust
// store.
func (v *Verifier) Verify(name string, keyPath string, suffix string, flags Flags) (*Result, error) {
	key, err := readKey(keyPath)

	if err != nil {
		return nil, err
	}

	store := v.Store

	if flags&NoKV != 0 || store == nil {
		store = trust.NewTemporary()
	}

	return v.verifyPath(name+suffix, key, store, flags)
}

// VerifyUpgrade checks a candidate image against the trust state implied by
// the installed partition named by name+suffix, without modifying any
// stored state.
//
// A temporary store is loaded with the persisted lock state and rollback
// indices, then advanced by verifying the installed partition, so that the
// candidate can roll back neither of them.
func (v *Verifier) VerifyUpgrade(name string, image string, keyPath string, suffix string, flags Flags) (*Result, error) {
	key, err := readKey(keyPath)

	if err != nil {
		return nil, err
	}

	tmp := trust.NewTemporary()
	installed := name + suffix

	if flags&NoKV == 0 && v.Store != nil {
		if err := raise(tmp, v.Store); err != nil {
			return nil, err
		}
	}

	if _, err := v.verifyPath(installed, key, tmp, flags&^CompareOnly|AllowRollbackError); err != nil {
		return nil, fmt.Errorf("installed partition %s, %w", installed, err)
	}

	klog.V(1).Infof("Verifying upgrade image %s against %s", image, installed)

	r, err := v.verifyPath(image, key, tmp, flags)

	if err != nil {
		return nil, fmt.Errorf("upgrade image %s, %w", image, err)
	}

	return r, nil
}

// raise copies the lock state and every rollback index of src higher than
// the one held by dst into dst.
func raise(dst *trust.Adapter, src trust.Store) error {
	unlocked, err := src.ReadUnlocked()

	if err != nil {
		return err
	}

	if err = dst.SetUnlocked(unlocked); err != nil {
		return err
	}

	for loc := uint32(0); loc < trust.MaxRollbackLocations; loc++ {
		s, err := src.ReadCounter(loc)

		if err != nil {
			return err
		}

		d, err := dst.ReadCounter(loc)

		if err != nil {
			return err
		}

		if s > d {
			if err = dst.WriteCounter(loc, s); err != nil {
				return err
			}
		}
	}

	return nil
}

func (v *Verifier) verifyPath(path string, key []byte, store trust.Store, flags Flags) (*Result, error) {
	dev, err := open(path)

	if err != nil {
		return nil, err
	}

	defer dev.Close()

	r, err := v.verify(dev, key, store, flags)

	if err != nil {
		klog.Errorf("Verification of %s failed: %v", path, err)
		return nil, err
	}

	r.Partition = path

	klog.Infof("Verified %s (%s, rollback index %d at location %d)", path, r.Descriptor.PartitionName, r.Descriptor.RollbackIndex, r.Descriptor.RollbackIndexLocation)

	return r, nil
}

func (v *Verifier) verify(dev partition.Device, key []byte, store trust.Store, flags Flags) (*Result, error) {
	_, vbmeta, err := load(dev)

	if err != nil {
		return nil, err
	}

	unlocked, err := store.ReadUnlocked()

	if err != nil {
		return nil, err
	}

	r := &Result{
		VBMeta:   vbmeta,
		Unlocked: unlocked,
	}

	if err = vbmeta.VerifySignature(); err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare(vbmeta.PublicKey, key) != 1 {
		if !unlocked {
			return nil, api.Errorf(api.PublicKeyRejected, "vbmeta public key does not match trusted key")
		}

		klog.Warningf("Device unlocked, accepting untrusted vbmeta public key")
		r.KeyMismatch = true
	}

	desc, err := FirstHashDescriptor(vbmeta.Descriptors)

	if err != nil {
		return nil, err
	}

	r.Descriptor = desc

	enroll, err := v.checkDigest(dev, desc, store)

	if err != nil {
		return nil, err
	}

	advance, err := checkRollback(desc, store, unlocked, flags, r)

	if err != nil {
		return nil, err
	}

	// all checks passed, stored state may now change

	if flags&CompareOnly != 0 {
		return r, nil
	}

	if enroll != nil {
		klog.Infof("Enrolling persistent digest for %s", desc.PartitionName)

		if err = store.WritePersistent(desc.PersistentName(), enroll); err != nil {
			return nil, err
		}
	}

	if advance {
		if err = store.WriteCounter(desc.RollbackIndexLocation, desc.RollbackIndex); err != nil {
			return nil, err
		}

		r.Advanced = true
	}

	return r, nil
}

// checkDigest compares the image digest with the one expected by desc. For
// persistent digests seen for the first time the computed digest is
// returned for enrollment.
func (v *Verifier) checkDigest(dev partition.Device, desc *HashDescriptor, store trust.Store) ([]byte, error) {
	alg, err := desc.Algorithm()

	if err != nil {
		return nil, err
	}

	if !desc.Persistent() && len(desc.Digest) != alg.Size() {
		return nil, api.Errorf(api.InvalidMetadata, "%s digest length %d, want %d", desc.HashAlgorithm, len(desc.Digest), alg.Size())
	}

	if desc.ImageSize > uint64(dev.Size()) {
		return nil, api.Errorf(api.InvalidMetadata, "image size %d exceeds partition size %d", desc.ImageSize, dev.Size())
	}

	total := int64(desc.ImageSize)

	var opts []digest.Option

	if v.Progress != nil {
		var done int64

		opts = append(opts, digest.WithProgress(func(n int64) {
			done += n
			v.Progress(done, total)
		}))
	}

	sum, err := digest.Stream(alg.New(), desc.Salt, []digest.Range{{R: dev, Off: 0, Len: total}}, digest.ChunkSize, opts...)

	if err != nil {
		return nil, err
	}

	expected := desc.Digest

	if desc.Persistent() {
		stored, ok, err := store.ReadPersistent(desc.PersistentName())

		if err != nil {
			return nil, err
		}

		if !ok {
			return sum, nil
		}

		expected = stored
	}

	if !bytes.Equal(sum, expected) {
		return nil, api.Errorf(api.InvalidMetadata, "%s image digest mismatch", desc.PartitionName)
	}

	return nil, nil
}

// checkRollback applies the rollback policy, it returns whether the stored
// index must be advanced to the image one.
func checkRollback(desc *HashDescriptor, store trust.Store, unlocked bool, flags Flags, r *Result) (bool, error) {
	loc, index := desc.RollbackIndexLocation, desc.RollbackIndex

	stored, err := store.ReadCounter(loc)

	if err != nil {
		return false, err
	}

	r.StoredIndex = stored

	var violation error

	switch {
	case flags&CompareOnly != 0 && index <= stored:
		violation = api.Errorf(api.RollbackViolation, "rollback index %d at location %d is not newer than %d", index, loc, stored)
	case index < stored:
		violation = api.Errorf(api.RollbackViolation, "rollback index %d at location %d is lower than %d", index, loc, stored)
	}

	switch {
	case violation == nil:
	case unlocked:
		klog.Warningf("Device unlocked, ignoring: %v", violation)
	case flags&AllowRollbackError != 0 && flags&CompareOnly == 0:
		klog.Warningf("Rollback allowed, ignoring: %v", violation)
	default:
		return false, violation
	}

	return index > stored && !unlocked, nil
}
