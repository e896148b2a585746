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

// Package lock serialises processes updating device state with an advisory
// file lock.
package lock

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// ErrLocked is returned when the lock is held elsewhere and waiting was not
// requested.
var ErrLocked = errors.New("lock held by another process")

// Lock is an exclusive lock on a file.
type Lock struct {
	f *os.File
}

// Acquire takes the exclusive lock on path, creating the file if needed. If
// wait is false and the lock is held, ErrLocked is returned.
func Acquire(path string, wait bool) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)

	if err != nil {
		return nil, fmt.Errorf("could not open lock file, %w", err)
	}

	how := unix.LOCK_EX

	if !wait {
		how |= unix.LOCK_NB
	}

	for {
		err = unix.Flock(int(f.Fd()), how)

		if err != unix.EINTR {
			break
		}
	}

	switch {
	case errors.Is(err, unix.EWOULDBLOCK):
		f.Close()
		return nil, ErrLocked
	case err != nil:
		f.Close()
		return nil, fmt.Errorf("could not lock %s, %w", path, err)
	}

	klog.V(2).Infof("Acquired lock %s", path)

	return &Lock{f: f}, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	defer l.f.Close()

	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("could not unlock %s, %w", l.f.Name(), err)
	}

	return nil
}
