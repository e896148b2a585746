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

package api

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestCodeOf(t *testing.T) {
	for _, test := range []struct {
		name string
		err  error
		want ErrorCode
	}{
		{
			name: "nil",
			want: OK,
		}, {
			name: "classified",
			err:  Errorf(BadSignature, "nope"),
			want: BadSignature,
		}, {
			name: "wrapped classified",
			err:  fmt.Errorf("verifying: %w", Errorf(DigestMismatch, "nope")),
			want: DigestMismatch,
		}, {
			name: "bare code",
			err:  RollbackViolation,
			want: RollbackViolation,
		}, {
			name: "unclassified",
			err:  io.ErrUnexpectedEOF,
			want: IOError,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := CodeOf(test.err); got != test.want {
				t.Fatalf("CodeOf(%v) = %v, want %v", test.err, got, test.want)
			}
		})
	}
}

func TestErrorIs(t *testing.T) {
	err := Wrap(MalformedContainer, io.ErrUnexpectedEOF)

	if !errors.Is(err, MalformedContainer) {
		t.Errorf("errors.Is(%v, MalformedContainer) = false", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("errors.Is(%v, io.ErrUnexpectedEOF) = false", err)
	}
	if errors.Is(err, BadSignature) {
		t.Errorf("errors.Is(%v, BadSignature) = true", err)
	}
}

func TestWrapKeepsClass(t *testing.T) {
	inner := Errorf(OutOfMemory, "too big")

	if got := CodeOf(Wrap(IOError, inner)); got != OutOfMemory {
		t.Fatalf("Wrap reclassified error as %v", got)
	}
	if Wrap(IOError, nil) != nil {
		t.Fatal("Wrap(nil) != nil")
	}
}
