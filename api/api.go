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

// Package api defines the result codes shared by the image verifier, the
// package verifier and the slot manager, along with the error type carrying
// them.
package api

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a verification or slot management failure.
//
// ErrorCode implements error so that callers can test for a class of failure
// with errors.Is, e.g. errors.Is(err, api.BadSignature).
type ErrorCode int32

const (
	OK ErrorCode = iota
	// IOError is a partition, file or property store access failure.
	IOError
	// MalformedContainer is a structural failure in a package container.
	MalformedContainer
	// InvalidMetadata is a structural or content failure in image metadata.
	InvalidMetadata
	// BadSignature is a cryptographic signature verification failure.
	BadSignature
	// DigestMismatch means that content does not match its signed commitment.
	DigestMismatch
	// RollbackViolation means that the stored rollback index is newer than
	// the presented image.
	RollbackViolation
	// OutOfMemory means that a declared length exceeds allocation bounds.
	OutOfMemory
	// PublicKeyRejected means that the signing key is not the trusted key.
	PublicKeyRejected
	// UnsupportedDescriptor means a descriptor kind which cannot be consumed.
	UnsupportedDescriptor
)

var codeNames = map[ErrorCode]string{
	OK:                    "OK",
	IOError:               "IO_ERROR",
	MalformedContainer:    "MALFORMED_CONTAINER",
	InvalidMetadata:       "INVALID_METADATA",
	BadSignature:          "BAD_SIGNATURE",
	DigestMismatch:        "DIGEST_MISMATCH",
	RollbackViolation:     "ROLLBACK_VIOLATION",
	OutOfMemory:           "OUT_OF_MEMORY",
	PublicKeyRejected:     "PUBLIC_KEY_REJECTED",
	UnsupportedDescriptor: "UNSUPPORTED_DESCRIPTOR",
}

func (c ErrorCode) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("ErrorCode(%d)", int32(c))
}

func (c ErrorCode) Error() string {
	return c.String()
}

// Error is a failure of a specific class.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%v: %v", e.Code, e.Err)
}

// Unwrap exposes both the class and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Code}
	}
	return []error{e.Code, e.Err}
}

// Errorf returns an error of class c, formatted as with fmt.Errorf.
func Errorf(c ErrorCode, format string, a ...any) error {
	return &Error{
		Code: c,
		Err:  fmt.Errorf(format, a...),
	}
}

// Wrap classifies err, unless it is nil or already carries a class.
func Wrap(c ErrorCode, err error) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return err
	}

	return &Error{Code: c, Err: err}
}

// CodeOf returns the class of err, OK for a nil error, and IOError for
// unclassified errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return OK
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	var c ErrorCode
	if errors.As(err, &c) {
		return c
	}

	return IOError
}

// ExitCode returns the process exit status for err.
func ExitCode(err error) int {
	return int(CodeOf(err))
}
