// SPDX-License-Identifier: MIT
// Copyright (c) 2021 Brian Starkey <stark3y@gmail.com>
package program

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("image not found")
	ErrIO            = errors.New("image I/O error")
	ErrImageTooLarge = errors.New("image doesn't fit in memory region")
)

// TransportError is any failure of a bus operation. The run is aborted where
// it happened; no phase is retried.
type TransportError struct {
	Op   string
	Addr uint32
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s at 0x%08x: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Mismatch is a word read back from the device which differs from the image.
type Mismatch struct {
	Addr     uint32
	Expected uint32
	Actual   uint32
}

func (m Mismatch) String() string {
	return fmt.Sprintf("address 0x%08x expected 0x%08x received 0x%08x", m.Addr, m.Expected, m.Actual)
}

// VerificationError means the image read back didn't match what was written.
// The CPU has been left halted.
type VerificationError struct {
	Mismatches []Mismatch
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed: %d mismatched words, CPU left halted", len(e.Mismatches))
}
