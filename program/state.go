// SPDX-License-Identifier: MIT
// Copyright (c) 2021 Brian Starkey <stark3y@gmail.com>
package program

import (
	"fmt"
)

// SystemState is a snapshot of the CPU control region.
type SystemState struct {
	PC     uint32
	Status uint32

	IFError      bool
	IFErrorCode  uint8
	MemError     bool
	MemErrorCode uint8
}

// DecodeState splits the bus-interaction status word into its fields.
func DecodeState(pc, status uint32) SystemState {
	return SystemState{
		PC:           pc,
		Status:       status,
		IFError:      status&1 != 0,
		IFErrorCode:  uint8((status >> 8) & 0xf),
		MemError:     (status>>16)&1 != 0,
		MemErrorCode: uint8((status >> 24) & 0xf),
	}
}

func (s SystemState) String() string {
	return fmt.Sprintf("PC: 0x%08x IF error: %v (code %d) MEM error: %v (code %d)",
		s.PC, s.IFError, s.IFErrorCode, s.MemError, s.MemErrorCode)
}

// QuerySystemState reads the program counter and bus-interaction status.
func QuerySystemState(t Transport) (SystemState, error) {
	pc, err := t.ReadWord(RegPC)
	if err != nil {
		return SystemState{}, &TransportError{Op: "read program counter", Addr: RegPC, Err: err}
	}

	status, err := t.ReadWord(RegStatus)
	if err != nil {
		return SystemState{}, &TransportError{Op: "read bus status", Addr: RegStatus, Err: err}
	}

	return DecodeState(pc, status), nil
}
