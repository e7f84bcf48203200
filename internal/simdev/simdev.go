// SPDX-License-Identifier: MIT
// Copyright (c) 2021 Brian Starkey <stark3y@gmail.com>

// Package simdev is a simulated SoC bus slave. It speaks the bus-master
// protocol on an io.ReadWriter and models the memory region and the CPU
// control registers, so the loader can be exercised without hardware.
package simdev

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"net"
	"sync"

	"github.com/usedbytes/soc-loader/protocol"
)

const (
	DefaultMemBase  uint32 = 0x100000
	DefaultMemSize  uint32 = 0x60000
	DefaultCPUBase  uint32 = 0x2000
	DefaultMaxWords uint32 = 256
)

const (
	regRunHalt = 0x0
	regPC      = 0x8
	regStatus  = 0xC
)

// Device holds the simulated target state. The zero value is not usable; use
// New.
type Device struct {
	mu sync.Mutex

	memBase  uint32
	mem      []uint32
	cpuBase  uint32
	maxWords uint32

	halted bool
	pc     uint32
	status uint32

	controlWrites []uint32

	// CorruptStore, if set, is applied to every word written into the
	// memory region before it is stored.
	CorruptStore func(addr, value uint32) uint32
	// CorruptEcho makes ECHO return a damaged payload with a matching CRC,
	// which fails the host's selftest without tripping the CRC check.
	CorruptEcho bool
	// SyncJunk is the number of SYNC requests to answer with garbage before
	// answering properly.
	SyncJunk int
}

func New() *Device {
	return &Device{
		memBase:  DefaultMemBase,
		mem:      make([]uint32, DefaultMemSize/4),
		cpuBase:  DefaultCPUBase,
		maxWords: DefaultMaxWords,
	}
}

// SetMaxWords changes the sequence length reported by INFO.
func (d *Device) SetMaxWords(n uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxWords = n
}

// SetState sets the program counter and bus-interaction status registers.
func (d *Device) SetState(pc, status uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pc = pc
	d.status = status
}

func (d *Device) Halted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.halted
}

// ControlWrites returns every value written to the run/halt register, in
// order.
func (d *Device) ControlWrites() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint32(nil), d.controlWrites...)
}

// Memory returns a copy of count words of the memory region from addr.
func (d *Device) Memory(addr uint32, count int) []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]uint32, count)
	for i := range out {
		v, _ := d.read(addr + uint32(i)*4)
		out[i] = v
	}

	return out
}

func (d *Device) memIndex(addr uint32) (int, bool) {
	if addr%4 != 0 || addr < d.memBase {
		return 0, false
	}

	idx := int((addr - d.memBase) / 4)
	if idx >= len(d.mem) {
		return 0, false
	}

	return idx, true
}

func (d *Device) read(addr uint32) (uint32, bool) {
	if idx, ok := d.memIndex(addr); ok {
		return d.mem[idx], true
	}

	switch addr {
	case d.cpuBase + regRunHalt:
		if d.halted {
			return 1, true
		}
		return 0, true
	case d.cpuBase + regPC:
		return d.pc, true
	case d.cpuBase + regStatus:
		return d.status, true
	}

	return 0, false
}

func (d *Device) write(addr, value uint32) bool {
	if idx, ok := d.memIndex(addr); ok {
		if d.CorruptStore != nil {
			value = d.CorruptStore(addr, value)
		}
		d.mem[idx] = value
		return true
	}

	if addr == d.cpuBase+regRunHalt {
		d.controlWrites = append(d.controlWrites, value)
		d.halted = value&1 != 0
		return true
	}

	return false
}

// Serve answers commands from rw until the stream is closed.
func (d *Device) Serve(rw io.ReadWriter) error {
	for {
		var op [4]byte
		_, err := io.ReadFull(rw, op[:])
		if err != nil {
			if isClosed(err) {
				return nil
			}
			return err
		}

		err = d.handle(rw, op)
		if err != nil {
			if isClosed(err) {
				return nil
			}
			return err
		}
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}

func readArgs(r io.Reader, n int) ([]uint32, error) {
	buf := make([]byte, n*4)
	_, err := io.ReadFull(r, buf)
	if err != nil {
		return nil, err
	}

	return protocol.DecodeWords(buf), nil
}

func respond(w io.Writer, payload ...[]byte) error {
	buf := append([]byte(nil), protocol.ResponseOK[:]...)
	for _, p := range payload {
		buf = append(buf, p...)
	}

	_, err := w.Write(buf)
	return err
}

func respondErr(w io.Writer) error {
	_, err := w.Write(protocol.ResponseErr[:])
	return err
}

func le32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func (d *Device) handle(rw io.ReadWriter, op [4]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch op {
	case protocol.OpcodeSync:
		if d.SyncJunk > 0 {
			d.SyncJunk--
			_, err := rw.Write([]byte("????"))
			return err
		}
		_, err := rw.Write(protocol.ResponseSync[:])
		return err

	case protocol.OpcodeInfo:
		return respond(rw, le32(d.maxWords))

	case protocol.OpcodeEcho:
		args, err := readArgs(rw, 1)
		if err != nil {
			return err
		}
		pattern := make([]byte, args[0])
		_, err = io.ReadFull(rw, pattern)
		if err != nil {
			return err
		}
		if d.CorruptEcho && len(pattern) > 0 {
			pattern[0] ^= 0x01
		}
		return respond(rw, pattern, le32(crc32.ChecksumIEEE(pattern)))

	case protocol.OpcodeReadWord:
		args, err := readArgs(rw, 1)
		if err != nil {
			return err
		}
		v, ok := d.read(args[0])
		if !ok {
			return respondErr(rw)
		}
		return respond(rw, le32(v))

	case protocol.OpcodeWriteWord:
		args, err := readArgs(rw, 2)
		if err != nil {
			return err
		}
		if !d.write(args[0], args[1]) {
			return respondErr(rw)
		}
		return respond(rw)

	case protocol.OpcodeReadSeq:
		args, err := readArgs(rw, 2)
		if err != nil {
			return err
		}
		addr, count := args[0], args[1]
		if count > d.maxWords {
			return respondErr(rw)
		}
		words := make([]uint32, count)
		for i := range words {
			v, ok := d.read(addr + uint32(i)*4)
			if !ok {
				return respondErr(rw)
			}
			words[i] = v
		}
		data := protocol.EncodeWords(words)
		return respond(rw, data, le32(crc32.ChecksumIEEE(data)))

	case protocol.OpcodeWriteSeq:
		args, err := readArgs(rw, 2)
		if err != nil {
			return err
		}
		addr, count := args[0], args[1]
		// Drain the payload before rejecting anything, to stay in step
		// with the host.
		words, err := readArgs(rw, int(count))
		if err != nil {
			return err
		}
		if count > d.maxWords {
			return respondErr(rw)
		}
		for i := range words {
			if _, ok := d.memIndex(addr + uint32(i)*4); !ok {
				return respondErr(rw)
			}
		}
		for i, w := range words {
			d.write(addr+uint32(i)*4, w)
		}
		// The CRC covers what was received, not what was stored.
		data := protocol.EncodeWords(words)
		return respond(rw, le32(crc32.ChecksumIEEE(data)))
	}

	return respondErr(rw)
}

// Pipe starts d serving one end of an in-memory connection and returns the
// other end. Closing the returned conn stops the device.
func Pipe(d *Device) net.Conn {
	host, dev := net.Pipe()
	go func() {
		_ = d.Serve(dev)
		dev.Close()
	}()

	return host
}
