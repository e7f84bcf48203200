// SPDX-License-Identifier: MIT
// Copyright (c) 2021 Brian Starkey <stark3y@gmail.com>
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

var (
	OpcodeSync      [4]byte = [4]byte{'S', 'Y', 'N', 'C'}
	OpcodeEcho      [4]byte = [4]byte{'E', 'C', 'H', 'O'}
	OpcodeReadWord  [4]byte = [4]byte{'R', 'D', 'W', 'D'}
	OpcodeWriteWord [4]byte = [4]byte{'W', 'R', 'W', 'D'}
	OpcodeReadSeq   [4]byte = [4]byte{'R', 'S', 'E', 'Q'}
	OpcodeWriteSeq  [4]byte = [4]byte{'W', 'S', 'E', 'Q'}
	OpcodeInfo      [4]byte = [4]byte{'I', 'N', 'F', 'O'}
	ResponseSync    [4]byte = [4]byte{'B', 'U', 'S', 'M'}
	ResponseOK      [4]byte = [4]byte{'O', 'K', 'O', 'K'}
	ResponseErr     [4]byte = [4]byte{'E', 'R', 'R', '!'}
)

var (
	ErrNotSynced = errors.New("not synced")
	ErrResponse  = errors.New("received error response")
	ErrCRC       = errors.New("CRC mismatch")
)

// MaxEchoLen bounds the pattern carried by a single ECHO command.
const MaxEchoLen = 256

func writeAll(w io.Writer, buf []byte) error {
	n, err := w.Write(buf)
	if err != nil {
		return err
	} else if n != len(buf) {
		return fmt.Errorf("unexpected write length: %v", n)
	}

	return nil
}

func readResponse(r io.Reader, buf []byte) error {
	// The status comes first so that an ERR! response, which carries no
	// payload, doesn't leave us blocked waiting for the rest of buf.
	_, err := io.ReadFull(r, buf[:len(ResponseOK)])
	if err != nil {
		return err
	}

	if !bytes.HasPrefix(buf, ResponseOK[:]) {
		return ErrResponse
	}

	_, err = io.ReadFull(r, buf[len(ResponseOK):])

	return err
}

// EncodeWords packs words little-endian, the byte order used everywhere on
// the wire.
func EncodeWords(words []uint32) []byte {
	buf := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}

	return buf
}

func DecodeWords(data []byte) []uint32 {
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[i*4:])
	}

	return words
}

type SyncCommand struct {
}

func (c *SyncCommand) Execute(rw io.ReadWriter) error {
	// TODO: Can we do better than an arbitrary 4096 length here?
	// The idea is to just drain whatever is on the port.
	var resp [4096]byte

	err := writeAll(rw, OpcodeSync[:])
	if err != nil {
		return err
	}

	n, err := io.ReadAtLeast(rw, resp[:], len(ResponseSync))
	if err != nil {
		return err
	}

	if !bytes.HasSuffix(resp[:n], ResponseSync[:]) {
		return ErrNotSynced
	}

	return nil
}

type EchoCommand struct {
	Pattern []byte
	Echoed  []byte
}

func (c *EchoCommand) Execute(rw io.ReadWriter) error {
	if len(c.Pattern) > MaxEchoLen {
		return fmt.Errorf("echo pattern too long: %d > %d", len(c.Pattern), MaxEchoLen)
	}

	buf := make([]byte, len(OpcodeEcho)+4+len(c.Pattern))

	copy(buf[0:], OpcodeEcho[:])
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(c.Pattern)))
	copy(buf[8:], c.Pattern)

	err := writeAll(rw, buf)
	if err != nil {
		return err
	}

	// Re-use for the response: status, pattern, CRC
	buf = buf[:len(ResponseOK)+len(c.Pattern)+4]

	err = readResponse(rw, buf)
	if err != nil {
		return err
	}

	echoed := buf[len(ResponseOK) : len(ResponseOK)+len(c.Pattern)]
	responseCRC := binary.LittleEndian.Uint32(buf[len(ResponseOK)+len(c.Pattern):])
	calcCRC := crc32.ChecksumIEEE(echoed)

	if responseCRC != calcCRC {
		return fmt.Errorf("%w: 0x%08x vs 0x%08x", ErrCRC, responseCRC, calcCRC)
	}

	c.Echoed = append([]byte(nil), echoed...)

	return nil
}

type ReadWordCommand struct {
	Addr  uint32
	Value uint32
}

func (c *ReadWordCommand) Execute(rw io.ReadWriter) error {
	// Re-use for command and response.
	buf := make([]byte, len(OpcodeReadWord)+4)

	copy(buf[0:], OpcodeReadWord[:])
	binary.LittleEndian.PutUint32(buf[4:], c.Addr)

	err := writeAll(rw, buf)
	if err != nil {
		return err
	}

	err = readResponse(rw, buf[:len(ResponseOK)+4])
	if err != nil {
		return err
	}

	c.Value = binary.LittleEndian.Uint32(buf[4:])

	return nil
}

type WriteWordCommand struct {
	Addr  uint32
	Value uint32
}

func (c *WriteWordCommand) Execute(rw io.ReadWriter) error {
	buf := make([]byte, len(OpcodeWriteWord)+4+4)

	copy(buf[0:], OpcodeWriteWord[:])
	binary.LittleEndian.PutUint32(buf[4:], c.Addr)
	binary.LittleEndian.PutUint32(buf[8:], c.Value)

	err := writeAll(rw, buf)
	if err != nil {
		return err
	}

	return readResponse(rw, buf[:len(ResponseOK)])
}

type ReadSeqCommand struct {
	Addr  uint32
	Count uint32
	Words []uint32
}

func (c *ReadSeqCommand) Execute(rw io.ReadWriter) error {
	req := make([]byte, len(OpcodeReadSeq)+4+4)

	copy(req[0:], OpcodeReadSeq[:])
	binary.LittleEndian.PutUint32(req[4:], c.Addr)
	binary.LittleEndian.PutUint32(req[8:], c.Count)

	err := writeAll(rw, req)
	if err != nil {
		return err
	}

	// Status, data, CRC
	buf := make([]byte, len(ResponseOK)+int(c.Count)*4+4)

	err = readResponse(rw, buf)
	if err != nil {
		return err
	}

	data := buf[len(ResponseOK) : len(buf)-4]
	responseCRC := binary.LittleEndian.Uint32(buf[len(buf)-4:])
	calcCRC := crc32.ChecksumIEEE(data)

	if responseCRC != calcCRC {
		return fmt.Errorf("%w: 0x%08x vs 0x%08x", ErrCRC, responseCRC, calcCRC)
	}

	c.Words = DecodeWords(data)

	return nil
}

type WriteSeqCommand struct {
	Addr  uint32
	Words []uint32
}

func (c *WriteSeqCommand) Execute(rw io.ReadWriter) error {
	data := EncodeWords(c.Words)
	buf := make([]byte, len(OpcodeWriteSeq)+4+4+len(data))

	copy(buf[0:], OpcodeWriteSeq[:])
	binary.LittleEndian.PutUint32(buf[4:], c.Addr)
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(c.Words)))
	copy(buf[12:], data)

	err := writeAll(rw, buf)
	if err != nil {
		return err
	}

	// Re-slice to single response arg
	buf = buf[:len(ResponseOK)+4]

	err = readResponse(rw, buf)
	if err != nil {
		return err
	}

	responseCRC := binary.LittleEndian.Uint32(buf[4:])
	calcCRC := crc32.ChecksumIEEE(data)

	if responseCRC != calcCRC {
		return fmt.Errorf("%w: 0x%08x vs 0x%08x", ErrCRC, responseCRC, calcCRC)
	}

	return nil
}

type InfoCommand struct {
	MaxWords uint32
}

func (c *InfoCommand) Execute(rw io.ReadWriter) error {
	buf := make([]byte, len(OpcodeInfo), len(ResponseOK)+4)

	copy(buf[0:], OpcodeInfo[:])

	err := writeAll(rw, buf)
	if err != nil {
		return err
	}

	// Re-slice to response args
	buf = buf[:len(ResponseOK)+4]

	err = readResponse(rw, buf)
	if err != nil {
		return err
	}

	c.MaxWords = binary.LittleEndian.Uint32(buf[4:])
	if c.MaxWords == 0 {
		return fmt.Errorf("device reported zero max sequence length")
	}

	return nil
}
