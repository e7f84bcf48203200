// SPDX-License-Identifier: MIT
// Copyright (c) 2021 Brian Starkey <stark3y@gmail.com>
package program

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

func statImage(fname string) (fs.FileInfo, error) {
	st, err := os.Stat(fname)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	if !st.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrIO, fname)
	}

	return st, nil
}

func decodeWords(words []uint32, data []byte) {
	for i := 0; i < len(data)/4; i++ {
		words[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
}

// ReadImage loads a raw binary as little-endian 32-bit words. The result is
// ceil(size/4) words long; only whole words are read from the file, so the
// last word is zero when the size isn't a multiple of 4.
func ReadImage(fname string) ([]uint32, error) {
	return ReadImageLimit(fname, -1)
}

// ReadImageLimit is ReadImage, but fails with ErrImageTooLarge before
// reading anything if the file is more than maxBytes long. A negative
// maxBytes means no limit.
func ReadImageLimit(fname string, maxBytes int64) ([]uint32, error) {
	st, err := statImage(fname)
	if err != nil {
		return nil, err
	}

	size := st.Size()
	if maxBytes >= 0 && size > maxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes > 0x%x", ErrImageTooLarge, fname, size, maxBytes)
	}

	words := make([]uint32, (size+3)/4)

	f, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	defer f.Close()

	data := make([]byte, (size/4)*4)
	_, err = io.ReadFull(f, data)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrIO, fname, err)
	}

	decodeWords(words, data)

	return words, nil
}

// WriteImage writes words out as a raw little-endian binary, the format
// ReadImage reads.
func WriteImage(fname string, words []uint32) error {
	data := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(data[i*4:], w)
	}

	err := os.WriteFile(fname, data, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	return nil
}

// ReadRegionImage reads a raw binary destined for the memory region.
func ReadRegionImage(fname string) ([]uint32, error) {
	return ReadImageLimit(fname, int64(MemSize))
}

// ReadRegionELF flattens an ELF into an image for the memory region.
func ReadRegionELF(fname string) ([]uint32, error) {
	return ReadELFImage(fname, MemBase, MemSize)
}

// CheckFits fails if the image is larger than the memory region.
func CheckFits(words []uint32) error {
	if uint64(len(words))*4 > uint64(MemSize) {
		return fmt.Errorf("%w: %d bytes > 0x%x", ErrImageTooLarge, len(words)*4, MemSize)
	}

	return nil
}
