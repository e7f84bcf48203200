// SPDX-License-Identifier: MIT
// Copyright (c) 2021 Brian Starkey <stark3y@gmail.com>

// Package bus implements the host side of the bus-master link: word and
// word-sequence access to the target's address space, on top of the
// commands in package protocol.
package bus

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"

	"github.com/usedbytes/soc-loader/protocol"
)

const (
	defaultSyncAttempts = 5
	defaultSyncInterval = 50 * time.Millisecond
)

var ErrSelfTest = errors.New("bus selftest failed")

// selfTestPatterns are echoed through the link by SelfTest.
var selfTestPatterns = func() [][]byte {
	zeros := make([]byte, 16)
	ones := bytes.Repeat([]byte{0xff}, 16)
	stripesA := bytes.Repeat([]byte{0xaa}, 16)
	stripes5 := bytes.Repeat([]byte{0x55}, 16)

	walking := make([]byte, 32)
	for i := range walking {
		walking[i] = 1 << (i % 8)
	}

	counting := make([]byte, protocol.MaxEchoLen)
	for i := range counting {
		counting[i] = byte(i)
	}

	return [][]byte{zeros, ones, stripesA, stripes5, walking, counting}
}()

// Master owns one link to the target. It is not safe for concurrent use.
type Master struct {
	rw       io.ReadWriter
	maxWords uint32

	// SyncAttempts bounds how many SYNCs are tried before giving up.
	SyncAttempts int
	SyncInterval time.Duration
}

func NewMaster(rw io.ReadWriter) *Master {
	return &Master{
		rw:           rw,
		SyncAttempts: defaultSyncAttempts,
		SyncInterval: defaultSyncInterval,
	}
}

func (m *Master) sync() error {
	attempt := 0
	op := func() error {
		attempt++
		glog.V(1).Infof("sync %d", attempt)

		var sc protocol.SyncCommand
		err := sc.Execute(m.rw)
		if err != nil && !errors.Is(err, protocol.ErrNotSynced) {
			return backoff.Permanent(err)
		}

		return err
	}

	attempts := m.SyncAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(m.SyncInterval), uint64(attempts-1))

	err := backoff.Retry(op, b)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	glog.V(1).Info("Synced!")

	return nil
}

func (m *Master) info() error {
	ic := &protocol.InfoCommand{}
	err := ic.Execute(m.rw)
	if err != nil {
		return fmt.Errorf("info: %w", err)
	}

	m.maxWords = ic.MaxWords
	glog.V(1).Infof("MaxWords: %d", m.maxWords)

	return nil
}

// SelfTest synchronises with the target, learns its transfer limits and
// echoes a set of bit patterns through the link.
func (m *Master) SelfTest() error {
	err := m.sync()
	if err != nil {
		return err
	}

	err = m.info()
	if err != nil {
		return err
	}

	for _, p := range selfTestPatterns {
		ec := &protocol.EchoCommand{Pattern: p}
		err = ec.Execute(m.rw)
		if err != nil {
			return fmt.Errorf("echo: %w", err)
		}

		if !bytes.Equal(ec.Echoed, p) {
			return fmt.Errorf("%w: echo of %d bytes came back altered", ErrSelfTest, len(p))
		}
	}

	return nil
}

func (m *Master) ReadWord(addr uint32) (uint32, error) {
	rc := &protocol.ReadWordCommand{Addr: addr}
	err := rc.Execute(m.rw)
	glog.V(2).Infof("read 0x%08x: 0x%08x (%v)", addr, rc.Value, err)
	if err != nil {
		return 0, err
	}

	return rc.Value, nil
}

func (m *Master) WriteWord(addr, value uint32) error {
	wc := &protocol.WriteWordCommand{Addr: addr, Value: value}
	err := wc.Execute(m.rw)
	glog.V(2).Infof("write 0x%08x: 0x%08x (%v)", addr, value, err)

	return err
}

func (m *Master) chunkLen() (uint32, error) {
	if m.maxWords == 0 {
		err := m.info()
		if err != nil {
			return 0, err
		}
	}

	return m.maxWords, nil
}

func (m *Master) WriteWordSequence(addr uint32, words []uint32) error {
	chunkLen, err := m.chunkLen()
	if err != nil {
		return err
	}

	for start := uint32(0); start < uint32(len(words)); start += chunkLen {
		end := start + chunkLen
		if end > uint32(len(words)) {
			end = uint32(len(words))
		}

		wc := &protocol.WriteSeqCommand{
			Addr:  addr + start*4,
			Words: words[start:end],
		}
		err = wc.Execute(m.rw)
		glog.V(2).Infof("write %d words to 0x%08x (%v)", end-start, wc.Addr, err)
		if err != nil {
			return fmt.Errorf("write sequence at 0x%08x: %w", wc.Addr, err)
		}
	}

	return nil
}

func (m *Master) ReadWordSequence(addr uint32, count int) ([]uint32, error) {
	chunkLen, err := m.chunkLen()
	if err != nil {
		return nil, err
	}

	words := make([]uint32, 0, count)
	for start := uint32(0); start < uint32(count); start += chunkLen {
		end := start + chunkLen
		if end > uint32(count) {
			end = uint32(count)
		}

		rc := &protocol.ReadSeqCommand{
			Addr:  addr + start*4,
			Count: end - start,
		}
		err = rc.Execute(m.rw)
		glog.V(2).Infof("read %d words from 0x%08x (%v)", rc.Count, rc.Addr, err)
		if err != nil {
			return nil, fmt.Errorf("read sequence at 0x%08x: %w", rc.Addr, err)
		}

		words = append(words, rc.Words...)
	}

	return words, nil
}
