// SPDX-License-Identifier: MIT
// Copyright (c) 2021 Brian Starkey <stark3y@gmail.com>
package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usedbytes/soc-loader/internal/simdev"
	"github.com/usedbytes/soc-loader/protocol"
)

func newTestMaster(t *testing.T, dev *simdev.Device) *Master {
	t.Helper()

	conn := simdev.Pipe(dev)
	t.Cleanup(func() { conn.Close() })

	m := NewMaster(conn)
	m.SyncInterval = 0

	return m
}

func TestSelfTest(t *testing.T) {
	m := newTestMaster(t, simdev.New())

	require.NoError(t, m.SelfTest())
	assert.Equal(t, simdev.DefaultMaxWords, m.maxWords)
}

func TestSelfTestCorruptEcho(t *testing.T) {
	dev := simdev.New()
	dev.CorruptEcho = true
	m := newTestMaster(t, dev)

	assert.ErrorIs(t, m.SelfTest(), ErrSelfTest)
}

func TestSyncRetries(t *testing.T) {
	dev := simdev.New()
	dev.SyncJunk = 3
	m := newTestMaster(t, dev)

	require.NoError(t, m.SelfTest())
}

func TestSyncGivesUp(t *testing.T) {
	dev := simdev.New()
	dev.SyncJunk = defaultSyncAttempts
	m := newTestMaster(t, dev)

	assert.ErrorIs(t, m.SelfTest(), protocol.ErrNotSynced)
}

func TestWordAccess(t *testing.T) {
	dev := simdev.New()
	dev.SetState(0x100040, 0x0a010501)
	m := newTestMaster(t, dev)

	pc, err := m.ReadWord(simdev.DefaultCPUBase + 8)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x100040), pc)

	require.NoError(t, m.WriteWord(simdev.DefaultCPUBase, 1))
	assert.True(t, dev.Halted())
	require.NoError(t, m.WriteWord(simdev.DefaultCPUBase, 0))
	assert.False(t, dev.Halted())
	assert.Equal(t, []uint32{1, 0}, dev.ControlWrites())

	_, err = m.ReadWord(0x10)
	assert.ErrorIs(t, err, protocol.ErrResponse)
}

func TestSequencesAreChunked(t *testing.T) {
	dev := simdev.New()
	dev.SetMaxWords(7)
	m := newTestMaster(t, dev)

	words := make([]uint32, 20)
	for i := range words {
		words[i] = 0xc0de0000 | uint32(i)
	}

	// No SelfTest: the limit is queried on first use.
	require.NoError(t, m.WriteWordSequence(simdev.DefaultMemBase, words))
	assert.Equal(t, uint32(7), m.maxWords)
	assert.Equal(t, words, dev.Memory(simdev.DefaultMemBase, len(words)))

	got, err := m.ReadWordSequence(simdev.DefaultMemBase, len(words))
	require.NoError(t, err)
	assert.Equal(t, words, got)

	got, err = m.ReadWordSequence(simdev.DefaultMemBase+8, 3)
	require.NoError(t, err)
	assert.Equal(t, words[2:5], got)
}

func TestWriteOutsideMemory(t *testing.T) {
	m := newTestMaster(t, simdev.New())

	err := m.WriteWordSequence(simdev.DefaultMemBase+simdev.DefaultMemSize-4, []uint32{1, 2})
	assert.ErrorIs(t, err, protocol.ErrResponse)
}

func TestOpenNoPort(t *testing.T) {
	_, err := Open("", DefaultBaudRate)
	assert.Error(t, err)
}
