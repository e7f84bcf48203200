// SPDX-License-Identifier: MIT
// Copyright (c) 2021 Brian Starkey <stark3y@gmail.com>

// Package program loads a firmware image into the SoC's memory, verifies it
// and starts the CPU.
package program

import (
	"errors"
	"fmt"

	"github.com/golang/glog"
)

// Fixed by the hardware.
const (
	MemBase uint32 = 0x100000
	MemSize uint32 = 0x60000
	CPUBase uint32 = 0x2000

	RegRunHalt = CPUBase
	RegPC      = CPUBase + 0x8
	RegStatus  = CPUBase + 0xC

	CtrlRun  uint32 = 0x0
	CtrlHalt uint32 = 0x1
)

const defaultChunkWords = 1024

// Transport is word-level access to the device's address space.
type Transport interface {
	SelfTest() error
	WriteWord(addr, value uint32) error
	ReadWord(addr uint32) (uint32, error)
	WriteWordSequence(addr uint32, words []uint32) error
	ReadWordSequence(addr uint32, count int) ([]uint32, error)
}

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSelftest
	PhaseQueryState
	PhaseReset
	PhaseWrite
	PhaseVerify
	PhaseStarted
	PhaseHaltedOnMismatch
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseSelftest:
		return "Selftest"
	case PhaseQueryState:
		return "QueryState"
	case PhaseReset:
		return "Reset"
	case PhaseWrite:
		return "Write"
	case PhaseVerify:
		return "Verify"
	case PhaseStarted:
		return "Started"
	case PhaseHaltedOnMismatch:
		return "HaltedOnMismatch"
	case PhaseFailed:
		return "Failed"
	}

	return fmt.Sprintf("Phase(%d)", int(p))
}

type ProgressReport struct {
	Stage    string
	Progress int
	Max      int
}

func reportProgress(reportChan chan<- ProgressReport, stage string, progress int, max int) {
	if reportChan == nil {
		return
	}

	reportChan <- ProgressReport{
		Stage:    stage,
		Progress: progress,
		Max:      max,
	}
}

// Loader drives the load sequence against a single transport.
type Loader struct {
	t Transport

	// ReadImage is called once before writing and again, fresh, before
	// verifying. Defaults to ReadRegionImage.
	ReadImage func(fname string) ([]uint32, error)
	// ChunkWords is the most words passed to one sequence call. Zero or
	// less sends the whole image at once.
	ChunkWords int

	phase   Phase
	visited []Phase
}

func NewLoader(t Transport) *Loader {
	return &Loader{
		t:          t,
		ReadImage:  ReadRegionImage,
		ChunkWords: defaultChunkWords,
	}
}

// Phase returns the phase the loader is in, or ended in.
func (l *Loader) Phase() Phase {
	return l.phase
}

// Visited returns every phase entered so far, in order.
func (l *Loader) Visited() []Phase {
	return append([]Phase(nil), l.visited...)
}

func (l *Loader) enter(p Phase) {
	l.phase = p
	l.visited = append(l.visited, p)
}

func (l *Loader) fail(err error) error {
	l.enter(PhaseFailed)
	return err
}

// SelfTest checks the link. Nothing else should be attempted if it fails.
func (l *Loader) SelfTest() error {
	l.enter(PhaseSelftest)

	err := l.t.SelfTest()
	if err != nil {
		return l.fail(&TransportError{Op: "selftest", Err: err})
	}

	glog.Info("Bus selftest completed OK")

	return nil
}

func (l *Loader) QueryState() (SystemState, error) {
	l.enter(PhaseQueryState)

	st, err := QuerySystemState(l.t)
	if err != nil {
		return st, l.fail(err)
	}

	glog.Infof("Program counter: 0x%x", st.PC)
	glog.Infof("IF has error: %v", st.IFError)
	glog.Infof("IF error code: %d", st.IFErrorCode)
	glog.Infof("MEM has error: %v", st.MemError)
	glog.Infof("MEM error code: %d", st.MemErrorCode)

	return st, nil
}

// Halt stops the CPU.
func (l *Loader) Halt() error {
	l.enter(PhaseReset)

	err := l.t.WriteWord(RegRunHalt, CtrlHalt)
	if err != nil {
		return l.fail(&TransportError{Op: "halt CPU", Addr: RegRunHalt, Err: err})
	}

	return nil
}

// Start releases the CPU to run from its reset vector.
func (l *Loader) Start() error {
	err := l.t.WriteWord(RegRunHalt, CtrlRun)
	if err != nil {
		return l.fail(&TransportError{Op: "start CPU", Addr: RegRunHalt, Err: err})
	}

	l.enter(PhaseStarted)

	return nil
}

func (l *Loader) chunkLen(total int) int {
	if l.ChunkWords <= 0 || l.ChunkWords > total {
		return total
	}

	return l.ChunkWords
}

func (l *Loader) writeWords(words []uint32, progress chan<- ProgressReport) error {
	chunkLen := l.chunkLen(len(words))

	reportProgress(progress, "Writing", 0, len(words))
	for start := 0; start < len(words); start += chunkLen {
		end := start + chunkLen
		if end > len(words) {
			end = len(words)
		}

		addr := MemBase + uint32(start)*4
		err := l.t.WriteWordSequence(addr, words[start:end])
		reportProgress(progress, "Writing", end, len(words))
		if err != nil {
			return &TransportError{Op: "write", Addr: addr, Err: err}
		}
	}

	return nil
}

func (l *Loader) readWords(count int, progress chan<- ProgressReport) ([]uint32, error) {
	chunkLen := l.chunkLen(count)
	words := make([]uint32, 0, count)

	reportProgress(progress, "Verifying", 0, count)
	for start := 0; start < count; start += chunkLen {
		end := start + chunkLen
		if end > count {
			end = count
		}

		addr := MemBase + uint32(start)*4
		data, err := l.t.ReadWordSequence(addr, end-start)
		reportProgress(progress, "Verifying", end, count)
		if err != nil {
			return nil, &TransportError{Op: "read back", Addr: addr, Err: err}
		}

		if len(data) != end-start {
			return nil, &TransportError{
				Op:   "read back",
				Addr: addr,
				Err:  fmt.Errorf("short read: %d of %d words", len(data), end-start),
			}
		}

		words = append(words, data...)
	}

	return words, nil
}

// Verify compares the image against what was read back from base onwards.
func Verify(base uint32, expected, actual []uint32) []Mismatch {
	var mismatches []Mismatch

	for i := range expected {
		var got uint32
		if i < len(actual) {
			got = actual[i]
		}

		if i >= len(actual) || expected[i] != got {
			mismatches = append(mismatches, Mismatch{
				Addr:     base + uint32(i)*4,
				Expected: expected[i],
				Actual:   got,
			})
		}
	}

	return mismatches
}

func (l *Loader) readImage(fname string) ([]uint32, error) {
	words, err := l.ReadImage(fname)
	if err != nil {
		return nil, err
	}

	err = CheckFits(words)
	if err != nil {
		return nil, err
	}

	return words, nil
}

// Load halts the CPU, writes the image at MemBase, reads it back and starts
// the CPU only if every word matches. On a mismatch it returns a
// *VerificationError and the CPU stays halted.
//
// progress, if not nil, receives reports and is closed when Load returns.
func (l *Loader) Load(fname string, progress chan<- ProgressReport) error {
	if progress != nil {
		defer close(progress)
	}

	// Reading up front means a bad path is reported before touching the
	// device.
	words, err := l.readImage(fname)
	if err != nil {
		return l.fail(err)
	}

	glog.Info("Initial system state")
	_, err = l.QueryState()
	if err != nil {
		return err
	}

	glog.Info("Stop the CPU")
	err = l.Halt()
	if err != nil {
		return err
	}

	glog.Infof("Write %d words to 0x%08x", len(words), MemBase)
	l.enter(PhaseWrite)
	err = l.writeWords(words, progress)
	if err != nil {
		return l.fail(err)
	}

	glog.Info("Verify")
	l.enter(PhaseVerify)
	expected, err := l.readImage(fname)
	if err != nil {
		return l.fail(err)
	}

	actual, err := l.readWords(len(expected), progress)
	if err != nil {
		return l.fail(err)
	}

	mismatches := Verify(MemBase, expected, actual)
	if len(mismatches) > 0 {
		glog.Warningf("%d words failed verification, not starting the CPU", len(mismatches))
		l.enter(PhaseHaltedOnMismatch)

		return &VerificationError{Mismatches: mismatches}
	}

	glog.Info("Start the CPU")
	reportProgress(progress, "Starting", 0, 1)
	err = l.Start()
	reportProgress(progress, "Starting", 1, 1)

	return err
}

// Dump reads count words back from the memory region without touching the
// CPU.
func (l *Loader) Dump(count int) ([]uint32, error) {
	if count < 0 || uint64(count)*4 > uint64(MemSize) {
		return nil, fmt.Errorf("%w: %d words", ErrImageTooLarge, count)
	}

	return l.readWords(count, nil)
}

// IsVerificationError reports whether err means the image was written but
// didn't verify.
func IsVerificationError(err error) bool {
	var ve *VerificationError
	return errors.As(err, &ve)
}
