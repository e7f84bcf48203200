package program

import (
	"debug/elf"
	"fmt"
	"sort"
)

type chunk struct {
	PAddr uint64
	Data  []byte
}

type byPAddr []*chunk

func (p byPAddr) Len() int           { return len(p) }
func (p byPAddr) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
func (p byPAddr) Less(i, j int) bool { return p[i].PAddr < p[j].PAddr }

func inProg(vaddr, size uint64, prog *elf.Prog) bool {
	return (vaddr >= prog.Vaddr) && (vaddr+size <= (prog.Vaddr + prog.Memsz))
}

func inRegion(addr, size uint64, base, regionSize uint32) bool {
	return (addr >= uint64(base)) && (addr+size <= uint64(base)+uint64(regionSize))
}

// ReadELFImage flattens the loadable sections of an ELF which fall inside
// [base, base+size) into a word image starting at base. Gaps are zero.
func ReadELFImage(fname string, base, size uint32) ([]uint32, error) {
	_, err := statImage(fname)
	if err != nil {
		return nil, err
	}

	f, err := elf.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	defer f.Close()

	chunks := []*chunk{}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || !inRegion(prog.Paddr, prog.Memsz, base, size) {
			continue
		}

		for _, sec := range f.Sections {
			if sec.Size == 0 || sec.Type == elf.SHT_NOBITS || !inProg(sec.Addr, sec.Size, prog) {
				continue
			}

			progOffset := sec.Addr - prog.Vaddr
			data, err := sec.Data()
			if err != nil {
				return nil, fmt.Errorf("%w: section %s: %w", ErrIO, sec.Name, err)
			}

			chunks = append(chunks, &chunk{
				PAddr: prog.Paddr + progOffset,
				Data:  data,
			})
		}
	}

	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %s has nothing to load at 0x%08x", ErrIO, fname, base)
	}

	sort.Sort(byPAddr(chunks))

	last := chunks[len(chunks)-1]
	maxPAddr := last.PAddr + uint64(len(last.Data))

	data := make([]byte, maxPAddr-uint64(base))
	for _, c := range chunks {
		copy(data[c.PAddr-uint64(base):], c.Data)
	}

	// Round up so the tail is zero padded, same as a raw binary.
	words := make([]uint32, (len(data)+3)/4)
	padded := make([]byte, len(words)*4)
	copy(padded, data)
	decodeWords(words, padded)

	return words, nil
}
