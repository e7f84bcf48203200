package program

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	return path
}

func TestReadImageLengths(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for size := 0; size <= 13; size++ {
		data := make([]byte, size)
		rng.Read(data)
		path := writeTemp(t, "image.bin", data)

		words, err := ReadImage(path)
		require.NoError(t, err, "size %d", size)
		require.Len(t, words, (size+3)/4, "size %d", size)

		for i := 0; i < size/4; i++ {
			assert.Equal(t, binary.LittleEndian.Uint32(data[i*4:]), words[i], "size %d word %d", size, i)
		}

		if size%4 != 0 {
			assert.Zero(t, words[len(words)-1], "size %d padding", size)
		}
	}
}

func TestImageRoundTrip(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	words, err := ReadImage(writeTemp(t, "in.bin", data))
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, WriteImage(out, words))

	st, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, int64(12), st.Size())

	again, err := ReadImage(out)
	require.NoError(t, err)
	assert.Equal(t, words, again)
}

func TestReadImageNotFound(t *testing.T) {
	_, err := ReadImage(filepath.Join(t.TempDir(), "missing.bin"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadImageDirectory(t *testing.T) {
	_, err := ReadImage(t.TempDir())
	assert.ErrorIs(t, err, ErrIO)
}

func TestReadImageELFMagicIsRaw(t *testing.T) {
	// A raw image may well start with the ELF magic; it is still raw.
	data := []byte{0x7f, 'E', 'L', 'F', 0x13, 0, 0, 0, 0x6f, 0, 0, 0}

	words, err := ReadRegionImage(writeTemp(t, "magic.bin", data))
	require.NoError(t, err)
	assert.Equal(t, []uint32{0x464c457f, 0x13, 0x6f}, words)
}

func TestReadImageLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huge.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	// Sparse, so nothing is allocated on disk.
	require.NoError(t, f.Truncate(1<<30))
	require.NoError(t, f.Close())

	_, err = ReadRegionImage(path)
	assert.ErrorIs(t, err, ErrImageTooLarge)

	words, err := ReadImageLimit(writeTemp(t, "ok.bin", make([]byte, 8)), 8)
	require.NoError(t, err)
	assert.Len(t, words, 2)

	_, err = ReadImageLimit(writeTemp(t, "over.bin", make([]byte, 9)), 8)
	assert.ErrorIs(t, err, ErrImageTooLarge)

	_, err = ReadRegionImage(filepath.Join(t.TempDir(), "missing.bin"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheckFits(t *testing.T) {
	assert.NoError(t, CheckFits(make([]uint32, MemSize/4)))
	assert.ErrorIs(t, CheckFits(make([]uint32, MemSize/4+1)), ErrImageTooLarge)
}

// buildELF returns a minimal little-endian ELF32 with one PT_LOAD segment
// holding a single .text section at paddr.
func buildELF(paddr uint32, text []byte) []byte {
	const (
		ehSize  = 52
		phSize  = 32
		shSize  = 40
		textOff = ehSize + phSize
	)

	shstrtab := []byte("\x00.text\x00.shstrtab\x00")
	strOff := textOff + len(text)
	shOff := (strOff + len(shstrtab) + 3) &^ 3

	var b bytes.Buffer
	le := func(v interface{}) { binary.Write(&b, binary.LittleEndian, v) }

	// ELF header
	b.Write([]byte{0x7f, 'E', 'L', 'F', 1, 1, 1, 0})
	b.Write(make([]byte, 8))
	le(uint16(2))    // ET_EXEC
	le(uint16(0xf3)) // EM_RISCV
	le(uint32(1))
	le(paddr) // entry
	le(uint32(ehSize))
	le(uint32(shOff))
	le(uint32(0))
	le(uint16(ehSize))
	le(uint16(phSize))
	le(uint16(1))
	le(uint16(shSize))
	le(uint16(3))
	le(uint16(2))

	// Program header
	le(uint32(1)) // PT_LOAD
	le(uint32(textOff))
	le(paddr)
	le(paddr)
	le(uint32(len(text)))
	le(uint32(len(text)))
	le(uint32(5))
	le(uint32(4))

	b.Write(text)
	b.Write(shstrtab)
	b.Write(make([]byte, shOff-b.Len()))

	// Section headers: null, .text, .shstrtab
	b.Write(make([]byte, shSize))
	for _, v := range []uint32{1, 1, 6, paddr, textOff, uint32(len(text)), 0, 0, 4, 0} {
		le(v)
	}
	for _, v := range []uint32{7, 3, 0, 0, uint32(strOff), uint32(len(shstrtab)), 0, 0, 1, 0} {
		le(v)
	}

	return b.Bytes()
}

func TestReadELFImage(t *testing.T) {
	path := writeTemp(t, "fw.elf", buildELF(MemBase+8, []byte{1, 2, 3, 4, 5, 6}))

	words, err := ReadRegionELF(path)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 0, 0x04030201, 0x00000605}, words)
}

func TestReadELFImageOutsideRegion(t *testing.T) {
	path := writeTemp(t, "fw.elf", buildELF(0x80000000, []byte{1, 2, 3, 4}))

	_, err := ReadELFImage(path, MemBase, MemSize)
	assert.ErrorIs(t, err, ErrIO)
}
