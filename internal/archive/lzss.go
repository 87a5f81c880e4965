package archive

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

const maxExpansion = 9

// DecompressLZSS expands the LZSS variant used by compressed PBO entries.
//
// Each flag byte governs the next eight tokens, least significant bit first.
// A set bit is a literal byte. A clear bit is a two-byte back reference: a
// 12-bit distance and a 4-bit length (plus 3). References that reach before
// the start of the output produce spaces. The stream ends with a 32-bit sum of
// all output bytes.
//
// inputSize is the length of the compressed stream. A two-byte reference
// yields at most 18 bytes, so a size above maxExpansion times the input is
// rejected before anything is allocated.
func DecompressLZSS(r io.Reader, size int, inputSize int64) ([]byte, error) {
	if int64(size) > maxExpansion*inputSize {
		return nil, fmt.Errorf("%w: lzss size %d from %d input bytes", ErrCorrupt, size, inputSize)
	}
	br := bufio.NewReader(r)
	out := make([]byte, 0, size)

	for len(out) < size {
		flags, err := br.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: lzss flags: %v", ErrCorrupt, err)
		}

		for bit := 0; bit < 8 && len(out) < size; bit++ {
			if flags&(1<<bit) != 0 {
				b, err := br.ReadByte()
				if err != nil {
					return nil, fmt.Errorf("%w: lzss literal: %v", ErrCorrupt, err)
				}
				out = append(out, b)
				continue
			}

			var ref [2]byte
			if _, err := io.ReadFull(br, ref[:]); err != nil {
				return nil, fmt.Errorf("%w: lzss reference: %v", ErrCorrupt, err)
			}
			distance := int(ref[0]) | int(ref[1]&0xF0)<<4
			length := int(ref[1]&0x0F) + 3
			pos := len(out) - distance

			for ; length > 0 && len(out) < size; length-- {
				if pos < 0 {
					out = append(out, ' ')
				} else {
					out = append(out, out[pos])
				}
				pos++
			}
		}
	}

	var sum [4]byte
	if _, err := io.ReadFull(br, sum[:]); err != nil {
		return nil, fmt.Errorf("%w: lzss checksum: %v", ErrCorrupt, err)
	}
	if got, want := checksum(out), binary.LittleEndian.Uint32(sum[:]); got != want {
		return nil, fmt.Errorf("%w: lzss checksum %08x, want %08x", ErrCorrupt, got, want)
	}
	return out, nil
}

func checksum(data []byte) uint32 {
	var sum uint32
	for _, b := range data {
		sum += uint32(b)
	}
	return sum
}
