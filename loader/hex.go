package loader

import (
	"errors"
	"io"

	"github.com/marcinbor85/gohex"
)

var ErrEmptyHex = errors.New("loader: hex file has no data")

// ReadHex reads an app image stored as Intel HEX. The image starts at the
// lowest address in the file; gaps are filled with zeroes.
func ReadHex(r io.Reader) ([]byte, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, err
	}
	segments := mem.GetDataSegments()
	if len(segments) == 0 {
		return nil, ErrEmptyHex
	}
	start, end := segments[0].Address, uint32(0)
	for _, seg := range segments {
		if seg.Address < start {
			start = seg.Address
		}
		if e := seg.Address + uint32(len(seg.Data)); e > end {
			end = e
		}
	}
	return mem.ToBinary(start, end-start, 0), nil
}

// WriteHex writes image as Intel HEX at address 0, with the entry point of
// its header as start address when it has one.
func WriteHex(w io.Writer, image []byte) error {
	mem := gohex.NewMemory()
	if h, err := ParseHeader(image); err == nil && h.Magic == Magic {
		mem.SetStartAddress(h.Entry)
	}
	if err := mem.AddBinary(0, image); err != nil {
		return err
	}
	return mem.DumpIntelHex(w, 16)
}
