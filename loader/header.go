// Package loader turns application images into tasks: it validates the app
// header, copies code and data into freshly allocated pages, maps them and
// hands the task to the scheduler.
package loader

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kcore-os/kcore/mmu"
)

// Magic is the first word of every app image, "APP " in little endian.
const Magic = 0x20505041

// HeaderSize is the encoded size of Header.
const HeaderSize = 20

var (
	ErrBadMagic  = errors.New("loader: bad magic")
	ErrTruncated = errors.New("loader: image truncated")
	ErrBadEntry  = errors.New("loader: entry point outside the code")
	ErrTooLarge  = errors.New("loader: image does not fit the address space")
)

// Header is the app header at the start of an image. Code follows the
// header, then the initialised data.
type Header struct {
	Magic    uint32
	CodeSize uint32
	DataSize uint32
	BSSSize  uint32
	Entry    uint32
}

// ParseHeader decodes the header at the start of image. It does not
// validate it.
func ParseHeader(image []byte) (Header, error) {
	if len(image) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrTruncated, len(image))
	}
	le := binary.LittleEndian
	return Header{
		Magic:    le.Uint32(image[0:]),
		CodeSize: le.Uint32(image[4:]),
		DataSize: le.Uint32(image[8:]),
		BSSSize:  le.Uint32(image[12:]),
		Entry:    le.Uint32(image[16:]),
	}, nil
}

// Bytes encodes the header.
func (h Header) Bytes() []byte {
	b := make([]byte, HeaderSize)
	le := binary.LittleEndian
	le.PutUint32(b[0:], h.Magic)
	le.PutUint32(b[4:], h.CodeSize)
	le.PutUint32(b[8:], h.DataSize)
	le.PutUint32(b[12:], h.BSSSize)
	le.PutUint32(b[16:], h.Entry)
	return b
}

// CodePages is the number of pages the code occupies.
func (h Header) CodePages() int {
	return pageCount(uint64(h.CodeSize))
}

// DataPages is the number of pages data and bss occupy together.
func (h Header) DataPages() int {
	return pageCount(uint64(h.DataSize) + uint64(h.BSSSize))
}

func pageCount(size uint64) int {
	return int((size + mmu.PageSize - 1) / mmu.PageSize)
}

// Validate checks the header against an image of imageSize bytes. This is
// everything the kernel trusts about an app.
func (h Header) Validate(imageSize int) error {
	if h.Magic != Magic {
		return fmt.Errorf("%w: %#08x", ErrBadMagic, h.Magic)
	}
	if imageSize < HeaderSize {
		return ErrTruncated
	}
	if uint64(imageSize) < HeaderSize+uint64(h.CodeSize)+uint64(h.DataSize) {
		return fmt.Errorf("%w: %d bytes for %d code and %d data",
			ErrTruncated, imageSize, h.CodeSize, h.DataSize)
	}
	if h.Entry < mmu.CodeBase || uint64(h.Entry) >= mmu.CodeBase+uint64(h.CodeSize) {
		return fmt.Errorf("%w: %#08x", ErrBadEntry, h.Entry)
	}
	// The vdso takes the last code page and the user context the last
	// data page.
	if h.CodePages() >= mmu.PagesPerRegion {
		return fmt.Errorf("%w: %d code pages", ErrTooLarge, h.CodePages())
	}
	if h.DataPages() >= mmu.PagesPerRegion {
		return fmt.Errorf("%w: %d data pages", ErrTooLarge, h.DataPages())
	}
	return nil
}
