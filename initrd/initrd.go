// Package initrd reads and writes the initial ramdisk the kernel loads its
// apps from.
//
// The image is a plain ar archive. Every member is the payload followed by
// a big-endian CRC-16/CCITT-FALSE of the payload, so a corrupted flash is
// caught before an app is started.
package initrd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/blakesmith/ar"
	"github.com/sigurn/crc16"
)

// MaxNameLength is the longest entry name an ar header can hold.
const MaxNameLength = 15

var (
	ErrChecksum    = errors.New("initrd: checksum mismatch")
	ErrBadName     = errors.New("initrd: invalid entry name")
	ErrDuplicate   = errors.New("initrd: duplicate entry")
	ErrShortMember = errors.New("initrd: member too short")
	ErrNotFound    = errors.New("initrd: no such entry")
)

var table = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// Entry is a single file in the initrd.
type Entry struct {
	Name string
	Data []byte
}

// Checksum returns the CRC stored after the entry data.
func (e Entry) Checksum() uint16 {
	return crc16.Checksum(e.Data, table)
}

func checkName(name string) error {
	if name == "" || len(name) > MaxNameLength || strings.ContainsAny(name, "/ \n") {
		return fmt.Errorf("%w: %q", ErrBadName, name)
	}
	return nil
}

// Write writes entries as an initrd image to w.
func Write(w io.Writer, entries []Entry) error {
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if err := checkName(e.Name); err != nil {
			return err
		}
		if seen[e.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicate, e.Name)
		}
		seen[e.Name] = true
	}

	aw := ar.NewWriter(w)
	if err := aw.WriteGlobalHeader(); err != nil {
		return err
	}
	for _, e := range entries {
		hdr := &ar.Header{
			Name:    e.Name,
			ModTime: time.Unix(0, 0),
			Mode:    0644,
			Size:    int64(len(e.Data) + 2),
		}
		if err := aw.WriteHeader(hdr); err != nil {
			return err
		}
		// The ar writer pads every odd sized write, so the member goes out
		// in one piece.
		member := binary.BigEndian.AppendUint16(append([]byte(nil), e.Data...), e.Checksum())
		if _, err := aw.Write(member); err != nil {
			return err
		}
	}
	return nil
}

// Read reads every entry of an initrd image, verifying the checksums.
func Read(r io.Reader) ([]Entry, error) {
	var entries []Entry
	rd := ar.NewReader(r)
	for {
		hdr, err := rd.Next()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		name := strings.TrimRight(hdr.Name, " /")
		member, err := io.ReadAll(rd)
		if err != nil {
			return nil, fmt.Errorf("initrd: %s: %w", name, err)
		}
		if len(member) < 2 {
			return nil, fmt.Errorf("%w: %s", ErrShortMember, name)
		}
		e := Entry{Name: name, Data: member[:len(member)-2]}
		if sum := binary.BigEndian.Uint16(member[len(member)-2:]); sum != e.Checksum() {
			return nil, fmt.Errorf("%w: %s: stored %#04x, computed %#04x", ErrChecksum, name, sum, e.Checksum())
		}
		entries = append(entries, e)
	}
}

// Find returns the entry called name.
func Find(entries []Entry, name string) (Entry, error) {
	for _, e := range entries {
		if e.Name == name {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}
