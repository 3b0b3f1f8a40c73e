package initrd

import (
	"bytes"
	"errors"
	"testing"
)

func TestChecksum(t *testing.T) {
	// Check value of CRC-16/CCITT-FALSE.
	if sum := (Entry{Data: []byte("123456789")}).Checksum(); sum != 0x29b1 {
		t.Errorf("checksum %#04x, want 0x29b1", sum)
	}
}

func TestRoundTrip(t *testing.T) {
	entries := []Entry{
		{Name: "init", Data: []byte("odd sized payload")},
		{Name: "blink", Data: bytes.Repeat([]byte{0xa5}, 300)},
		{Name: "empty", Data: []byte{}},
	}
	var buf bytes.Buffer
	if err := Write(&buf, entries); err != nil {
		t.Fatal(err)
	}
	got, err := Read(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(entries) {
		t.Fatalf("read %d entries, want %d", len(got), len(entries))
	}
	for i, e := range entries {
		if got[i].Name != e.Name || !bytes.Equal(got[i].Data, e.Data) {
			t.Errorf("entry %d: got %s (%d bytes), want %s (%d bytes)",
				i, got[i].Name, len(got[i].Data), e.Name, len(e.Data))
		}
	}

	e, err := Find(got, "blink")
	if err != nil || len(e.Data) != 300 {
		t.Errorf("find blink: %v", err)
	}
	if _, err := Find(got, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("find missing: %v", err)
	}
}

func TestCorruptEntry(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("this app was flashed badly")
	if err := Write(&buf, []Entry{{Name: "app", Data: payload}}); err != nil {
		t.Fatal(err)
	}
	image := buf.Bytes()
	i := bytes.Index(image, payload)
	if i < 0 {
		t.Fatal("payload not stored verbatim")
	}
	image[i+5] ^= 0x01
	if _, err := Read(bytes.NewReader(image)); !errors.Is(err, ErrChecksum) {
		t.Errorf("err = %v, want %v", err, ErrChecksum)
	}
}

func TestRejectsBadEntries(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
		err     error
	}{
		{"empty name", []Entry{{Name: ""}}, ErrBadName},
		{"long name", []Entry{{Name: "a-very-long-app-name"}}, ErrBadName},
		{"slash", []Entry{{Name: "apps/init"}}, ErrBadName},
		{"duplicate", []Entry{{Name: "init"}, {Name: "init"}}, ErrDuplicate},
	}
	for _, tc := range tests {
		var buf bytes.Buffer
		if err := Write(&buf, tc.entries); !errors.Is(err, tc.err) {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.err)
		}
		if buf.Len() != 0 {
			t.Errorf("%s: partial image written", tc.name)
		}
	}
}
