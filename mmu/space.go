// Package mmu models the memory protection of the chip: per-task address
// spaces, the per-core MMU/MPU tables that enforce them, and the small cache
// of hardware PIDs the tables are tagged with.
//
// Only BindingCount hardware PIDs exist per core, far fewer than the number
// of tasks, so an AddressSpace is only enforced while it holds one of them.
// The Cache hands PIDs out in least-recently-activated order.
package mmu

import (
	"errors"
	"math/bits"

	"github.com/kcore-os/kcore/cpu"
)

// Region selects one of the two user windows.
type Region uint8

const (
	Code Region = iota
	Data
)

const (
	// PagesPerRegion is the number of virtual pages in each window, which is
	// also the number of physical SRAM pages backing it.
	PagesPerRegion = 16

	// PageSize of the MMU, 8KiB.
	PageSize = 8 << 10

	CodeBase = 0x3FFC0000
	DataBase = 0x40080000

	// PeripheralCount is the number of peripherals the MPU can gate.
	PeripheralCount = 32
)

var (
	ErrOutOfRange    = errors.New("mmu: address out of range")
	ErrCrossPage     = errors.New("mmu: range crosses a page boundary")
	ErrNotMapped     = errors.New("mmu: page not mapped")
	ErrAlreadyMapped = errors.New("mmu: page already mapped")
)

// Base returns the first virtual address of the window.
func (r Region) Base() uint32 {
	if r == Code {
		return CodeBase
	}
	return DataBase
}

func (r Region) String() string {
	switch r {
	case Code:
		return "code"
	case Data:
		return "data"
	}
	return "region?"
}

// VirtAddr returns the virtual address of page virt in the window.
func (r Region) VirtAddr(virt int) uint32 {
	return r.Base() + uint32(virt)*PageSize
}

// PageEntry is a page table entry: the low 7 bits hold the physical page,
// the top bit marks a page that lives in PSRAM and can not be enforced by the
// SRAM tables.
type PageEntry uint8

const (
	entryPhysMask  = 0x7f
	entryPSRAMFlag = 0x80
)

func NewPageEntry(phys uint8, psram bool) PageEntry {
	e := PageEntry(phys & entryPhysMask)
	if psram {
		e |= entryPSRAMFlag
	}
	return e
}

func (e PageEntry) Phys() int {
	return int(e & entryPhysMask)
}

func (e PageEntry) PSRAM() bool {
	return e&entryPSRAMFlag != 0
}

// PageTable maps the virtual pages of one window.
type PageTable struct {
	entries [PagesPerRegion]PageEntry
	mapped  uint16
}

// Page is one mapped entry of a PageTable.
type Page struct {
	Virt  int
	Entry PageEntry
}

// AddressSpace is the memory view of a single task. Its table entries only
// mean something to the hardware while it is bound to a PID on some core.
type AddressSpace struct {
	tables [2]PageTable

	// Peripherals is the set of MPU peripheral indices the task may access.
	Peripherals uint32

	// bound is the binding hosting this space on each core. Each slot is
	// only touched by the Cache of that core.
	bound [cpu.NumCores]*Binding
}

func NewAddressSpace() *AddressSpace {
	return &AddressSpace{}
}

// Map installs entry at virtual page virt.
func (s *AddressSpace) Map(r Region, virt int, entry PageEntry) error {
	if virt < 0 || virt >= PagesPerRegion || r > Data {
		return ErrOutOfRange
	}
	if !entry.PSRAM() && entry.Phys() >= PagesPerRegion {
		return ErrOutOfRange
	}
	t := &s.tables[r]
	if t.mapped&(1<<virt) != 0 {
		return ErrAlreadyMapped
	}
	t.entries[virt] = entry
	t.mapped |= 1 << virt
	return nil
}

// Unmap removes the mapping at virt. Unmapping a page that is not mapped
// reports false and is not an error.
func (s *AddressSpace) Unmap(r Region, virt int) (PageEntry, bool) {
	e, ok := s.Lookup(r, virt)
	if !ok {
		return 0, false
	}
	t := &s.tables[r]
	t.entries[virt] = 0
	t.mapped &^= 1 << virt
	return e, true
}

func (s *AddressSpace) Lookup(r Region, virt int) (PageEntry, bool) {
	if virt < 0 || virt >= PagesPerRegion || r > Data {
		return 0, false
	}
	t := &s.tables[r]
	if t.mapped&(1<<virt) == 0 {
		return 0, false
	}
	return t.entries[virt], true
}

// Pages lists the mapped pages of a window in virtual page order.
func (s *AddressSpace) Pages(r Region) []Page {
	t := &s.tables[r]
	pages := make([]Page, 0, bits.OnesCount16(t.mapped))
	for m := t.mapped; m != 0; m &= m - 1 {
		virt := bits.TrailingZeros16(m)
		pages = append(pages, Page{Virt: virt, Entry: t.entries[virt]})
	}
	return pages
}

// Translate checks a user supplied range [vaddr, vaddr+size) and returns the
// entry of the page holding it together with the offset inside that page.
// The range must lie within one mapped page of the window.
func (s *AddressSpace) Translate(r Region, vaddr, size uint32) (PageEntry, uint32, error) {
	base := r.Base()
	if vaddr < base || vaddr-base >= PagesPerRegion*PageSize {
		return 0, 0, ErrOutOfRange
	}
	off := vaddr - base
	virt := int(off / PageSize)
	inPage := off % PageSize
	if size > PageSize || inPage+size > PageSize {
		return 0, 0, ErrCrossPage
	}
	e, ok := s.Lookup(r, virt)
	if !ok || e.PSRAM() {
		return 0, 0, ErrNotMapped
	}
	return e, inPage, nil
}

// SetPeripheral grants or revokes access to MPU peripheral p. It only takes
// effect the next time the space is loaded into a PID.
func (s *AddressSpace) SetPeripheral(p int, allowed bool) error {
	if p < 0 || p >= PeripheralCount {
		return ErrOutOfRange
	}
	if allowed {
		s.Peripherals |= 1 << p
	} else {
		s.Peripherals &^= 1 << p
	}
	return nil
}
