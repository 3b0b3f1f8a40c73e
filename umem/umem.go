// Package umem owns the physical SRAM pages handed out to user tasks.
package umem

import (
	"errors"
	"math/bits"
	"sync"

	"github.com/kcore-os/kcore/mmu"
)

// VdsoPage is the code page holding the vdso; it is never allocated.
const VdsoPage = mmu.VdsoPage

var (
	ErrNoPages     = errors.New("umem: out of physical pages")
	ErrAlreadyFree = errors.New("umem: page is already free")
	ErrBadPage     = errors.New("umem: page index out of range")
)

// Memory is the user SRAM: one bitmap of free pages per region and the page
// contents themselves.
type Memory struct {
	lock  sync.Mutex
	free  [2]uint16
	valid [2]uint16
	code  [mmu.PagesPerRegion][mmu.PageSize]byte
	data  [mmu.PagesPerRegion][mmu.PageSize]byte
}

func New() *Memory {
	return NewSized(mmu.PagesPerRegion, mmu.PagesPerRegion)
}

// NewSized returns a memory where only the first codePages and dataPages
// pages of each region exist, for boards with less SRAM for apps. The vdso
// page is never handed out either way.
func NewSized(codePages, dataPages int) *Memory {
	m := &Memory{}
	m.valid[mmu.Code] = pageMask(codePages) &^ (1 << VdsoPage)
	m.valid[mmu.Data] = pageMask(dataPages)
	m.free = m.valid
	return m
}

func pageMask(n int) uint16 {
	if n >= mmu.PagesPerRegion {
		return 0xffff
	}
	if n <= 0 {
		return 0
	}
	return 1<<n - 1
}

// Alloc returns the lowest free page of the region.
func (m *Memory) Alloc(r mmu.Region) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.free[r] == 0 {
		return 0, ErrNoPages
	}
	index := bits.TrailingZeros16(m.free[r])
	m.free[r] &^= 1 << index
	return index, nil
}

func (m *Memory) Free(r mmu.Region, index int) error {
	if index < 0 || index >= mmu.PagesPerRegion || m.valid[r]&(1<<index) == 0 {
		return ErrBadPage
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.free[r]&(1<<index) != 0 {
		return ErrAlreadyFree
	}
	m.free[r] |= 1 << index
	return nil
}

// Available returns the number of free pages in the region.
func (m *Memory) Available(r mmu.Region) int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return bits.OnesCount16(m.free[r])
}

// Page returns the contents of a physical page. The slice aliases the
// backing memory.
func (m *Memory) Page(r mmu.Region, index int) []byte {
	if r == mmu.Code {
		return m.code[index][:]
	}
	return m.data[index][:]
}
