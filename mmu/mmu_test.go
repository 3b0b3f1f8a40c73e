package mmu

import (
	"errors"
	"sync"
	"testing"

	"github.com/kcore-os/kcore/klog"
)

// newSpace returns a space with one data page mapped at virtual page 0.
func newSpace(t *testing.T, phys uint8) *AddressSpace {
	t.Helper()
	s := NewAddressSpace()
	if err := s.Map(Data, 0, NewPageEntry(phys, false)); err != nil {
		t.Fatalf("map: %v", err)
	}
	return s
}

func newCache() (*Cache, *Tables) {
	hw := NewTables()
	return NewCache(0, hw, klog.Discard()), hw
}

// checkBackReferences verifies that every bound space points back at its
// binding and that at most one binding is primary.
func checkBackReferences(t *testing.T, c *Cache) {
	t.Helper()
	for i := range c.bindings {
		b := &c.bindings[i]
		if b.space != nil && b.space.bound[c.core] != b {
			t.Errorf("binding pid %d: space does not point back", b.pid)
		}
	}
}

func TestPageEntry(t *testing.T) {
	e := NewPageEntry(0x55, true)
	if e.Phys() != 0x55 || !e.PSRAM() {
		t.Errorf("entry %#x: phys=%#x psram=%v", uint8(e), e.Phys(), e.PSRAM())
	}
	if e := NewPageEntry(3, false); e.PSRAM() || e.Phys() != 3 {
		t.Errorf("entry %#x decodes wrong", uint8(e))
	}
}

func TestMapUnmap(t *testing.T) {
	s := NewAddressSpace()
	if err := s.Map(Code, 16, NewPageEntry(1, false)); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("map past the window: %v", err)
	}
	if err := s.Map(Code, 2, NewPageEntry(1, false)); err != nil {
		t.Fatal(err)
	}
	if err := s.Map(Code, 2, NewPageEntry(4, false)); !errors.Is(err, ErrAlreadyMapped) {
		t.Errorf("double map: %v", err)
	}
	if e, ok := s.Unmap(Code, 2); !ok || e.Phys() != 1 {
		t.Errorf("unmap = %v, %v", e, ok)
	}
	if _, ok := s.Unmap(Code, 2); ok {
		t.Errorf("second unmap reported a page")
	}
	if n := len(s.Pages(Code)); n != 0 {
		t.Errorf("%d pages left after unmap", n)
	}
}

func TestTranslate(t *testing.T) {
	s := newSpace(t, 7)
	if err := s.Map(Data, 3, NewPageEntry(9, true)); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name  string
		vaddr uint32
		size  uint32
		phys  int
		off   uint32
		err   error
	}{
		{"start", DataBase, 16, 7, 0, nil},
		{"end of page", DataBase + PageSize - 4, 4, 7, PageSize - 4, nil},
		{"empty", DataBase + 100, 0, 7, 100, nil},
		{"crosses page", DataBase + PageSize - 4, 5, 0, 0, ErrCrossPage},
		{"too large", DataBase, PageSize + 1, 0, 0, ErrCrossPage},
		{"below window", DataBase - 1, 1, 0, 0, ErrOutOfRange},
		{"above window", DataBase + PagesPerRegion*PageSize, 1, 0, 0, ErrOutOfRange},
		{"unmapped", DataBase + PageSize, 1, 0, 0, ErrNotMapped},
		{"psram", DataBase + 3*PageSize, 1, 0, 0, ErrNotMapped},
	}
	for _, tc := range tests {
		e, off, err := s.Translate(Data, tc.vaddr, tc.size)
		if !errors.Is(err, tc.err) {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.err)
			continue
		}
		if err == nil && (e.Phys() != tc.phys || off != tc.off) {
			t.Errorf("%s: got phys %d off %d", tc.name, e.Phys(), off)
		}
	}
}

func TestActivateTwiceWritesNothing(t *testing.T) {
	c, hw := newCache()
	s := newSpace(t, 1)
	if !c.Activate(s) {
		t.Fatalf("first activation did not load the space")
	}
	before := hw.Writes()
	if c.Activate(s) {
		t.Errorf("second activation reloaded the space")
	}
	if hw.Writes() != before {
		t.Errorf("second activation wrote %d entries", hw.Writes()-before)
	}
	if hw.PID() != c.Primary().PID() {
		t.Errorf("hardware pid %d, primary pid %d", hw.PID(), c.Primary().PID())
	}
}

func TestSwitchBackIsCheap(t *testing.T) {
	c, hw := newCache()
	a, b := newSpace(t, 1), newSpace(t, 2)
	c.Activate(a)
	c.Activate(b)
	before := hw.Writes()
	if c.Activate(a) {
		t.Errorf("switch back reloaded the space")
	}
	if hw.Writes() != before {
		t.Errorf("switch back wrote %d entries", hw.Writes()-before)
	}
	if c.Primary() != c.Lookup(a) {
		t.Errorf("primary is not the binding of a")
	}
	if phys, ok := hw.Translate(Data, 0, hw.PID()); !ok || phys != 1 {
		t.Errorf("enforced page = %d, %v", phys, ok)
	}
	checkBackReferences(t, c)
}

func TestEvictsLeastRecentlyActivated(t *testing.T) {
	c, hw := newCache()
	spaces := make([]*AddressSpace, BindingCount+1)
	for i := range spaces {
		spaces[i] = newSpace(t, uint8(i))
	}
	for _, s := range spaces[:BindingCount] {
		c.Activate(s)
	}
	oldPID := c.Lookup(spaces[0]).PID()
	c.Activate(spaces[BindingCount])

	if c.Lookup(spaces[0]) != nil {
		t.Errorf("least recently activated space still bound")
	}
	for _, s := range spaces[1:] {
		if c.Lookup(s) == nil {
			t.Errorf("space evicted out of order")
		}
	}
	if got := c.Lookup(spaces[BindingCount]).PID(); got != oldPID {
		t.Errorf("new space got pid %d, want %d", got, oldPID)
	}
	if tagged := hw.Tagged(Data, oldPID); len(tagged) != 1 || tagged[0] != BindingCount {
		t.Errorf("pid %d tags %v, want only page %d", oldPID, tagged, BindingCount)
	}
	checkBackReferences(t, c)
}

// The victim must follow the stamps even when they are not in index order.
func TestEvictionIgnoresIndexOrder(t *testing.T) {
	c, _ := newCache()
	spaces := make([]*AddressSpace, BindingCount)
	for i := range spaces {
		spaces[i] = newSpace(t, uint8(i))
		c.Activate(spaces[i])
	}
	order := []int{3, 0, 5, 1, 4, 2}
	for _, i := range order {
		c.Activate(spaces[i])
	}
	wantPID := c.Lookup(spaces[3]).PID()

	c.Activate(newSpace(t, 10))
	if c.Lookup(spaces[3]) != nil {
		t.Errorf("space 3 had the oldest stamp but was kept")
	}
	if c.Lookup(spaces[0]) == nil {
		t.Errorf("space 0 was evicted because of its index")
	}
	if got := c.Primary().PID(); got != wantPID {
		t.Errorf("new space bound to pid %d, want %d", got, wantPID)
	}
}

func TestUnbindFreesSlotWithoutStaleEntries(t *testing.T) {
	c, hw := newCache()
	dead := NewAddressSpace()
	dead.Map(Data, 0, NewPageEntry(1, false))
	dead.Map(Data, 1, NewPageEntry(2, false))
	dead.Map(Code, 0, NewPageEntry(4, false))
	dead.SetPeripheral(5, true)
	keep := newSpace(t, 8)

	c.Activate(keep)
	c.Activate(dead)
	pid := c.Lookup(dead).PID()
	if !c.Unbind(dead) {
		t.Fatalf("unbind reported the space as unbound")
	}
	if c.Primary() != nil {
		t.Errorf("unbound binding is still primary")
	}

	next := newSpace(t, 3)
	c.Activate(next)
	if got := c.Lookup(next).PID(); got != pid {
		t.Errorf("freed pid %d was not reused, got %d", pid, got)
	}
	if c.Lookup(keep) == nil {
		t.Errorf("live space evicted instead of the freed slot")
	}
	if tagged := hw.Tagged(Data, pid); len(tagged) != 1 || tagged[0] != 3 {
		t.Errorf("pid %d tags data pages %v, want [3]", pid, tagged)
	}
	if tagged := hw.Tagged(Code, pid); len(tagged) != 0 {
		t.Errorf("pid %d still tags code pages %v", pid, tagged)
	}
	if hw.PeripheralAllowed(5, pid) {
		t.Errorf("peripheral access survived the unbind")
	}
	checkBackReferences(t, c)
}

func TestReclaimFromOtherCore(t *testing.T) {
	c, hw := newCache()
	s := newSpace(t, 6)
	c.Activate(s)
	pid := c.Lookup(s).PID()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Reclaim(s)
	}()
	wg.Wait()

	c.Activate(newSpace(t, 7))
	if c.Lookup(s) != nil {
		t.Errorf("reclaimed space is still bound")
	}
	if tagged := hw.Tagged(Data, pid); len(tagged) != 1 || tagged[0] != 7 {
		t.Errorf("pid %d tags %v after reclaim", pid, tagged)
	}
}

func TestActivateNilHalts(t *testing.T) {
	c, _ := newCache()
	defer func() {
		if _, ok := recover().(*klog.Halt); !ok {
			t.Errorf("activate(nil) did not halt")
		}
	}()
	c.Activate(nil)
}

func TestVdsoSurvivesEviction(t *testing.T) {
	c, hw := newCache()
	var spaces []*AddressSpace
	for i := 0; i < BindingCount+2; i++ {
		s := newSpace(t, uint8(i))
		s.Map(Code, 0, NewPageEntry(uint8(i), false))
		spaces = append(spaces, s)
		c.Activate(s)
	}
	c.Unbind(spaces[len(spaces)-1])

	if virt, pid := hw.Entry(Code, VdsoPage); virt != VdsoPage || pid != VdsoPID {
		t.Errorf("vdso entry is virt %d pid %d", virt, pid)
	}
	for _, b := range c.Bindings() {
		if phys, ok := hw.Translate(Code, VdsoPage, b.PID()); !ok || phys != VdsoPage {
			t.Errorf("pid %d cannot fetch from the vdso", b.PID())
		}
	}
	if VdsoBase != Code.VirtAddr(VdsoPage) {
		t.Errorf("vdso base %#x", uint32(VdsoBase))
	}
}
