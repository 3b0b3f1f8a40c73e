package umem

import (
	"errors"
	"testing"

	"github.com/kcore-os/kcore/mmu"
)

func TestAllocLowestFirst(t *testing.T) {
	m := New()
	for want := 0; want < 3; want++ {
		got, err := m.Alloc(mmu.Data)
		if err != nil || got != want {
			t.Fatalf("Alloc = %d, %v; want %d", got, err, want)
		}
	}
	if err := m.Free(mmu.Data, 1); err != nil {
		t.Fatal(err)
	}
	if got, _ := m.Alloc(mmu.Data); got != 1 {
		t.Errorf("freed page not reused first, got %d", got)
	}
}

func TestCodeRegionKeepsVdso(t *testing.T) {
	m := New()
	if n := m.Available(mmu.Code); n != mmu.PagesPerRegion-1 {
		t.Errorf("%d code pages free, want %d", n, mmu.PagesPerRegion-1)
	}
	for i := 0; i < mmu.PagesPerRegion-1; i++ {
		page, err := m.Alloc(mmu.Code)
		if err != nil {
			t.Fatal(err)
		}
		if page == VdsoPage {
			t.Fatalf("vdso page handed out")
		}
	}
	if _, err := m.Alloc(mmu.Code); !errors.Is(err, ErrNoPages) {
		t.Errorf("exhausted alloc: %v", err)
	}
	if err := m.Free(mmu.Code, VdsoPage); !errors.Is(err, ErrBadPage) {
		t.Errorf("freeing the vdso page: %v", err)
	}
}

func TestDoubleFree(t *testing.T) {
	m := New()
	if err := m.Free(mmu.Data, 4); !errors.Is(err, ErrAlreadyFree) {
		t.Errorf("free of a free page: %v", err)
	}
}

func TestPageAliasesMemory(t *testing.T) {
	m := New()
	m.Page(mmu.Data, 2)[10] = 0xaa
	if m.Page(mmu.Data, 2)[10] != 0xaa || m.Page(mmu.Code, 2)[10] != 0 {
		t.Errorf("page contents not stable per region")
	}
	if len(m.Page(mmu.Code, 0)) != mmu.PageSize {
		t.Errorf("page size %d", len(m.Page(mmu.Code, 0)))
	}
}

func TestSizedMemory(t *testing.T) {
	m := NewSized(4, 20)
	if n := m.Available(mmu.Code); n != 4 {
		t.Errorf("%d code pages", n)
	}
	if n := m.Available(mmu.Data); n != mmu.PagesPerRegion {
		t.Errorf("%d data pages", n)
	}
	if err := m.Free(mmu.Code, 6); err != ErrBadPage {
		t.Errorf("freeing a missing page: %v", err)
	}
	if n := NewSized(0, 0).Available(mmu.Data); n != 0 {
		t.Errorf("%d data pages in an empty memory", n)
	}
}
