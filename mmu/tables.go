package mmu

// Hardware PIDs with a fixed meaning. User bindings use FirstUserPID and up.
const (
	KernelPID    = 0
	VdsoPID      = 1
	FirstUserPID = 2
)

// VdsoPage is the code page holding the vdso. Every core maps it at the
// same virtual page, tagged VdsoPID, and every PID may fetch from it.
const VdsoPage = PagesPerRegion - 1

// VdsoBase is the address of the task trampoline at the start of the vdso.
// A task entry that returns lands there and is dropped.
const VdsoBase = CodeBase + VdsoPage*PageSize

// Unmapped is the virtual page of a table entry that maps nothing.
const Unmapped = -1

// Hardware is the part of the DPORT MMU/MPU and the PID controller the
// binding cache programs. Entries are indexed by physical page; each one
// names the virtual page it appears at and the PID allowed to access it.
type Hardware interface {
	SetEntry(r Region, phys, virt int, pid uint8)
	Entry(r Region, phys int) (virt int, pid uint8)
	SetPeripheral(p int, pid uint8, allowed bool)
	SetPID(pid uint8)
}

type tableEntry struct {
	virt int8
	pid  uint8
}

// Tables is a software copy of the protection tables of one core. The
// simulator fetches and loads through it, and tests use it to observe what
// the cache programmed.
type Tables struct {
	entries [2][PagesPerRegion]tableEntry
	periph  [PeripheralCount]uint8 // bitmask of allowed PIDs
	pid     uint8
	writes  int
}

func NewTables() *Tables {
	t := &Tables{}
	for r := range t.entries {
		for i := range t.entries[r] {
			t.entries[r][i] = tableEntry{virt: Unmapped, pid: KernelPID}
		}
	}
	t.entries[Code][VdsoPage] = tableEntry{virt: VdsoPage, pid: VdsoPID}
	return t
}

func (t *Tables) SetEntry(r Region, phys, virt int, pid uint8) {
	t.entries[r][phys] = tableEntry{virt: int8(virt), pid: pid}
	t.writes++
}

func (t *Tables) Entry(r Region, phys int) (int, uint8) {
	e := t.entries[r][phys]
	return int(e.virt), e.pid
}

func (t *Tables) SetPeripheral(p int, pid uint8, allowed bool) {
	if allowed {
		t.periph[p] |= 1 << pid
	} else {
		t.periph[p] &^= 1 << pid
	}
	t.writes++
}

func (t *Tables) PeripheralAllowed(p int, pid uint8) bool {
	return t.periph[p]&(1<<pid) != 0
}

// SetPID selects the PID enforced when the core returns to user mode. It is
// a register write, not a table write, and is not counted by Writes.
func (t *Tables) SetPID(pid uint8) {
	t.pid = pid
}

func (t *Tables) PID() uint8 {
	return t.pid
}

// Writes returns the number of table entries programmed so far.
func (t *Tables) Writes() int {
	return t.writes
}

// Translate performs the lookup the CPU does on an access: find the
// physical page that appears at virt for pid. Entries tagged VdsoPID are
// visible to every PID.
func (t *Tables) Translate(r Region, virt int, pid uint8) (int, bool) {
	if virt < 0 || virt >= PagesPerRegion {
		return 0, false
	}
	for phys, e := range t.entries[r] {
		if int(e.virt) == virt && (e.pid == pid || e.pid == VdsoPID) {
			return phys, true
		}
	}
	return 0, false
}

// Tagged lists the physical pages of a window whose entries carry pid.
func (t *Tables) Tagged(r Region, pid uint8) []int {
	var phys []int
	for i, e := range t.entries[r] {
		if e.pid == pid && pid != KernelPID {
			phys = append(phys, i)
		}
	}
	return phys
}
