package mmu

import (
	"math/bits"
	"sync"

	"github.com/kcore-os/kcore/klog"
)

// BindingCount is the number of hardware PIDs available to user tasks on
// each core.
const BindingCount = 6

// Binding is one hardware PID slot.
type Binding struct {
	// stamp is the value of the core's counter when the binding was last
	// made primary. Zero means never, or freed.
	stamp uint64
	space *AddressSpace
	pid   uint8
}

func (b *Binding) PID() uint8 {
	return b.pid
}

func (b *Binding) Stamp() uint64 {
	return b.stamp
}

func (b *Binding) Space() *AddressSpace {
	return b.space
}

// Cache multiplexes the PIDs of one core over any number of address
// spaces. All methods except Reclaim must be called from the owning core.
type Cache struct {
	core      int
	hw        Hardware
	log       *klog.Logger
	bindings  [BindingCount]Binding
	primary   *Binding
	nextStamp uint64

	// Spaces released by other cores, unbound at the next Activate.
	mailboxLock sync.Mutex
	mailbox     []*AddressSpace
}

func NewCache(core int, hw Hardware, log *klog.Logger) *Cache {
	c := &Cache{
		core:      core,
		hw:        hw,
		log:       log,
		nextStamp: 1,
	}
	for i := range c.bindings {
		c.bindings[i].pid = uint8(FirstUserPID + i)
	}
	return c
}

// Activate makes space the one enforced by the hardware of this core.
// It returns true when the tables had to be reprogrammed.
func (c *Cache) Activate(space *AddressSpace) bool {
	if c == nil || c.hw == nil || c.nextStamp == 0 {
		panic(&klog.Halt{Core: klog.NoCore, Msg: "mmu: activate on an uninitialised binding cache"})
	}
	if space == nil {
		c.log.Fatalf("mmu: activate of a nil address space")
	}
	c.drainMailbox()

	victim := &c.bindings[0]
	for i := range c.bindings {
		b := &c.bindings[i]
		if b.space == space {
			if c.primary != b {
				c.makePrimary(b)
			}
			return false
		}
		if b.stamp < victim.stamp {
			victim = b
		}
	}
	c.bind(victim, space)
	return true
}

func (c *Cache) makePrimary(b *Binding) {
	b.stamp = c.nextStamp
	c.nextStamp++
	c.primary = b
	c.hw.SetPID(b.pid)
}

func (c *Cache) bind(b *Binding, space *AddressSpace) {
	if old := b.space; old != nil {
		c.unload(b, old)
		old.bound[c.core] = nil
		c.log.Debugf("mmu: pid %d evicted", b.pid)
	}
	b.space = space
	space.bound[c.core] = b
	c.load(b, space)
	c.makePrimary(b)
}

// load programs every SRAM page of space with the PID of b.
func (c *Cache) load(b *Binding, space *AddressSpace) {
	for r := Code; r <= Data; r++ {
		for _, p := range space.Pages(r) {
			if p.Entry.PSRAM() {
				continue
			}
			c.hw.SetEntry(r, p.Entry.Phys(), p.Virt, b.pid)
		}
	}
	for m := space.Peripherals; m != 0; m &= m - 1 {
		c.hw.SetPeripheral(bits.TrailingZeros32(m), b.pid, true)
	}
}

// unload clears every entry tagged with the PID of b. There is no reverse
// index from a physical page to its owner, so the tables are scanned.
func (c *Cache) unload(b *Binding, space *AddressSpace) {
	for r := Code; r <= Data; r++ {
		for phys := 0; phys < PagesPerRegion; phys++ {
			if _, pid := c.hw.Entry(r, phys); pid == b.pid {
				c.hw.SetEntry(r, phys, Unmapped, KernelPID)
			}
		}
	}
	for m := space.Peripherals; m != 0; m &= m - 1 {
		c.hw.SetPeripheral(bits.TrailingZeros32(m), b.pid, false)
	}
}

// Unbind removes space from this core's tables. The freed slot gets a zero
// stamp, which makes it the next victim. It reports whether space was bound.
func (c *Cache) Unbind(space *AddressSpace) bool {
	b := space.bound[c.core]
	if b == nil {
		return false
	}
	if b.space != space {
		c.log.Fatalf("mmu: binding of pid %d does not point back to its space", b.pid)
	}
	c.unload(b, space)
	space.bound[c.core] = nil
	b.space = nil
	b.stamp = 0
	if c.primary == b {
		c.primary = nil
		c.hw.SetPID(KernelPID)
	}
	return true
}

// Reclaim schedules space to be unbound from this core. It is safe to call
// from any core; the owning core performs the unbind at its next Activate.
func (c *Cache) Reclaim(space *AddressSpace) {
	c.mailboxLock.Lock()
	c.mailbox = append(c.mailbox, space)
	c.mailboxLock.Unlock()
}

func (c *Cache) drainMailbox() {
	c.mailboxLock.Lock()
	pending := c.mailbox
	c.mailbox = nil
	c.mailboxLock.Unlock()
	for _, space := range pending {
		c.Unbind(space)
	}
}

// Primary returns the binding the hardware currently enforces, or nil.
func (c *Cache) Primary() *Binding {
	return c.primary
}

// Lookup returns the binding hosting space on this core, or nil.
func (c *Cache) Lookup(space *AddressSpace) *Binding {
	return space.bound[c.core]
}

// Bindings returns a snapshot of all slots.
func (c *Cache) Bindings() [BindingCount]Binding {
	return c.bindings
}
