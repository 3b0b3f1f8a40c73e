// Package scheduler runs tasks on the cores. There is one global FIFO run
// queue shared by all cores; each core picks the head of the queue whenever
// its current task yields, parks, exits or is preempted by the watchdog.
package scheduler

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/kcore-os/kcore/klog"
	"github.com/kcore-os/kcore/mmu"
	"github.com/kcore-os/kcore/task"
	"github.com/kcore-os/kcore/umem"
)

// ContextVirt is the data page the user context is mapped at: the last page
// of the data window.
const ContextVirt = mmu.PagesPerRegion - 1

// StackTop is the initial user stack pointer.
const StackTop = mmu.DataBase + ContextVirt*mmu.PageSize + task.StackSize

var (
	ErrNoTask     = errors.New("scheduler: no such task")
	ErrTaskActive = errors.New("scheduler: task is queued or running")
)

// Timer is the watchdog used as the preemption tick of one core.
type Timer interface {
	// Feed restarts the timeslice.
	Feed()
	Enable()
	Disable()
	// Handle reports whether the pending interrupt was raised by this timer,
	// clearing it.
	Handle() bool
}

// Machine is what the scheduler needs from the cores themselves.
type Machine interface {
	// WaitForInterrupt suspends the calling core until it is woken.
	WaitForInterrupt(core int)
	// MaskPreemption masks or unmasks the timer interrupt of a core.
	MaskPreemption(core int, masked bool)
	// Wake signals a core sitting in WaitForInterrupt. A wake sent before
	// the core got there must not be lost.
	Wake(core int)
}

// CoreConfig is the per-core hardware handed to New.
type CoreConfig struct {
	Hardware mmu.Hardware
	Timer    Timer
}

type Scheduler struct {
	Tasks *task.Table

	mem     *umem.Memory
	machine Machine
	log     *klog.Logger

	// lock protects runqueue and idleCores. It is the only lock shared
	// between cores and is never held across a context switch.
	lock      spinLock
	runqueue  *task.Queue
	idleCores uint8

	cores []*Core
}

func New(mem *umem.Memory, m Machine, log *klog.Logger, cores []CoreConfig) *Scheduler {
	if len(cores) == 0 || len(cores) > 8 {
		log.Fatalf("scheduler: unsupported core count %d", len(cores))
	}
	s := &Scheduler{
		Tasks:   &task.Table{},
		mem:     mem,
		machine: m,
		log:     log,
	}
	s.runqueue = task.NewQueue(s.Tasks)
	for id, cfg := range cores {
		coreLog := log.Core(id)
		s.cores = append(s.cores, &Core{
			id:    id,
			sched: s,
			Cache: mmu.NewCache(id, cfg.Hardware, coreLog),
			timer: cfg.Timer,
			log:   coreLog,
		})
	}
	return s
}

// Core returns the context of core id.
func (s *Scheduler) Core(id int) *Core {
	return s.cores[id]
}

func (s *Scheduler) NumCores() int {
	return len(s.cores)
}

// CreateTask allocates a task with an empty address space and its context
// page mapped at ContextVirt. The task starts out Waiting.
func (s *Scheduler) CreateTask(name string) (*task.Task, error) {
	t := s.Tasks.New(name)
	t.Space = mmu.NewAddressSpace()

	page, err := s.mem.Alloc(mmu.Data)
	if err != nil {
		t.Kill()
		s.Tasks.Remove(t.Handle())
		return nil, fmt.Errorf("scheduler: context page for %q: %w", name, err)
	}
	clear(s.mem.Page(mmu.Data, page))
	t.Context = &task.Context{Page: page}
	if err := t.Space.Map(mmu.Data, ContextVirt, mmu.NewPageEntry(uint8(page), false)); err != nil {
		s.mem.Free(mmu.Data, page)
		t.Kill()
		s.Tasks.Remove(t.Handle())
		return nil, err
	}
	t.Transition(task.Idle, task.Waiting)
	s.log.Debugf("created %s", t)
	return t, nil
}

// MapPage maps a physical page into a task's address space.
func (s *Scheduler) MapPage(space *mmu.AddressSpace, r mmu.Region, virt int, entry mmu.PageEntry) error {
	return space.Map(r, virt, entry)
}

// Ready moves a Waiting task onto the run queue and wakes an idle core. It
// does nothing if another caller already made the task runnable, and
// returns ErrNoTask if the task was released in the meantime.
//
// From a core, use Core.Ready, which keeps the core from being preempted
// in the middle of it.
func (s *Scheduler) Ready(h task.Handle) error {
	t := s.Tasks.Get(h)
	if t == nil {
		return ErrNoTask
	}
	if !t.Transition(task.Waiting, task.Runnable) {
		if t.Status()&^task.Suspend == task.Dead {
			return ErrNoTask
		}
		return nil
	}
	s.lock.Lock()
	s.runqueue.Push(t)
	s.wake()
	s.lock.Unlock()
	return nil
}

// Wake another core, if one is sleeping. Must be called with the scheduler
// lock held.
func (s *Scheduler) wake() {
	// Look up the lowest-numbered core that is sleeping.
	// Returns 8 if there are no sleeping cores.
	core := bits.TrailingZeros8(s.idleCores)
	if core < 8 {
		s.idleCores &^= 1 << core
		s.machine.Wake(core)
	}
}

// Release tears down a dead task: its bindings are reclaimed on every
// core, its pages freed and its slot in the task table released. A task
// that is Idle or Waiting is killed first; queued and running tasks are
// refused. Pages that are not mapped are skipped.
func (s *Scheduler) Release(h task.Handle) error {
	t := s.Tasks.Get(h)
	if t == nil {
		return ErrNoTask
	}
	// Only Dead tasks are torn down. Runnable tasks are the only ones linked
	// into the run queue, so a dead task is never reachable from it.
	if t.Status()&^task.Suspend != task.Dead && !t.Kill() {
		return fmt.Errorf("%w: %s is %s", ErrTaskActive, t, t.Status())
	}
	// Whoever removes the handle owns the teardown.
	if !s.Tasks.Remove(h) {
		return ErrNoTask
	}

	for _, c := range s.cores {
		c.Cache.Reclaim(t.Space)
	}
	var errs []error
	for r := mmu.Code; r <= mmu.Data; r++ {
		for _, p := range t.Space.Pages(r) {
			if _, ok := t.Space.Unmap(r, p.Virt); !ok || p.Entry.PSRAM() {
				continue
			}
			if err := s.mem.Free(r, p.Entry.Phys()); err != nil {
				errs = append(errs, fmt.Errorf("%s page %d: %w", r, p.Entry.Phys(), err))
			}
		}
	}
	s.log.Debugf("released %s", t)
	return errors.Join(errs...)
}

// RunQueue calls fn for each queued task, head first, with the lock held.
func (s *Scheduler) RunQueue(fn func(t *task.Task)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.runqueue.Each(fn)
}

// RunQueueLen returns the number of queued tasks.
func (s *Scheduler) RunQueueLen() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.runqueue.Len()
}

// IdleCores returns the bitmask of cores waiting for work.
func (s *Scheduler) IdleCores() uint8 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.idleCores
}
