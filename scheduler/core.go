package scheduler

import (
	"sync/atomic"

	syscpu "golang.org/x/sys/cpu"

	"github.com/kcore-os/kcore/cpu"
	"github.com/kcore-os/kcore/klog"
	"github.com/kcore-os/kcore/mmu"
	"github.com/kcore-os/kcore/task"
)

// Core is the scheduling context of one hardware core. Apart from the
// counters, its fields are only touched by the core itself.
type Core struct {
	_ syscpu.CacheLinePad

	id    int
	sched *Scheduler
	log   *klog.Logger
	timer Timer

	// Cache holds the hardware PIDs of this core.
	Cache *mmu.Cache

	preemptDepth int
	current      task.Handle

	// parkFn runs once the parked task is off the core.
	parkFn func()

	stats coreStats

	_ syscpu.CacheLinePad
}

type coreStats struct {
	switches   atomic.Uint64
	schedules  atomic.Uint64
	parks      atomic.Uint64
	drops      atomic.Uint64
	idleWaits  atomic.Uint64
	tableLoads atomic.Uint64
}

func (c *Core) ID() int {
	return c.id
}

func (c *Core) Log() *klog.Logger {
	return c.log
}

func (c *Core) Timer() Timer {
	return c.timer
}

// Current returns the task running on this core, or nil.
func (c *Core) Current() *task.Task {
	if !c.current.Valid() {
		return nil
	}
	return c.sched.Tasks.Get(c.current)
}

// WaitForInterrupt idles the core until it is woken.
func (c *Core) WaitForInterrupt() {
	c.stats.idleWaits.Add(1)
	c.sched.machine.WaitForInterrupt(c.id)
}

// Ready is Scheduler.Ready with preemption of this core disabled.
func (c *Core) Ready(h task.Handle) error {
	g := c.PreemptDisable()
	defer g.Release()
	return c.sched.Ready(h)
}

// FindRunnable returns the next task to run. While the run queue is empty
// the core marks itself idle and waits for an interrupt; it never returns
// nil.
func (c *Core) FindRunnable() *task.Task {
	s := c.sched
	s.lock.Lock()
	for {
		if t := s.runqueue.Pop(); t != nil {
			s.lock.Unlock()
			return t
		}
		s.idleCores |= 1 << c.id
		s.lock.Unlock()

		c.WaitForInterrupt()

		s.lock.Lock()
		s.idleCores &^= 1 << c.id
	}
}

// Execute makes t the running task of this core: it arms the timeslice,
// activates the address space and loads the saved registers into the live
// frame.
func (c *Core) Execute(frame *cpu.Frame, t *task.Task) {
	c.current = t.Handle()
	if !t.Transition(task.Runnable, task.Running) {
		c.log.Fatalf("%s is already running", t)
	}
	c.timer.Feed()
	c.timer.Enable()
	if c.Cache.Activate(t.Space) {
		c.stats.tableLoads.Add(1)
	}
	*frame = t.Context.Frame
	c.stats.switches.Add(1)
}

// SaveCurrent stores the live frame into the current task and takes it off
// the core. Unless park is set the task goes back to the end of the run
// queue; a parked task waits for Ready.
func (c *Core) SaveCurrent(frame *cpu.Frame, park bool) *task.Task {
	t := c.Current()
	if t == nil {
		c.log.Fatalf("save without a current task")
	}
	t.Context.Frame = *frame
	c.current = task.Handle{}

	if park {
		t.Transition(task.Running, task.Waiting)
		return t
	}
	t.Transition(task.Running, task.Runnable)
	s := c.sched
	s.lock.Lock()
	s.runqueue.Push(t)
	s.lock.Unlock()
	return t
}

// OnSchedule switches to the next runnable task, putting the current one at
// the back of the run queue. Used for yield and timer preemption.
func (c *Core) OnSchedule(frame *cpu.Frame) {
	c.SaveCurrent(frame, false)
	c.stats.schedules.Add(1)
	c.Execute(frame, c.FindRunnable())
}

// OnPark takes the current task off the core until someone readies it
// again. A callback registered with Park runs after the task is saved and
// before the next task is picked.
func (c *Core) OnPark(frame *cpu.Frame) {
	c.SaveCurrent(frame, true)
	if fn := c.parkFn; fn != nil {
		c.parkFn = nil
		fn()
	}
	c.timer.Disable()
	c.stats.parks.Add(1)
	c.Execute(frame, c.FindRunnable())
}

// OnDrop terminates the current task and releases it.
func (c *Core) OnDrop(frame *cpu.Frame) {
	c.Drop()
	c.timer.Disable()
	c.Execute(frame, c.FindRunnable())
}

// Drop marks the current task dead and releases it without picking a
// successor.
func (c *Core) Drop() {
	t := c.Current()
	if t == nil {
		c.log.Warnf("drop without a current task")
		return
	}
	c.current = task.Handle{}
	t.Transition(task.Running, task.Dead)
	if err := c.sched.Release(t.Handle()); err != nil {
		c.log.Errorf("releasing %s: %v", t, err)
	}
	c.stats.drops.Add(1)
	c.log.Debugf("%s exited", t)
}

// Start enters the scheduler on a core that has no task yet.
func (c *Core) Start(frame *cpu.Frame) {
	c.timer.Disable()
	c.Execute(frame, c.FindRunnable())
}

// Park registers fn to run once the current task has parked.
func (c *Core) Park(fn func()) {
	if c.parkFn != nil {
		c.log.Fatalf("park callback already registered")
	}
	c.parkFn = fn
}

// PreemptGuard keeps the timer from preempting a core until Release.
type PreemptGuard struct {
	core     *Core
	released bool
}

// PreemptDisable disables timer preemption on this core. Guards nest; the
// timer interrupt is unmasked again when the outermost one is released.
func (c *Core) PreemptDisable() *PreemptGuard {
	c.preemptDepth++
	if c.preemptDepth == 1 {
		c.sched.machine.MaskPreemption(c.id, true)
	}
	return &PreemptGuard{core: c}
}

func (g *PreemptGuard) Release() {
	c := g.core
	if g.released {
		c.log.Fatalf("preempt guard released twice")
	}
	g.released = true
	c.preemptDepth--
	if c.preemptDepth < 0 {
		c.log.Fatalf("unbalanced preempt enable")
	}
	if c.preemptDepth == 0 {
		c.sched.machine.MaskPreemption(c.id, false)
	}
}

// PreemptDisabled reports whether a guard is held on this core.
func (c *Core) PreemptDisabled() bool {
	return c.preemptDepth > 0
}
