// Package sim is a host simulator of the two-core board. Each core is a
// goroutine executing a tiny instruction set through its own MMU tables, so
// the kernel runs the same paths it takes on hardware: traps, watchdog
// preemption, idle waits and cross-core wakeups.
package sim

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/inhies/go-bytesize"

	"github.com/kcore-os/kcore/cpu"
	"github.com/kcore-os/kcore/initrd"
	"github.com/kcore-os/kcore/klog"
	"github.com/kcore-os/kcore/loader"
	"github.com/kcore-os/kcore/mmu"
	"github.com/kcore-os/kcore/scheduler"
	"github.com/kcore-os/kcore/task"
	"github.com/kcore-os/kcore/trap"
	"github.com/kcore-os/kcore/umem"
)

var (
	ErrDeadlock  = errors.New("sim: all cores are sleeping - deadlock!")
	ErrStepLimit = errors.New("sim: instruction limit reached")
	ErrRunning   = errors.New("sim: machine already started")
)

// Options configure a Machine.
type Options struct {
	Cores     int
	Timeslice int

	// Pages of each region available to apps. Zero means all of them.
	CodePages int
	DataPages int

	Policy trap.FaultPolicy
	Log    *klog.Logger

	// MaxSteps stops the machine once a core executed this many
	// instructions. Zero means no limit.
	MaxSteps uint64

	// OnTrap, if set, is called on the trapping core before the kernel
	// handles a trap. Returning false stops the machine.
	OnTrap func(core int, cause cpu.Cause, frame *cpu.Frame) bool
}

// Machine is a simulated board running the kernel.
type Machine struct {
	opts   Options
	log    *klog.Logger
	mem    *umem.Memory
	sched  *scheduler.Scheduler
	disp   *trap.Dispatcher
	loader *loader.Loader
	cores  []*core
	trace  *Trace

	started atomic.Bool
	wg      sync.WaitGroup

	// lock protects the sleeping state of the cores and the result.
	lock     sync.Mutex
	sleeping int
	done     chan struct{}
	err      error
}

type core struct {
	id     int
	m      *Machine
	tables *mmu.Tables
	timer  *watchdog
	wake   chan struct{}
	masked atomic.Bool
	asleep bool
	frame  cpu.Frame
	steps  uint64
}

func New(opts Options) *Machine {
	if opts.Cores == 0 {
		opts.Cores = cpu.NumCores
	}
	if opts.Timeslice == 0 {
		opts.Timeslice = 1000
	}
	if opts.CodePages == 0 {
		opts.CodePages = mmu.PagesPerRegion
	}
	if opts.DataPages == 0 {
		opts.DataPages = mmu.PagesPerRegion
	}
	if opts.Log == nil {
		opts.Log = klog.Discard()
	}
	m := &Machine{
		opts:  opts,
		log:   opts.Log,
		mem:   umem.NewSized(opts.CodePages, opts.DataPages),
		done:  make(chan struct{}),
		trace: newTrace(opts.Cores),
	}
	copy(m.mem.Page(mmu.Code, umem.VdsoPage), trampoline())
	var cfgs []scheduler.CoreConfig
	for id := 0; id < opts.Cores; id++ {
		c := &core{
			id:     id,
			m:      m,
			tables: mmu.NewTables(),
			timer:  &watchdog{timeslice: opts.Timeslice},
			wake:   make(chan struct{}, 1),
		}
		m.cores = append(m.cores, c)
		cfgs = append(cfgs, scheduler.CoreConfig{Hardware: c.tables, Timer: c.timer})
	}
	m.sched = scheduler.New(m.mem, m, m.log, cfgs)
	m.disp = trap.New(m.sched, m.mem, opts.Policy)
	m.loader = loader.New(m.sched, m.mem, m.log)
	return m
}

// trampoline is the code at the start of the vdso. Tasks start with it as
// their return address, so an entry function that returns drops the task.
func trampoline() []byte {
	return encode(
		Instr{OpMovi, cpu.SyscallNum, byte(trap.SysDrop)},
		Instr{Op: OpSyscall},
	)
}

// Scheduler gives access to the kernel, for inspection.
func (m *Machine) Scheduler() *scheduler.Scheduler {
	return m.sched
}

// Memory returns the physical user memory of the board.
func (m *Machine) Memory() *umem.Memory {
	return m.mem
}

// Tables returns the MMU tables of a core.
func (m *Machine) Tables(core int) *mmu.Tables {
	return m.cores[core].tables
}

// Load starts an app. It can be called before or while the machine runs.
func (m *Machine) Load(name string, image []byte) (task.Handle, error) {
	return m.loader.Load(name, image)
}

// Boot starts the apps named by init from an initrd, in order. With no
// names every app is started.
func (m *Machine) Boot(entries []initrd.Entry, init []string) error {
	if len(init) == 0 {
		for _, e := range entries {
			init = append(init, e.Name)
		}
	}
	var size int
	for _, name := range init {
		e, err := initrd.Find(entries, name)
		if err != nil {
			return err
		}
		if _, err := m.Load(e.Name, e.Data); err != nil {
			return err
		}
		size += len(e.Data)
	}
	m.log.Infof("booted %d apps from initrd (%s)", len(init), bytesize.New(float64(size)))
	return nil
}

// Run starts every core and waits until the machine stops. A clean stop,
// once no task is left, returns nil.
func (m *Machine) Run(ctx context.Context) error {
	if m.started.Swap(true) {
		return ErrRunning
	}
	for _, c := range m.cores {
		m.wg.Add(1)
		go c.run()
	}
	select {
	case <-m.done:
	case <-ctx.Done():
		m.stop(ctx.Err())
	}
	m.wg.Wait()
	m.trace.finish(m.cores)
	return m.err
}

// Trace returns the execution trace of the last run.
func (m *Machine) Trace() *Trace {
	return m.trace
}

// Steps returns the instructions executed by each core. Only valid once Run
// returned.
func (m *Machine) Steps() []uint64 {
	steps := make([]uint64, len(m.cores))
	for i, c := range m.cores {
		steps[i] = c.steps
	}
	return steps
}

// stop ends the run with err. Only the first call has an effect.
func (m *Machine) stop(err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.stopLocked(err)
}

func (m *Machine) stopLocked(err error) {
	select {
	case <-m.done:
		return
	default:
	}
	m.err = err
	close(m.done)
}

func (m *Machine) stopped() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// WaitForInterrupt blocks a core until it is woken. When every core is
// waiting nothing can wake them anymore: the machine stops, cleanly if no
// task is left.
func (m *Machine) WaitForInterrupt(id int) {
	c := m.cores[id]
	m.lock.Lock()
	select {
	case <-c.wake:
		m.lock.Unlock()
		return
	default:
	}
	c.asleep = true
	m.sleeping++
	if m.sleeping == len(m.cores) {
		if n := m.sched.Tasks.Len(); n == 0 {
			m.log.Infof("no tasks left, stopping")
			m.stopLocked(nil)
		} else {
			m.stopLocked(fmt.Errorf("%w (%d tasks waiting: %s)", ErrDeadlock, n, m.waiting()))
		}
	}
	m.lock.Unlock()

	select {
	case <-c.wake:
	case <-m.done:
		runtime.Goexit()
	}
}

func (m *Machine) waiting() string {
	var names []string
	for _, t := range m.sched.Tasks.Tasks() {
		names = append(names, t.String())
	}
	return strings.Join(names, ", ")
}

func (m *Machine) Wake(id int) {
	c := m.cores[id]
	m.lock.Lock()
	if c.asleep {
		c.asleep = false
		m.sleeping--
	}
	m.lock.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (m *Machine) MaskPreemption(id int, masked bool) {
	m.cores[id].masked.Store(masked)
}

// run is the main loop of a core: execute the current task until it traps,
// then let the kernel handle the trap.
func (c *core) run() {
	m := c.m
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			h, ok := r.(*klog.Halt)
			if !ok {
				panic(r)
			}
			if h.Core == klog.NoCore {
				h.Core = c.id
			}
			m.stop(h)
		}
	}()

	sc := m.sched.Core(c.id)
	sc.Start(&c.frame)
	m.trace.switchTo(c, sc.Current())
	for !m.stopped() {
		if m.opts.MaxSteps != 0 && c.steps >= m.opts.MaxSteps {
			m.stop(fmt.Errorf("%w: %d on core %d", ErrStepLimit, c.steps, c.id))
			return
		}
		cause, vaddr := cpu.Level1Interrupt, uint32(0)
		if exc := c.step(); exc != nil {
			cause, vaddr = exc.cause, exc.vaddr
		} else {
			c.steps++
			if !c.timer.tick() || c.masked.Load() {
				continue
			}
		}
		if m.opts.OnTrap != nil && !m.opts.OnTrap(c.id, cause, &c.frame) {
			m.stop(context.Canceled)
			return
		}
		if f := m.disp.Handle(sc, &c.frame, cause, vaddr); f != nil {
			m.stop(f)
			return
		}
		m.trace.switchTo(c, sc.Current())
	}
}

// LogStats logs the scheduler metrics of every core at the stats level.
func (m *Machine) LogStats() {
	descs := scheduler.All()
	samples := make([]scheduler.Sample, len(descs))
	for i, d := range descs {
		samples[i].Name = d.Name
	}
	for id := range m.cores {
		m.sched.ReadCore(id, samples)
		cl := m.log.Core(id)
		for i, s := range samples {
			if descs[i].Cumulative {
				cl.Statsf("sched", "%s %d", s.Name, s.Value)
			}
		}
		cl.Statsf("sim", "/sim/instructions:instrs %d", m.cores[id].steps)
	}
}
