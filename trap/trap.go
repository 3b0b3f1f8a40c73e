// Package trap is the entry point of every exception, interrupt and syscall
// taken on a core. It classifies the trap and hands it to the scheduler or a
// syscall handler, working directly on the live register frame.
package trap

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/kcore-os/kcore/cpu"
	"github.com/kcore-os/kcore/diagnostics"
	"github.com/kcore-os/kcore/mmu"
	"github.com/kcore-os/kcore/scheduler"
	"github.com/kcore-os/kcore/umem"
)

// FaultPolicy decides what happens when a user task takes an exception the
// kernel can not handle.
type FaultPolicy int

const (
	// Halt stops the core, leaving the machine state as it was.
	Halt FaultPolicy = iota
	// KillTask drops the faulting task and keeps the core running.
	KillTask
)

func (p FaultPolicy) String() string {
	if p == KillTask {
		return "kill"
	}
	return "halt"
}

func ParseFaultPolicy(s string) (FaultPolicy, error) {
	switch strings.ToLower(s) {
	case "", "halt":
		return Halt, nil
	case "kill", "kill-task":
		return KillTask, nil
	}
	return Halt, fmt.Errorf("trap: unknown fault policy %q", s)
}

type handler func(d *Dispatcher, c *scheduler.Core, frame *cpu.Frame) error

var syscalls = map[Syscall]handler{
	SysPark:  (*Dispatcher).park,
	SysYield: (*Dispatcher).yield,
	SysDrop:  (*Dispatcher).drop,
	SysLog:   (*Dispatcher).log,
}

// Dispatcher routes traps. It keeps no state of its own between traps.
type Dispatcher struct {
	sched  *scheduler.Scheduler
	mem    *umem.Memory
	policy FaultPolicy
}

func New(sched *scheduler.Scheduler, mem *umem.Memory, policy FaultPolicy) *Dispatcher {
	return &Dispatcher{sched: sched, mem: mem, policy: policy}
}

// Handle processes a trap taken on core c. vaddr is the value of EXCVADDR.
// The returned fault, if any, means the core must halt.
func (d *Dispatcher) Handle(c *scheduler.Core, frame *cpu.Frame, cause cpu.Cause, vaddr uint32) *diagnostics.Fault {
	switch cause {
	case cpu.Syscall:
		d.syscall(c, frame)
		return nil
	case cpu.Level1Interrupt:
		d.interrupt(c, frame)
		return nil
	}
	return d.fault(c, frame, cause, vaddr)
}

func (d *Dispatcher) syscall(c *scheduler.Core, frame *cpu.Frame) {
	// Resume after the SYSCALL instruction, with success unless the
	// handler says otherwise.
	frame.PC += cpu.SyscallSize
	num := Syscall(frame.AR[cpu.SyscallNum])
	frame.AR[cpu.SyscallRet] = 0

	h, ok := syscalls[num]
	if !ok {
		c.Log().Warnf("unknown syscall %d from %s", uint32(num), c.Current())
		frame.AR[cpu.SyscallRet] = ErrNoSyscall.Return()
		return
	}
	if err := h(d, c, frame); err != nil {
		var errno Errno
		if !errors.As(err, &errno) {
			errno = ErrCheckFailed
		}
		c.Log().Debugf("%s from %s failed: %v", num, c.Current(), err)
		frame.AR[cpu.SyscallRet] = errno.Return()
	}
}

func (d *Dispatcher) park(c *scheduler.Core, frame *cpu.Frame) error {
	c.OnPark(frame)
	return nil
}

func (d *Dispatcher) yield(c *scheduler.Core, frame *cpu.Frame) error {
	c.OnSchedule(frame)
	return nil
}

func (d *Dispatcher) drop(c *scheduler.Core, frame *cpu.Frame) error {
	c.OnDrop(frame)
	return nil
}

// log prints a string from the data window of the calling task.
func (d *Dispatcher) log(c *scheduler.Core, frame *cpu.Frame) error {
	t := c.Current()
	if t == nil {
		return ErrCheckFailed
	}
	ptr, size := frame.AR[cpu.SyscallArg1], frame.AR[cpu.SyscallArg2]
	entry, off, err := t.Space.Translate(mmu.Data, ptr, size)
	if err != nil {
		return fmt.Errorf("%w: %#x+%d: %v", ErrBadPointer, ptr, size, err)
	}
	msg := d.mem.Page(mmu.Data, entry.Phys())[off : off+size]
	c.Log().Infof("%s: %s", t, bytes.TrimRight(msg, "\n"))
	return nil
}

func (d *Dispatcher) interrupt(c *scheduler.Core, frame *cpu.Frame) {
	timer := c.Timer()
	if !timer.Handle() {
		// Cross-core wake or another level 1 source; nothing to do.
		return
	}
	if c.Current() != nil {
		c.OnSchedule(frame)
		return
	}
	// No task to preempt. Sleep with the watchdog off until something
	// happens.
	timer.Disable()
	c.WaitForInterrupt()
	timer.Enable()
}

func (d *Dispatcher) fault(c *scheduler.Core, frame *cpu.Frame, cause cpu.Cause, vaddr uint32) *diagnostics.Fault {
	f := &diagnostics.Fault{
		Core:  c.ID(),
		Cause: cause,
		VAddr: vaddr,
		Frame: *frame,
	}
	t := c.Current()
	if t != nil && frame.UserMode() {
		f.Task = t.String()
	}
	var dump strings.Builder
	diagnostics.DumpFrame(&dump, frame)
	c.Log().Errorf("fatal exception: %v\n%s", f, dump.String())

	if d.policy == KillTask && f.Task != "" {
		c.Log().Warnf("killing %s", t)
		c.OnDrop(frame)
		return nil
	}
	return f
}
