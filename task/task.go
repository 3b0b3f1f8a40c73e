// Package task contains the schedulable unit of the kernel, its status state
// machine, the arena tasks live in and the FIFO queue the scheduler keeps
// runnable tasks in.
package task

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/kcore-os/kcore/cpu"
	"github.com/kcore-os/kcore/klog"
	"github.com/kcore-os/kcore/mmu"
)

// Status is the lifecycle state of a task.
type Status uint32

const (
	Idle Status = iota
	Waiting
	Runnable
	Running
	Dead

	// Suspend may be or'ed onto any state by a suspending agent. It is
	// masked off before states are compared.
	Suspend Status = 0x1000
)

func (s Status) String() string {
	var name string
	switch s &^ Suspend {
	case Idle:
		name = "idle"
	case Waiting:
		name = "waiting"
	case Runnable:
		name = "runnable"
	case Running:
		name = "running"
	case Dead:
		name = "dead"
	default:
		name = fmt.Sprintf("status(%d)", uint32(s&^Suspend))
	}
	if s&Suspend != 0 {
		name += "+suspend"
	}
	return name
}

// StackSize is the size of the user stack at the start of the context page.
const StackSize = 4096

// Context is the per-task user context: the physical data page holding the
// user stack and the register frame saved while the task is off-core.
type Context struct {
	Page  int
	Frame cpu.Frame
}

// Task is a user task. Its status is only changed through Transition, and
// its queue link only by the Queue holding it.
type Task struct {
	ID      uint32
	Name    string
	Space   *mmu.AddressSpace
	Context *Context

	status atomic.Uint32
	handle Handle

	// Link to the next task in the queue holding this one.
	next   Handle
	queued bool
}

func (t *Task) Handle() Handle {
	return t.handle
}

// Status returns the current status, including the Suspend bit.
func (t *Task) Status() Status {
	return Status(t.status.Load())
}

func (t *Task) String() string {
	return fmt.Sprintf("task %d (%s)", t.ID, t.Name)
}

// Retry policy of Transition: the number of attempts before the state is
// considered stuck, and the cap on the number of yields between attempts.
const (
	transitionAttempts   = 4096
	transitionMaxBackoff = 64
)

// Transition waits until the task is in state from and atomically moves it
// to state to. It returns false without changing anything if another caller
// has already made that move, or if the task is Dead.
//
// Requests that name Suspend, or where from equals to, are bugs and halt.
// So does observing Runnable when Waiting was expected: a task only becomes
// runnable through the scheduler.
func (t *Task) Transition(from, to Status) bool {
	if from&Suspend != 0 || to&Suspend != 0 {
		runtimePanic("transition with the suspend bit: " + from.String() + " -> " + to.String())
	}
	if from == to {
		runtimePanic("transition to the same state: " + from.String())
	}

	backoff := 1
	for attempt := 0; ; attempt++ {
		raw := t.status.Load()
		seen := Status(raw) &^ Suspend
		if seen == from {
			// Keep the suspend bit of whoever set it.
			if t.status.CompareAndSwap(raw, uint32(to|Status(raw)&Suspend)) {
				return true
			}
			continue
		}
		if seen == to || seen == Dead {
			return false
		}
		if from == Waiting && seen == Runnable {
			runtimePanic(t.String() + ": waiting task became runnable behind the scheduler's back")
		}
		if attempt >= transitionAttempts {
			runtimePanic(t.String() + ": stuck in " + seen.String() + " waiting for " + from.String())
		}
		for i := 0; i < backoff; i++ {
			runtime.Gosched()
		}
		if backoff < transitionMaxBackoff {
			backoff <<= 1
		}
	}
}

// Kill moves a task that is off every core and out of every queue, that is
// Idle or Waiting, to Dead. It returns false if the task is in any other
// state, including when a concurrent Ready got to it first.
func (t *Task) Kill() bool {
	for {
		raw := t.status.Load()
		switch Status(raw) &^ Suspend {
		case Idle, Waiting:
		default:
			return false
		}
		if t.status.CompareAndSwap(raw, uint32(Dead|Status(raw)&Suspend)) {
			return true
		}
	}
}

// SetSuspended sets or clears the Suspend bit without touching the state.
func (t *Task) SetSuspended(suspended bool) {
	for {
		raw := t.status.Load()
		next := Status(raw) &^ Suspend
		if suspended {
			next |= Suspend
		}
		if t.status.CompareAndSwap(raw, uint32(next)) {
			return
		}
	}
}

func runtimePanic(msg string) {
	panic(&klog.Halt{Core: klog.NoCore, Msg: "task: " + msg})
}
