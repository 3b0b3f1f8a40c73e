package scheduler

import (
	"runtime"
	"sync/atomic"

	"github.com/kcore-os/kcore/klog"
)

// spinLock is the run queue lock shared by all cores. Critical sections
// are a handful of queue operations, so waiters spin instead of sleeping.
type spinLock struct {
	atomic.Uint32
}

func (l *spinLock) Lock() {
	// Try to replace 0 with 1. Once we succeed, the lock has been acquired.
	for !l.Uint32.CompareAndSwap(0, 1) {
		spinLoopHint()
	}
}

func (l *spinLock) Unlock() {
	// Safety check: the spinlock should have been locked.
	if l.Uint32.Load() != 1 {
		panic(&klog.Halt{Core: klog.NoCore, Msg: "scheduler: unlock of unlocked spinlock"})
	}
	l.Uint32.Store(0)
}

// Give the other core a chance to release the lock. Cores are goroutines
// here, so this is a yield rather than a pause instruction.
func spinLoopHint() {
	runtime.Gosched()
}
