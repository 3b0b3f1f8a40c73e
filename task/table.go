package task

import (
	"fmt"
	"sync"
)

// Handle refers to a task in a Table. A handle outlives its task: once the
// task is removed the handle no longer resolves, even if the slot is reused.
// The zero Handle is never valid.
type Handle struct {
	index uint32
	gen   uint32
}

func (h Handle) Valid() bool {
	return h.gen != 0
}

func (h Handle) String() string {
	if !h.Valid() {
		return "handle(nil)"
	}
	return fmt.Sprintf("handle(%d.%d)", h.index, h.gen)
}

type slot struct {
	task *Task
	gen  uint32
}

// Table is the arena owning every task.
type Table struct {
	lock   sync.Mutex
	slots  []slot
	free   []uint32
	nextID uint32
	live   int
}

// New allocates a task in state Idle.
func (tb *Table) New(name string) *Task {
	tb.lock.Lock()
	defer tb.lock.Unlock()

	var index uint32
	if n := len(tb.free); n > 0 {
		index = tb.free[n-1]
		tb.free = tb.free[:n-1]
	} else {
		index = uint32(len(tb.slots))
		tb.slots = append(tb.slots, slot{})
	}
	s := &tb.slots[index]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	t := &Task{
		ID:     tb.nextID,
		Name:   name,
		handle: Handle{index: index, gen: s.gen},
	}
	tb.nextID++
	s.task = t
	tb.live++
	return t
}

// Get resolves a handle, returning nil when the task was removed.
func (tb *Table) Get(h Handle) *Task {
	if !h.Valid() {
		return nil
	}
	tb.lock.Lock()
	defer tb.lock.Unlock()
	if int(h.index) >= len(tb.slots) {
		return nil
	}
	s := &tb.slots[h.index]
	if s.gen != h.gen {
		return nil
	}
	return s.task
}

// Remove drops the task from the arena. The slot is reused with a new
// generation.
func (tb *Table) Remove(h Handle) bool {
	if !h.Valid() {
		return false
	}
	tb.lock.Lock()
	defer tb.lock.Unlock()
	if int(h.index) >= len(tb.slots) {
		return false
	}
	s := &tb.slots[h.index]
	if s.gen != h.gen || s.task == nil {
		return false
	}
	s.task = nil
	s.gen++
	tb.free = append(tb.free, h.index)
	tb.live--
	return true
}

// Len returns the number of live tasks.
func (tb *Table) Len() int {
	tb.lock.Lock()
	defer tb.lock.Unlock()
	return tb.live
}

// Tasks returns a snapshot of the live tasks in slot order.
func (tb *Table) Tasks() []*Task {
	tb.lock.Lock()
	defer tb.lock.Unlock()
	tasks := make([]*Task, 0, tb.live)
	for _, s := range tb.slots {
		if s.task != nil {
			tasks = append(tasks, s.task)
		}
	}
	return tasks
}
