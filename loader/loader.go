package loader

import (
	"errors"
	"fmt"

	"github.com/inhies/go-bytesize"

	"github.com/kcore-os/kcore/cpu"
	"github.com/kcore-os/kcore/klog"
	"github.com/kcore-os/kcore/mmu"
	"github.com/kcore-os/kcore/scheduler"
	"github.com/kcore-os/kcore/task"
	"github.com/kcore-os/kcore/umem"
)

type Loader struct {
	sched *scheduler.Scheduler
	mem   *umem.Memory
	log   *klog.Logger
}

func New(sched *scheduler.Scheduler, mem *umem.Memory, log *klog.Logger) *Loader {
	return &Loader{sched: sched, mem: mem, log: log}
}

// Load creates a task running image and readies it. On failure every page
// allocated for the task is freed again.
func (l *Loader) Load(name string, image []byte) (task.Handle, error) {
	h, err := ParseHeader(image)
	if err != nil {
		return task.Handle{}, fmt.Errorf("%s: %w", name, err)
	}
	if err := h.Validate(len(image)); err != nil {
		return task.Handle{}, fmt.Errorf("%s: %w", name, err)
	}

	t, err := l.sched.CreateTask(name)
	if err != nil {
		return task.Handle{}, fmt.Errorf("%s: %w", name, err)
	}
	l.log.Infof("starting app %q (%s code in %d pages, %s data+bss in %d pages)",
		name, bytesize.New(float64(h.CodeSize)), h.CodePages(),
		bytesize.New(float64(h.DataSize+h.BSSSize)), h.DataPages())

	code := image[HeaderSize : HeaderSize+h.CodeSize]
	data := image[HeaderSize+h.CodeSize : HeaderSize+h.CodeSize+h.DataSize]
	err = l.populate(t, mmu.Code, h.CodePages(), code)
	if err == nil {
		// Pages are cleared before the copy, which also zeroes the bss.
		err = l.populate(t, mmu.Data, h.DataPages(), data)
	}
	if err != nil {
		if rerr := l.sched.Release(t.Handle()); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return task.Handle{}, fmt.Errorf("%s: %w", name, err)
	}

	frame := &t.Context.Frame
	frame.PC = h.Entry
	frame.PS = cpu.UserPS()
	frame.AR[cpu.StackPointer] = scheduler.StackTop
	frame.AR[cpu.ReturnAddress] = mmu.VdsoBase
	frame.WindowStart = 1

	if err := l.sched.Ready(t.Handle()); err != nil {
		return task.Handle{}, err
	}
	return t.Handle(), nil
}

// populate allocates and maps n pages of the region starting at virtual
// page 0, filling them from contents.
func (l *Loader) populate(t *task.Task, r mmu.Region, n int, contents []byte) error {
	for virt := 0; virt < n; virt++ {
		phys, err := l.mem.Alloc(r)
		if err != nil {
			return err
		}
		page := l.mem.Page(r, phys)
		clear(page)
		contents = contents[copy(page, contents):]

		if err := l.sched.MapPage(t.Space, r, virt, mmu.NewPageEntry(uint8(phys), false)); err != nil {
			l.mem.Free(r, phys)
			return err
		}
		l.log.Debugf("> %s %#08x --> page %d", r, r.VirtAddr(virt), phys)
	}
	return nil
}
