package trap

import (
	"bytes"
	"strings"
	"testing"

	"github.com/kcore-os/kcore/cpu"
	"github.com/kcore-os/kcore/klog"
	"github.com/kcore-os/kcore/mmu"
	"github.com/kcore-os/kcore/scheduler"
	"github.com/kcore-os/kcore/task"
	"github.com/kcore-os/kcore/umem"
)

type fakeTimer struct {
	events  []string
	pending bool
}

func (t *fakeTimer) Feed()    { t.events = append(t.events, "feed") }
func (t *fakeTimer) Enable()  { t.events = append(t.events, "enable") }
func (t *fakeTimer) Disable() { t.events = append(t.events, "disable") }
func (t *fakeTimer) Handle() bool {
	p := t.pending
	t.pending = false
	return p
}

type fakeMachine struct {
	wake chan struct{}
	wfi  int
}

func (m *fakeMachine) WaitForInterrupt(core int) { m.wfi++; <-m.wake }
func (m *fakeMachine) MaskPreemption(int, bool)  {}
func (m *fakeMachine) Wake(core int)             { m.wake <- struct{}{} }

type env struct {
	sched   *scheduler.Scheduler
	core    *scheduler.Core
	mem     *umem.Memory
	timer   *fakeTimer
	machine *fakeMachine
	out     *bytes.Buffer
	frame   cpu.Frame
}

func newEnv(t *testing.T, policy FaultPolicy) (*env, *Dispatcher) {
	t.Helper()
	e := &env{
		mem:     umem.New(),
		timer:   &fakeTimer{},
		machine: &fakeMachine{wake: make(chan struct{}, 1)},
		out:     &bytes.Buffer{},
	}
	e.sched = scheduler.New(e.mem, e.machine, klog.New(e.out, klog.ErrorMask|klog.WarnMask|klog.InfoMask),
		[]scheduler.CoreConfig{{Hardware: mmu.NewTables(), Timer: e.timer}})
	e.core = e.sched.Core(0)
	return e, New(e.sched, e.mem, policy)
}

// spawn creates and readies a task with one data page at virtual page 0.
func (e *env) spawn(t *testing.T, name string, pc uint32) *task.Task {
	t.Helper()
	tk, err := e.sched.CreateTask(name)
	if err != nil {
		t.Fatal(err)
	}
	page, _ := e.mem.Alloc(mmu.Data)
	tk.Space.Map(mmu.Data, 0, mmu.NewPageEntry(uint8(page), false))
	tk.Context.Frame.PC = pc
	tk.Context.Frame.PS = cpu.UserPS()
	if err := e.sched.Ready(tk.Handle()); err != nil {
		t.Fatal(err)
	}
	return tk
}

func (e *env) syscall(d *Dispatcher, num Syscall, args ...uint32) {
	e.frame.AR[cpu.SyscallNum] = uint32(num)
	regs := []int{cpu.SyscallArg1, cpu.SyscallArg2, cpu.SyscallArg3}
	for i, a := range args {
		e.frame.AR[regs[i]] = a
	}
	d.Handle(e.core, &e.frame, cpu.Syscall, 0)
}

func TestUnknownSyscall(t *testing.T) {
	e, d := newEnv(t, Halt)
	tk := e.spawn(t, "caller", 0x3ffc0000)
	e.core.Start(&e.frame)

	for _, num := range []Syscall{0x03, SysSpill, SysXtensa, 0xffff} {
		pc := e.frame.PC
		e.syscall(d, num)
		if int32(e.frame.AR[cpu.SyscallRet]) != -int32(ErrNoSyscall) {
			t.Errorf("%s returned %d", num, int32(e.frame.AR[cpu.SyscallRet]))
		}
		if e.frame.PC != pc+cpu.SyscallSize {
			t.Errorf("%s: pc %#x, want %#x", num, e.frame.PC, pc+cpu.SyscallSize)
		}
		if e.core.Current() != tk {
			t.Errorf("%s: caller lost the core", num)
		}
	}
	if !strings.Contains(e.out.String(), "unknown syscall 3") {
		t.Errorf("unknown syscall not logged: %q", e.out.String())
	}
}

func TestYieldSyscall(t *testing.T) {
	e, d := newEnv(t, Halt)
	t1 := e.spawn(t, "t1", 0x3ffc0000)
	t2 := e.spawn(t, "t2", 0x3ffc0100)
	e.core.Start(&e.frame)

	e.syscall(d, SysYield)
	if e.core.Current() != t2 || e.frame.PC != 0x3ffc0100 {
		t.Fatalf("yield did not switch: running %s at %#x", e.core.Current(), e.frame.PC)
	}
	saved := t1.Context.Frame
	if saved.PC != 0x3ffc0000+cpu.SyscallSize || saved.AR[cpu.SyscallRet] != 0 {
		t.Errorf("yielding task saved pc=%#x ret=%d", saved.PC, saved.AR[cpu.SyscallRet])
	}
	e.syscall(d, SysYield)
	if e.core.Current() != t1 || e.frame.PC != 0x3ffc0003 {
		t.Errorf("second yield: running %s at %#x", e.core.Current(), e.frame.PC)
	}
}

func TestParkAndDropSyscalls(t *testing.T) {
	e, d := newEnv(t, Halt)
	t1 := e.spawn(t, "parker", 0x3ffc0000)
	t2 := e.spawn(t, "dropper", 0x3ffc0100)
	e.core.Start(&e.frame)

	e.syscall(d, SysPark)
	if t1.Status() != task.Waiting || e.core.Current() != t2 {
		t.Fatalf("park: t1 %s, running %s", t1.Status(), e.core.Current())
	}

	// Ready the parked task so the drop has somewhere to go.
	if err := e.core.Ready(t1.Handle()); err != nil {
		t.Fatal(err)
	}
	e.syscall(d, SysDrop)
	if e.sched.Tasks.Get(t2.Handle()) != nil {
		t.Errorf("dropped task still exists")
	}
	if e.core.Current() != t1 || e.frame.PC != 0x3ffc0003 {
		t.Errorf("after drop running %s at %#x", e.core.Current(), e.frame.PC)
	}
}

func TestLogSyscall(t *testing.T) {
	e, d := newEnv(t, Halt)
	tk := e.spawn(t, "logger", 0x3ffc0000)
	e.core.Start(&e.frame)

	entry, _ := tk.Space.Lookup(mmu.Data, 0)
	copy(e.mem.Page(mmu.Data, entry.Phys())[16:], "hello kernel\n")

	e.syscall(d, SysLog, mmu.DataBase+16, 13)
	if ret := e.frame.AR[cpu.SyscallRet]; ret != 0 {
		t.Errorf("log returned %d", int32(ret))
	}
	if !strings.Contains(e.out.String(), "(logger): hello kernel\n") {
		t.Errorf("message not logged: %q", e.out.String())
	}
}

func TestLogRejectsBadPointers(t *testing.T) {
	e, d := newEnv(t, Halt)
	e.spawn(t, "liar", 0x3ffc0000)
	e.core.Start(&e.frame)

	tests := []struct {
		name      string
		ptr, size uint32
	}{
		{"crosses page", mmu.DataBase + mmu.PageSize - 2, 4},
		{"unmapped page", mmu.DataBase + 3*mmu.PageSize, 4},
		{"kernel address", 0x3ff00000, 4},
		{"huge size", mmu.DataBase, 0xffffffff},
	}
	for _, tc := range tests {
		e.syscall(d, SysLog, tc.ptr, tc.size)
		if int32(e.frame.AR[cpu.SyscallRet]) != -int32(ErrBadPointer) {
			t.Errorf("%s: returned %d", tc.name, int32(e.frame.AR[cpu.SyscallRet]))
		}
	}
}

func TestTimerPreempts(t *testing.T) {
	e, d := newEnv(t, Halt)
	e.spawn(t, "t1", 0x3ffc0000)
	t2 := e.spawn(t, "t2", 0x3ffc0100)
	e.core.Start(&e.frame)

	// An interrupt that is not the timer's is ignored.
	if d.Handle(e.core, &e.frame, cpu.Level1Interrupt, 0) != nil || e.core.Current() == t2 {
		t.Fatalf("foreign interrupt switched tasks")
	}
	e.timer.pending = true
	d.Handle(e.core, &e.frame, cpu.Level1Interrupt, 0)
	if e.core.Current() != t2 {
		t.Errorf("timer tick did not preempt")
	}
}

func TestTimerWithoutTaskIdles(t *testing.T) {
	e, d := newEnv(t, Halt)
	e.timer.pending = true
	e.machine.wake <- struct{}{}
	d.Handle(e.core, &e.frame, cpu.Level1Interrupt, 0)

	if e.machine.wfi != 1 {
		t.Errorf("core waited %d times", e.machine.wfi)
	}
	want := []string{"disable", "enable"}
	if strings.Join(e.timer.events, ",") != strings.Join(want, ",") {
		t.Errorf("timer events %v, want %v", e.timer.events, want)
	}
}

func TestFaultHalts(t *testing.T) {
	e, d := newEnv(t, Halt)
	tk := e.spawn(t, "crasher", 0x3ffc0006)
	e.core.Start(&e.frame)

	f := d.Handle(e.core, &e.frame, cpu.LoadProhibited, 0x40090004)
	if f == nil {
		t.Fatalf("fault did not halt")
	}
	if f.Task != tk.String() || f.VAddr != 0x40090004 || f.Frame.PC != 0x3ffc0006 {
		t.Errorf("fault %+v", f)
	}
	if e.core.Current() != tk {
		t.Errorf("halting policy touched the task")
	}
	out := e.out.String()
	if !strings.Contains(out, "LoadProhibited at pc=0x3ffc0006 vaddr=0x40090004") || !strings.Contains(out, "ar0 ") {
		t.Errorf("fault not reported:\n%s", out)
	}
}

func TestFaultKillsTask(t *testing.T) {
	e, d := newEnv(t, KillTask)
	bad := e.spawn(t, "crasher", 0x3ffc0006)
	good := e.spawn(t, "survivor", 0x3ffc0100)
	e.core.Start(&e.frame)
	pid := e.core.Cache.Lookup(bad.Space).PID()

	if f := d.Handle(e.core, &e.frame, cpu.IllegalInstruction, 0); f != nil {
		t.Fatalf("kill policy halted: %v", f)
	}
	if e.sched.Tasks.Get(bad.Handle()) != nil {
		t.Errorf("faulting task survived")
	}
	if e.core.Current() != good {
		t.Errorf("running %s after kill", e.core.Current())
	}
	if got := e.core.Cache.Lookup(good.Space).PID(); got != pid {
		t.Errorf("killed task's pid %d not reused, got %d", pid, got)
	}
}

// Faults without a user task halt whatever the policy.
func TestKernelFaultAlwaysHalts(t *testing.T) {
	e, d := newEnv(t, KillTask)
	e.frame.PS = 0
	if d.Handle(e.core, &e.frame, cpu.InstFetchProhibited, 0x3ffc0000) == nil {
		t.Errorf("kernel mode fault did not halt")
	}
}

func TestSyscallNames(t *testing.T) {
	names := SyscallNames()
	want := "drop,log,park,spill,xtensa,yield"
	if strings.Join(names, ",") != want {
		t.Errorf("names %v", names)
	}
	if s, ok := LookupSyscall("yield"); !ok || s != SysYield || s.String() != "yield" {
		t.Errorf("lookup yield = %v, %v", s, ok)
	}
	if Syscall(0x42).String() != "syscall(66)" {
		t.Errorf("unknown name %q", Syscall(0x42).String())
	}
	if ErrBadPointer.Return() != 0xfffffffd {
		t.Errorf("errno return %#x", ErrBadPointer.Return())
	}
}

func TestParseFaultPolicy(t *testing.T) {
	for in, want := range map[string]FaultPolicy{"": Halt, "halt": Halt, "kill": KillTask, "Kill-Task": KillTask} {
		if got, err := ParseFaultPolicy(in); err != nil || got != want {
			t.Errorf("%q: %v, %v", in, got, err)
		}
	}
	if _, err := ParseFaultPolicy("ignore"); err == nil {
		t.Errorf("bad policy accepted")
	}
}
