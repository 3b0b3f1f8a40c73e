package trap

import (
	"strconv"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Syscall is the number a task passes in the syscall number register.
type Syscall uint32

const (
	// Register window assists, handled by the vectors before dispatch.
	SysSpill  Syscall = 0x00
	SysXtensa Syscall = 0x01

	SysPark  Syscall = 0x08
	SysYield Syscall = 0x09
	SysDrop  Syscall = 0x0a
	SysLog   Syscall = 0x0f
)

var syscallNames = map[string]Syscall{
	"spill":  SysSpill,
	"xtensa": SysXtensa,
	"park":   SysPark,
	"yield":  SysYield,
	"drop":   SysDrop,
	"log":    SysLog,
}

func (s Syscall) String() string {
	for name, n := range syscallNames {
		if n == s {
			return name
		}
	}
	return "syscall(" + strconv.Itoa(int(s)) + ")"
}

// LookupSyscall returns the syscall with the given name.
func LookupSyscall(name string) (Syscall, bool) {
	s, ok := syscallNames[name]
	return s, ok
}

// SyscallNames returns the known syscall names in alphabetical order.
func SyscallNames() []string {
	names := maps.Keys(syscallNames)
	slices.Sort(names)
	return names
}

// Errno is an error returned to a task. It is written to the return
// register negated.
type Errno uint32

const (
	ErrCheckFailed    Errno = 1
	ErrNoSyscall      Errno = 2
	ErrBadPointer     Errno = 3
	ErrOutOfResources Errno = 4
)

func (e Errno) Error() string {
	switch e {
	case ErrCheckFailed:
		return "check failed"
	case ErrNoSyscall:
		return "no such syscall"
	case ErrBadPointer:
		return "bad pointer"
	case ErrOutOfResources:
		return "out of resources"
	}
	return "errno " + strconv.Itoa(int(e))
}

// Return is the value a task sees in its return register.
func (e Errno) Return() uint32 {
	return uint32(-int32(e))
}
