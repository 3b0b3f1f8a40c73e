// Package cpu describes the processor state the kernel core works with: the
// register frame pushed by the trap vectors and the exception causes the
// hardware reports.
package cpu

// NumCores is the number of hardware cores (PRO_CPU and APP_CPU).
const NumCores = 2

// Byte offsets of the Frame fields. The trap vectors are written against
// these, so the struct below must not be reordered.
const (
	FrameAR          = 0
	FrameSAR         = 256
	FrameLBeg        = 260
	FrameLEnd        = 264
	FrameLCount      = 268
	FramePC          = 272
	FramePS          = 276
	FrameWindowBase  = 280
	FrameWindowStart = 284
	FrameWindowMask  = 288
	FrameWindowSize  = 290
	FrameSize        = 292
)

// Frame is the register snapshot of one task. The same layout is used for
// the live frame while a trap is being handled and for the context saved in
// a task that is not running.
type Frame struct {
	// Physical address registers (all register windows).
	AR [64]uint32

	SAR    uint32
	LBeg   uint32
	LEnd   uint32
	LCount uint32
	PC     uint32
	PS     uint32

	WindowBase  uint32
	WindowStart uint32
	WindowMask  uint16
	WindowSize  uint16
}

// PS register layout.
const (
	psIntLevelMask = 0xf
	psEXCM         = 1 << 4
	psUM           = 1 << 5
	psRingShift    = 6
	psRingMask     = 0x3 << psRingShift
	psWOE          = 1 << 18
)

// IntLevel is the current interrupt level (PS.INTLEVEL).
func (f *Frame) IntLevel() uint32 {
	return f.PS & psIntLevelMask
}

// ExceptionMode reports PS.EXCM.
func (f *Frame) ExceptionMode() bool {
	return f.PS&psEXCM != 0
}

// UserMode reports PS.UM, set when the trap came from a user task.
func (f *Frame) UserMode() bool {
	return f.PS&psUM != 0
}

// Ring is the privilege ring (PS.RING).
func (f *Frame) Ring() uint32 {
	return (f.PS & psRingMask) >> psRingShift
}

// WindowOverflowEnabled reports PS.WOE.
func (f *Frame) WindowOverflowEnabled() bool {
	return f.PS&psWOE != 0
}

// UserPS is the PS value a user task starts with: ring 1, user vector mode,
// window overflow exceptions enabled, all interrupts unmasked.
func UserPS() uint32 {
	return psUM | 1<<psRingShift | psWOE
}

// Register slots of the syscall ABI.
const (
	SyscallNum  = 2
	SyscallRet  = 2
	SyscallArg1 = 6
	SyscallArg2 = 3
	SyscallArg3 = 4
	SyscallArg4 = 5
	SyscallArg5 = 8
	SyscallArg6 = 9
)

// StackPointer is the register holding the stack pointer (a1).
const StackPointer = 1

// ReturnAddress is the register holding the return address (a0).
const ReturnAddress = 0

// SyscallSize is the length of the SYSCALL instruction; the PC is advanced
// past it before the task resumes.
const SyscallSize = 3
