package sim

import (
	"fmt"

	"github.com/kcore-os/kcore/cpu"
	"github.com/kcore-os/kcore/mmu"
)

// InstrSize is the length of every instruction: opcode, register and an
// 8-bit immediate.
const InstrSize = 3

// NumRegs is the number of registers an instruction can name (the current
// register window).
const NumRegs = 16

type Op uint8

const (
	OpNop     Op = iota // no operation
	OpMovi              // reg = imm
	OpShli              // reg = reg<<8 | imm
	OpAddi              // reg += int8(imm)
	OpLoadb             // reg = byte at the data address in register imm
	OpBnez              // if reg != 0, branch by int8(imm) instructions
	OpJmp               // branch by int8(imm) instructions
	OpSyscall           // trap into the kernel
	OpRet               // jump to the return address in a0
)

var opNames = [...]string{
	OpNop:     "nop",
	OpMovi:    "movi",
	OpShli:    "shli",
	OpAddi:    "addi",
	OpLoadb:   "loadb",
	OpBnez:    "bnez",
	OpJmp:     "j",
	OpSyscall: "syscall",
	OpRet:     "ret",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("op(%#02x)", uint8(op))
}

// Instr is a decoded instruction.
type Instr struct {
	Op  Op
	Reg uint8
	Imm uint8
}

func (i Instr) Encode() [InstrSize]byte {
	return [InstrSize]byte{byte(i.Op), i.Reg, i.Imm}
}

func Decode(b []byte) Instr {
	return Instr{Op: Op(b[0]), Reg: b[1], Imm: b[2]}
}

func (i Instr) String() string {
	switch i.Op {
	case OpNop, OpSyscall, OpRet:
		return i.Op.String()
	case OpMovi, OpShli:
		return fmt.Sprintf("%s a%d, %#x", i.Op, i.Reg, i.Imm)
	case OpLoadb:
		return fmt.Sprintf("%s a%d, a%d", i.Op, i.Reg, i.Imm)
	case OpJmp:
		return fmt.Sprintf("%s %+d", i.Op, int8(i.Imm))
	case OpBnez, OpAddi:
		return fmt.Sprintf("%s a%d, %+d", i.Op, i.Reg, int8(i.Imm))
	}
	return i.Op.String()
}

// exception is a trap raised by an instruction.
type exception struct {
	cause cpu.Cause
	vaddr uint32
}

// translate resolves a virtual address through the hardware tables with the
// current PID.
func (c *core) translate(r mmu.Region, addr uint32, size uint32) ([]byte, bool) {
	base := r.Base()
	if addr < base || addr-base >= mmu.PagesPerRegion*mmu.PageSize {
		return nil, false
	}
	virt, off := int((addr-base)/mmu.PageSize), (addr-base)%mmu.PageSize
	if off+size > mmu.PageSize {
		return nil, false
	}
	phys, ok := c.tables.Translate(r, virt, c.tables.PID())
	if !ok {
		return nil, false
	}
	return c.m.mem.Page(r, phys)[off : off+size], true
}

// step executes one instruction of the live frame.
func (c *core) step() *exception {
	f := &c.frame
	b, ok := c.translate(mmu.Code, f.PC, InstrSize)
	if !ok {
		return &exception{cause: cpu.InstFetchProhibited, vaddr: f.PC}
	}
	in := Decode(b)
	if in.Reg >= NumRegs {
		return &exception{cause: cpu.IllegalInstruction}
	}
	reg := &f.AR[in.Reg]
	next := f.PC + InstrSize
	switch in.Op {
	case OpNop:
	case OpMovi:
		*reg = uint32(in.Imm)
	case OpShli:
		*reg = *reg<<8 | uint32(in.Imm)
	case OpAddi:
		*reg += uint32(int32(int8(in.Imm)))
	case OpLoadb:
		if in.Imm >= NumRegs {
			return &exception{cause: cpu.IllegalInstruction}
		}
		addr := f.AR[in.Imm]
		b, ok := c.translate(mmu.Data, addr, 1)
		if !ok {
			return &exception{cause: cpu.LoadProhibited, vaddr: addr}
		}
		*reg = uint32(b[0])
	case OpBnez:
		if *reg != 0 {
			next = f.PC + uint32(int32(int8(in.Imm))*InstrSize)
		}
	case OpJmp:
		next = f.PC + uint32(int32(int8(in.Imm))*InstrSize)
	case OpSyscall:
		// The kernel advances the PC past the instruction.
		return &exception{cause: cpu.Syscall}
	case OpRet:
		next = f.AR[cpu.ReturnAddress]
	default:
		return &exception{cause: cpu.IllegalInstruction}
	}
	f.PC = next
	return nil
}
