package sim

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"github.com/kcore-os/kcore/loader"
	"github.com/kcore-os/kcore/mmu"
	"github.com/kcore-os/kcore/trap"
)

// AsmError is an assembler error at a source line.
type AsmError struct {
	Line int
	Msg  string
}

func (e *AsmError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

type section int

const (
	codeSection section = iota
	dataSection
)

type statement struct {
	line    int
	section section
	offset  uint32
	size    uint32
	op      string
	args    []string
}

type symbol struct {
	addr uint32
	size uint32
}

type assembler struct {
	stmts   []*statement
	symbols map[string]*symbol
	offsets [2]uint32
	bss     uint32
	entry   string
}

// Assemble translates assembly source into an app image, header included.
//
// Each line holds an optional "label:" and one instruction or directive;
// '#' starts a comment. Besides the machine instructions there are two
// pseudo instructions: "li reg, value" loads a 32-bit value or address,
// and "syscall name" loads the syscall number into a2 first. Directives:
// .code, .data, .entry label, .ascii "s", .line "s" (with a newline),
// .byte n..., .word n..., .space n and .bss n. "sizeof(label)" is the size
// of the data a label marks.
func Assemble(r io.Reader) ([]byte, error) {
	a := &assembler{symbols: make(map[string]*symbol)}
	if err := a.parse(r); err != nil {
		return nil, err
	}
	var code, data []byte
	for _, st := range a.stmts {
		b, err := a.encode(st)
		if err != nil {
			return nil, &AsmError{Line: st.line, Msg: err.Error()}
		}
		if st.section == codeSection {
			code = append(code, b...)
		} else {
			data = append(data, b...)
		}
	}

	entry := uint32(mmu.CodeBase)
	if a.entry != "" {
		sym, ok := a.symbols[a.entry]
		if !ok {
			return nil, fmt.Errorf("entry point %q not defined", a.entry)
		}
		entry = sym.addr
	}
	h := loader.Header{
		Magic:    loader.Magic,
		CodeSize: uint32(len(code)),
		DataSize: uint32(len(data)),
		BSSSize:  a.bss,
		Entry:    entry,
	}
	image := append(h.Bytes(), code...)
	image = append(image, data...)
	if err := h.Validate(len(image)); err != nil {
		return nil, err
	}
	return image, nil
}

// AssembleString is Assemble for source held in a string.
func AssembleString(src string) ([]byte, error) {
	return Assemble(strings.NewReader(src))
}

// parse is the first pass: it splits the source into statements and
// assigns every label its address.
func (a *assembler) parse(r io.Reader) error {
	sec := codeSection
	scanner := bufio.NewScanner(r)
	for line := 1; scanner.Scan(); line++ {
		words, err := shlex.Split(scanner.Text())
		if err != nil {
			return &AsmError{Line: line, Msg: err.Error()}
		}
		var label string
		if len(words) > 0 && strings.HasSuffix(words[0], ":") {
			label = strings.TrimSuffix(words[0], ":")
			words = words[1:]
			if _, ok := a.symbols[label]; ok || label == "" {
				return &AsmError{Line: line, Msg: fmt.Sprintf("label %q redefined or empty", label)}
			}
		}
		words = splitCommas(words)
		st := &statement{line: line, section: sec}
		if len(words) > 0 {
			st.op, st.args = strings.ToLower(words[0]), words[1:]
		}
		switch st.op {
		case ".code":
			sec = codeSection
			st.section = sec
		case ".data":
			sec = dataSection
			st.section = sec
		case ".entry":
			if len(st.args) != 1 {
				return &AsmError{Line: line, Msg: ".entry takes a label"}
			}
			a.entry = st.args[0]
		case ".bss":
			n, err := a.count(st.args)
			if err != nil {
				return &AsmError{Line: line, Msg: err.Error()}
			}
			a.bss += n
		default:
			if st.size, err = a.size(st); err != nil {
				return &AsmError{Line: line, Msg: err.Error()}
			}
		}
		st.offset = a.offsets[sec]
		a.offsets[sec] += st.size
		if label != "" {
			base := uint32(mmu.CodeBase)
			if sec == dataSection {
				base = mmu.DataBase
			}
			a.symbols[label] = &symbol{addr: base + st.offset, size: st.size}
		}
		if st.size > 0 {
			a.stmts = append(a.stmts, st)
		}
	}
	return scanner.Err()
}

// splitCommas separates operands written as "a1,a2" or "a1," into words.
func splitCommas(words []string) []string {
	if len(words) > 0 && strings.HasPrefix(words[0], ".") && words[0] != ".byte" && words[0] != ".word" {
		return words
	}
	var out []string
	for _, w := range words {
		for _, part := range strings.Split(w, ",") {
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (a *assembler) count(args []string) (uint32, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected one size")
	}
	n, err := strconv.ParseUint(args[0], 0, 32)
	return uint32(n), err
}

func (a *assembler) size(st *statement) (uint32, error) {
	if st.op == "" {
		return 0, nil
	}
	isData := strings.HasPrefix(st.op, ".")
	if isData != (st.section == dataSection) {
		if isData {
			return 0, fmt.Errorf("%s outside .data", st.op)
		}
		return 0, fmt.Errorf("instruction %s in .data", st.op)
	}
	switch st.op {
	case ".ascii", ".line":
		if len(st.args) != 1 {
			return 0, fmt.Errorf("%s takes one string", st.op)
		}
		n := uint32(len(st.args[0]))
		if st.op == ".line" {
			n++
		}
		return n, nil
	case ".byte":
		return uint32(len(st.args)), nil
	case ".word":
		return 4 * uint32(len(st.args)), nil
	case ".space":
		return a.count(st.args)
	case "li":
		return 4 * InstrSize, nil
	case "syscall":
		if len(st.args) > 0 {
			return 2 * InstrSize, nil
		}
		return InstrSize, nil
	}
	if _, ok := mnemonics[st.op]; ok {
		return InstrSize, nil
	}
	return 0, fmt.Errorf("unknown instruction %q", st.op)
}

var mnemonics = map[string]Op{
	"nop":   OpNop,
	"movi":  OpMovi,
	"shli":  OpShli,
	"addi":  OpAddi,
	"loadb": OpLoadb,
	"bnez":  OpBnez,
	"j":     OpJmp,
	"ret":   OpRet,
}

// encode is the second pass, run once every label is known.
func (a *assembler) encode(st *statement) ([]byte, error) {
	switch st.op {
	case ".ascii":
		return []byte(st.args[0]), nil
	case ".line":
		return []byte(st.args[0] + "\n"), nil
	case ".space":
		return make([]byte, st.size), nil
	case ".byte":
		var b []byte
		for _, arg := range st.args {
			v, err := a.value(arg)
			if err != nil {
				return nil, err
			}
			if v > 0xff {
				return nil, fmt.Errorf("byte %s out of range", arg)
			}
			b = append(b, byte(v))
		}
		return b, nil
	case ".word":
		var b []byte
		for _, arg := range st.args {
			v, err := a.value(arg)
			if err != nil {
				return nil, err
			}
			b = binary.LittleEndian.AppendUint32(b, v)
		}
		return b, nil
	case "li":
		if len(st.args) != 2 {
			return nil, fmt.Errorf("li takes a register and a value")
		}
		reg, err := register(st.args[0])
		if err != nil {
			return nil, err
		}
		v, err := a.value(st.args[1])
		if err != nil {
			return nil, err
		}
		return encode(
			Instr{OpMovi, reg, byte(v >> 24)},
			Instr{OpShli, reg, byte(v >> 16)},
			Instr{OpShli, reg, byte(v >> 8)},
			Instr{OpShli, reg, byte(v)},
		), nil
	case "syscall":
		if len(st.args) == 0 {
			return encode(Instr{Op: OpSyscall}), nil
		}
		num, ok := trap.LookupSyscall(st.args[0])
		if !ok {
			n, err := strconv.ParseUint(st.args[0], 0, 8)
			if err != nil {
				return nil, fmt.Errorf("unknown syscall %q (known: %s)",
					st.args[0], strings.Join(trap.SyscallNames(), ", "))
			}
			num = trap.Syscall(n)
		}
		return encode(Instr{OpMovi, 2, byte(num)}, Instr{Op: OpSyscall}), nil
	}

	op := mnemonics[st.op]
	in := Instr{Op: op}
	var err error
	switch op {
	case OpNop, OpRet:
		err = nargs(st, 0)
	case OpMovi, OpShli:
		if err = nargs(st, 2); err == nil {
			in.Reg, in.Imm, err = a.regImm(st.args, 0, 0xff)
		}
	case OpAddi:
		if err = nargs(st, 2); err == nil {
			in.Reg, in.Imm, err = a.regImm(st.args, -128, 127)
		}
	case OpLoadb:
		if err = nargs(st, 2); err == nil {
			if in.Reg, err = register(st.args[0]); err == nil {
				in.Imm, err = register(st.args[1])
			}
		}
	case OpBnez:
		if err = nargs(st, 2); err == nil {
			if in.Reg, err = register(st.args[0]); err == nil {
				in.Imm, err = a.branch(st, st.args[1])
			}
		}
	case OpJmp:
		if err = nargs(st, 1); err == nil {
			in.Imm, err = a.branch(st, st.args[0])
		}
	}
	if err != nil {
		return nil, err
	}
	return encode(in), nil
}

func encode(instrs ...Instr) []byte {
	var b []byte
	for _, in := range instrs {
		e := in.Encode()
		b = append(b, e[:]...)
	}
	return b
}

func nargs(st *statement, n int) error {
	if len(st.args) != n {
		return fmt.Errorf("%s takes %d operands, got %d", st.op, n, len(st.args))
	}
	return nil
}

func register(s string) (uint8, error) {
	if !strings.HasPrefix(s, "a") {
		return 0, fmt.Errorf("expected a register, got %q", s)
	}
	n, err := strconv.ParseUint(s[1:], 10, 8)
	if err != nil || n >= NumRegs {
		return 0, fmt.Errorf("bad register %q", s)
	}
	return uint8(n), nil
}

func (a *assembler) regImm(args []string, lo, hi int64) (uint8, uint8, error) {
	reg, err := register(args[0])
	if err != nil {
		return 0, 0, err
	}
	v, err := strconv.ParseInt(args[1], 0, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad immediate %q", args[1])
	}
	if v < lo || v > hi {
		return 0, 0, fmt.Errorf("immediate %d out of range [%d, %d]", v, lo, hi)
	}
	return reg, uint8(v), nil
}

// branch returns the offset in instructions from st to a code label.
func (a *assembler) branch(st *statement, label string) (uint8, error) {
	sym, ok := a.symbols[label]
	if !ok || sym.addr < mmu.CodeBase || sym.addr >= mmu.DataBase {
		return 0, fmt.Errorf("unknown code label %q", label)
	}
	delta := (int64(sym.addr) - int64(mmu.CodeBase) - int64(st.offset)) / InstrSize
	if delta < -128 || delta > 127 {
		return 0, fmt.Errorf("branch to %s out of range", label)
	}
	return uint8(int8(delta)), nil
}

// value evaluates a number, a label address or sizeof(label).
func (a *assembler) value(s string) (uint32, error) {
	if name, ok := strings.CutPrefix(s, "sizeof("); ok && strings.HasSuffix(name, ")") {
		sym, ok := a.symbols[strings.TrimSuffix(name, ")")]
		if !ok {
			return 0, fmt.Errorf("unknown label in %q", s)
		}
		return sym.size, nil
	}
	if sym, ok := a.symbols[s]; ok {
		return sym.addr, nil
	}
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil || v < -1<<31 || v > 1<<32-1 {
		return 0, fmt.Errorf("bad value %q", s)
	}
	return uint32(v), nil
}
