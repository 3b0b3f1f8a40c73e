// Package diagnostics formats kernel faults and halts and prints them in a
// consistent way.
package diagnostics

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/kcore-os/kcore/cpu"
	"github.com/kcore-os/kcore/klog"
)

// A Fault is a trap the kernel did not know how to handle.
type Fault struct {
	Core  int
	Cause cpu.Cause
	VAddr uint32

	// Task is the task that was running, empty when the fault was taken in
	// kernel mode.
	Task string

	Frame cpu.Frame
}

func (f *Fault) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s at pc=%#08x", f.Cause, f.Frame.PC)
	if f.Cause.HasVirtualAddress() {
		fmt.Fprintf(&b, " vaddr=%#08x", f.VAddr)
	}
	if f.Task != "" {
		fmt.Fprintf(&b, " in %s", f.Task)
	} else {
		b.WriteString(" in kernel mode")
	}
	return b.String()
}

// WriteTo writes the fault followed by a dump of the register frame.
func (f *Fault) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "fatal exception on core %d: %s\n", f.Core, f.Error())
	dumpFrame(&b, &f.Frame)
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// DumpFrame writes every register of the frame.
func DumpFrame(w io.Writer, frame *cpu.Frame) {
	var b strings.Builder
	dumpFrame(&b, frame)
	io.WriteString(w, b.String())
}

func dumpFrame(b *strings.Builder, frame *cpu.Frame) {
	fmt.Fprintf(b, "  pc=%08x ps=%08x sar=%08x\n", frame.PC, frame.PS, frame.SAR)
	fmt.Fprintf(b, "  lbeg=%08x lend=%08x lcount=%08x\n", frame.LBeg, frame.LEnd, frame.LCount)
	fmt.Fprintf(b, "  windowbase=%d windowstart=%04x windowmask=%04x windowsize=%d\n",
		frame.WindowBase, frame.WindowStart, frame.WindowMask, frame.WindowSize)
	fmt.Fprintf(b, "  intlevel=%d excm=%t um=%t ring=%d woe=%t\n",
		frame.IntLevel(), frame.ExceptionMode(), frame.UserMode(), frame.Ring(), frame.WindowOverflowEnabled())
	for i := 0; i < len(frame.AR); i += 4 {
		fmt.Fprintf(b, "  ar%-2d %08x %08x %08x %08x\n",
			i, frame.AR[i], frame.AR[i+1], frame.AR[i+2], frame.AR[i+3])
	}
}

// A single reason a core stopped.
type Diagnostic struct {
	Core  int
	Msg   string
	Fault *Fault
}

// Report collects why the cores of a machine stopped.
type Report []Diagnostic

// CreateReport turns the errors returned by the cores into a report sorted
// by core.
func CreateReport(errs ...error) Report {
	var report Report
	for _, err := range errs {
		if err == nil {
			continue
		}
		report = append(report, createDiagnostic(err))
	}
	sort.SliceStable(report, func(i, j int) bool {
		return report[i].Core < report[j].Core
	})
	return report
}

func createDiagnostic(err error) Diagnostic {
	var fault *Fault
	if errors.As(err, &fault) {
		return Diagnostic{Core: fault.Core, Msg: err.Error(), Fault: fault}
	}
	var halt *klog.Halt
	if errors.As(err, &halt) {
		return Diagnostic{Core: halt.Core, Msg: halt.Msg}
	}
	return Diagnostic{Core: klog.NoCore, Msg: err.Error()}
}

// WriteTo writes every diagnostic, faults with their register dump.
func (r Report) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, diag := range r {
		n, err := diag.WriteTo(w)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (diag Diagnostic) WriteTo(w io.Writer) (int64, error) {
	if diag.Fault != nil {
		return diag.Fault.WriteTo(w)
	}
	var n int
	var err error
	if diag.Core == klog.NoCore {
		n, err = fmt.Fprintln(w, diag.Msg)
	} else {
		n, err = fmt.Fprintf(w, "core %d: %s\n", diag.Core, diag.Msg)
	}
	return int64(n), err
}
