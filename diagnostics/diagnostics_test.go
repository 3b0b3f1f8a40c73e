package diagnostics

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/kcore-os/kcore/cpu"
	"github.com/kcore-os/kcore/klog"
)

func TestFaultMessage(t *testing.T) {
	f := &Fault{Core: 1, Cause: cpu.LoadProhibited, VAddr: 0x40090000, Task: "task 3 (blink)"}
	f.Frame.PC = 0x3ffc0009
	want := "LoadProhibited at pc=0x3ffc0009 vaddr=0x40090000 in task 3 (blink)"
	if f.Error() != want {
		t.Errorf("got %q\nwant %q", f.Error(), want)
	}

	f = &Fault{Cause: cpu.IllegalInstruction}
	if got := f.Error(); strings.Contains(got, "vaddr") || !strings.HasSuffix(got, "in kernel mode") {
		t.Errorf("got %q", got)
	}
}

func TestFaultDump(t *testing.T) {
	f := &Fault{Core: 0, Cause: cpu.Privileged}
	f.Frame.AR[5] = 0xcafe
	f.Frame.PS = cpu.UserPS()
	var buf bytes.Buffer
	f.WriteTo(&buf)
	out := buf.String()
	for _, want := range []string{
		"fatal exception on core 0: Privileged",
		"ar4  00000000 0000cafe 00000000 00000000\n",
		"ar60 ",
		"um=true ring=1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("dump lacks %q:\n%s", want, out)
		}
	}
}

func TestReportOrdersByCore(t *testing.T) {
	report := CreateReport(
		fmt.Errorf("core loop: %w", &Fault{Core: 1, Cause: cpu.StoreProhibited}),
		nil,
		&klog.Halt{Core: 0, Msg: "bad state"},
		errors.New("deadlock"),
	)
	if len(report) != 3 {
		t.Fatalf("report has %d entries", len(report))
	}
	if report[0].Core != klog.NoCore || report[1].Core != 0 || report[2].Core != 1 {
		t.Errorf("order: %+v", report)
	}
	if report[2].Fault == nil {
		t.Errorf("wrapped fault not found")
	}
	var buf bytes.Buffer
	var wt io.WriterTo = report
	n, err := wt.WriteTo(&buf)
	if err != nil || n != int64(buf.Len()) {
		t.Errorf("wrote %d bytes of %d: %v", n, buf.Len(), err)
	}
	if !strings.HasPrefix(buf.String(), "deadlock\ncore 0: bad state\nfatal exception on core 1") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}
