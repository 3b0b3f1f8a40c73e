package sim

import (
	"fmt"
	"hash/fnv"
	"io"

	"github.com/fogleman/gg"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/stat"

	"github.com/kcore-os/kcore/task"
)

// Slice is a stretch of instructions a core spent running one task.
type Slice struct {
	Core       int
	Task       string
	Start, End uint64
}

func (s Slice) Len() uint64 {
	return s.End - s.Start
}

// Trace records which task each core ran. Every core appends to its own
// list, so recording needs no locking.
type Trace struct {
	cores [][]Slice
	open  []Slice
}

func newTrace(cores int) *Trace {
	return &Trace{
		cores: make([][]Slice, cores),
		open:  make([]Slice, cores),
	}
}

// switchTo notes that core c now runs t, or nothing when t is nil.
func (tr *Trace) switchTo(c *core, t *task.Task) {
	var name string
	if t != nil {
		name = t.String()
	}
	cur := &tr.open[c.id]
	if cur.Task == name {
		return
	}
	tr.close(c)
	*cur = Slice{Core: c.id, Task: name, Start: c.steps}
}

func (tr *Trace) close(c *core) {
	cur := &tr.open[c.id]
	cur.End = c.steps
	if cur.Task != "" && cur.Len() > 0 {
		tr.cores[c.id] = append(tr.cores[c.id], *cur)
	}
	*cur = Slice{}
}

func (tr *Trace) finish(cores []*core) {
	for _, c := range cores {
		tr.close(c)
	}
}

// Slices returns the recorded slices of a core, oldest first.
func (tr *Trace) Slices(core int) []Slice {
	return tr.cores[core]
}

// TaskStats summarises the slices of one task.
type TaskStats struct {
	Task   string
	Slices int
	Total  uint64
	Mean   float64
	StdDev float64
}

// Report computes per task statistics over all cores, sorted by task.
func (tr *Trace) Report() []TaskStats {
	lengths := make(map[string][]float64)
	for _, lane := range tr.cores {
		for _, s := range lane {
			lengths[s.Task] = append(lengths[s.Task], float64(s.Len()))
		}
	}
	names := maps.Keys(lengths)
	slices.Sort(names)

	report := make([]TaskStats, 0, len(names))
	for _, name := range names {
		x := lengths[name]
		st := TaskStats{Task: name, Slices: len(x), Mean: stat.Mean(x, nil)}
		if len(x) > 1 {
			st.StdDev = stat.StdDev(x, nil)
		}
		for _, v := range x {
			st.Total += uint64(v)
		}
		report = append(report, st)
	}
	return report
}

// WriteReport prints Report as a table.
func (tr *Trace) WriteReport(w io.Writer) {
	fmt.Fprintf(w, "%-24s %7s %10s %10s %10s\n", "task", "slices", "instrs", "mean", "stddev")
	for _, st := range tr.Report() {
		fmt.Fprintf(w, "%-24s %7d %10d %10.1f %10.1f\n", st.Task, st.Slices, st.Total, st.Mean, st.StdDev)
	}
}

const (
	timelineWidth = 1024
	laneHeight    = 48
	laneMargin    = 24
)

// Render draws the trace as a timeline with one lane per core.
func (tr *Trace) Render() *gg.Context {
	var end uint64 = 1
	for _, lane := range tr.cores {
		if n := len(lane); n > 0 && lane[n-1].End > end {
			end = lane[n-1].End
		}
	}
	height := laneMargin + len(tr.cores)*(laneHeight+laneMargin)
	dc := gg.NewContext(timelineWidth+2*laneMargin, height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	scale := float64(timelineWidth) / float64(end)
	for id, lane := range tr.cores {
		y := float64(laneMargin + id*(laneHeight+laneMargin))
		dc.SetRGB(0, 0, 0)
		dc.DrawString(fmt.Sprintf("cpu%d", id), laneMargin, y-4)
		for _, s := range lane {
			x := laneMargin + float64(s.Start)*scale
			w := float64(s.Len()) * scale
			r, g, b := taskColor(s.Task)
			dc.SetRGB(r, g, b)
			dc.DrawRectangle(x, y, w, laneHeight)
			dc.Fill()
			if tw, _ := dc.MeasureString(s.Task); tw+4 < w {
				dc.SetRGB(0, 0, 0)
				dc.DrawString(s.Task, x+2, y+laneHeight/2)
			}
		}
	}
	return dc
}

// RenderPNG writes the timeline as a PNG image.
func (tr *Trace) RenderPNG(w io.Writer) error {
	return tr.Render().EncodePNG(w)
}

// taskColor picks a stable pastel colour for a task.
func taskColor(name string) (r, g, b float64) {
	h := fnv.New32a()
	h.Write([]byte(name))
	v := h.Sum32()
	return 0.5 + float64(v&0xff)/512, 0.5 + float64(v>>8&0xff)/512, 0.5 + float64(v>>16&0xff)/512
}
