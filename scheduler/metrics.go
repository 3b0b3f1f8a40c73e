package scheduler

// Description describes a scheduler metric.
type Description struct {
	Name        string
	Description string
	Cumulative  bool
}

var descriptions = []Description{
	{"/sched/switches:events", "Tasks loaded onto a core.", true},
	{"/sched/schedules:events", "Yields and timer preemptions.", true},
	{"/sched/parks:events", "Tasks parked.", true},
	{"/sched/drops:events", "Tasks that exited or were killed.", true},
	{"/sched/idle-waits:events", "Times a core waited for an interrupt with an empty run queue.", true},
	{"/mmu/table-loads:events", "Address spaces loaded into a PID, reprogramming the tables.", true},
	{"/sched/runqueue:tasks", "Tasks on the run queue.", false},
	{"/sched/tasks:tasks", "Live tasks.", false},
}

// All returns the metrics Read understands.
func All() []Description {
	return descriptions
}

// Sample is a metric name and its value, filled in by Read.
type Sample struct {
	Name  string
	Value uint64
}

// Read fills in the samples, summed over all cores. Unknown names are left
// at zero.
func (s *Scheduler) Read(m []Sample) {
	for i := range m {
		m[i].Value = s.value(m[i].Name, -1)
	}
}

// ReadCore fills in the per-core counters of one core.
func (s *Scheduler) ReadCore(core int, m []Sample) {
	for i := range m {
		m[i].Value = s.value(m[i].Name, core)
	}
}

func (s *Scheduler) value(name string, core int) uint64 {
	switch name {
	case "/sched/runqueue:tasks":
		return uint64(s.RunQueueLen())
	case "/sched/tasks:tasks":
		return uint64(s.Tasks.Len())
	}
	var sum uint64
	for _, c := range s.cores {
		if core >= 0 && c.id != core {
			continue
		}
		st := &c.stats
		switch name {
		case "/sched/switches:events":
			sum += st.switches.Load()
		case "/sched/schedules:events":
			sum += st.schedules.Load()
		case "/sched/parks:events":
			sum += st.parks.Load()
		case "/sched/drops:events":
			sum += st.drops.Load()
		case "/sched/idle-waits:events":
			sum += st.idleWaits.Load()
		case "/mmu/table-loads:events":
			sum += st.tableLoads.Load()
		}
	}
	return sum
}
