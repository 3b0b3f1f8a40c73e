package sim

// watchdog is the timer group watchdog of a simulated core, counting
// executed instructions instead of APB clock cycles. It is only touched by
// its own core.
type watchdog struct {
	timeslice int
	enabled   bool
	count     int
	pending   bool
}

func (w *watchdog) Feed() {
	w.count = 0
}

func (w *watchdog) Enable() {
	w.enabled = true
}

func (w *watchdog) Disable() {
	w.enabled = false
	w.count = 0
}

// Handle acknowledges the watchdog interrupt, if it is the one pending.
func (w *watchdog) Handle() bool {
	p := w.pending
	w.pending = false
	if p {
		w.count = 0
	}
	return p
}

// tick counts one executed instruction and reports whether the interrupt
// is now pending.
func (w *watchdog) tick() bool {
	if w.enabled && !w.pending {
		w.count++
		if w.count >= w.timeslice {
			w.pending = true
		}
	}
	return w.pending
}
