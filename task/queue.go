package task

// Queue is a FIFO container of tasks, linked through the tasks themselves.
// It is not synchronised: the owner serialises access (the scheduler holds
// its lock around every call).
type Queue struct {
	tasks      *Table
	head, tail Handle
	n          int
}

func NewQueue(tasks *Table) *Queue {
	return &Queue{tasks: tasks}
}

// Push a task onto the queue. A task can be in at most one queue.
func (q *Queue) Push(t *Task) {
	if t.queued || t.next.Valid() {
		runtimePanic("pushing " + t.String() + " which is already queued")
	}
	if q.tail.Valid() {
		q.resolve(q.tail).next = t.handle
	}
	q.tail = t.handle
	t.next = Handle{}
	t.queued = true
	if !q.head.Valid() {
		q.head = t.handle
	}
	q.n++
}

// Pop a task off of the queue, or return nil if it is empty.
func (q *Queue) Pop() *Task {
	if !q.head.Valid() {
		return nil
	}
	t := q.resolve(q.head)
	q.head = t.next
	if q.tail == t.handle {
		q.tail = Handle{}
	}
	t.next = Handle{}
	t.queued = false
	q.n--
	return t
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	return q.n
}

// Empty checks if the queue is empty.
func (q *Queue) Empty() bool {
	return !q.head.Valid()
}

// Each calls fn for every queued task, head first.
func (q *Queue) Each(fn func(t *Task)) {
	for h := q.head; h.Valid(); {
		t := q.resolve(h)
		fn(t)
		h = t.next
	}
}

func (q *Queue) resolve(h Handle) *Task {
	t := q.tasks.Get(h)
	if t == nil {
		runtimePanic("queue links to a released task " + h.String())
	}
	return t
}

// Queued reports whether the task is linked into a queue.
func (t *Task) Queued() bool {
	return t.queued
}
