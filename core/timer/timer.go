// Package timer provides a key-addressable scheduled-task timer: a
// binary min-heap ordered by next-run time plus a key index maintained
// across every heap move, so cancel and update by key stay O(log n).
package timer

import (
	"container/heap"
	"sync"
	"time"
)

// Task is one scheduled task. Times counts the remaining runs; a
// negative value means run forever and zero marks the task cancelled.
type Task struct {
	Callback   func()
	StartDelay time.Duration
	Times      int
	Interval   time.Duration
	NextRun    time.Time

	index int // position in the heap, maintained by taskHeap
}

// needSchedule reports whether the task should stay scheduled.
func (t *Task) needSchedule() bool { return t.Times != 0 && t.Callback != nil }

// Cancel marks the task cancelled; it is collected lazily.
func (t *Task) Cancel() {
	t.Times = 0
	t.Callback = nil
}

func (t *Task) reduceTimes() {
	if t.Times > 0 {
		t.Times--
	}
}

func validTask(callback func(), startDelay time.Duration, times int, interval time.Duration) bool {
	return callback != nil && startDelay >= 0 && times != 0 && interval >= 0
}

// entry ties a task to its key inside the heap.
type entry[K comparable] struct {
	key  K
	task *Task
}

// taskHeap is a min-heap on NextRun with a key→index map updated on
// every swap.
type taskHeap[K comparable] struct {
	items []entry[K]
	index map[K]int
}

func (h *taskHeap[K]) Len() int { return len(h.items) }

func (h *taskHeap[K]) Less(i, j int) bool {
	return h.items[i].task.NextRun.Before(h.items[j].task.NextRun)
}

func (h *taskHeap[K]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].task.index = i
	h.items[j].task.index = j
	h.index[h.items[i].key] = i
	h.index[h.items[j].key] = j
}

func (h *taskHeap[K]) Push(x any) {
	e := x.(entry[K])
	e.task.index = len(h.items)
	h.index[e.key] = len(h.items)
	h.items = append(h.items, e)
}

func (h *taskHeap[K]) Pop() any {
	e := h.items[len(h.items)-1]
	h.items = h.items[:len(h.items)-1]
	delete(h.index, e.key)
	return e
}

// Timer schedules keyed tasks on one dedicated goroutine. The task
// being executed is popped off the heap for the duration of its run,
// so a concurrent Cancel or Update addressing it is routed through the
// deferred path and applied after the callback returns.
type Timer[K comparable] struct {
	mu      sync.Mutex
	tasks   taskHeap[K]
	running bool
	steady  bool

	curKey    K
	cur       *Task
	removeCur bool
	updateCur func(*Task)

	wake  chan struct{}
	stopc chan struct{}
	donec chan struct{}
}

// New returns a stopped timer.
func New[K comparable]() *Timer[K] {
	return &Timer[K]{
		tasks: taskHeap[K]{index: make(map[K]int)},
		wake:  make(chan struct{}, 1),
	}
}

// SetSteady selects the rescheduling mode. In steady mode the next run
// is the previous scheduled time plus the interval, so a slow callback
// is caught up on; otherwise the next run drifts from the time the
// current run started.
func (t *Timer[K]) SetSteady(steady bool) {
	t.mu.Lock()
	t.steady = steady
	t.mu.Unlock()
}

// Add schedules a task under key. It rejects a nil callback, negative
// delay or interval, times of zero, and a key that is still live.
// Tasks added while the timer runs fire startDelay from now.
func (t *Timer[K]) Add(key K, callback func(), startDelay time.Duration, times int, interval time.Duration) bool {
	if !validTask(callback, startDelay, times, interval) {
		return false
	}
	t.mu.Lock()
	if _, ok := t.tasks.index[key]; ok || (t.cur != nil && t.curKey == key) {
		t.mu.Unlock()
		return false
	}
	task := &Task{
		Callback:   callback,
		StartDelay: startDelay,
		Times:      times,
		Interval:   interval,
	}
	if t.running {
		task.NextRun = time.Now().Add(startDelay)
	}
	heap.Push(&t.tasks, entry[K]{key: key, task: task})
	running := t.running
	t.mu.Unlock()
	if running {
		t.signal()
	}
	return true
}

// Update applies mutate to the task under key and re-sifts it. If that
// task is currently executing, the mutation is deferred until the
// callback returns.
func (t *Timer[K]) Update(key K, mutate func(*Task)) bool {
	if mutate == nil {
		return false
	}
	t.mu.Lock()
	ok := false
	if i, found := t.tasks.index[key]; found {
		mutate(t.tasks.items[i].task)
		heap.Fix(&t.tasks, t.tasks.items[i].task.index)
		ok = true
	} else if t.cur != nil && t.curKey == key {
		t.updateCur = mutate
		ok = true
	}
	running := t.running
	t.mu.Unlock()
	if ok && running {
		t.signal()
	}
	return ok
}

// Cancel removes the task under key. A task in mid-execution finishes
// its current run and is then dropped.
func (t *Timer[K]) Cancel(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i, ok := t.tasks.index[key]; ok {
		heap.Remove(&t.tasks, i)
		return true
	}
	if t.cur != nil && t.curKey == key {
		t.removeCur = true
		return true
	}
	return false
}

// Clear drops every task; one in mid-execution is dropped when it
// returns.
func (t *Timer[K]) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks.items = t.tasks.items[:0]
	for k := range t.tasks.index {
		delete(t.tasks.index, k)
	}
	if t.cur != nil {
		t.removeCur = true
	}
}

// Len reports the number of heap-resident tasks.
func (t *Timer[K]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tasks.Len()
}

// Start spawns the scheduler. Every task's next run is recomputed as
// now plus its start delay.
func (t *Timer[K]) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return false
	}
	now := time.Now()
	for _, e := range t.tasks.items {
		e.task.NextRun = now.Add(e.task.StartDelay)
	}
	heap.Init(&t.tasks)
	t.running = true
	t.stopc = make(chan struct{})
	t.donec = make(chan struct{})
	go t.schedule(t.stopc, t.donec)
	return true
}

// Stop joins the scheduler. The timer may be started again later.
func (t *Timer[K]) Stop() bool {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return false
	}
	t.running = false
	stopc, donec := t.stopc, t.donec
	t.mu.Unlock()

	close(stopc)
	<-donec

	t.mu.Lock()
	t.cur = nil
	t.removeCur = false
	t.updateCur = nil
	t.mu.Unlock()
	return true
}

func (t *Timer[K]) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Timer[K]) schedule(stopc, donec chan struct{}) {
	defer close(donec)
	for {
		select {
		case <-stopc:
			return
		default:
		}
		t.mu.Lock()
		if t.tasks.Len() == 0 {
			t.mu.Unlock()
			select {
			case <-t.wake:
				continue
			case <-stopc:
				return
			}
		}
		top := t.tasks.items[0]
		if !top.task.needSchedule() {
			// Lazily collect a task cancelled in place.
			heap.Pop(&t.tasks)
			t.mu.Unlock()
			continue
		}
		now := time.Now()
		sleep := top.task.NextRun.Sub(now)
		if sleep <= 0 {
			t.runOne(now)
			continue
		}
		t.mu.Unlock()

		tm := time.NewTimer(sleep)
		select {
		case <-t.wake:
			tm.Stop()
		case <-tm.C:
		case <-stopc:
			tm.Stop()
			return
		}
	}
}

// runOne pops the top task, runs it unlocked, and reschedules it.
// Callers hold t.mu; it is released on return.
func (t *Timer[K]) runOne(now time.Time) {
	e := heap.Pop(&t.tasks).(entry[K])
	t.curKey, t.cur = e.key, e.task

	t.mu.Unlock()
	invoke(e.task.Callback)
	t.mu.Lock()

	e.task.reduceTimes()
	if t.steady {
		e.task.NextRun = e.task.NextRun.Add(e.task.Interval)
	} else {
		e.task.NextRun = now.Add(e.task.Interval)
	}

	if !t.removeCur {
		if t.updateCur != nil {
			t.updateCur(e.task)
		}
		if e.task.needSchedule() {
			heap.Push(&t.tasks, e)
		}
	}
	t.cur = nil
	t.removeCur = false
	t.updateCur = nil
	t.mu.Unlock()
}

// invoke runs a callback, swallowing panics: a faulty task must not
// take the scheduler down.
func invoke(callback func()) {
	defer func() { _ = recover() }()
	if callback != nil {
		callback()
	}
}
