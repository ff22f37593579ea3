// Package pools provides the worker pool that executes per-connection
// read and write tasks.
package pools

import (
	"runtime"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Task is a unit of work.
type Task func()

// WorkerPool runs a fixed number of workers over a single FIFO task
// queue. Dequeueing can be paused and resumed, the worker count can be
// resized without losing queued tasks, and Wait blocks until the pool
// is idle.
//
// Panics escaping a task are trapped at the task boundary so one bad
// handler cannot take a worker down.
type WorkerPool struct {
	mu        sync.Mutex
	taskAvail *sync.Cond
	taskDone  *sync.Cond
	queue     []Task
	total     int // queued + running
	running   bool
	paused    bool
	workers   int
	wg        *sync.WaitGroup

	submitted *xsync.Counter
	completed *xsync.Counter
}

// NewWorkerPool creates a pool with n workers; n <= 0 means one worker
// per CPU, with a floor of one.
func NewWorkerPool(n int) *WorkerPool {
	p := &WorkerPool{
		workers:   determineWorkerCount(n),
		submitted: xsync.NewCounter(),
		completed: xsync.NewCounter(),
	}
	p.taskAvail = sync.NewCond(&p.mu)
	p.taskDone = sync.NewCond(&p.mu)
	p.mu.Lock()
	p.spawn()
	p.mu.Unlock()
	return p
}

func determineWorkerCount(n int) int {
	if n > 0 {
		return n
	}
	if cnt := runtime.NumCPU(); cnt > 0 {
		return cnt
	}
	return 1
}

// spawn starts the worker goroutines. Callers hold p.mu.
func (p *WorkerPool) spawn() {
	p.running = true
	p.wg = &sync.WaitGroup{}
	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.worker(p.wg)
	}
}

func (p *WorkerPool) worker(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		p.mu.Lock()
		for p.running && (p.paused || len(p.queue) == 0) {
			p.taskAvail.Wait()
		}
		if !p.running {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		runTask(task)

		p.mu.Lock()
		p.total--
		p.completed.Inc()
		p.taskDone.Broadcast()
		p.mu.Unlock()
	}
}

func runTask(task Task) {
	defer func() { _ = recover() }()
	task()
}

// Submit enqueues a task and wakes one worker. Returns false once the
// pool has been closed.
func (p *WorkerPool) Submit(task Task) bool {
	if task == nil {
		return false
	}
	p.mu.Lock()
	if !p.running && p.wg == nil {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, task)
	p.total++
	p.mu.Unlock()
	p.submitted.Inc()
	p.taskAvail.Signal()
	return true
}

// Wait blocks until the queue is drained and no task is running. While
// the pool is paused it waits only for the in-flight tasks.
func (p *WorkerPool) Wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		idle := p.total == 0
		if p.paused {
			idle = p.total == len(p.queue)
		}
		if idle {
			return
		}
		p.taskDone.Wait()
	}
}

// Pause stops workers from dequeueing new tasks; running tasks finish.
func (p *WorkerPool) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

// Resume lets workers dequeue again.
func (p *WorkerPool) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	p.taskAvail.Broadcast()
}

// Resize changes the worker count: pause, wait for in-flight tasks,
// join the old workers, then respawn. The previous pause state is
// preserved and queued tasks survive.
func (p *WorkerPool) Resize(n int) {
	p.mu.Lock()
	if p.wg == nil {
		p.mu.Unlock()
		return
	}
	wasPaused := p.paused
	p.paused = true
	for p.total > len(p.queue) {
		p.taskDone.Wait()
	}
	p.running = false
	wg := p.wg
	p.mu.Unlock()

	p.taskAvail.Broadcast()
	wg.Wait()

	p.mu.Lock()
	p.workers = determineWorkerCount(n)
	p.paused = wasPaused
	p.spawn()
	p.mu.Unlock()
	p.taskAvail.Broadcast()
}

// Close shuts the pool down: workers exit after their current task and
// are joined. Queued tasks that never started are dropped.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	wg := p.wg
	p.wg = nil
	p.mu.Unlock()

	p.taskAvail.Broadcast()
	wg.Wait()
}

// Workers reports the configured worker count.
func (p *WorkerPool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Queued reports the number of tasks waiting in the queue.
func (p *WorkerPool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Stats reports pool counters.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Value(),
		Completed: p.completed.Value(),
	}
}

// Stats holds cumulative pool counters.
type Stats struct {
	Submitted int64
	Completed int64
}
