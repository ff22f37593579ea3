package timer

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestValidation(t *testing.T) {
	tm := New[string]()
	if tm.Add("nil", nil, 0, 1, 0) {
		t.Fatal("nil callback accepted")
	}
	if tm.Add("neg-delay", func() {}, -time.Second, 1, 0) {
		t.Fatal("negative delay accepted")
	}
	if tm.Add("zero-times", func() {}, 0, 0, 0) {
		t.Fatal("times=0 accepted")
	}
	if tm.Add("neg-interval", func() {}, 0, 2, -time.Second) {
		t.Fatal("negative interval accepted")
	}
	if !tm.Add("ok", func() {}, 0, 1, 0) {
		t.Fatal("valid task refused")
	}
	if tm.Add("ok", func() {}, 0, 1, 0) {
		t.Fatal("duplicate key accepted")
	}
}

func TestSingleShot(t *testing.T) {
	tm := New[int]()
	var fired atomic.Int32
	tm.Add(1, func() { fired.Add(1) }, 10*time.Millisecond, 1, 0)
	tm.Start()
	defer tm.Stop()

	time.Sleep(150 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired %d times, want 1", got)
	}
	if tm.Len() != 0 {
		t.Fatalf("finished task still heap-resident")
	}
}

func TestRepeatedRuns(t *testing.T) {
	tm := New[int]()
	var fired atomic.Int32
	tm.Add(7, func() { fired.Add(1) }, 5*time.Millisecond, 3, 20*time.Millisecond)
	tm.Start()
	defer tm.Stop()

	time.Sleep(300 * time.Millisecond)
	if got := fired.Load(); got != 3 {
		t.Fatalf("fired %d times, want exactly 3", got)
	}
}

func TestCancelBeforeRun(t *testing.T) {
	tm := New[int]()
	var fired atomic.Int32
	tm.Add(1, func() { fired.Add(1) }, 50*time.Millisecond, 1, 0)
	tm.Start()
	defer tm.Stop()

	if !tm.Cancel(1) {
		t.Fatal("Cancel failed")
	}
	if tm.Cancel(1) {
		t.Fatal("second Cancel succeeded")
	}
	time.Sleep(120 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("cancelled task fired %d times", got)
	}
}

func TestCancelDuringExecution(t *testing.T) {
	tm := New[int]()
	started := make(chan struct{})
	finish := make(chan struct{})
	var fired atomic.Int32
	tm.Add(1, func() {
		fired.Add(1)
		if fired.Load() == 1 {
			close(started)
			<-finish
		}
	}, 5*time.Millisecond, -1, 5*time.Millisecond)
	tm.Start()
	defer tm.Stop()

	<-started
	// The task is mid-callback: it is not heap-resident, so the
	// cancel takes the deferred path.
	if !tm.Cancel(1) {
		t.Fatal("Cancel of an executing task failed")
	}
	close(finish)
	time.Sleep(100 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("task fired %d times after deferred cancel, want 1", got)
	}
}

func TestUpdateDuringExecutionDeferred(t *testing.T) {
	tm := New[int]()
	started := make(chan struct{})
	finish := make(chan struct{})
	var fired atomic.Int32
	tm.Add(1, func() {
		if fired.Add(1) == 1 {
			close(started)
			<-finish
		}
	}, 5*time.Millisecond, -1, 5*time.Millisecond)
	tm.Start()
	defer tm.Stop()

	<-started
	if !tm.Update(1, func(task *Task) { task.Cancel() }) {
		t.Fatal("Update of an executing task failed")
	}
	close(finish)
	time.Sleep(100 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("task fired %d times after deferred cancelling update, want 1", got)
	}
}

func TestSteadyModeCatchesUp(t *testing.T) {
	tm := New[int]()
	tm.SetSteady(true)
	const runs = 3
	const interval = 30 * time.Millisecond
	const work = 60 * time.Millisecond // callback takes longer than the interval

	done := make(chan struct{})
	var fired atomic.Int32
	start := time.Now()
	tm.Add(1, func() {
		time.Sleep(work)
		if fired.Add(1) == runs {
			close(done)
		}
	}, 0, runs, interval)
	tm.Start()
	defer tm.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("steady timer never finished")
	}
	elapsed := time.Since(start)
	// Catching up means back-to-back runs: ~runs*work total, far less
	// than runs*(work+interval).
	if elapsed > runs*work+2*interval {
		t.Fatalf("steady mode did not catch up: %v elapsed", elapsed)
	}
}

func TestAddWhileRunning(t *testing.T) {
	tm := New[int]()
	tm.Start()
	defer tm.Stop()

	var fired atomic.Int32
	tm.Add(1, func() { fired.Add(1) }, 10*time.Millisecond, 1, 0)
	time.Sleep(100 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired %d times, want 1", got)
	}
}

func TestClear(t *testing.T) {
	tm := New[int]()
	var fired atomic.Int32
	for i := 0; i < 5; i++ {
		i := i
		tm.Add(i, func() { fired.Add(1) }, 50*time.Millisecond, 1, 0)
	}
	tm.Start()
	defer tm.Stop()
	tm.Clear()
	time.Sleep(120 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("%d cleared tasks fired", got)
	}
	if tm.Len() != 0 {
		t.Fatalf("Len = %d after Clear", tm.Len())
	}
}

func TestStopPreventsFurtherRuns(t *testing.T) {
	tm := New[int]()
	var fired atomic.Int32
	tm.Add(1, func() { fired.Add(1) }, 10*time.Millisecond, -1, 10*time.Millisecond)
	tm.Start()
	time.Sleep(55 * time.Millisecond)
	tm.Stop()
	snapshot := fired.Load()
	time.Sleep(60 * time.Millisecond)
	if fired.Load() != snapshot {
		t.Fatal("task fired after Stop")
	}
	// Restart keeps going.
	tm.Start()
	time.Sleep(35 * time.Millisecond)
	tm.Stop()
	if fired.Load() == snapshot {
		t.Fatal("task did not resume after restart")
	}
}

func TestPanickingCallbackSwallowed(t *testing.T) {
	tm := New[int]()
	var after atomic.Bool
	tm.Add(1, func() { panic("bad task") }, 5*time.Millisecond, 1, 0)
	tm.Add(2, func() { after.Store(true) }, 20*time.Millisecond, 1, 0)
	tm.Start()
	defer tm.Stop()
	time.Sleep(100 * time.Millisecond)
	if !after.Load() {
		t.Fatal("scheduler died on a panicking callback")
	}
}
