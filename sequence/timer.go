package sequence

import "time"

// Timer runs a task on a Runner after a delay.
// All methods must be called from tasks on the timer's runner.
type Timer interface {
	// Start (re)arms the timer with a new delay and task.
	Start(delay time.Duration, task func())
	// Reset re-arms the timer with the delay and task of the last Start.
	Reset()
	// Stop disarms the timer. A fire already on its way is dropped.
	Stop()
	IsRunning() bool
}

type timer struct {
	runner    Runner
	repeating bool

	delay   time.Duration
	task    func()
	t       *time.Timer
	gen     uint64 // bumped on every arm/disarm so stale fires are ignored
	running bool
}

// NewTimer returns a one-shot timer posting to r.
func NewTimer(r Runner) Timer {
	return &timer{runner: r}
}

// NewRepeatingTimer returns a timer that re-arms itself after each fire.
func NewRepeatingTimer(r Runner) Timer {
	return &timer{runner: r, repeating: true}
}

func (t *timer) Start(delay time.Duration, task func()) {
	t.delay = delay
	t.task = task
	t.arm()
}

func (t *timer) Reset() {
	if t.task == nil {
		return
	}
	t.arm()
}

func (t *timer) Stop() {
	t.disarm()
	t.running = false
}

func (t *timer) IsRunning() bool {
	return t.running
}

func (t *timer) arm() {
	t.disarm()
	gen := t.gen
	runner := t.runner
	t.running = true
	t.t = time.AfterFunc(t.delay, func() {
		runner.Post(func() { t.fire(gen) })
	})
}

func (t *timer) disarm() {
	t.gen++
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}

func (t *timer) fire(gen uint64) {
	if gen != t.gen || !t.running {
		return
	}
	if t.repeating {
		t.arm()
	} else {
		t.running = false
		t.t = nil
	}
	t.task()
}

// FakeTimer is a Timer driven by hand from tests.
type FakeTimer struct {
	Repeating bool

	Delay   time.Duration
	Starts  int
	Resets  int
	Stops   int
	task    func()
	running bool
}

func (f *FakeTimer) Start(delay time.Duration, task func()) {
	f.Delay = delay
	f.task = task
	f.running = true
	f.Starts++
}

func (f *FakeTimer) Reset() {
	if f.task == nil {
		return
	}
	f.running = true
	f.Resets++
}

func (f *FakeTimer) Stop() {
	f.running = false
	f.Stops++
}

func (f *FakeTimer) IsRunning() bool {
	return f.running
}

// Fire runs the task as if the delay elapsed. A stopped timer does nothing.
func (f *FakeTimer) Fire() bool {
	if !f.running || f.task == nil {
		return false
	}
	if !f.Repeating {
		f.running = false
	}
	f.task()
	return true
}

// ForceFire runs the task even if the timer was stopped, modelling a fire
// that was already queued when Stop was called.
func (f *FakeTimer) ForceFire() {
	if f.task != nil {
		f.task()
	}
}
