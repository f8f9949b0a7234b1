// Package sequence provides the single I/O sequence every channel runs on.
//
// Transport, socket and keep-alive state is only ever touched from tasks
// posted to one Runner. Blocking work (dialing, TLS, socket reads and
// writes) happens in goroutines that post their completion back as a
// task, so the state machines themselves never need a lock.
package sequence

import "sync"

// Runner executes posted tasks one at a time, in posting order.
type Runner interface {
	// Post queues task. It returns false if the runner has stopped and
	// the task will never run.
	Post(task func()) bool
}

// Loop is a Runner backed by one goroutine.
type Loop struct {
	mu       sync.Mutex
	queue    []func()
	stopped  bool
	wake     chan struct{} // buffered(1), nudges the goroutine after Post
	done     chan struct{} // closed when the goroutine exits
	stopOnce sync.Once
}

// NewLoop starts a loop goroutine. Call Stop to release it.
func NewLoop() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Post queues a task. The queue is unbounded so a task may post further
// tasks without ever blocking the loop on itself.
func (l *Loop) Post(task func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do posts f and waits for it to run. It must not be called from a task
// running on the same loop, since that would wait on itself forever.
func (l *Loop) Do(f func()) bool {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		f()
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.done:
		return false
	}
}

// Stop drops queued tasks, waits for the running one to finish and exits
// the goroutine. Safe to call multiple times.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()

		select {
		case l.wake <- struct{}{}:
		default:
		}
	})
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for range l.wake {
		for {
			l.mu.Lock()
			if l.stopped {
				l.mu.Unlock()
				return
			}
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			task := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			task()
		}
	}
}

// ManualRunner queues tasks until the test drains them with RunUntilIdle.
// It makes posted callbacks observable step by step.
type ManualRunner struct {
	mu    sync.Mutex
	queue []func()
}

// Post queues task; it always succeeds.
func (m *ManualRunner) Post(task func()) bool {
	m.mu.Lock()
	m.queue = append(m.queue, task)
	m.mu.Unlock()
	return true
}

// Pending is the number of queued tasks.
func (m *ManualRunner) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// RunUntilIdle runs tasks, including ones posted while draining, until the
// queue is empty. Returns how many ran.
func (m *ManualRunner) RunUntilIdle() int {
	ran := 0
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return ran
		}
		task := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		task()
		ran++
	}
}
