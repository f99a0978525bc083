package collab

import (
	"sync"
	"time"
)

type CancelFunc = func()

// Clock abstracts timer arming so that tests can drive virtual time
// instead of waiting on the wall clock.
type Clock interface {
	Now() time.Time
	AfterFunc(timeout time.Duration, callback func()) CancelFunc
}

type systemClock struct{}

func SystemClock() Clock {
	return &systemClock{}
}

func (self *systemClock) Now() time.Time {
	return time.Now()
}

func (self *systemClock) AfterFunc(timeout time.Duration, callback func()) CancelFunc {
	timer := time.AfterFunc(timeout, callback)
	return func() {
		timer.Stop()
	}
}

type scheduledTask struct {
	cancel CancelFunc
}

// at most one pending task per key. scheduling a key again replaces the
// previous pending task. closed schedulers arm no new timers.
type TaskScheduler struct {
	clock Clock

	stateLock sync.Mutex
	tasks     map[string]*scheduledTask
	closed    bool
}

func NewTaskScheduler(clock Clock) *TaskScheduler {
	return &TaskScheduler{
		clock: clock,
		tasks: map[string]*scheduledTask{},
	}
}

func (self *TaskScheduler) ScheduleAfter(key string, timeout time.Duration, callback func()) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return false
	}
	if task, ok := self.tasks[key]; ok {
		task.cancel()
	}
	task := &scheduledTask{}
	self.tasks[key] = task
	task.cancel = self.clock.AfterFunc(timeout, func() {
		self.stateLock.Lock()
		if self.closed || self.tasks[key] != task {
			// replaced or torn down after the timer fired
			self.stateLock.Unlock()
			return
		}
		delete(self.tasks, key)
		self.stateLock.Unlock()

		callback()
	})
	return true
}

func (self *TaskScheduler) Cancel(key string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if task, ok := self.tasks[key]; ok {
		task.cancel()
		delete(self.tasks, key)
	}
}

func (self *TaskScheduler) Pending(key string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.tasks[key]
	return ok
}

func (self *TaskScheduler) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}
	self.closed = true
	for key, task := range self.tasks {
		task.cancel()
		delete(self.tasks, key)
	}
}
