package bluetooth

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Loop is the gateway's serial dispatch queue: a single goroutine that
// runs submitted tasks in order. Notification bursts are posted here
// so they run strictly after the GATT read callback that scheduled
// them has returned its metadata — writing notification frames while
// the read response is still in flight would corrupt the attribute
// value the read returns.
type Loop struct {
	tasks chan func()
	done  chan struct{}

	mu      sync.Mutex
	stopped bool
}

// NewLoop starts the dispatch goroutine.
func NewLoop() *Loop {
	l := &Loop{
		tasks: make(chan func(), 64),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for task := range l.tasks {
		task()
	}
}

// Submit queues a task for execution after all previously submitted
// tasks. Tasks submitted after Stop are dropped.
func (l *Loop) Submit(task func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		log.Debug("dispatch loop stopped, dropping task")
		return
	}
	l.tasks <- task
}

// Sync blocks until every task submitted before it has run.
func (l *Loop) Sync() {
	ran := make(chan struct{})
	l.Submit(func() { close(ran) })
	select {
	case <-ran:
	case <-l.done:
	}
}

// Stop drains the queue and stops the goroutine. Idempotent.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	close(l.tasks)
	l.mu.Unlock()
	<-l.done
}
