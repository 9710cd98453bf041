package executor

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chichichkin/K8sLoggingAgent/internal/clock"
)

type Config struct {
	CallbackWorkers int
	QueueSize       int
}

func DefaultConfig() Config {
	return Config{
		CallbackWorkers: 2,
		QueueSize:       64,
	}
}

// Context provides the callback pool used for strategy notifications and
// the scheduled pool used for deferred retries.
type Context struct {
	config Config
	clock  clock.Clock
	tasks  chan func()

	mu        sync.Mutex
	stopped   bool
	scheduled map[*Handle]struct{}

	workersWg sync.WaitGroup
	spawnedWg sync.WaitGroup
}

// Handle cancels a scheduled task.
type Handle struct {
	owner *Context
	timer *clock.Timer
}

func (h *Handle) Cancel() bool {
	if h == nil {
		return false
	}
	h.owner.mu.Lock()
	timer := h.timer
	delete(h.owner.scheduled, h)
	h.owner.mu.Unlock()
	if timer == nil {
		return false
	}
	return timer.Stop()
}

func New(config Config, clk clock.Clock) *Context {
	if config.CallbackWorkers <= 0 {
		config.CallbackWorkers = 1
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Context{
		config:    config,
		clock:     clk,
		tasks:     make(chan func(), config.QueueSize),
		scheduled: make(map[*Handle]struct{}),
	}
}

func (e *Context) Start() {
	log.Debug().
		Int("workers", e.config.CallbackWorkers).
		Int("queue_size", e.config.QueueSize).
		Msg("Starting executor context")

	for i := 0; i < e.config.CallbackWorkers; i++ {
		e.workersWg.Add(1)
		go e.worker(i)
	}
}

func (e *Context) worker(id int) {
	defer e.workersWg.Done()
	for task := range e.tasks {
		e.run(id, task)
	}
}

func (e *Context) run(id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Int("worker", id).Interface("panic", r).Msg("Callback task panicked")
		}
	}()
	task()
}

// Execute runs task on the callback pool. A full queue never drops the
// task: it runs on a dedicated goroutine instead.
func (e *Context) Execute(task func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		log.Warn().Msg("Executor stopped, dropping callback task")
		return
	}

	select {
	case e.tasks <- task:
	default:
		e.spawnedWg.Add(1)
		go func() {
			defer e.spawnedWg.Done()
			e.run(-1, task)
		}()
	}
}

// Schedule runs task after delay on the scheduled pool. The task runs
// through the callback pool so a slow task does not hold the timer.
func (e *Context) Schedule(delay time.Duration, task func()) *Handle {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		log.Warn().Dur("delay", delay).Msg("Executor stopped, dropping scheduled task")
		return nil
	}
	handle := &Handle{owner: e}
	e.scheduled[handle] = struct{}{}
	e.mu.Unlock()

	// the fake clock may run the callback before AfterFunc returns
	timer := e.clock.AfterFunc(delay, func() {
		e.forget(handle)
		e.Execute(task)
	})

	e.mu.Lock()
	handle.timer = timer
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		timer.Stop()
	}
	return handle
}

func (e *Context) forget(h *Handle) {
	e.mu.Lock()
	delete(e.scheduled, h)
	e.mu.Unlock()
}

// PendingScheduled returns the number of scheduled tasks not yet fired.
func (e *Context) PendingScheduled() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.scheduled)
}

func (e *Context) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	for handle := range e.scheduled {
		if handle.timer != nil {
			handle.timer.Stop()
		}
	}
	e.scheduled = make(map[*Handle]struct{})
	close(e.tasks)
	e.mu.Unlock()

	e.workersWg.Wait()
	e.spawnedWg.Wait()
	log.Debug().Msg("Executor context stopped")
}
