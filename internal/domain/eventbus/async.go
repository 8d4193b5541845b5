package eventbus

import (
	"sync"

	evbus "github.com/asaskevich/EventBus"
)

// Logger is the subset of the platform logger the bus reports through.
type Logger interface {
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// AsyncEventBus dispatches events to subscribers on a fixed worker pool.
// With zero workers every publish runs synchronously on the caller.
type AsyncEventBus struct {
	bus       evbus.Bus
	workerNum int
	workChan  chan asyncEvent
	stopChan  chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
	wg        sync.WaitGroup
	logger    Logger
}

type asyncEvent struct {
	topic string
	args  []any
}

// NewAsyncEventBus creates a bus. queueSize bounds the number of pending
// async events; publishes beyond it are dropped and logged.
func NewAsyncEventBus(workerNum, queueSize int, logger Logger) *AsyncEventBus {
	if workerNum < 0 {
		workerNum = 0
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	return &AsyncEventBus{
		bus:       evbus.New(),
		workerNum: workerNum,
		workChan:  make(chan asyncEvent, queueSize),
		stopChan:  make(chan struct{}),
		logger:    logger,
	}
}

// Start launches the workers.
func (aeb *AsyncEventBus) Start() {
	aeb.startOnce.Do(func() {
		for i := 0; i < aeb.workerNum; i++ {
			aeb.wg.Add(1)
			go aeb.worker()
		}
	})
}

// Stop stops accepting work, drains the queue and waits for the workers.
func (aeb *AsyncEventBus) Stop() {
	aeb.stopOnce.Do(func() { close(aeb.stopChan) })
	aeb.wg.Wait()
}

func (aeb *AsyncEventBus) worker() {
	defer aeb.wg.Done()
	for {
		select {
		case event := <-aeb.workChan:
			aeb.dispatch(event)
		case <-aeb.stopChan:
			for {
				select {
				case event := <-aeb.workChan:
					aeb.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (aeb *AsyncEventBus) dispatch(event asyncEvent) {
	defer func() {
		if r := recover(); r != nil && aeb.logger != nil {
			aeb.logger.Error("event handler for %s panicked: %v", event.topic, r)
		}
	}()
	aeb.bus.Publish(event.topic, event.args...)
}

// Publish delivers the event synchronously.
func (aeb *AsyncEventBus) Publish(topic string, args ...any) {
	aeb.dispatch(asyncEvent{topic: topic, args: args})
}

// PublishAsync queues the event for the workers and reports whether it was
// accepted.
func (aeb *AsyncEventBus) PublishAsync(topic string, args ...any) bool {
	if aeb.workerNum == 0 {
		aeb.Publish(topic, args...)
		return true
	}
	select {
	case <-aeb.stopChan:
		aeb.warn("event bus stopped, dropping %s", topic)
		return false
	default:
	}
	select {
	case aeb.workChan <- asyncEvent{topic: topic, args: args}:
		return true
	default:
		aeb.warn("event queue full, dropping %s", topic)
		return false
	}
}

func (aeb *AsyncEventBus) Subscribe(topic string, fn any) error {
	return aeb.bus.Subscribe(topic, fn)
}

// Unsubscribe removes fn from topic. Events already queued still reach it if
// a worker picks them up first.
func (aeb *AsyncEventBus) Unsubscribe(topic string, fn any) error {
	return aeb.bus.Unsubscribe(topic, fn)
}

// HasCallback reports whether topic has subscribers.
func (aeb *AsyncEventBus) HasCallback(topic string) bool {
	return aeb.bus.HasCallback(topic)
}

// Pending returns the number of queued events.
func (aeb *AsyncEventBus) Pending() int {
	return len(aeb.workChan)
}

func (aeb *AsyncEventBus) warn(format string, args ...any) {
	if aeb.logger != nil {
		aeb.logger.Warn(format, args...)
	}
}
