package runner

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fastfstests/fastfstests/model"
)

// EventType identifies a progress or terminal event.
type EventType int

const (
	EventSupervisorUp EventType = iota
	EventSupervisorDown
	EventSupervisorRestarted
	EventTestStarted
	EventTestFinished
	EventTestRetried
	EventTestCancelled
	EventRunComplete
)

func (t EventType) String() string {
	switch t {
	case EventSupervisorUp:
		return "supervisor_up"
	case EventSupervisorDown:
		return "supervisor_down"
	case EventSupervisorRestarted:
		return "supervisor_restarted"
	case EventTestStarted:
		return "test_started"
	case EventTestFinished:
		return "test_finished"
	case EventTestRetried:
		return "test_retried"
	case EventTestCancelled:
		return "test_cancelled"
	case EventRunComplete:
		return "run_complete"
	}
	return "unknown"
}

// terminal events are never dropped on overflow.
func (t EventType) terminal() bool {
	switch t {
	case EventTestFinished, EventTestCancelled, EventRunComplete:
		return true
	}
	return false
}

// Event is one structured progress record emitted by the dispatcher.
type Event struct {
	Type         EventType
	Time         time.Time
	SupervisorID string
	TestID       model.TestID
	Iteration    int
	Attempt      int
	// Result is set on EventTestFinished.
	Result *model.TestResult
	// Results is set on EventRunComplete, in completion order.
	Results []model.TestResult
}

// Sink is a bounded event stream with a single consumer. Progress
// events are dropped on overflow; terminal events always get through.
type Sink struct {
	ch        chan Event
	dropped   atomic.Uint64
	closeOnce sync.Once
}

// DefaultSinkCapacity bounds the event channel when the consumer lags.
const DefaultSinkCapacity = 256

func NewSink(capacity int) *Sink {
	if capacity <= 0 {
		capacity = DefaultSinkCapacity
	}
	return &Sink{ch: make(chan Event, capacity)}
}

// Events is the consumer side of the sink. The channel is closed when
// the dispatcher finishes.
func (s *Sink) Events() <-chan Event { return s.ch }

// Dropped reports how many progress events were discarded on overflow.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

func (s *Sink) Post(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Type.terminal() {
		s.ch <- ev
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

func (s *Sink) Close() {
	s.closeOnce.Do(func() { close(s.ch) })
}
