package dispatch

import "sync"

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event kinds published for each task.
const (
	EventStarted   = "started"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

// Event is one lifecycle notification for a task.
type Event struct {
	TaskID uint32 `json:"task_id"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// Broker fans task lifecycle events out to subscribers, per task id.
// It is safe for concurrent use.
//
// A topic exists only until its task is closed. Whether a task without a
// topic has already finished is answered by the finished func, so a late
// subscriber gets a closed channel instead of blocking forever.
type Broker struct {
	mu       sync.Mutex
	topics   map[uint32]*topic
	finished func(taskID uint32) bool
}

type topic struct {
	subs   map[int]chan Event
	nextID int
}

// NewBroker creates an empty broker. finished reports whether a task has
// ended; it must turn true before Close is called for the task. A nil
// finished treats every task without a topic as not yet started.
func NewBroker(finished func(taskID uint32) bool) *Broker {
	return &Broker{
		topics:   make(map[uint32]*topic),
		finished: finished,
	}
}

// Subscribe returns a channel receiving events for the task and an
// unsubscribe function. If the task has already finished, the returned
// channel is closed.
func (b *Broker) Subscribe(taskID uint32) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBufferSize)
	t, ok := b.topics[taskID]
	if !ok {
		if b.finished != nil && b.finished(taskID) {
			close(ch)
			return ch, func() {}
		}
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[taskID] = t
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; !ok {
			return
		}
		delete(t.subs, id)
		if len(t.subs) == 0 && b.topics[taskID] == t {
			delete(b.topics, taskID)
		}
	}
}

// Publish sends ev to every subscriber of its task. Subscribers whose buffers
// are full miss the event.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.TaskID]
	if !ok {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends the task's topic and closes its subscriber channels. Nothing is
// retained for the task afterwards.
func (b *Broker) Close(taskID uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		return
	}
	delete(b.topics, taskID)
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Len returns the number of open topics.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
