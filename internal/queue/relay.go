package queue

// DefaultRelayCapacity is the relay depth used on every telemetry path.
const DefaultRelayCapacity = 1

// RelayQueue hands values from one producer goroutine to consumers with
// at-most-latest delivery: when full, a new value overwrites the oldest
// pending one. With capacity 1 a consumer only ever sees the most recent
// value; intermediate values from a fast producer are lost by design of the
// protocol, not by accident.
type RelayQueue[T any] struct {
	name string
	ring *RingChannel[T]
}

// NewRelayQueue creates a latest-value-wins queue of capacity DefaultRelayCapacity.
func NewRelayQueue[T any](name string) *RelayQueue[T] {
	return NewRelayQueueWithCapacity[T](name, DefaultRelayCapacity)
}

// NewRelayQueueWithCapacity creates a relay queue that keeps the newest capacity values.
func NewRelayQueueWithCapacity[T any](name string, capacity int) *RelayQueue[T] {
	return &RelayQueue[T]{name: name, ring: NewRingChannel[T](capacity)}
}

// Name identifies the queue in logs.
func (q *RelayQueue[T]) Name() string {
	return q.name
}

// Push stores v, overwriting the oldest pending value if the queue is full.
// It reports whether a pending value was overwritten.
func (q *RelayQueue[T]) Push(v T) bool {
	return q.ring.Send(v)
}

// Pop returns the next pending value without blocking.
func (q *RelayQueue[T]) Pop() (T, bool) {
	return q.ring.TryReceive()
}

// C exposes the queue for select loops.
func (q *RelayQueue[T]) C() <-chan T {
	return q.ring.C()
}

// Len returns the number of pending values.
func (q *RelayQueue[T]) Len() int {
	return q.ring.Len()
}

// Metrics returns the underlying ring counters.
func (q *RelayQueue[T]) Metrics() Metrics {
	return q.ring.GetMetrics()
}

// Fanout pushes every value to all of its queues. It is how a single source
// feeds several sinks without any of them blocking the others.
type Fanout[T any] []*RelayQueue[T]

// Push delivers v to every queue.
func (f Fanout[T]) Push(v T) {
	for _, q := range f {
		if q != nil {
			q.Push(v)
		}
	}
}
