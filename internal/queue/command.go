package queue

// CommandQueueCapacity bounds the handshake/control backlog.
const CommandQueueCapacity = 5

// CommandQueue is the FIFO of fully formed control frames waiting to be sent
// to the app. It holds at most CommandQueueCapacity frames; on overflow the
// oldest frame is dropped silently. Handshake traffic is short-lived and the
// app restarts the exchange when it misses a frame.
//
// A CommandQueue is owned by a single goroutine.
type CommandQueue struct {
	ring *RingChannel[string]
}

// NewCommandQueue creates an empty command queue.
func NewCommandQueue() *CommandQueue {
	return &CommandQueue{ring: NewRingChannel[string](CommandQueueCapacity)}
}

// Push appends a frame, dropping the oldest one when full.
func (q *CommandQueue) Push(frame string) bool {
	return q.ring.Send(frame)
}

// Pop removes and returns the oldest frame.
func (q *CommandQueue) Pop() (string, bool) {
	return q.ring.TryReceive()
}

// Clear discards every pending frame.
func (q *CommandQueue) Clear() {
	q.ring.Drain()
}

// Len returns the number of pending frames.
func (q *CommandQueue) Len() int {
	return q.ring.Len()
}

// Cap returns the fixed capacity.
func (q *CommandQueue) Cap() int {
	return q.ring.Cap()
}

// Dropped returns how many frames were discarded by overflow.
func (q *CommandQueue) Dropped() int64 {
	return q.ring.GetMetrics().Overwritten
}
