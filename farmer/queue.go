package farmer

import "sync"

// lineQueue is the inbound FIFO shared between the stdout reader and the
// dispatch loop. Push never blocks; ready is signalled (1-slot) on push so a
// sleeping loop can wake early.
type lineQueue struct {
	mu    sync.Mutex
	lines []string
	ready chan struct{}
}

func newLineQueue() *lineQueue {
	return &lineQueue{ready: make(chan struct{}, 1)}
}

func (q *lineQueue) Push(line string) {
	q.mu.Lock()
	q.lines = append(q.lines, line)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *lineQueue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.lines) == 0 {
		return "", false
	}
	line := q.lines[0]
	q.lines[0] = ""
	q.lines = q.lines[1:]
	if len(q.lines) == 0 {
		q.lines = nil
	}
	return line, true
}

func (q *lineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lines)
}

func (q *lineQueue) Ready() <-chan struct{} {
	return q.ready
}
