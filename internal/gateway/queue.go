package gateway

// waiter is a request parked until the in-flight refresh settles.
type waiter struct {
	done chan error
}

// PendingQueue holds requests waiting on a refresh, in arrival order. It is
// not safe for concurrent use; the Gateway guards it with its own mutex.
type PendingQueue struct {
	waiters []*waiter
}

// Enqueue parks a new waiter and returns the channel its outcome arrives on.
// A nil outcome means the refresh succeeded.
func (q *PendingQueue) Enqueue() <-chan error {
	w := &waiter{done: make(chan error, 1)}
	q.waiters = append(q.waiters, w)
	return w.done
}

// Settle delivers err to every waiter in FIFO order and empties the queue.
// It returns the number of waiters released.
func (q *PendingQueue) Settle(err error) int {
	waiters := q.waiters
	q.waiters = nil
	for _, w := range waiters {
		w.done <- err
	}
	return len(waiters)
}

// Len returns the number of parked waiters.
func (q *PendingQueue) Len() int {
	return len(q.waiters)
}
