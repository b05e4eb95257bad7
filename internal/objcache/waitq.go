package objcache

// WaitQueue is where an activity parks at one of the cache's suspension points.
// Wakeups are broadcast; a woken activity re-checks whatever it was waiting for.
type WaitQueue struct {
	waiters		[]chan struct{}
}

func (q *WaitQueue) enlist() <-chan struct{} {
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	return ch
}

func (q *WaitQueue) wakeAll() {
	for _, ch := range q.waiters {
		close(ch)
	}
	q.waiters = q.waiters[:0]
}

func (q *WaitQueue) Len() int {
	return len(q.waiters)
}

// Suspends the running activity on q. The cache lock is released while suspended and
// held again on return, so everything read before the call must be re-validated.
func (c *Cache) await(q *WaitQueue) {
	ch := q.enlist()
	c.mu.Unlock()
	<- ch
	c.mu.Lock()
}
