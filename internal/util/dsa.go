package util

func mod(a int, b int) int {
	return ((a % b) + b) % b
}

// fixed-size ring-buffer queue
type Queue[T any] struct {
	data	[]T
	head	int // next slot to write to
	cnt 	int
}

func CreateQueue[T any](size int) Queue[T] {
	return Queue[T] {
		head: 	0,
		cnt: 	0,
		data: 	make([]T, size),
	}
}

func (q *Queue[T]) Cnt() int {
	return q.cnt
}

func (q *Queue[T]) Cap() int {
	return len(q.data)
}

// will panic if out of space.
func (q *Queue[T]) Push(val T) {
	if q.cnt == len(q.data) { panic("queue overflow") }
	q.data[q.head] = val
	q.head = mod((q.head + 1), len(q.data))
	q.cnt++
}

func (q *Queue[T]) Pop() T {
	if q.cnt == 0 { panic("queue underflow") }
	i := mod((q.head - q.cnt), len(q.data))
	q.cnt--
	return q.data[i]
}


// TicketQueue combines a fixed contiguous array and a queue of numbered "tickets" which
// correspond to slots in the contiguous array. Slots never move, so a pointer to a slot
// stays valid for as long as its ticket is held.
//
// Not safe for concurrent use, the owner serializes access.
type TicketQueue[T any] struct {
	queue		Queue[int]
	data		[]T
}

func CreateTicketQueue[T any](size int) TicketQueue[T] {
	queue := CreateQueue[int](size)
	for i := range size {
		queue.Push(i)
	}
	data := make([]T, size)

	return TicketQueue[T]{
		queue: queue,
		data: data,
	}
}

// Acquires a ticket, or returns false if every slot is held.
func (tq *TicketQueue[T]) TryAcq() (int, bool) {
	if tq.queue.Cnt() == 0 { return -1, false }
	return tq.queue.Pop(), true
}

// Returns the ticket and zeroes its slot.
func (tq *TicketQueue[T]) Rel(ticket int) {
	var zero T
	tq.data[ticket] = zero
	tq.queue.Push(ticket)
}

func (tq *TicketQueue[T]) Get(ticket int) *T {
	return &tq.data[ticket]
}

func (tq *TicketQueue[T]) Free() int {
	return tq.queue.Cnt()
}

// Tickets currently handed out.
func (tq *TicketQueue[T]) Held() int {
	return tq.queue.Cap() - tq.queue.Cnt()
}

func (tq *TicketQueue[T]) Size() int {
	return len(tq.data)
}
