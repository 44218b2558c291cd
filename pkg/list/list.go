package list

// List is an intrusive doubly linked list. Unlike container/list it
// lets the caller own and reuse Elem values, which the LRU relies on
// to recycle the oldest element on eviction.
type List[V any] struct {
	front, back *Elem[V]
	length      int
}

type Elem[V any] struct {
	prev, next *Elem[V]
	list       *List[V]

	Value V
}

func NewElem[V any](v V) *Elem[V] {
	return &Elem[V]{Value: v}
}

func (e *Elem[V]) Next() *Elem[V] {
	return e.next
}

func (e *Elem[V]) Prev() *Elem[V] {
	return e.prev
}

func New[V any]() *List[V] {
	return &List[V]{}
}

func (l *List[V]) Front() *Elem[V] {
	return l.front
}

func (l *List[V]) Back() *Elem[V] {
	return l.back
}

func (l *List[V]) Len() int {
	return l.length
}

func (l *List[V]) PushBack(e *Elem[V]) *Elem[V] {
	if e.list != nil {
		panic("elem already belongs to a list")
	}
	l.length++
	e.list = l

	if l.back == nil {
		l.front = e
		l.back = e
		return e
	}

	e.prev = l.back
	l.back.next = e
	l.back = e
	return e
}

// MoveToBack moves an existing element to the back in O(1).
// Does not change length.
func (l *List[V]) MoveToBack(e *Elem[V]) {
	if e.list != l {
		panic("elem does not belong to this list")
	}

	if l.back == e {
		return
	}

	p, n := e.prev, e.next

	// detach
	if p != nil {
		p.next = n
	} else {
		l.front = n
	}
	n.prev = p // e is not the back, so n != nil

	// attach at back
	e.prev = l.back
	e.next = nil

	l.back.next = e
	l.back = e
}

func (l *List[V]) PopElem(e *Elem[V]) *Elem[V] {
	if e.list != l {
		panic("elem does not belong to this list")
	}

	l.length--

	p, n := e.prev, e.next

	if p != nil {
		p.next = n
	} else {
		l.front = n
	}

	if n != nil {
		n.prev = p
	} else {
		l.back = p
	}

	e.prev = nil
	e.next = nil
	e.list = nil

	return e
}

// Reset drops all elements.
func (l *List[V]) Reset() {
	for e := l.front; e != nil; {
		next := e.next
		e.prev, e.next, e.list = nil, nil, nil
		e = next
	}
	l.front, l.back, l.length = nil, nil, 0
}
