package pcoll

// List is a persistent singly-linked list, grounded on
// original_source/src/pcoll/llist.h. Cons is O(1) and shares its tail with
// every list it was built from; two lists are identical (by pointer) iff
// they share the same cons cell, which Same checks in O(1).
type List[T any] struct {
	node *listNode[T]
}

type listNode[T any] struct {
	value T
	next  *listNode[T]
}

// Nil is the empty list.
func Nil[T any]() List[T] { return List[T]{} }

// Cons returns a new list with value pushed onto the front, sharing l's
// underlying nodes.
func Cons[T any](value T, l List[T]) List[T] {
	return List[T]{node: &listNode[T]{value: value, next: l.node}}
}

// Empty reports whether the list has no elements.
func (l List[T]) Empty() bool { return l.node == nil }

// Head returns the first element and true, or the zero value and false if
// the list is empty.
func (l List[T]) Head() (T, bool) {
	if l.node == nil {
		var zero T
		return zero, false
	}
	return l.node.value, true
}

// Tail returns the list with the first element removed. Tail of the empty
// list is the empty list.
func (l List[T]) Tail() List[T] {
	if l.node == nil {
		return l
	}
	return List[T]{node: l.node.next}
}

// Same reports whether l and other share the same underlying cons cell
// (pointer identity, not deep equality).
func (l List[T]) Same(other List[T]) bool {
	return l.node == other.node
}

// ForEach visits every element from front to back. It stops early if fn
// returns false.
func (l List[T]) ForEach(fn func(T) bool) {
	for n := l.node; n != nil; n = n.next {
		if !fn(n.value) {
			return
		}
	}
}

// Len walks the list and counts its elements. O(n); llist.h offers no O(1)
// length either, since cons cells don't carry one.
func (l List[T]) Len() int {
	n := 0
	l.ForEach(func(T) bool { n++; return true })
	return n
}

// ToSlice materializes the list into a new slice, front to back.
func (l List[T]) ToSlice() []T {
	out := make([]T, 0, l.Len())
	l.ForEach(func(v T) bool { out = append(out, v); return true })
	return out
}
