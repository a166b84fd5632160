package pcoll

// Treap is a persistent, priority-balanced binary search tree, grounded on
// original_source/src/pcoll/treap.h. Ordering is supplied by a Less
// comparator rather than an operator<, and balance is supplied by a priority
// computed once per value at insert time (the build cache's work queue and
// the scheduler's timelines use each entry's insertion sequence number as
// its priority, and break equal keys by that same sequence number in their
// less comparator). Every mutating operation returns a new root sharing
// untouched subtrees with the old one.
type Treap[T any] struct {
	less     func(a, b T) bool
	priority func(T) uint64
	root     *treapNode[T]
	length   int
}

type treapNode[T any] struct {
	left, right *treapNode[T]
	value       T
	priority    uint64
}

// NewTreap returns an empty treap ordered by less and balanced by priority.
func NewTreap[T any](less func(a, b T) bool, priority func(T) uint64) *Treap[T] {
	return &Treap[T]{less: less, priority: priority}
}

// Len returns the number of values in the treap.
func (t *Treap[T]) Len() int { return t.length }

func rotateLeft[T any](left, right *treapNode[T], value T, priority uint64) *treapNode[T] {
	return &treapNode[T]{
		left: left.left,
		right: &treapNode[T]{
			left:     left.right,
			right:    right,
			value:    value,
			priority: priority,
		},
		value:    left.value,
		priority: left.priority,
	}
}

func rotateRight[T any](left, right *treapNode[T], value T, priority uint64) *treapNode[T] {
	return &treapNode[T]{
		left: &treapNode[T]{
			left:     left,
			right:    right.left,
			value:    value,
			priority: priority,
		},
		right:    right.right,
		value:    right.value,
		priority: right.priority,
	}
}

func rebalance[T any](left, right *treapNode[T], value T, priority uint64) *treapNode[T] {
	if left != nil && left.priority > priority {
		return rotateLeft(left, right, value, priority)
	}
	if right != nil && right.priority > priority {
		return rotateRight(left, right, value, priority)
	}
	return &treapNode[T]{left: left, right: right, value: value, priority: priority}
}

func treapInsert[T any](n *treapNode[T], less func(a, b T) bool, value T, priority uint64) *treapNode[T] {
	if n == nil {
		return &treapNode[T]{value: value, priority: priority}
	}
	if less(value, n.value) {
		return rebalance(treapInsert(n.left, less, value, priority), n.right, n.value, n.priority)
	}
	if less(n.value, value) {
		return rebalance(n.left, treapInsert(n.right, less, value, priority), n.value, n.priority)
	}
	// equal by less: keep existing structural position, replace the value
	// (priority is recomputed from the new value by the caller).
	return &treapNode[T]{left: n.left, right: n.right, value: value, priority: priority}
}

// Insert returns a new treap with value inserted (or replacing an
// equal-by-Less existing value).
func (t *Treap[T]) Insert(value T) *Treap[T] {
	grew := t.root == nil || !treapContains(t.root, t.less, value)
	newRoot := treapInsert(t.root, t.less, value, t.priority(value))
	length := t.length
	if grew {
		length++
	}
	return &Treap[T]{less: t.less, priority: t.priority, root: newRoot, length: length}
}

func treapContains[T any](n *treapNode[T], less func(a, b T) bool, value T) bool {
	for n != nil {
		if less(value, n.value) {
			n = n.left
		} else if less(n.value, value) {
			n = n.right
		} else {
			return true
		}
	}
	return false
}

func treapRemove[T any](n *treapNode[T], less func(a, b T) bool, value T) *treapNode[T] {
	if n == nil {
		return nil
	}
	if less(value, n.value) {
		return &treapNode[T]{left: treapRemove(n.left, less, value), right: n.right, value: n.value, priority: n.priority}
	}
	if less(n.value, value) {
		return &treapNode[T]{left: n.left, right: treapRemove(n.right, less, value), value: n.value, priority: n.priority}
	}
	if n.left == nil {
		return n.right
	}
	if n.right == nil {
		return n.left
	}
	if n.left.priority > n.right.priority {
		return treapRemove(rotateLeft(n.left, n.right, n.value, n.priority), less, value)
	}
	return treapRemove(rotateRight(n.left, n.right, n.value, n.priority), less, value)
}

// Remove returns a new treap with value removed, if present.
func (t *Treap[T]) Remove(value T) *Treap[T] {
	if t.root == nil || !treapContains(t.root, t.less, value) {
		return t
	}
	return &Treap[T]{less: t.less, priority: t.priority, root: treapRemove(t.root, t.less, value), length: t.length - 1}
}

// Front returns the least value, per Less, and whether the treap is
// non-empty.
func (t *Treap[T]) Front() (T, bool) {
	if t.root == nil {
		var zero T
		return zero, false
	}
	n := t.root
	for n.left != nil {
		n = n.left
	}
	return n.value, true
}

func treapPopFront[T any](n *treapNode[T]) (*treapNode[T], T) {
	if n.left == nil {
		return n.right, n.value
	}
	newLeft, front := treapPopFront(n.left)
	return &treapNode[T]{left: newLeft, right: n.right, value: n.value, priority: n.priority}, front
}

// PopFront returns a new treap with the least value removed, along with that
// value. The second return is false if the treap was empty.
func (t *Treap[T]) PopFront() (*Treap[T], T, bool) {
	if t.root == nil {
		var zero T
		return t, zero, false
	}
	newRoot, front := treapPopFront(t.root)
	return &Treap[T]{less: t.less, priority: t.priority, root: newRoot, length: t.length - 1}, front, true
}

// TryPopFront atomically pops the least value out of a Cref-held treap,
// retrying on contention, matching treap.h's lock-free pop_front usage; the
// build cache's compile work queue dequeues with it (spec.md §4.4).
func TryPopFront[T any](ref *Cref[Treap[T]]) (T, bool) {
	for {
		cur := ref.Snapshot()
		if cur == nil || cur.root == nil {
			var zero T
			return zero, false
		}
		next, front, ok := cur.PopFront()
		if !ok {
			var zero T
			return zero, false
		}
		if ref.CompareAndSwap(cur, next) {
			return front, true
		}
	}
}

// PopUpTo returns a new treap with every value v such that less(v, bound) (or
// !less(bound, v) when inclusive) removed, together with the removed values
// in ascending order. Grounded on treap.h's pop_many_front, used by the
// scheduler to drain all events due at or before a rendered time span.
func (t *Treap[T]) PopUpTo(bound T, inclusive bool) (*Treap[T], []T) {
	if t.root == nil {
		return t, nil
	}
	var popped []T
	newRoot := popUpTo(t.root, t.less, bound, inclusive, &popped)
	return &Treap[T]{less: t.less, priority: t.priority, root: newRoot, length: t.length - len(popped)}, popped
}

func popUpTo[T any](n *treapNode[T], less func(a, b T) bool, bound T, inclusive bool, out *[]T) *treapNode[T] {
	if n == nil {
		return nil
	}
	due := less(n.value, bound) || (inclusive && !less(bound, n.value))
	if due {
		left := popUpTo(n.left, less, bound, inclusive, out)
		*out = append(*out, n.value)
		right := popUpTo(n.right, less, bound, inclusive, out)
		if left == nil {
			return right
		}
		if right == nil {
			return left
		}
		if left.priority > right.priority {
			return rotateLeft(left, right, n.value, n.priority)
		}
		return rotateRight(left, right, n.value, n.priority)
	}
	return &treapNode[T]{left: popUpTo(n.left, less, bound, inclusive, out), right: n.right, value: n.value, priority: n.priority}
}

// ForEach visits every value in ascending order. It stops early if fn
// returns false.
func (t *Treap[T]) ForEach(fn func(T) bool) {
	if t.root != nil {
		forEach(t.root, fn)
	}
}

func forEach[T any](n *treapNode[T], fn func(T) bool) bool {
	if n == nil {
		return true
	}
	return forEach(n.left, fn) && fn(n.value) && forEach(n.right, fn)
}
