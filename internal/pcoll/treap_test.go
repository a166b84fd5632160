package pcoll

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func intLess(a, b int) bool { return a < b }

func checkTreapInvariants(t *testing.T, n *treapNode[int]) {
	t.Helper()
	var walk func(n *treapNode[int])
	walk = func(n *treapNode[int]) {
		if n == nil {
			return
		}
		if n.left != nil {
			if n.left.priority > n.priority {
				t.Fatalf("heap property violated: left priority %d > parent %d", n.left.priority, n.priority)
			}
			if !intLess(n.left.value, n.value) {
				t.Fatalf("BST property violated: left value %d not < parent %d", n.left.value, n.value)
			}
		}
		if n.right != nil {
			if n.right.priority > n.priority {
				t.Fatalf("heap property violated: right priority %d > parent %d", n.right.priority, n.priority)
			}
			if !intLess(n.value, n.right.value) {
				t.Fatalf("BST property violated: right value %d not > parent %d", n.right.value, n.value)
			}
		}
		walk(n.left)
		walk(n.right)
	}
	walk(n)
}

func identityPriority(v int) uint64 { return strHash(string(rune('a' + v%26))) ^ uint64(v) }

func TestTreapInsertInvariantsAndOrder(t *testing.T) {
	tr := NewTreap[int](intLess, identityPriority)
	values := []int{40, 2, 77, 5, 19, 3, 88, 1, 56, 21, 9, 100, 0, -5}
	for _, v := range values {
		tr = tr.Insert(v)
	}
	checkTreapInvariants(t, tr.root)

	var got []int
	tr.ForEach(func(v int) bool { got = append(got, v); return true })

	want := append([]int{}, values...)
	sort.Ints(want)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("in-order traversal mismatch (-want +got):\n%s", diff)
	}
	if tr.Len() != len(values) {
		t.Fatalf("Len() = %d, want %d", tr.Len(), len(values))
	}
}

func TestTreapInsertDuplicateReplaces(t *testing.T) {
	tr := NewTreap[int](intLess, identityPriority)
	tr = tr.Insert(5).Insert(5).Insert(5)
	if tr.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tr.Len())
	}
}

func TestTreapRemove(t *testing.T) {
	tr := NewTreap[int](intLess, identityPriority)
	for i := 0; i < 50; i++ {
		tr = tr.Insert(i)
	}
	for i := 0; i < 50; i += 2 {
		tr = tr.Remove(i)
	}
	checkTreapInvariants(t, tr.root)
	if tr.Len() != 25 {
		t.Fatalf("Len() = %d, want 25", tr.Len())
	}
	var got []int
	tr.ForEach(func(v int) bool { got = append(got, v); return true })
	for _, v := range got {
		if v%2 == 0 {
			t.Fatalf("found removed even value %d", v)
		}
	}
}

func TestTreapFrontAndPopFront(t *testing.T) {
	tr := NewTreap[int](intLess, identityPriority)
	values := []int{9, 3, 7, 1, 5}
	for _, v := range values {
		tr = tr.Insert(v)
	}
	front, ok := tr.Front()
	if !ok || front != 1 {
		t.Fatalf("Front() = %d, %v, want 1, true", front, ok)
	}

	var popped []int
	for {
		next, v, ok := tr.PopFront()
		if !ok {
			break
		}
		popped = append(popped, v)
		tr = next
		checkTreapInvariants(t, tr.root)
	}
	want := append([]int{}, values...)
	sort.Ints(want)
	if diff := cmp.Diff(want, popped); diff != "" {
		t.Fatalf("PopFront order mismatch (-want +got):\n%s", diff)
	}
}

func TestTreapPopUpTo(t *testing.T) {
	tr := NewTreap[int](intLess, identityPriority)
	for i := 0; i < 20; i++ {
		tr = tr.Insert(i)
	}
	remaining, due := tr.PopUpTo(10, true)
	checkTreapInvariants(t, remaining.root)

	want := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if diff := cmp.Diff(want, due); diff != "" {
		t.Fatalf("PopUpTo due mismatch (-want +got):\n%s", diff)
	}
	if remaining.Len() != 9 {
		t.Fatalf("remaining.Len() = %d, want 9", remaining.Len())
	}
}

func TestTreapIsPersistent(t *testing.T) {
	tr := NewTreap[int](intLess, identityPriority)
	tr = tr.Insert(1).Insert(2).Insert(3)
	tr2 := tr.Insert(4)
	if tr.Len() != 3 {
		t.Fatalf("original treap mutated: Len() = %d, want 3", tr.Len())
	}
	if tr2.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", tr2.Len())
	}
}

func TestTryPopFront(t *testing.T) {
	tr := NewTreap[int](intLess, identityPriority)
	for i := 0; i < 10; i++ {
		tr = tr.Insert(i)
	}
	ref := NewCref(tr)

	var popped []int
	for {
		v, ok := TryPopFront(ref)
		if !ok {
			break
		}
		popped = append(popped, v)
	}
	want := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	if diff := cmp.Diff(want, popped); diff != "" {
		t.Fatalf("TryPopFront order mismatch (-want +got):\n%s", diff)
	}
	if _, ok := TryPopFront(ref); ok {
		t.Fatalf("TryPopFront on empty treap returned ok=true")
	}
}
