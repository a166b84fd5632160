package pcoll

import "math/bits"

// HAMT is a persistent hash-array-mapped trie from K to V, grounded on
// original_source/src/pcoll/hamt.h. Each node packs two bitmapped
// sub-arrays — key/value leaves and subtree children — indexed by 5-bit
// fragments of hash(k) at the node's depth. Assoc/Dissoc return a new root
// sharing every untouched node with the old one. Once the depth reaches
// hamtMaxDepth (12; the top 4 hash bits are not used for branching),
// colliding keys degrade to a linear chain, exactly as
// the teacher's collision handling does.
//
// Unlike the C++ original, which specializes on std::hash<K>, Go generics
// have no way to derive a hash function from a type parameter, so HAMT takes
// an explicit hash function at construction time and threads it through
// every recursive call (a node has no way to recompute the hash of a leaf
// it already holds without it).
type HAMT[K comparable, V any] struct {
	hash   func(K) uint64
	root   *hamtNode[K, V]
	length int
}

type hamtLeaf[K comparable, V any] struct {
	key K
	val V
}

const hamtBits = 5
const hamtFanout = 1 << hamtBits // 32
const hamtMask = hamtFanout - 1
const hamtMaxDepth = 64 / hamtBits // hash bits exhausted beyond this depth

type hamtNode[K comparable, V any] struct {
	leafBitmap uint32
	subBitmap  uint32
	leaves     []hamtLeaf[K, V]  // sorted by bit index ascending
	subs       []*hamtNode[K, V] // sorted by bit index ascending

	// collision is non-nil only for a node reached once hash bits are
	// exhausted: a linear chain of colliding keys, decided by equality.
	collision []hamtLeaf[K, V]
}

// NewHAMT returns an empty map keyed by K, hashed with hash.
func NewHAMT[K comparable, V any](hash func(K) uint64) *HAMT[K, V] {
	return &HAMT[K, V]{hash: hash}
}

// Len returns the number of keys in the map.
func (h *HAMT[K, V]) Len() int { return h.length }

func fragment(hash uint64, depth int) uint32 {
	return uint32(hash>>(uint(depth)*hamtBits)) & hamtMask
}

// Get returns the value associated with k, if present.
func (h *HAMT[K, V]) Get(k K) (V, bool) {
	if h.root == nil {
		var zero V
		return zero, false
	}
	return getNode(h.root, k, h.hash(k), 0)
}

func getNode[K comparable, V any](n *hamtNode[K, V], k K, hash uint64, depth int) (V, bool) {
	if n.collision != nil {
		for _, l := range n.collision {
			if l.key == k {
				return l.val, true
			}
		}
		var zero V
		return zero, false
	}
	frag := fragment(hash, depth)
	bit := uint32(1) << frag
	if n.leafBitmap&bit != 0 {
		idx := bits.OnesCount32(n.leafBitmap & (bit - 1))
		l := n.leaves[idx]
		if l.key == k {
			return l.val, true
		}
		var zero V
		return zero, false
	}
	if n.subBitmap&bit != 0 {
		idx := bits.OnesCount32(n.subBitmap & (bit - 1))
		return getNode(n.subs[idx], k, hash, depth+1)
	}
	var zero V
	return zero, false
}

// Assoc returns a new map with k bound to v, sharing structure with h.
func (h *HAMT[K, V]) Assoc(k K, v V) *HAMT[K, V] {
	hash := h.hash(k)
	newRoot, grew := assocNode(h.root, h.hash, k, v, hash, 0)
	length := h.length
	if grew {
		length++
	}
	return &HAMT[K, V]{hash: h.hash, root: newRoot, length: length}
}

func assocNode[K comparable, V any](n *hamtNode[K, V], hashFn func(K) uint64, k K, v V, hash uint64, depth int) (*hamtNode[K, V], bool) {
	if n == nil {
		if depth >= hamtMaxDepth {
			return &hamtNode[K, V]{collision: []hamtLeaf[K, V]{{k, v}}}, true
		}
		return &hamtNode[K, V]{
			leafBitmap: 1 << fragment(hash, depth),
			leaves:     []hamtLeaf[K, V]{{k, v}},
		}, true
	}
	if depth >= hamtMaxDepth || n.collision != nil {
		chain := n.collision
		for i, l := range chain {
			if l.key == k {
				next := append([]hamtLeaf[K, V]{}, chain...)
				next[i] = hamtLeaf[K, V]{k, v}
				return &hamtNode[K, V]{collision: next}, false
			}
		}
		next := append(append([]hamtLeaf[K, V]{}, chain...), hamtLeaf[K, V]{k, v})
		return &hamtNode[K, V]{collision: next}, true
	}

	frag := fragment(hash, depth)
	bit := uint32(1) << frag

	if n.leafBitmap&bit != 0 {
		idx := bits.OnesCount32(n.leafBitmap & (bit - 1))
		existing := n.leaves[idx]
		if existing.key == k {
			leaves := append([]hamtLeaf[K, V]{}, n.leaves...)
			leaves[idx] = hamtLeaf[K, V]{k, v}
			return &hamtNode[K, V]{leafBitmap: n.leafBitmap, leaves: leaves, subBitmap: n.subBitmap, subs: n.subs}, false
		}
		// Two keys now collide at this fragment: push both one level
		// deeper into a freshly created subtree (or a collision chain if
		// hash bits are already exhausted at depth+1).
		existingHash := hashFn(existing.key)
		child, _ := assocNode[K, V](nil, hashFn, existing.key, existing.val, existingHash, depth+1)
		child, _ = assocNode[K, V](child, hashFn, k, v, hash, depth+1)

		leaves := make([]hamtLeaf[K, V], 0, len(n.leaves)-1)
		leaves = append(leaves, n.leaves[:idx]...)
		leaves = append(leaves, n.leaves[idx+1:]...)

		subIdx := bits.OnesCount32(n.subBitmap & (bit - 1))
		subs := make([]*hamtNode[K, V], 0, len(n.subs)+1)
		subs = append(subs, n.subs[:subIdx]...)
		subs = append(subs, child)
		subs = append(subs, n.subs[subIdx:]...)

		return &hamtNode[K, V]{leafBitmap: n.leafBitmap &^ bit, leaves: leaves, subBitmap: n.subBitmap | bit, subs: subs}, true
	}
	if n.subBitmap&bit != 0 {
		idx := bits.OnesCount32(n.subBitmap & (bit - 1))
		child, grew := assocNode(n.subs[idx], hashFn, k, v, hash, depth+1)
		subs := append([]*hamtNode[K, V]{}, n.subs...)
		subs[idx] = child
		return &hamtNode[K, V]{leafBitmap: n.leafBitmap, leaves: n.leaves, subBitmap: n.subBitmap, subs: subs}, grew
	}

	// Fresh slot at this depth: insert as a leaf.
	idx := bits.OnesCount32(n.leafBitmap & (bit - 1))
	leaves := make([]hamtLeaf[K, V], 0, len(n.leaves)+1)
	leaves = append(leaves, n.leaves[:idx]...)
	leaves = append(leaves, hamtLeaf[K, V]{k, v})
	leaves = append(leaves, n.leaves[idx:]...)
	return &hamtNode[K, V]{leafBitmap: n.leafBitmap | bit, leaves: leaves, subBitmap: n.subBitmap, subs: n.subs}, true
}

// Dissoc returns a new map with k removed, if present, sharing structure
// with h. If the removal would leave a subtree with exactly one element, it
// collapses that subtree back to an inline leaf (matching hamt.h's dissoc
// contract).
func (h *HAMT[K, V]) Dissoc(k K) *HAMT[K, V] {
	if h.root == nil {
		return h
	}
	newRoot, removed := dissocNode(h.root, k, h.hash(k), 0)
	if !removed {
		return h
	}
	return &HAMT[K, V]{hash: h.hash, root: newRoot, length: h.length - 1}
}

func dissocNode[K comparable, V any](n *hamtNode[K, V], k K, hash uint64, depth int) (*hamtNode[K, V], bool) {
	if n.collision != nil {
		for i, l := range n.collision {
			if l.key == k {
				next := append(append([]hamtLeaf[K, V]{}, n.collision[:i]...), n.collision[i+1:]...)
				if len(next) == 0 {
					return nil, true
				}
				return &hamtNode[K, V]{collision: next}, true
			}
		}
		return n, false
	}

	frag := fragment(hash, depth)
	bit := uint32(1) << frag

	if n.leafBitmap&bit != 0 {
		idx := bits.OnesCount32(n.leafBitmap & (bit - 1))
		if n.leaves[idx].key != k {
			return n, false
		}
		leaves := append(append([]hamtLeaf[K, V]{}, n.leaves[:idx]...), n.leaves[idx+1:]...)
		newBitmap := n.leafBitmap &^ bit
		if newBitmap == 0 && n.subBitmap == 0 {
			return nil, true
		}
		return &hamtNode[K, V]{leafBitmap: newBitmap, leaves: leaves, subBitmap: n.subBitmap, subs: n.subs}, true
	}
	if n.subBitmap&bit != 0 {
		idx := bits.OnesCount32(n.subBitmap & (bit - 1))
		child, removed := dissocNode(n.subs[idx], k, hash, depth+1)
		if !removed {
			return n, false
		}
		if child == nil {
			subs := append(append([]*hamtNode[K, V]{}, n.subs[:idx]...), n.subs[idx+1:]...)
			newBitmap := n.subBitmap &^ bit
			if newBitmap == 0 && n.leafBitmap == 0 {
				return nil, true
			}
			return &hamtNode[K, V]{leafBitmap: n.leafBitmap, leaves: n.leaves, subBitmap: newBitmap, subs: subs}, true
		}
		// Collapse a singleton leaf-only child back into this level as an
		// inline leaf, as hamt.h does when the subtree would hold exactly
		// one key and hash bits remain ambiguous.
		if len(child.leaves) == 1 && len(child.subs) == 0 && child.collision == nil {
			subs := append(append([]*hamtNode[K, V]{}, n.subs[:idx]...), n.subs[idx+1:]...)
			leafIdx := bits.OnesCount32(n.leafBitmap & (bit - 1))
			leaves := make([]hamtLeaf[K, V], 0, len(n.leaves)+1)
			leaves = append(leaves, n.leaves[:leafIdx]...)
			leaves = append(leaves, child.leaves[0])
			leaves = append(leaves, n.leaves[leafIdx:]...)
			return &hamtNode[K, V]{leafBitmap: n.leafBitmap | bit, leaves: leaves, subBitmap: n.subBitmap &^ bit, subs: subs}, true
		}
		subs := append([]*hamtNode[K, V]{}, n.subs...)
		subs[idx] = child
		return &hamtNode[K, V]{leafBitmap: n.leafBitmap, leaves: n.leaves, subBitmap: n.subBitmap, subs: subs}, true
	}
	return n, false
}

// UpdateInCref performs an atomic read-modify-write against a Cref-held HAMT
// root: f is called with the current value (if any) and its return value is
// installed. f may be called more than once on contention, matching
// hamt.h's update_in.
func UpdateInCref[K comparable, V any](ref *Cref[HAMT[K, V]], k K, f func(old V, ok bool) V) *HAMT[K, V] {
	return ref.Swap(func(cur *HAMT[K, V]) *HAMT[K, V] {
		old, ok := cur.Get(k)
		next := f(old, ok)
		return cur.Assoc(k, next)
	})
}

// Range calls fn for every key/value pair in an unspecified order. Range
// stops early if fn returns false.
func (h *HAMT[K, V]) Range(fn func(K, V) bool) {
	if h.root != nil {
		rangeNode(h.root, fn)
	}
}

func rangeNode[K comparable, V any](n *hamtNode[K, V], fn func(K, V) bool) bool {
	for _, l := range n.collision {
		if !fn(l.key, l.val) {
			return false
		}
	}
	for _, l := range n.leaves {
		if !fn(l.key, l.val) {
			return false
		}
	}
	for _, s := range n.subs {
		if !rangeNode(s, fn) {
			return false
		}
	}
	return true
}
