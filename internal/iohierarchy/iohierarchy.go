// Package iohierarchy implements the fan-out tree that connects compiled
// instances to their I/O collaborators (audio devices, control surfaces,
// scripted dispatch), grounded on original_source/src/runtime/inout.h
// (IHierarchy, Subject, Broadcaster, Aggregator, IConfiguringHierarchy).
// A Subject holds the current bound value for one method key and fans it
// out to every subscribed instance; a Broadcaster owns a flat symbol table
// of Subjects addressed by index (the ABI's dispatch/bind operations use the
// index, not the key, once resolved); an Aggregator groups several Subjects
// under one key, useful for e.g. a multichannel output bus; a
// HierarchyBroadcaster composes a Broadcaster with an optional parent,
// forwarding subscriptions it doesn't recognize and fanning configuration
// changes to registered delegates.
package iohierarchy

import "sync"

// MethodKey identifies a published method by symbol name and call
// signature, matching Runtime::MethodKey.
type MethodKey struct {
	Symbol    string
	Signature string
}

// Callback is the process call a subscriber registers to receive data,
// matching krt_process_call.
type Callback func(data []byte)

type subscription struct {
	callback Callback
	slot     *[]byte
	handle   interface{} // retained so the subscriber's owner isn't collected early
	garbage  bool        // tombstoned by Unsubscribe; reclaimed by Sweep
}

// Hierarchy is the common subscription surface of Subject, Aggregator, and
// Broadcaster, matching IHierarchy.
type Hierarchy interface {
	Subscribe(key MethodKey, handle interface{}, instance uintptr, cb Callback, slot *[]byte)
	Unsubscribe(key MethodKey, instance uintptr)
	HasActiveSubjects() bool
}

// Subject is a single fan-out point: one bound value, any number of
// subscribed instances. Unsubscribe tombstones rather than deletes, so that
// a concurrent Fire mid-iteration never observes a half-removed map; Sweep
// reclaims tombstones when called (no background goroutine in this module
// or in internal/scheduler calls it).
type Subject struct {
	id MethodKey

	mu          sync.Mutex
	subscribers map[uintptr]*subscription
	data        []byte
}

// NewSubject returns an empty Subject identified by id.
func NewSubject(id MethodKey) *Subject {
	return &Subject{id: id, subscribers: make(map[uintptr]*subscription)}
}

func (s *Subject) Id() MethodKey { return s.id }

func (s *Subject) Subscribe(key MethodKey, handle interface{}, instance uintptr, cb Callback, slot *[]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[instance] = &subscription{callback: cb, slot: slot, handle: handle}
	if slot != nil {
		*slot = s.data
	}
}

func (s *Subject) Unsubscribe(key MethodKey, instance uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subscribers[instance]; ok {
		sub.garbage = true
	}
}

// Sweep removes every tombstoned subscription and returns how many were
// reclaimed.
func (s *Subject) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for instance, sub := range s.subscribers {
		if sub.garbage {
			delete(s.subscribers, instance)
			removed++
		}
	}
	return removed
}

func (s *Subject) HasActiveSubjects() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscribers {
		if !sub.garbage {
			return true
		}
	}
	return false
}

// Bind installs newValue as the subject's current data, copied into the
// slot of every later Subscribe; it does not touch existing subscribers'
// slots or call their callbacks.
func (s *Subject) Bind(newValue []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = newValue
}

// Slot returns the address of the subject's bound data, matching
// Subject::Slot()'s void const**; the ABI's load/store ops dereference this
// directly rather than going through Bind.
func (s *Subject) Slot() *[]byte { return &s.data }

func (s *Subject) live() []*subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := make([]*subscription, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		if !sub.garbage {
			live = append(live, sub)
		}
	}
	return live
}

// Fire delivers output to every live subscriber, updating each one's slot to
// the current data pointer before invoking its callback, matching spec.md
// §3's "on fire(output, n) it updates every live subscriber's slot to its
// current data pointer then calls their process callback". numFrames is
// informational for subscribers that need it (the callback receives the raw
// buffer).
func (s *Subject) Fire(output []byte, numFrames int) {
	for _, sub := range s.live() {
		if sub.slot != nil {
			*sub.slot = output
		}
		sub.callback(output)
	}
}

// Dispatch delivers an out-of-band (non-audio-rate) value, used by scripted
// or immediate invocations rather than the stream render loop. It keeps each
// live subscriber's slot current before invoking its callback, the same as
// Fire.
func (s *Subject) Dispatch(data []byte) {
	for _, sub := range s.live() {
		if sub.slot != nil {
			*sub.slot = data
		}
		sub.callback(data)
	}
}

// Aggregator groups several child Subjects under one identity: subscribing
// to the aggregator subscribes to every child, matching inout.h's
// Aggregator (e.g. a multichannel bus presented as one subject).
type Aggregator struct {
	id MethodKey

	mu       sync.Mutex
	children []*Subject
}

// NewAggregator returns an empty Aggregator identified by id.
func NewAggregator(id MethodKey) *Aggregator {
	return &Aggregator{id: id}
}

// Include adds a child Subject to the aggregate.
func (a *Aggregator) Include(s *Subject) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.children = append(a.children, s)
}

func (a *Aggregator) Id() MethodKey { return a.id }

func (a *Aggregator) snapshot() []*Subject {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Subject{}, a.children...)
}

func (a *Aggregator) Subscribe(key MethodKey, handle interface{}, instance uintptr, cb Callback, slot *[]byte) {
	for _, c := range a.snapshot() {
		c.Subscribe(key, handle, instance, cb, slot)
	}
}

func (a *Aggregator) Unsubscribe(key MethodKey, instance uintptr) {
	for _, c := range a.snapshot() {
		c.Unsubscribe(key, instance)
	}
}

func (a *Aggregator) HasActiveSubjects() bool {
	for _, c := range a.snapshot() {
		if c.HasActiveSubjects() {
			return true
		}
	}
	return false
}

// Broadcaster owns a flat table of Subjects addressed both by MethodKey and
// by a dense integer index assigned on first use, matching inout.h's
// Broadcaster (symbolTable + subjects).
type Broadcaster struct {
	mu          sync.Mutex
	symbolTable map[MethodKey]int
	subjects    map[int]*Subject
	next        int

	// UnknownSubject is an optional hook that no Broadcaster method calls:
	// Subscribe creates a subject on demand for an unknown key, and
	// Unsubscribe of an unknown key does nothing.
	UnknownSubject func(key MethodKey, handle interface{}, instance uintptr, cb Callback, slot *[]byte)
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{symbolTable: make(map[MethodKey]int), subjects: make(map[int]*Subject)}
}

// GetSymbolIndex returns the dense index assigned to key, if any subject has
// been created for it yet.
func (b *Broadcaster) GetSymbolIndex(key MethodKey) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.symbolTable[key]
	return idx, ok
}

// subjectFor returns the Subject for key, creating one (and assigning it
// the next dense index) on first use.
func (b *Broadcaster) subjectFor(key MethodKey) *Subject {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.symbolTable[key]
	if !ok {
		idx = b.next
		b.next++
		b.symbolTable[key] = idx
		b.subjects[idx] = NewSubject(key)
	}
	return b.subjects[idx]
}

func (b *Broadcaster) Subscribe(key MethodKey, handle interface{}, instance uintptr, cb Callback, slot *[]byte) {
	b.subjectFor(key).Subscribe(key, handle, instance, cb, slot)
}

func (b *Broadcaster) Unsubscribe(key MethodKey, instance uintptr) {
	b.mu.Lock()
	idx, ok := b.symbolTable[key]
	subj := b.subjects[idx]
	b.mu.Unlock()
	if ok {
		subj.Unsubscribe(key, instance)
	}
}

func (b *Broadcaster) HasActiveSubjects() bool {
	b.mu.Lock()
	subjects := make([]*Subject, 0, len(b.subjects))
	for _, s := range b.subjects {
		subjects = append(subjects, s)
	}
	b.mu.Unlock()
	for _, s := range subjects {
		if s.HasActiveSubjects() {
			return true
		}
	}
	return false
}

// Dispatch delivers data to the subject at symIndex, if one has been
// registered, matching Broadcaster::Dispatch.
func (b *Broadcaster) Dispatch(symIndex int, data []byte) {
	b.mu.Lock()
	subj, ok := b.subjects[symIndex]
	b.mu.Unlock()
	if ok {
		subj.Dispatch(data)
	}
}

// Bind installs data as the current value of the subject at symIndex, if
// one exists, matching Broadcaster::Bind.
func (b *Broadcaster) Bind(symIndex int, data []byte) {
	b.mu.Lock()
	subj, ok := b.subjects[symIndex]
	b.mu.Unlock()
	if ok {
		subj.Bind(data)
	}
}

// Sweep reclaims tombstoned subscriptions across every subject.
func (b *Broadcaster) Sweep() int {
	b.mu.Lock()
	subjects := make([]*Subject, 0, len(b.subjects))
	for _, s := range b.subjects {
		subjects = append(subjects, s)
	}
	b.mu.Unlock()
	removed := 0
	for _, s := range subjects {
		removed += s.Sweep()
	}
	return removed
}

// ConfigDelegate is notified when a HierarchyBroadcaster's configuration
// changes, matching IConfigurationDelegate (dropped by the distillation,
// restored here from inout.h). Delegates are notified only through
// HierarchyBroadcaster.Configure.
type ConfigDelegate interface {
	Set(key, value string)
}

// HierarchyBroadcaster composes a Broadcaster with an optional parent,
// matching IConfiguringHierarchy. A subscription for a key this level has
// never seen is forwarded to the parent rather than silently creating a new
// subject, so that nested scopes share one subject per key; only the
// outermost level (no parent) creates subjects on demand.
type HierarchyBroadcaster struct {
	*Broadcaster
	parent *HierarchyBroadcaster

	delegateMu sync.Mutex
	delegates  []ConfigDelegate
}

// NewHierarchyBroadcaster returns a HierarchyBroadcaster nested under
// parent, or a root one if parent is nil.
func NewHierarchyBroadcaster(parent *HierarchyBroadcaster) *HierarchyBroadcaster {
	return &HierarchyBroadcaster{Broadcaster: NewBroadcaster(), parent: parent}
}

// AddDelegate registers d to receive future Configure calls at this level
// and below (delegates do not automatically receive ancestor configuration;
// Configure explicitly walks up to the root).
func (h *HierarchyBroadcaster) AddDelegate(d ConfigDelegate) {
	h.delegateMu.Lock()
	defer h.delegateMu.Unlock()
	h.delegates = append(h.delegates, d)
}

// RemoveDelegate unregisters d.
func (h *HierarchyBroadcaster) RemoveDelegate(d ConfigDelegate) {
	h.delegateMu.Lock()
	defer h.delegateMu.Unlock()
	for i, existing := range h.delegates {
		if existing == d {
			h.delegates = append(h.delegates[:i], h.delegates[i+1:]...)
			return
		}
	}
}

// Configure notifies this level's delegates of a key/value change, then
// propagates to the parent, walking from this level up to the root.
func (h *HierarchyBroadcaster) Configure(key, value string) {
	h.delegateMu.Lock()
	delegates := append([]ConfigDelegate{}, h.delegates...)
	h.delegateMu.Unlock()
	for _, d := range delegates {
		d.Set(key, value)
	}
	if h.parent != nil {
		h.parent.Configure(key, value)
	}
}

// Subscribe creates the subject at this level only if it is already known
// here or there is no parent to defer to; otherwise it forwards to the
// parent, implementing the "subject on demand" resolution order.
func (h *HierarchyBroadcaster) Subscribe(key MethodKey, handle interface{}, instance uintptr, cb Callback, slot *[]byte) {
	if _, known := h.Broadcaster.GetSymbolIndex(key); known || h.parent == nil {
		h.Broadcaster.Subscribe(key, handle, instance, cb, slot)
		return
	}
	h.parent.Subscribe(key, handle, instance, cb, slot)
}

// Unsubscribe mirrors Subscribe's resolution order.
func (h *HierarchyBroadcaster) Unsubscribe(key MethodKey, instance uintptr) {
	if _, known := h.Broadcaster.GetSymbolIndex(key); known || h.parent == nil {
		h.Broadcaster.Unsubscribe(key, instance)
		return
	}
	h.parent.Unsubscribe(key, instance)
}
