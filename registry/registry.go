// Package registry maps RemoteRefs to the live objects a Source has exported.
//
// Every entry carries a reference count: one for each time the ref was handed
// to a Sink (exported, or returned from a call) and not yet released. When the
// count drops to zero the entry is removed and the object is no longer
// reachable from the connection; the Go garbage collector takes it from there.
//
//	Register(obj) ──► ref#1 (count 1)
//	Register(obj) ──► ref#1 (count 2)   same object, same ref
//	DecRef(ref#1) ──► count 1
//	DecRef(ref#1) ──► removed; Resolve(ref#1) fails with UnknownReference
package registry

import (
	"reflect"
	"sync"

	"mini-drb/message"
	"mini-drb/rpcerr"
)

// Entry is a snapshot of one registered object.
type Entry struct {
	Ref    message.RemoteRef
	Object any
	Count  uint64
	Type   reflect.Type // Type descriptor used to build the object's method table
}

type entry struct {
	object any
	count  uint64
	typ    reflect.Type
}

// Registry is the one piece of shared mutable state on the Source side. A
// single mutex makes Register, Resolve, IncRef and DecRef atomic with respect
// to each other.
type Registry struct {
	mu      sync.Mutex
	next    message.RemoteRef            // Last allocated ref; refs are never reused
	entries map[message.RemoteRef]*entry // ref → entry
	byObj   map[any]message.RemoteRef    // comparable object → ref, for identity-preserving Register
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[message.RemoteRef]*entry),
		byObj:   make(map[any]message.RemoteRef),
	}
}

// Register exports obj. The first registration creates an entry with count 1;
// registering the same comparable object again returns the existing ref and
// increments its count. Non-comparable values always get a fresh entry.
func (r *Registry) Register(obj any) message.RemoteRef {
	typ := reflect.TypeOf(obj)
	keyed := isKey(obj)

	r.mu.Lock()
	defer r.mu.Unlock()

	if keyed {
		if ref, ok := r.byObj[obj]; ok {
			r.entries[ref].count++
			return ref
		}
	}

	r.next++
	ref := r.next
	r.entries[ref] = &entry{object: obj, count: 1, typ: typ}
	if keyed {
		r.byObj[obj] = ref
	}
	return ref
}

// Resolve returns the object registered under ref.
func (r *Registry) Resolve(ref message.RemoteRef) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[ref]
	if !ok {
		return nil, rpcerr.New(rpcerr.UnknownReference, "%s is not registered", ref)
	}
	return e.object, nil
}

// IncRef records one more outstanding reference to ref.
func (r *Registry) IncRef(ref message.RemoteRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[ref]
	if !ok {
		return rpcerr.New(rpcerr.UnknownReference, "%s is not registered", ref)
	}
	e.count++
	return nil
}

// DecRef drops one reference to ref.
func (r *Registry) DecRef(ref message.RemoteRef) error {
	return r.DecRefN(ref, 1)
}

// DecRefN drops n references to ref, removing the entry when none remain.
// Releasing more references than are outstanding removes the entry.
func (r *Registry) DecRefN(ref message.RemoteRef, n uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[ref]
	if !ok {
		return rpcerr.New(rpcerr.UnknownReference, "%s is not registered", ref)
	}
	if n >= e.count {
		r.remove(ref, e)
		return nil
	}
	e.count -= n
	return nil
}

// Entry returns a snapshot of the entry for ref.
func (r *Registry) Entry(ref message.RemoteRef) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[ref]
	if !ok {
		return Entry{}, false
	}
	return Entry{Ref: ref, Object: e.object, Count: e.count, Type: e.typ}, true
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ReleaseAll drops every entry regardless of count. Used for explicit bulk
// release once no Sink can send further release notifications.
func (r *Registry) ReleaseAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.entries)
	r.entries = make(map[message.RemoteRef]*entry)
	r.byObj = make(map[any]message.RemoteRef)
	return n
}

// remove must be called with r.mu held.
func (r *Registry) remove(ref message.RemoteRef, e *entry) {
	delete(r.entries, ref)
	if isKey(e.object) {
		if cur, ok := r.byObj[e.object]; ok && cur == ref {
			delete(r.byObj, e.object)
		}
	}
}

// isKey reports whether obj can be used as a map key without panicking.
func isKey(obj any) bool {
	if obj == nil {
		return false
	}
	return reflect.ValueOf(obj).Comparable()
}
