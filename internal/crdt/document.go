// Package crdt is the boundary to the replicated-document engine.
//
// The sync layer only moves opaque update fragments between replicas; the
// engine guarantees convergence whatever the delivery order or duplication.
// FragmentSet is a small grow-only reference engine used by the debug client
// and the tests.
package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrDestroyed = errors.New("document destroyed")

// UpdateFunc observes every change to a document. origin identifies who
// produced it so relays can skip echoing remote updates back.
type UpdateFunc func(update []byte, origin any)

type Document interface {
	ApplyUpdate(update []byte, origin any) error
	EncodeStateAsUpdate() []byte
	OnUpdate(fn UpdateFunc) (cancel func())
	// Transact runs fn as one transaction; peers observe a single update
	// for every local change made inside it.
	Transact(origin any, fn func() error) error
	Destroy()
}

// FragmentSet is a grow-only set of byte fragments. Merging is set union,
// which is commutative, associative and idempotent.
type FragmentSet struct {
	mu        sync.Mutex
	items     map[string]struct{}
	listeners map[int]UpdateFunc
	nextID    int
	inTx      bool
	pending   [][]byte
	destroyed bool
}

func NewFragmentSet() *FragmentSet {
	return &FragmentSet{
		items:     map[string]struct{}{},
		listeners: map[int]UpdateFunc{},
	}
}

// Add inserts a local fragment. Outside a transaction it is emitted alone.
func (d *FragmentSet) Add(fragment []byte) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	key := string(fragment)
	if _, ok := d.items[key]; ok {
		d.mu.Unlock()
		return nil
	}
	d.items[key] = struct{}{}
	if d.inTx {
		d.pending = append(d.pending, []byte(key))
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()
	d.emit(encodeFragments([][]byte{[]byte(key)}), nil)
	return nil
}

func (d *FragmentSet) Transact(origin any, fn func() error) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	if d.inTx {
		// nested transactions join the outer one
		d.mu.Unlock()
		return fn()
	}
	d.inTx = true
	d.mu.Unlock()

	err := fn()

	d.mu.Lock()
	added := d.pending
	d.pending = nil
	d.inTx = false
	d.mu.Unlock()
	if len(added) > 0 {
		d.emit(encodeFragments(added), origin)
	}
	return err
}

// ApplyUpdate merges a remote update and re-emits only the fragments that
// were new to this replica.
func (d *FragmentSet) ApplyUpdate(update []byte, origin any) error {
	fragments, err := decodeFragments(update)
	if err != nil {
		return err
	}
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	var added [][]byte
	for _, f := range fragments {
		key := string(f)
		if _, ok := d.items[key]; ok {
			continue
		}
		d.items[key] = struct{}{}
		added = append(added, f)
	}
	d.mu.Unlock()
	if len(added) > 0 {
		d.emit(encodeFragments(added), origin)
	}
	return nil
}

func (d *FragmentSet) EncodeStateAsUpdate() []byte {
	return encodeFragments(d.Fragments())
}

// Fragments returns the current contents in byte order.
func (d *FragmentSet) Fragments() [][]byte {
	d.mu.Lock()
	out := make([][]byte, 0, len(d.items))
	for k := range d.items {
		out = append(out, []byte(k))
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return string(out[i]) < string(out[j]) })
	return out
}

func (d *FragmentSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

func (d *FragmentSet) OnUpdate(fn UpdateFunc) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.listeners, id)
	}
}

func (d *FragmentSet) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = true
	d.listeners = map[int]UpdateFunc{}
	d.items = map[string]struct{}{}
}

func (d *FragmentSet) emit(update []byte, origin any) {
	d.mu.Lock()
	fns := make([]UpdateFunc, 0, len(d.listeners))
	ids := make([]int, 0, len(d.listeners))
	for id := range d.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, d.listeners[id])
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn(update, origin)
	}
}

func encodeFragments(fragments [][]byte) []byte {
	var out []byte
	for _, f := range fragments {
		out = binary.AppendUvarint(out, uint64(len(f)))
		out = append(out, f...)
	}
	return out
}

func decodeFragments(update []byte) ([][]byte, error) {
	var out [][]byte
	for len(update) > 0 {
		n, w := binary.Uvarint(update)
		if w <= 0 || uint64(len(update)-w) < n {
			return nil, fmt.Errorf("decode update: truncated fragment")
		}
		update = update[w:]
		out = append(out, update[:n:n])
		update = update[n:]
	}
	return out, nil
}
