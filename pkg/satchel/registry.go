// Adapter registries threading host callables through the engine's void*
// user-data slots. A Go pointer cannot be handed to the engine directly, so
// each adapter is keyed by an opaque id; the engine's own destroy callback
// removes the entry exactly once, including when the engine drops a function
// registration on connection close.
package satchel

import "sync"

type adapterTable struct {
	mu  sync.Mutex
	seq uintptr
	m   map[uintptr]any
}

var adapters = &adapterTable{m: make(map[uintptr]any)}

func (t *adapterTable) add(v any) uintptr {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	t.m[t.seq] = v
	return t.seq
}

func (t *adapterTable) get(id uintptr) any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m[id]
}

func (t *adapterTable) remove(id uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, id)
}

// accumSlots holds live aggregate accumulators. The engine-owned aggregate
// context block stores only the slot id; the tagged value lives here so no
// host reference ever dangles inside engine memory. Slots are destroyed
// explicitly by xFinal before the engine reclaims the block.
type accumSlotTable struct {
	mu  sync.Mutex
	seq int64
	m   map[int64]*accumulator
}

var accumSlots = &accumSlotTable{m: make(map[int64]*accumulator)}

func (t *accumSlotTable) create() (int64, *accumulator) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	ac := &accumulator{}
	t.m[t.seq] = ac
	return t.seq, ac
}

func (t *accumSlotTable) get(id int64) *accumulator {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m[id]
}

func (t *accumSlotTable) destroy(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, id)
}
