package tendril

import "weak"

// weakEffectSet holds non-owning references from a signal to its subscriber
// effects, keyed by effect id. A live signal must never keep a dead effect
// alive, so entries are weak pointers and dead ones are pruned whenever the
// set is iterated. Insertion order is preserved because flush ties are broken
// by original enqueue order.
type weakEffectSet struct {
	refs  map[uint64]weak.Pointer[EffectRunner]
	order []uint64
}

func newWeakEffectSet() *weakEffectSet {
	return &weakEffectSet{refs: map[uint64]weak.Pointer[EffectRunner]{}}
}

func (ws *weakEffectSet) add(e *EffectRunner) {
	if _, ok := ws.refs[e.id]; ok {
		return
	}
	ws.refs[e.id] = weak.Make(e)
	ws.order = append(ws.order, e.id)
}

func (ws *weakEffectSet) remove(id uint64) {
	if _, ok := ws.refs[id]; !ok {
		return
	}
	delete(ws.refs, id)
	for i, existing := range ws.order {
		if existing == id {
			ws.order = append(ws.order[:i], ws.order[i+1:]...)
			break
		}
	}
}

// collect dereferences every entry in insertion order, dropping collected
// effects as a side effect. The returned effects are strongly held by the
// caller for the duration of the notification.
func (ws *weakEffectSet) collect() []*EffectRunner {
	if len(ws.order) == 0 {
		return nil
	}
	alive := make([]*EffectRunner, 0, len(ws.order))
	kept := ws.order[:0]
	for _, id := range ws.order {
		ref, ok := ws.refs[id]
		if !ok {
			continue
		}
		e := ref.Value()
		if e == nil {
			delete(ws.refs, id)
			continue
		}
		kept = append(kept, id)
		alive = append(alive, e)
	}
	ws.order = kept
	return alive
}

func (ws *weakEffectSet) empty() bool {
	return len(ws.refs) == 0
}
