package memory

import "pledgecache/internal/model"

// prior is the value a key held before a transaction first wrote it.
type prior[V any] struct {
	value V
	ok    bool
}

type undo[K comparable, V any] map[K]prior[V]

// note records the current value of k unless it was recorded already.
// Callers hold db.mu.
func (u undo[K, V]) note(m map[K]V, k K, clone func(V) V) {
	if _, seen := u[k]; seen {
		return
	}
	v, ok := m[k]
	if ok {
		v = clone(v)
	}
	u[k] = prior[V]{value: v, ok: ok}
}

func (u undo[K, V]) apply(m map[K]V) {
	for k, p := range u {
		if p.ok {
			m[k] = p.value
		} else {
			delete(m, k)
		}
	}
}

func same[V any](v V) V { return v }

// journal holds the pre-images of everything a transaction touched. A nil
// journal records nothing.
type journal struct {
	events    undo[string, *model.Event]
	donations undo[string, *model.Donation]
	admins    undo[uint64, model.PledgeAdmin]
	entities  undo[model.EntityRef, model.Entity]
	counters  undo[model.EntityRef, []model.EntityCounter]
	payments  undo[uint64, *model.Payment]
	state     undo[string, uint64]
}

func newJournal() *journal {
	return &journal{
		events:    make(undo[string, *model.Event]),
		donations: make(undo[string, *model.Donation]),
		admins:    make(undo[uint64, model.PledgeAdmin]),
		entities:  make(undo[model.EntityRef, model.Entity]),
		counters:  make(undo[model.EntityRef, []model.EntityCounter]),
		payments:  make(undo[uint64, *model.Payment]),
		state:     make(undo[string, uint64]),
	}
}

func (j *journal) noteEvent(d *db, id string) {
	if j != nil {
		j.events.note(d.events, id, (*model.Event).Clone)
	}
}

func (j *journal) noteDonation(d *db, id string) {
	if j != nil {
		j.donations.note(d.donations, id, (*model.Donation).Clone)
	}
}

func (j *journal) noteAdmin(d *db, id uint64) {
	if j != nil {
		j.admins.note(d.admins, id, same[model.PledgeAdmin])
	}
}

func (j *journal) noteEntity(d *db, ref model.EntityRef) {
	if j != nil {
		j.entities.note(d.entities, ref, model.CloneEntity)
	}
}

func (j *journal) noteCounters(d *db, ref model.EntityRef) {
	if j != nil {
		j.counters.note(d.counters, ref, func(v []model.EntityCounter) []model.EntityCounter {
			return append([]model.EntityCounter(nil), v...)
		})
	}
}

func (j *journal) notePayment(d *db, id uint64) {
	if j != nil {
		j.payments.note(d.payments, id, func(p *model.Payment) *model.Payment {
			out := *p
			return &out
		})
	}
}

func (j *journal) noteState(d *db, name string) {
	if j != nil {
		j.state.note(d.state, name, same[uint64])
	}
}

// rollback restores every journaled key and leaves the rest alone.
func (j *journal) rollback(d *db) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j.events.apply(d.events)
	j.donations.apply(d.donations)
	j.admins.apply(d.admins)
	j.entities.apply(d.entities)
	j.counters.apply(d.counters)
	j.payments.apply(d.payments)
	j.state.apply(d.state)
}
