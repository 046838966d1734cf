package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pledgecache/internal/model"
	"pledgecache/internal/storage"
)

// Store is an in-process implementation of storage.Store. The Store handed
// to an InTx callback shares the data but journals what it overwrites.
type Store struct {
	db *db
	j  *journal
}

type db struct {
	txMu sync.Mutex

	mu        sync.RWMutex
	events    map[string]*model.Event
	donations map[string]*model.Donation
	admins    map[uint64]model.PledgeAdmin
	entities  map[model.EntityRef]model.Entity
	counters  map[model.EntityRef][]model.EntityCounter
	payments  map[uint64]*model.Payment
	state     map[string]uint64
	now       func() time.Time
}

var _ storage.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{db: &db{
		events:    make(map[string]*model.Event),
		donations: make(map[string]*model.Donation),
		admins:    make(map[uint64]model.PledgeAdmin),
		entities:  make(map[model.EntityRef]model.Entity),
		counters:  make(map[model.EntityRef][]model.EntityCounter),
		payments:  make(map[uint64]*model.Payment),
		state:     make(map[string]uint64),
		now:       time.Now,
	}}
}

func (s *Store) Close() {}

// InTx runs fn against a journaling view of the store. If fn fails, only the
// records fn wrote are put back; writes made meanwhile through the store
// itself are kept. Transactions are serialized, and a nested InTx joins the
// one already open.
func (s *Store) InTx(ctx context.Context, fn func(tx storage.Store) error) error {
	if s.j != nil {
		return fn(s)
	}
	s.db.txMu.Lock()
	defer s.db.txMu.Unlock()

	tx := &Store{db: s.db, j: newJournal()}
	if err := fn(tx); err != nil {
		tx.j.rollback(s.db)
		return err
	}
	return nil
}

func (s *Store) UpsertEvent(ctx context.Context, e *model.Event) (bool, error) {
	if e == nil || e.ID == "" {
		return false, fmt.Errorf("event id required")
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	existing, ok := s.db.events[e.ID]
	if ok {
		if !existing.Status.Terminal() && e.Confirmations > existing.Confirmations {
			s.j.noteEvent(s.db, e.ID)
			existing.Confirmations = e.Confirmations
			existing.UpdatedAt = s.db.now()
		}
		return false, nil
	}
	stored := e.Clone()
	now := s.db.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.j.noteEvent(s.db, e.ID)
	s.db.events[e.ID] = stored
	return true, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	e, ok := s.db.events[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e.Clone(), nil
}

func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.j.noteEvent(s.db, id)
	delete(s.db.events, id)
	return nil
}

func (s *Store) ListEventsByStatus(ctx context.Context, statuses ...model.EventStatus) ([]*model.Event, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	out := make([]*model.Event, 0)
	for _, e := range s.db.events {
		if containsStatus(statuses, e.Status) {
			out = append(out, e.Clone())
		}
	}
	sortEvents(out)
	return out, nil
}

func (s *Store) ListEventsByTx(ctx context.Context, txHash string) ([]*model.Event, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	out := make([]*model.Event, 0)
	for _, e := range s.db.events {
		if strings.EqualFold(e.TxHash, txHash) {
			out = append(out, e.Clone())
		}
	}
	sortEvents(out)
	return out, nil
}

func (s *Store) TransitionEvent(ctx context.Context, id string, from []model.EventStatus, to model.EventStatus, errText string) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	e, ok := s.db.events[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	if !containsStatus(from, e.Status) {
		return false, nil
	}
	s.j.noteEvent(s.db, id)
	e.Status = to
	e.Error = errText
	e.UpdatedAt = s.db.now()
	return true, nil
}

func (s *Store) SetConfirmations(ctx context.Context, id string, confirmations uint64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	e, ok := s.db.events[id]
	if !ok {
		return storage.ErrNotFound
	}
	s.j.noteEvent(s.db, id)
	e.Confirmations = confirmations
	e.UpdatedAt = s.db.now()
	return nil
}

func (s *Store) CreateDonation(ctx context.Context, d *model.Donation) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("donation id required")
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.donations[d.ID]; ok {
		return fmt.Errorf("donation %s already exists", d.ID)
	}
	s.j.noteDonation(s.db, d.ID)
	stored := d.Clone()
	now := s.db.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.db.donations[d.ID] = stored
	return nil
}

func (s *Store) UpdateDonation(ctx context.Context, d *model.Donation) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	existing, ok := s.db.donations[d.ID]
	if !ok {
		return storage.ErrNotFound
	}
	s.j.noteDonation(s.db, d.ID)
	stored := d.Clone()
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = s.db.now()
	s.db.donations[d.ID] = stored
	return nil
}

func (s *Store) GetDonation(ctx context.Context, id string) (*model.Donation, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	d, ok := s.db.donations[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return d.Clone(), nil
}

func (s *Store) FindDonations(ctx context.Context, filter storage.DonationFilter) ([]*model.Donation, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	out := make([]*model.Donation, 0)
	for _, d := range s.db.donations {
		if matchDonation(filter, d) {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) UpsertAdmin(ctx context.Context, admin model.PledgeAdmin) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.j.noteAdmin(s.db, admin.ID)
	admin.UpdatedAt = s.db.now()
	s.db.admins[admin.ID] = admin
	return nil
}

func (s *Store) GetAdmin(ctx context.Context, id uint64) (model.PledgeAdmin, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	admin, ok := s.db.admins[id]
	if !ok {
		return model.PledgeAdmin{}, storage.ErrNotFound
	}
	return admin, nil
}

func (s *Store) SaveEntity(ctx context.Context, e model.Entity) error {
	if e == nil || e.Base().ID == "" {
		return fmt.Errorf("entity id required")
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.j.noteEntity(s.db, e.Ref())
	stored := model.CloneEntity(e)
	now := s.db.now()
	if existing, ok := s.db.entities[e.Ref()]; ok {
		stored.Base().CreatedAt = existing.Base().CreatedAt
	} else if stored.Base().CreatedAt.IsZero() {
		stored.Base().CreatedAt = now
	}
	stored.Base().UpdatedAt = now
	s.db.entities[e.Ref()] = stored
	return nil
}

func (s *Store) GetEntity(ctx context.Context, ref model.EntityRef) (model.Entity, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	e, ok := s.db.entities[ref]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return model.CloneEntity(e), nil
}

func (s *Store) FindEntities(ctx context.Context, filter storage.EntityFilter) ([]model.Entity, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	out := make([]model.Entity, 0)
	for _, e := range s.db.entities {
		if matchEntity(filter, e) {
			out = append(out, model.CloneEntity(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		bi, bj := out[i].Base(), out[j].Base()
		if !bi.CreatedAt.Equal(bj.CreatedAt) {
			return bi.CreatedAt.Before(bj.CreatedAt)
		}
		return bi.ID < bj.ID
	})
	return out, nil
}

func (s *Store) SaveCounters(ctx context.Context, entity model.EntityRef, counters []model.EntityCounter) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.j.noteCounters(s.db, entity)
	s.db.counters[entity] = append([]model.EntityCounter(nil), counters...)
	return nil
}

func (s *Store) GetCounters(ctx context.Context, entity model.EntityRef) ([]model.EntityCounter, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	return append([]model.EntityCounter(nil), s.db.counters[entity]...), nil
}

func (s *Store) SavePayment(ctx context.Context, p *model.Payment) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.j.notePayment(s.db, p.ID)
	stored := *p
	stored.UpdatedAt = s.db.now()
	s.db.payments[p.ID] = &stored
	return nil
}

func (s *Store) GetPayment(ctx context.Context, id uint64) (*model.Payment, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	p, ok := s.db.payments[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *p
	return &out, nil
}

func (s *Store) LoadState(ctx context.Context, name string) (uint64, bool, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	v, ok := s.db.state[name]
	return v, ok, nil
}

func (s *Store) SaveState(ctx context.Context, name string, value uint64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.j.noteState(s.db, name)
	s.db.state[name] = value
	return nil
}

func containsStatus(statuses []model.EventStatus, status model.EventStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func sortEvents(events []*model.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Less(events[j])
	})
}

func matchDonation(f storage.DonationFilter, d *model.Donation) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, d.ID) {
		return false
	}
	if f.PledgeID != nil && d.PledgeID != *f.PledgeID {
		return false
	}
	if f.TxHash != "" && !strings.EqualFold(f.TxHash, d.TxHash) {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if s == d.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Mined != nil && d.Mined != *f.Mined {
		return false
	}
	if f.Owner != nil && d.Owner != *f.Owner {
		return false
	}
	if f.Touching != nil && !d.Touches(*f.Touching) {
		return false
	}
	if f.GiverAddress != "" && !strings.EqualFold(f.GiverAddress, d.GiverAddress) {
		return false
	}
	if f.SourceEvent != "" && f.SourceEvent != d.SourceEvent {
		return false
	}
	if f.HasRemaining && d.Remaining().Sign() <= 0 {
		return false
	}
	return true
}

func matchEntity(f storage.EntityFilter, e model.Entity) bool {
	base := e.Base()
	if f.Kind != "" && e.Ref().Kind != f.Kind {
		return false
	}
	if f.TxHash != "" && !strings.EqualFold(f.TxHash, base.TxHash) {
		return false
	}
	if f.PluginAddress != "" && !strings.EqualFold(f.PluginAddress, model.PluginAddress(e)) {
		return false
	}
	if f.OwnerAddress != "" && !strings.EqualFold(f.OwnerAddress, base.OwnerAddress) {
		return false
	}
	if f.ParentID != "" && f.ParentID != model.ParentID(e) {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if s == base.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Mined != nil && base.Mined != *f.Mined {
		return false
	}
	return true
}

func containsString(items []string, v string) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}
