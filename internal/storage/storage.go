package storage

import (
	"context"
	"errors"

	"pledgecache/internal/model"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("not found")

// EventStore persists chain events and their lifecycle.
type EventStore interface {
	// UpsertEvent inserts e unless an event with the same id exists. An
	// existing non-terminal event gets its confirmations refreshed; a terminal
	// one is left untouched. Reports whether a new row was created.
	UpsertEvent(ctx context.Context, e *model.Event) (bool, error)
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	DeleteEvent(ctx context.Context, id string) error
	ListEventsByStatus(ctx context.Context, statuses ...model.EventStatus) ([]*model.Event, error)
	ListEventsByTx(ctx context.Context, txHash string) ([]*model.Event, error)
	// TransitionEvent moves an event to status `to` only if its current
	// status is one of `from`. Reports whether the transition happened.
	TransitionEvent(ctx context.Context, id string, from []model.EventStatus, to model.EventStatus, errText string) (bool, error)
	SetConfirmations(ctx context.Context, id string, confirmations uint64) error
}

// DonationFilter selects donations. Zero-valued fields are ignored.
type DonationFilter struct {
	IDs          []string
	PledgeID     *uint64
	TxHash       string
	Statuses     []model.DonationStatus
	Mined        *bool
	Owner        *model.EntityRef
	Touching     *model.EntityRef
	GiverAddress string
	SourceEvent  string
	HasRemaining bool
}

// DonationStore persists donations.
type DonationStore interface {
	CreateDonation(ctx context.Context, d *model.Donation) error
	UpdateDonation(ctx context.Context, d *model.Donation) error
	GetDonation(ctx context.Context, id string) (*model.Donation, error)
	FindDonations(ctx context.Context, filter DonationFilter) ([]*model.Donation, error)
}

// AdminStore persists the pledge admin registry.
type AdminStore interface {
	UpsertAdmin(ctx context.Context, admin model.PledgeAdmin) error
	GetAdmin(ctx context.Context, id uint64) (model.PledgeAdmin, error)
}

// EntityFilter selects entities. Zero-valued fields are ignored.
type EntityFilter struct {
	Kind          model.EntityKind
	TxHash        string
	PluginAddress string
	OwnerAddress  string
	ParentID      string
	Statuses      []model.EntityStatus
	Mined         *bool
}

// EntityStore persists givers, DACs, campaigns and milestones.
type EntityStore interface {
	SaveEntity(ctx context.Context, e model.Entity) error
	GetEntity(ctx context.Context, ref model.EntityRef) (model.Entity, error)
	FindEntities(ctx context.Context, filter EntityFilter) ([]model.Entity, error)
}

// CounterStore persists derived entity counters.
type CounterStore interface {
	SaveCounters(ctx context.Context, entity model.EntityRef, counters []model.EntityCounter) error
	GetCounters(ctx context.Context, entity model.EntityRef) ([]model.EntityCounter, error)
}

// PaymentStore persists vault payments.
type PaymentStore interface {
	SavePayment(ctx context.Context, p *model.Payment) error
	GetPayment(ctx context.Context, id uint64) (*model.Payment, error)
}

// StateStore persists named progress markers such as the last indexed block.
type StateStore interface {
	LoadState(ctx context.Context, name string) (uint64, bool, error)
	SaveState(ctx context.Context, name string, value uint64) error
}

// Store is the full cache the engine owns.
type Store interface {
	EventStore
	DonationStore
	AdminStore
	EntityStore
	CounterStore
	PaymentStore
	StateStore

	// InTx runs fn against a transactional view. Changes are discarded if fn
	// returns an error.
	InTx(ctx context.Context, fn func(tx Store) error) error
	Close()
}

// Uint64 returns a pointer to v, for filters.
func Uint64(v uint64) *uint64 {
	return &v
}

// Bool returns a pointer to v, for filters.
func Bool(v bool) *bool {
	return &v
}
