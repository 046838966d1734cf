package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pledgecache/internal/liquidpledging"
	"pledgecache/internal/model"
	"pledgecache/internal/storage"
)

// Contract is the read side of the pledge contract the engine consults.
type Contract interface {
	GetPledge(ctx context.Context, id uint64) (liquidpledging.Pledge, error)
	GetPledgeAdmin(ctx context.Context, id uint64) (liquidpledging.PledgeAdmin, error)
	GetPledgeDelegate(ctx context.Context, pledgeID, idx uint64) (liquidpledging.Delegate, error)
	IsProjectCanceled(ctx context.Context, id uint64) (bool, error)
}

// BlockTimes resolves block timestamps in unix seconds.
type BlockTimes interface {
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
}

// Policy holds the allow-lists the engine enforces. config.Config satisfies it.
type Policy interface {
	TokenAllowed(addr string) bool
	OwnerAllowed(addr string) bool
	Symbol(addr string) string
}

type allowAll struct{}

func (allowAll) TokenAllowed(string) bool { return true }
func (allowAll) OwnerAllowed(string) bool { return true }
func (allowAll) Symbol(string) string     { return "" }

// Engine applies confirmed contract events to the donation cache.
// It is driven by a single dispatcher; handlers never run concurrently.
type Engine struct {
	store      storage.Store
	contract   Contract
	blocks     BlockTimes
	policy     Policy
	registry   *Registry
	retryDelay time.Duration
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		if p != nil {
			e.policy = p
		}
	}
}

func WithBlockTimes(b BlockTimes) Option {
	return func(e *Engine) {
		e.blocks = b
	}
}

// WithRetryDelay sets the bounded delay used while waiting for a
// placeholder written by the API layer to show up.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Engine) {
		e.retryDelay = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

func New(store storage.Store, contract Contract, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if contract == nil {
		return nil, fmt.Errorf("contract is nil")
	}
	e := &Engine{
		store:      store,
		contract:   contract,
		policy:     allowAll{},
		registry:   NewRegistry(store),
		retryDelay: 5 * time.Second,
		logger:     zap.NewNop(),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "ledger"))
	return e, nil
}

// Registry exposes the admin registry the engine maintains.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Handle applies one confirmed event. A non-nil error means the event could
// not be applied; the Result explains every other way it finished.
func (e *Engine) Handle(ctx context.Context, ev *model.Event) (Result, error) {
	if ev == nil {
		return Result{}, fmt.Errorf("event is nil")
	}

	var (
		res Result
		err error
	)
	switch ev.Kind {
	case model.KindTransfer:
		res, err = e.handleTransfer(ctx, ev)
	case model.KindGiverAdded:
		res, err = e.handleGiverAdded(ctx, ev)
	case model.KindDelegateAdded:
		res, err = e.handleDelegateAdded(ctx, ev)
	case model.KindProjectAdded:
		res, err = e.handleProjectAdded(ctx, ev)
	case model.KindGiverUpdated, model.KindDelegateUpdated, model.KindProjectUpdated:
		res, err = e.handleAdminUpdated(ctx, ev)
	case model.KindCancelProject:
		res, err = e.handleCancelProject(ctx, ev)
	case model.KindAuthorizePayment:
		res, err = e.handleAuthorizePayment(ctx, ev)
	case model.KindConfirmPayment:
		res, err = e.handleConfirmPayment(ctx, ev)
	case model.KindCancelPayment:
		res, err = e.handleCancelPayment(ctx, ev)
	default:
		return Result{}, fmt.Errorf("unhandled event kind %s", ev.Kind)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%s %s: %w", ev.Kind, ev.ID, err)
	}

	fields := []zap.Field{
		zap.String("id", ev.ID),
		zap.String("event", ev.Kind.String()),
		zap.String("outcome", res.Outcome.String()),
	}
	switch res.Outcome {
	case Applied:
		e.logger.Debug("event applied", fields...)
	case Rejected:
		e.logger.Info("event rejected by policy", append(fields, zap.String("reason", res.Reason))...)
	default:
		e.logger.Debug("event not applied", append(fields, zap.String("reason", res.Reason))...)
	}
	return res, nil
}

// apply runs fn in a store transaction. Any result other than Applied rolls
// the transaction back.
func (e *Engine) apply(ctx context.Context, fn func(tx storage.Store) (Result, error)) (Result, error) {
	var res Result
	err := e.store.InTx(ctx, func(tx storage.Store) error {
		var err error
		res, err = fn(tx)
		if err != nil {
			return err
		}
		if res.Outcome != Applied {
			return abort{res: res}
		}
		return nil
	})

	var a abort
	if errors.As(err, &a) {
		e.registry.Flush()
		return a.res, nil
	}
	if err != nil {
		e.registry.Flush()
		return Result{}, err
	}
	return res, nil
}

// lookupRef resolves an admin id to an entity reference.
func (e *Engine) lookupRef(ctx context.Context, st storage.Store, id uint64) (model.EntityRef, bool, error) {
	admin, ok, err := e.registry.Lookup(ctx, st, id)
	if err != nil || !ok {
		return model.EntityRef{}, ok, err
	}
	return admin.Ref(), true, nil
}

func (e *Engine) lookupEntity(ctx context.Context, st storage.Store, id uint64) (model.Entity, bool, error) {
	ref, ok, err := e.lookupRef(ctx, st, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	entity, err := st.GetEntity(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get entity %s: %w", ref, err)
	}
	return entity, true, nil
}

func (e *Engine) blockTime(ctx context.Context, block uint64) time.Time {
	if e.blocks == nil {
		return e.now().UTC()
	}
	ts, err := e.blocks.BlockTimestamp(ctx, block)
	if err != nil {
		e.logger.Warn("block timestamp unavailable", zap.Uint64("block", block), zap.Error(err))
		return e.now().UTC()
	}
	return time.Unix(int64(ts), 0).UTC()
}

// touched collects entities whose counters need a refresh.
type touched map[model.EntityRef]struct{}

func (t touched) add(refs ...*model.EntityRef) {
	for _, ref := range refs {
		if ref == nil || ref.Kind == model.KindGiver || ref.ID == "" {
			continue
		}
		t[*ref] = struct{}{}
	}
}

func (t touched) donation(d *model.Donation) {
	owner := d.Owner
	t.add(&owner, d.Delegate, d.Intended)
}
