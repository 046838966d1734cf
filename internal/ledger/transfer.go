package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"pledgecache/internal/liquidpledging"
	"pledgecache/internal/model"
	"pledgecache/internal/retry"
	"pledgecache/internal/storage"
)

// transfer is a Transfer event with the chain state it needs, read before
// the store transaction opens.
type transfer struct {
	ev         *model.Event
	from       uint64
	to         uint64
	amount     *big.Int
	dest       liquidpledging.Pledge
	delegateID uint64
	source     liquidpledging.Pledge
	commitTime time.Time
}

func (e *Engine) handleTransfer(ctx context.Context, ev *model.Event) (Result, error) {
	t, err := e.prepareTransfer(ctx, ev)
	if err != nil {
		return Result{}, err
	}
	token := strings.ToLower(t.dest.Token.Hex())
	if !e.policy.TokenAllowed(token) {
		return rejected("token %s is not allowed", token), nil
	}

	if t.from == 0 {
		placeholder, res, err := e.awaitPlaceholder(ctx, t)
		if err != nil || res.Outcome != Applied {
			return res, err
		}
		return e.apply(ctx, func(tx storage.Store) (Result, error) {
			return e.originate(ctx, tx, t, placeholder)
		})
	}
	return e.apply(ctx, func(tx storage.Store) (Result, error) {
		return e.move(ctx, tx, t)
	})
}

func (e *Engine) prepareTransfer(ctx context.Context, ev *model.Event) (*transfer, error) {
	from, err := liquidpledging.ReturnUint(ev, 0)
	if err != nil {
		return nil, err
	}
	to, err := liquidpledging.ReturnUint(ev, 1)
	if err != nil {
		return nil, err
	}
	amount, err := liquidpledging.ReturnBig(ev, 2)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("transfer amount %s must be positive", amount)
	}

	t := &transfer{ev: ev, from: from, to: to, amount: amount}
	t.dest, err = e.contract.GetPledge(ctx, to)
	if err != nil {
		return nil, fmt.Errorf("get pledge %d: %w", to, err)
	}
	// Only the most recent delegate may act on the funds, and none once
	// payment has begun.
	if t.dest.NDelegates > 0 && t.dest.State != liquidpledging.Paying {
		delegate, err := e.contract.GetPledgeDelegate(ctx, to, t.dest.NDelegates)
		if err != nil {
			return nil, fmt.Errorf("get delegate %d of pledge %d: %w", t.dest.NDelegates, to, err)
		}
		t.delegateID = delegate.ID
	}
	if from != 0 {
		t.source, err = e.contract.GetPledge(ctx, from)
		if err != nil {
			return nil, fmt.Errorf("get pledge %d: %w", from, err)
		}
	}
	if t.dest.CommitTime > 0 {
		t.commitTime = time.Unix(int64(t.dest.CommitTime), 0).UTC()
	} else {
		t.commitTime = e.blockTime(ctx, ev.BlockNumber)
	}
	return t, nil
}

// parties is the destination side of a transfer resolved to entities.
type parties struct {
	owner        model.EntityRef
	ownerAdmin   uint64
	delegate     *model.EntityRef
	intended     *model.EntityRef
	intendedID   uint64
	status       model.DonationStatus
	paymentState liquidpledging.PledgeState
}

func (e *Engine) resolveParties(ctx context.Context, tx storage.Store, t *transfer) (*parties, Result, error) {
	p := &parties{ownerAdmin: t.dest.Owner, paymentState: t.dest.State}

	owner, ok, err := e.lookupRef(ctx, tx, t.dest.Owner)
	if err != nil {
		return nil, Result{}, err
	}
	if !ok {
		return nil, notFound("owner admin %d of pledge %d not registered", t.dest.Owner, t.to), nil
	}
	p.owner = owner

	if t.delegateID != 0 {
		ref, ok, err := e.lookupRef(ctx, tx, t.delegateID)
		if err != nil {
			return nil, Result{}, err
		}
		if !ok {
			return nil, notFound("delegate admin %d of pledge %d not registered", t.delegateID, t.to), nil
		}
		p.delegate = &ref
	}
	if t.dest.IntendedProject != 0 {
		ref, ok, err := e.lookupRef(ctx, tx, t.dest.IntendedProject)
		if err != nil {
			return nil, Result{}, err
		}
		if !ok {
			return nil, notFound("intended project admin %d of pledge %d not registered", t.dest.IntendedProject, t.to), nil
		}
		p.intended = &ref
		p.intendedID = t.dest.IntendedProject
	}
	p.status = DeriveStatus(t.dest.State, owner.Kind, p.delegate != nil, p.intended != nil)
	return p, applied(), nil
}

func (e *Engine) alreadyApplied(ctx context.Context, tx storage.Store, ev *model.Event) (bool, error) {
	done, err := tx.FindDonations(ctx, storage.DonationFilter{SourceEvent: ev.ID})
	if err != nil {
		return false, fmt.Errorf("find donations of event %s: %w", ev.ID, err)
	}
	return len(done) > 0, nil
}

// awaitPlaceholder waits once for an unmined donation the API layer recorded
// for this origination. A nil placeholder after the wait means create.
func (e *Engine) awaitPlaceholder(ctx context.Context, t *transfer) (*model.Donation, Result, error) {
	owner, ok, err := e.lookupEntity(ctx, e.store, t.dest.Owner)
	if err != nil {
		return nil, Result{}, err
	}
	if !ok {
		return nil, notFound("owner admin %d of pledge %d not registered", t.dest.Owner, t.to), nil
	}
	giver := owner.Base().OwnerAddress

	placeholder, _, err := retry.Run(ctx, retry.Once(e.retryDelay), func(ctx context.Context) (*model.Donation, retry.Outcome, error) {
		found, err := findOriginPlaceholder(ctx, e.store, t, owner.Ref(), giver)
		if err != nil || found == nil {
			return nil, retry.Again, err
		}
		return found, retry.Done, nil
	})
	if err != nil {
		return nil, Result{}, err
	}
	return placeholder, applied(), nil
}

func findOriginPlaceholder(ctx context.Context, st storage.DonationStore, t *transfer, owner model.EntityRef, giver string) (*model.Donation, error) {
	unmined := storage.DonationFilter{
		Statuses: []model.DonationStatus{model.DonationPending},
		Mined:    storage.Bool(false),
	}

	byTx := unmined
	byTx.TxHash = t.ev.TxHash
	found, err := st.FindDonations(ctx, byTx)
	if err != nil {
		return nil, fmt.Errorf("find placeholder by tx: %w", err)
	}
	for _, d := range found {
		if len(d.ParentDonations) == 0 {
			return d, nil
		}
	}

	if giver == "" {
		return nil, nil
	}
	byGiver := unmined
	byGiver.GiverAddress = giver
	found, err = st.FindDonations(ctx, byGiver)
	if err != nil {
		return nil, fmt.Errorf("find placeholder by giver: %w", err)
	}
	for _, d := range found {
		if len(d.ParentDonations) == 0 && d.Owner == owner && d.Amount != nil && d.Amount.Cmp(t.amount) == 0 {
			return d, nil
		}
	}
	return nil, nil
}

// originate records value entering the contract from outside (from pledge 0).
func (e *Engine) originate(ctx context.Context, tx storage.Store, t *transfer, placeholder *model.Donation) (Result, error) {
	if done, err := e.alreadyApplied(ctx, tx, t.ev); err != nil {
		return Result{}, err
	} else if done {
		return skipped("transfer %s already applied", t.ev.ID), nil
	}
	p, res, err := e.resolveParties(ctx, tx, t)
	if err != nil || res.Outcome != Applied {
		return res, err
	}
	owner, err := tx.GetEntity(ctx, p.owner)
	if err != nil {
		return Result{}, fmt.Errorf("get owner %s: %w", p.owner, err)
	}

	d := &model.Donation{ID: e.newID(), CreatedAt: e.now().UTC()}
	create := true
	if placeholder != nil {
		current, err := tx.GetDonation(ctx, placeholder.ID)
		if err != nil {
			return Result{}, fmt.Errorf("reload placeholder %s: %w", placeholder.ID, err)
		}
		if current.Mined {
			return skipped("placeholder %s already mined", current.ID), nil
		}
		d = current
		create = false
	}

	d.GiverAddress = owner.Base().OwnerAddress
	e.place(d, t, p)
	d.Amount = new(big.Int).Set(t.amount)
	d.AmountRemaining = new(big.Int).Set(t.amount)
	d.PendingAmountRemaining = nil
	d.ParentDonations = []string{}

	if err := e.saveDonation(ctx, tx, d, create); err != nil {
		return Result{}, err
	}
	marks := touched{}
	marks.donation(d)
	return applied(), e.refreshCounters(ctx, tx, marks)
}

// place writes the destination side of a transfer onto d.
func (e *Engine) place(d *model.Donation, t *transfer, p *parties) {
	d.Owner = p.owner
	d.OwnerAdminID = p.ownerAdmin
	d.Delegate = p.delegate
	d.DelegateAdminID = t.delegateID
	d.Intended = p.intended
	d.IntendedAdminID = p.intendedID
	d.PledgeID = t.to
	d.Token = strings.ToLower(t.dest.Token.Hex())
	d.Status = p.status
	d.TxHash = t.ev.TxHash
	d.Mined = true
	d.SourceEvent = t.ev.ID
	d.CommitTime = t.commitTime
}

func (e *Engine) saveDonation(ctx context.Context, tx storage.Store, d *model.Donation, create bool) error {
	if create {
		if err := tx.CreateDonation(ctx, d); err != nil {
			return fmt.Errorf("create donation %s: %w", d.ID, err)
		}
		return nil
	}
	if err := tx.UpdateDonation(ctx, d); err != nil {
		return fmt.Errorf("update donation %s: %w", d.ID, err)
	}
	return nil
}

// move consumes donations at the source pledge in FIFO order and carries the
// consumed value to the destination pledge.
func (e *Engine) move(ctx context.Context, tx storage.Store, t *transfer) (Result, error) {
	if done, err := e.alreadyApplied(ctx, tx, t.ev); err != nil {
		return Result{}, err
	} else if done {
		return skipped("transfer %s already applied", t.ev.ID), nil
	}

	// Cancellation already returned these funds; applying the chain's
	// normalization transfer again would count them twice.
	for _, adminID := range []uint64{t.source.Owner, t.source.IntendedProject} {
		if adminID == 0 {
			continue
		}
		entity, ok, err := e.lookupEntity(ctx, tx, adminID)
		if err != nil {
			return Result{}, err
		}
		if ok && entity.Base().Status == model.EntityCanceled {
			return skipped("source pledge %d belongs to canceled %s", t.from, entity.Ref()), nil
		}
	}

	p, res, err := e.resolveParties(ctx, tx, t)
	if err != nil || res.Outcome != Applied {
		return res, err
	}

	sources, err := e.sources(ctx, tx, t.from)
	if err != nil {
		return Result{}, err
	}
	e.warnPendingTie(sources, t.from)
	takes, err := Consume(sources, t.amount)
	if err != nil {
		return Result{}, fmt.Errorf("pledge %d: %w", t.from, err)
	}

	placeholders, err := tx.FindDonations(ctx, storage.DonationFilter{TxHash: t.ev.TxHash, Mined: storage.Bool(false)})
	if err != nil {
		return Result{}, fmt.Errorf("find transfer placeholders: %w", err)
	}
	claimed := make(map[string]bool)

	marks := touched{}
	for _, take := range takes {
		src := take.Donation
		marks.donation(src)

		src.AmountRemaining = new(big.Int).Sub(src.Remaining(), take.Amount)
		if src.HasPending() && src.AmountRemaining.Cmp(src.PendingAmountRemaining) <= 0 {
			src.PendingAmountRemaining = nil
		}
		if src.Status == model.DonationToApprove && p.intended == nil && p.owner == src.Owner {
			src.Status = model.DonationRejected
		}
		if err := tx.UpdateDonation(ctx, src); err != nil {
			return Result{}, fmt.Errorf("update donation %s: %w", src.ID, err)
		}

		dest := matchTransferPlaceholder(placeholders, claimed, src.ID, p.owner, take.Amount)
		create := dest == nil
		if create {
			dest = &model.Donation{ID: e.newID(), CreatedAt: e.now().UTC()}
		} else {
			claimed[dest.ID] = true
		}
		dest.GiverAddress = src.GiverAddress
		e.place(dest, t, p)
		dest.Amount = new(big.Int).Set(take.Amount)
		dest.AmountRemaining = new(big.Int).Set(take.Amount)
		dest.PendingAmountRemaining = nil
		dest.ParentDonations = []string{src.ID}

		if err := e.saveDonation(ctx, tx, dest, create); err != nil {
			return Result{}, err
		}
		marks.donation(dest)
	}

	if p.paymentState == liquidpledging.Paid && p.owner.Kind == model.KindMilestone {
		if err := e.settleMilestone(ctx, tx, p.owner); err != nil {
			return Result{}, err
		}
	}
	return applied(), e.refreshCounters(ctx, tx, marks)
}

// sources lists the live, mined donations holding value at a pledge.
func (e *Engine) sources(ctx context.Context, tx storage.Store, pledgeID uint64) ([]*model.Donation, error) {
	found, err := tx.FindDonations(ctx, storage.DonationFilter{
		PledgeID:     storage.Uint64(pledgeID),
		Mined:        storage.Bool(true),
		HasRemaining: true,
	})
	if err != nil {
		return nil, fmt.Errorf("find donations at pledge %d: %w", pledgeID, err)
	}
	out := make([]*model.Donation, 0, len(found))
	for _, d := range found {
		if d.Status.Live() && d.Status != model.DonationRejected {
			out = append(out, d)
		}
	}
	return out, nil
}

// Take is the part of one donation a transfer consumes.
type Take struct {
	Donation *model.Donation
	Amount   *big.Int
}

// Consume picks the donations that fund amount: donations carrying a pending
// reservation first, then oldest first, with the donation id as the final
// tie-break. It fails with ErrInvariant when the donations hold too little.
func Consume(donations []*model.Donation, amount *big.Int) ([]Take, error) {
	ordered := append([]*model.Donation(nil), donations...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.HasPending() != b.HasPending() {
			return a.HasPending()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	total := new(big.Int)
	for _, d := range ordered {
		if d.Remaining().Sign() < 0 {
			return nil, invariant("donation %s has negative remaining %s", d.ID, d.Remaining())
		}
		total.Add(total, d.Remaining())
	}
	if total.Cmp(amount) < 0 {
		return nil, invariant("donations hold %s, transfer needs %s", total, amount)
	}

	left := new(big.Int).Set(amount)
	takes := make([]Take, 0)
	for _, d := range ordered {
		if left.Sign() == 0 {
			break
		}
		if d.Remaining().Sign() == 0 {
			continue
		}
		take := new(big.Int).Set(d.Remaining())
		if take.Cmp(left) > 0 {
			take.Set(left)
		}
		takes = append(takes, Take{Donation: d, Amount: take})
		left.Sub(left, take)
	}
	return takes, nil
}

// matchTransferPlaceholder finds an unmined child the API layer recorded for
// this transaction: same parent first, then same owner and amount.
func matchTransferPlaceholder(placeholders []*model.Donation, claimed map[string]bool, parentID string, owner model.EntityRef, amount *big.Int) *model.Donation {
	for _, d := range placeholders {
		if claimed[d.ID] {
			continue
		}
		for _, parent := range d.ParentDonations {
			if parent == parentID {
				return d
			}
		}
	}
	for _, d := range placeholders {
		if claimed[d.ID] || len(d.ParentDonations) == 0 {
			continue
		}
		if d.Owner == owner && d.Amount != nil && d.Amount.Cmp(amount) == 0 {
			return d
		}
	}
	return nil
}

func (e *Engine) warnPendingTie(sources []*model.Donation, pledgeID uint64) {
	marked := 0
	for _, d := range sources {
		if d.HasPending() {
			marked++
		}
	}
	if marked > 1 {
		e.logger.Warn("several donations reserved at one pledge; consuming oldest first", zap.Uint64("pledge", pledgeID), zap.Int("reserved", marked))
	}
}
