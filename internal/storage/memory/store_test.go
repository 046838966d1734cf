package memory

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"pledgecache/internal/model"
	"pledgecache/internal/storage"
)

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.CreateDonation(ctx, &model.Donation{ID: "kept", Amount: big.NewInt(5), AmountRemaining: big.NewInt(5)}))

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx storage.Store) error {
		d, err := tx.GetDonation(ctx, "kept")
		require.NoError(t, err)
		d.AmountRemaining = big.NewInt(0)
		require.NoError(t, tx.UpdateDonation(ctx, d))
		require.NoError(t, tx.CreateDonation(ctx, &model.Donation{ID: "dropped", Amount: big.NewInt(1)}))
		require.NoError(t, tx.SaveState(ctx, "last_block", 9))
		return boom
	})
	require.ErrorIs(t, err, boom)

	d, err := s.GetDonation(ctx, "kept")
	require.NoError(t, err)
	require.Zero(t, d.AmountRemaining.Cmp(big.NewInt(5)))
	_, err = s.GetDonation(ctx, "dropped")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, ok, err := s.LoadState(ctx, "last_block")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRollbackKeepsWritesOutsideTheTx(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.CreateDonation(ctx, &model.Donation{ID: "d", Amount: big.NewInt(5), AmountRemaining: big.NewInt(5)}))

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx storage.Store) error {
		d, err := tx.GetDonation(ctx, "d")
		require.NoError(t, err)
		d.Status = model.DonationFailed
		require.NoError(t, tx.UpdateDonation(ctx, d))

		// an ingest running alongside the handler
		done := make(chan error, 1)
		go func() {
			_, err := s.UpsertEvent(ctx, &model.Event{ID: "ev-1", BlockNumber: 7, Status: model.EventWaiting})
			if err == nil {
				err = s.SaveState(ctx, "last_block", 7)
			}
			done <- err
		}()
		require.NoError(t, <-done)
		return boom
	})
	require.ErrorIs(t, err, boom)

	ev, err := s.GetEvent(ctx, "ev-1")
	require.NoError(t, err)
	require.Equal(t, model.EventWaiting, ev.Status)
	last, ok, err := s.LoadState(ctx, "last_block")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), last)

	d, err := s.GetDonation(ctx, "d")
	require.NoError(t, err)
	require.Empty(t, d.Status)
}

func TestNestedTxJoinsOuter(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx storage.Store) error {
		require.NoError(t, tx.InTx(ctx, func(inner storage.Store) error {
			return inner.SaveState(ctx, "k", 1)
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, ok, err := s.LoadState(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.CreateDonation(ctx, &model.Donation{ID: "d", Amount: big.NewInt(5), AmountRemaining: big.NewInt(5)}))

	d, err := s.GetDonation(ctx, "d")
	require.NoError(t, err)
	d.AmountRemaining.SetInt64(0)

	again, err := s.GetDonation(ctx, "d")
	require.NoError(t, err)
	require.Zero(t, again.AmountRemaining.Cmp(big.NewInt(5)))
}

func TestFindDonationsFilters(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	campaign := model.EntityRef{Kind: model.KindCampaign, ID: "c1"}
	for _, d := range []*model.Donation{
		{ID: "a", PledgeID: 3, Owner: campaign, Status: model.DonationCommitted, Mined: true, Amount: big.NewInt(10), AmountRemaining: big.NewInt(10)},
		{ID: "b", PledgeID: 3, Owner: campaign, Status: model.DonationCommitted, Mined: true, Amount: big.NewInt(10), AmountRemaining: big.NewInt(0)},
		{ID: "c", PledgeID: 4, Status: model.DonationPending, TxHash: "0xABC", Amount: big.NewInt(2), AmountRemaining: big.NewInt(2)},
	} {
		require.NoError(t, s.CreateDonation(ctx, d))
	}

	live, err := s.FindDonations(ctx, storage.DonationFilter{PledgeID: storage.Uint64(3), HasRemaining: true})
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, "a", live[0].ID)

	owned, err := s.FindDonations(ctx, storage.DonationFilter{Owner: &campaign})
	require.NoError(t, err)
	require.Len(t, owned, 2)

	byTx, err := s.FindDonations(ctx, storage.DonationFilter{TxHash: "0xabc", Mined: storage.Bool(false)})
	require.NoError(t, err)
	require.Len(t, byTx, 1)
	require.Equal(t, "c", byTx[0].ID)
}

func TestEventsListInChainOrder(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	for _, e := range []*model.Event{
		{ID: "e3", BlockNumber: 11, LogIndex: 0, Status: model.EventWaiting},
		{ID: "e2", BlockNumber: 10, TransactionIndex: 1, LogIndex: 0, Status: model.EventWaiting},
		{ID: "e1", BlockNumber: 10, TransactionIndex: 0, LogIndex: 7, Status: model.EventWaiting},
	} {
		created, err := s.UpsertEvent(ctx, e)
		require.NoError(t, err)
		require.True(t, created)
	}

	events, err := s.ListEventsByStatus(ctx, model.EventWaiting)
	require.NoError(t, err)
	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	require.Equal(t, []string{"e1", "e2", "e3"}, ids)

	moved, err := s.TransitionEvent(ctx, "e1", []model.EventStatus{model.EventPending}, model.EventProcessed, "")
	require.NoError(t, err)
	require.False(t, moved)
	_, err = s.TransitionEvent(ctx, "missing", []model.EventStatus{model.EventWaiting}, model.EventPending, "")
	require.ErrorIs(t, err, storage.ErrNotFound)
}
