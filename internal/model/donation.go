package model

import (
	"math/big"
	"time"
)

// DonationStatus is the cache-side state of a donation.
type DonationStatus string

const (
	DonationPending   DonationStatus = "Pending"
	DonationPaying    DonationStatus = "Paying"
	DonationPaid      DonationStatus = "Paid"
	DonationToApprove DonationStatus = "ToApprove"
	DonationWaiting   DonationStatus = "Waiting"
	DonationCommitted DonationStatus = "Committed"
	DonationCanceled  DonationStatus = "Canceled"
	DonationRejected  DonationStatus = "Rejected"
	DonationFailed    DonationStatus = "Failed"
)

// Terminal reports whether the donation can no longer move.
func (s DonationStatus) Terminal() bool {
	switch s {
	case DonationPaid, DonationCanceled, DonationRejected, DonationFailed:
		return true
	default:
		return false
	}
}

// Live reports whether the donation still counts toward balances.
func (s DonationStatus) Live() bool {
	return s != DonationCanceled && s != DonationFailed
}

// Donation is the disaggregated record of value held at one pledge.
type Donation struct {
	ID                     string         `json:"id"`
	GiverAddress           string         `json:"giver_address"`
	Owner                  EntityRef      `json:"owner"`
	OwnerAdminID           uint64         `json:"owner_admin_id"`
	Delegate               *EntityRef     `json:"delegate,omitempty"`
	DelegateAdminID        uint64         `json:"delegate_admin_id,omitempty"`
	Intended               *EntityRef     `json:"intended_project,omitempty"`
	IntendedAdminID        uint64         `json:"intended_admin_id,omitempty"`
	PledgeID               uint64         `json:"pledge_id"`
	Token                  string         `json:"token"`
	Amount                 *big.Int       `json:"amount"`
	AmountRemaining        *big.Int       `json:"amount_remaining"`
	PendingAmountRemaining *big.Int       `json:"pending_amount_remaining,omitempty"`
	ParentDonations        []string       `json:"parent_donations"`
	Status                 DonationStatus `json:"status"`
	TxHash                 string         `json:"tx_hash"`
	Mined                  bool           `json:"mined"`
	IsReturn               bool           `json:"is_return"`
	SourceEvent            string         `json:"source_event,omitempty"`
	CommitTime             time.Time      `json:"commit_time"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

// Clone returns a deep copy.
func (d *Donation) Clone() *Donation {
	if d == nil {
		return nil
	}
	out := *d
	out.Amount = cloneInt(d.Amount)
	out.AmountRemaining = cloneInt(d.AmountRemaining)
	out.PendingAmountRemaining = cloneInt(d.PendingAmountRemaining)
	out.ParentDonations = append([]string(nil), d.ParentDonations...)
	if d.Delegate != nil {
		ref := *d.Delegate
		out.Delegate = &ref
	}
	if d.Intended != nil {
		ref := *d.Intended
		out.Intended = &ref
	}
	return &out
}

// HasPending reports whether a same-transaction reservation is set.
func (d *Donation) HasPending() bool {
	return d.PendingAmountRemaining != nil
}

// Remaining returns AmountRemaining, treating nil as zero.
func (d *Donation) Remaining() *big.Int {
	if d.AmountRemaining == nil {
		return new(big.Int)
	}
	return d.AmountRemaining
}

// Touches reports whether the donation is owned by, delegated to, or intended for ref.
func (d *Donation) Touches(ref EntityRef) bool {
	if d.Owner == ref {
		return true
	}
	if d.Delegate != nil && *d.Delegate == ref {
		return true
	}
	return d.Intended != nil && *d.Intended == ref
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
