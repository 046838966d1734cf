package ledger

import (
	"pledgecache/internal/liquidpledging"
	"pledgecache/internal/model"
)

// DeriveStatus maps the facts of a destination pledge to a donation status.
// The first matching rule wins.
func DeriveStatus(state liquidpledging.PledgeState, owner model.EntityKind, hasDelegate, hasIntended bool) model.DonationStatus {
	switch {
	case state == liquidpledging.Paying:
		return model.DonationPaying
	case state == liquidpledging.Paid:
		return model.DonationPaid
	case hasIntended:
		return model.DonationToApprove
	case owner == model.KindGiver || hasDelegate:
		return model.DonationWaiting
	default:
		return model.DonationCommitted
	}
}
