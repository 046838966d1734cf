package model

import (
	"math/big"
	"time"
)

// PaymentStatus tracks a vault payment authorization.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "Pending"
	PaymentPaid     PaymentStatus = "Paid"
	PaymentCanceled PaymentStatus = "Canceled"
)

// Payment is a vault payment authorized for a paying pledge.
type Payment struct {
	ID          uint64        `json:"id"`
	PledgeID    uint64        `json:"pledge_id"`
	Destination string        `json:"destination"`
	Token       string        `json:"token"`
	Amount      *big.Int      `json:"amount"`
	Status      PaymentStatus `json:"status"`
	TxHash      string        `json:"tx_hash"`
	UpdatedAt   time.Time     `json:"updated_at"`
}
