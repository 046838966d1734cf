package model

import (
	"math/big"
	"time"
)

// EntityCounter is a derived per-token aggregate for a DAC, campaign or milestone.
type EntityCounter struct {
	Entity         EntityRef `json:"entity"`
	Token          string    `json:"token"`
	Symbol         string    `json:"symbol"`
	TotalDonated   *big.Int  `json:"total_donated"`
	CurrentBalance *big.Int  `json:"current_balance"`
	DonationCount  int       `json:"donation_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}
