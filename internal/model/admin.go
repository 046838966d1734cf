package model

import "time"

// PledgeAdmin maps a chain admin id to the entity it represents.
type PledgeAdmin struct {
	ID        uint64     `json:"id"`
	Kind      EntityKind `json:"type"`
	EntityID  string     `json:"type_id"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Ref returns the entity reference for the admin.
func (a PledgeAdmin) Ref() EntityRef {
	return EntityRef{Kind: a.Kind, ID: a.EntityID}
}
