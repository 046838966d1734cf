package model

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// EntityKind names the off-chain entity a pledge admin maps to.
type EntityKind string

const (
	KindGiver     EntityKind = "giver"
	KindDAC       EntityKind = "dac"
	KindCampaign  EntityKind = "campaign"
	KindMilestone EntityKind = "milestone"
)

// IsProject reports whether the kind is a campaign or milestone.
func (k EntityKind) IsProject() bool {
	return k == KindCampaign || k == KindMilestone
}

// EntityRef points at an entity by kind and id.
type EntityRef struct {
	Kind EntityKind `json:"type"`
	ID   string     `json:"id"`
}

func (r EntityRef) String() string {
	return string(r.Kind) + ":" + r.ID
}

// EntityStatus is the lifecycle state shared by all entity kinds.
type EntityStatus string

const (
	EntityPending  EntityStatus = "Pending"
	EntityActive   EntityStatus = "Active"
	EntityCanceled EntityStatus = "Canceled"
	EntityFailed   EntityStatus = "Failed"
	EntityPaid     EntityStatus = "Paid"
)

// Terminal reports whether the entity can no longer receive funds.
func (s EntityStatus) Terminal() bool {
	return s == EntityCanceled || s == EntityFailed || s == EntityPaid
}

// EntityBase holds the fields common to every entity kind.
type EntityBase struct {
	ID           string       `json:"id"`
	AdminID      uint64       `json:"admin_id,omitempty"`
	Status       EntityStatus `json:"status"`
	OwnerAddress string       `json:"owner_address"`
	Title        string       `json:"title"`
	URL          string       `json:"url"`
	TxHash       string       `json:"tx_hash,omitempty"`
	Mined        bool         `json:"mined"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Entity is a closed sum over Giver, DAC, Campaign and Milestone.
type Entity interface {
	Ref() EntityRef
	Base() *EntityBase
	isEntity()
}

// Giver is a donor identified by address.
type Giver struct {
	EntityBase
}

// DAC is a delegate (decentralized altruistic community).
type DAC struct {
	EntityBase
}

// Campaign is a top-level project.
type Campaign struct {
	EntityBase
	PluginAddress   string `json:"plugin_address,omitempty"`
	ReviewerAddress string `json:"reviewer_address,omitempty"`
}

// Milestone is a project that belongs to a campaign.
type Milestone struct {
	EntityBase
	CampaignID       string   `json:"campaign_id"`
	PluginAddress    string   `json:"plugin_address,omitempty"`
	ReviewerAddress  string   `json:"reviewer_address,omitempty"`
	RecipientAddress string   `json:"recipient_address,omitempty"`
	MaxAmount        *big.Int `json:"max_amount,omitempty"`
	Token            string   `json:"token,omitempty"`
}

func (g *Giver) Ref() EntityRef     { return EntityRef{Kind: KindGiver, ID: g.ID} }
func (d *DAC) Ref() EntityRef       { return EntityRef{Kind: KindDAC, ID: d.ID} }
func (c *Campaign) Ref() EntityRef  { return EntityRef{Kind: KindCampaign, ID: c.ID} }
func (m *Milestone) Ref() EntityRef { return EntityRef{Kind: KindMilestone, ID: m.ID} }

func (g *Giver) Base() *EntityBase     { return &g.EntityBase }
func (d *DAC) Base() *EntityBase       { return &d.EntityBase }
func (c *Campaign) Base() *EntityBase  { return &c.EntityBase }
func (m *Milestone) Base() *EntityBase { return &m.EntityBase }

func (*Giver) isEntity()     {}
func (*DAC) isEntity()       {}
func (*Campaign) isEntity()  {}
func (*Milestone) isEntity() {}

// PluginAddress returns the project plugin address, or "" for non-projects.
func PluginAddress(e Entity) string {
	switch v := e.(type) {
	case *Campaign:
		return v.PluginAddress
	case *Milestone:
		return v.PluginAddress
	default:
		return ""
	}
}

// ParentID returns the campaign id of a milestone, or "".
func ParentID(e Entity) string {
	if m, ok := e.(*Milestone); ok {
		return m.CampaignID
	}
	return ""
}

// CloneEntity returns a deep copy of e.
func CloneEntity(e Entity) Entity {
	switch v := e.(type) {
	case *Giver:
		out := *v
		return &out
	case *DAC:
		out := *v
		return &out
	case *Campaign:
		out := *v
		return &out
	case *Milestone:
		out := *v
		if v.MaxAmount != nil {
			out.MaxAmount = new(big.Int).Set(v.MaxAmount)
		}
		return &out
	default:
		return nil
	}
}

// NewEntity returns an empty entity of the given kind.
func NewEntity(kind EntityKind) (Entity, error) {
	switch kind {
	case KindGiver:
		return &Giver{}, nil
	case KindDAC:
		return &DAC{}, nil
	case KindCampaign:
		return &Campaign{}, nil
	case KindMilestone:
		return &Milestone{}, nil
	default:
		return nil, fmt.Errorf("unknown entity kind: %s", kind)
	}
}

// UnmarshalEntity decodes a JSON payload into the variant for kind.
func UnmarshalEntity(kind EntityKind, data []byte) (Entity, error) {
	entity, err := NewEntity(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, entity); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return entity, nil
}
