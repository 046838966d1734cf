package model

import (
	"fmt"
	"strings"
	"time"
)

// EventStatus is the lifecycle state of an ingested chain event.
type EventStatus string

const (
	EventWaiting    EventStatus = "Waiting"
	EventPending    EventStatus = "Pending"
	EventProcessing EventStatus = "Processing"
	EventProcessed  EventStatus = "Processed"
	EventFailed     EventStatus = "Failed"
)

// Terminal reports whether the status can no longer change.
func (s EventStatus) Terminal() bool {
	return s == EventProcessed || s == EventFailed
}

// EventKind enumerates the contract events the engine understands.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindTransfer
	KindGiverAdded
	KindGiverUpdated
	KindDelegateAdded
	KindDelegateUpdated
	KindProjectAdded
	KindProjectUpdated
	KindCancelProject
	KindAuthorizePayment
	KindConfirmPayment
	KindCancelPayment
)

var kindNames = map[EventKind]string{
	KindTransfer:         "Transfer",
	KindGiverAdded:       "GiverAdded",
	KindGiverUpdated:     "GiverUpdated",
	KindDelegateAdded:    "DelegateAdded",
	KindDelegateUpdated:  "DelegateUpdated",
	KindProjectAdded:     "ProjectAdded",
	KindProjectUpdated:   "ProjectUpdated",
	KindCancelProject:    "CancelProject",
	KindAuthorizePayment: "AuthorizePayment",
	KindConfirmPayment:   "ConfirmPayment",
	KindCancelPayment:    "CancelPayment",
}

// AllKinds lists every known kind in declaration order.
func AllKinds() []EventKind {
	return []EventKind{
		KindTransfer,
		KindGiverAdded,
		KindGiverUpdated,
		KindDelegateAdded,
		KindDelegateUpdated,
		KindProjectAdded,
		KindProjectUpdated,
		KindCancelProject,
		KindAuthorizePayment,
		KindConfirmPayment,
		KindCancelPayment,
	}
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventKind maps an event name to its kind.
func ParseEventKind(name string) (EventKind, error) {
	for kind, known := range kindNames {
		if strings.EqualFold(known, strings.TrimSpace(name)) {
			return kind, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown event name: %s", name)
}

// MarshalText encodes the kind as its event name.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes an event name.
func (k *EventKind) UnmarshalText(text []byte) error {
	kind, err := ParseEventKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// Event is a single chain log tracked through confirmation and dispatch.
type Event struct {
	ID               string      `json:"id"`
	BlockHash        string      `json:"block_hash"`
	TxHash           string      `json:"tx_hash"`
	LogIndex         uint64      `json:"log_index"`
	TransactionIndex uint64      `json:"transaction_index"`
	BlockNumber      uint64      `json:"block_number"`
	Address          string      `json:"address"`
	Kind             EventKind   `json:"event"`
	ReturnValues     []string    `json:"return_values"`
	Topics           []string    `json:"topics"`
	Data             string      `json:"data"`
	Confirmations    uint64      `json:"confirmations"`
	Status           EventStatus `json:"status"`
	Error            string      `json:"error,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// EventID builds the composite identity of a log.
func EventID(blockHash, txHash string, logIndex uint64) string {
	return fmt.Sprintf("%s:%s:%d", strings.ToLower(blockHash), strings.ToLower(txHash), logIndex)
}

// Clone returns a deep copy.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	out.ReturnValues = append([]string(nil), e.ReturnValues...)
	out.Topics = append([]string(nil), e.Topics...)
	return &out
}

// Less orders events by block, transaction position and log index.
func (e *Event) Less(other *Event) bool {
	if e.BlockNumber != other.BlockNumber {
		return e.BlockNumber < other.BlockNumber
	}
	if e.TransactionIndex != other.TransactionIndex {
		return e.TransactionIndex < other.TransactionIndex
	}
	return e.LogIndex < other.LogIndex
}
