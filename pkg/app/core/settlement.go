package core

import (
	"time"

	"github.com/google/uuid"
)

// SettlementStatus is the executor's state machine position
type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "pending"
	SettlementSubmitted SettlementStatus = "submitted"
	SettlementConfirmed SettlementStatus = "confirmed"
	SettlementFailed    SettlementStatus = "failed"
)

// CanTransition enforces pending -> submitted -> confirmed with
// pending|submitted -> failed -> submitted on retry
func (s SettlementStatus) CanTransition(to SettlementStatus) bool {
	switch s {
	case SettlementPending:
		return to == SettlementSubmitted || to == SettlementFailed
	case SettlementSubmitted:
		return to == SettlementConfirmed || to == SettlementFailed
	case SettlementFailed:
		return to == SettlementSubmitted || to == SettlementFailed
	}
	return false
}

// Settlement is one outgoing transfer owed because an order filled.
// The ledger keys settlements by OrderID so there is at most one per order.
type Settlement struct {
	ID        string           `json:"id"`
	OrderID   uint64           `json:"order_id"`
	Network   Network          `json:"platform"`
	Sender    string           `json:"sender"` // exchange account
	Recipient string           `json:"receiver_pk"`
	Amount    Amount           `json:"amount"`
	TxHandle  *string          `json:"tx_id,omitempty"`
	RawTx     []byte           `json:"raw_tx,omitempty"` // signed transfer, stored before broadcast
	Status    SettlementStatus `json:"status"`

	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewSettlement builds a pending settlement instruction
func NewSettlement(orderID uint64, network Network, sender, recipient string, amount Amount, now time.Time) *Settlement {
	return &Settlement{
		ID:            uuid.NewString(),
		OrderID:       orderID,
		Network:       network,
		Sender:        sender,
		Recipient:     recipient,
		Amount:        amount,
		Status:        SettlementPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// RejectedSubmission is an append-only audit record
type RejectedSubmission struct {
	ID         string    `json:"id"`
	Payload    []byte    `json:"payload"`
	Reason     string    `json:"reason"`
	Kind       Kind      `json:"kind"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Hold is a submission waiting for its backing payment to confirm
type Hold struct {
	ID          string      `json:"id"`
	Submission  *Submission `json:"submission"`
	Order       *Order      `json:"order"`
	FirstSeen   time.Time   `json:"first_seen"`
	Attempts    int         `json:"attempts"`
	NextCheckAt time.Time   `json:"next_check_at"`
}
