package storage

import (
	"context"
	"time"

	"github.com/uhyunpark/xchange/pkg/app/core"
)

// Match is everything that must become visible in one atomic commit when two
// orders cross
type Match struct {
	IncomingID  uint64
	CandidateID uint64
	FilledAt    time.Time
	Derived     *core.Order // optional, ID assigned on commit
	Settlements []*core.Settlement
}

// Ledger is the single source of truth for orders, settlements, holds and
// audit records. Write operations are serialized and validate their
// preconditions inside the commit, so concurrent callers observe exactly one
// winner.
type Ledger interface {
	// InsertOrder assigns ID and CreatedAt, indexes the payment ref and puts
	// the order in the open book. Fails with core.ErrPaymentReused when the
	// payment already backs another order.
	InsertOrder(ctx context.Context, o *core.Order) error
	GetOrder(ctx context.Context, id uint64) (*core.Order, error)
	// Orders returns every order in insertion order
	Orders(ctx context.Context) ([]*core.Order, error)
	// OpenOrders returns unfilled, uncancelled orders selling sell for buy,
	// in insertion order
	OpenOrders(ctx context.Context, sell, buy core.Network) ([]*core.Order, error)
	// CommitMatch fills both orders, links them, inserts the derived order and
	// the settlements. Returns core.ErrMatchConflict if either order is no
	// longer open.
	CommitMatch(ctx context.Context, m *Match) error
	// CancelOrder marks an open order cancelled, or fails with
	// core.ErrOrderClosed
	CancelOrder(ctx context.Context, id uint64, at time.Time) (*core.Order, error)
	// PaymentUsed reports whether ref already backs an order or a hold
	PaymentUsed(ctx context.Context, n core.Network, ref string) (bool, error)

	GetSettlement(ctx context.Context, orderID uint64) (*core.Settlement, error)
	// Settlements lists settlements in order-id order, filtered by status when
	// any are given
	Settlements(ctx context.Context, statuses ...core.SettlementStatus) ([]*core.Settlement, error)
	// TransitionSettlement applies mutate if the current status is one of
	// from, else core.ErrSettlementState. mutate must set a status reachable
	// by core.SettlementStatus.CanTransition.
	TransitionSettlement(ctx context.Context, orderID uint64, from []core.SettlementStatus, mutate func(*core.Settlement)) (*core.Settlement, error)

	AppendRejection(ctx context.Context, r *core.RejectedSubmission) error
	Rejections(ctx context.Context) ([]*core.RejectedSubmission, error)

	// PutHold records a new hold, failing with core.ErrPaymentReused when the
	// payment is already held or consumed
	PutHold(ctx context.Context, h *core.Hold) error
	UpdateHold(ctx context.Context, h *core.Hold) error
	DeleteHold(ctx context.Context, id string) error
	Holds(ctx context.Context) ([]*core.Hold, error)

	Close() error
}
