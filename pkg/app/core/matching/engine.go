// Package matching pairs an incoming order with the earliest resting order
// that crosses it and commits the fill, the remainder and the settlement
// instructions in one ledger commit.
package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/xchange/pkg/app/core"
	"github.com/uhyunpark/xchange/pkg/storage"
	"github.com/uhyunpark/xchange/pkg/util"
)

const DefaultMaxConflictRetries = 8

type Config struct {
	// Senders is the exchange account paying out on each network
	Senders map[core.Network]string
	// MaxConflictRetries bounds candidate reselection after a lost race;
	// past it the incoming order rests
	MaxConflictRetries int
}

// Result of matching one order
type Result struct {
	Order        *core.Order // the incoming order as committed
	Counterparty *core.Order // nil when the order rests
	Derived      *core.Order
	Instructions []*core.Settlement
}

// Matched reports whether the order filled
func (r *Result) Matched() bool { return r.Counterparty != nil }

type Engine struct {
	cfg    Config
	ledger storage.Ledger
	clock  util.Clock
	logger *zap.SugaredLogger
}

func NewEngine(cfg Config, ledger storage.Ledger, clock util.Clock, logger *zap.SugaredLogger) *Engine {
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = DefaultMaxConflictRetries
	}
	return &Engine{cfg: cfg, ledger: ledger, clock: clock, logger: logger}
}

// Match takes an authenticated, payment-confirmed order, records it, and
// fills it against at most one resting order. A derived remainder order is
// inserted unfilled and left for later submissions.
func (e *Engine) Match(ctx context.Context, o *core.Order) (*Result, error) {
	if err := e.ledger.InsertOrder(ctx, o); err != nil {
		return nil, err
	}
	e.logger.Infow("order_accepted",
		"id", o.ID,
		"sell", o.SellCurrency, "sell_amount", o.SellAmount,
		"buy", o.BuyCurrency, "buy_amount", o.BuyAmount,
	)

	for attempt := 1; ; attempt++ {
		candidates, err := e.ledger.OpenOrders(ctx, o.BuyCurrency, o.SellCurrency)
		if err != nil {
			return nil, err
		}
		c := SelectCandidate(o, candidates)
		if c == nil {
			e.logger.Debugw("order_resting", "id", o.ID)
			return &Result{Order: o}, nil
		}

		m := e.plan(o, c)
		err = e.ledger.CommitMatch(ctx, m)
		if err == nil {
			return e.committed(o, c, m), nil
		}
		if !errors.Is(err, core.ErrMatchConflict) {
			return nil, err
		}

		e.logger.Infow("match_conflict", "id", o.ID, "candidate", c.ID, "attempt", attempt)
		// the conflict may be that someone else claimed o itself
		cur, err := e.ledger.GetOrder(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		if !cur.IsOpen() {
			return e.claimedElsewhere(ctx, cur)
		}
		if attempt >= e.cfg.MaxConflictRetries {
			e.logger.Warnw("match_retries_exhausted", "id", o.ID, "attempts", attempt)
			return &Result{Order: cur}, nil
		}
	}
}

// SelectCandidate picks the earliest inserted open order that crosses o.
// candidates must be in insertion order, which is also id order.
func SelectCandidate(o *core.Order, candidates []*core.Order) *core.Order {
	for _, c := range candidates {
		if c.ID == o.ID || !c.IsOpen() {
			continue
		}
		if o.Crosses(c) {
			return c
		}
	}
	return nil
}

// Remainder computes the single derived order left over when incoming fills
// against candidate, or nil. The surplus side owns it; it exists only when
// both remaining amounts are strictly positive.
func Remainder(incoming, candidate *core.Order) *core.Order {
	var (
		owner     *core.Order
		buy, sell core.Amount
	)
	switch incoming.BuyAmount.Cmp(candidate.SellAmount) {
	case -1:
		owner = candidate
		sell = candidate.SellAmount.Sub(incoming.BuyAmount)
		buy = candidate.BuyAmount.Sub(incoming.SellAmount)
	case 1:
		owner = incoming
		buy = incoming.BuyAmount.Sub(candidate.SellAmount)
		sell = incoming.SellAmount.Sub(candidate.BuyAmount)
	default:
		return nil
	}
	if !buy.IsPositive() || !sell.IsPositive() {
		return nil
	}
	creator := owner.ID
	return &core.Order{
		SenderKey:    owner.SenderKey,
		ReceiverKey:  owner.ReceiverKey,
		BuyCurrency:  owner.BuyCurrency,
		SellCurrency: owner.SellCurrency,
		BuyAmount:    buy,
		SellAmount:   sell,
		Signature:    owner.Signature,
		PaymentRef:   owner.PaymentRef,
		CreatorID:    &creator,
	}
}

func (e *Engine) plan(o, c *core.Order) *storage.Match {
	now := e.clock.Now()
	return &storage.Match{
		IncomingID:  o.ID,
		CandidateID: c.ID,
		FilledAt:    now,
		Derived:     Remainder(o, c),
		Settlements: Instructions(o, c, e.cfg.Senders, now),
	}
}

// Instructions returns the transfers owed once a and b fill against each
// other. Each side's sell currency goes to the other side's receiving key,
// capped at what the other side bought: on the partially filled side the
// rest of the sale belongs to the derived order. Transfers are whole base
// units, so an amount under one unit is not emitted.
func Instructions(a, b *core.Order, senders map[core.Network]string, now time.Time) []*core.Settlement {
	var out []*core.Settlement
	for _, pair := range [][2]*core.Order{{a, b}, {b, a}} {
		payer, payee := pair[0], pair[1]
		amount := core.Min(payer.SellAmount, payee.BuyAmount)
		if amount.Floor().Sign() <= 0 {
			continue
		}
		out = append(out, core.NewSettlement(
			payer.ID,
			payer.SellCurrency,
			senders[payer.SellCurrency],
			payee.ReceiverKey,
			amount,
			now,
		))
	}
	return out
}

func (e *Engine) committed(o, c *core.Order, m *storage.Match) *Result {
	filled := m.FilledAt
	oID, cID := o.ID, c.ID
	o.Filled, o.CounterpartyID = &filled, &cID
	c.Filled, c.CounterpartyID = &filled, &oID

	e.logger.Infow("order_matched", "id", o.ID, "counterparty", c.ID, "settlements", len(m.Settlements))
	if m.Derived != nil {
		e.logger.Infow("derived_order_created",
			"id", m.Derived.ID, "creator", *m.Derived.CreatorID,
			"sell_amount", m.Derived.SellAmount, "buy_amount", m.Derived.BuyAmount,
		)
	}
	return &Result{Order: o, Counterparty: c, Derived: m.Derived, Instructions: m.Settlements}
}

// claimedElsewhere reports the fill a concurrent submission made with o as
// its candidate. That submission owns the derived order and the settlements.
func (e *Engine) claimedElsewhere(ctx context.Context, o *core.Order) (*Result, error) {
	res := &Result{Order: o}
	if o.CounterpartyID == nil {
		// cancelled
		return res, nil
	}
	cp, err := e.ledger.GetOrder(ctx, *o.CounterpartyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load counterparty %d: %w", *o.CounterpartyID, err)
	}
	res.Counterparty = cp
	return res, nil
}
