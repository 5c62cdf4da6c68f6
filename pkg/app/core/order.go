package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the signed body of an order submission. Field order is fixed:
// Canonical marshals it and both signers and verifiers hash those bytes, so
// fields must never be reordered or renamed.
type Payload struct {
	SenderKey    string `json:"sender_pk"`
	ReceiverKey  string `json:"receiver_pk"`
	BuyCurrency  string `json:"buy_currency"`
	SellCurrency string `json:"sell_currency"`
	BuyAmount    string `json:"buy_amount"`  // rational string, e.g. "100", "2.5", "5/3"
	SellAmount   string `json:"sell_amount"` // rational string
	Platform     string `json:"platform"`    // network the sender signed and paid on
	PaymentRef   string `json:"tx_id"`       // backing payment on Platform
}

// Canonical returns the exact bytes that are signed
func (p Payload) Canonical() []byte {
	// marshalling a struct of strings cannot fail
	b, _ := json.Marshal(p)
	return b
}

// UnmarshalJSON accepts amounts as JSON strings or JSON numbers. A number
// keeps its literal text, so 2.5 and "2.5" decode to the same payload and
// the same canonical bytes.
func (p *Payload) UnmarshalJSON(b []byte) error {
	type plain Payload
	aux := struct {
		*plain
		BuyAmount  amountLiteral `json:"buy_amount"`
		SellAmount amountLiteral `json:"sell_amount"`
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	p.BuyAmount = string(aux.BuyAmount)
	p.SellAmount = string(aux.SellAmount)
	return nil
}

type amountLiteral string

func (a *amountLiteral) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = amountLiteral(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("amount must be a string or a number: %w", err)
	}
	*a = amountLiteral(n.String())
	return nil
}

// Submission is the wire envelope for POST /trade
type Submission struct {
	Signature string   `json:"sig"`
	Payload   *Payload `json:"payload"`
}

// ParseSubmission decodes and validates every required field. The returned
// error is a Validation error.
func ParseSubmission(raw []byte) (*Submission, error) {
	var sub Submission
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, NewError(KindValidation, fmt.Errorf("malformed submission: %w", err))
	}
	if sub.Signature == "" {
		return nil, NewError(KindValidation, fmt.Errorf("%w: sig", ErrMissingField))
	}
	if sub.Payload == nil {
		return nil, NewError(KindValidation, fmt.Errorf("%w: payload", ErrMissingField))
	}
	p := sub.Payload
	required := []struct {
		name, value string
	}{
		{"sender_pk", p.SenderKey},
		{"receiver_pk", p.ReceiverKey},
		{"buy_currency", p.BuyCurrency},
		{"sell_currency", p.SellCurrency},
		{"buy_amount", p.BuyAmount},
		{"sell_amount", p.SellAmount},
		{"platform", p.Platform},
		{"tx_id", p.PaymentRef},
	}
	for _, f := range required {
		if f.value == "" {
			return nil, NewError(KindValidation, fmt.Errorf("%w: %s", ErrMissingField, f.name))
		}
	}
	return &sub, nil
}

// Order is a ledger order row
type Order struct {
	ID           uint64  `json:"id"`
	SenderKey    string  `json:"sender_pk"`
	ReceiverKey  string  `json:"receiver_pk"`
	BuyCurrency  Network `json:"buy_currency"`
	SellCurrency Network `json:"sell_currency"`
	BuyAmount    Amount  `json:"buy_amount"`
	SellAmount   Amount  `json:"sell_amount"`
	Signature    string  `json:"signature"`
	PaymentRef   string  `json:"tx_id"`

	CreatedAt      time.Time  `json:"created_at"`
	Filled         *time.Time `json:"filled,omitempty"`          // set once, never cleared
	CounterpartyID *uint64    `json:"counterparty_id,omitempty"` // set together with Filled
	CreatorID      *uint64    `json:"creator_id,omitempty"`      // derived orders only
	Cancelled      *time.Time `json:"cancelled,omitempty"`
}

// OrderFromSubmission converts a validated submission into an unpersisted order
func OrderFromSubmission(sub *Submission) (*Order, error) {
	p := sub.Payload
	buy, err := ParseNetwork(p.BuyCurrency)
	if err != nil {
		return nil, NewError(KindValidation, fmt.Errorf("buy_currency: %w", err))
	}
	sell, err := ParseNetwork(p.SellCurrency)
	if err != nil {
		return nil, NewError(KindValidation, fmt.Errorf("sell_currency: %w", err))
	}
	platform, err := ParseNetwork(p.Platform)
	if err != nil {
		return nil, NewError(KindValidation, fmt.Errorf("platform: %w", err))
	}
	if buy == sell {
		return nil, NewError(KindValidation, fmt.Errorf("buy and sell currency are both %s", buy))
	}
	if platform != sell {
		return nil, NewError(KindValidation, fmt.Errorf("platform %s does not match sell currency %s", platform, sell))
	}
	buyAmt, err := ParseAmount(p.BuyAmount)
	if err != nil {
		return nil, NewError(KindValidation, fmt.Errorf("buy_amount: %w", err))
	}
	sellAmt, err := ParseAmount(p.SellAmount)
	if err != nil {
		return nil, NewError(KindValidation, fmt.Errorf("sell_amount: %w", err))
	}
	if !buyAmt.IsPositive() || !sellAmt.IsPositive() {
		return nil, NewError(KindValidation, ErrNonPositiveAmount)
	}
	return &Order{
		SenderKey:    p.SenderKey,
		ReceiverKey:  p.ReceiverKey,
		BuyCurrency:  buy,
		SellCurrency: sell,
		BuyAmount:    buyAmt,
		SellAmount:   sellAmt,
		Signature:    sub.Signature,
		PaymentRef:   p.PaymentRef,
	}, nil
}

// IsFilled reports whether the order has been matched
func (o *Order) IsFilled() bool { return o.Filled != nil }

// IsOpen reports whether the order can still be matched
func (o *Order) IsOpen() bool { return o.Filled == nil && o.Cancelled == nil }

// IsDerived reports whether the order carries another order's remainder
func (o *Order) IsDerived() bool { return o.CreatorID != nil }

// Crosses reports whether a resting order c crosses the incoming order o:
// opposite currencies and c.Sell/c.Buy >= o.Buy/o.Sell, compared by
// cross-multiplication so no division or rounding is involved.
func (o *Order) Crosses(c *Order) bool {
	if c.BuyCurrency != o.SellCurrency || c.SellCurrency != o.BuyCurrency {
		return false
	}
	lhs := c.SellAmount.Mul(o.SellAmount)
	rhs := o.BuyAmount.Mul(c.BuyAmount)
	return lhs.Cmp(rhs) >= 0
}

// CancelPayload is the signed body of a cancel request
type CancelPayload struct {
	OrderID   uint64 `json:"order_id"`
	SenderKey string `json:"sender_pk"`
	Platform  string `json:"platform"`
}

// Canonical returns the exact bytes that are signed for a cancel
func (c CancelPayload) Canonical() []byte {
	b, _ := json.Marshal(c)
	return b
}

// CancelRequest is the wire envelope for POST /cancel
type CancelRequest struct {
	Signature string         `json:"sig"`
	Payload   *CancelPayload `json:"payload"`
}
