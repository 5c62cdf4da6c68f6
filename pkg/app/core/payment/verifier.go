// Package payment decides whether an order is backed by an on-chain payment
// to the exchange, and whether the exchange's own transfers have landed.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/uhyunpark/xchange/pkg/app/core"
	"github.com/uhyunpark/xchange/pkg/chain"
)

// Status is the outcome of a payment check
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusPending   Status = "pending"
	StatusAbsent    Status = "absent"
)

// Result of a payment check. Reason explains pending and absent results.
type Result struct {
	Status   Status
	Observed *chain.Payment
	Reason   error
}

// Config bounds the network calls made per check
type Config struct {
	Timeout         time.Duration // per call
	MaxRetries      uint64        // transport failures retried this many times
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:         5 * time.Second,
		MaxRetries:      4,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

var (
	errNoClient      = errors.New("no client for network")
	errReverted      = errors.New("transaction reverted")
	errWrongTarget   = errors.New("payment not sent to the exchange")
	errShortPayment  = errors.New("payment smaller than sell amount")
	errWrongSender   = errors.New("transfer not sent by the exchange")
	errMissingHandle = errors.New("settlement has no transaction handle")
	errWrongAmount   = errors.New("transfer amount differs from settlement")
)

// Verifier checks payments through the per-network clients
type Verifier struct {
	chains chain.Registry
	cfg    Config
	logger *zap.SugaredLogger
}

func NewVerifier(chains chain.Registry, cfg Config, logger *zap.SugaredLogger) *Verifier {
	return &Verifier{chains: chains, cfg: cfg, logger: logger}
}

// Confirmed checks the order's backing payment: it must be on the sell
// network, sent to the exchange's receiving address, and cover the sell
// amount. Unknown or unmined transactions and exhausted retries are pending;
// only a definite mismatch is absent.
func (v *Verifier) Confirmed(ctx context.Context, o *core.Order) (Result, error) {
	client, ok := v.chains.Get(o.SellCurrency)
	if !ok {
		return Result{Status: StatusAbsent, Reason: fmt.Errorf("%w %s", errNoClient, o.SellCurrency)}, nil
	}

	p, res, err := v.lookup(ctx, client, o.PaymentRef)
	if err != nil || p == nil {
		return res, err
	}
	res.Observed = p

	switch {
	case p.Failed:
		res.Status, res.Reason = StatusAbsent, errReverted
	case !chain.SameAddress(o.SellCurrency, p.To, client.Address()):
		res.Status, res.Reason = StatusAbsent, fmt.Errorf("%w: sent to %s", errWrongTarget, p.To)
	case core.AmountFromInt(p.Amount).Cmp(o.SellAmount) < 0:
		res.Status, res.Reason = StatusAbsent, fmt.Errorf("%w: paid %s, selling %s", errShortPayment, p.Amount, o.SellAmount)
	case !p.Confirmed:
		res.Status, res.Reason = StatusPending, core.ErrPaymentPending
	default:
		res.Status, res.Reason = StatusConfirmed, nil
	}
	return res, nil
}

// Outgoing checks one of the exchange's own settlement transfers
func (v *Verifier) Outgoing(ctx context.Context, st *core.Settlement) (Result, error) {
	if st.TxHandle == nil {
		return Result{Status: StatusAbsent, Reason: errMissingHandle}, nil
	}
	client, ok := v.chains.Get(st.Network)
	if !ok {
		return Result{Status: StatusAbsent, Reason: fmt.Errorf("%w %s", errNoClient, st.Network)}, nil
	}

	p, res, err := v.lookup(ctx, client, *st.TxHandle)
	if err != nil || p == nil {
		return res, err
	}
	res.Observed = p

	switch {
	case p.Failed:
		res.Status, res.Reason = StatusAbsent, errReverted
	case !chain.SameAddress(st.Network, p.From, client.Address()):
		res.Status, res.Reason = StatusAbsent, fmt.Errorf("%w: sent by %s", errWrongSender, p.From)
	case !chain.SameAddress(st.Network, p.To, st.Recipient):
		res.Status, res.Reason = StatusAbsent, fmt.Errorf("%w: sent to %s", errWrongTarget, p.To)
	case p.Amount == nil || p.Amount.Cmp(st.Amount.Floor()) != 0:
		res.Status, res.Reason = StatusAbsent, fmt.Errorf("%w: sent %s, owed %s", errWrongAmount, p.Amount, st.Amount.Floor())
	case !p.Confirmed:
		res.Status, res.Reason = StatusPending, core.ErrPaymentPending
	default:
		res.Status, res.Reason = StatusConfirmed, nil
	}
	return res, nil
}

// lookup fetches ref, retrying transport failures with exponential backoff.
// A nil payment comes with the pending result to report. The only error
// returned is context cancellation by the caller.
func (v *Verifier) lookup(ctx context.Context, client chain.Client, ref string) (*chain.Payment, Result, error) {
	var p *chain.Payment
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
		defer cancel()
		got, err := client.VerifyPayment(callCtx, ref)
		if errors.Is(err, chain.ErrTxNotFound) {
			// not an outage; asking again right away will not help
			return backoff.Permanent(err)
		}
		if err != nil {
			v.logger.Debugw("payment_lookup_retry", "network", client.Network(), "ref", ref, "err", err)
			return err
		}
		p = got
		return nil
	}

	err := backoff.Retry(op, v.backOff(ctx))
	if err == nil {
		return p, Result{}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, Result{}, ctxErr
	}
	if errors.Is(err, chain.ErrTxNotFound) {
		return nil, Result{Status: StatusPending, Reason: fmt.Errorf("%w: %v", core.ErrPaymentPending, err)}, nil
	}
	v.logger.Warnw("payment_lookup_failed", "network", client.Network(), "ref", ref, "err", err)
	return nil, Result{Status: StatusPending, Reason: fmt.Errorf("%w: %v", core.ErrPaymentPending, err)}, nil
}

func (v *Verifier) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = v.cfg.InitialInterval
	eb.MaxInterval = v.cfg.MaxInterval
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, v.cfg.MaxRetries), ctx)
}
