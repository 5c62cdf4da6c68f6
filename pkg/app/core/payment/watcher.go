package payment

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

// Handler receives the outcome of a held submission
type Handler interface {
	// PaymentConfirmed takes over a confirmed hold. An error keeps the hold
	// so the next pass offers it again.
	PaymentConfirmed(ctx context.Context, h *core.Hold) error
	// PaymentRejected is told the hold will never confirm
	PaymentRejected(ctx context.Context, h *core.Hold, reason error)
}

type WatcherConfig struct {
	Recheck time.Duration // interval between passes
	Expiry  time.Duration // a hold older than this is rejected
}

func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{Recheck: 5 * time.Second, Expiry: 30 * time.Minute}
}

// Watcher re-checks submissions whose backing payment was still pending,
// until the payment confirms, turns out absent, or the hold expires. Holds
// are kept in the ledger so a restart resumes where it left off.
type Watcher struct {
	cfg      WatcherConfig
	ledger   storage.Ledger
	verifier *Verifier
	handler  Handler
	clock    util.Clock
	logger   *zap.SugaredLogger
}

func NewWatcher(cfg WatcherConfig, ledger storage.Ledger, verifier *Verifier, handler Handler, clock util.Clock, logger *zap.SugaredLogger) *Watcher {
	return &Watcher{
		cfg:      cfg,
		ledger:   ledger,
		verifier: verifier,
		handler:  handler,
		clock:    clock,
		logger:   logger,
	}
}

// Hold records a submission for re-checking. Fails with
// core.ErrPaymentReused when the payment is already held or consumed.
func (w *Watcher) Hold(ctx context.Context, sub *core.Submission, o *core.Order) (*core.Hold, error) {
	now := w.clock.Now()
	h := &core.Hold{
		Submission:  sub,
		Order:       o,
		FirstSeen:   now,
		NextCheckAt: now.Add(w.cfg.Recheck),
	}
	if err := w.ledger.PutHold(ctx, h); err != nil {
		return nil, err
	}
	w.logger.Infow("payment_held", "hold", h.ID, "network", o.SellCurrency, "ref", o.PaymentRef)
	return h, nil
}

// Run re-checks due holds every Recheck interval until ctx is done
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(w.cfg.Recheck):
			if err := w.Poll(ctx); err != nil && ctx.Err() == nil {
				w.logger.Errorw("hold_poll_failed", "err", err)
			}
		}
	}
}

// Poll runs one pass over the holds that are due
func (w *Watcher) Poll(ctx context.Context) error {
	holds, err := w.ledger.Holds(ctx)
	if err != nil {
		return fmt.Errorf("failed to list holds: %w", err)
	}
	now := w.clock.Now()
	for _, h := range holds {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if h.NextCheckAt.After(now) {
			continue
		}
		if err := w.check(ctx, h, now); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) check(ctx context.Context, h *core.Hold, now time.Time) error {
	res, err := w.verifier.Confirmed(ctx, h.Order)
	if err != nil {
		return err
	}
	h.Attempts++

	switch res.Status {
	case StatusConfirmed:
		if err := w.handler.PaymentConfirmed(ctx, h); err != nil {
			if !errors.Is(err, core.ErrPaymentReused) {
				w.logger.Errorw("hold_release_failed", "hold", h.ID, "err", err)
				return w.reschedule(ctx, h, now)
			}
			// a previous pass already admitted it and then failed to drop the hold
			w.logger.Warnw("hold_already_consumed", "hold", h.ID)
		}
		w.logger.Infow("hold_confirmed", "hold", h.ID, "attempts", h.Attempts)
		return w.ledger.DeleteHold(ctx, h.ID)

	case StatusAbsent:
		return w.reject(ctx, h, core.NewError(core.KindPaymentAbsent, fmt.Errorf("%w: %v", core.ErrPaymentAbsent, res.Reason)))
	}

	if now.Sub(h.FirstSeen) >= w.cfg.Expiry {
		return w.reject(ctx, h, core.NewError(core.KindPaymentAbsent, fmt.Errorf("%w after %s", core.ErrHoldExpired, w.cfg.Expiry)))
	}
	return w.reschedule(ctx, h, now)
}

func (w *Watcher) reschedule(ctx context.Context, h *core.Hold, now time.Time) error {
	h.NextCheckAt = now.Add(w.cfg.Recheck)
	return w.ledger.UpdateHold(ctx, h)
}

func (w *Watcher) reject(ctx context.Context, h *core.Hold, reason error) error {
	if err := w.ledger.DeleteHold(ctx, h.ID); err != nil {
		return err
	}
	w.logger.Warnw("hold_rejected", "hold", h.ID, "reason", reason)
	w.handler.PaymentRejected(ctx, h, reason)
	return nil
}
