package settlement

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/xchange/pkg/app/core"
	"github.com/uhyunpark/xchange/pkg/app/core/payment"
	"github.com/uhyunpark/xchange/pkg/storage"
	"github.com/uhyunpark/xchange/pkg/util"
)

// Summary counts what one reconciliation pass did
type Summary struct {
	Resubmitted int
	Confirmed   int
	Reverted    int
	Rebroadcast int // submitted transfers sent again after going missing
	Dropped     int // submitted transfers that can never be included
}

// Reconciler periodically retries failed and stale settlements and
// confirms submitted ones against the network
type Reconciler struct {
	exec     *Executor
	verifier *payment.Verifier
	ledger   storage.Ledger
	clock    util.Clock
	interval time.Duration
	logger   *zap.SugaredLogger
}

func NewReconciler(exec *Executor, verifier *payment.Verifier, ledger storage.Ledger, clock util.Clock, interval time.Duration, logger *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		exec:     exec,
		verifier: verifier,
		ledger:   ledger,
		clock:    clock,
		interval: interval,
		logger:   logger,
	}
}

func (r *Reconciler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(r.interval):
			sum, err := r.Pass(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Errorw("reconcile_failed", "err", err)
				}
				continue
			}
			if sum != (Summary{}) {
				r.logger.Infow("reconcile_pass",
					"resubmitted", sum.Resubmitted, "confirmed", sum.Confirmed, "reverted", sum.Reverted,
					"rebroadcast", sum.Rebroadcast, "dropped", sum.Dropped)
			}
		}
	}
}

// Pass runs one reconciliation round
func (r *Reconciler) Pass(ctx context.Context) (Summary, error) {
	var sum Summary
	now := r.clock.Now()

	due, err := r.due(ctx, now)
	if err != nil {
		return sum, err
	}
	if err := r.exec.Execute(ctx, due); err != nil {
		return sum, err
	}
	sum.Resubmitted = len(due)

	submitted, err := r.ledger.Settlements(ctx, core.SettlementSubmitted)
	if err != nil {
		return sum, err
	}
	for _, st := range submitted {
		res, err := r.verifier.Outgoing(ctx, st)
		if err != nil {
			return sum, err
		}
		switch res.Status {
		case payment.StatusConfirmed:
			if _, err := r.ledger.TransitionSettlement(ctx, st.OrderID, []core.SettlementStatus{core.SettlementSubmitted}, func(s *core.Settlement) {
				s.Status = core.SettlementConfirmed
			}); err != nil {
				return sum, err
			}
			sum.Confirmed++
			r.logger.Infow("settlement_confirmed", "order", st.OrderID, "network", st.Network, "tx", *st.TxHandle)

		case payment.StatusAbsent:
			// reverted on chain, so nothing moved and the transfer can be sent again
			if _, err := r.ledger.TransitionSettlement(ctx, st.OrderID, []core.SettlementStatus{core.SettlementSubmitted}, func(s *core.Settlement) {
				s.Status = core.SettlementFailed
				s.LastError = fmt.Sprintf("transfer %s: %v", *st.TxHandle, res.Reason)
				s.NextAttemptAt = now.Add(r.exec.RetryDelay(s.Attempts))
			}); err != nil {
				return sum, err
			}
			sum.Reverted++
			r.logger.Warnw("settlement_reverted", "order", st.OrderID, "network", st.Network, "reason", res.Reason)

		case payment.StatusPending:
			// unknown to the network for too long: dropped from the pool, or
			// never made it there
			if res.Observed != nil || now.Sub(st.UpdatedAt) < r.exec.cfg.StaleAfter {
				continue
			}
			dropped, err := r.exec.Rebroadcast(ctx, st)
			if err != nil {
				return sum, err
			}
			if dropped {
				sum.Dropped++
			} else {
				sum.Rebroadcast++
			}
		}
	}
	return sum, nil
}

// due lists failed records whose backoff has elapsed and pending records
// nobody picked up within StaleAfter
func (r *Reconciler) due(ctx context.Context, now time.Time) ([]*core.Settlement, error) {
	candidates, err := r.ledger.Settlements(ctx, core.SettlementFailed, core.SettlementPending)
	if err != nil {
		return nil, err
	}
	var due []*core.Settlement
	for _, st := range candidates {
		switch st.Status {
		case core.SettlementFailed:
			if st.Attempts >= r.exec.cfg.MaxAttempts || st.NextAttemptAt.After(now) {
				continue
			}
		case core.SettlementPending:
			if now.Sub(st.CreatedAt) < r.exec.cfg.StaleAfter {
				continue
			}
		}
		due = append(due, st)
	}
	return due, nil
}
