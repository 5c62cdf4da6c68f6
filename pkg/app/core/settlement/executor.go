// Package settlement carries out the transfers owed by matched orders and
// reconciles them with what the networks report.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/xchange/pkg/app/core"
	"github.com/uhyunpark/xchange/pkg/chain"
	"github.com/uhyunpark/xchange/pkg/storage"
	"github.com/uhyunpark/xchange/pkg/util"
)

type Config struct {
	MaxAttempts   int           // failed submissions past this wait for manual action
	StaleAfter    time.Duration // pending records older than this are picked up by reconciliation
	BaseDelay     time.Duration // first retry delay, doubled per attempt
	MaxDelay      time.Duration
	SubmitTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:   8,
		StaleAfter:    time.Minute,
		BaseDelay:     5 * time.Second,
		MaxDelay:      10 * time.Minute,
		SubmitTimeout: 30 * time.Second,
	}
}

var (
	errNoClient         = errors.New("no client for network")
	errTransferMismatch = errors.New("stored transfer does not match settlement")
)

// submittable is where a record may be picked up from
var submittable = []core.SettlementStatus{core.SettlementPending, core.SettlementFailed}

// Executor submits settlement transfers. Networks proceed in parallel; on
// one network submissions go one at a time because they share the
// exchange's sending account.
type Executor struct {
	cfg    Config
	ledger storage.Ledger
	chains chain.Registry
	clock  util.Clock
	logger *zap.SugaredLogger

	locksMu sync.Mutex
	locks   map[core.Network]*sync.Mutex

	flightMu sync.Mutex
	inFlight map[uint64]struct{} // by order id
}

func NewExecutor(cfg Config, ledger storage.Ledger, chains chain.Registry, clock util.Clock, logger *zap.SugaredLogger) *Executor {
	return &Executor{
		cfg:      cfg,
		ledger:   ledger,
		chains:   chains,
		clock:    clock,
		logger:   logger,
		locks:    make(map[core.Network]*sync.Mutex),
		inFlight: make(map[uint64]struct{}),
	}
}

// GroupByNetwork splits settlements per network, keeping their order
func GroupByNetwork(settlements []*core.Settlement) map[core.Network][]*core.Settlement {
	groups := make(map[core.Network][]*core.Settlement)
	for _, st := range settlements {
		groups[st.Network] = append(groups[st.Network], st)
	}
	return groups
}

// Execute submits every settlement that is still pending or failed.
// Submission failures are recorded on the settlement and never returned;
// the returned error is a ledger failure.
func (x *Executor) Execute(ctx context.Context, settlements []*core.Settlement) error {
	// no shared cancellation: a ledger error on one network must not abort a
	// transfer already on its way on another
	var g errgroup.Group
	for network, batch := range GroupByNetwork(settlements) {
		network, batch := network, batch
		g.Go(func() error {
			return x.runNetwork(ctx, network, batch)
		})
	}
	return g.Wait()
}

func (x *Executor) runNetwork(ctx context.Context, n core.Network, batch []*core.Settlement) error {
	lock := x.networkLock(n)
	lock.Lock()
	defer lock.Unlock()

	for _, st := range batch {
		if err := x.submit(ctx, st.OrderID); err != nil {
			return err
		}
	}
	return nil
}

func (x *Executor) submit(ctx context.Context, orderID uint64) error {
	if !x.claim(orderID) {
		return nil
	}
	defer x.release(orderID)

	st, err := x.ledger.GetSettlement(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to load settlement for order %d: %w", orderID, err)
	}
	if st.Status != core.SettlementPending && st.Status != core.SettlementFailed {
		// submitted or confirmed already; sending again would pay twice
		return nil
	}
	if st.Status == core.SettlementFailed && st.Attempts >= x.cfg.MaxAttempts {
		return nil
	}

	client, ok := x.chains.Get(st.Network)
	if !ok {
		return x.recordFailure(ctx, st, fmt.Errorf("%w %s", errNoClient, st.Network))
	}

	if st.RawTx != nil {
		prior, err := x.inspectPrior(ctx, client, st)
		if err != nil {
			return x.recordFailure(ctx, st, core.NewError(core.KindSettlementSubmission, err))
		}
		switch prior {
		case priorLanded:
			x.logger.Infow("settlement_already_broadcast",
				"order", orderID, "network", st.Network, "tx", *st.TxHandle)
			return x.markSubmitted(ctx, st, false)
		case priorDead:
			x.logger.Warnw("settlement_transfer_replaced",
				"order", orderID, "network", st.Network, "tx", *st.TxHandle)
			st.RawTx = nil
		}
	}

	if st.RawTx == nil {
		if st, err = x.prepare(ctx, client, st); err != nil {
			return err
		}
		if st.RawTx == nil {
			// preparing failed and was recorded
			return nil
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, x.cfg.SubmitTimeout)
	err = client.Broadcast(callCtx, st.RawTx)
	cancel()
	if err != nil {
		return x.recordFailure(ctx, st, core.NewError(core.KindSettlementSubmission, err))
	}
	return x.markSubmitted(ctx, st, true)
}

// Rebroadcast follows up on a submitted transfer the network no longer
// reports. Bytes that can still be included are sent again; once they can
// never be included the record is failed with an immediate retry, which
// signs a replacement. dropped reports the latter.
func (x *Executor) Rebroadcast(ctx context.Context, st *core.Settlement) (dropped bool, err error) {
	if st.RawTx == nil || st.TxHandle == nil {
		return false, nil
	}
	client, ok := x.chains.Get(st.Network)
	if !ok {
		return false, nil
	}

	lock := x.networkLock(st.Network)
	lock.Lock()
	defer lock.Unlock()
	if !x.claim(st.OrderID) {
		return false, nil
	}
	defer x.release(st.OrderID)

	callCtx, cancel := context.WithTimeout(ctx, x.cfg.SubmitTimeout)
	defer cancel()

	expired, err := client.TransferExpired(callCtx, st.RawTx)
	if err != nil {
		x.logger.Warnw("settlement_rebroadcast_failed", "order", st.OrderID, "network", st.Network, "tx", *st.TxHandle, "err", err)
		return false, nil
	}
	onlySubmitted := []core.SettlementStatus{core.SettlementSubmitted}

	if expired {
		now := x.clock.Now()
		_, err := x.ledger.TransitionSettlement(ctx, st.OrderID, onlySubmitted, func(s *core.Settlement) {
			s.Status = core.SettlementFailed
			s.LastError = fmt.Sprintf("transfer %s dropped unmined", *st.TxHandle)
			s.NextAttemptAt = now
		})
		if err != nil {
			return false, err
		}
		x.logger.Warnw("settlement_dropped", "order", st.OrderID, "network", st.Network, "tx", *st.TxHandle)
		return true, nil
	}

	if err := client.Broadcast(callCtx, st.RawTx); err != nil {
		x.logger.Warnw("settlement_rebroadcast_failed", "order", st.OrderID, "network", st.Network, "tx", *st.TxHandle, "err", err)
	} else {
		x.logger.Infow("settlement_rebroadcast", "order", st.OrderID, "network", st.Network, "tx", *st.TxHandle)
	}
	// restarts the wait before the next follow-up
	_, err = x.ledger.TransitionSettlement(ctx, st.OrderID, onlySubmitted, func(*core.Settlement) {})
	return false, err
}

type priorState int

const (
	priorUnsent priorState = iota // not on chain but still includable
	priorLanded                   // seen by the network
	priorDead                     // reverted, or can never be included
)

// inspectPrior looks up the transfer signed by an earlier attempt
func (x *Executor) inspectPrior(ctx context.Context, client chain.Client, st *core.Settlement) (priorState, error) {
	callCtx, cancel := context.WithTimeout(ctx, x.cfg.SubmitTimeout)
	defer cancel()

	p, err := client.VerifyPayment(callCtx, *st.TxHandle)
	switch {
	case err == nil && p.Failed:
		return priorDead, nil
	case err == nil && (p.Amount == nil || p.Amount.Cmp(st.Amount.Floor()) != 0 || !chain.SameAddress(st.Network, p.To, st.Recipient)):
		// something is on chain under this handle; never pay on top of it
		return priorUnsent, fmt.Errorf("%w: %s", errTransferMismatch, *st.TxHandle)
	case err == nil:
		return priorLanded, nil
	case !errors.Is(err, chain.ErrTxNotFound):
		return priorUnsent, err
	}
	expired, err := client.TransferExpired(callCtx, st.RawTx)
	if err != nil {
		return priorUnsent, err
	}
	if expired {
		return priorDead, nil
	}
	return priorUnsent, nil
}

// prepare signs a new transfer and stores it with its handle before
// anything is sent, so a retry finds the same transfer. A signing failure
// is recorded and the returned record has no RawTx.
func (x *Executor) prepare(ctx context.Context, client chain.Client, st *core.Settlement) (*core.Settlement, error) {
	callCtx, cancel := context.WithTimeout(ctx, x.cfg.SubmitTimeout)
	t, err := client.PrepareTransfer(callCtx, st.Recipient, st.Amount.Floor())
	cancel()
	if err != nil {
		st.RawTx = nil
		return st, x.recordFailure(ctx, st, core.NewError(core.KindSettlementSubmission, err))
	}

	updated, err := x.ledger.TransitionSettlement(ctx, st.OrderID, submittable, func(s *core.Settlement) {
		s.TxHandle = &t.Handle
		s.RawTx = t.Raw
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store transfer for order %d: %w", st.OrderID, err)
	}
	return updated, nil
}

func (x *Executor) markSubmitted(ctx context.Context, st *core.Settlement, attempted bool) error {
	_, err := x.ledger.TransitionSettlement(ctx, st.OrderID, submittable, func(s *core.Settlement) {
		s.Status = core.SettlementSubmitted
		if attempted {
			s.Attempts++
		}
		s.LastError = ""
	})
	if err != nil {
		// the stored transfer is found on the next pass
		x.logger.Errorw("settlement_record_lost",
			"order", st.OrderID, "network", st.Network, "tx", *st.TxHandle, "err", err)
		return err
	}
	x.logger.Infow("settlement_submitted",
		"order", st.OrderID, "network", st.Network, "to", st.Recipient,
		"amount", st.Amount.Floor().String(), "tx", *st.TxHandle)
	return nil
}

func (x *Executor) recordFailure(ctx context.Context, st *core.Settlement, cause error) error {
	now := x.clock.Now()
	updated, err := x.ledger.TransitionSettlement(ctx, st.OrderID, submittable, func(s *core.Settlement) {
		s.Status = core.SettlementFailed
		s.Attempts++
		s.LastError = cause.Error()
		s.NextAttemptAt = now.Add(x.RetryDelay(s.Attempts))
	})
	if err != nil {
		return err
	}
	x.logger.Warnw("settlement_failed",
		"order", st.OrderID, "network", st.Network, "attempts", updated.Attempts,
		"next_attempt_at", updated.NextAttemptAt, "err", cause)
	if updated.Attempts >= x.cfg.MaxAttempts {
		x.logger.Errorw("settlement_abandoned", "order", st.OrderID, "network", st.Network, "attempts", updated.Attempts)
	}
	return nil
}

// RetryDelay is the wait after the given number of failed attempts:
// BaseDelay doubled per attempt, capped at MaxDelay
func (x *Executor) RetryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = x.cfg.BaseDelay
	b.MaxInterval = x.cfg.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.InitialInterval
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (x *Executor) networkLock(n core.Network) *sync.Mutex {
	x.locksMu.Lock()
	defer x.locksMu.Unlock()
	l, ok := x.locks[n]
	if !ok {
		l = &sync.Mutex{}
		x.locks[n] = l
	}
	return l
}

func (x *Executor) claim(orderID uint64) bool {
	x.flightMu.Lock()
	defer x.flightMu.Unlock()
	if _, busy := x.inFlight[orderID]; busy {
		return false
	}
	x.inFlight[orderID] = struct{}{}
	return true
}

func (x *Executor) release(orderID uint64) {
	x.flightMu.Lock()
	defer x.flightMu.Unlock()
	delete(x.inFlight, orderID)
}
