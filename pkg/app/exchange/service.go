// Package exchange is the order relay: it authenticates submissions, gates
// them on their backing payment, matches them and settles the result.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/xchange/pkg/app/core"
	"github.com/uhyunpark/xchange/pkg/app/core/audit"
	"github.com/uhyunpark/xchange/pkg/app/core/auth"
	"github.com/uhyunpark/xchange/pkg/app/core/matching"
	"github.com/uhyunpark/xchange/pkg/app/core/payment"
	"github.com/uhyunpark/xchange/pkg/app/core/settlement"
	"github.com/uhyunpark/xchange/pkg/chain"
	"github.com/uhyunpark/xchange/pkg/storage"
	"github.com/uhyunpark/xchange/pkg/util"
)

type Config struct {
	Payment            payment.Config
	Watcher            payment.WatcherConfig
	Settlement         settlement.Config
	ReconcileInterval  time.Duration
	MaxConflictRetries int
}

func DefaultConfig() Config {
	return Config{
		Payment:            payment.DefaultConfig(),
		Watcher:            payment.DefaultWatcherConfig(),
		Settlement:         settlement.DefaultConfig(),
		ReconcileInterval:  10 * time.Second,
		MaxConflictRetries: matching.DefaultMaxConflictRetries,
	}
}

// Fill is published for every committed match
type Fill struct {
	Order        *core.Order        `json:"order"`
	Counterparty *core.Order        `json:"counterparty"`
	Derived      *core.Order        `json:"derived,omitempty"`
	Settlements  []*core.Settlement `json:"settlements"`
}

type Service struct {
	cfg    Config
	ledger storage.Ledger
	chains chain.Registry
	clock  util.Clock
	logger *zap.SugaredLogger

	auth       *auth.Authenticator
	verifier   *payment.Verifier
	watcher    *payment.Watcher
	engine     *matching.Engine
	executor   *settlement.Executor
	reconciler *settlement.Reconciler
	audit      *audit.Log

	fillMu    sync.RWMutex
	fillHooks []func(Fill)
}

func New(cfg Config, ledger storage.Ledger, chains chain.Registry, clock util.Clock, logger *zap.SugaredLogger) *Service {
	senders := make(map[core.Network]string, len(chains))
	for n, c := range chains {
		senders[n] = c.Address()
	}

	s := &Service{
		cfg:    cfg,
		ledger: ledger,
		chains: chains,
		clock:  clock,
		logger: logger,
		auth:   auth.New(),
		audit:  audit.NewLog(ledger, clock, logger),
	}
	s.verifier = payment.NewVerifier(chains, cfg.Payment, logger)
	s.watcher = payment.NewWatcher(cfg.Watcher, ledger, s.verifier, s, clock, logger)
	s.engine = matching.NewEngine(matching.Config{
		Senders:            senders,
		MaxConflictRetries: cfg.MaxConflictRetries,
	}, ledger, clock, logger)
	s.executor = settlement.NewExecutor(cfg.Settlement, ledger, chains, clock, logger)
	s.reconciler = settlement.NewReconciler(s.executor, s.verifier, ledger, clock, cfg.ReconcileInterval, logger)
	return s
}

// Run drives the hold watcher and settlement reconciliation until ctx is done
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.watcher.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.reconciler.Run(ctx)
		return nil
	})
	return g.Wait()
}

// OnFill registers a listener for committed matches. Listeners run on the
// submitting goroutine and must not block.
func (s *Service) OnFill(f func(Fill)) {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	s.fillHooks = append(s.fillHooks, f)
}

// Submit handles one raw order submission. It returns false for a rejected
// submission (which is audited) and true once the order, or its hold while
// the payment confirms, is durably recorded. The only error is a storage
// failure, in which case nothing was accepted and the caller must resubmit.
func (s *Service) Submit(ctx context.Context, raw []byte) (bool, error) {
	sub, err := core.ParseSubmission(raw)
	if err != nil {
		return s.reject(raw, err)
	}
	o, err := core.OrderFromSubmission(sub)
	if err != nil {
		return s.reject(raw, err)
	}
	if err := validateKeys(o); err != nil {
		return s.reject(raw, err)
	}
	if !s.auth.VerifySubmission(sub) {
		return s.reject(raw, core.NewError(core.KindAuthentication, core.ErrBadSignature))
	}

	used, err := s.ledger.PaymentUsed(ctx, o.SellCurrency, o.PaymentRef)
	if err != nil {
		return false, err
	}
	if used {
		return s.reject(raw, core.NewError(core.KindPaymentAbsent, core.ErrPaymentReused))
	}

	res, err := s.verifier.Confirmed(ctx, o)
	if err != nil {
		return false, err
	}
	switch res.Status {
	case payment.StatusAbsent:
		return s.reject(raw, core.NewError(core.KindPaymentAbsent, fmt.Errorf("%w: %v", core.ErrPaymentAbsent, res.Reason)))
	case payment.StatusPending:
		if _, err := s.watcher.Hold(ctx, sub, o); err != nil {
			if errors.Is(err, core.ErrPaymentReused) {
				return s.reject(raw, err)
			}
			return false, err
		}
		return true, nil
	}

	if err := s.admit(ctx, o); err != nil {
		if errors.Is(err, core.ErrPaymentReused) {
			// lost a race with another submission citing the same payment
			return s.reject(raw, err)
		}
		return false, err
	}
	return true, nil
}

// admit matches a payment-confirmed order and executes its settlements
func (s *Service) admit(ctx context.Context, o *core.Order) error {
	res, err := s.engine.Match(ctx, o)
	if err != nil {
		return err
	}
	if !res.Matched() || len(res.Instructions) == 0 {
		// resting, or filled by a concurrent submission that owns the fill
		return nil
	}
	s.publish(res)

	// the match is committed; settlement must not depend on the client
	// staying connected, and its failures are retried by reconciliation
	if err := s.executor.Execute(context.WithoutCancel(ctx), res.Instructions); err != nil {
		s.logger.Errorw("settlement_execute_failed", "order", o.ID, "err", err)
	}
	return nil
}

func (s *Service) publish(res *matching.Result) {
	f := Fill{
		Order:        res.Order,
		Counterparty: res.Counterparty,
		Derived:      res.Derived,
		Settlements:  res.Instructions,
	}
	s.fillMu.RLock()
	defer s.fillMu.RUnlock()
	for _, h := range s.fillHooks {
		h(f)
	}
}

func (s *Service) reject(raw []byte, reason error) (bool, error) {
	s.audit.Record(raw, reason)
	return false, nil
}

// PaymentConfirmed releases a held submission into matching
func (s *Service) PaymentConfirmed(ctx context.Context, h *core.Hold) error {
	return s.admit(ctx, h.Order)
}

// PaymentRejected audits a held submission whose payment never arrived
func (s *Service) PaymentRejected(_ context.Context, h *core.Hold, reason error) {
	raw, err := json.Marshal(h.Submission)
	if err != nil {
		s.logger.Errorw("hold_marshal_failed", "hold", h.ID, "err", err)
	}
	s.audit.Record(raw, reason)
}

// ProcessHolds runs one pass of the payment watcher
func (s *Service) ProcessHolds(ctx context.Context) error { return s.watcher.Poll(ctx) }

// Reconcile runs one settlement reconciliation pass
func (s *Service) Reconcile(ctx context.Context) (settlement.Summary, error) {
	return s.reconciler.Pass(ctx)
}

// ReceivingAddress is where payers send the funds backing their orders
func (s *Service) ReceivingAddress(network string) (string, error) {
	n, err := core.ParseNetwork(network)
	if err != nil {
		return "", core.NewError(core.KindValidation, err)
	}
	c, ok := s.chains.Get(n)
	if !ok {
		return "", core.NewError(core.KindValidation, fmt.Errorf("network %s not served", n))
	}
	return c.Address(), nil
}

// OrderBook returns every order, filled or not, in insertion order
func (s *Service) OrderBook(ctx context.Context) ([]*core.Order, error) {
	return s.ledger.Orders(ctx)
}

func (s *Service) Settlements(ctx context.Context) ([]*core.Settlement, error) {
	return s.ledger.Settlements(ctx)
}

func (s *Service) Rejections(ctx context.Context) ([]*core.RejectedSubmission, error) {
	return s.ledger.Rejections(ctx)
}

func (s *Service) Holds(ctx context.Context) ([]*core.Hold, error) {
	return s.ledger.Holds(ctx)
}

// CancelOrder cancels an open order on behalf of its sender. It races
// matching under the ledger's commit discipline: exactly one of them wins.
func (s *Service) CancelOrder(ctx context.Context, req *core.CancelRequest) (*core.Order, error) {
	if req == nil || req.Payload == nil || req.Signature == "" {
		return nil, core.NewError(core.KindValidation, fmt.Errorf("%w: sig or payload", core.ErrMissingField))
	}
	if !s.auth.VerifyCancel(req) {
		return nil, core.NewError(core.KindAuthentication, core.ErrBadSignature)
	}

	o, err := s.ledger.GetOrder(ctx, req.Payload.OrderID)
	if err != nil {
		if errors.Is(err, core.ErrOrderNotFound) {
			return nil, core.NewError(core.KindValidation, err)
		}
		return nil, err
	}
	platform, _ := core.ParseNetwork(req.Payload.Platform)
	if platform != o.SellCurrency || !chain.SameAddress(platform, req.Payload.SenderKey, o.SenderKey) {
		return nil, core.NewError(core.KindAuthentication, fmt.Errorf("%w: not the order's sender", core.ErrBadSignature))
	}

	cancelled, err := s.ledger.CancelOrder(ctx, o.ID, s.clock.Now())
	if err != nil {
		if errors.Is(err, core.ErrOrderClosed) {
			return nil, core.NewError(core.KindValidation, err)
		}
		return nil, err
	}
	s.logger.Infow("order_cancelled", "id", o.ID, "sender", o.SenderKey)
	return cancelled, nil
}

// validateKeys checks the sender key is an account on the sell network and
// the receiver key an account on the buy network, where it will be paid
func validateKeys(o *core.Order) error {
	if err := chain.ValidateAddress(o.SellCurrency, o.SenderKey); err != nil {
		return core.NewError(core.KindValidation, fmt.Errorf("sender_pk: %w", err))
	}
	if err := chain.ValidateAddress(o.BuyCurrency, o.ReceiverKey); err != nil {
		return core.NewError(core.KindValidation, fmt.Errorf("receiver_pk: %w", err))
	}
	return nil
}
