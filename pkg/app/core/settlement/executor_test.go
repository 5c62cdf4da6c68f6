package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/xchange/pkg/app/core"
	"github.com/uhyunpark/xchange/pkg/app/core/payment"
	"github.com/uhyunpark/xchange/pkg/chain"
	"github.com/uhyunpark/xchange/pkg/chain/simnet"
	"github.com/uhyunpark/xchange/pkg/storage"
	"github.com/uhyunpark/xchange/pkg/util"
)

const (
	exchangeEth  = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	exchangeAlgo = "EXCHANGEALGO"
	aliceEth     = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
	bobAlgo      = "BOBALGO"
)

type fixture struct {
	ledger *storage.PebbleLedger
	clock  *util.ManualClock
	eth    *simnet.Chain
	algo   *simnet.Chain
	exec   *Executor
	rec    *Reconciler
	refs   int
}

func testConfig() Config {
	return Config{
		MaxAttempts:   3,
		StaleAfter:    time.Minute,
		BaseDelay:     time.Second,
		MaxDelay:      4 * time.Second,
		SubmitTimeout: time.Second,
	}
}

func newFixture(t *testing.T) *fixture {
	return newWrappedFixture(t, nil, nil)
}

// newWrappedFixture lets a test interpose on the ethereum client and on the
// ledger the executor writes through. Nil wrappers leave them as they are.
func newWrappedFixture(t *testing.T, wrapEth func(*simnet.Chain) chain.Client, wrapLedger func(storage.Ledger) storage.Ledger) *fixture {
	t.Helper()
	clock := util.NewManualClock(time.Unix(1700000000, 0).UTC())
	ledger, err := storage.NewMemLedger(clock)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ledger.Close() })

	eth := simnet.New(core.Ethereum, exchangeEth)
	algo := simnet.New(core.Algorand, exchangeAlgo)
	var ethClient chain.Client = eth
	if wrapEth != nil {
		ethClient = wrapEth(eth)
	}
	var execLedger storage.Ledger = ledger
	if wrapLedger != nil {
		execLedger = wrapLedger(ledger)
	}
	chains := chain.NewRegistry(ethClient, algo)
	logger := zap.NewNop().Sugar()

	exec := NewExecutor(testConfig(), execLedger, chains, clock, logger)
	verifier := payment.NewVerifier(chains, payment.Config{
		Timeout: time.Second, MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond,
	}, logger)
	return &fixture{
		ledger: ledger,
		clock:  clock,
		eth:    eth,
		algo:   algo,
		exec:   exec,
		rec:    NewReconciler(exec, verifier, ledger, clock, time.Second, logger),
	}
}

// timeoutAfterSend delivers a transfer and then reports a timeout, like a
// node that accepted the transaction before the connection broke
type timeoutAfterSend struct {
	*simnet.Chain
	failures int
}

func (c *timeoutAfterSend) Broadcast(ctx context.Context, raw []byte) error {
	if err := c.Chain.Broadcast(ctx, raw); err != nil {
		return err
	}
	if c.failures > 0 {
		c.failures--
		return context.DeadlineExceeded
	}
	return nil
}

// loseSubmitted fails the first n writes that mark a settlement submitted
type loseSubmitted struct {
	storage.Ledger
	mu sync.Mutex
	n  int
}

func (l *loseSubmitted) TransitionSettlement(ctx context.Context, orderID uint64, from []core.SettlementStatus, mutate func(*core.Settlement)) (*core.Settlement, error) {
	scratch := &core.Settlement{}
	mutate(scratch)
	l.mu.Lock()
	lose := scratch.Status == core.SettlementSubmitted && l.n > 0
	if lose {
		l.n--
	}
	l.mu.Unlock()
	if lose {
		return nil, core.Persistence(errors.New("disk full"))
	}
	return l.Ledger.TransitionSettlement(ctx, orderID, from, mutate)
}

// match commits a filled pair: alice sells 100 wei for 50 microAlgos and
// bob takes it. It returns alice's (Ethereum) and bob's (Algorand) settlements.
func (f *fixture) match(t *testing.T) (*core.Settlement, *core.Settlement) {
	t.Helper()
	ctx := context.Background()
	f.refs++
	a := &core.Order{
		SenderKey: aliceEth, ReceiverKey: "ALICEALGO",
		SellCurrency: core.Ethereum, BuyCurrency: core.Algorand,
		SellAmount: core.NewAmount(100, 1), BuyAmount: core.NewAmount(50, 1),
		PaymentRef: fmt.Sprintf("a-%d", f.refs),
	}
	b := &core.Order{
		SenderKey: bobAlgo, ReceiverKey: "0x000000000000000000000000000000000000b0b0",
		SellCurrency: core.Algorand, BuyCurrency: core.Ethereum,
		SellAmount: core.NewAmount(50, 1), BuyAmount: core.NewAmount(100, 1),
		PaymentRef: fmt.Sprintf("b-%d", f.refs),
	}
	for _, o := range []*core.Order{a, b} {
		if err := f.ledger.InsertOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
	}
	now := f.clock.Now()
	stA := core.NewSettlement(a.ID, core.Ethereum, exchangeEth, b.ReceiverKey, a.SellAmount, now)
	stB := core.NewSettlement(b.ID, core.Algorand, exchangeAlgo, a.ReceiverKey, b.SellAmount, now)
	err := f.ledger.CommitMatch(ctx, &storage.Match{
		IncomingID: b.ID, CandidateID: a.ID, FilledAt: now,
		Settlements: []*core.Settlement{stA, stB},
	})
	if err != nil {
		t.Fatal(err)
	}
	return stA, stB
}

func (f *fixture) settlement(t *testing.T, orderID uint64) *core.Settlement {
	t.Helper()
	st, err := f.ledger.GetSettlement(context.Background(), orderID)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestExecuteSubmitsPerNetwork(t *testing.T) {
	f := newFixture(t)
	stA, stB := f.match(t)

	if err := f.exec.Execute(context.Background(), []*core.Settlement{stA, stB}); err != nil {
		t.Fatal(err)
	}

	eth, algo := f.eth.Transfers(), f.algo.Transfers()
	if len(eth) != 1 || len(algo) != 1 {
		t.Fatalf("transfers eth=%d algo=%d, want 1 each", len(eth), len(algo))
	}
	if eth[0].To != stA.Recipient || eth[0].Amount.Int64() != 100 {
		t.Errorf("eth transfer = %+v", eth[0])
	}
	if algo[0].To != stB.Recipient || algo[0].Amount.Int64() != 50 {
		t.Errorf("algo transfer = %+v", algo[0])
	}

	got := f.settlement(t, stA.OrderID)
	if got.Status != core.SettlementSubmitted || got.TxHandle == nil || *got.TxHandle != eth[0].Ref {
		t.Errorf("settlement = %+v", got)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
}

func TestFailedSubmissionKeepsOrderFilled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stA, stB := f.match(t)
	f.eth.FailSubmits(1)

	if err := f.exec.Execute(ctx, []*core.Settlement{stA, stB}); err != nil {
		t.Fatalf("submission failure must not surface: %v", err)
	}

	got := f.settlement(t, stA.OrderID)
	if got.Status != core.SettlementFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Attempts != 1 || got.LastError == "" {
		t.Errorf("attempts = %d, last error = %q", got.Attempts, got.LastError)
	}
	if want := f.clock.Now().Add(time.Second); !got.NextAttemptAt.Equal(want) {
		t.Errorf("next attempt = %v, want %v", got.NextAttemptAt, want)
	}
	// the other network is unaffected
	if f.settlement(t, stB.OrderID).Status != core.SettlementSubmitted {
		t.Error("algorand settlement should have gone out")
	}

	o, err := f.ledger.GetOrder(ctx, stA.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if !o.IsFilled() || o.CounterpartyID == nil {
		t.Fatal("order fill reverted by a settlement failure")
	}
}

func TestRetryDoesNotPayTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stA, _ := f.match(t)

	for i := 0; i < 3; i++ {
		if err := f.exec.Execute(ctx, []*core.Settlement{stA}); err != nil {
			t.Fatal(err)
		}
	}
	f.clock.Advance(time.Hour)
	if _, err := f.rec.Pass(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(f.eth.Transfers()); n != 1 {
		t.Fatalf("transfers = %d, want 1", n)
	}
}

func TestRetryAfterAmbiguousBroadcast(t *testing.T) {
	f := newWrappedFixture(t, func(c *simnet.Chain) chain.Client {
		return &timeoutAfterSend{Chain: c, failures: 1}
	}, nil)
	ctx := context.Background()
	stA, _ := f.match(t)

	if err := f.exec.Execute(ctx, []*core.Settlement{stA}); err != nil {
		t.Fatal(err)
	}
	got := f.settlement(t, stA.OrderID)
	if got.Status != core.SettlementFailed || got.RawTx == nil || got.TxHandle == nil {
		t.Fatalf("after timeout: settlement = %+v", got)
	}

	f.clock.Advance(10 * time.Second)
	if err := f.exec.Execute(ctx, []*core.Settlement{stA}); err != nil {
		t.Fatal(err)
	}
	transfers := f.eth.Transfers()
	if len(transfers) != 1 {
		t.Fatalf("transfers = %d, want 1", len(transfers))
	}
	got = f.settlement(t, stA.OrderID)
	if got.Status != core.SettlementSubmitted || *got.TxHandle != transfers[0].Ref {
		t.Fatalf("after retry: status = %s, tx = %v, want submitted %s", got.Status, *got.TxHandle, transfers[0].Ref)
	}

	sum, err := f.rec.Pass(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Confirmed != 1 || len(f.eth.Transfers()) != 1 {
		t.Errorf("summary = %+v, transfers = %d", sum, len(f.eth.Transfers()))
	}
}

func TestLostSubmittedRecordIsNotResent(t *testing.T) {
	f := newWrappedFixture(t, nil, func(l storage.Ledger) storage.Ledger {
		return &loseSubmitted{Ledger: l, n: 1}
	})
	ctx := context.Background()
	stA, _ := f.match(t)

	if err := f.exec.Execute(ctx, []*core.Settlement{stA}); err == nil {
		t.Fatal("expected the ledger failure to surface")
	}
	if n := len(f.eth.Transfers()); n != 1 {
		t.Fatalf("transfers = %d, want 1", n)
	}
	if s := f.settlement(t, stA.OrderID).Status; s != core.SettlementPending {
		t.Fatalf("status = %s, want pending", s)
	}

	// picked up again as stale pending
	f.clock.Advance(time.Hour)
	if _, err := f.rec.Pass(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(f.eth.Transfers()); n != 1 {
		t.Fatalf("transfers = %d, want 1", n)
	}
	if n := f.eth.Broadcasts(); n != 1 {
		t.Errorf("broadcasts = %d, want 1", n)
	}
	if s := f.settlement(t, stA.OrderID).Status; s != core.SettlementConfirmed {
		t.Errorf("status = %s, want confirmed", s)
	}
}

func TestReplacesRevertedTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stA, _ := f.match(t)
	f.eth.FailSubmits(1)
	if err := f.exec.Execute(ctx, []*core.Settlement{stA}); err != nil {
		t.Fatal(err)
	}
	first := *f.settlement(t, stA.OrderID).TxHandle

	// a transfer signed earlier that landed and reverted is never reused
	f.eth.PayTo(first, exchangeEth, stA.Recipient, 100, false)
	f.eth.Revert(first)
	f.clock.Advance(time.Minute)
	if err := f.exec.Execute(ctx, []*core.Settlement{stA}); err != nil {
		t.Fatal(err)
	}
	got := f.settlement(t, stA.OrderID)
	if got.Status != core.SettlementSubmitted || *got.TxHandle == first {
		t.Fatalf("settlement = %s with tx %s, want submitted with a new tx", got.Status, *got.TxHandle)
	}
}

func TestConcurrentExecuteSameSettlement(t *testing.T) {
	f := newFixture(t)
	stA, _ := f.match(t)
	f.eth.SetLatency(10 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.exec.Execute(context.Background(), []*core.Settlement{stA}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if n := len(f.eth.Transfers()); n != 1 {
		t.Fatalf("transfers = %d, want 1", n)
	}
}

func TestSubmissionsSerializedPerNetwork(t *testing.T) {
	f := newFixture(t)
	f.eth.SetLatency(5 * time.Millisecond)

	var batches [][]*core.Settlement
	for i := 0; i < 4; i++ {
		stA, stB := f.match(t)
		batches = append(batches, []*core.Settlement{stA, stB})
	}

	var wg sync.WaitGroup
	for _, batch := range batches {
		wg.Add(1)
		go func(batch []*core.Settlement) {
			defer wg.Done()
			if err := f.exec.Execute(context.Background(), batch); err != nil {
				t.Error(err)
			}
		}(batch)
	}
	wg.Wait()

	if got := f.eth.MaxConcurrentSubmits(); got != 1 {
		t.Errorf("max concurrent ethereum submits = %d, want 1", got)
	}
	if len(f.eth.Transfers()) != 4 || len(f.algo.Transfers()) != 4 {
		t.Errorf("transfers eth=%d algo=%d, want 4 each", len(f.eth.Transfers()), len(f.algo.Transfers()))
	}
}

func TestRetryDelay(t *testing.T) {
	x := NewExecutor(testConfig(), nil, nil, util.RealClock{}, zap.NewNop().Sugar())
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 4 * time.Second},
	}
	for _, tt := range tests {
		if got := x.RetryDelay(tt.attempts); got != tt.want {
			t.Errorf("RetryDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestGroupByNetwork(t *testing.T) {
	now := time.Unix(0, 0)
	sts := []*core.Settlement{
		core.NewSettlement(1, core.Ethereum, "", "", core.NewAmount(1, 1), now),
		core.NewSettlement(2, core.Algorand, "", "", core.NewAmount(1, 1), now),
		core.NewSettlement(3, core.Ethereum, "", "", core.NewAmount(1, 1), now),
	}
	g := GroupByNetwork(sts)
	if len(g) != 2 || len(g[core.Ethereum]) != 2 || len(g[core.Algorand]) != 1 {
		t.Fatalf("groups = %v", g)
	}
	if g[core.Ethereum][0].OrderID != 1 || g[core.Ethereum][1].OrderID != 3 {
		t.Error("order within a network not preserved")
	}
}
