package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/uhyunpark/xchange/pkg/app/core"
	"github.com/uhyunpark/xchange/pkg/util"
)

func newTestLedger(t *testing.T) (*PebbleLedger, *util.ManualClock) {
	t.Helper()
	clock := util.NewManualClock(time.Unix(1700000000, 0).UTC())
	l, err := NewMemLedger(clock)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, clock
}

func order(sell, buy core.Network, sellAmt, buyAmt, ref string) *core.Order {
	return &core.Order{
		SenderKey:    "sender-" + ref,
		ReceiverKey:  "receiver-" + ref,
		SellCurrency: sell,
		BuyCurrency:  buy,
		SellAmount:   core.MustAmount(sellAmt),
		BuyAmount:    core.MustAmount(buyAmt),
		PaymentRef:   ref,
	}
}

func TestInsertOrderAssignsSequentialIDs(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	for i, ref := range []string{"a", "b", "c"} {
		o := order(core.Ethereum, core.Algorand, "10", "5", ref)
		if err := l.InsertOrder(ctx, o); err != nil {
			t.Fatalf("insert %s: %v", ref, err)
		}
		if o.ID != uint64(i+1) {
			t.Errorf("order %s id = %d, want %d", ref, o.ID, i+1)
		}
	}

	all, err := l.Orders(ctx)
	if err != nil {
		t.Fatalf("orders: %v", err)
	}
	if len(all) != 3 || all[0].PaymentRef != "a" || all[2].PaymentRef != "c" {
		t.Fatalf("orders not in insertion order: %+v", all)
	}
}

func TestInsertOrderRejectsReusedPayment(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if err := l.InsertOrder(ctx, order(core.Ethereum, core.Algorand, "10", "5", "tx1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := l.InsertOrder(ctx, order(core.Ethereum, core.Algorand, "10", "5", "tx1"))
	if !errors.Is(err, core.ErrPaymentReused) {
		t.Fatalf("err = %v, want ErrPaymentReused", err)
	}
	// same ref on the other network is a different payment
	if err := l.InsertOrder(ctx, order(core.Algorand, core.Ethereum, "10", "5", "tx1")); err != nil {
		t.Fatalf("insert other network: %v", err)
	}
}

func TestOpenOrdersIndex(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	a := order(core.Ethereum, core.Algorand, "10", "5", "a")
	b := order(core.Algorand, core.Ethereum, "5", "10", "b")
	c := order(core.Ethereum, core.Algorand, "20", "5", "c")
	for _, o := range []*core.Order{a, b, c} {
		if err := l.InsertOrder(ctx, o); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	open, err := l.OpenOrders(ctx, core.Ethereum, core.Algorand)
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	if len(open) != 2 || open[0].ID != a.ID || open[1].ID != c.ID {
		t.Fatalf("unexpected open orders: %+v", open)
	}

	if _, err := l.CancelOrder(ctx, a.ID, time.Now()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	open, _ = l.OpenOrders(ctx, core.Ethereum, core.Algorand)
	if len(open) != 1 || open[0].ID != c.ID {
		t.Fatalf("cancelled order still open: %+v", open)
	}
	if _, err := l.CancelOrder(ctx, a.ID, time.Now()); !errors.Is(err, core.ErrOrderClosed) {
		t.Errorf("second cancel err = %v, want ErrOrderClosed", err)
	}
}

func TestCommitMatchAtomicAndConflict(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	rest := order(core.Ethereum, core.Algorand, "100", "50", "rest")
	in1 := order(core.Algorand, core.Ethereum, "30", "50", "in1")
	in2 := order(core.Algorand, core.Ethereum, "50", "100", "in2")
	for _, o := range []*core.Order{rest, in1, in2} {
		if err := l.InsertOrder(ctx, o); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	derived := order(core.Ethereum, core.Algorand, "50", "20", "rest")
	derived.CreatorID = &rest.ID
	m := &Match{
		IncomingID:  in1.ID,
		CandidateID: rest.ID,
		FilledAt:    clock.Now(),
		Derived:     derived,
		Settlements: []*core.Settlement{
			core.NewSettlement(rest.ID, core.Ethereum, "ex", in1.ReceiverKey, core.MustAmount("50"), clock.Now()),
			core.NewSettlement(in1.ID, core.Algorand, "ex", rest.ReceiverKey, core.MustAmount("30"), clock.Now()),
		},
	}
	if err := l.CommitMatch(ctx, m); err != nil {
		t.Fatalf("commit: %v", err)
	}

	gotRest, _ := l.GetOrder(ctx, rest.ID)
	gotIn, _ := l.GetOrder(ctx, in1.ID)
	if !gotRest.IsFilled() || !gotIn.IsFilled() {
		t.Fatal("both orders must be filled")
	}
	if !gotRest.Filled.Equal(*gotIn.Filled) {
		t.Error("fill timestamps differ")
	}
	if *gotRest.CounterpartyID != in1.ID || *gotIn.CounterpartyID != rest.ID {
		t.Error("counterparties not linked both ways")
	}
	if derived.ID != 4 {
		t.Errorf("derived id = %d, want 4", derived.ID)
	}
	open, _ := l.OpenOrders(ctx, core.Ethereum, core.Algorand)
	if len(open) != 1 || open[0].ID != derived.ID {
		t.Fatalf("derived order should be the only open ETH->ALGO order: %+v", open)
	}
	sts, _ := l.Settlements(ctx)
	if len(sts) != 2 {
		t.Fatalf("settlements = %d, want 2", len(sts))
	}

	// rest is already filled: a second claim must fail and change nothing
	err := l.CommitMatch(ctx, &Match{IncomingID: in2.ID, CandidateID: rest.ID, FilledAt: clock.Now()})
	if !errors.Is(err, core.ErrMatchConflict) {
		t.Fatalf("err = %v, want ErrMatchConflict", err)
	}
	gotIn2, _ := l.GetOrder(ctx, in2.ID)
	if gotIn2.IsFilled() {
		t.Error("conflicting commit partially applied")
	}
}

func TestConcurrentClaimsOneWinner(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	rest := order(core.Ethereum, core.Algorand, "10", "10", "rest")
	if err := l.InsertOrder(ctx, rest); err != nil {
		t.Fatalf("insert: %v", err)
	}
	const n = 16
	ids := make([]uint64, n)
	for i := range ids {
		o := order(core.Algorand, core.Ethereum, "10", "10", string(rune('a'+i)))
		if err := l.InsertOrder(ctx, o); err != nil {
			t.Fatalf("insert: %v", err)
		}
		ids[i] = o.ID
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			err := l.CommitMatch(ctx, &Match{IncomingID: id, CandidateID: rest.ID, FilledAt: clock.Now()})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, core.ErrMatchConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("winners = %d, want 1", wins)
	}
}

func TestTransitionSettlement(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	a := order(core.Ethereum, core.Algorand, "10", "10", "a")
	b := order(core.Algorand, core.Ethereum, "10", "10", "b")
	l.InsertOrder(ctx, a)
	l.InsertOrder(ctx, b)
	st := core.NewSettlement(a.ID, core.Ethereum, "ex", "r", core.MustAmount("10"), clock.Now())
	if err := l.CommitMatch(ctx, &Match{IncomingID: b.ID, CandidateID: a.ID, FilledAt: clock.Now(), Settlements: []*core.Settlement{st}}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := l.TransitionSettlement(ctx, a.ID, []core.SettlementStatus{core.SettlementPending}, func(s *core.Settlement) {
		s.Status = core.SettlementSubmitted
	})
	if err != nil || got.Status != core.SettlementSubmitted {
		t.Fatalf("transition: %v %+v", err, got)
	}

	// stale expectation
	_, err = l.TransitionSettlement(ctx, a.ID, []core.SettlementStatus{core.SettlementPending}, func(s *core.Settlement) {
		s.Status = core.SettlementSubmitted
	})
	if !errors.Is(err, core.ErrSettlementState) {
		t.Fatalf("err = %v, want ErrSettlementState", err)
	}

	// submitted -> pending is not an edge of the state machine
	_, err = l.TransitionSettlement(ctx, a.ID, []core.SettlementStatus{core.SettlementSubmitted}, func(s *core.Settlement) {
		s.Status = core.SettlementPending
	})
	if !errors.Is(err, core.ErrSettlementState) {
		t.Fatalf("err = %v, want ErrSettlementState", err)
	}
	cur, _ := l.GetSettlement(ctx, a.ID)
	if cur.Status != core.SettlementSubmitted {
		t.Errorf("rejected transition was persisted: %s", cur.Status)
	}

	if _, err := l.GetSettlement(ctx, 999); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("missing settlement err = %v", err)
	}
}

func TestHoldsAndRejections(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	h := &core.Hold{Order: order(core.Ethereum, core.Algorand, "1", "1", "held"), FirstSeen: clock.Now()}
	if err := l.PutHold(ctx, h); err != nil {
		t.Fatalf("put hold: %v", err)
	}
	if h.ID != HoldID(core.Ethereum, "held") {
		t.Errorf("hold id = %s", h.ID)
	}
	dup := &core.Hold{Order: order(core.Ethereum, core.Algorand, "1", "1", "held")}
	if err := l.PutHold(ctx, dup); !errors.Is(err, core.ErrPaymentReused) {
		t.Errorf("duplicate hold err = %v", err)
	}
	holds, _ := l.Holds(ctx)
	if len(holds) != 1 {
		t.Fatalf("holds = %d, want 1", len(holds))
	}
	if err := l.DeleteHold(ctx, h.ID); err != nil {
		t.Fatalf("delete hold: %v", err)
	}
	holds, _ = l.Holds(ctx)
	if len(holds) != 0 {
		t.Fatalf("hold not deleted")
	}

	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		r := &core.RejectedSubmission{ID: string(rune('a' + i)), Payload: []byte("{}"), Reason: "bad", RecordedAt: clock.Now()}
		if err := l.AppendRejection(ctx, r); err != nil {
			t.Fatalf("append rejection: %v", err)
		}
	}
	rs, _ := l.Rejections(ctx)
	if len(rs) != 3 || rs[0].ID != "a" || rs[2].ID != "c" {
		t.Fatalf("rejections out of order: %+v", rs)
	}
}
