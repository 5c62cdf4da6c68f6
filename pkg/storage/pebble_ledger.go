package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/uhyunpark/xchange/pkg/app/core"
	"github.com/uhyunpark/xchange/pkg/util"
)

// PebbleLedger implements Ledger on a Pebble database. Reads go straight to
// Pebble; every write path holds mu while it checks preconditions and builds
// one batch, so commits are linearizable.
type PebbleLedger struct {
	db    *pebble.DB
	clock util.Clock

	mu sync.Mutex
}

// NewPebbleLedger opens a Pebble database at the given path
func NewPebbleLedger(path string, clock util.Clock) (*PebbleLedger, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize: 32 << 20,                  // 32MB memtable
		MaxOpenFiles: 1000,
		BytesPerSync: 512 << 10, // 512KB
	}
	defer opts.Cache.Unref()
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleLedger{db: db, clock: clock}, nil
}

// NewMemLedger opens a ledger on an in-memory filesystem (tests, simnet)
func NewMemLedger(clock util.Clock) (*PebbleLedger, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory pebble: %w", err)
	}
	return &PebbleLedger{db: db, clock: clock}, nil
}

func (s *PebbleLedger) Close() error { return s.db.Close() }

var _ Ledger = (*PebbleLedger)(nil)

// ============================================================================
// Orders
// ============================================================================

func (s *PebbleLedger) InsertOrder(ctx context.Context, o *core.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	used, err := s.has(paymentKey(o.SellCurrency, o.PaymentRef))
	if err != nil {
		return core.Persistence(err)
	}
	if used {
		return core.NewError(core.KindPaymentAbsent, core.ErrPaymentReused)
	}

	b := s.db.NewBatch()
	defer b.Close()

	id, err := s.nextOrderID(b)
	if err != nil {
		return core.Persistence(err)
	}
	o.ID = id
	o.CreatedAt = s.clock.Now()
	if err := s.putOrder(b, o); err != nil {
		return core.Persistence(err)
	}
	if err := b.Set(bookKey(o), nil, nil); err != nil {
		return core.Persistence(err)
	}
	if err := b.Set(paymentKey(o.SellCurrency, o.PaymentRef), seqValue(o.ID), nil); err != nil {
		return core.Persistence(err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return core.Persistence(fmt.Errorf("failed to insert order: %w", err))
	}
	return nil
}

func (s *PebbleLedger) GetOrder(ctx context.Context, id uint64) (*core.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o, err := s.loadOrder(id)
	if errors.Is(err, core.ErrOrderNotFound) {
		return nil, err
	}
	return o, core.Persistence(err)
}

func (s *PebbleLedger) Orders(ctx context.Context) ([]*core.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(prefixOrder)
	var orders []*core.Order
	err := s.scan(prefix, func(_, v []byte) error {
		var o core.Order
		if err := decodeJSON(v, &o); err != nil {
			return fmt.Errorf("failed to unmarshal order: %w", err)
		}
		orders = append(orders, &o)
		return nil
	})
	return orders, core.Persistence(err)
}

func (s *PebbleLedger) OpenOrders(ctx context.Context, sell, buy core.Network) ([]*core.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := bookPrefix(sell, buy)
	var ids []uint64
	err := s.scan(prefix, func(k, _ []byte) error {
		var id uint64
		if _, err := fmt.Sscanf(string(k[len(prefix):]), "%d", &id); err != nil {
			return fmt.Errorf("bad book key %q: %w", k, err)
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, core.Persistence(err)
	}

	orders := make([]*core.Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.loadOrder(id)
		if errors.Is(err, core.ErrOrderNotFound) {
			continue
		}
		if err != nil {
			return nil, core.Persistence(err)
		}
		// the index and the row are written in one batch, but a reader can
		// straddle a commit
		if o.IsOpen() {
			orders = append(orders, o)
		}
	}
	return orders, nil
}

func (s *PebbleLedger) CommitMatch(ctx context.Context, m *Match) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	incoming, err := s.loadOrder(m.IncomingID)
	if err != nil {
		return core.Persistence(err)
	}
	candidate, err := s.loadOrder(m.CandidateID)
	if err != nil {
		return core.Persistence(err)
	}
	if !incoming.IsOpen() || !candidate.IsOpen() {
		return core.ErrMatchConflict
	}

	b := s.db.NewBatch()
	defer b.Close()

	filled := m.FilledAt
	inID, candID := incoming.ID, candidate.ID
	incoming.Filled, incoming.CounterpartyID = &filled, &candID
	candidate.Filled, candidate.CounterpartyID = &filled, &inID
	for _, o := range []*core.Order{incoming, candidate} {
		if err := s.putOrder(b, o); err != nil {
			return core.Persistence(err)
		}
		if err := b.Delete(bookKey(o), nil); err != nil {
			return core.Persistence(err)
		}
	}

	if d := m.Derived; d != nil {
		id, err := s.nextOrderID(b)
		if err != nil {
			return core.Persistence(err)
		}
		d.ID = id
		d.CreatedAt = filled
		if err := s.putOrder(b, d); err != nil {
			return core.Persistence(err)
		}
		if err := b.Set(bookKey(d), nil, nil); err != nil {
			return core.Persistence(err)
		}
	}

	for _, st := range m.Settlements {
		exists, err := s.has(settlementKey(st.OrderID))
		if err != nil {
			return core.Persistence(err)
		}
		if exists {
			return core.Persistence(fmt.Errorf("settlement for order %d already exists", st.OrderID))
		}
		val, err := encodeJSON(st)
		if err != nil {
			return core.Persistence(fmt.Errorf("failed to marshal settlement: %w", err))
		}
		if err := b.Set(settlementKey(st.OrderID), val, nil); err != nil {
			return core.Persistence(err)
		}
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return core.Persistence(fmt.Errorf("failed to commit match: %w", err))
	}
	return nil
}

func (s *PebbleLedger) CancelOrder(ctx context.Context, id uint64, at time.Time) (*core.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.loadOrder(id)
	if errors.Is(err, core.ErrOrderNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, core.Persistence(err)
	}
	if !o.IsOpen() {
		return o, core.ErrOrderClosed
	}

	b := s.db.NewBatch()
	defer b.Close()
	o.Cancelled = &at
	if err := s.putOrder(b, o); err != nil {
		return nil, core.Persistence(err)
	}
	if err := b.Delete(bookKey(o), nil); err != nil {
		return nil, core.Persistence(err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, core.Persistence(fmt.Errorf("failed to cancel order: %w", err))
	}
	return o, nil
}

func (s *PebbleLedger) PaymentUsed(ctx context.Context, n core.Network, ref string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	for _, k := range [][]byte{paymentKey(n, ref), holdKey(n, ref)} {
		used, err := s.has(k)
		if err != nil || used {
			return used, core.Persistence(err)
		}
	}
	return false, nil
}

// ============================================================================
// Settlements
// ============================================================================

func (s *PebbleLedger) GetSettlement(ctx context.Context, orderID uint64) (*core.Settlement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st, err := s.loadSettlement(orderID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, err
	}
	return st, core.Persistence(err)
}

func (s *PebbleLedger) Settlements(ctx context.Context, statuses ...core.SettlementStatus) ([]*core.Settlement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[core.SettlementStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*core.Settlement
	err := s.scan([]byte(prefixSettlement), func(_, v []byte) error {
		var st core.Settlement
		if err := decodeJSON(v, &st); err != nil {
			return fmt.Errorf("failed to unmarshal settlement: %w", err)
		}
		if len(want) == 0 || want[st.Status] {
			out = append(out, &st)
		}
		return nil
	})
	return out, core.Persistence(err)
}

func (s *PebbleLedger) TransitionSettlement(ctx context.Context, orderID uint64, from []core.SettlementStatus, mutate func(*core.Settlement)) (*core.Settlement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadSettlement(orderID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, core.Persistence(err)
	}

	allowed := false
	for _, f := range from {
		if st.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return st, fmt.Errorf("%w: order %d is %s", core.ErrSettlementState, orderID, st.Status)
	}

	prev := st.Status
	mutate(st)
	if st.Status != prev && !prev.CanTransition(st.Status) {
		return nil, fmt.Errorf("%w: %s -> %s not allowed", core.ErrSettlementState, prev, st.Status)
	}
	st.UpdatedAt = s.clock.Now()

	val, err := encodeJSON(st)
	if err != nil {
		return nil, core.Persistence(fmt.Errorf("failed to marshal settlement: %w", err))
	}
	if err := s.db.Set(settlementKey(orderID), val, pebble.Sync); err != nil {
		return nil, core.Persistence(fmt.Errorf("failed to save settlement: %w", err))
	}
	return st, nil
}

// ============================================================================
// Audit records and holds
// ============================================================================

func (s *PebbleLedger) AppendRejection(ctx context.Context, r *core.RejectedSubmission) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := encodeJSON(r)
	if err != nil {
		return fmt.Errorf("failed to marshal rejection: %w", err)
	}
	if err := s.db.Set(rejectionKey(r), val, pebble.Sync); err != nil {
		return core.Persistence(fmt.Errorf("failed to save rejection: %w", err))
	}
	return nil
}

func (s *PebbleLedger) Rejections(ctx context.Context) ([]*core.RejectedSubmission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*core.RejectedSubmission
	err := s.scan([]byte(prefixRejection), func(_, v []byte) error {
		var r core.RejectedSubmission
		if err := decodeJSON(v, &r); err != nil {
			return fmt.Errorf("failed to unmarshal rejection: %w", err)
		}
		out = append(out, &r)
		return nil
	})
	return out, core.Persistence(err)
}

func (s *PebbleLedger) PutHold(ctx context.Context, h *core.Hold) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	o := h.Order
	for _, k := range [][]byte{holdKey(o.SellCurrency, o.PaymentRef), paymentKey(o.SellCurrency, o.PaymentRef)} {
		exists, err := s.has(k)
		if err != nil {
			return core.Persistence(err)
		}
		if exists {
			return core.NewError(core.KindPaymentAbsent, core.ErrPaymentReused)
		}
	}
	h.ID = HoldID(o.SellCurrency, o.PaymentRef)
	return s.saveHold(h)
}

func (s *PebbleLedger) UpdateHold(ctx context.Context, h *core.Hold) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveHold(h)
}

func (s *PebbleLedger) DeleteHold(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Delete([]byte(prefixHold+id), pebble.Sync); err != nil {
		return core.Persistence(fmt.Errorf("failed to delete hold: %w", err))
	}
	return nil
}

func (s *PebbleLedger) Holds(ctx context.Context) ([]*core.Hold, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*core.Hold
	err := s.scan([]byte(prefixHold), func(_, v []byte) error {
		var h core.Hold
		if err := decodeJSON(v, &h); err != nil {
			return fmt.Errorf("failed to unmarshal hold: %w", err)
		}
		out = append(out, &h)
		return nil
	})
	return out, core.Persistence(err)
}

// ============================================================================
// helpers (callers hold mu where a read feeds a write)
// ============================================================================

func (s *PebbleLedger) nextOrderID(b *pebble.Batch) (uint64, error) {
	val, closer, err := s.db.Get(keyOrderSeq)
	var next uint64 = 1
	if err == nil {
		next = seqFromValue(val) + 1
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return 0, fmt.Errorf("failed to read order sequence: %w", err)
	}
	// at most one id per batch: the new value is not readable until commit
	if err := b.Set(keyOrderSeq, seqValue(next), nil); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *PebbleLedger) putOrder(b *pebble.Batch, o *core.Order) error {
	val, err := encodeJSON(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	return b.Set(orderKey(o.ID), val, nil)
}

func (s *PebbleLedger) loadOrder(id uint64) (*core.Order, error) {
	val, closer, err := s.db.Get(orderKey(id))
	if err == pebble.ErrNotFound {
		return nil, fmt.Errorf("%w: %d", core.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	defer closer.Close()
	var o core.Order
	if err := decodeJSON(val, &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &o, nil
}

func (s *PebbleLedger) loadSettlement(orderID uint64) (*core.Settlement, error) {
	val, closer, err := s.db.Get(settlementKey(orderID))
	if err == pebble.ErrNotFound {
		return nil, fmt.Errorf("settlement for order %d: %w", orderID, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	defer closer.Close()
	var st core.Settlement
	if err := decodeJSON(val, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settlement: %w", err)
	}
	return &st, nil
}

func (s *PebbleLedger) saveHold(h *core.Hold) error {
	val, err := encodeJSON(h)
	if err != nil {
		return fmt.Errorf("failed to marshal hold: %w", err)
	}
	if err := s.db.Set([]byte(prefixHold+h.ID), val, pebble.Sync); err != nil {
		return core.Persistence(fmt.Errorf("failed to save hold: %w", err))
	}
	return nil
}

func (s *PebbleLedger) has(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

func (s *PebbleLedger) scan(prefix []byte, fn func(k, v []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}
