// Package simnet is an in-process stand-in for a network. It keeps a
// transaction table so payments can be staged, confirmed and failed on
// demand, which is what the development mode and tests need.
package simnet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/uhyunpark/xchange/pkg/app/core"
	"github.com/uhyunpark/xchange/pkg/chain"
)

var errInjected = errors.New("simnet: injected submit failure")

type Chain struct {
	network core.Network
	address string

	mu        sync.Mutex
	txs       map[string]*chain.Payment
	seq       int
	transfers []*chain.Payment // outgoing transfers in broadcast order
	expired   map[string]bool
	broadcast int
	failNext  int
	autoConf  bool
	inFlight  int
	maxFlight int
	latency   time.Duration
}

// New creates a chain whose exchange account is address. Outgoing transfers
// are confirmed immediately unless SetAutoConfirm(false) is called.
func New(network core.Network, address string) *Chain {
	return &Chain{
		network:  network,
		address:  address,
		txs:      make(map[string]*chain.Payment),
		expired:  make(map[string]bool),
		autoConf: true,
	}
}

var _ chain.Client = (*Chain)(nil)

func (c *Chain) Network() core.Network { return c.network }

func (c *Chain) Address() string { return c.address }

// Pay stages a deposit into the exchange account. confirmed=false leaves it
// pending until Confirm is called.
func (c *Chain) Pay(ref, from string, amount int64, confirmed bool) {
	c.PayTo(ref, from, c.address, amount, confirmed)
}

// PayTo stages an arbitrary transfer, e.g. one to the wrong address
func (c *Chain) PayTo(ref, from, to string, amount int64, confirmed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txs[ref] = &chain.Payment{
		Ref:       ref,
		Confirmed: confirmed,
		From:      from,
		To:        to,
		Amount:    big.NewInt(amount),
	}
}

// Confirm marks a staged transaction as confirmed
func (c *Chain) Confirm(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.txs[ref]; ok {
		p.Confirmed = true
	}
}

// Revert marks a staged transaction as included but failed
func (c *Chain) Revert(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.txs[ref]; ok {
		p.Failed = true
		p.Confirmed = false
	}
}

// Drop forgets an outgoing transfer as if it fell out of the mempool
// unmined. The signed bytes can still be broadcast again.
func (c *Chain) Drop(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.txs, ref)
	kept := c.transfers[:0]
	for _, p := range c.transfers {
		if p.Ref != ref {
			kept = append(kept, p)
		}
	}
	c.transfers = kept
}

// Expire marks a signed transfer as never includable from now on
func (c *Chain) Expire(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expired[ref] = true
}

// Broadcasts counts Broadcast calls that reached the network, repeats
// included
func (c *Chain) Broadcasts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broadcast
}

// FailSubmits makes the next n Broadcast calls fail
func (c *Chain) FailSubmits(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = n
}

// SetLatency delays every Broadcast, to expose overlapping submissions
func (c *Chain) SetLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latency = d
}

// SetAutoConfirm controls whether outgoing transfers confirm on submission
func (c *Chain) SetAutoConfirm(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoConf = v
}

// Transfers returns a copy of all outgoing transfers
func (c *Chain) Transfers() []chain.Payment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chain.Payment, len(c.transfers))
	for i, p := range c.transfers {
		out[i] = *p
	}
	return out
}

// MaxConcurrentSubmits reports the highest number of Broadcast calls
// that were ever in flight at once
func (c *Chain) MaxConcurrentSubmits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxFlight
}

func (c *Chain) VerifyPayment(ctx context.Context, ref string) (*chain.Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.txs[ref]
	if !ok {
		return nil, chain.ErrTxNotFound
	}
	cp := *p
	cp.Amount = new(big.Int).Set(p.Amount)
	return &cp, nil
}

// simTransfer is the signed form of a simnet transfer
type simTransfer struct {
	Ref    string `json:"ref"`
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func decodeTransfer(raw []byte) (*simTransfer, *big.Int, error) {
	var t simTransfer
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, nil, fmt.Errorf("simnet: malformed transfer: %w", err)
	}
	amount, ok := new(big.Int).SetString(t.Amount, 10)
	if !ok {
		return nil, nil, fmt.Errorf("simnet: bad amount %q", t.Amount)
	}
	return &t, amount, nil
}

func (c *Chain) PrepareTransfer(ctx context.Context, to string, amount *big.Int) (*chain.Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	ref := fmt.Sprintf("%s-out-%d", c.network, c.seq)
	raw, err := json.Marshal(simTransfer{Ref: ref, From: c.address, To: to, Amount: amount.String()})
	if err != nil {
		return nil, err
	}
	return &chain.Transfer{Handle: ref, Raw: raw}, nil
}

func (c *Chain) Broadcast(ctx context.Context, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t, amount, err := decodeTransfer(raw)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.inFlight++
	if c.inFlight > c.maxFlight {
		c.maxFlight = c.inFlight
	}
	latency := c.latency
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext > 0 {
		c.failNext--
		return errInjected
	}
	if c.expired[t.Ref] {
		return fmt.Errorf("simnet: transfer %s expired", t.Ref)
	}
	c.broadcast++
	if _, known := c.txs[t.Ref]; known {
		return nil
	}
	p := &chain.Payment{
		Ref:       t.Ref,
		Confirmed: c.autoConf,
		From:      t.From,
		To:        t.To,
		Amount:    amount,
	}
	c.txs[t.Ref] = p
	c.transfers = append(c.transfers, p)
	return nil
}

func (c *Chain) TransferExpired(ctx context.Context, raw []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	t, _, err := decodeTransfer(raw)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, known := c.txs[t.Ref]
	return !known && c.expired[t.Ref], nil
}

// SubmitTransfer prepares and broadcasts in one step
func (c *Chain) SubmitTransfer(ctx context.Context, to string, amount *big.Int) (string, error) {
	t, err := c.PrepareTransfer(ctx, to, amount)
	if err != nil {
		return "", err
	}
	if err := c.Broadcast(ctx, t.Raw); err != nil {
		return "", err
	}
	return t.Handle, nil
}
