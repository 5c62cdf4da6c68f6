package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/uhyunpark/xchange/pkg/app/core"
)

// ErrTxNotFound means the network has no record of the transaction yet. It
// may still appear, so callers treat it as pending rather than absent.
var ErrTxNotFound = errors.New("transaction not found")

// Payment is what a network reports about a transfer
type Payment struct {
	Ref       string
	Confirmed bool // included and final enough to act on
	Failed    bool // included but reverted / rejected
	From      string
	To        string
	Amount    *big.Int // base units
}

// Transfer is an outgoing transfer signed but not necessarily broadcast.
// Handle is the network transaction id, which both networks derive from the
// signed bytes, so it is known before anything is sent.
type Transfer struct {
	Handle string
	Raw    []byte
}

// Client is the per-network collaborator used to observe incoming payments
// and send outgoing transfers from the exchange's own account.
//
// Sending is split so a transfer can be recorded before it leaves: the
// caller persists the signed Transfer, then broadcasts it, and on retry
// broadcasts the same bytes again. A network never includes one signed
// transfer twice.
type Client interface {
	Network() core.Network
	// Address is the exchange's receiving (and sending) account
	Address() string
	// VerifyPayment looks up ref; ErrTxNotFound if unknown
	VerifyPayment(ctx context.Context, ref string) (*Payment, error)
	// PrepareTransfer signs a transfer of amount from Address() to to
	PrepareTransfer(ctx context.Context, to string, amount *big.Int) (*Transfer, error)
	// Broadcast sends signed bytes from PrepareTransfer. Sending bytes the
	// network already has is not an error.
	Broadcast(ctx context.Context, raw []byte) error
	// TransferExpired reports whether raw can no longer be included, e.g.
	// its nonce was used by another transaction or its validity window
	// passed. Only then is it safe to sign a replacement.
	TransferExpired(ctx context.Context, raw []byte) (bool, error)
}

// Registry maps networks to clients
type Registry map[core.Network]Client

// NewRegistry indexes clients by their network
func NewRegistry(clients ...Client) Registry {
	r := make(Registry, len(clients))
	for _, c := range clients {
		r[c.Network()] = c
	}
	return r
}

// Get returns the client for n
func (r Registry) Get(n core.Network) (Client, bool) {
	c, ok := r[n]
	return c, ok
}
