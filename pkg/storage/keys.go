package storage

import (
	"fmt"

	"github.com/uhyunpark/xchange/pkg/app/core"
)

// Ledger key schema for Pebble storage
//
//   seq:order                         → next order id (8-byte big-endian)
//   ord:<id>                          → Order
//   book:<sell>:<buy>:<id>            → (empty) open-order index, one per unfilled order
//   pay:<network>:<ref>               → order id that consumed the payment
//   stl:<orderID>                     → Settlement
//   rej:<unix nanos>:<uuid>           → RejectedSubmission
//   hold:<network>:<ref>              → Hold
//
// Ids and timestamps are zero-padded (20 digits) so lexicographic order is
// numeric order.

const (
	prefixOrder      = "ord:"
	prefixBook       = "book:"
	prefixPayment    = "pay:"
	prefixSettlement = "stl:"
	prefixRejection  = "rej:"
	prefixHold       = "hold:"
)

var keyOrderSeq = []byte("seq:order")

// orderKey returns the key for an order
// Format: "ord:{id}"
func orderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOrder, id))
}

// bookPrefix returns the prefix for all open orders selling sell for buy
// Format: "book:{sell}:{buy}:"
func bookPrefix(sell, buy core.Network) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:", prefixBook, sell, buy))
}

// bookKey returns the open-order index key
// Format: "book:{sell}:{buy}:{id}"
func bookKey(o *core.Order) []byte {
	return []byte(fmt.Sprintf("%s%020d", bookPrefix(o.SellCurrency, o.BuyCurrency), o.ID))
}

// paymentKey returns the key recording which order consumed a payment
// Format: "pay:{network}:{ref}"
func paymentKey(n core.Network, ref string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixPayment, n, ref))
}

// settlementKey returns the key for the settlement of an order
// Format: "stl:{orderID}"
func settlementKey(orderID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixSettlement, orderID))
}

// rejectionKey returns the key for an audit record
// Format: "rej:{unixNano}:{id}"
func rejectionKey(r *core.RejectedSubmission) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixRejection, r.RecordedAt.UnixNano(), r.ID))
}

// holdKey returns the key for a held submission
// Format: "hold:{network}:{ref}"
func holdKey(n core.Network, ref string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixHold, n, ref))
}

// HoldID is the identity of a hold: one per backing payment
func HoldID(n core.Network, ref string) string {
	return fmt.Sprintf("%s:%s", n, ref)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
