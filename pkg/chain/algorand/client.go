package algorand

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/indexer"
	algocrypto "github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/transaction"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"go.uber.org/zap"

	"github.com/uhyunpark/xchange/pkg/app/core"
	"github.com/uhyunpark/xchange/pkg/chain"
	"github.com/uhyunpark/xchange/pkg/crypto"
)

// Config locates the algod node (for sending) and the indexer (for lookups)
type Config struct {
	AlgodURL     string
	AlgodToken   string
	IndexerURL   string
	IndexerToken string
}

// Client observes and sends Algo payment transactions
type Client struct {
	algod   *algod.Client
	indexer *indexer.Client
	signer  *crypto.AlgoSigner
	logger  *zap.SugaredLogger

	sendMu sync.Mutex
}

// New builds a client; no network traffic happens until first use
func New(cfg Config, signer *crypto.AlgoSigner, logger *zap.SugaredLogger) (*Client, error) {
	ac, err := algod.MakeClient(cfg.AlgodURL, cfg.AlgodToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create algod client: %w", err)
	}
	ic, err := indexer.MakeClient(cfg.IndexerURL, cfg.IndexerToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create indexer client: %w", err)
	}
	return &Client{algod: ac, indexer: ic, signer: signer, logger: logger}, nil
}

var _ chain.Client = (*Client)(nil)

func (c *Client) Network() core.Network { return core.Algorand }

func (c *Client) Address() string { return c.signer.Address() }

// VerifyPayment reads the transaction from the indexer. The indexer only
// knows confirmed transactions, so a miss is reported as not found and the
// caller keeps waiting.
func (c *Client) VerifyPayment(ctx context.Context, ref string) (*chain.Payment, error) {
	resp, err := c.indexer.LookupTransaction(ref).Do(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, chain.ErrTxNotFound
		}
		return nil, fmt.Errorf("failed to look up transaction %s: %w", ref, err)
	}
	tx := resp.Transaction
	p := &chain.Payment{
		Ref:    ref,
		From:   tx.Sender,
		To:     tx.PaymentTransaction.Receiver,
		Amount: new(big.Int).SetUint64(tx.PaymentTransaction.Amount),
	}
	if tx.Type != "pay" {
		// asset transfers and app calls never back an order
		p.Failed = true
		return p, nil
	}
	p.Confirmed = tx.ConfirmedRound > 0
	return p, nil
}

// PrepareTransfer signs a payment valid for the suggested round window.
// The handle is the transaction id, known before anything is sent.
func (c *Client) PrepareTransfer(ctx context.Context, to string, amount *big.Int) (*chain.Transfer, error) {
	if !amount.IsUint64() {
		return nil, fmt.Errorf("amount %s out of range for microAlgos", amount)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	params, err := c.algod.SuggestedParams().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get suggested params: %w", err)
	}
	txn, err := transaction.MakePaymentTxn(c.signer.Address(), to, amount.Uint64(), nil, "", params)
	if err != nil {
		return nil, fmt.Errorf("failed to build payment: %w", err)
	}
	txid, stx, err := algocrypto.SignTransaction(c.signer.PrivateKey(), txn)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payment: %w", err)
	}
	return &chain.Transfer{Handle: txid, Raw: stx}, nil
}

func (c *Client) Broadcast(ctx context.Context, raw []byte) error {
	txid, err := c.algod.SendRawTransaction(raw).Do(ctx)
	if err != nil {
		if isAlreadyInLedger(err) {
			c.logger.Debugw("algo_transfer_known", "err", err)
			return nil
		}
		return fmt.Errorf("failed to send payment: %w", err)
	}
	c.logger.Infow("algo_transfer_sent", "tx", txid)
	return nil
}

// TransferExpired is true once the chain is past the payment's last
// valid round and the indexer never saw it confirm.
func (c *Client) TransferExpired(ctx context.Context, raw []byte) (bool, error) {
	var stx types.SignedTxn
	if err := msgpack.Decode(raw, &stx); err != nil {
		return false, fmt.Errorf("malformed signed payment: %w", err)
	}
	txid := algocrypto.GetTxID(stx.Txn)
	if _, err := c.VerifyPayment(ctx, txid); err == nil {
		return false, nil
	} else if !errors.Is(err, chain.ErrTxNotFound) {
		return false, err
	}
	status, err := c.algod.Status().Do(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read node status: %w", err)
	}
	return status.LastRound > uint64(stx.Txn.LastValid), nil
}

func isAlreadyInLedger(err error) bool {
	return strings.Contains(err.Error(), "already in ledger")
}

// the SDK reports HTTP status only through the error text
func isNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "HTTP 404") || strings.Contains(msg, "no transaction found")
}
