package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/uhyunpark/xchange/pkg/app/core"
	"github.com/uhyunpark/xchange/pkg/chain"
	"github.com/uhyunpark/xchange/pkg/crypto"
)

const transferGas = 21000

// Client observes and sends plain ETH value transfers over JSON-RPC
type Client struct {
	rpc           *ethclient.Client
	signer        *crypto.Signer
	chainID       *big.Int
	confirmations uint64
	logger        *zap.SugaredLogger

	// nonce allocation must not interleave for the one sending account
	sendMu sync.Mutex
}

// Dial connects to an Ethereum node. confirmations is the block depth a
// payment needs before it counts as confirmed (minimum 1).
func Dial(ctx context.Context, url string, signer *crypto.Signer, confirmations uint64, logger *zap.SugaredLogger) (*Client, error) {
	rpc, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ethereum node %s: %w", url, err)
	}
	chainID, err := rpc.ChainID(ctx)
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	if confirmations == 0 {
		confirmations = 1
	}
	return &Client{
		rpc:           rpc,
		signer:        signer,
		chainID:       chainID,
		confirmations: confirmations,
		logger:        logger,
	}, nil
}

var _ chain.Client = (*Client)(nil)

func (c *Client) Close() { c.rpc.Close() }

func (c *Client) Network() core.Network { return core.Ethereum }

func (c *Client) Address() string { return c.signer.Address().Hex() }

func (c *Client) VerifyPayment(ctx context.Context, ref string) (*chain.Payment, error) {
	if !isTxHash(ref) {
		return nil, fmt.Errorf("malformed transaction hash %q", ref)
	}
	hash := common.HexToHash(ref)

	tx, isPending, err := c.rpc.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, chain.ErrTxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transaction %s: %w", ref, err)
	}

	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover sender of %s: %w", ref, err)
	}
	p := &chain.Payment{
		Ref:    ref,
		From:   from.Hex(),
		Amount: tx.Value(),
	}
	if tx.To() != nil {
		p.To = tx.To().Hex()
	}
	if isPending {
		return p, nil
	}

	receipt, err := c.rpc.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch receipt %s: %w", ref, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		p.Failed = true
		return p, nil
	}

	head, err := c.rpc.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read block number: %w", err)
	}
	mined := receipt.BlockNumber.Uint64()
	p.Confirmed = head >= mined && head-mined+1 >= c.confirmations
	return p, nil
}

// PrepareTransfer signs a value transfer at the account's pending nonce.
// Nothing is sent; the returned bytes are fed to Broadcast.
func (c *Client) PrepareTransfer(ctx context.Context, to string, amount *big.Int) (*chain.Transfer, error) {
	raw, err := crypto.ParseEthAddress(to)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	recipient := common.Address(raw)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	from := c.signer.Address()
	nonce, err := c.rpc.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	tip, err := c.rpc.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest tip: %w", err)
	}
	head, err := c.rpc.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get head: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       transferGas,
		To:        &recipient,
		Value:     amount,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.signer.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("failed to sign transfer: %w", err)
	}
	encoded, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transfer: %w", err)
	}
	return &chain.Transfer{Handle: signed.Hash().Hex(), Raw: encoded}, nil
}

func (c *Client) Broadcast(ctx context.Context, raw []byte) error {
	tx, err := decodeTx(raw)
	if err != nil {
		return err
	}
	if err := c.rpc.SendTransaction(ctx, tx); err != nil {
		if isAlreadyKnown(err) {
			c.logger.Debugw("eth_transfer_known", "tx", tx.Hash().Hex())
			return nil
		}
		return fmt.Errorf("failed to send transfer: %w", err)
	}
	c.logger.Infow("eth_transfer_sent", "tx", tx.Hash().Hex(), "to", tx.To().Hex(), "wei", tx.Value().String(), "nonce", tx.Nonce())
	return nil
}

// TransferExpired is true once the account nonce has moved past the
// transfer's nonce without the transfer itself being on chain, so the
// signed bytes can never be mined.
func (c *Client) TransferExpired(ctx context.Context, raw []byte) (bool, error) {
	tx, err := decodeTx(raw)
	if err != nil {
		return false, err
	}
	_, _, err = c.rpc.TransactionByHash(ctx, tx.Hash())
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return false, fmt.Errorf("failed to fetch transaction %s: %w", tx.Hash().Hex(), err)
	}
	nonce, err := c.rpc.NonceAt(ctx, c.signer.Address(), nil)
	if err != nil {
		return false, fmt.Errorf("failed to get nonce: %w", err)
	}
	return nonce > tx.Nonce(), nil
}

func decodeTx(raw []byte) (*types.Transaction, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("malformed signed transfer: %w", err)
	}
	return tx, nil
}

// geth and most providers phrase this as "already known"
func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "already imported")
}

func isTxHash(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}
