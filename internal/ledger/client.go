package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/p2pmarket/internal/crypto"
	"github.com/alanyoungcy/p2pmarket/internal/domain"
)

// Backend is the subset of the Ethereum RPC the escrow client uses.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: rpc endpoint required")
	}
	c, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("ledger: dial %s: %w", trimmed, err)
	}
	return c, nil
}

// EscrowClient implements domain.LedgerClient against the marketplace
// contract. A nil signer makes the client read-only.
type EscrowClient struct {
	backend      Backend
	contract     common.Address
	signer       *crypto.TxSigner
	pollInterval time.Duration
	logger       *slog.Logger

	// nonceMu serialises nonce selection and broadcast for the operator.
	nonceMu sync.Mutex
}

// NewEscrowClient creates an escrow client.
func NewEscrowClient(backend Backend, contract common.Address, signer *crypto.TxSigner, pollInterval time.Duration, logger *slog.Logger) *EscrowClient {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &EscrowClient{
		backend:      backend,
		contract:     contract,
		signer:       signer,
		pollInterval: pollInterval,
		logger:       logger.With(slog.String("component", "ledger")),
	}
}

// Account is the signing address, or "" for a read-only client.
func (c *EscrowClient) Account() string {
	if c.signer == nil {
		return ""
	}
	return c.signer.Address().Hex()
}

// Contract returns the escrow contract address.
func (c *EscrowClient) Contract() common.Address { return c.contract }

// SubmitListing sends listItem(price) carrying the listing fee.
func (c *EscrowClient) SubmitListing(ctx context.Context, price, fee decimal.Decimal) (domain.TxHandle, error) {
	priceWei, err := ToWei(price)
	if err != nil {
		return domain.TxHandle{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	feeWei, err := ToWei(fee)
	if err != nil {
		return domain.TxHandle{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return c.transact(ctx, feeWei, methodListItem, priceWei)
}

// SubmitPurchase sends purchaseItem(id) carrying the price.
func (c *EscrowClient) SubmitPurchase(ctx context.Context, listingID int64, price decimal.Decimal) (domain.TxHandle, error) {
	value, err := ToWei(price)
	if err != nil {
		return domain.TxHandle{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return c.transact(ctx, value, methodPurchaseItem, big.NewInt(listingID))
}

// SubmitConfirmDelivery sends confirmDelivery(id).
func (c *EscrowClient) SubmitConfirmDelivery(ctx context.Context, listingID int64) (domain.TxHandle, error) {
	return c.transact(ctx, nil, methodConfirmDelivery, big.NewInt(listingID))
}

// SubmitClaimPayment sends claimPayment(id).
func (c *EscrowClient) SubmitClaimPayment(ctx context.Context, listingID int64) (domain.TxHandle, error) {
	return c.transact(ctx, nil, methodClaimPayment, big.NewInt(listingID))
}

// SubmitPriceEdit sends editItemPrice(id, newPrice).
func (c *EscrowClient) SubmitPriceEdit(ctx context.Context, listingID int64, newPrice decimal.Decimal) (domain.TxHandle, error) {
	wei, err := ToWei(newPrice)
	if err != nil {
		return domain.TxHandle{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return c.transact(ctx, nil, methodEditItemPrice, big.NewInt(listingID), wei)
}

// AwaitConfirmation polls for the receipt of tx until it is mined or ctx
// ends. A reverted transaction is ErrLedgerRejected.
func (c *EscrowClient) AwaitConfirmation(ctx context.Context, tx domain.TxHandle) (domain.Receipt, error) {
	hash := common.HexToHash(tx.Hash)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		rcpt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && rcpt != nil:
			if rcpt.Status != types.ReceiptStatusSuccessful {
				return domain.Receipt{}, fmt.Errorf("ledger: tx %s reverted: %w", hash.Hex(), domain.ErrLedgerRejected)
			}
			return convertReceipt(rcpt), nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			if ctx.Err() != nil {
				return domain.Receipt{}, ctx.Err()
			}
			c.logger.Warn("receipt poll failed, retrying",
				slog.String("tx", hash.Hex()),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return domain.Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ReadTradeState calls getTradeDetails(id). A zero seller means the ledger
// has never seen the id.
func (c *EscrowClient) ReadTradeState(ctx context.Context, listingID int64) (domain.TradeState, error) {
	if listingID < 0 {
		return domain.TradeState{}, domain.ErrUnknownListing
	}
	input, err := parsedABI.Pack(methodGetTradeDetails, big.NewInt(listingID))
	if err != nil {
		return domain.TradeState{}, fmt.Errorf("ledger: pack %s: %w", methodGetTradeDetails, err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: input}, nil)
	if err != nil {
		if ctx.Err() != nil {
			return domain.TradeState{}, ctx.Err()
		}
		return domain.TradeState{}, fmt.Errorf("ledger: %s(%d): %v: %w", methodGetTradeDetails, listingID, err, domain.ErrLedgerUnavailable)
	}

	values, err := parsedABI.Unpack(methodGetTradeDetails, out)
	if err != nil || len(values) != 5 {
		return domain.TradeState{}, fmt.Errorf("ledger: decode %s(%d): %v: %w", methodGetTradeDetails, listingID, err, domain.ErrLedgerUnavailable)
	}
	seller, _ := values[0].(common.Address)
	buyer, _ := values[1].(common.Address)
	price, _ := values[2].(*big.Int)
	delivered, _ := values[3].(bool)
	completed, _ := values[4].(bool)

	if seller == (common.Address{}) {
		return domain.TradeState{}, domain.ErrUnknownListing
	}
	state := domain.TradeState{
		Seller:      seller.Hex(),
		Price:       FromWei(price),
		IsDelivered: delivered,
		IsCompleted: completed,
	}
	if buyer != (common.Address{}) {
		state.Buyer = buyer.Hex()
	}
	return state, nil
}

func (c *EscrowClient) transact(ctx context.Context, value *big.Int, method string, args ...any) (domain.TxHandle, error) {
	if c.signer == nil {
		return domain.TxHandle{}, fmt.Errorf("ledger: %s: client is read-only: %w", method, domain.ErrPreconditionFailed)
	}
	input, err := parsedABI.Pack(method, args...)
	if err != nil {
		return domain.TxHandle{}, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	if value == nil {
		value = new(big.Int)
	}
	from := c.signer.Address()

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return domain.TxHandle{}, c.rpcErr(ctx, method, "nonce", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return domain.TxHandle{}, c.rpcErr(ctx, method, "gas tip", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return domain.TxHandle{}, c.rpcErr(ctx, method, "head", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &c.contract,
		Value: value,
		Data:  input,
	})
	if err != nil {
		if isRevert(err) {
			return domain.TxHandle{}, fmt.Errorf("ledger: %s: %v: %w", method, err, domain.ErrLedgerRejected)
		}
		return domain.TxHandle{}, c.rpcErr(ctx, method, "estimate gas", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.signer.ChainID(),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &c.contract,
		Value:     value,
		Data:      input,
	})
	signed, err := c.signer.SignTx(tx)
	if err != nil {
		return domain.TxHandle{}, fmt.Errorf("ledger: %s: %w", method, err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		if isRevert(err) {
			return domain.TxHandle{}, fmt.Errorf("ledger: %s: %v: %w", method, err, domain.ErrLedgerRejected)
		}
		return domain.TxHandle{}, c.rpcErr(ctx, method, "send", err)
	}

	c.logger.Info("ledger tx submitted",
		slog.String("method", method),
		slog.String("tx", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce),
	)
	return domain.TxHandle{Hash: signed.Hash().Hex()}, nil
}

func (c *EscrowClient) rpcErr(ctx context.Context, method, step string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("ledger: %s: %s: %v: %w", method, step, err, domain.ErrLedgerUnavailable)
}

func isRevert(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "insufficient funds")
}

func convertReceipt(r *types.Receipt) domain.Receipt {
	out := domain.Receipt{TxHash: r.TxHash.Hex()}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	for _, lg := range r.Logs {
		if lg == nil {
			continue
		}
		entry := domain.LogEntry{Address: lg.Address.Hex(), Data: lg.Data}
		for _, t := range lg.Topics {
			entry.Topics = append(entry.Topics, t.Hex())
		}
		out.Logs = append(out.Logs, entry)
	}
	return out
}

var _ domain.LedgerClient = (*EscrowClient)(nil)
