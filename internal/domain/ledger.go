package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// TxHandle identifies a submitted ledger transaction.
type TxHandle struct {
	Hash string
}

// LogEntry is one event log from a transaction receipt, hex encoded.
type LogEntry struct {
	Address string
	Topics  []string
	Data    []byte
}

// Receipt is the confirmation of a mined ledger transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Logs        []LogEntry
}

// LedgerClient is the raw escrow contract client. Transactions are signed by
// Account; a read-only client reports an empty account.
type LedgerClient interface {
	Account() string
	SubmitListing(ctx context.Context, price, fee decimal.Decimal) (TxHandle, error)
	SubmitPurchase(ctx context.Context, listingID int64, price decimal.Decimal) (TxHandle, error)
	SubmitConfirmDelivery(ctx context.Context, listingID int64) (TxHandle, error)
	SubmitClaimPayment(ctx context.Context, listingID int64) (TxHandle, error)
	SubmitPriceEdit(ctx context.Context, listingID int64, newPrice decimal.Decimal) (TxHandle, error)
	AwaitConfirmation(ctx context.Context, tx TxHandle) (Receipt, error)
	ReadTradeState(ctx context.Context, listingID int64) (TradeState, error)
}

// LedgerReader fetches authoritative trade state.
type LedgerReader interface {
	FetchTradeState(ctx context.Context, listingID int64) (TradeState, error)
}

// ListingIDResolver extracts the ledger-assigned listing id from a
// list-item receipt.
type ListingIDResolver interface {
	ResolveListingID(r Receipt) (int64, error)
}
