package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
)

// StateReader is the read path used by the reconciliation engine. It never
// asks the ledger about draft ids and normalises every failure to
// ErrUnknownListing, ErrLedgerUnavailable, or the caller's cancellation.
type StateReader struct {
	client domain.LedgerClient
}

// NewStateReader wraps client.
func NewStateReader(client domain.LedgerClient) *StateReader {
	return &StateReader{client: client}
}

// FetchTradeState returns the ledger's trade state for listingID.
func (r *StateReader) FetchTradeState(ctx context.Context, listingID int64) (domain.TradeState, error) {
	if domain.IsDraftID(listingID) {
		return domain.TradeState{}, domain.ErrUnknownListing
	}
	state, err := r.client.ReadTradeState(ctx, listingID)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return domain.TradeState{}, ctx.Err()
	case errors.Is(err, domain.ErrUnknownListing), errors.Is(err, domain.ErrLedgerUnavailable):
		return domain.TradeState{}, err
	default:
		return domain.TradeState{}, fmt.Errorf("ledger: read %d: %v: %w", listingID, err, domain.ErrLedgerUnavailable)
	}
	if domain.NormalizeAddress(state.Seller) == "" {
		return domain.TradeState{}, domain.ErrUnknownListing
	}
	state.Buyer = domain.NormalizeAddress(state.Buyer)
	return state, nil
}

var _ domain.LedgerReader = (*StateReader)(nil)
