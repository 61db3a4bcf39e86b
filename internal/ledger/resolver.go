package ledger

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
)

// ListingIDResolver extracts the listing id assigned by the contract from a
// list-item receipt. Only logs emitted by the escrow contract are considered.
type ListingIDResolver struct {
	contract common.Address
}

// NewListingIDResolver creates a resolver for the contract at address.
func NewListingIDResolver(contract common.Address) *ListingIDResolver {
	return &ListingIDResolver{contract: contract}
}

// ResolveListingID tries the decoded ItemListed event first, then the first
// indexed topic of the most recent contract log. Anything else is
// ErrListingIDUnresolved: a guessed id would point at someone else's trade.
func (r *ListingIDResolver) ResolveListingID(rcpt domain.Receipt) (int64, error) {
	if id, ok := r.fromEvent(rcpt.Logs); ok {
		return id, nil
	}
	if id, ok := r.fromIndexedTopic(rcpt.Logs); ok {
		return id, nil
	}
	return 0, &domain.ListingIDUnresolvedError{TxHash: rcpt.TxHash}
}

func (r *ListingIDResolver) fromEvent(logs []domain.LogEntry) (int64, bool) {
	event := parsedABI.Events[eventItemListed]
	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}

	for _, lg := range logs {
		if !r.fromContract(lg) || len(lg.Topics) < 1+len(indexed) {
			continue
		}
		if common.HexToHash(lg.Topics[0]) != event.ID {
			continue
		}
		topics := make([]common.Hash, 0, len(lg.Topics)-1)
		for _, t := range lg.Topics[1:] {
			topics = append(topics, common.HexToHash(t))
		}
		out := make(map[string]any, len(indexed))
		if err := abi.ParseTopicsIntoMap(out, indexed, topics); err != nil {
			continue
		}
		raw, ok := out["itemId"].(*big.Int)
		if !ok {
			continue
		}
		if id, ok := toListingID(raw); ok {
			return id, true
		}
	}
	return 0, false
}

func (r *ListingIDResolver) fromIndexedTopic(logs []domain.LogEntry) (int64, bool) {
	for i := len(logs) - 1; i >= 0; i-- {
		lg := logs[i]
		if !r.fromContract(lg) || len(lg.Topics) < 2 {
			continue
		}
		if id, ok := toListingID(common.HexToHash(lg.Topics[1]).Big()); ok {
			return id, true
		}
	}
	return 0, false
}

func (r *ListingIDResolver) fromContract(lg domain.LogEntry) bool {
	return strings.EqualFold(strings.TrimSpace(lg.Address), r.contract.Hex())
}

func toListingID(v *big.Int) (int64, bool) {
	if v == nil || v.Sign() < 0 || !v.IsInt64() {
		return 0, false
	}
	return v.Int64(), true
}

var _ domain.ListingIDResolver = (*ListingIDResolver)(nil)
