// Package ledger talks to the on-chain escrow marketplace contract through
// go-ethereum and exposes the authoritative trade state to the service layer.
package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// escrowABI is the subset of the marketplace contract the service calls.
const escrowABI = `[
  {"type":"function","name":"listItem","stateMutability":"payable",
   "inputs":[{"name":"price","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"purchaseItem","stateMutability":"payable",
   "inputs":[{"name":"itemId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"confirmDelivery","stateMutability":"nonpayable",
   "inputs":[{"name":"itemId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"claimPayment","stateMutability":"nonpayable",
   "inputs":[{"name":"itemId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"editItemPrice","stateMutability":"nonpayable",
   "inputs":[{"name":"itemId","type":"uint256"},{"name":"newPrice","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"getTradeDetails","stateMutability":"view",
   "inputs":[{"name":"itemId","type":"uint256"}],
   "outputs":[
     {"name":"seller","type":"address"},
     {"name":"buyer","type":"address"},
     {"name":"price","type":"uint256"},
     {"name":"isDelivered","type":"bool"},
     {"name":"isCompleted","type":"bool"}]},
  {"type":"event","name":"ItemListed","anonymous":false,
   "inputs":[
     {"name":"itemId","type":"uint256","indexed":true},
     {"name":"seller","type":"address","indexed":true},
     {"name":"price","type":"uint256","indexed":false}]}
]`

const (
	methodListItem        = "listItem"
	methodPurchaseItem    = "purchaseItem"
	methodConfirmDelivery = "confirmDelivery"
	methodClaimPayment    = "claimPayment"
	methodEditItemPrice   = "editItemPrice"
	methodGetTradeDetails = "getTradeDetails"
	eventItemListed       = "ItemListed"
)

// parsedABI is decoded once at init; the JSON above is a constant.
var parsedABI = mustParseABI(escrowABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("ledger: invalid escrow ABI: " + err.Error())
	}
	return parsed
}
