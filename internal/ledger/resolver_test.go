package ledger

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
)

func itemListedLog(addr common.Address, id int64) domain.LogEntry {
	return domain.LogEntry{
		Address: addr.Hex(),
		Topics: []string{
			parsedABI.Events[eventItemListed].ID.Hex(),
			common.BigToHash(big.NewInt(id)).Hex(),
			common.BytesToHash(testSeller.Bytes()).Hex(),
		},
	}
}

func TestResolveFromDecodedEvent(t *testing.T) {
	r := NewListingIDResolver(testContract)
	id, err := r.ResolveListingID(domain.Receipt{
		TxHash: "0x1",
		Logs:   []domain.LogEntry{itemListedLog(testContract, 17)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(17), id)
}

func TestResolveAcceptsLowercaseAddress(t *testing.T) {
	r := NewListingIDResolver(testContract)
	lg := itemListedLog(testContract, 5)
	lg.Address = "0x5fbdb2315678afecb367f032d93f642f64180aa3"

	id, err := r.ResolveListingID(domain.Receipt{Logs: []domain.LogEntry{lg}})
	require.NoError(t, err)
	assert.Equal(t, int64(5), id)
}

func TestResolveFallsBackToIndexedTopic(t *testing.T) {
	r := NewListingIDResolver(testContract)
	other := domain.LogEntry{
		Address: testContract.Hex(),
		Topics: []string{
			common.HexToHash("0xdeadbeef").Hex(),
			common.BigToHash(big.NewInt(23)).Hex(),
		},
	}
	id, err := r.ResolveListingID(domain.Receipt{Logs: []domain.LogEntry{other}})
	require.NoError(t, err)
	assert.Equal(t, int64(23), id)
}

func TestResolveIgnoresForeignContracts(t *testing.T) {
	r := NewListingIDResolver(testContract)
	foreign := itemListedLog(common.HexToAddress("0x00000000000000000000000000000000000000ff"), 3)

	_, err := r.ResolveListingID(domain.Receipt{TxHash: "0xfeed", Logs: []domain.LogEntry{foreign}})
	require.ErrorIs(t, err, domain.ErrListingIDUnresolved)

	var unresolved *domain.ListingIDUnresolvedError
	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, "0xfeed", unresolved.TxHash)
}

func TestResolveWithoutLogsNeverGuesses(t *testing.T) {
	r := NewListingIDResolver(testContract)

	_, err := r.ResolveListingID(domain.Receipt{TxHash: "0x2"})
	assert.ErrorIs(t, err, domain.ErrListingIDUnresolved)

	_, err = r.ResolveListingID(domain.Receipt{TxHash: "0x3", Logs: []domain.LogEntry{{
		Address: testContract.Hex(),
		Topics:  []string{parsedABI.Events[eventItemListed].ID.Hex()},
	}}})
	assert.ErrorIs(t, err, domain.ErrListingIDUnresolved)
}
