package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pmarket/internal/crypto"
	"github.com/alanyoungcy/p2pmarket/internal/domain"
)

var (
	testContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testSeller   = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	testBuyer    = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
)

type fakeBackend struct {
	mu sync.Mutex

	callOut  []byte
	callErr  error
	calls    int
	estErr   error
	sendErr  error
	sent     []*types.Transaction
	receipts []*types.Receipt // returned in order; nil means not found yet
	rcptErr  error
}

func (f *fakeBackend) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.callOut, f.callErr
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 7, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: big.NewInt(5_000_000)}, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 90_000, f.estErr
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rcptErr != nil {
		return nil, f.rcptErr
	}
	if len(f.receipts) == 0 {
		return nil, ethereum.NotFound
	}
	r := f.receipts[0]
	f.receipts = f.receipts[1:]
	if r == nil {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func packTradeDetails(t *testing.T, seller, buyer common.Address, wei *big.Int, delivered, completed bool) []byte {
	t.Helper()
	out, err := parsedABI.Methods[methodGetTradeDetails].Outputs.Pack(seller, buyer, wei, delivered, completed)
	require.NoError(t, err)
	return out
}

func testSigner(t *testing.T) *crypto.TxSigner {
	t.Helper()
	pk, err := crypto.LoadKey(crypto.KeySource{RawPrivateKey: "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"})
	require.NoError(t, err)
	s, err := crypto.NewTxSigner(pk, 31337)
	require.NoError(t, err)
	return s
}

func TestReadTradeStateDecodes(t *testing.T) {
	oneEther, _ := new(big.Int).SetString("1000000000000000000", 10)
	be := &fakeBackend{callOut: packTradeDetails(t, testSeller, testBuyer, oneEther, true, false)}
	c := NewEscrowClient(be, testContract, nil, time.Millisecond, discardLogger())

	st, err := c.ReadTradeState(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, testSeller.Hex(), st.Seller)
	assert.Equal(t, testBuyer.Hex(), st.Buyer)
	assert.True(t, st.Price.Equal(decimal.NewFromInt(1)))
	assert.True(t, st.IsDelivered)
	assert.False(t, st.IsCompleted)
}

func TestReadTradeStateZeroBuyerIsAbsent(t *testing.T) {
	be := &fakeBackend{callOut: packTradeDetails(t, testSeller, common.Address{}, big.NewInt(5), false, false)}
	c := NewEscrowClient(be, testContract, nil, time.Millisecond, discardLogger())

	st, err := c.ReadTradeState(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, st.Buyer)
	assert.False(t, st.HasBuyer())
}

func TestReadTradeStateZeroSellerIsUnknown(t *testing.T) {
	be := &fakeBackend{callOut: packTradeDetails(t, common.Address{}, common.Address{}, big.NewInt(0), false, false)}
	c := NewEscrowClient(be, testContract, nil, time.Millisecond, discardLogger())

	_, err := c.ReadTradeState(context.Background(), 999)
	assert.ErrorIs(t, err, domain.ErrUnknownListing)
}

func TestReadTradeStateRPCFailureIsUnavailable(t *testing.T) {
	be := &fakeBackend{callErr: errors.New("connection refused")}
	c := NewEscrowClient(be, testContract, nil, time.Millisecond, discardLogger())

	_, err := c.ReadTradeState(context.Background(), 3)
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)
}

func TestStateReaderSkipsDrafts(t *testing.T) {
	be := &fakeBackend{}
	r := NewStateReader(NewEscrowClient(be, testContract, nil, time.Millisecond, discardLogger()))

	_, err := r.FetchTradeState(context.Background(), -4)
	assert.ErrorIs(t, err, domain.ErrUnknownListing)
	assert.Zero(t, be.calls)
}

func TestStateReaderPropagatesCancellation(t *testing.T) {
	be := &fakeBackend{callErr: errors.New("boom")}
	r := NewStateReader(NewEscrowClient(be, testContract, nil, time.Millisecond, discardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.FetchTradeState(ctx, 4)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, domain.ErrLedgerUnavailable)
}

func TestSubmitListingSendsFeeAsValue(t *testing.T) {
	be := &fakeBackend{}
	c := NewEscrowClient(be, testContract, testSigner(t), time.Millisecond, discardLogger())

	tx, err := c.SubmitListing(context.Background(), decimal.RequireFromString("0.5"), decimal.RequireFromString("0.0000004"))
	require.NoError(t, err)
	require.Len(t, be.sent, 1)

	sent := be.sent[0]
	assert.Equal(t, sent.Hash().Hex(), tx.Hash)
	assert.Equal(t, "400000000000", sent.Value().String())
	assert.Equal(t, uint64(7), sent.Nonce())
	assert.Equal(t, testContract, *sent.To())

	want, err := parsedABI.Pack(methodListItem, big.NewInt(500_000_000_000_000_000))
	require.NoError(t, err)
	assert.Equal(t, want, sent.Data())
}

func TestSubmitRevertIsRejected(t *testing.T) {
	be := &fakeBackend{estErr: errors.New("execution reverted: not seller")}
	c := NewEscrowClient(be, testContract, testSigner(t), time.Millisecond, discardLogger())

	_, err := c.SubmitPriceEdit(context.Background(), 1, decimal.NewFromInt(2))
	assert.ErrorIs(t, err, domain.ErrLedgerRejected)
	assert.Empty(t, be.sent)
}

func TestSubmitWithoutSignerFails(t *testing.T) {
	c := NewEscrowClient(&fakeBackend{}, testContract, nil, time.Millisecond, discardLogger())

	_, err := c.SubmitClaimPayment(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
}

func TestAwaitConfirmationPollsUntilMined(t *testing.T) {
	hash := common.HexToHash("0xabc")
	be := &fakeBackend{receipts: []*types.Receipt{nil, nil, {
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      hash,
		BlockNumber: big.NewInt(12),
		Logs: []*types.Log{{
			Address: testContract,
			Topics:  []common.Hash{parsedABI.Events[eventItemListed].ID, common.BigToHash(big.NewInt(9))},
		}},
	}}}
	c := NewEscrowClient(be, testContract, nil, time.Millisecond, discardLogger())

	rcpt, err := c.AwaitConfirmation(context.Background(), domain.TxHandle{Hash: hash.Hex()})
	require.NoError(t, err)
	assert.Equal(t, uint64(12), rcpt.BlockNumber)
	require.Len(t, rcpt.Logs, 1)
	assert.Equal(t, testContract.Hex(), rcpt.Logs[0].Address)
}

func TestAwaitConfirmationRevertedIsRejected(t *testing.T) {
	be := &fakeBackend{receipts: []*types.Receipt{{Status: types.ReceiptStatusFailed}}}
	c := NewEscrowClient(be, testContract, nil, time.Millisecond, discardLogger())

	_, err := c.AwaitConfirmation(context.Background(), domain.TxHandle{Hash: "0x01"})
	assert.ErrorIs(t, err, domain.ErrLedgerRejected)
}

func TestAwaitConfirmationHonoursCancellation(t *testing.T) {
	c := NewEscrowClient(&fakeBackend{}, testContract, nil, time.Millisecond, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.AwaitConfirmation(ctx, domain.TxHandle{Hash: "0x01"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestToWei(t *testing.T) {
	wei, err := ToWei(decimal.RequireFromString("1.5"))
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", wei.String())

	_, err = ToWei(decimal.RequireFromString("0.0000000000000000001"))
	assert.Error(t, err)

	_, err = ToWei(decimal.NewFromInt(-1))
	assert.Error(t, err)

	assert.True(t, FromWei(wei).Equal(decimal.RequireFromString("1.5")))
}
