package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
	"github.com/alanyoungcy/p2pmarket/internal/store/memory"
)

const (
	alice   = "0xA11CE00000000000000000000000000000000001"
	bob     = "0xB0B0000000000000000000000000000000000002"
	mallory = "0x3A110C0000000000000000000000000000000003"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeChain is an in-memory escrow contract shared by every fakeSigner.
// Transactions take effect when submitted.
type fakeChain struct {
	mu       sync.Mutex
	states   map[int64]domain.TradeState
	receipts map[string]domain.Receipt
	nextID   int64
	txs      int
	readErr  error
	reads    atomic.Int64

	// inFlight and peak track concurrent reads when block is set.
	block    chan struct{}
	inFlight atomic.Int64
	peak     atomic.Int64
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		states:   make(map[int64]domain.TradeState),
		receipts: make(map[string]domain.Receipt),
	}
}

func (c *fakeChain) set(id int64, st domain.TradeState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[id] = st
}

func (c *fakeChain) update(id int64, fn func(*domain.TradeState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.states[id]
	fn(&st)
	c.states[id] = st
}

func (c *fakeChain) setReadErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr = err
}

func (c *fakeChain) txCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txs
}

func (c *fakeChain) FetchTradeState(ctx context.Context, listingID int64) (domain.TradeState, error) {
	c.reads.Add(1)
	if c.block != nil {
		n := c.inFlight.Add(1)
		for {
			p := c.peak.Load()
			if n <= p || c.peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-c.block:
		case <-ctx.Done():
		}
		c.inFlight.Add(-1)
	}
	if err := ctx.Err(); err != nil {
		return domain.TradeState{}, err
	}
	if domain.IsDraftID(listingID) {
		return domain.TradeState{}, domain.ErrUnknownListing
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return domain.TradeState{}, fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, c.readErr)
	}
	st, ok := c.states[listingID]
	if !ok || domain.NormalizeAddress(st.Seller) == "" {
		return domain.TradeState{}, domain.ErrUnknownListing
	}
	st.Buyer = domain.NormalizeAddress(st.Buyer)
	return st, nil
}

func (c *fakeChain) signer(account string) *fakeSigner {
	return &fakeSigner{chain: c, account: account}
}

// fakeSigner is a LedgerClient signing as one account.
type fakeSigner struct {
	chain     *fakeChain
	account   string
	submitErr error
	awaitErr  error
}

func (s *fakeSigner) Account() string { return s.account }

func (s *fakeSigner) tx(logs []domain.LogEntry, apply func()) (domain.TxHandle, error) {
	if s.submitErr != nil {
		return domain.TxHandle{}, s.submitErr
	}
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	s.chain.txs++
	hash := "0xtx" + strconv.Itoa(s.chain.txs)
	apply()
	s.chain.receipts[hash] = domain.Receipt{TxHash: hash, BlockNumber: uint64(s.chain.txs), Logs: logs}
	return domain.TxHandle{Hash: hash}, nil
}

func (s *fakeSigner) SubmitListing(_ context.Context, price, _ decimal.Decimal) (domain.TxHandle, error) {
	s.chain.mu.Lock()
	s.chain.nextID++
	id := s.chain.nextID
	s.chain.mu.Unlock()
	logs := []domain.LogEntry{{Address: "escrow", Topics: []string{"ItemListed", strconv.FormatInt(id, 10)}}}
	return s.tx(logs, func() {
		s.chain.states[id] = domain.TradeState{Seller: s.account, Price: price}
	})
}

func (s *fakeSigner) SubmitPurchase(_ context.Context, listingID int64, _ decimal.Decimal) (domain.TxHandle, error) {
	return s.tx(nil, func() {
		st := s.chain.states[listingID]
		st.Buyer = s.account
		s.chain.states[listingID] = st
	})
}

func (s *fakeSigner) SubmitConfirmDelivery(_ context.Context, listingID int64) (domain.TxHandle, error) {
	return s.tx(nil, func() {
		st := s.chain.states[listingID]
		st.IsDelivered = true
		s.chain.states[listingID] = st
	})
}

func (s *fakeSigner) SubmitClaimPayment(_ context.Context, listingID int64) (domain.TxHandle, error) {
	return s.tx(nil, func() {
		st := s.chain.states[listingID]
		st.IsCompleted = true
		s.chain.states[listingID] = st
	})
}

func (s *fakeSigner) SubmitPriceEdit(_ context.Context, listingID int64, newPrice decimal.Decimal) (domain.TxHandle, error) {
	return s.tx(nil, func() {
		st := s.chain.states[listingID]
		st.Price = newPrice
		s.chain.states[listingID] = st
	})
}

func (s *fakeSigner) AwaitConfirmation(ctx context.Context, tx domain.TxHandle) (domain.Receipt, error) {
	if s.awaitErr != nil {
		return domain.Receipt{}, s.awaitErr
	}
	if err := ctx.Err(); err != nil {
		return domain.Receipt{}, err
	}
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	return s.chain.receipts[tx.Hash], nil
}

func (s *fakeSigner) ReadTradeState(ctx context.Context, listingID int64) (domain.TradeState, error) {
	return s.chain.FetchTradeState(ctx, listingID)
}

// topicResolver reads the listing id the fake chain puts in topic 1.
type topicResolver struct{ err error }

func (r topicResolver) ResolveListingID(rcpt domain.Receipt) (int64, error) {
	if r.err != nil {
		return 0, r.err
	}
	for _, l := range rcpt.Logs {
		if len(l.Topics) > 1 && l.Topics[0] == "ItemListed" {
			return strconv.ParseInt(l.Topics[1], 10, 64)
		}
	}
	return 0, errors.New("no ItemListed log")
}

// faultyCatalog wraps the in-memory catalog with switchable failures.
type faultyCatalog struct {
	*memory.Catalog

	mu         sync.Mutex
	insertErr  error
	upsertErr  error
	deleteErr  error
	cacheErr   error
	cacheCalls int
	deletes    int
}

func newFaultyCatalog() *faultyCatalog {
	return &faultyCatalog{Catalog: memory.NewCatalog()}
}

func (f *faultyCatalog) fail(insert, upsert, del, cache error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertErr, f.upsertErr, f.deleteErr, f.cacheErr = insert, upsert, del, cache
}

func (f *faultyCatalog) Insert(ctx context.Context, rec domain.ListingRecord) error {
	f.mu.Lock()
	err := f.insertErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Catalog.Insert(ctx, rec)
}

func (f *faultyCatalog) UpsertDescriptiveFields(ctx context.Context, id int64, fields domain.DescriptiveFields) error {
	f.mu.Lock()
	err := f.upsertErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Catalog.UpsertDescriptiveFields(ctx, id, fields)
}

func (f *faultyCatalog) Delete(ctx context.Context, id int64) error {
	f.mu.Lock()
	f.deletes++
	err := f.deleteErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Catalog.Delete(ctx, id)
}

func (f *faultyCatalog) CacheTradeState(ctx context.Context, id int64, snap domain.TradeSnapshot) error {
	f.mu.Lock()
	f.cacheCalls++
	err := f.cacheErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Catalog.CacheTradeState(ctx, id, snap)
}

func (f *faultyCatalog) counts() (cacheCalls, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cacheCalls, f.deletes
}

// recordingBus is a SignalBus that keeps every payload.
type recordingBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newRecordingBus() *recordingBus {
	return &recordingBus{messages: make(map[string][][]byte)}
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[channel] = append(b.messages[channel], append([]byte(nil), payload...))
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages[channel])
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAlerter) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAlerter) got() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

type memoryAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (m *memoryAudit) Log(_ context.Context, event string, detail map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, domain.AuditEntry{
		ID: int64(len(m.entries) + 1), Event: event, Detail: detail, CreatedAt: time.Now(),
	})
	return nil
}

func (m *memoryAudit) List(context.Context, domain.AuditQuery) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AuditEntry(nil), m.entries...), nil
}

func (m *memoryAudit) events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Event
	}
	return out
}
