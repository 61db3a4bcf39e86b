package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrLedgerUnavailable   = errors.New("ledger unavailable")
	ErrUnknownListing      = errors.New("unknown listing")
	ErrListingIDUnresolved = errors.New("listing id unresolved")
	ErrCatalogWriteFailed  = errors.New("catalog write failed")
	ErrPreconditionFailed  = errors.New("precondition failed")
	ErrLedgerRejected      = errors.New("ledger transaction rejected")
	ErrInvalidInput        = errors.New("invalid input")
	ErrRateLimited         = errors.New("rate limited")
	ErrLockHeld            = errors.New("lock already held")
)

// CatalogWriteError reports a cross-store write whose ledger half landed but
// whose catalog half did not. Record holds what should have been written so
// the caller can retry the catalog write alone.
type CatalogWriteError struct {
	ListingID int64
	TxHash    string
	Record    *ListingRecord
	Err       error
}

func (e *CatalogWriteError) Error() string {
	return fmt.Sprintf("catalog write failed for listing %d: %v", e.ListingID, e.Err)
}

func (e *CatalogWriteError) Unwrap() error { return e.Err }

func (e *CatalogWriteError) Is(target error) bool { return target == ErrCatalogWriteFailed }

// ListingIDUnresolvedError reports a confirmed list-item transaction whose
// receipt did not yield the ledger-assigned listing id. The fee is spent.
type ListingIDUnresolvedError struct {
	TxHash string
	Seller string
}

func (e *ListingIDUnresolvedError) Error() string {
	return fmt.Sprintf("listing id unresolved for confirmed tx %s (seller %s)", e.TxHash, e.Seller)
}

func (e *ListingIDUnresolvedError) Is(target error) bool { return target == ErrListingIDUnresolved }
