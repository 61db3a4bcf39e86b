package service

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
)

const (
	maxTitleLen       = 200
	maxDescriptionLen = 5000
	maxLinkLen        = 512
	maxPriceDecimals  = 18
)

// CreateListingRequest is a sell listing. Seller must be one of the
// coordinator's signing accounts; empty means the default account.
type CreateListingRequest struct {
	Seller      string
	Price       decimal.Decimal
	Title       string
	Description string
	Contacts    domain.ContactLinks
}

// CreateBuyOrderRequest is a ledger-less buy order.
type CreateBuyOrderRequest struct {
	Buyer       string
	Price       decimal.Decimal
	Title       string
	Description string
	Contacts    domain.ContactLinks
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), domain.ErrInvalidInput)
}

// ValidatePrice rejects non-positive prices and sub-wei precision.
func ValidatePrice(p decimal.Decimal) error {
	if !p.IsPositive() {
		return invalid("price must be positive")
	}
	if p.Exponent() < -maxPriceDecimals && !p.Equal(p.Truncate(maxPriceDecimals)) {
		return invalid("price has more than %d decimals", maxPriceDecimals)
	}
	return nil
}

// ValidateAddress requires a 0x-prefixed 20-byte hex address.
func ValidateAddress(field, addr string) error {
	a := strings.TrimSpace(addr)
	if a == "" {
		return invalid("%s is required", field)
	}
	if !strings.HasPrefix(a, "0x") || !common.IsHexAddress(a) {
		return invalid("%s %q is not a valid address", field, a)
	}
	if domain.NormalizeAddress(a) == "" {
		return invalid("%s must not be the zero address", field)
	}
	return nil
}

func validateText(title, description string, contacts domain.ContactLinks) error {
	switch {
	case strings.TrimSpace(title) == "":
		return invalid("title is required")
	case len(title) > maxTitleLen:
		return invalid("title longer than %d characters", maxTitleLen)
	case strings.TrimSpace(description) == "":
		return invalid("description is required")
	case len(description) > maxDescriptionLen:
		return invalid("description longer than %d characters", maxDescriptionLen)
	case len(contacts.Twitter) > maxLinkLen, len(contacts.Telegram) > maxLinkLen:
		return invalid("contact link longer than %d characters", maxLinkLen)
	}
	return nil
}

func (r CreateListingRequest) validate() error {
	if r.Seller != "" {
		if err := ValidateAddress("seller", r.Seller); err != nil {
			return err
		}
	}
	if err := ValidatePrice(r.Price); err != nil {
		return err
	}
	return validateText(r.Title, r.Description, r.Contacts)
}

func (r CreateBuyOrderRequest) validate() error {
	if err := ValidateAddress("buyer", r.Buyer); err != nil {
		return err
	}
	if err := ValidatePrice(r.Price); err != nil {
		return err
	}
	return validateText(r.Title, r.Description, r.Contacts)
}
