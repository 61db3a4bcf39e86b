package service

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
)

func TestValidatePrice(t *testing.T) {
	assert.NoError(t, ValidatePrice(decimal.RequireFromString("0.000000000000000001")))
	assert.NoError(t, ValidatePrice(decimal.RequireFromString("12.50")))
	assert.ErrorIs(t, ValidatePrice(decimal.Zero), domain.ErrInvalidInput)
	assert.ErrorIs(t, ValidatePrice(decimal.NewFromInt(-1)), domain.ErrInvalidInput)
	assert.ErrorIs(t, ValidatePrice(decimal.RequireFromString("0.0000000000000000001")), domain.ErrInvalidInput)
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, ValidateAddress("seller", alice))
	assert.NoError(t, ValidateAddress("seller", strings.ToLower(bob)))
	for _, bad := range []string{"", "  ", "alice", "0x1234", domain.ZeroAddress, "A11CE00000000000000000000000000000000001"} {
		assert.ErrorIs(t, ValidateAddress("seller", bad), domain.ErrInvalidInput, "address %q", bad)
	}
}

func TestCreateListingRequestValidation(t *testing.T) {
	ok := widgetRequest(alice)
	assert.NoError(t, ok.validate())

	noTitle := ok
	noTitle.Title = "   "
	assert.ErrorIs(t, noTitle.validate(), domain.ErrInvalidInput)

	longDesc := ok
	longDesc.Description = strings.Repeat("x", 5001)
	assert.ErrorIs(t, longDesc.validate(), domain.ErrInvalidInput)

	longLink := ok
	longLink.Contacts.Twitter = "https://x.com/" + strings.Repeat("a", 600)
	assert.ErrorIs(t, longLink.validate(), domain.ErrInvalidInput)

	noSeller := ok
	noSeller.Seller = ""
	assert.NoError(t, noSeller.validate())
}
