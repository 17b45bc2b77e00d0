package market

import (
	"errors"

	nativecommon "bazaar/native/common"
)

var (
	ErrNotFound          = errors.New("market: not found")
	ErrUnauthorized      = errors.New("market: unauthorized")
	ErrInvalidListing    = errors.New("market: invalid listing")
	ErrListingExists     = errors.New("market: listing already exists")
	ErrInsufficientFunds = errors.New("market: insufficient funds")
	ErrInsufficientQuota = errors.New("market: insufficient storage quota")
	ErrInvalidPayout     = errors.New("market: invalid payout")
	ErrTooManyRecipients = errors.New("market: too many payout recipients")
	ErrInvalidBid        = errors.New("market: invalid bid")
	ErrBidTooLow         = errors.New("market: bid does not exceed current bid")
	ErrPriceReached      = errors.New("market: amount reaches asking price")
	ErrModulePaused      = nativecommon.ErrModulePaused
)

var (
	errNilState    = errors.New("market engine: state not configured")
	errNilCustody  = errors.New("market engine: custody service not configured")
	errNilTransfer = errors.New("market engine: transferer not configured")
	errReadOnlyTx  = errors.New("market engine: write in read-only transaction")
)
