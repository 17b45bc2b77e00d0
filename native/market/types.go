package market

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// Currency identifies a settlement currency. Identifiers are normalised to
// lower case without surrounding whitespace.
type Currency string

// NormalizeCurrency returns the canonical form of a currency identifier.
func NormalizeCurrency(raw string) (Currency, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return "", fmt.Errorf("%w: currency required", ErrNotFound)
	}
	return Currency(trimmed), nil
}

func (c Currency) String() string { return string(c) }

// ListingKey identifies a listing by the custodian holding the asset and the
// asset identifier within that custodian.
type ListingKey struct {
	Custodian string `json:"custodian"`
	AssetID   string `json:"assetId"`
}

// String renders the key for logs and events. It is not used for storage.
func (k ListingKey) String() string {
	return k.Custodian + "/" + k.AssetID
}

// Validate reports whether both components of the key are present.
func (k ListingKey) Validate() error {
	if strings.TrimSpace(k.Custodian) == "" {
		return fmt.Errorf("%w: custodian required", ErrInvalidListing)
	}
	if strings.TrimSpace(k.AssetID) == "" {
		return fmt.Errorf("%w: asset id required", ErrInvalidListing)
	}
	return nil
}

func (k ListingKey) less(other ListingKey) bool {
	if k.Custodian != other.Custodian {
		return k.Custodian < other.Custodian
	}
	return k.AssetID < other.AssetID
}

// SortKeys orders listing keys by custodian then asset id.
func SortKeys(keys []ListingKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
}

// Bid is the single outstanding offer for one currency on one listing.
type Bid struct {
	Bidder string   `json:"bidder"`
	Amount *big.Int `json:"amount"`
}

// Clone returns a deep copy of the bid.
func (b Bid) Clone() Bid {
	return Bid{Bidder: b.Bidder, Amount: cloneAmount(b.Amount)}
}

// Listing is an active offer to sell one asset.
type Listing struct {
	Owner              string                `json:"owner"`
	AuthorizationToken string                `json:"authorizationToken,omitempty"`
	Custodian          string                `json:"custodian"`
	AssetID            string                `json:"assetId"`
	Prices             map[Currency]*big.Int `json:"prices"`
	CreatedAt          int64                 `json:"createdAt"`
	Reusable           bool                  `json:"reusable"`
	AssetType          string                `json:"assetType,omitempty"`
	Bids               map[Currency]Bid      `json:"bids,omitempty"`
}

// Key returns the registry key of the listing.
func (l *Listing) Key() ListingKey {
	return ListingKey{Custodian: l.Custodian, AssetID: l.AssetID}
}

// Price returns the asking price in the supplied currency.
func (l *Listing) Price(c Currency) (*big.Int, bool) {
	if l == nil || l.Prices == nil {
		return nil, false
	}
	price, ok := l.Prices[c]
	if !ok || price == nil {
		return nil, false
	}
	return new(big.Int).Set(price), true
}

// Clone returns a deep copy allowing callers to mutate the result without
// affecting the stored instance.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Prices = make(map[Currency]*big.Int, len(l.Prices))
	for c, p := range l.Prices {
		clone.Prices[c] = cloneAmount(p)
	}
	clone.Bids = make(map[Currency]Bid, len(l.Bids))
	for c, b := range l.Bids {
		clone.Bids[c] = b.Clone()
	}
	return &clone
}

// BidCurrencies returns the currencies holding an outstanding bid in sorted
// order.
func (l *Listing) BidCurrencies() []Currency {
	out := make([]Currency, 0, len(l.Bids))
	for c := range l.Bids {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SettlementState is the lifecycle phase of a purchase.
type SettlementState uint8

const (
	SettlementPending SettlementState = iota
	SettlementAwaitingTransfer
	SettlementSettled
	SettlementRefunded
)

func (s SettlementState) String() string {
	switch s {
	case SettlementPending:
		return "pending"
	case SettlementAwaitingTransfer:
		return "awaiting_transfer"
	case SettlementSettled:
		return "settled"
	case SettlementRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// MarshalText renders the state by name.
func (s SettlementState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *SettlementState) UnmarshalText(text []byte) error {
	for _, candidate := range []SettlementState{SettlementPending, SettlementAwaitingTransfer, SettlementSettled, SettlementRefunded} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("market: unknown settlement state %q", text)
}

// FundsOrigin records how the buyer's funds reached the engine, which decides
// who returns them when a settlement is refunded.
type FundsOrigin uint8

const (
	// OriginDeposit covers native funds attached to an offer.
	OriginDeposit FundsOrigin = iota
	// OriginCurrencyTransfer covers external-currency funds whose transfer is
	// still awaiting the engine's answer; the currency service reclaims the
	// reported unused amount itself.
	OriginCurrencyTransfer
	// OriginAcceptedBid covers funds escrowed earlier as a bid.
	OriginAcceptedBid
)

// PendingSettlement is the continuation record kept between Initiate and
// Resolve.
type PendingSettlement struct {
	ID        string          `json:"id"`
	Currency  Currency        `json:"currency"`
	Buyer     string          `json:"buyer"`
	Listing   *Listing        `json:"listing"`
	Price     *big.Int        `json:"price"`
	Paid      *big.Int        `json:"paid"`
	Surplus   *big.Int        `json:"surplus"`
	Memo      string          `json:"memo,omitempty"`
	Origin    FundsOrigin     `json:"origin"`
	State     SettlementState `json:"state"`
	CreatedAt int64           `json:"createdAt"`
}

// Clone returns a deep copy of the continuation record.
func (p *PendingSettlement) Clone() *PendingSettlement {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Listing = p.Listing.Clone()
	clone.Price = cloneAmount(p.Price)
	clone.Paid = cloneAmount(p.Paid)
	clone.Surplus = cloneAmount(p.Surplus)
	return &clone
}

// TransferPayout is the outbound request asking a custody service to move an
// asset to the buyer and report how the sale price must be split.
type TransferPayout struct {
	SettlementID       string   `json:"settlementId"`
	Custodian          string   `json:"custodian"`
	AssetID            string   `json:"assetId"`
	Receiver           string   `json:"receiver"`
	AuthorizationToken string   `json:"authorizationToken"`
	Price              *big.Int `json:"price"`
	Surplus            *big.Int `json:"surplus"`
	Memo               string   `json:"memo,omitempty"`
}

// CustodyResponse is the asynchronous answer to a TransferPayout request. A
// non-nil Err means the transfer did not happen.
type CustodyResponse struct {
	Payload []byte
	Err     error
}

// Outcome summarises a resolved settlement. Unused is the amount the engine
// hands back to the currency service that delivered the funds.
type Outcome struct {
	SettlementID string          `json:"settlementId"`
	State        SettlementState `json:"state"`
	Currency     Currency        `json:"currency"`
	Buyer        string          `json:"buyer"`
	Unused       *big.Int        `json:"unused"`
	Reason       string          `json:"reason,omitempty"`
}

// OfferResult reports what an offer did: either a bid was recorded or a
// settlement was initiated. Outcome is set when the settlement resolved before
// the call returned, e.g. because the custody request could not be sent.
type OfferResult struct {
	Bid        *Bid               `json:"bid,omitempty"`
	Outbid     *Bid               `json:"outbid,omitempty"`
	Settlement *PendingSettlement `json:"settlement,omitempty"`
	Outcome    *Outcome           `json:"outcome,omitempty"`
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
