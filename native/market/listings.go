package market

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"bazaar/observability/logging"
)

// ApprovalNotification is the custody service's callback announcing that
// Owner approved the market to transfer AssetID. Signer is the principal that
// originally signed the approval; Deposit is the native amount attached to the
// callback.
type ApprovalNotification struct {
	Custodian          string
	Signer             string
	Owner              string
	AssetID            string
	AuthorizationToken string
	Payload            []byte
	Deposit            *big.Int
}

// SaleTerms is the decoded settlement payload of an approval.
type SaleTerms struct {
	Prices    map[Currency]*big.Int
	AssetType string
	Auction   bool
	Reusable  bool
}

type saleArgs struct {
	SaleConditions  map[string]json.RawMessage `json:"sale_conditions"`
	PriceByCurrency map[string]json.RawMessage `json:"price_by_currency"`
	TokenType       *string                    `json:"token_type"`
	AssetType       *string                    `json:"asset_type"`
	IsAuction       *bool                      `json:"is_auction"`
	IsSeries        *bool                      `json:"is_series"`
}

// DecodeSaleTerms parses an approval payload. Prices accept decimal strings or
// JSON numbers; currency identifiers are normalised.
func DecodeSaleTerms(payload []byte) (SaleTerms, error) {
	var args saleArgs
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&args); err != nil {
		return SaleTerms{}, fmt.Errorf("%w: settlement payload: %v", ErrInvalidListing, err)
	}
	raw := args.PriceByCurrency
	if raw == nil {
		raw = args.SaleConditions
	}
	terms := SaleTerms{Prices: make(map[Currency]*big.Int, len(raw))}
	for id, value := range raw {
		c, err := NormalizeCurrency(id)
		if err != nil {
			return SaleTerms{}, fmt.Errorf("%w: empty currency", ErrInvalidListing)
		}
		if _, dup := terms.Prices[c]; dup {
			return SaleTerms{}, fmt.Errorf("%w: duplicate currency %s", ErrInvalidListing, c)
		}
		amount, err := parseAmount(value)
		if err != nil {
			return SaleTerms{}, fmt.Errorf("%w: %s price: %v", ErrInvalidListing, c, err)
		}
		terms.Prices[c] = amount
	}
	switch {
	case args.AssetType != nil:
		terms.AssetType = strings.TrimSpace(*args.AssetType)
	case args.TokenType != nil:
		terms.AssetType = strings.TrimSpace(*args.TokenType)
	}
	if args.IsAuction != nil {
		terms.Auction = *args.IsAuction
	}
	if args.IsSeries != nil {
		terms.Reusable = *args.IsSeries
	}
	return terms, nil
}

// OnApprove admits a listing announced by a custody service. The attached
// deposit pays for one unit of storage; anything above it is returned to the
// owner and a deposit below one unit is returned in full.
func (e *Engine) OnApprove(ctx context.Context, n ApprovalNotification) (*Listing, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if n.Custodian == "" || n.Custodian == n.Signer {
		return nil, fmt.Errorf("%w: approval must come from the custody service", ErrUnauthorized)
	}
	if n.Owner == "" || n.Owner != n.Signer {
		return nil, fmt.Errorf("%w: approval signer is not the owner", ErrUnauthorized)
	}
	terms, err := DecodeSaleTerms(n.Payload)
	if err != nil {
		return nil, err
	}
	listing := &Listing{
		Owner:              n.Owner,
		AuthorizationToken: n.AuthorizationToken,
		Custodian:          n.Custodian,
		AssetID:            n.AssetID,
		Prices:             terms.Prices,
		CreatedAt:          e.now(),
		Reusable:           terms.Reusable,
		AssetType:          terms.AssetType,
		Bids:               make(map[Currency]Bid),
	}
	_, err = e.execute(ctx, func(tx Tx, fx *effects) error {
		if n.Deposit != nil && n.Deposit.Sign() > 0 {
			if n.Deposit.Cmp(e.params.UnitCost) >= 0 {
				balance, err := creditStorage(tx, n.Owner, e.params.UnitCost)
				if err != nil {
					return err
				}
				fx.emit(NewStorageDepositedEvent(n.Owner, e.params.UnitCost, balance))
				fx.transfer(e.params.NativeCurrency, n.Owner, new(big.Int).Sub(n.Deposit, e.params.UnitCost), "deposit_excess")
			} else {
				fx.transfer(e.params.NativeCurrency, n.Owner, n.Deposit, "deposit_excess")
			}
		}
		if err := assertAdmissible(tx, n.Owner, e.params.UnitCost); err != nil {
			return err
		}
		if err := createListing(tx, listing); err != nil {
			return err
		}
		fx.listingDelta++
		fx.emit(NewListingCreatedEvent(listing))
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("listing created",
		slog.String("listing", listing.Key().String()),
		slog.String("owner", listing.Owner),
		slog.Bool("reusable", listing.Reusable),
		logging.MaskField("authorizationToken", listing.AuthorizationToken))
	return listing.Clone(), nil
}

// RemoveSale withdraws a listing and refunds every outstanding bid.
func (e *Engine) RemoveSale(ctx context.Context, requester string, key ListingKey) (*Listing, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	var removed *Listing
	_, err := e.execute(ctx, func(tx Tx, fx *effects) error {
		l, err := removeListing(tx, key, requester)
		if err != nil {
			return err
		}
		removed = l.Clone()
		fx.listingDelta--
		fx.refundBids(key, drainBids(l), "listing_removed")
		fx.emit(NewListingRemovedEvent(removed))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// UpdatePrice sets the owner's asking price in one supported currency.
func (e *Engine) UpdatePrice(ctx context.Context, requester string, key ListingKey, currency string, amount *big.Int) (*Listing, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	c, err := NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	var updated *Listing
	_, err = e.execute(ctx, func(tx Tx, fx *effects) error {
		l, err := updatePrice(tx, key, requester, c, amount)
		if err != nil {
			return err
		}
		updated = l
		fx.emit(NewPriceUpdatedEvent(l, c))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AddCurrencies extends the supported currency set. Only the operator may call
// it; the result reports, per input, whether the currency was newly added.
func (e *Engine) AddCurrencies(ctx context.Context, requester string, currencies []string) ([]bool, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if e.params.Operator == "" || requester != e.params.Operator {
		return nil, fmt.Errorf("%w: operator only", ErrUnauthorized)
	}
	normalized := make([]Currency, 0, len(currencies))
	for _, raw := range currencies {
		c, err := NormalizeCurrency(raw)
		if err != nil {
			return nil, err
		}
		normalized = append(normalized, c)
	}
	added := make([]bool, len(normalized))
	_, err := e.execute(ctx, func(tx Tx, fx *effects) error {
		for i, c := range normalized {
			ok, err := tx.AddCurrency(c)
			if err != nil {
				return err
			}
			added[i] = ok
			if ok {
				fx.emit(NewCurrencyAddedEvent(c))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}
