package market

import (
	"fmt"
	"math/big"
	"strings"
)

func validateListing(tx Tx, l *Listing) error {
	if l == nil {
		return fmt.Errorf("%w: nil listing", ErrInvalidListing)
	}
	if err := l.Key().Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(l.Owner) == "" {
		return fmt.Errorf("%w: owner required", ErrInvalidListing)
	}
	if l.AssetType != "" && !strings.Contains(l.AssetID, l.AssetType) {
		return fmt.Errorf("%w: asset type %q not part of asset id %q", ErrInvalidListing, l.AssetType, l.AssetID)
	}
	for c, price := range l.Prices {
		if price == nil || price.Sign() <= 0 {
			return fmt.Errorf("%w: %s price must be positive", ErrInvalidListing, c)
		}
		ok, err := tx.HasCurrency(c)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: unsupported currency %s", ErrInvalidListing, c)
		}
	}
	return nil
}

// createListing inserts a new listing together with its index entries.
func createListing(tx Tx, l *Listing) error {
	if err := validateListing(tx, l); err != nil {
		return err
	}
	if _, exists, err := tx.Listing(l.Key()); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("%w: %s", ErrListingExists, l.Key())
	}
	return tx.InsertListing(l)
}

func loadListing(tx Tx, key ListingKey) (*Listing, error) {
	l, ok, err := tx.Listing(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: listing %s", ErrNotFound, key)
	}
	return l, nil
}

// removeListing deletes the listing owned by requester and returns it so the
// caller can refund its outstanding bids.
func removeListing(tx Tx, key ListingKey, requester string) (*Listing, error) {
	l, err := loadListing(tx, key)
	if err != nil {
		return nil, err
	}
	if l.Owner != requester {
		return nil, fmt.Errorf("%w: %s does not own %s", ErrUnauthorized, requester, key)
	}
	return tx.DeleteListing(key)
}

// updatePrice upserts the asking price of a listing in one currency.
func updatePrice(tx Tx, key ListingKey, requester string, currency Currency, amount *big.Int) (*Listing, error) {
	l, err := loadListing(tx, key)
	if err != nil {
		return nil, err
	}
	if l.Owner != requester {
		return nil, fmt.Errorf("%w: %s does not own %s", ErrUnauthorized, requester, key)
	}
	supported, err := tx.HasCurrency(currency)
	if err != nil {
		return nil, err
	}
	if !supported {
		return nil, fmt.Errorf("%w: currency %s", ErrNotFound, currency)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidListing)
	}
	if l.Prices == nil {
		l.Prices = make(map[Currency]*big.Int)
	}
	l.Prices[currency] = new(big.Int).Set(amount)
	if err := tx.PutListing(l); err != nil {
		return nil, err
	}
	return l, nil
}

func loadListings(tx Tx, keys []ListingKey) ([]*Listing, error) {
	out := make([]*Listing, 0, len(keys))
	for _, key := range keys {
		l, ok, err := tx.Listing(key)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, l)
		}
	}
	return out, nil
}
