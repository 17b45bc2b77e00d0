package market

import (
	"fmt"
	"math/big"
)

// refund is a queued return of escrowed funds.
type refund struct {
	Currency  Currency
	Recipient string
	Amount    *big.Int
}

// placeBid records amount as the outstanding bid of bidder in currency. The
// replaced bid, if any, is returned so the caller can refund it in the same
// call.
func placeBid(l *Listing, currency Currency, bidder string, amount *big.Int) (*Bid, error) {
	if l == nil {
		return nil, fmt.Errorf("%w: listing", ErrNotFound)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidBid)
	}
	if bidder == "" {
		return nil, fmt.Errorf("%w: bidder required", ErrInvalidBid)
	}
	if price, ok := l.Price(currency); ok && amount.Cmp(price) >= 0 {
		return nil, ErrPriceReached
	}
	var outbid *Bid
	if current, ok := l.Bids[currency]; ok {
		if amount.Cmp(current.Amount) <= 0 {
			return nil, fmt.Errorf("%w: current %s %s", ErrBidTooLow, current.Amount, currency)
		}
		prev := current.Clone()
		outbid = &prev
	}
	if l.Bids == nil {
		l.Bids = make(map[Currency]Bid)
	}
	l.Bids[currency] = Bid{Bidder: bidder, Amount: new(big.Int).Set(amount)}
	return outbid, nil
}

// takeBid removes and returns the bid for currency.
func takeBid(l *Listing, currency Currency) (Bid, error) {
	if l == nil {
		return Bid{}, fmt.Errorf("%w: listing", ErrNotFound)
	}
	bid, ok := l.Bids[currency]
	if !ok {
		return Bid{}, fmt.Errorf("%w: no %s bid on %s", ErrNotFound, currency, l.Key())
	}
	delete(l.Bids, currency)
	return bid.Clone(), nil
}

// drainBids removes every bid from the listing and returns the refunds owed,
// ordered by currency.
func drainBids(l *Listing) []refund {
	if l == nil || len(l.Bids) == 0 {
		return nil
	}
	out := make([]refund, 0, len(l.Bids))
	for _, c := range l.BidCurrencies() {
		bid := l.Bids[c]
		out = append(out, refund{Currency: c, Recipient: bid.Bidder, Amount: cloneAmount(bid.Amount)})
	}
	l.Bids = make(map[Currency]Bid)
	return out
}
