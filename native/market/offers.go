package market

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

type offerRequest struct {
	key      ListingKey
	currency Currency
	buyer    string
	paid     *big.Int
	memo     string
	origin   FundsOrigin
}

// Offer spends paid native funds on a listing. Paying the exact native price,
// or attaching a memo together with more than the price, starts a purchase;
// a lower amount is recorded as a bid.
func (e *Engine) Offer(ctx context.Context, buyer string, key ListingKey, paid *big.Int, memo string) (result *OfferResult, err error) {
	ctx, span := e.startSpan(ctx, "market.Offer")
	span.SetAttributes(attribute.String("listing", key.String()))
	defer func() { endSpan(span, err) }()

	return e.offer(ctx, offerRequest{
		key:      key,
		currency: e.params.NativeCurrency,
		buyer:    buyer,
		paid:     paid,
		memo:     memo,
		origin:   OriginDeposit,
	})
}

// OnCurrencyTransfer handles funds received through an external currency
// service and routes them like Offer. When the call fails the whole amount
// belongs back to the sender; a purchase that is later refunded reports the
// amount through its Outcome instead.
func (e *Engine) OnCurrencyTransfer(ctx context.Context, currency, sender string, amount *big.Int, key ListingKey, memo string) (result *OfferResult, err error) {
	ctx, span := e.startSpan(ctx, "market.OnCurrencyTransfer")
	span.SetAttributes(attribute.String("listing", key.String()), attribute.String("currency", currency))
	defer func() { endSpan(span, err) }()

	c, err := NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	if c == e.params.NativeCurrency {
		return nil, fmt.Errorf("%w: native funds must be attached to an offer", ErrInvalidBid)
	}
	return e.offer(ctx, offerRequest{
		key:      key,
		currency: c,
		buyer:    sender,
		paid:     amount,
		memo:     memo,
		origin:   OriginCurrencyTransfer,
	})
}

func (e *Engine) offer(ctx context.Context, req offerRequest) (*OfferResult, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	req.buyer = strings.TrimSpace(req.buyer)
	if req.buyer == "" {
		return nil, fmt.Errorf("%w: buyer required", ErrUnauthorized)
	}
	if req.paid == nil || req.paid.Sign() <= 0 {
		return nil, fmt.Errorf("%w: attached amount must be positive", ErrInsufficientFunds)
	}
	result := &OfferResult{}
	fx, err := e.execute(ctx, func(tx Tx, fx *effects) error {
		supported, err := tx.HasCurrency(req.currency)
		if err != nil {
			return err
		}
		if !supported {
			return fmt.Errorf("%w: currency %s", ErrNotFound, req.currency)
		}
		l, err := loadListing(tx, req.key)
		if err != nil {
			return err
		}
		if l.Owner == req.buyer && !l.Reusable {
			return fmt.Errorf("%w: owner cannot bid on own listing", ErrUnauthorized)
		}
		price, ok := l.Price(req.currency)
		if !ok {
			return fmt.Errorf("%w: %s not priced in %s", ErrNotFound, req.key, req.currency)
		}
		cmp := req.paid.Cmp(price)
		switch {
		case req.memo != "":
			if cmp <= 0 {
				return fmt.Errorf("%w: issuance requires more than %s", ErrInsufficientFunds, price)
			}
		case cmp == 0:
		case cmp > 0:
			return ErrPriceReached
		default:
			outbid, err := placeBid(l, req.currency, req.buyer, req.paid)
			if err != nil {
				return err
			}
			if err := tx.PutListing(l); err != nil {
				return err
			}
			bid := l.Bids[req.currency].Clone()
			result.Bid = &bid
			fx.bids = append(fx.bids, req.currency)
			fx.emit(NewBidPlacedEvent(req.key, req.currency, bid))
			if outbid != nil {
				result.Outbid = outbid
				fx.refundBids(req.key, []refund{{Currency: req.currency, Recipient: outbid.Bidder, Amount: outbid.Amount}}, "outbid")
			}
			return nil
		}
		pending, err := e.initiate(tx, fx, purchase{
			listing:  l,
			currency: req.currency,
			buyer:    req.buyer,
			price:    price,
			paid:     req.paid,
			memo:     req.memo,
			origin:   req.origin,
		})
		if err != nil {
			return err
		}
		result.Settlement = pending
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.attachOutcome(ctx, result, fx)
	return result, nil
}

func (e *Engine) attachOutcome(ctx context.Context, result *OfferResult, fx *effects) {
	outcomes := e.dispatch(ctx, fx)
	if result.Settlement == nil {
		return
	}
	if outcome, ok := outcomes[result.Settlement.ID]; ok {
		result.Outcome = outcome
	}
}

// AcceptOffer sells the listing to the holder of its bid in currency. The bid
// amount is both the price and the paid amount of the resulting settlement.
func (e *Engine) AcceptOffer(ctx context.Context, owner string, key ListingKey, currency string) (result *OfferResult, err error) {
	ctx, span := e.startSpan(ctx, "market.AcceptOffer")
	span.SetAttributes(attribute.String("listing", key.String()), attribute.String("currency", currency))
	defer func() { endSpan(span, err) }()

	if err := e.guard(); err != nil {
		return nil, err
	}
	c, err := NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	result = &OfferResult{}
	fx, err := e.execute(ctx, func(tx Tx, fx *effects) error {
		l, err := loadListing(tx, key)
		if err != nil {
			return err
		}
		if l.Owner != owner {
			return fmt.Errorf("%w: %s does not own %s", ErrUnauthorized, owner, key)
		}
		bid, err := takeBid(l, c)
		if err != nil {
			return err
		}
		if l.Reusable {
			if err := tx.PutListing(l); err != nil {
				return err
			}
		}
		result.Bid = &bid
		pending, err := e.initiate(tx, fx, purchase{
			listing:  l,
			currency: c,
			buyer:    bid.Bidder,
			price:    bid.Amount,
			paid:     bid.Amount,
			origin:   OriginAcceptedBid,
		})
		if err != nil {
			return err
		}
		result.Settlement = pending
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.attachOutcome(ctx, result, fx)
	return result, nil
}
