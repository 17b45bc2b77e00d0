package market

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"go.opentelemetry.io/otel/attribute"

	"bazaar/observability/logging"
)

type purchase struct {
	listing  *Listing
	currency Currency
	buyer    string
	price    *big.Int
	paid     *big.Int
	memo     string
	origin   FundsOrigin
}

// initiate moves a purchase from Pending to AwaitingTransfer: the listing
// leaves the registry unless reusable, the continuation is persisted and the
// custody request is queued for dispatch after commit.
func (e *Engine) initiate(tx Tx, fx *effects, p purchase) (*PendingSettlement, error) {
	if p.price == nil || p.paid == nil || p.paid.Cmp(p.price) < 0 {
		return nil, fmt.Errorf("%w: paid %s below price %s", ErrInsufficientFunds, amountString(p.paid), amountString(p.price))
	}
	key := p.listing.Key()
	snapshot := p.listing.Clone()
	if !p.listing.Reusable {
		if _, err := tx.DeleteListing(key); err != nil {
			return nil, err
		}
		fx.listingDelta--
	}
	surplus := new(big.Int).Sub(p.paid, p.price)
	if surplus.Cmp(e.params.MinSurplus) < 0 {
		surplus = new(big.Int).Set(e.params.MinSurplus)
	}
	pending := &PendingSettlement{
		ID:        e.newID(),
		Currency:  p.currency,
		Buyer:     p.buyer,
		Listing:   snapshot,
		Price:     new(big.Int).Set(p.price),
		Paid:      new(big.Int).Set(p.paid),
		Surplus:   surplus,
		Memo:      p.memo,
		Origin:    p.origin,
		State:     SettlementAwaitingTransfer,
		CreatedAt: e.now(),
	}
	if err := tx.PutPending(pending); err != nil {
		return nil, err
	}
	fx.dispatches = append(fx.dispatches, TransferPayout{
		SettlementID:       pending.ID,
		Custodian:          snapshot.Custodian,
		AssetID:            snapshot.AssetID,
		Receiver:           p.buyer,
		AuthorizationToken: snapshot.AuthorizationToken,
		Price:              new(big.Int).Set(p.price),
		Surplus:            new(big.Int).Set(surplus),
		Memo:               p.memo,
	})
	fx.emit(NewSettlementInitiatedEvent(pending))
	fx.settlements = append(fx.settlements, settlementRecord{currency: p.currency, state: SettlementAwaitingTransfer})
	e.logger.Info("settlement initiated",
		slog.String("settlementId", pending.ID),
		slog.String("listing", key.String()),
		slog.String("buyer", p.buyer),
		slog.String("currency", p.currency.String()),
		slog.String("price", p.price.String()),
		logging.MaskField("authorizationToken", snapshot.AuthorizationToken))
	return pending, nil
}

// Resolve completes a settlement with the custody service's answer. A failed
// or invalid answer refunds the buyer; a valid one refunds the listing's
// outstanding bids and disburses the payout. Unknown ids yield ErrNotFound.
func (e *Engine) Resolve(ctx context.Context, id string, resp CustodyResponse) (outcome *Outcome, err error) {
	ctx, span := e.startSpan(ctx, "market.Resolve")
	span.SetAttributes(attribute.String("settlement.id", id))
	defer func() { endSpan(span, err) }()

	_, err = e.execute(ctx, func(tx Tx, fx *effects) error {
		pending, ok, err := tx.Pending(id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: settlement %s", ErrNotFound, id)
		}
		if err := tx.DeletePending(id); err != nil {
			return err
		}
		outcome, err = e.resolve(tx, fx, pending, resp)
		return err
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("settlement.state", outcome.State.String()))
	return outcome, nil
}

func (e *Engine) resolve(tx Tx, fx *effects, p *PendingSettlement, resp CustodyResponse) (*Outcome, error) {
	key := p.Listing.Key()

	// Bids to settle alongside the purchase. A reusable listing keeps living in
	// the registry, so its current bids are the ones that count.
	var live *Listing
	bidHolder := p.Listing
	if p.Listing.Reusable {
		l, ok, err := tx.Listing(key)
		if err != nil {
			return nil, err
		}
		if ok {
			live = l
			bidHolder = l
		} else {
			bidHolder = nil
		}
	}
	outstanding := 0
	if bidHolder != nil {
		outstanding = len(bidHolder.Bids)
	}

	var payout Payout
	verr := resp.Err
	if verr == nil {
		payout, verr = ParsePayout(resp.Payload)
	}
	if verr == nil {
		verr = ValidatePayout(payout, p.Price, outstanding, e.params.MaxRecipients, e.params.RoundingTolerance)
	}

	outcome := &Outcome{SettlementID: p.ID, Currency: p.Currency, Buyer: p.Buyer, Unused: big.NewInt(0)}
	if verr != nil {
		outcome.State = SettlementRefunded
		outcome.Reason = verr.Error()
		reason := rejectionReason(verr)
		fx.rejections = append(fx.rejections, reason)
		e.logger.Warn("settlement refunded",
			slog.String("settlementId", p.ID),
			slog.String("listing", key.String()),
			slog.String("reason", reason),
			slog.Any("error", verr))
		if p.Currency != e.params.NativeCurrency && p.Origin == OriginCurrencyTransfer {
			outcome.Unused = new(big.Int).Set(p.Paid)
		} else {
			fx.transfer(p.Currency, p.Buyer, p.Paid, "purchase_refund")
		}
		// A consumed listing cannot hold its bids any longer.
		if !p.Listing.Reusable {
			fx.refundBids(key, drainBids(p.Listing.Clone()), "listing_sold")
		}
		fx.emit(NewSettlementRefundedEvent(p, reason))
		fx.settlements = append(fx.settlements, settlementRecord{currency: p.Currency, state: SettlementRefunded})
		return outcome, nil
	}

	if live != nil {
		refunds := drainBids(live)
		if len(refunds) > 0 {
			if err := tx.PutListing(live); err != nil {
				return nil, err
			}
		}
		fx.refundBids(key, refunds, "listing_sold")
	} else if bidHolder != nil {
		fx.refundBids(key, drainBids(bidHolder.Clone()), "listing_sold")
	}
	for _, recipient := range payout.Recipients() {
		fx.transfer(p.Currency, recipient, payout[recipient], "payout")
	}
	outcome.State = SettlementSettled
	fx.emit(NewSettlementSettledEvent(p, payout))
	fx.settlements = append(fx.settlements, settlementRecord{currency: p.Currency, state: SettlementSettled})
	e.logger.Info("settlement settled",
		slog.String("settlementId", p.ID),
		slog.String("listing", key.String()),
		slog.Int("recipients", len(payout)),
		slog.String("total", payout.Total().String()))
	return outcome, nil
}
