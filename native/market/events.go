package market

import (
	"math/big"
	"sort"
	"strconv"
	"strings"

	"bazaar/core/types"
)

const (
	EventTypeListingCreated      = "market.listing.created"
	EventTypeListingRemoved      = "market.listing.removed"
	EventTypeListingPriceUpdated = "market.listing.price_updated"
	EventTypeBidPlaced           = "market.bid.placed"
	EventTypeBidRefunded         = "market.bid.refunded"
	EventTypeSettlementInitiated = "market.settlement.initiated"
	EventTypeSettlementSettled   = "market.settlement.settled"
	EventTypeSettlementRefunded  = "market.settlement.refunded"
	EventTypeStorageDeposited    = "market.storage.deposited"
	EventTypeStorageWithdrawn    = "market.storage.withdrawn"
	EventTypeCurrencyAdded       = "market.currency.added"
)

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

// NewListingCreatedEvent returns the payload emitted when an approval admits a
// new listing.
func NewListingCreatedEvent(l *Listing) *types.Event {
	return newListingEvent(EventTypeListingCreated, l)
}

// NewListingRemovedEvent returns the payload emitted when a listing leaves the
// registry through remove_sale.
func NewListingRemovedEvent(l *Listing) *types.Event {
	return newListingEvent(EventTypeListingRemoved, l)
}

// NewPriceUpdatedEvent returns the payload for an upserted price.
func NewPriceUpdatedEvent(l *Listing, currency Currency) *types.Event {
	evt := newListingEvent(EventTypeListingPriceUpdated, l)
	evt.Attributes["currency"] = currency.String()
	if price, ok := l.Price(currency); ok {
		evt.Attributes["price"] = price.String()
	}
	return evt
}

// NewBidPlacedEvent returns the payload for a newly recorded bid.
func NewBidPlacedEvent(key ListingKey, currency Currency, bid Bid) *types.Event {
	return &types.Event{Type: EventTypeBidPlaced, Attributes: map[string]string{
		"custodian": key.Custodian,
		"assetId":   key.AssetID,
		"currency":  currency.String(),
		"bidder":    bid.Bidder,
		"amount":    amountString(bid.Amount),
	}}
}

// NewBidRefundedEvent returns the payload for an escrowed bid handed back to
// its bidder.
func NewBidRefundedEvent(key ListingKey, r refund, reason string) *types.Event {
	return &types.Event{Type: EventTypeBidRefunded, Attributes: map[string]string{
		"custodian": key.Custodian,
		"assetId":   key.AssetID,
		"currency":  r.Currency.String(),
		"bidder":    r.Recipient,
		"amount":    amountString(r.Amount),
		"reason":    reason,
	}}
}

// NewSettlementInitiatedEvent returns the payload emitted once a purchase is
// awaiting the custody response.
func NewSettlementInitiatedEvent(p *PendingSettlement) *types.Event {
	return newSettlementEvent(EventTypeSettlementInitiated, p, nil)
}

// NewSettlementSettledEvent returns the payload for a completed purchase.
func NewSettlementSettledEvent(p *PendingSettlement, payout Payout) *types.Event {
	return newSettlementEvent(EventTypeSettlementSettled, p, payout)
}

// NewSettlementRefundedEvent returns the payload for a purchase rolled back
// after an invalid or failed custody response.
func NewSettlementRefundedEvent(p *PendingSettlement, reason string) *types.Event {
	evt := newSettlementEvent(EventTypeSettlementRefunded, p, nil)
	if strings.TrimSpace(reason) != "" {
		evt.Attributes["reason"] = reason
	}
	return evt
}

func NewStorageDepositedEvent(principal string, amount, balance *big.Int) *types.Event {
	return &types.Event{Type: EventTypeStorageDeposited, Attributes: map[string]string{
		"principal": principal,
		"amount":    amountString(amount),
		"balance":   amountString(balance),
	}}
}

func NewStorageWithdrawnEvent(principal string, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeStorageWithdrawn, Attributes: map[string]string{
		"principal": principal,
		"amount":    amountString(amount),
	}}
}

func NewCurrencyAddedEvent(c Currency) *types.Event {
	return &types.Event{Type: EventTypeCurrencyAdded, Attributes: map[string]string{"currency": c.String()}}
}

func newListingEvent(eventType string, l *Listing) *types.Event {
	attrs := make(map[string]string)
	if l == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["custodian"] = l.Custodian
	attrs["assetId"] = l.AssetID
	attrs["owner"] = l.Owner
	attrs["createdAt"] = strconv.FormatInt(l.CreatedAt, 10)
	attrs["reusable"] = strconv.FormatBool(l.Reusable)
	if l.AssetType != "" {
		attrs["assetType"] = l.AssetType
	}
	currencies := make([]string, 0, len(l.Prices))
	for c := range l.Prices {
		currencies = append(currencies, c.String())
	}
	sort.Strings(currencies)
	attrs["currencies"] = strings.Join(currencies, ",")
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newSettlementEvent(eventType string, p *PendingSettlement, payout Payout) *types.Event {
	attrs := make(map[string]string)
	if p == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["settlementId"] = p.ID
	attrs["currency"] = p.Currency.String()
	attrs["buyer"] = p.Buyer
	attrs["price"] = amountString(p.Price)
	attrs["paid"] = amountString(p.Paid)
	attrs["surplus"] = amountString(p.Surplus)
	if p.Listing != nil {
		attrs["custodian"] = p.Listing.Custodian
		attrs["assetId"] = p.Listing.AssetID
		attrs["seller"] = p.Listing.Owner
	}
	if len(payout) > 0 {
		attrs["recipients"] = strconv.Itoa(len(payout))
		attrs["payoutTotal"] = payout.Total().String()
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
