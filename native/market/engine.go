package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bazaar/core/events"
	"bazaar/core/types"
	nativecommon "bazaar/native/common"
)

// ModuleName is the pause-guard key of the market module.
const ModuleName = "market"

// DefaultNativeCurrency is supported by every engine and used for storage
// deposits and offers with attached funds.
const DefaultNativeCurrency Currency = "native"

// Params are the economic knobs of the engine.
type Params struct {
	NativeCurrency    Currency
	UnitCost          *big.Int
	MinSurplus        *big.Int
	RoundingTolerance *big.Int
	MaxRecipients     int
	Operator          string
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	unit, _ := new(big.Int).SetString("10000000000000000000000", 10)
	return Params{
		NativeCurrency:    DefaultNativeCurrency,
		UnitCost:          unit,
		MinSurplus:        big.NewInt(1),
		RoundingTolerance: big.NewInt(1),
		MaxRecipients:     DefaultMaxRecipients,
	}
}

func (p Params) normalize() (Params, error) {
	native, err := NormalizeCurrency(string(p.NativeCurrency))
	if err != nil {
		return p, fmt.Errorf("market: native currency: %w", err)
	}
	p.NativeCurrency = native
	if p.UnitCost == nil || p.UnitCost.Sign() <= 0 {
		return p, fmt.Errorf("market: unit cost must be positive")
	}
	p.UnitCost = new(big.Int).Set(p.UnitCost)
	if p.MinSurplus == nil {
		p.MinSurplus = big.NewInt(1)
	}
	if p.MinSurplus.Sign() < 0 {
		return p, fmt.Errorf("market: min surplus must not be negative")
	}
	p.MinSurplus = new(big.Int).Set(p.MinSurplus)
	if p.RoundingTolerance == nil {
		p.RoundingTolerance = big.NewInt(1)
	}
	if p.RoundingTolerance.Sign() < 0 {
		return p, fmt.Errorf("market: rounding tolerance must not be negative")
	}
	p.RoundingTolerance = new(big.Int).Set(p.RoundingTolerance)
	if p.MaxRecipients <= 0 {
		p.MaxRecipients = DefaultMaxRecipients
	}
	p.Operator = strings.TrimSpace(p.Operator)
	return p, nil
}

// Option customises an Engine.
type Option func(*Engine)

// WithEmitter configures the event emitter. Nil keeps the no-op emitter.
func WithEmitter(emitter events.Emitter) Option {
	return func(e *Engine) {
		if emitter != nil {
			e.emitter = emitter
		}
	}
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics installs a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithNowFunc overrides the unix-seconds clock. Intended for tests.
func WithNowFunc(now func() int64) Option {
	return func(e *Engine) {
		if now != nil {
			e.nowFn = now
		}
	}
}

// WithPauses installs the pause view consulted before mutating calls.
func WithPauses(p nativecommon.PauseView) Option {
	return func(e *Engine) { e.pauses = p }
}

// WithIDGenerator overrides the settlement id source.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// Engine coordinates listings, bids and settlements. Top-level calls are
// linearised; each call commits its state change in one transaction before any
// funds move or custody requests are sent.
type Engine struct {
	mu sync.Mutex

	store      Store
	params     Params
	custody    Custody
	transferer Transferer

	emitter events.Emitter
	logger  *slog.Logger
	metrics Metrics
	pauses  nativecommon.PauseView
	tracer  trace.Tracer
	nowFn   func() int64
	newID   func() string
}

// NewEngine builds an engine over store. The native currency is registered as
// supported if the store does not know it yet.
func NewEngine(store Store, custody Custody, transferer Transferer, params Params, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errNilState
	}
	if custody == nil {
		return nil, errNilCustody
	}
	if transferer == nil {
		return nil, errNilTransfer
	}
	normalized, err := params.normalize()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		store:      store,
		params:     normalized,
		custody:    custody,
		transferer: transferer,
		emitter:    events.NoopEmitter{},
		logger:     slog.Default(),
		metrics:    noopMetrics{},
		tracer:     otel.Tracer("bazaar/native/market"),
		nowFn:      func() int64 { return time.Now().Unix() },
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = e.logger.With("component", ModuleName)
	err = store.Update(func(tx Tx) error {
		_, err := tx.AddCurrency(normalized.NativeCurrency)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("market: register native currency: %w", err)
	}
	return e, nil
}

// Params returns a copy of the engine parameters.
func (e *Engine) Params() Params {
	p := e.params
	p.UnitCost = cloneAmount(p.UnitCost)
	p.MinSurplus = cloneAmount(p.MinSurplus)
	p.RoundingTolerance = cloneAmount(p.RoundingTolerance)
	return p
}

func (e *Engine) now() int64 {
	if e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) guard() error {
	return nativecommon.Guard(e.pauses, ModuleName)
}

type transferEffect struct {
	currency  Currency
	recipient string
	amount    *big.Int
	purpose   string
}

type settlementRecord struct {
	currency Currency
	state    SettlementState
}

// effects collects what a call does outside the store. They are applied only
// once the transaction has committed.
type effects struct {
	transfers    []transferEffect
	dispatches   []TransferPayout
	events       []*types.Event
	settlements  []settlementRecord
	rejections   []string
	bids         []Currency
	listingDelta int
}

func (fx *effects) transfer(currency Currency, recipient string, amount *big.Int, purpose string) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	fx.transfers = append(fx.transfers, transferEffect{
		currency:  currency,
		recipient: recipient,
		amount:    new(big.Int).Set(amount),
		purpose:   purpose,
	})
}

func (fx *effects) refundBids(key ListingKey, refunds []refund, reason string) {
	for _, r := range refunds {
		fx.transfer(r.Currency, r.Recipient, r.Amount, "bid_refund")
		fx.emit(NewBidRefundedEvent(key, r, reason))
	}
}

func (fx *effects) emit(evt *types.Event) {
	if evt != nil {
		fx.events = append(fx.events, evt)
	}
}

func (e *Engine) execute(ctx context.Context, fn func(Tx, *effects) error) (*effects, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var fx *effects
	err := e.store.Update(func(tx Tx) error {
		fx = &effects{}
		return fn(tx, fx)
	})
	if err != nil {
		return nil, err
	}
	e.apply(ctx, fx)
	return fx, nil
}

func (e *Engine) apply(ctx context.Context, fx *effects) {
	for _, t := range fx.transfers {
		if err := e.transferer.Transfer(ctx, t.currency, t.recipient, t.amount); err != nil {
			e.logger.Error("market transfer failed",
				slog.String("currency", t.currency.String()),
				slog.String("recipient", t.recipient),
				slog.String("amount", t.amount.String()),
				slog.String("purpose", t.purpose),
				slog.Any("error", err))
			e.metrics.RecordTransferFailure(t.currency.String(), t.purpose)
		}
	}
	for _, evt := range fx.events {
		e.emitter.Emit(marketEvent{evt: evt})
	}
	for _, s := range fx.settlements {
		e.metrics.RecordSettlement(s.currency.String(), s.state.String())
	}
	for _, reason := range fx.rejections {
		e.metrics.RecordPayoutRejection(reason)
	}
	for _, c := range fx.bids {
		e.metrics.RecordBid(c.String())
	}
	if fx.listingDelta != 0 {
		e.metrics.RecordListings(fx.listingDelta)
	}
}

// dispatch sends the custody requests queued by a committed call. A request
// that cannot be sent is resolved immediately as a failed transfer.
func (e *Engine) dispatch(ctx context.Context, fx *effects) map[string]*Outcome {
	if fx == nil || len(fx.dispatches) == 0 {
		return nil
	}
	outcomes := make(map[string]*Outcome)
	for _, req := range fx.dispatches {
		err := e.custody.TransferPayout(ctx, req)
		if err == nil {
			continue
		}
		e.logger.Warn("custody dispatch failed",
			slog.String("settlementId", req.SettlementID),
			slog.String("custodian", req.Custodian),
			slog.String("assetId", req.AssetID),
			slog.Any("error", err))
		outcome, rerr := e.Resolve(ctx, req.SettlementID, CustodyResponse{Err: err})
		if rerr != nil {
			e.logger.Error("resolve after failed dispatch",
				slog.String("settlementId", req.SettlementID),
				slog.Any("error", rerr))
			continue
		}
		outcomes[req.SettlementID] = outcome
	}
	return outcomes
}

func (e *Engine) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return e.tracer.Start(ctx, name)
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, ErrPriceReached) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (e *Engine) view(fn func(Tx) error) error {
	return e.store.View(fn)
}

// Listing returns the listing stored under key.
func (e *Engine) Listing(key ListingKey) (*Listing, error) {
	var out *Listing
	err := e.view(func(tx Tx) error {
		l, err := loadListing(tx, key)
		out = l
		return err
	})
	return out, err
}

// ListingsByOwner returns the listings of one owner ordered by key.
func (e *Engine) ListingsByOwner(owner string) ([]*Listing, error) {
	return e.listingsBy(func(tx Tx) ([]ListingKey, error) { return tx.KeysByOwner(owner) })
}

// ListingsByCustodian returns the listings held by one custodian.
func (e *Engine) ListingsByCustodian(custodian string) ([]*Listing, error) {
	return e.listingsBy(func(tx Tx) ([]ListingKey, error) { return tx.KeysByCustodian(custodian) })
}

// ListingsByAssetType returns the listings tagged with assetType.
func (e *Engine) ListingsByAssetType(assetType string) ([]*Listing, error) {
	return e.listingsBy(func(tx Tx) ([]ListingKey, error) { return tx.KeysByAssetType(assetType) })
}

func (e *Engine) listingsBy(keys func(Tx) ([]ListingKey, error)) ([]*Listing, error) {
	var out []*Listing
	err := e.view(func(tx Tx) error {
		ks, err := keys(tx)
		if err != nil {
			return err
		}
		out, err = loadListings(tx, ks)
		return err
	})
	return out, err
}

// SupportedCurrencies lists the currencies listings may be priced in.
func (e *Engine) SupportedCurrencies() ([]Currency, error) {
	var out []Currency
	err := e.view(func(tx Tx) error {
		var err error
		out, err = tx.Currencies()
		return err
	})
	return out, err
}

// PendingSettlements lists settlements still waiting for a custody response.
func (e *Engine) PendingSettlements() ([]*PendingSettlement, error) {
	var out []*PendingSettlement
	err := e.view(func(tx Tx) error {
		var err error
		out, err = tx.PendingSettlements()
		return err
	})
	return out, err
}

// PendingSettlement returns one outstanding settlement by id.
func (e *Engine) PendingSettlement(id string) (*PendingSettlement, error) {
	var out *PendingSettlement
	err := e.view(func(tx Tx) error {
		p, ok, err := tx.Pending(id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: settlement %s", ErrNotFound, id)
		}
		out = p
		return nil
	})
	return out, err
}
