package marketd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"bazaar/native/market"
	"bazaar/observability"
)

type transferRequest struct {
	Currency  string `json:"currency"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

// resolveRequest hands the unused part of a purchase back to the currency
// service that delivered it.
type resolveRequest struct {
	SettlementID string `json:"settlement_id"`
	Currency     string `json:"currency"`
	Sender       string `json:"sender"`
	Unused       string `json:"unused"`
}

// CurrencyRouter implements market.Transferer by posting transfers to the
// currency service configured for each currency. Deliveries run in the
// background so the engine lock is never held across network calls.
type CurrencyRouter struct {
	endpoints map[market.Currency]string
	client    *http.Client
	timeout   time.Duration
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewCurrencyRouter builds a router over currency base URLs.
func NewCurrencyRouter(endpoints map[string]string, timeout time.Duration, logger *slog.Logger) (*CurrencyRouter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	routes := make(map[market.Currency]string, len(endpoints))
	for raw, base := range endpoints {
		c, err := market.NormalizeCurrency(raw)
		if err != nil {
			return nil, err
		}
		routes[c] = strings.TrimRight(base, "/")
	}
	return &CurrencyRouter{
		endpoints: routes,
		client:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeout:   timeout,
		logger:    logger.With("component", "currency-router"),
	}, nil
}

// Transfer implements market.Transferer.
func (r *CurrencyRouter) Transfer(ctx context.Context, currency market.Currency, recipient string, amount *big.Int) error {
	base, ok := r.endpoints[currency]
	if !ok {
		return fmt.Errorf("transfers: no endpoint for currency %s", currency)
	}
	body, err := json.Marshal(transferRequest{Currency: currency.String(), Recipient: recipient, Amount: amount.String()})
	if err != nil {
		return err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.post(context.WithoutCancel(ctx), base+"/transfer", body); err != nil {
			observability.Market().RecordTransferFailure(currency.String(), "delivery")
			r.logger.Error("currency transfer failed",
				slog.String("currency", currency.String()),
				slog.String("recipient", recipient),
				slog.String("amount", amount.String()),
				slog.Any("error", err))
		}
	}()
	return nil
}

// ReturnUnused posts {base}/resolve for an outcome that reports unused funds.
// Outcomes without unused funds are ignored.
func (r *CurrencyRouter) ReturnUnused(ctx context.Context, outcome *market.Outcome) error {
	if outcome == nil || outcome.Unused == nil || outcome.Unused.Sign() <= 0 {
		return nil
	}
	base, ok := r.endpoints[outcome.Currency]
	if !ok {
		return fmt.Errorf("transfers: no endpoint for currency %s", outcome.Currency)
	}
	body, err := json.Marshal(resolveRequest{
		SettlementID: outcome.SettlementID,
		Currency:     outcome.Currency.String(),
		Sender:       outcome.Buyer,
		Unused:       outcome.Unused.String(),
	})
	if err != nil {
		return err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.post(context.WithoutCancel(ctx), base+"/resolve", body); err != nil {
			observability.Market().RecordTransferFailure(outcome.Currency.String(), "resolve")
			r.logger.Error("unused funds not returned",
				slog.String("settlementId", outcome.SettlementID),
				slog.String("currency", outcome.Currency.String()),
				slog.String("sender", outcome.Buyer),
				slog.String("unused", outcome.Unused.String()),
				slog.Any("error", err))
		}
	}()
	return nil
}

// Wait blocks until in-flight transfers finish.
func (r *CurrencyRouter) Wait() { r.wg.Wait() }

type unusedReturner struct {
	resolver Resolver
	router   *CurrencyRouter
}

// WithUnusedReturns wraps resolver so that a refunded external purchase hands
// its unused amount back to the currency service through router.
func WithUnusedReturns(resolver Resolver, router *CurrencyRouter) Resolver {
	return unusedReturner{resolver: resolver, router: router}
}

func (u unusedReturner) Resolve(ctx context.Context, id string, resp market.CustodyResponse) (*market.Outcome, error) {
	outcome, err := u.resolver.Resolve(ctx, id, resp)
	if err != nil {
		return nil, err
	}
	if err := u.router.ReturnUnused(ctx, outcome); err != nil {
		observability.Market().RecordTransferFailure(outcome.Currency.String(), "resolve")
		u.router.logger.Error("unused funds not returned",
			slog.String("settlementId", id),
			slog.String("sender", outcome.Buyer),
			slog.String("unused", outcome.Unused.String()),
			slog.Any("error", err))
	}
	return outcome, nil
}

func (r *CurrencyRouter) post(ctx context.Context, url string, body []byte) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
