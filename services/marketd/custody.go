package marketd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"bazaar/native/market"
	"bazaar/observability"
)

// Resolver receives custody responses. *market.Engine implements it.
type Resolver interface {
	Resolve(ctx context.Context, id string, resp market.CustodyResponse) (*market.Outcome, error)
}

const maxCustodyResponse = 1 << 20

var errUnknownCustodian = errors.New("custody: no endpoint for custodian")

// CustodyClient posts transfer_payout requests to custody services and feeds
// their answers back into the engine. A 202 Accepted reply means the custodian
// will deliver the answer later through the resolve endpoint.
type CustodyClient struct {
	endpoints map[string]string
	client    *http.Client
	timeout   time.Duration
	logger    *slog.Logger

	mu       sync.RWMutex
	resolver Resolver
	wg       sync.WaitGroup
}

// NewCustodyClient builds a client for the custodian base URLs in endpoints.
func NewCustodyClient(endpoints map[string]string, timeout time.Duration, logger *slog.Logger) *CustodyClient {
	if logger == nil {
		logger = slog.Default()
	}
	copied := make(map[string]string, len(endpoints))
	for id, base := range endpoints {
		copied[id] = strings.TrimRight(base, "/")
	}
	return &CustodyClient{
		endpoints: copied,
		client:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeout:   timeout,
		logger:    logger.With("component", "custody-client"),
	}
}

// Bind sets the resolver that receives responses. It must be called before
// the first dispatch.
func (c *CustodyClient) Bind(r Resolver) {
	c.mu.Lock()
	c.resolver = r
	c.mu.Unlock()
}

// TransferPayout implements market.Custody. It returns an error only when the
// request cannot be addressed; the HTTP exchange runs in the background.
func (c *CustodyClient) TransferPayout(ctx context.Context, req market.TransferPayout) error {
	base, ok := c.endpoints[req.Custodian]
	if !ok {
		return fmt.Errorf("%w %s", errUnknownCustodian, req.Custodian)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("custody: encode request: %w", err)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.exchange(context.WithoutCancel(ctx), base+"/transfer_payout", req, body)
	}()
	return nil
}

// Wait blocks until in-flight exchanges finish.
func (c *CustodyClient) Wait() { c.wg.Wait() }

func (c *CustodyClient) exchange(ctx context.Context, url string, req market.TransferPayout, body []byte) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		c.deliver(ctx, req.SettlementID, market.CustodyResponse{Err: err})
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.SettlementID)
	resp, err := c.client.Do(httpReq)
	if err != nil {
		// The request may have reached the custodian, so the settlement stays
		// pending until an answer arrives through the resolve endpoint.
		observability.Market().RecordDispatchFailure(req.Custodian)
		c.logger.Warn("custody request outcome unknown",
			slog.String("settlementId", req.SettlementID),
			slog.String("custodian", req.Custodian),
			slog.Any("error", err))
		return
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxCustodyResponse))
	switch {
	case resp.StatusCode == http.StatusAccepted:
		return
	case err != nil:
		c.deliver(ctx, req.SettlementID, market.CustodyResponse{Err: fmt.Errorf("custody: read response: %w", err)})
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.deliver(ctx, req.SettlementID, market.CustodyResponse{Payload: payload})
	default:
		c.deliver(ctx, req.SettlementID, market.CustodyResponse{
			Err: fmt.Errorf("custody: transfer rejected with status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))),
		})
	}
}

func (c *CustodyClient) deliver(ctx context.Context, id string, resp market.CustodyResponse) {
	c.mu.RLock()
	resolver := c.resolver
	c.mu.RUnlock()
	if resolver == nil {
		c.logger.Error("custody response dropped: no resolver bound", slog.String("settlementId", id))
		return
	}
	outcome, err := resolver.Resolve(context.WithoutCancel(ctx), id, resp)
	if err != nil {
		c.logger.Error("resolve settlement", slog.String("settlementId", id), slog.Any("error", err))
		return
	}
	c.logger.Info("settlement resolved",
		slog.String("settlementId", id),
		slog.String("state", outcome.State.String()),
		slog.String("reason", outcome.Reason))
}
