package marketd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bazaar/native/market"
	"bazaar/observability"
)

const maxBodyBytes = 1 << 20

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine *market.Engine
	// Resolver receives custody answers posted to the resolve endpoint.
	// Defaults to Engine.
	Resolver    Resolver
	Auth        *Authenticator
	RateLimit   *RateLimiter
	Idempotency *Idempotency
	Feed        *Feed
	Logger      *slog.Logger
}

// Server exposes the market engine over HTTP.
type Server struct {
	engine   *market.Engine
	resolver Resolver
	auth     *Authenticator
	limit    *RateLimiter
	idem     *Idempotency
	feed     *Feed
	logger   *slog.Logger

	router http.Handler
}

// New constructs the router with authentication, rate limiting and
// idempotency applied to the API routes.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("marketd: engine required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("marketd: authenticator required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = cfg.Engine
	}
	s := &Server{
		engine:   cfg.Engine,
		resolver: cfg.Resolver,
		auth:     cfg.Auth,
		limit:    cfg.RateLimit,
		idem:     cfg.Idempotency,
		feed:     cfg.Feed,
		logger:   cfg.Logger,
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware())
		api.Use(s.limit.Middleware)
		api.Use(s.idem.Middleware)

		api.Get("/listings", s.handleListListings)
		api.Get("/listings/{custodian}/{assetID}", s.handleGetListing)
		api.Delete("/listings/{custodian}/{assetID}", s.handleRemoveSale)
		api.Post("/listings/{custodian}/{assetID}/accept", s.handleAccept)
		api.Put("/listings/{custodian}/{assetID}/prices/{currency}", s.handleUpdatePrice)

		api.Get("/currencies", s.handleCurrencies)
		api.Get("/storage/{principal}", s.handleStorage)
		api.Post("/storage/withdraw", s.handleWithdraw)

		api.Get("/events", s.feed.handleList)
		api.Get("/events/ws", s.feed.handleWS)

		api.Group(func(custody chi.Router) {
			custody.Use(RequireScopes(ScopeCustody))
			custody.Post("/approvals", s.handleApproval)
			custody.Post("/settlements/{id}/resolve", s.handleResolve)
		})
		// Funds enter only through the service that issues the currency.
		api.Group(func(currency chi.Router) {
			currency.Use(RequireScopes(ScopeCurrency))
			currency.Post("/currencies/{currency}/transfers", s.handleCurrencyTransfer)
			currency.Post("/currencies/{currency}/deposits", s.handleDeposit)
		})
		api.Route("/admin", func(admin chi.Router) {
			admin.Use(RequireScopes(ScopeAdmin))
			admin.Post("/currencies", s.handleAddCurrencies)
			admin.Get("/settlements", s.handlePendingSettlements)
		})
	})
	return r
}

func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = r.Method + " " + pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.ModuleMetrics().Observe("market", route, status, time.Since(start))
	})
}

type acceptBody struct {
	Currency string `json:"currency"`
}

type amountBody struct {
	Amount string `json:"amount"`
}

type depositBody struct {
	Sender string `json:"sender"`
	Amount string `json:"amount"`
}

type approvalBody struct {
	Signer             string          `json:"signer"`
	Owner              string          `json:"owner"`
	AssetID            string          `json:"asset_id"`
	AuthorizationToken string          `json:"authorization_token"`
	Msg                json.RawMessage `json:"msg"`
	Deposit            string          `json:"deposit"`
}

type resolveBody struct {
	Payload json.RawMessage `json:"payload"`
	Error   string          `json:"error"`
}

type currencyTransferBody struct {
	Sender    string `json:"sender"`
	Amount    string `json:"amount"`
	Custodian string `json:"custodian"`
	AssetID   string `json:"asset_id"`
	Memo      string `json:"memo"`
}

type currenciesBody struct {
	Currencies []string `json:"currencies"`
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	key, ok := listingKey(w, r)
	if !ok {
		return
	}
	l, err := s.engine.Listing(key)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, publicListing(l))
}

func (s *Server) handleListListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		listings []*market.Listing
		err      error
	)
	switch {
	case q.Get("owner") != "":
		listings, err = s.engine.ListingsByOwner(q.Get("owner"))
	case q.Get("custodian") != "":
		listings, err = s.engine.ListingsByCustodian(q.Get("custodian"))
	case q.Get("asset_type") != "":
		listings, err = s.engine.ListingsByAssetType(q.Get("asset_type"))
	default:
		writeError(w, http.StatusBadRequest, "owner, custodian or asset_type required")
		return
	}
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	views := make([]*market.Listing, 0, len(listings))
	for _, l := range listings {
		views = append(views, publicListing(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": views})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	key, ok := listingKey(w, r)
	if !ok {
		return
	}
	var body acceptBody
	if !decodeBody(w, r, &body) {
		return
	}
	result, err := s.engine.AcceptOffer(r.Context(), Principal(r.Context()), key, body.Currency)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, offerStatus(result), publicResult(result))
}

func (s *Server) handleUpdatePrice(w http.ResponseWriter, r *http.Request) {
	key, ok := listingKey(w, r)
	if !ok {
		return
	}
	currency, ok := pathParam(w, r, "currency")
	if !ok {
		return
	}
	var body amountBody
	if !decodeBody(w, r, &body) {
		return
	}
	amount, ok := parseAmount(w, "amount", body.Amount)
	if !ok {
		return
	}
	l, err := s.engine.UpdatePrice(r.Context(), Principal(r.Context()), key, currency, amount)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, publicListing(l))
}

func (s *Server) handleRemoveSale(w http.ResponseWriter, r *http.Request) {
	key, ok := listingKey(w, r)
	if !ok {
		return
	}
	l, err := s.engine.RemoveSale(r.Context(), Principal(r.Context()), key)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, publicListing(l))
}

func (s *Server) handleCurrencies(w http.ResponseWriter, r *http.Request) {
	currencies, err := s.engine.SupportedCurrencies()
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"currencies": currencies})
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	principal, ok := pathParam(w, r, "principal")
	if !ok {
		return
	}
	paid, err := s.engine.StoragePaid(principal)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"principal": principal,
		"paid":      paid.String(),
		"unitCost":  s.engine.UnitCost().String(),
	})
}

// handleDeposit credits storage funds the native currency service received
// from sender.
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	currency, ok := s.issuedCurrency(w, r)
	if !ok {
		return
	}
	if currency != s.engine.Params().NativeCurrency {
		writeError(w, http.StatusBadRequest, "storage is paid in "+s.engine.Params().NativeCurrency.String())
		return
	}
	var body depositBody
	if !decodeBody(w, r, &body) {
		return
	}
	amount, ok := parseAmount(w, "amount", body.Amount)
	if !ok {
		return
	}
	balance, err := s.engine.Deposit(r.Context(), body.Sender, amount)
	if err != nil {
		s.writeUnused(w, r, currency, body.Sender, amount, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"principal": body.Sender, "paid": balance.String()})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	amount, err := s.engine.Withdraw(r.Context(), Principal(r.Context()))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"withdrawn": amount.String()})
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	var body approvalBody
	if !decodeBody(w, r, &body) {
		return
	}
	deposit := big.NewInt(0)
	if strings.TrimSpace(body.Deposit) != "" {
		var ok bool
		if deposit, ok = parseAmount(w, "deposit", body.Deposit); !ok {
			return
		}
	}
	payload := []byte(body.Msg)
	var wrapped string
	if err := json.Unmarshal(body.Msg, &wrapped); err == nil {
		payload = []byte(wrapped)
	}
	l, err := s.engine.OnApprove(r.Context(), market.ApprovalNotification{
		Custodian:          Principal(r.Context()),
		Signer:             body.Signer,
		Owner:              body.Owner,
		AssetID:            body.AssetID,
		AuthorizationToken: body.AuthorizationToken,
		Payload:            payload,
		Deposit:            deposit,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, publicListing(l))
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathParam(w, r, "id")
	if !ok {
		return
	}
	var body resolveBody
	if !decodeBody(w, r, &body) {
		return
	}
	pending, err := s.engine.PendingSettlement(id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if pending.Listing == nil || pending.Listing.Custodian != Principal(r.Context()) {
		writeError(w, http.StatusForbidden, "settlement belongs to another custodian")
		return
	}
	resp := market.CustodyResponse{Payload: []byte(body.Payload)}
	if strings.TrimSpace(body.Error) != "" {
		resp = market.CustodyResponse{Err: errors.New(body.Error)}
	}
	outcome, err := s.resolver.Resolve(r.Context(), id, resp)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// handleCurrencyTransfer routes funds a currency service received from sender
// to a listing. Native funds become an Offer; other currencies go through
// OnCurrencyTransfer. A refused transfer reports the whole amount as unused.
func (s *Server) handleCurrencyTransfer(w http.ResponseWriter, r *http.Request) {
	currency, ok := s.issuedCurrency(w, r)
	if !ok {
		return
	}
	var body currencyTransferBody
	if !decodeBody(w, r, &body) {
		return
	}
	amount, ok := parseAmount(w, "amount", body.Amount)
	if !ok {
		return
	}
	key := market.ListingKey{Custodian: body.Custodian, AssetID: body.AssetID}
	var result *market.OfferResult
	var err error
	if currency == s.engine.Params().NativeCurrency {
		result, err = s.engine.Offer(r.Context(), body.Sender, key, amount, body.Memo)
	} else {
		result, err = s.engine.OnCurrencyTransfer(r.Context(), currency.String(), body.Sender, amount, key, body.Memo)
	}
	if err != nil {
		s.writeUnused(w, r, currency, body.Sender, amount, err)
		return
	}
	writeJSON(w, offerStatus(result), publicResult(result))
}

// issuedCurrency returns the path currency when the caller is the service that
// issues it.
func (s *Server) issuedCurrency(w http.ResponseWriter, r *http.Request) (market.Currency, bool) {
	raw, ok := pathParam(w, r, "currency")
	if !ok {
		return "", false
	}
	currency, err := market.NormalizeCurrency(raw)
	if err != nil {
		s.writeEngineError(w, r, err)
		return "", false
	}
	if currency.String() != strings.ToLower(Principal(r.Context())) {
		writeError(w, http.StatusForbidden, "caller does not issue this currency")
		return "", false
	}
	return currency, true
}

// writeUnused reports a refused receive. The currency service keeps the whole
// amount.
func (s *Server) writeUnused(w http.ResponseWriter, r *http.Request, currency market.Currency, sender string, amount *big.Int, err error) {
	status := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("currency receive failed",
			slog.String("currency", currency.String()),
			slog.String("sender", sender),
			slog.String("requestId", chimw.GetReqID(r.Context())),
			slog.Any("error", err))
		msg = "internal error"
	} else {
		s.logger.Info("currency receive refused",
			slog.String("currency", currency.String()),
			slog.String("sender", sender),
			slog.Any("error", err))
	}
	writeJSON(w, status, map[string]string{
		"error":  msg,
		"unused": amount.String(),
	})
}

func (s *Server) handleAddCurrencies(w http.ResponseWriter, r *http.Request) {
	var body currenciesBody
	if !decodeBody(w, r, &body) {
		return
	}
	added, err := s.engine.AddCurrencies(r.Context(), Principal(r.Context()), body.Currencies)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": added})
}

func (s *Server) handlePendingSettlements(w http.ResponseWriter, r *http.Request) {
	pending, err := s.engine.PendingSettlements()
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	views := make([]*market.PendingSettlement, 0, len(pending))
	for _, p := range pending {
		views = append(views, publicSettlement(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"settlements": views})
}

// publicListing strips the custody authorization token from API views.
func publicListing(l *market.Listing) *market.Listing {
	if l == nil {
		return nil
	}
	view := l.Clone()
	view.AuthorizationToken = ""
	return view
}

func publicSettlement(p *market.PendingSettlement) *market.PendingSettlement {
	if p == nil {
		return nil
	}
	view := p.Clone()
	view.Listing = publicListing(view.Listing)
	return view
}

func publicResult(result *market.OfferResult) *market.OfferResult {
	if result == nil {
		return nil
	}
	view := *result
	view.Settlement = publicSettlement(result.Settlement)
	return &view
}

func offerStatus(result *market.OfferResult) int {
	if result != nil && result.Settlement != nil && result.Outcome == nil {
		return http.StatusAccepted
	}
	return http.StatusOK
}

func listingKey(w http.ResponseWriter, r *http.Request) (market.ListingKey, bool) {
	custodian, ok := pathParam(w, r, "custodian")
	if !ok {
		return market.ListingKey{}, false
	}
	assetID, ok := pathParam(w, r, "assetID")
	if !ok {
		return market.ListingKey{}, false
	}
	return market.ListingKey{Custodian: custodian, AssetID: assetID}, true
}

func pathParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	value, err := url.PathUnescape(chi.URLParam(r, name))
	if err != nil || strings.TrimSpace(value) == "" {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return "", false
	}
	return value, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func parseAmount(w http.ResponseWriter, field, raw string) (*big.Int, bool) {
	value, err := uint256.FromDecimal(strings.TrimSpace(raw))
	if err != nil || strings.TrimSpace(raw) == "" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", field))
		return nil, false
	}
	return value.ToBig(), true
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, market.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, market.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, market.ErrInsufficientFunds), errors.Is(err, market.ErrInsufficientQuota):
		return http.StatusPaymentRequired
	case errors.Is(err, market.ErrListingExists), errors.Is(err, market.ErrPriceReached):
		return http.StatusConflict
	case errors.Is(err, market.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, market.ErrInvalidListing),
		errors.Is(err, market.ErrInvalidBid),
		errors.Is(err, market.ErrBidTooLow),
		errors.Is(err, market.ErrInvalidPayout),
		errors.Is(err, market.ErrTooManyRecipients):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("market request failed",
			slog.String("path", r.URL.Path),
			slog.String("requestId", chimw.GetReqID(r.Context())),
			slog.Any("error", err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
