package marketd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"bazaar/core/events"
	"bazaar/native/market"
	"bazaar/storage"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type payoutRecorder struct {
	mu       sync.Mutex
	requests []market.TransferPayout
}

func (p *payoutRecorder) TransferPayout(_ context.Context, req market.TransferPayout) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return nil
}

type transferLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *transferLog) Transfer(_ context.Context, c market.Currency, recipient string, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, fmt.Sprintf("%s:%s:%s", c, recipient, amount))
	return nil
}

func (l *transferLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

type testServer struct {
	handler   http.Handler
	engine    *market.Engine
	custody   *payoutRecorder
	transfers *transferLog
	db        *gorm.DB
}

func newTestServer(t *testing.T, limiter *RateLimiter) *testServer {
	return buildTestServer(t, limiter, nil)
}

// buildTestServer routes engine transfers and unused returns through router
// when one is given.
func buildTestServer(t *testing.T, limiter *RateLimiter, router *CurrencyRouter) *testServer {
	t.Helper()
	ts := &testServer{custody: &payoutRecorder{}, transfers: &transferLog{}}
	journal, err := events.NewJournal(storage.NewMemDB(), nil)
	require.NoError(t, err)
	var transfers market.Transferer = ts.transfers
	if router != nil {
		transfers = router
	}
	engine, err := market.NewEngine(market.NewMemoryStore(), ts.custody, transfers, market.Params{
		NativeCurrency: "near",
		UnitCost:       big.NewInt(10),
		Operator:       "operator",
	}, market.WithEmitter(journal))
	require.NoError(t, err)
	ts.engine = engine
	var resolver Resolver = engine
	if router != nil {
		resolver = WithUnusedReturns(engine, router)
	}

	db, err := OpenIdempotencyDB("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	ts.db = db
	auth, err := NewAuthenticator(AuthConfig{HMACSecret: testSecret, Issuer: "bazaar"}, nil)
	require.NoError(t, err)
	srv, err := New(Config{
		Engine:      engine,
		Resolver:    resolver,
		Auth:        auth,
		RateLimit:   limiter,
		Idempotency: NewIdempotency(db, time.Hour, nil),
		Feed:        NewFeed(journal, nil),
	})
	require.NoError(t, err)
	ts.handler = srv.Handler()
	return ts
}

func token(t *testing.T, subject string, scopes ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": subject,
		"iss": "bazaar",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if len(scopes) > 0 {
		claims["scope"] = scopes[0]
		for _, s := range scopes[1:] {
			claims["scope"] = claims["scope"].(string) + " " + s
		}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (ts *testServer) do(t *testing.T, method, path, bearer string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func (ts *testServer) approve(t *testing.T, owner, assetID, msg string) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/v1/approvals", token(t, "nft.custody", ScopeCustody), map[string]any{
		"signer":              owner,
		"owner":               owner,
		"asset_id":            assetID,
		"authorization_token": "approval-1",
		"msg":                 json.RawMessage(msg),
		"deposit":             "10",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

// offer posts native funds through the native currency service, the only
// caller allowed to attest them.
func (ts *testServer) offer(t *testing.T, sender, assetID, amount string) *httptest.ResponseRecorder {
	t.Helper()
	return ts.do(t, http.MethodPost, "/v1/currencies/near/transfers", token(t, "near", ScopeCurrency), map[string]string{
		"sender":    sender,
		"amount":    amount,
		"custodian": "nft.custody",
		"asset_id":  assetID,
	})
}

func (ts *testServer) deposit(t *testing.T, sender, amount string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	return ts.do(t, http.MethodPost, "/v1/currencies/near/deposits", token(t, "near", ScopeCurrency),
		map[string]string{"sender": sender, "amount": amount}, headers...)
}

func TestAuthenticationAndScopes(t *testing.T) {
	ts := newTestServer(t, nil)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", "", nil).Code)
	require.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/v1/currencies", "", nil).Code)
	require.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/v1/currencies", "garbage", nil).Code)

	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "bob", "iss": "bazaar"}).
		SignedString([]byte("another-secret-another-secret-xx"))
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/v1/currencies", wrongKey, nil).Code)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"iss": "bazaar"}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/v1/currencies", noSubject, nil).Code)

	rec := ts.do(t, http.MethodGet, "/v1/currencies", token(t, "bob"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var currencies struct {
		Currencies []string `json:"currencies"`
	}
	decode(t, rec, &currencies)
	require.Equal(t, []string{"near"}, currencies.Currencies)

	require.Equal(t, http.StatusForbidden, ts.do(t, http.MethodPost, "/v1/approvals", token(t, "bob"), map[string]any{}).Code)
	require.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, "/v1/admin/settlements", token(t, "bob", ScopeCustody), nil).Code)
}

func TestPurchaseLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.approve(t, "alice", "token-1", `{"sale_conditions":{"near":"100"}}`)

	rec := ts.do(t, http.MethodGet, "/v1/listings/nft.custody/token-1", token(t, "bob"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing market.Listing
	decode(t, rec, &listing)
	require.Equal(t, "alice", listing.Owner)
	require.Equal(t, int64(100), listing.Prices["near"].Int64())
	require.Empty(t, listing.AuthorizationToken)

	rec = ts.offer(t, "carol", "token-1", "40")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.offer(t, "bob", "token-1", "100")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var result market.OfferResult
	decode(t, rec, &result)
	require.NotNil(t, result.Settlement)
	require.Equal(t, "bob", result.Settlement.Buyer)
	require.Empty(t, result.Settlement.Listing.AuthorizationToken)
	id := result.Settlement.ID
	require.Len(t, ts.custody.requests, 1)
	require.Equal(t, id, ts.custody.requests[0].SettlementID)
	require.Equal(t, "approval-1", ts.custody.requests[0].AuthorizationToken)

	rec = ts.do(t, http.MethodGet, "/v1/admin/settlements", token(t, "operator", ScopeAdmin), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pending struct {
		Settlements []market.PendingSettlement `json:"settlements"`
	}
	decode(t, rec, &pending)
	require.Len(t, pending.Settlements, 1)

	resolvePath := "/v1/settlements/" + id + "/resolve"
	payout := map[string]any{"payload": json.RawMessage(`{"payout":{"alice":"100"}}`)}
	require.Equal(t, http.StatusForbidden, ts.do(t, http.MethodPost, resolvePath, token(t, "other.custody", ScopeCustody), payout).Code)

	rec = ts.do(t, http.MethodPost, resolvePath, token(t, "nft.custody", ScopeCustody), payout)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var outcome market.Outcome
	decode(t, rec, &outcome)
	require.Equal(t, market.SettlementSettled, outcome.State)
	require.Contains(t, ts.transfers.list(), "near:alice:100")
	require.Contains(t, ts.transfers.list(), "near:carol:40")

	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, resolvePath, token(t, "nft.custody", ScopeCustody), payout).Code)
	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/v1/listings/nft.custody/token-1", token(t, "bob"), nil).Code)

	rec = ts.do(t, http.MethodGet, "/v1/events?limit=50", token(t, "bob"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Events []events.Record `json:"events"`
	}
	decode(t, rec, &page)
	require.NotEmpty(t, page.Events)
	require.Equal(t, market.EventTypeSettlementSettled, page.Events[len(page.Events)-1].Event.Type)
}

func TestRejectedPayoutRefundsOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.approve(t, "alice", "token-2", `{"sale_conditions":{"near":"100"}}`)

	rec := ts.offer(t, "bob", "token-2", "100")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var result market.OfferResult
	decode(t, rec, &result)

	rec = ts.do(t, http.MethodPost, "/v1/settlements/"+result.Settlement.ID+"/resolve",
		token(t, "nft.custody", ScopeCustody), map[string]string{"error": "asset frozen"})
	require.Equal(t, http.StatusOK, rec.Code)
	var outcome market.Outcome
	decode(t, rec, &outcome)
	require.Equal(t, market.SettlementRefunded, outcome.State)
	require.Contains(t, ts.transfers.list(), "near:bob:100")
}

func TestEngineErrorsMapToStatuses(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.approve(t, "alice", "token-3", `{"sale_conditions":{"near":"100"}}`)
	bob := token(t, "bob")
	near := token(t, "near", ScopeCurrency)
	offer := func(assetID, amount string) map[string]string {
		return map[string]string{"sender": "bob", "amount": amount, "custodian": "nft.custody", "asset_id": assetID}
	}
	transfers := "/v1/currencies/near/transfers"

	cases := []struct {
		name   string
		method string
		path   string
		bearer string
		body   any
		status int
	}{
		{"unknown listing", http.MethodPost, transfers, near, offer("missing", "5"), http.StatusNotFound},
		{"over price", http.MethodPost, transfers, near, offer("token-3", "150"), http.StatusConflict},
		{"zero offer", http.MethodPost, transfers, near, offer("token-3", "0"), http.StatusPaymentRequired},
		{"bad amount", http.MethodPost, transfers, near, offer("token-3", "1.5"), http.StatusBadRequest},
		{"unknown field", http.MethodPost, transfers, near, map[string]string{"sender": "bob", "amount": "1", "extra": "x"}, http.StatusBadRequest},
		{"not owner", http.MethodDelete, "/v1/listings/nft.custody/token-3", bob, nil, http.StatusForbidden},
		{"zero price", http.MethodPut, "/v1/listings/nft.custody/token-3/prices/near", token(t, "alice"), map[string]string{"amount": "0"}, http.StatusBadRequest},
		{"small deposit", http.MethodPost, "/v1/currencies/near/deposits", near, map[string]string{"sender": "bob", "amount": "9"}, http.StatusPaymentRequired},
		{"deposit in other currency", http.MethodPost, "/v1/currencies/usdc/deposits", token(t, "usdc", ScopeCurrency), map[string]string{"sender": "bob", "amount": "10"}, http.StatusBadRequest},
		{"operator only", http.MethodPost, "/v1/admin/currencies", token(t, "bob", ScopeAdmin), map[string][]string{"currencies": {"usdc"}}, http.StatusForbidden},
		{"listing filter", http.MethodGet, "/v1/listings", bob, nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, tc.method, tc.path, tc.bearer, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}

	require.Equal(t, http.StatusServiceUnavailable, errorStatus(market.ErrModulePaused))
	require.Equal(t, http.StatusInternalServerError, errorStatus(errors.New("boom")))
	require.Equal(t, http.StatusPaymentRequired, errorStatus(fmt.Errorf("wrapped: %w", market.ErrInsufficientQuota)))
}

func TestListingManagementOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.approve(t, "alice", "art:token-4", `{"sale_conditions":{"near":"100"},"token_type":"art"}`)
	alice := token(t, "alice")

	rec := ts.do(t, http.MethodPut, "/v1/listings/nft.custody/art:token-4/prices/near", alice, map[string]string{"amount": "80"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var listing market.Listing
	decode(t, rec, &listing)
	require.Equal(t, int64(80), listing.Prices["near"].Int64())

	rec = ts.do(t, http.MethodGet, "/v1/listings?asset_type=art", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listings struct {
		Listings []market.Listing `json:"listings"`
	}
	decode(t, rec, &listings)
	require.Len(t, listings.Listings, 1)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, "/v1/listings/nft.custody/art:token-4", alice, nil).Code)

	rec = ts.do(t, http.MethodGet, "/v1/listings?owner=alice", alice, nil)
	decode(t, rec, &listings)
	require.Empty(t, listings.Listings)

	rec = ts.do(t, http.MethodPost, "/v1/storage/withdraw", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, ts.transfers.list(), "near:alice:10")
}

func TestCurrencyTransferPath(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/v1/admin/currencies", token(t, "operator", ScopeAdmin), map[string][]string{"currencies": {"USDC"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ts.approve(t, "alice", "token-5", `{"sale_conditions":{"usdc":"50"}}`)

	body := map[string]string{"sender": "bob", "amount": "50", "custodian": "nft.custody", "asset_id": "token-5"}
	require.Equal(t, http.StatusForbidden,
		ts.do(t, http.MethodPost, "/v1/currencies/usdc/transfers", token(t, "dai", ScopeCurrency), body).Code)
	require.Equal(t, http.StatusForbidden,
		ts.do(t, http.MethodPost, "/v1/currencies/usdc/transfers", token(t, "usdc"), body).Code)

	over := map[string]string{"sender": "bob", "amount": "70", "custodian": "nft.custody", "asset_id": "token-5"}
	rec = ts.do(t, http.MethodPost, "/v1/currencies/usdc/transfers", token(t, "usdc", ScopeCurrency), over)
	require.Equal(t, http.StatusConflict, rec.Code)
	var refused map[string]string
	decode(t, rec, &refused)
	require.Equal(t, "70", refused["unused"])

	rec = ts.do(t, http.MethodPost, "/v1/currencies/usdc/transfers", token(t, "usdc", ScopeCurrency), body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var result market.OfferResult
	decode(t, rec, &result)
	require.Equal(t, market.Currency("usdc"), result.Settlement.Currency)
}

func TestIdempotentReplay(t *testing.T) {
	ts := newTestServer(t, nil)

	first := ts.deposit(t, "bob", "10", "Idempotency-Key", "dep-1")
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	second := ts.deposit(t, "bob", "10", "Idempotency-Key", "dep-1")
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "true", second.Header().Get("Idempotent-Replay"))
	require.JSONEq(t, first.Body.String(), second.Body.String())

	rec := ts.do(t, http.MethodGet, "/v1/storage/bob", token(t, "bob"), nil)
	var storage map[string]string
	decode(t, rec, &storage)
	require.Equal(t, "10", storage["paid"])
	require.Equal(t, "10", storage["unitCost"])

	conflict := ts.do(t, http.MethodPost, "/v1/currencies/near/transfers", token(t, "near", ScopeCurrency),
		map[string]string{"sender": "bob", "amount": "1"}, "Idempotency-Key", "dep-1")
	require.Equal(t, http.StatusConflict, conflict.Code)

	other := ts.do(t, http.MethodPost, "/v1/storage/withdraw", token(t, "carol"), nil, "Idempotency-Key", "dep-1")
	require.Equal(t, http.StatusOK, other.Code)
	require.Empty(t, other.Header().Get("Idempotent-Replay"))
}

func TestIdempotencyKeyInFlightIsNotExecutedTwice(t *testing.T) {
	ts := newTestServer(t, nil)
	require.NoError(t, ts.db.Create(&IdempotencyRecord{
		Principal: "near",
		Key:       "dep-2",
		RequestID: uuid.NewString(),
		Method:    http.MethodPost,
		Path:      "/v1/currencies/near/deposits",
		Status:    pendingStatus,
		CreatedAt: time.Now(),
	}).Error)

	rec := ts.deposit(t, "bob", "10", "Idempotency-Key", "dep-2")
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), "in progress")

	paid, err := ts.engine.StoragePaid("bob")
	require.NoError(t, err)
	require.Zero(t, paid.Sign())
}

func TestNativeFundsOnlyEnterThroughCurrencyService(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.approve(t, "alice", "token-7", `{"sale_conditions":{"near":"100"}}`)
	mallory := token(t, "mallory")

	// Principals cannot attach funds of their own choosing.
	rec := ts.do(t, http.MethodPost, "/v1/storage/deposit", mallory, map[string]string{"amount": "1000000"})
	require.Contains(t, []int{http.StatusNotFound, http.StatusMethodNotAllowed}, rec.Code)
	rec = ts.do(t, http.MethodPost, "/v1/listings/nft.custody/token-7/offers", mallory, map[string]string{"amount": "60"})
	require.Contains(t, []int{http.StatusNotFound, http.StatusMethodNotAllowed}, rec.Code)

	deposit := map[string]string{"sender": "mallory", "amount": "1000000"}
	require.Equal(t, http.StatusForbidden, ts.do(t, http.MethodPost, "/v1/currencies/near/deposits", mallory, deposit).Code)
	require.Equal(t, http.StatusForbidden,
		ts.do(t, http.MethodPost, "/v1/currencies/near/deposits", token(t, "mallory", ScopeCurrency), deposit).Code)
	require.Equal(t, http.StatusForbidden,
		ts.do(t, http.MethodPost, "/v1/currencies/near/transfers", token(t, "mallory", ScopeCurrency), map[string]string{
			"sender": "mallory", "amount": "60", "custodian": "nft.custody", "asset_id": "token-7",
		}).Code)

	rec = ts.do(t, http.MethodPost, "/v1/storage/withdraw", mallory, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var withdrawn map[string]string
	decode(t, rec, &withdrawn)
	require.Equal(t, "0", withdrawn["withdrawn"])

	l, err := ts.engine.Listing(market.ListingKey{Custodian: "nft.custody", AssetID: "token-7"})
	require.NoError(t, err)
	require.Empty(t, l.Bids)
	require.Empty(t, ts.transfers.list())

	rec = ts.deposit(t, "mallory", "20")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodPost, "/v1/storage/withdraw", mallory, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"near:mallory:20"}, ts.transfers.list())
}

func TestResolveEndpointReturnsUnusedToCurrencyService(t *testing.T) {
	var (
		mu       sync.Mutex
		returned []resolveRequest
	)
	service := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/resolve" {
			var req resolveRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			mu.Lock()
			returned = append(returned, req)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer service.Close()
	router, err := NewCurrencyRouter(map[string]string{"near": service.URL, "usdc": service.URL}, time.Second, nil)
	require.NoError(t, err)

	ts := buildTestServer(t, nil, router)
	rec := ts.do(t, http.MethodPost, "/v1/admin/currencies", token(t, "operator", ScopeAdmin), map[string][]string{"currencies": {"usdc"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ts.approve(t, "alice", "token-8", `{"sale_conditions":{"usdc":"50"}}`)

	rec = ts.do(t, http.MethodPost, "/v1/currencies/usdc/transfers", token(t, "usdc", ScopeCurrency),
		map[string]string{"sender": "bob", "amount": "50", "custodian": "nft.custody", "asset_id": "token-8"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var result market.OfferResult
	decode(t, rec, &result)

	rec = ts.do(t, http.MethodPost, "/v1/settlements/"+result.Settlement.ID+"/resolve", token(t, "nft.custody", ScopeCustody),
		map[string]any{"payload": json.RawMessage(`{"payout":{"alice":"10"}}`)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var outcome market.Outcome
	decode(t, rec, &outcome)
	require.Equal(t, market.SettlementRefunded, outcome.State)
	require.Equal(t, int64(50), outcome.Unused.Int64())
	router.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []resolveRequest{{
		SettlementID: result.Settlement.ID,
		Currency:     "usdc",
		Sender:       "bob",
		Unused:       "50",
	}}, returned)
}

func TestRateLimitPerPrincipal(t *testing.T) {
	limiter := NewRateLimiter(1, 1)
	fixed := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return fixed }
	ts := newTestServer(t, limiter)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/v1/currencies", token(t, "bob"), nil).Code)
	require.Equal(t, http.StatusTooManyRequests, ts.do(t, http.MethodGet, "/v1/currencies", token(t, "bob"), nil).Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/v1/currencies", token(t, "carol"), nil).Code)

	fixed = fixed.Add(time.Second)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/v1/currencies", token(t, "bob"), nil).Code)
	require.Len(t, limiter.visitors, 2)

	// Idle visitors are only dropped by the periodic sweep.
	fixed = fixed.Add(visitorIdle + time.Second)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/v1/currencies", token(t, "dave"), nil).Code)
	require.Len(t, limiter.visitors, 1)
}
