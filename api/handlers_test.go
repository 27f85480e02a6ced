package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/credit-ledger/api"
	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/ledger/store"
	"github.com/warp/credit-ledger/metrics"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	t   *testing.T
	mem *store.Memory
	eng *ledger.Engine
	srv *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	reg := prometheus.NewRegistry()
	eng := ledger.NewEngine(mem, ledger.WithObserver(metrics.NewLedgerMetrics(reg)))
	router := api.NewRouter(api.NewHandler(eng), api.RouterOptions{Gatherer: reg})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{t: t, mem: mem, eng: eng, srv: srv}
}

func (ts *testServer) do(method, path string, body any) (*http.Response, map[string]any) {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(ts.t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent && strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var raw any
		require.NoError(ts.t, json.NewDecoder(resp.Body).Decode(&raw))
		if m, ok := raw.(map[string]any); ok {
			out = m
		} else {
			out = map[string]any{"items": raw}
		}
	}
	return resp, out
}

func (ts *testServer) party(domain, id string) {
	ts.t.Helper()
	resp, _ := ts.do(http.MethodPost, "/api/parties", map[string]any{"id": id, "domain": domain, "name": "Party " + id})
	require.Equal(ts.t, http.StatusCreated, resp.StatusCode)
}

func (ts *testServer) balance(domain, id string) map[string]any {
	ts.t.Helper()
	resp, body := ts.do(http.MethodGet, "/api/"+domain+"/parties/"+id+"/balance", nil)
	require.Equal(ts.t, http.StatusOK, resp.StatusCode)
	return body
}

// =============================================================================
// PARTIES
// =============================================================================

func TestCreateParty_ValidationAndConflict(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(http.MethodPost, "/api/parties", map[string]any{"domain": "vendor", "name": "X"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", body["code"])
	assert.Contains(t, body["details"], "domain")

	ts.party("supplier", "sup-1")
	resp, body = ts.do(http.MethodPost, "/api/parties", map[string]any{"id": "sup-1", "domain": "supplier", "name": "Again"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "duplicate", body["code"])

	resp, body = ts.do(http.MethodGet, "/api/parties?domain=supplier", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["items"], 1)
}

// =============================================================================
// PAYABLES FLOW
// =============================================================================

func TestPayablesFlow_CreateDeletePayment(t *testing.T) {
	// GIVEN: PO 500, payment 200, PO 100
	// WHEN: The payment is deleted over HTTP
	// THEN: Balance is 600 and consistent with a replay

	ts := newTestServer(t)
	ts.party("supplier", "sup-1")

	resp, body := ts.do(http.MethodPost, "/api/purchase-orders", map[string]any{"id": "PO-1", "party_id": "sup-1", "total": "500"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	entry := body["entry"].(map[string]any)
	assert.Equal(t, "credit", entry["type"])
	assert.Equal(t, "500", entry["balance_after"])

	resp, _ = ts.do(http.MethodPost, "/api/payments", map[string]any{"id": "PAY-1", "party_id": "sup-1", "parent_id": "PO-1", "total": "200"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = ts.do(http.MethodPost, "/api/purchase-orders", map[string]any{"id": "PO-2", "party_id": "sup-1", "total": "100"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "400", ts.balance("supplier", "sup-1")["balance"])

	resp, _ = ts.do(http.MethodDelete, "/api/payments/PAY-1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	b := ts.balance("supplier", "sup-1")
	assert.Equal(t, "600", b["balance"])
	assert.Equal(t, true, b["consistent"])

	resp, _ = ts.do(http.MethodDelete, "/api/payments/PAY-1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode, "deleting twice converges")
}

func TestCascadeDelete_PurchaseOrder(t *testing.T) {
	ts := newTestServer(t)
	ts.party("supplier", "sup-1")
	ts.do(http.MethodPost, "/api/purchase-orders", map[string]any{"id": "PO-1", "party_id": "sup-1", "total": "1000"})
	ts.do(http.MethodPost, "/api/payments", map[string]any{"party_id": "sup-1", "parent_id": "PO-1", "total": "300"})
	ts.do(http.MethodPost, "/api/payments", map[string]any{"party_id": "sup-1", "parent_id": "PO-1", "total": "400"})

	resp, _ := ts.do(http.MethodDelete, "/api/purchase-orders/PO-1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := ts.do(http.MethodGet, "/api/supplier/parties/sup-1/statement", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["lines"])
	assert.Equal(t, "0", body["balance"])

	resp, _ = ts.do(http.MethodGet, "/api/purchase-orders/PO-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReviseTotal_OverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.party("buyer", "buy-1")
	ts.do(http.MethodPost, "/api/sales", map[string]any{"id": "S-1", "party_id": "buy-1", "total": "1000"})
	ts.do(http.MethodPost, "/api/buyer-payments", map[string]any{"party_id": "buy-1", "parent_id": "S-1", "total": "250.5"})

	resp, body := ts.do(http.MethodPut, "/api/sales/S-1/total", map[string]any{"total": "1100"})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1100", body["document"].(map[string]any)["total"])
	assert.Equal(t, "849.5", ts.balance("buyer", "buy-1")["balance"])
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	ts.party("supplier", "sup-1")
	ts.do(http.MethodPost, "/api/purchase-orders", map[string]any{"id": "PO-1", "party_id": "sup-1", "total": "10"})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"zero amount", http.MethodPost, "/api/purchase-orders", map[string]any{"party_id": "sup-1", "total": "0"}, http.StatusBadRequest, "invalid"},
		{"unknown field", http.MethodPost, "/api/purchase-orders", map[string]any{"party_id": "sup-1", "total": "1", "tax": 1}, http.StatusBadRequest, "validation"},
		{"payment without parent", http.MethodPost, "/api/payments", map[string]any{"party_id": "sup-1", "total": "1"}, http.StatusBadRequest, "validation"},
		{"unknown party", http.MethodPost, "/api/purchase-orders", map[string]any{"party_id": "ghost", "total": "1"}, http.StatusNotFound, "not_found"},
		{"duplicate id", http.MethodPost, "/api/purchase-orders", map[string]any{"id": "PO-1", "party_id": "sup-1", "total": "1"}, http.StatusConflict, "duplicate"},
		{"unknown domain", http.MethodGet, "/api/vendor/balances", nil, http.StatusBadRequest, "invalid"},
		{"unknown repost kind", http.MethodPost, "/api/documents/invoice/1/repost", nil, http.StatusBadRequest, "invalid"},
		{"repost posted document", http.MethodPost, "/api/documents/purchase_order/PO-1/repost", nil, http.StatusConflict, "duplicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, body["code"])
		})
	}
}

func TestErrorMapping_StoreUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.party("supplier", "sup-1")
	ts.mem.SetFault(func(op string, _ ledger.Domain, _ ledger.PartyID) error {
		if op == "entries" {
			return errors.New("connection reset")
		}
		return nil
	})

	resp, body := ts.do(http.MethodGet, "/api/supplier/parties/sup-1/statement", nil)

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "dependency", body["code"])
}

func TestErrorMapping_VerificationFailure(t *testing.T) {
	// GIVEN: A payment entry the store refuses to delete
	// WHEN: The payment is deleted
	// THEN: 500 with the surviving entry id in the details

	ts := newTestServer(t)
	ts.party("supplier", "sup-1")
	ts.do(http.MethodPost, "/api/purchase-orders", map[string]any{"id": "PO-1", "party_id": "sup-1", "total": "10"})
	_, body := ts.do(http.MethodPost, "/api/payments", map[string]any{"id": "PAY-1", "party_id": "sup-1", "parent_id": "PO-1", "total": "4"})
	entryID := body["entry"].(map[string]any)["id"].(string)
	ts.mem.Pin(ledger.EntryID(entryID), -1)

	resp, body := ts.do(http.MethodDelete, "/api/payments/PAY-1", nil)

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "verification_failed", body["code"])
	details := body["details"].(map[string]any)
	assert.Equal(t, []any{entryID}, details["remaining_entry_ids"])
}

// =============================================================================
// ADMIN
// =============================================================================

func TestRecalculateAll_RepairsDrift(t *testing.T) {
	ts := newTestServer(t)
	ts.party("buyer", "buy-1")
	_, body := ts.do(http.MethodPost, "/api/sales", map[string]any{"party_id": "buy-1", "total": "70"})
	entryID := body["entry"].(map[string]any)["id"].(string)
	require.NoError(t, ts.mem.SetBalance(context.Background(), ledger.DomainBuyer, ledger.EntryID(entryID), decimal.RequireFromString("1")))

	resp, body := ts.do(http.MethodGet, "/api/admin/audit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["clean"])

	resp, body = ts.do(http.MethodPost, "/api/admin/recalculate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["domains"], 2)
	assert.Nil(t, body["error"])

	assert.Equal(t, "70", ts.balance("buyer", "buy-1")["balance"])
	_, body = ts.do(http.MethodGet, "/api/admin/audit", nil)
	assert.Equal(t, true, body["clean"])
}

func TestMetricsAndHealth(t *testing.T) {
	ts := newTestServer(t)
	ts.party("supplier", "sup-1")
	ts.do(http.MethodPost, "/api/purchase-orders", map[string]any{"party_id": "sup-1", "total": "5"})

	resp, _ := ts.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err := http.Get(ts.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `ledger_posts_total{domain="supplier",result="ok"} 1`)
}

func TestCORS_CredentialsOnlyForListedOrigins(t *testing.T) {
	eng := ledger.NewEngine(store.NewMemory())
	cors := func(opts api.RouterOptions, origin string) http.Header {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		api.NewRouter(api.NewHandler(eng), opts).ServeHTTP(rec, req)
		return rec.Header()
	}

	h := cors(api.RouterOptions{}, "http://evil.example")
	assert.Empty(t, h.Get("Access-Control-Allow-Origin"))

	h = cors(api.RouterOptions{}, "http://localhost:5173")
	assert.Equal(t, "http://localhost:5173", h.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", h.Get("Access-Control-Allow-Credentials"))

	h = cors(api.RouterOptions{CORSOrigins: []string{"*"}}, "http://evil.example")
	assert.Equal(t, "*", h.Get("Access-Control-Allow-Origin"))
	assert.Empty(t, h.Get("Access-Control-Allow-Credentials"))
}
