package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"armadaledger/backend/internal/cache"
	"armadaledger/backend/internal/sequence"
	"armadaledger/backend/internal/service"
	"armadaledger/backend/internal/store/memory"
	"armadaledger/backend/internal/variance"
)

// newTestAPI builds a full API over an in-memory store with a real
// AuthManager and Service so handler tests exercise the complete request
// path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	allocator := sequence.New(repo, zerolog.Nop())
	engine := variance.NewEngine(cache.NoopAnomalyCache{}, time.Second)
	svc := service.New(repo, allocator, engine, zerolog.Nop())
	auth := NewAuthManager("test-secret-key-that-is-long-enough", time.Hour, repo)

	return New(svc, auth, "*")
}

func loginToken(t *testing.T, handler http.Handler, username string, password string) string {
	t.Helper()

	payload, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d (%s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode login body: %v", err)
	}
	token, _ := body["access_token"].(string)
	if token == "" {
		t.Fatalf("no access token in login response")
	}
	return token
}

func doJSON(t *testing.T, handler http.Handler, method string, path string, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestCustomersRequireAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/customers", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestInvoiceAndPaymentFlow(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "clerk", "clerk123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/invoices", token, map[string]any{
		"customer_id":  "cust-pasar-minggu",
		"truck_id":     "truck-b9001",
		"gross_weight": 110.0,
		"tare_weight":  10.0,
		"unit_price":   1000.0,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var invoiceBody struct {
		Invoice struct {
			Number         string  `json:"number"`
			FinalAmount    float64 `json:"final_amount"`
			CurrentBalance float64 `json:"current_balance"`
		} `json:"invoice"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&invoiceBody); err != nil {
		t.Fatalf("decode invoice: %v", err)
	}
	if invoiceBody.Invoice.Number == "" {
		t.Fatalf("expected allocated invoice number")
	}
	if invoiceBody.Invoice.FinalAmount != 100000 {
		t.Fatalf("expected final amount 100000, got %v", invoiceBody.Invoice.FinalAmount)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/payments", token, map[string]any{
		"customer_id": "cust-pasar-minggu",
		"amount":      40000.0,
		"method":      "cash",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var paymentBody struct {
		NewBalance  float64 `json:"new_balance"`
		Overpayment bool    `json:"overpayment"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&paymentBody); err != nil {
		t.Fatalf("decode payment: %v", err)
	}
	if paymentBody.NewBalance != 60000 {
		t.Fatalf("expected new balance 60000, got %v", paymentBody.NewBalance)
	}
	if paymentBody.Overpayment {
		t.Fatalf("unexpected overpayment flag")
	}
}

func TestInvoiceUnknownCustomerReturns404(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "clerk", "clerk123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/invoices", token, map[string]any{
		"customer_id":  "cust-nope",
		"gross_weight": 50.0,
		"tare_weight":  10.0,
		"unit_price":   1000.0,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestAllocateNumberEndpoint(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "clerk", "clerk123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/invoices/allocate-number?date=2026-01-15", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["number"] != "202601150001" {
		t.Fatalf("expected 202601150001, got %s", body["number"])
	}
}

func TestRecomputeAllRequiresAdmin(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	clerkToken := loginToken(t, handler, "clerk", "clerk123")
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/balances/recompute-all", clerkToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for clerk, got %d", rec.Code)
	}

	adminToken := loginToken(t, handler, "admin", "admin123")
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/balances/recompute-all", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d (%s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Audited  int   `json:"audited"`
		Repaired int   `json:"repaired"`
		Results  []any `json:"results"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Seeded balances are clean: everything audited, nothing reported.
	if body.Audited != 3 || body.Repaired != 0 || len(body.Results) != 0 {
		t.Fatalf("expected clean audit of 3 customers, got audited=%d repaired=%d results=%v",
			body.Audited, body.Repaired, body.Results)
	}
}

func TestTruckCreationRequiresAdmin(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	clerkToken := loginToken(t, handler, "clerk", "clerk123")
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/trucks", clerkToken, map[string]any{
		"plate_number": "B 9100 XYZ",
		"driver_name":  "Pak Tono",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for clerk, got %d", rec.Code)
	}

	adminToken := loginToken(t, handler, "admin", "admin123")
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/trucks", adminToken, map[string]any{
		"plate_number": "B 9100 XYZ",
		"driver_name":  "Pak Tono",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for admin, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestReconciliationLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/reconciliations", token, map[string]any{
		"truck_id":    "truck-b9001",
		"recon_date":  "2026-08-30",
		"load_weight": 1000.0,
		"sold_weight": 950.0,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var created struct {
		Reconciliation struct {
			ID             string  `json:"id"`
			WastagePercent float64 `json:"wastage_percent"`
			Status         string  `json:"status"`
		} `json:"reconciliation"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Reconciliation.WastagePercent != 5 {
		t.Fatalf("expected 5%% wastage, got %v", created.Reconciliation.WastagePercent)
	}

	// Duplicate truck-day conflicts.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/reconciliations", token, map[string]any{
		"truck_id":    "truck-b9001",
		"recon_date":  "2026-08-30",
		"load_weight": 500.0,
		"sold_weight": 400.0,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate truck-day, got %d", rec.Code)
	}

	id := created.Reconciliation.ID
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/reconciliations/"+id+"/flag", token, map[string]any{
		"reason": "spot check",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 flagging, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/reconciliations/"+id+"/close", token, map[string]any{
		"resolution": "all clear",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 closing, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/reconciliations/"+id+"/validate", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 validating, got %d (%s)", rec.Code, rec.Body.String())
	}
	var validation struct {
		Valid bool `json:"valid"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&validation); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !validation.Valid {
		t.Fatalf("expected clean validation")
	}
}

func TestAnomalyScanEndpoint(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "admin", "admin123")

	date := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/reconciliations", token, map[string]any{
		"truck_id":    "truck-b9001",
		"recon_date":  date,
		"load_weight": 1000.0,
		"sold_weight": 950.0,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("seed reconciliation failed: %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/reconciliations/anomalies?window_days=30&k=2.0", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Scanned   int   `json:"scanned"`
		Anomalies []any `json:"anomalies"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Scanned != 1 {
		t.Fatalf("expected 1 scanned record, got %d", body.Scanned)
	}
}

func TestTruckLoadStatusEndpoint(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "clerk", "clerk123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/truck-loads", token, map[string]any{
		"truck_id":     "truck-b9002",
		"load_date":    "2026-08-30",
		"total_weight": 800.0,
		"cage_count":   64,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var created struct {
		Load struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"load"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Load.Status != "LOADED" {
		t.Fatalf("expected LOADED, got %s", created.Load.Status)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/truck-loads/"+created.Load.ID+"/status", token, map[string]any{
		"status": "IN_TRANSIT",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	// Backwards transition is rejected.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/truck-loads/"+created.Load.ID+"/status", token, map[string]any{
		"status": "LOADED",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on invalid transition, got %d", rec.Code)
	}
}

func TestCustomerRecomputeEndpoint(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginToken(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/customers/cust-pasar-minggu/recompute-balance", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var body struct {
		CustomerID string `json:"customer_id"`
		Repaired   bool   `json:"repaired"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.CustomerID != "cust-pasar-minggu" {
		t.Fatalf("unexpected customer id %s", body.CustomerID)
	}
	if body.Repaired {
		t.Fatalf("expected clean audit on fresh store")
	}
}
