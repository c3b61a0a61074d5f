package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"armadaledger/backend/internal/domain"
	"armadaledger/backend/internal/sequence"
	"armadaledger/backend/internal/service"
	"armadaledger/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string) *API {
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("/api/v1/customers", a.requireAuth(a.handleCustomers, "clerk", "admin"))
	mux.HandleFunc("/api/v1/customers/", a.requireAuth(a.handleCustomerActions, "clerk", "admin"))
	mux.HandleFunc("/api/v1/balances/recompute-all", a.requireAuth(a.handleRecomputeAllBalances, "admin"))

	mux.HandleFunc("/api/v1/invoices", a.requireAuth(a.handleInvoices, "clerk", "admin"))
	mux.HandleFunc("/api/v1/invoices/allocate-number", a.requireAuth(a.handleAllocateNumber, "clerk", "admin"))
	mux.HandleFunc("/api/v1/payments", a.requireAuth(a.handlePayments, "clerk", "admin"))

	mux.HandleFunc("/api/v1/trucks", a.requireAuth(a.handleTrucks, "clerk", "admin"))
	mux.HandleFunc("/api/v1/truck-loads", a.requireAuth(a.handleTruckLoads, "clerk", "admin"))
	mux.HandleFunc("/api/v1/truck-loads/", a.requireAuth(a.handleTruckLoadActions, "clerk", "admin"))

	mux.HandleFunc("/api/v1/reconciliations", a.requireAuth(a.handleReconciliations, "clerk", "admin"))
	mux.HandleFunc("/api/v1/reconciliations/", a.requireAuth(a.handleReconciliationActions, "clerk", "admin"))

	mux.HandleFunc("/api/v1/users/clerks", a.requireAuth(a.handleClerks, "admin"))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCustomers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		customers, err := a.service.ListCustomers(r.Context())
		if err != nil {
			writeError(w, httpStatusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"customers": customers})
	case http.MethodPost:
		var req domain.CustomerCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		customer, err := a.service.CreateCustomer(r.Context(), req)
		if err != nil {
			writeError(w, httpStatusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"customer": customer})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCustomerActions(w http.ResponseWriter, r *http.Request) {
	prefix := "/api/v1/customers/"
	tail := strings.TrimSpace(strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/"))
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("customer id required"))
		return
	}

	if strings.HasSuffix(tail, "/invoices") {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		customerID := strings.Trim(strings.TrimSuffix(tail, "/invoices"), "/")
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)

		invoices, err := a.service.ListCustomerInvoices(r.Context(), customerID, limit)
		if err != nil {
			writeError(w, httpStatusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"invoices": invoices})
		return
	}

	if strings.HasSuffix(tail, "/recompute-balance") {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		customerID := strings.Trim(strings.TrimSuffix(tail, "/recompute-balance"), "/")

		result, err := a.service.RecomputeBalance(r.Context(), customerID)
		if err != nil {
			writeError(w, httpStatusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	customer, err := a.service.GetCustomer(r.Context(), tail)
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customer": customer})
}

func (a *API) handleRecomputeAllBalances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	results, audited, err := a.service.RecomputeAllBalances(r.Context())
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"audited":  audited,
		"repaired": len(results),
		"results":  results,
	})
}

func (a *API) handleInvoices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var draft domain.InvoiceDraft
	if err := decodeJSON(r, &draft); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	invoice, err := a.service.PostInvoice(r.Context(), draft)
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"invoice": invoice})
}

func (a *API) handleAllocateNumber(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	date := time.Now().UTC()
	if raw := strings.TrimSpace(r.URL.Query().Get("date")); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("date must be YYYY-MM-DD"))
			return
		}
		date = parsed
	}

	number, err := a.service.AllocateInvoiceNumber(r.Context(), date)
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"number": number})
}

func (a *API) handlePayments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var draft domain.PaymentDraft
	if err := decodeJSON(r, &draft); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := a.service.PostPayment(r.Context(), draft)
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *API) handleTrucks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		trucks, err := a.service.ListTrucks(r.Context())
		if err != nil {
			writeError(w, httpStatusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"trucks": trucks})
	case http.MethodPost:
		actor, ok := service.ActorFromContext(r.Context())
		if !ok || actor.Role != "admin" {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		var req domain.TruckCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		truck, err := a.service.CreateTruck(r.Context(), req)
		if err != nil {
			writeError(w, httpStatusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"truck": truck})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleTruckLoads(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		truckID := strings.TrimSpace(r.URL.Query().Get("truck_id"))
		from, to, err := parseDateRange(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		loads, err := a.service.ListTruckLoads(r.Context(), truckID, from, to)
		if err != nil {
			writeError(w, httpStatusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"loads": loads})
	case http.MethodPost:
		var req domain.TruckLoadCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		load, err := a.service.CreateTruckLoad(r.Context(), req)
		if err != nil {
			writeError(w, httpStatusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"load": load})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleTruckLoadActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	prefix := "/api/v1/truck-loads/"
	if !strings.HasSuffix(r.URL.Path, "/status") {
		writeError(w, http.StatusBadRequest, errors.New("invalid truck load action path"))
		return
	}
	loadID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, prefix), "/status")
	loadID = strings.TrimSpace(strings.Trim(loadID, "/"))
	if loadID == "" {
		writeError(w, http.StatusBadRequest, errors.New("truck load id required"))
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	load, err := a.service.UpdateTruckLoadStatus(r.Context(), loadID, req.Status)
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"load": load})
}

func (a *API) handleReconciliations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		truckID := strings.TrimSpace(r.URL.Query().Get("truck_id"))
		from, to, err := parseDateRange(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 1000)

		recs, err := a.service.ListReconciliations(r.Context(), truckID, from, to, limit)
		if err != nil {
			writeError(w, httpStatusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reconciliations": recs})
	case http.MethodPost:
		var req domain.ReconciliationCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		rec, err := a.service.CreateReconciliation(r.Context(), req)
		if err != nil {
			writeError(w, httpStatusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"reconciliation": rec})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleReconciliationActions(w http.ResponseWriter, r *http.Request) {
	prefix := "/api/v1/reconciliations/"
	tail := strings.TrimSpace(strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/"))
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("reconciliation id required"))
		return
	}

	switch tail {
	case "anomalies":
		a.handleAnomalyScan(w, r)
		return
	case "patterns":
		a.handlePatternScan(w, r)
		return
	}

	if action, ok := trimActionSuffix(tail, "/recalculate"); ok {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		rec, err := a.service.RecalculateReconciliation(r.Context(), action)
		if err != nil {
			writeError(w, httpStatusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reconciliation": rec})
		return
	}

	if action, ok := trimActionSuffix(tail, "/validate"); ok {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		violations, err := a.service.ValidateReconciliationIntegrity(r.Context(), action)
		if err != nil {
			writeError(w, httpStatusFor(err), err)
			return
		}
		if violations == nil {
			violations = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"valid":      len(violations) == 0,
			"violations": violations,
		})
		return
	}

	if action, ok := trimActionSuffix(tail, "/flag"); ok {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var req struct {
			Reason string `json:"reason"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		rec, err := a.service.FlagForInvestigation(r.Context(), action, req.Reason)
		if err != nil {
			writeError(w, httpStatusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reconciliation": rec})
		return
	}

	if action, ok := trimActionSuffix(tail, "/close"); ok {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var req struct {
			Resolution string `json:"resolution"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		rec, err := a.service.CloseInvestigation(r.Context(), action, req.Resolution)
		if err != nil {
			writeError(w, httpStatusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reconciliation": rec})
		return
	}

	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	rec, err := a.service.GetReconciliation(r.Context(), tail)
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reconciliation": rec})
}

func (a *API) handleAnomalyScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	windowDays := parsePositiveLimit(r.URL.Query().Get("window_days"), 30, 365)
	k := 2.0
	if raw := strings.TrimSpace(r.URL.Query().Get("k")); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("k must be a positive number"))
			return
		}
		k = parsed
	}

	result, err := a.service.FindWastageAnomalies(r.Context(), windowDays, k)
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handlePatternScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	dayRange := parsePositiveLimit(r.URL.Query().Get("day_range"), 30, 365)
	threshold := 5.0
	if raw := strings.TrimSpace(r.URL.Query().Get("threshold")); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("threshold must be a positive number"))
			return
		}
		threshold = parsed
	}

	result, err := a.service.FindConsistentVariancePatterns(r.Context(), threshold, dayRange)
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleClerks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		clerks := a.auth.ListClerks()
		writeJSON(w, http.StatusOK, map[string]any{"clerks": clerks})
	case http.MethodPost:
		var req domain.ClerkCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		clerk, err := a.auth.CreateClerk(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{"clerk": clerk})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(startedAt)).
			Msg("request")
	})
}

func trimActionSuffix(tail string, suffix string) (string, bool) {
	if !strings.HasSuffix(tail, suffix) {
		return "", false
	}
	id := strings.TrimSpace(strings.Trim(strings.TrimSuffix(tail, suffix), "/"))
	if id == "" {
		return "", false
	}
	return id, true
}

func parseDateRange(r *http.Request) (time.Time, time.Time, error) {
	var from, to time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return from, to, errors.New("from must be YYYY-MM-DD")
		}
		from = parsed
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("to")); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return from, to, errors.New("to must be YYYY-MM-DD")
		}
		to = parsed
	}
	return from, to, nil
}

// httpStatusFor maps service and store sentinel errors onto response codes.
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, sequence.ErrAllocationExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrTransactionFailed):
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 4xx messages are user-facing; 5xx bodies stay generic so internals
	// never leak.
	msg := err.Error()
	if status >= 500 {
		log.Error().Err(err).Int("status", status).Msg("internal error")
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
