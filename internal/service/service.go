package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"armadaledger/backend/internal/domain"
	"armadaledger/backend/internal/sequence"
	"armadaledger/backend/internal/store"
	"armadaledger/backend/internal/variance"
)

// driftTolerance is the largest cached-vs-recomputed balance difference
// that counts as clean. Anything within it is float rounding, not drift.
const driftTolerance = 0.01

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo      store.Repository
	allocator *sequence.Allocator
	variance  *variance.Engine
	log       zerolog.Logger
}

func New(repo store.Repository, allocator *sequence.Allocator, varianceEngine *variance.Engine, log zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		allocator: allocator,
		variance:  varianceEngine,
		log:       log,
	}
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (*domain.Customer, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: customer name is required", store.ErrInvalidArgument)
	}

	customer, err := s.repo.CreateCustomer(ctx, domain.Customer{
		Name:  name,
		Phone: strings.TrimSpace(req.Phone),
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "customer.create", "customer", customer.ID, customer.Name)
	return customer, nil
}

func (s *Service) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: customer id is required", store.ErrInvalidArgument)
	}
	return s.repo.GetCustomer(ctx, id)
}

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx)
}

func (s *Service) ListCustomerInvoices(ctx context.Context, customerID string, limit int) ([]domain.Invoice, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, fmt.Errorf("%w: customer id is required", store.ErrInvalidArgument)
	}
	if _, err := s.repo.GetCustomer(ctx, customerID); err != nil {
		return nil, err
	}
	return s.repo.ListInvoicesByCustomer(ctx, customerID, limit)
}

// AllocateInvoiceNumber hands out the next date-scoped invoice number
// without posting anything. Clients that print the invoice before weighing
// finishes use this.
func (s *Service) AllocateInvoiceNumber(ctx context.Context, date time.Time) (string, error) {
	if date.IsZero() {
		date = time.Now().UTC()
	}
	return s.allocator.Allocate(ctx, date)
}

// PostInvoice validates and prices the draft, allocates a number when the
// draft carries none, and posts it. Amount math happens here, once; the
// storage layer stamps balances but never recomputes amounts.
func (s *Service) PostInvoice(ctx context.Context, draft domain.InvoiceDraft) (*domain.Invoice, error) {
	if strings.TrimSpace(draft.CustomerID) == "" {
		return nil, fmt.Errorf("%w: customer id is required", store.ErrInvalidArgument)
	}
	if draft.GrossWeight < 0 || draft.TareWeight < 0 {
		return nil, fmt.Errorf("%w: weights must not be negative", store.ErrInvalidArgument)
	}
	if draft.TareWeight > draft.GrossWeight {
		return nil, fmt.Errorf("%w: tare weight exceeds gross weight", store.ErrInvalidArgument)
	}
	if draft.UnitPrice <= 0 {
		return nil, fmt.Errorf("%w: unit price must be positive", store.ErrInvalidArgument)
	}
	if draft.DiscountPercent < 0 || draft.DiscountPercent > 100 {
		return nil, fmt.Errorf("%w: discount percent must be between 0 and 100", store.ErrInvalidArgument)
	}

	if _, err := s.repo.GetCustomer(ctx, draft.CustomerID); err != nil {
		return nil, err
	}
	if draft.TruckID != "" {
		if _, err := s.repo.GetTruck(ctx, draft.TruckID); err != nil {
			return nil, err
		}
	}

	netWeight := round2(draft.GrossWeight - draft.TareWeight)
	total := round2(netWeight * draft.UnitPrice)
	finalAmount := round2(total * (1 - draft.DiscountPercent/100))

	number := strings.TrimSpace(draft.Number)
	if number == "" {
		allocated, err := s.allocator.Allocate(ctx, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		number = allocated
	}

	invoice, err := s.repo.PostInvoice(ctx, domain.Invoice{
		Number:          number,
		CustomerID:      draft.CustomerID,
		TruckID:         draft.TruckID,
		GrossWeight:     draft.GrossWeight,
		TareWeight:      draft.TareWeight,
		NetWeight:       netWeight,
		UnitPrice:       draft.UnitPrice,
		DiscountPercent: draft.DiscountPercent,
		Total:           total,
		FinalAmount:     finalAmount,
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "invoice.post", "invoice", invoice.ID, invoice.Number)
	return invoice, nil
}

func (s *Service) PostPayment(ctx context.Context, draft domain.PaymentDraft) (*domain.PaymentResult, error) {
	if strings.TrimSpace(draft.CustomerID) == "" {
		return nil, fmt.Errorf("%w: customer id is required", store.ErrInvalidArgument)
	}
	if draft.Amount <= 0 {
		return nil, fmt.Errorf("%w: payment amount must be positive", store.ErrInvalidArgument)
	}

	method := strings.ToLower(strings.TrimSpace(draft.Method))
	switch method {
	case "":
		method = domain.PaymentMethodCash
	case domain.PaymentMethodCash, domain.PaymentMethodTransfer, domain.PaymentMethodCheque:
	default:
		return nil, fmt.Errorf("%w: unknown payment method %q", store.ErrInvalidArgument, draft.Method)
	}

	result, err := s.repo.PostPayment(ctx, domain.Payment{
		CustomerID: draft.CustomerID,
		InvoiceID:  strings.TrimSpace(draft.InvoiceID),
		Amount:     draft.Amount,
		Method:     method,
	})
	if err != nil {
		return nil, err
	}

	if result.Overpayment {
		s.log.Warn().
			Str("customer_id", draft.CustomerID).
			Float64("amount", draft.Amount).
			Float64("excess", result.ExcessAmount).
			Msg("payment exceeds outstanding balance, clamping at zero")
	}

	s.logAudit(ctx, "payment.post", "payment", result.Payment.ID,
		fmt.Sprintf("amount=%.2f method=%s", draft.Amount, method))
	return result, nil
}

// RecomputeBalance replays a customer's full ledger and compares it to the
// cached balance. The cached value is repaired only when the drift exceeds
// the tolerance, so a clean audit writes nothing.
func (s *Service) RecomputeBalance(ctx context.Context, customerID string) (*domain.BalanceAuditResult, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, fmt.Errorf("%w: customer id is required", store.ErrInvalidArgument)
	}

	customer, err := s.repo.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}

	invoiced, paid, err := s.repo.SumCustomerLedger(ctx, customerID)
	if err != nil {
		return nil, err
	}

	recomputed := round2(invoiced - paid)
	if recomputed < 0 {
		recomputed = 0
	}
	drift := round2(customer.Balance - recomputed)

	result := &domain.BalanceAuditResult{
		CustomerID: customerID,
		Drift:      drift,
		NewBalance: recomputed,
	}
	if math.Abs(drift) <= driftTolerance {
		// Sub-tolerance drift is float rounding, not corruption: report a
		// clean audit, leave the cached value alone.
		result.Drift = 0
		result.NewBalance = customer.Balance
		return result, nil
	}

	if err := s.repo.UpdateCustomerBalance(ctx, customerID, recomputed); err != nil {
		return nil, err
	}
	result.Repaired = true

	s.log.Warn().
		Str("customer_id", customerID).
		Float64("cached", customer.Balance).
		Float64("recomputed", recomputed).
		Float64("drift", drift).
		Msg("balance drift repaired")
	s.logAudit(ctx, "balance.repair", "customer", customerID,
		fmt.Sprintf("drift=%.2f new_balance=%.2f", drift, recomputed))
	return result, nil
}

// RecomputeAllBalances audits every customer and repairs drifted balances in
// one batched write. Only drifted customers appear in the result; a fully
// clean audit returns an empty slice. The second return value is the number
// of customers audited. Run nightly; safe to run at any time.
func (s *Service) RecomputeAllBalances(ctx context.Context) ([]domain.BalanceAuditResult, int, error) {
	customers, err := s.repo.ListCustomers(ctx)
	if err != nil {
		return nil, 0, err
	}

	results := []domain.BalanceAuditResult{}
	repairs := make(map[string]float64)
	for _, customer := range customers {
		invoiced, paid, err := s.repo.SumCustomerLedger(ctx, customer.ID)
		if err != nil {
			return nil, 0, err
		}

		recomputed := round2(invoiced - paid)
		if recomputed < 0 {
			recomputed = 0
		}
		drift := round2(customer.Balance - recomputed)
		if math.Abs(drift) <= driftTolerance {
			continue
		}

		results = append(results, domain.BalanceAuditResult{
			CustomerID: customer.ID,
			Drift:      drift,
			NewBalance: recomputed,
			Repaired:   true,
		})
		repairs[customer.ID] = recomputed
	}

	if len(repairs) > 0 {
		if err := s.repo.UpdateCustomerBalances(ctx, repairs); err != nil {
			return nil, 0, err
		}
		s.log.Warn().Int("repaired", len(repairs)).Int("audited", len(customers)).
			Msg("nightly balance audit repaired drifted balances")
		s.logAudit(ctx, "balance.audit", "customer", "",
			fmt.Sprintf("audited=%d repaired=%d", len(customers), len(repairs)))
	}
	return results, len(customers), nil
}

func (s *Service) CreateTruck(ctx context.Context, req domain.TruckCreateRequest) (*domain.Truck, error) {
	plate := strings.TrimSpace(req.PlateNumber)
	if plate == "" {
		return nil, fmt.Errorf("%w: plate number is required", store.ErrInvalidArgument)
	}

	truck, err := s.repo.CreateTruck(ctx, domain.Truck{
		PlateNumber: plate,
		DriverName:  strings.TrimSpace(req.DriverName),
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "truck.create", "truck", truck.ID, truck.PlateNumber)
	return truck, nil
}

func (s *Service) GetTruck(ctx context.Context, id string) (*domain.Truck, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: truck id is required", store.ErrInvalidArgument)
	}
	return s.repo.GetTruck(ctx, id)
}

func (s *Service) ListTrucks(ctx context.Context) ([]domain.Truck, error) {
	return s.repo.ListTrucks(ctx)
}

func (s *Service) CreateTruckLoad(ctx context.Context, req domain.TruckLoadCreateRequest) (*domain.TruckLoad, error) {
	if strings.TrimSpace(req.TruckID) == "" {
		return nil, fmt.Errorf("%w: truck id is required", store.ErrInvalidArgument)
	}
	if req.TotalWeight <= 0 {
		return nil, fmt.Errorf("%w: total weight must be positive", store.ErrInvalidArgument)
	}
	if req.CageCount < 0 {
		return nil, fmt.Errorf("%w: cage count must not be negative", store.ErrInvalidArgument)
	}

	loadDate, err := parseDate(req.LoadDate)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetTruck(ctx, req.TruckID); err != nil {
		return nil, err
	}

	load, err := s.repo.CreateTruckLoad(ctx, domain.TruckLoad{
		TruckID:     req.TruckID,
		LoadDate:    loadDate,
		TotalWeight: req.TotalWeight,
		CageCount:   req.CageCount,
		Status:      domain.LoadStatusLoaded,
		Notes:       strings.TrimSpace(req.Notes),
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "truckload.create", "truck_load", load.ID,
		fmt.Sprintf("truck=%s weight=%.2f", load.TruckID, load.TotalWeight))
	return load, nil
}

func (s *Service) UpdateTruckLoadStatus(ctx context.Context, id string, status string) (*domain.TruckLoad, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: load id is required", store.ErrInvalidArgument)
	}
	status = strings.ToUpper(strings.TrimSpace(status))
	switch status {
	case domain.LoadStatusLoaded, domain.LoadStatusInTransit, domain.LoadStatusCompleted:
	default:
		return nil, fmt.Errorf("%w: unknown load status %q", store.ErrInvalidArgument, status)
	}

	load, err := s.repo.UpdateTruckLoadStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "truckload.status", "truck_load", load.ID, status)
	return load, nil
}

func (s *Service) ListTruckLoads(ctx context.Context, truckID string, from time.Time, to time.Time) ([]domain.TruckLoad, error) {
	return s.repo.ListTruckLoads(ctx, truckID, from, to)
}

// CreateReconciliation closes a truck-day. With FromRecords set, load and
// sold weight come from the day's load and invoice rows; otherwise the
// explicit weights are used. Sold exceeding load is a data entry error, not
// a wastage of negative weight.
func (s *Service) CreateReconciliation(ctx context.Context, req domain.ReconciliationCreateRequest) (*domain.DailyReconciliation, error) {
	if strings.TrimSpace(req.TruckID) == "" {
		return nil, fmt.Errorf("%w: truck id is required", store.ErrInvalidArgument)
	}
	reconDate, err := parseDate(req.ReconDate)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetTruck(ctx, req.TruckID); err != nil {
		return nil, err
	}

	loadWeight := req.LoadWeight
	soldWeight := req.SoldWeight
	if req.FromRecords {
		loadWeight, err = s.repo.SumTruckLoadWeight(ctx, req.TruckID, reconDate)
		if err != nil {
			return nil, err
		}
		soldWeight, err = s.repo.SumSoldWeight(ctx, req.TruckID, reconDate)
		if err != nil {
			return nil, err
		}
	}

	if loadWeight < 0 || soldWeight < 0 {
		return nil, fmt.Errorf("%w: weights must not be negative", store.ErrInvalidArgument)
	}
	if soldWeight > loadWeight {
		return nil, fmt.Errorf("%w: sold weight %.2f exceeds load weight %.2f", store.ErrInvalidArgument, soldWeight, loadWeight)
	}

	wastage, percent := wastageOf(loadWeight, soldWeight)
	rec, err := s.repo.CreateReconciliation(ctx, domain.DailyReconciliation{
		TruckID:        req.TruckID,
		ReconDate:      reconDate,
		LoadWeight:     loadWeight,
		SoldWeight:     soldWeight,
		WastageWeight:  wastage,
		WastagePercent: percent,
		Status:         domain.ReconStatusCompleted,
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "reconciliation.create", "reconciliation", rec.ID,
		fmt.Sprintf("truck=%s date=%s wastage=%.2f%%", rec.TruckID, rec.ReconDate.Format("2006-01-02"), rec.WastagePercent))
	return rec, nil
}

func (s *Service) GetReconciliation(ctx context.Context, id string) (*domain.DailyReconciliation, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: reconciliation id is required", store.ErrInvalidArgument)
	}
	return s.repo.GetReconciliation(ctx, id)
}

func (s *Service) ListReconciliations(ctx context.Context, truckID string, from time.Time, to time.Time, limit int) ([]domain.DailyReconciliation, error) {
	return s.repo.ListReconciliations(ctx, truckID, from, to, limit)
}

// RecalculateReconciliation rederives wastage from the stored load and sold
// weights, repairing records written before a formula fix.
func (s *Service) RecalculateReconciliation(ctx context.Context, id string) (*domain.DailyReconciliation, error) {
	rec, err := s.GetReconciliation(ctx, id)
	if err != nil {
		return nil, err
	}

	wastage, percent := wastageOf(rec.LoadWeight, rec.SoldWeight)
	if wastage == rec.WastageWeight && percent == rec.WastagePercent {
		return rec, nil
	}

	if err := s.repo.UpdateReconciliationWeights(ctx, id, wastage, percent); err != nil {
		return nil, err
	}

	s.logAudit(ctx, "reconciliation.recalculate", "reconciliation", id,
		fmt.Sprintf("wastage %.2f->%.2f percent %.2f->%.2f", rec.WastageWeight, wastage, rec.WastagePercent, percent))
	return s.repo.GetReconciliation(ctx, id)
}

// ValidateReconciliationIntegrity checks a stored record's arithmetic without
// modifying it. Returns the list of violated constraints, empty when clean.
func (s *Service) ValidateReconciliationIntegrity(ctx context.Context, id string) ([]string, error) {
	rec, err := s.GetReconciliation(ctx, id)
	if err != nil {
		return nil, err
	}

	const eps = 1e-6
	var violations []string
	if rec.LoadWeight < 0 {
		violations = append(violations, "load weight is negative")
	}
	if rec.SoldWeight < 0 {
		violations = append(violations, "sold weight is negative")
	}
	if rec.SoldWeight > rec.LoadWeight+eps {
		violations = append(violations, "sold weight exceeds load weight")
	}

	wastage, percent := wastageOf(rec.LoadWeight, rec.SoldWeight)
	if math.Abs(wastage-rec.WastageWeight) > eps {
		violations = append(violations, fmt.Sprintf("wastage weight mismatch: stored %.2f, derived %.2f", rec.WastageWeight, wastage))
	}
	if math.Abs(percent-rec.WastagePercent) > eps {
		violations = append(violations, fmt.Sprintf("wastage percent mismatch: stored %.2f, derived %.2f", rec.WastagePercent, percent))
	}
	return violations, nil
}

func (s *Service) FlagForInvestigation(ctx context.Context, id string, reason string) (*domain.DailyReconciliation, error) {
	rec, err := s.GetReconciliation(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != domain.ReconStatusCompleted {
		return nil, fmt.Errorf("%w: only completed reconciliations can be flagged, current status %s", store.ErrInvalidArgument, rec.Status)
	}

	note := strings.TrimSpace(reason)
	if note == "" {
		note = "flagged for investigation"
	}
	updated, err := s.repo.UpdateReconciliationStatus(ctx, id, domain.ReconStatusUnderInvestigation, note)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "reconciliation.flag", "reconciliation", id, note)
	return updated, nil
}

func (s *Service) CloseInvestigation(ctx context.Context, id string, resolution string) (*domain.DailyReconciliation, error) {
	rec, err := s.GetReconciliation(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != domain.ReconStatusUnderInvestigation {
		return nil, fmt.Errorf("%w: reconciliation is not under investigation, current status %s", store.ErrInvalidArgument, rec.Status)
	}

	note := strings.TrimSpace(resolution)
	if note == "" {
		note = "investigation closed"
	}
	updated, err := s.repo.UpdateReconciliationStatus(ctx, id, domain.ReconStatusCompleted, note)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "reconciliation.close", "reconciliation", id, note)
	return updated, nil
}

// FindWastageAnomalies scans the last windowDays of reconciliation records,
// regardless of status, for wastage outliers above mean + k*stddev.
func (s *Service) FindWastageAnomalies(ctx context.Context, windowDays int, k float64) (*domain.AnomalyScanResult, error) {
	if windowDays < 1 {
		windowDays = 30
	}
	if k <= 0 {
		k = 2.0
	}

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -windowDays)
	records, err := s.repo.ListReconciliations(ctx, "", from, to, 0)
	if err != nil {
		return nil, err
	}

	result := s.variance.FindAnomalies(ctx, records, windowDays, k)
	return &result, nil
}

func (s *Service) FindConsistentVariancePatterns(ctx context.Context, threshold float64, dayRange int) (*domain.PatternScanResult, error) {
	if threshold <= 0 {
		threshold = 5.0
	}
	if dayRange < 1 {
		dayRange = 30
	}

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -dayRange)
	records, err := s.repo.ListReconciliations(ctx, "", from, to, 0)
	if err != nil {
		return nil, err
	}

	return &domain.PatternScanResult{
		Threshold: threshold,
		DayRange:  dayRange,
		Trucks:    s.variance.ConsistentPatterns(records, threshold, dayRange),
	}, nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	entry := domain.AuditLog{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
	}
	if actor, ok := ActorFromContext(ctx); ok {
		entry.ActorUsername = actor.Username
		entry.ActorRole = actor.Role
	}
	if err := s.repo.CreateAuditLog(ctx, entry); err != nil {
		s.log.Error().Err(err).Str("action", action).Msg("audit log write failed")
	}
}

func wastageOf(loadWeight float64, soldWeight float64) (float64, float64) {
	wastage := round2(loadWeight - soldWeight)
	percent := 0.0
	if loadWeight > 0 {
		percent = round2(wastage / loadWeight * 100)
	}
	return wastage, percent
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrInvalidArgument)
	}
	return parsed, nil
}

func round2(val float64) float64 {
	return math.Round(val*100) / 100
}
