package memory

import (
	"context"
	"log"
	"math"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"armadaledger/backend/internal/domain"
	"armadaledger/backend/internal/store"
	"armadaledger/backend/internal/xid"
)

// Store is an in-memory repository for dev mode and tests. The single mutex
// makes every posting an atomic unit, which is exactly the serialization the
// customer-balance invariant needs.
type Store struct {
	mu               sync.RWMutex
	customersByID    map[string]domain.Customer
	invoicesByID     map[string]domain.Invoice
	invoicesByNumber map[string]string
	paymentsByID     map[string]domain.Payment
	trucksByID       map[string]domain.Truck
	loadsByID        map[string]domain.TruckLoad
	reconsByID       map[string]domain.DailyReconciliation
	reconByTruckDay  map[string]string
	seqByPrefix      map[string]int
	claimedNumbers   map[string]struct{}
	auditLogs        []domain.AuditLog
	usersByUsername  map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CLERK_PASSWORD
// environment variables, with hardcoded dev defaults and a warning when
// unset. Production deployments use PostgreSQL (DATABASE_URL set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	clerkPwd := envOr("SEED_CLERK_PASSWORD", "clerk123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CLERK_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CLERK_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"clerk", clerkPwd, "clerk"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	now := time.Now().UTC()

	trucks := []domain.Truck{
		{ID: "truck-b9001", PlateNumber: "B 9001 KQJ", DriverName: "Pak Dedi", Active: true, CreatedAt: now},
		{ID: "truck-b9002", PlateNumber: "B 9002 KQJ", DriverName: "Pak Rahmat", Active: true, CreatedAt: now},
		{ID: "truck-b9003", PlateNumber: "B 9003 KQJ", DriverName: "Pak Surya", Active: true, CreatedAt: now},
	}
	customers := []domain.Customer{
		{ID: "cust-pasar-minggu", Name: "Lapak Pasar Minggu", Phone: "0812-0001", CreatedAt: now, UpdatedAt: now},
		{ID: "cust-warung-ibu-sari", Name: "Warung Ibu Sari", Phone: "0812-0002", CreatedAt: now, UpdatedAt: now},
		{ID: "cust-rm-sederhana", Name: "RM Sederhana", Phone: "0812-0003", CreatedAt: now, UpdatedAt: now},
	}

	truckMap := make(map[string]domain.Truck, len(trucks))
	for _, t := range trucks {
		truckMap[t.ID] = t
	}
	customerMap := make(map[string]domain.Customer, len(customers))
	for _, c := range customers {
		customerMap[c.ID] = c
	}

	return &Store{
		customersByID:    customerMap,
		invoicesByID:     make(map[string]domain.Invoice),
		invoicesByNumber: make(map[string]string),
		paymentsByID:     make(map[string]domain.Payment),
		trucksByID:       truckMap,
		loadsByID:        make(map[string]domain.TruckLoad),
		reconsByID:       make(map[string]domain.DailyReconciliation),
		reconByTruckDay:  make(map[string]string),
		seqByPrefix:      make(map[string]int),
		claimedNumbers:   make(map[string]struct{}),
		auditLogs:        make([]domain.AuditLog, 0, 128),
		usersByUsername:  seedUsers(),
	}
}

func New() *Store {
	s := NewSeeded()
	s.customersByID = make(map[string]domain.Customer)
	s.trucksByID = make(map[string]domain.Truck)
	return s
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(customer.Name) == "" {
		return nil, store.ErrInvalidArgument
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if _, exists := s.customersByID[customer.ID]; exists {
		return nil, store.ErrAlreadyExists
	}
	now := time.Now().UTC()
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = now
	}
	customer.UpdatedAt = now

	s.customersByID[customer.ID] = customer
	created := customer
	return &created, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, exists := s.customersByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := customer
	return &copied, nil
}

func (s *Store) ListCustomers(_ context.Context) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.customersByID))
	for _, c := range s.customersByID {
		customers = append(customers, c)
	}
	slices.SortFunc(customers, func(a, b domain.Customer) int {
		return strings.Compare(a.Name, b.Name)
	})
	return customers, nil
}

func (s *Store) UpdateCustomerBalance(_ context.Context, id string, balance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	customer, exists := s.customersByID[id]
	if !exists {
		return store.ErrNotFound
	}
	customer.Balance = balance
	customer.UpdatedAt = time.Now().UTC()
	s.customersByID[id] = customer
	return nil
}

func (s *Store) UpdateCustomerBalances(_ context.Context, balances map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range balances {
		if _, exists := s.customersByID[id]; !exists {
			return store.ErrNotFound
		}
	}
	now := time.Now().UTC()
	for id, balance := range balances {
		customer := s.customersByID[id]
		customer.Balance = balance
		customer.UpdatedAt = now
		s.customersByID[id] = customer
	}
	return nil
}

func (s *Store) SumCustomerLedger(_ context.Context, customerID string) (float64, float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.customersByID[customerID]; !exists {
		return 0, 0, store.ErrNotFound
	}

	invoiced := 0.0
	for _, inv := range s.invoicesByID {
		if inv.CustomerID == customerID {
			invoiced += inv.FinalAmount
		}
	}
	paid := 0.0
	for _, p := range s.paymentsByID {
		if p.CustomerID == customerID {
			paid += p.Amount
		}
	}
	return invoiced, paid, nil
}

func (s *Store) PostInvoice(_ context.Context, invoice domain.Invoice) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	customer, exists := s.customersByID[invoice.CustomerID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if invoice.Number == "" || invoice.FinalAmount < 0 {
		return nil, store.ErrInvalidArgument
	}
	if _, taken := s.invoicesByNumber[invoice.Number]; taken {
		return nil, store.ErrAlreadyExists
	}
	if invoice.ID == "" {
		invoice.ID = xid.New("inv")
	}
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = time.Now().UTC()
	}

	invoice.PreviousBalance = customer.Balance
	invoice.CurrentBalance = round2(customer.Balance + invoice.FinalAmount)

	s.invoicesByID[invoice.ID] = invoice
	s.invoicesByNumber[invoice.Number] = invoice.ID
	customer.Balance = invoice.CurrentBalance
	customer.UpdatedAt = time.Now().UTC()
	s.customersByID[customer.ID] = customer

	posted := invoice
	return &posted, nil
}

func (s *Store) PostPayment(_ context.Context, payment domain.Payment) (*domain.PaymentResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	customer, exists := s.customersByID[payment.CustomerID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if payment.Amount <= 0 {
		return nil, store.ErrInvalidArgument
	}
	if payment.InvoiceID != "" {
		if _, exists := s.invoicesByID[payment.InvoiceID]; !exists {
			return nil, store.ErrNotFound
		}
	}
	if payment.ID == "" {
		payment.ID = xid.New("pay")
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}

	previous := customer.Balance
	newBalance := round2(previous - payment.Amount)
	excess := 0.0
	if newBalance < 0 {
		excess = -newBalance
		newBalance = 0
	}

	s.paymentsByID[payment.ID] = payment
	customer.Balance = newBalance
	customer.UpdatedAt = time.Now().UTC()
	s.customersByID[customer.ID] = customer

	return &domain.PaymentResult{
		Payment:         payment,
		PreviousBalance: previous,
		NewBalance:      newBalance,
		Overpayment:     excess > 0,
		ExcessAmount:    excess,
	}, nil
}

func (s *Store) ListInvoicesByCustomer(_ context.Context, customerID string, limit int) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}

	invoices := make([]domain.Invoice, 0, 16)
	for _, inv := range s.invoicesByID {
		if inv.CustomerID == customerID {
			invoices = append(invoices, inv)
		}
	}
	slices.SortFunc(invoices, func(a, b domain.Invoice) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if len(invoices) > limit {
		invoices = invoices[:limit]
	}
	return invoices, nil
}

func (s *Store) NextInvoiceSequence(_ context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seqByPrefix[prefix]++
	return s.seqByPrefix[prefix], nil
}

func (s *Store) MaxInvoiceNumber(_ context.Context, prefix string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	max := ""
	for number := range s.invoicesByNumber {
		if strings.HasPrefix(number, prefix) && number > max {
			max = number
		}
	}
	for number := range s.claimedNumbers {
		if strings.HasPrefix(number, prefix) && number > max {
			max = number
		}
	}
	return max, nil
}

func (s *Store) ClaimInvoiceNumber(_ context.Context, number string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.claimedNumbers[number]; taken {
		return false, nil
	}
	if _, taken := s.invoicesByNumber[number]; taken {
		return false, nil
	}
	s.claimedNumbers[number] = struct{}{}
	return true, nil
}

func (s *Store) CreateTruck(_ context.Context, truck domain.Truck) (*domain.Truck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(truck.PlateNumber) == "" {
		return nil, store.ErrInvalidArgument
	}
	if truck.ID == "" {
		truck.ID = xid.New("truck")
	}
	if _, exists := s.trucksByID[truck.ID]; exists {
		return nil, store.ErrAlreadyExists
	}
	if truck.CreatedAt.IsZero() {
		truck.CreatedAt = time.Now().UTC()
	}
	truck.Active = true

	s.trucksByID[truck.ID] = truck
	created := truck
	return &created, nil
}

func (s *Store) GetTruck(_ context.Context, id string) (*domain.Truck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	truck, exists := s.trucksByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := truck
	return &copied, nil
}

func (s *Store) ListTrucks(_ context.Context) ([]domain.Truck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trucks := make([]domain.Truck, 0, len(s.trucksByID))
	for _, t := range s.trucksByID {
		trucks = append(trucks, t)
	}
	slices.SortFunc(trucks, func(a, b domain.Truck) int {
		return strings.Compare(a.PlateNumber, b.PlateNumber)
	})
	return trucks, nil
}

func (s *Store) CreateTruckLoad(_ context.Context, load domain.TruckLoad) (*domain.TruckLoad, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.trucksByID[load.TruckID]; !exists {
		return nil, store.ErrNotFound
	}
	if load.TotalWeight < 0 || load.CageCount < 0 {
		return nil, store.ErrInvalidArgument
	}
	if load.ID == "" {
		load.ID = xid.New("load")
	}
	if load.Status == "" {
		load.Status = domain.LoadStatusLoaded
	}
	now := time.Now().UTC()
	if load.CreatedAt.IsZero() {
		load.CreatedAt = now
	}
	load.UpdatedAt = now
	load.LoadDate = dateOnly(load.LoadDate)

	s.loadsByID[load.ID] = load
	created := load
	return &created, nil
}

func (s *Store) GetTruckLoad(_ context.Context, id string) (*domain.TruckLoad, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	load, exists := s.loadsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := load
	return &copied, nil
}

func (s *Store) UpdateTruckLoadStatus(_ context.Context, id string, status string) (*domain.TruckLoad, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	load, exists := s.loadsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	if !validLoadTransition(load.Status, status) {
		return nil, store.ErrInvalidArgument
	}
	load.Status = status
	load.UpdatedAt = time.Now().UTC()
	s.loadsByID[id] = load

	updated := load
	return &updated, nil
}

func (s *Store) ListTruckLoads(_ context.Context, truckID string, from time.Time, to time.Time) ([]domain.TruckLoad, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loads := make([]domain.TruckLoad, 0, 16)
	for _, load := range s.loadsByID {
		if truckID != "" && load.TruckID != truckID {
			continue
		}
		if !from.IsZero() && load.LoadDate.Before(dateOnly(from)) {
			continue
		}
		if !to.IsZero() && load.LoadDate.After(dateOnly(to)) {
			continue
		}
		loads = append(loads, load)
	}
	slices.SortFunc(loads, func(a, b domain.TruckLoad) int {
		if a.LoadDate.Equal(b.LoadDate) {
			return strings.Compare(a.ID, b.ID)
		}
		if a.LoadDate.Before(b.LoadDate) {
			return -1
		}
		return 1
	})
	return loads, nil
}

func (s *Store) SumTruckLoadWeight(_ context.Context, truckID string, date time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	day := dateOnly(date)
	total := 0.0
	for _, load := range s.loadsByID {
		if load.TruckID == truckID && load.LoadDate.Equal(day) {
			total += load.TotalWeight
		}
	}
	return total, nil
}

func (s *Store) SumSoldWeight(_ context.Context, truckID string, date time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	day := dateOnly(date)
	total := 0.0
	for _, inv := range s.invoicesByID {
		if inv.TruckID == truckID && dateOnly(inv.CreatedAt).Equal(day) {
			total += inv.NetWeight
		}
	}
	return total, nil
}

func (s *Store) CreateReconciliation(_ context.Context, rec domain.DailyReconciliation) (*domain.DailyReconciliation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.trucksByID[rec.TruckID]; !exists {
		return nil, store.ErrNotFound
	}
	rec.ReconDate = dateOnly(rec.ReconDate)
	key := truckDayKey(rec.TruckID, rec.ReconDate)
	if _, exists := s.reconByTruckDay[key]; exists {
		return nil, store.ErrAlreadyExists
	}
	if rec.ID == "" {
		rec.ID = xid.New("rec")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	s.reconsByID[rec.ID] = rec
	s.reconByTruckDay[key] = rec.ID
	created := rec
	return &created, nil
}

func (s *Store) GetReconciliation(_ context.Context, id string) (*domain.DailyReconciliation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.reconsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := rec
	return &copied, nil
}

func (s *Store) UpdateReconciliationWeights(_ context.Context, id string, wastage float64, percent float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.reconsByID[id]
	if !exists {
		return store.ErrNotFound
	}
	rec.WastageWeight = wastage
	rec.WastagePercent = percent
	rec.UpdatedAt = time.Now().UTC()
	s.reconsByID[id] = rec
	return nil
}

func (s *Store) UpdateReconciliationStatus(_ context.Context, id string, status string, note string) (*domain.DailyReconciliation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.reconsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	rec.Status = status
	if note != "" {
		if rec.Notes == "" {
			rec.Notes = note
		} else {
			rec.Notes = rec.Notes + "\n" + note
		}
	}
	rec.UpdatedAt = time.Now().UTC()
	s.reconsByID[id] = rec

	updated := rec
	return &updated, nil
}

func (s *Store) ListReconciliations(_ context.Context, truckID string, from time.Time, to time.Time, limit int) ([]domain.DailyReconciliation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 500
	}

	recs := make([]domain.DailyReconciliation, 0, 32)
	for _, rec := range s.reconsByID {
		if truckID != "" && rec.TruckID != truckID {
			continue
		}
		if !from.IsZero() && rec.ReconDate.Before(dateOnly(from)) {
			continue
		}
		if !to.IsZero() && rec.ReconDate.After(dateOnly(to)) {
			continue
		}
		recs = append(recs, rec)
	}
	slices.SortFunc(recs, func(a, b domain.DailyReconciliation) int {
		if a.ReconDate.Equal(b.ReconDate) {
			return strings.Compare(a.ID, b.ID)
		}
		if a.ReconDate.After(b.ReconDate) {
			return -1
		}
		return 1
	})
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidArgument
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrAlreadyExists
	}
	if user.Role == "" {
		user.Role = "clerk"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidArgument
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func validLoadTransition(from string, to string) bool {
	switch from {
	case domain.LoadStatusLoaded:
		return to == domain.LoadStatusInTransit || to == domain.LoadStatusCompleted
	case domain.LoadStatusInTransit:
		return to == domain.LoadStatusCompleted
	default:
		return false
	}
}

func truckDayKey(truckID string, date time.Time) string {
	return truckID + "|" + date.Format("2006-01-02")
}

func dateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func round2(val float64) float64 {
	return math.Round(val*100) / 100
}
