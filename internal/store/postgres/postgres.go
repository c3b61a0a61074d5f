package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"armadaledger/backend/internal/domain"
	"armadaledger/backend/internal/store"
	"armadaledger/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	customer.Name = strings.TrimSpace(customer.Name)
	if customer.Name == "" {
		return nil, store.ErrInvalidArgument
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	customer.UpdatedAt = customer.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, phone, balance, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, customer.ID, customer.Name, nullIfEmpty(customer.Phone), customer.Balance, customer.CreatedAt, customer.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrAlreadyExists
		}
		return nil, err
	}

	created := customer
	return &created, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var customer domain.Customer
	var phone sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, balance, created_at, updated_at
		FROM customers
		WHERE id = $1
	`, id).Scan(&customer.ID, &customer.Name, &phone, &customer.Balance, &customer.CreatedAt, &customer.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if phone.Valid {
		customer.Phone = phone.String
	}
	customer.CreatedAt = customer.CreatedAt.UTC()
	customer.UpdatedAt = customer.UpdatedAt.UTC()
	return &customer, nil
}

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, phone, balance, created_at, updated_at
		FROM customers
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 64)
	for rows.Next() {
		var customer domain.Customer
		var phone sql.NullString
		if err := rows.Scan(&customer.ID, &customer.Name, &phone, &customer.Balance, &customer.CreatedAt, &customer.UpdatedAt); err != nil {
			return nil, err
		}
		if phone.Valid {
			customer.Phone = phone.String
		}
		customer.CreatedAt = customer.CreatedAt.UTC()
		customer.UpdatedAt = customer.UpdatedAt.UTC()
		customers = append(customers, customer)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) UpdateCustomerBalance(ctx context.Context, id string, balance float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE customers
		SET balance = $2, updated_at = now()
		WHERE id = $1
	`, id, balance)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateCustomerBalances(ctx context.Context, balances map[string]float64) error {
	if len(balances) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for id, balance := range balances {
		res, err := tx.ExecContext(ctx, `
			UPDATE customers
			SET balance = $2, updated_at = now()
			WHERE id = $1
		`, id, balance)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return store.ErrNotFound
		}
	}

	return tx.Commit()
}

func (s *Store) SumCustomerLedger(ctx context.Context, customerID string) (float64, float64, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM customers WHERE id = $1)
	`, customerID).Scan(&exists); err != nil {
		return 0, 0, err
	}
	if !exists {
		return 0, 0, store.ErrNotFound
	}

	var invoiced, paid float64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT SUM(final_amount) FROM invoices WHERE customer_id = $1), 0),
			COALESCE((SELECT SUM(amount) FROM payments WHERE customer_id = $1), 0)
	`, customerID).Scan(&invoiced, &paid)
	if err != nil {
		return 0, 0, err
	}
	return invoiced, paid, nil
}

// PostInvoice is one atomic unit: lock the customer row, snapshot the balance
// onto the invoice, insert it, move the cached balance. Two concurrent
// postings against the same customer serialize on the row lock; anything less
// lets both read the pre-update balance and corrupts the ledger.
func (s *Store) PostInvoice(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error) {
	if invoice.Number == "" || invoice.FinalAmount < 0 {
		return nil, store.ErrInvalidArgument
	}
	if invoice.ID == "" {
		invoice.ID = xid.New("inv")
	}
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", store.ErrTransactionFailed, err)
	}
	defer func() { _ = pgTx.Rollback() }()

	var balance float64
	err = pgTx.QueryRowContext(ctx, `
		SELECT balance
		FROM customers
		WHERE id = $1
		FOR UPDATE
	`, invoice.CustomerID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	invoice.PreviousBalance = balance
	invoice.CurrentBalance = round2(balance + invoice.FinalAmount)

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO invoices (
			id, number, customer_id, truck_id, gross_weight, tare_weight, net_weight,
			unit_price, discount_percent, total, final_amount,
			previous_balance, current_balance, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, invoice.ID, invoice.Number, invoice.CustomerID, invoice.TruckID,
		invoice.GrossWeight, invoice.TareWeight, invoice.NetWeight,
		invoice.UnitPrice, invoice.DiscountPercent, invoice.Total, invoice.FinalAmount,
		invoice.PreviousBalance, invoice.CurrentBalance, invoice.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrAlreadyExists
		}
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE customers
		SET balance = $2, updated_at = now()
		WHERE id = $1
	`, invoice.CustomerID, invoice.CurrentBalance)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", store.ErrTransactionFailed, err)
	}

	posted := invoice
	return &posted, nil
}

// PostPayment clamps the balance at zero; the excess of an overpayment is
// reported to the caller, not tracked as credit.
func (s *Store) PostPayment(ctx context.Context, payment domain.Payment) (*domain.PaymentResult, error) {
	if payment.Amount <= 0 {
		return nil, store.ErrInvalidArgument
	}
	if payment.ID == "" {
		payment.ID = xid.New("pay")
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", store.ErrTransactionFailed, err)
	}
	defer func() { _ = pgTx.Rollback() }()

	var balance float64
	err = pgTx.QueryRowContext(ctx, `
		SELECT balance
		FROM customers
		WHERE id = $1
		FOR UPDATE
	`, payment.CustomerID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if payment.InvoiceID != "" {
		var invoiceExists bool
		if err := pgTx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM invoices WHERE id = $1)
		`, payment.InvoiceID).Scan(&invoiceExists); err != nil {
			return nil, err
		}
		if !invoiceExists {
			return nil, store.ErrNotFound
		}
	}

	newBalance := round2(balance - payment.Amount)
	excess := 0.0
	if newBalance < 0 {
		excess = -newBalance
		newBalance = 0
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO payments (id, customer_id, invoice_id, amount, method, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, payment.ID, payment.CustomerID, nullIfEmpty(payment.InvoiceID), payment.Amount, payment.Method, payment.CreatedAt)
	if err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE customers
		SET balance = $2, updated_at = now()
		WHERE id = $1
	`, payment.CustomerID, newBalance)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", store.ErrTransactionFailed, err)
	}

	return &domain.PaymentResult{
		Payment:         payment,
		PreviousBalance: balance,
		NewBalance:      newBalance,
		Overpayment:     excess > 0,
		ExcessAmount:    excess,
	}, nil
}

func (s *Store) ListInvoicesByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Invoice, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, number, customer_id, truck_id, gross_weight, tare_weight, net_weight,
			unit_price, discount_percent, total, final_amount,
			previous_balance, current_balance, created_at
		FROM invoices
		WHERE customer_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, customerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invoices := make([]domain.Invoice, 0, limit)
	for rows.Next() {
		var inv domain.Invoice
		if err := rows.Scan(&inv.ID, &inv.Number, &inv.CustomerID, &inv.TruckID,
			&inv.GrossWeight, &inv.TareWeight, &inv.NetWeight,
			&inv.UnitPrice, &inv.DiscountPercent, &inv.Total, &inv.FinalAmount,
			&inv.PreviousBalance, &inv.CurrentBalance, &inv.CreatedAt); err != nil {
			return nil, err
		}
		inv.CreatedAt = inv.CreatedAt.UTC()
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return invoices, nil
}

// NextInvoiceSequence is the allocator's primary path: an atomic per-date
// counter row, so concurrent allocators never observe the same value.
func (s *Store) NextInvoiceSequence(ctx context.Context, prefix string) (int, error) {
	var seq int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO invoice_sequences (prefix, last_seq)
		VALUES ($1, 1)
		ON CONFLICT (prefix)
		DO UPDATE SET last_seq = invoice_sequences.last_seq + 1
		RETURNING last_seq
	`, prefix).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *Store) MaxInvoiceNumber(ctx context.Context, prefix string) (string, error) {
	var number sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(number) FROM (
			SELECT number FROM invoices WHERE number LIKE $1 || '%'
			UNION ALL
			SELECT number FROM invoice_numbers WHERE number LIKE $1 || '%'
		) candidates
	`, prefix).Scan(&number)
	if err != nil {
		return "", err
	}
	if !number.Valid {
		return "", nil
	}
	return number.String, nil
}

func (s *Store) ClaimInvoiceNumber(ctx context.Context, number string) (bool, error) {
	var taken bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM invoices WHERE number = $1)
	`, number).Scan(&taken); err != nil {
		return false, err
	}
	if taken {
		return false, nil
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO invoice_numbers (number, claimed_at)
		VALUES ($1, now())
		ON CONFLICT (number) DO NOTHING
	`, number)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *Store) CreateTruck(ctx context.Context, truck domain.Truck) (*domain.Truck, error) {
	truck.PlateNumber = strings.TrimSpace(truck.PlateNumber)
	if truck.PlateNumber == "" {
		return nil, store.ErrInvalidArgument
	}
	if truck.ID == "" {
		truck.ID = xid.New("truck")
	}
	if truck.CreatedAt.IsZero() {
		truck.CreatedAt = time.Now().UTC()
	}
	truck.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trucks (id, plate_number, driver_name, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, truck.ID, truck.PlateNumber, truck.DriverName, truck.Active, truck.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrAlreadyExists
		}
		return nil, err
	}

	created := truck
	return &created, nil
}

func (s *Store) GetTruck(ctx context.Context, id string) (*domain.Truck, error) {
	var truck domain.Truck
	err := s.db.QueryRowContext(ctx, `
		SELECT id, plate_number, driver_name, active, created_at
		FROM trucks
		WHERE id = $1
	`, id).Scan(&truck.ID, &truck.PlateNumber, &truck.DriverName, &truck.Active, &truck.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	truck.CreatedAt = truck.CreatedAt.UTC()
	return &truck, nil
}

func (s *Store) ListTrucks(ctx context.Context) ([]domain.Truck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plate_number, driver_name, active, created_at
		FROM trucks
		ORDER BY plate_number ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trucks := make([]domain.Truck, 0, 16)
	for rows.Next() {
		var truck domain.Truck
		if err := rows.Scan(&truck.ID, &truck.PlateNumber, &truck.DriverName, &truck.Active, &truck.CreatedAt); err != nil {
			return nil, err
		}
		truck.CreatedAt = truck.CreatedAt.UTC()
		trucks = append(trucks, truck)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return trucks, nil
}

func (s *Store) CreateTruckLoad(ctx context.Context, load domain.TruckLoad) (*domain.TruckLoad, error) {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO truck_loads (id, truck_id, load_date, total_weight, cage_count, status, notes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, load.ID, load.TruckID, load.LoadDate, load.TotalWeight, load.CageCount, load.Status, strings.TrimSpace(load.Notes), load.CreatedAt, load.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	created := load
	return &created, nil
}

func (s *Store) GetTruckLoad(ctx context.Context, id string) (*domain.TruckLoad, error) {
	var load domain.TruckLoad
	var notes sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, truck_id, load_date, total_weight, cage_count, status, notes, created_at, updated_at
		FROM truck_loads
		WHERE id = $1
	`, id).Scan(&load.ID, &load.TruckID, &load.LoadDate, &load.TotalWeight, &load.CageCount, &load.Status, &notes, &load.CreatedAt, &load.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if notes.Valid {
		load.Notes = notes.String
	}
	load.LoadDate = dateOnly(load.LoadDate)
	load.CreatedAt = load.CreatedAt.UTC()
	load.UpdatedAt = load.UpdatedAt.UTC()
	return &load, nil
}

func (s *Store) UpdateTruckLoadStatus(ctx context.Context, id string, status string) (*domain.TruckLoad, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var current string
	err = pgTx.QueryRowContext(ctx, `
		SELECT status
		FROM truck_loads
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if !validLoadTransition(current, status) {
		return nil, store.ErrInvalidArgument
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE truck_loads
		SET status = $2, updated_at = now()
		WHERE id = $1
	`, id, status)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	return s.GetTruckLoad(ctx, id)
}

func (s *Store) ListTruckLoads(ctx context.Context, truckID string, from time.Time, to time.Time) ([]domain.TruckLoad, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, truck_id, load_date, total_weight, cage_count, status, notes, created_at, updated_at
		FROM truck_loads
		WHERE ($1 = '' OR truck_id = $1)
			AND ($2::date IS NULL OR load_date >= $2)
			AND ($3::date IS NULL OR load_date <= $3)
		ORDER BY load_date ASC, id ASC
	`, truckID, nullDate(&from), nullDate(&to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	loads := make([]domain.TruckLoad, 0, 32)
	for rows.Next() {
		var load domain.TruckLoad
		var notes sql.NullString
		if err := rows.Scan(&load.ID, &load.TruckID, &load.LoadDate, &load.TotalWeight, &load.CageCount, &load.Status, &notes, &load.CreatedAt, &load.UpdatedAt); err != nil {
			return nil, err
		}
		if notes.Valid {
			load.Notes = notes.String
		}
		load.LoadDate = dateOnly(load.LoadDate)
		load.CreatedAt = load.CreatedAt.UTC()
		load.UpdatedAt = load.UpdatedAt.UTC()
		loads = append(loads, load)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return loads, nil
}

func (s *Store) SumTruckLoadWeight(ctx context.Context, truckID string, date time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_weight), 0)
		FROM truck_loads
		WHERE truck_id = $1 AND load_date = $2
	`, truckID, dateOnly(date)).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) SumSoldWeight(ctx context.Context, truckID string, date time.Time) (float64, error) {
	day := dateOnly(date)
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(net_weight), 0)
		FROM invoices
		WHERE truck_id = $1 AND created_at >= $2 AND created_at < $3
	`, truckID, day, day.Add(24*time.Hour)).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) CreateReconciliation(ctx context.Context, rec domain.DailyReconciliation) (*domain.DailyReconciliation, error) {
	if rec.ID == "" {
		rec.ID = xid.New("rec")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.ReconDate = dateOnly(rec.ReconDate)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_reconciliations (
			id, truck_id, recon_date, load_weight, sold_weight,
			wastage_weight, wastage_percent, status, notes, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, rec.ID, rec.TruckID, rec.ReconDate, rec.LoadWeight, rec.SoldWeight,
		rec.WastageWeight, rec.WastagePercent, rec.Status, strings.TrimSpace(rec.Notes), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrAlreadyExists
		}
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	created := rec
	return &created, nil
}

func (s *Store) GetReconciliation(ctx context.Context, id string) (*domain.DailyReconciliation, error) {
	var rec domain.DailyReconciliation
	var notes sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, truck_id, recon_date, load_weight, sold_weight,
			wastage_weight, wastage_percent, status, notes, created_at, updated_at
		FROM daily_reconciliations
		WHERE id = $1
	`, id).Scan(&rec.ID, &rec.TruckID, &rec.ReconDate, &rec.LoadWeight, &rec.SoldWeight,
		&rec.WastageWeight, &rec.WastagePercent, &rec.Status, &notes, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if notes.Valid {
		rec.Notes = notes.String
	}
	rec.ReconDate = dateOnly(rec.ReconDate)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func (s *Store) UpdateReconciliationWeights(ctx context.Context, id string, wastage float64, percent float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE daily_reconciliations
		SET wastage_weight = $2, wastage_percent = $3, updated_at = now()
		WHERE id = $1
	`, id, wastage, percent)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpdateReconciliationStatus appends the note; investigation history is
// never overwritten.
func (s *Store) UpdateReconciliationStatus(ctx context.Context, id string, status string, note string) (*domain.DailyReconciliation, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE daily_reconciliations
		SET status = $2,
			notes = CASE
				WHEN $3 = '' THEN notes
				WHEN notes = '' OR notes IS NULL THEN $3
				ELSE notes || E'\n' || $3
			END,
			updated_at = now()
		WHERE id = $1
	`, id, status, strings.TrimSpace(note))
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetReconciliation(ctx, id)
}

func (s *Store) ListReconciliations(ctx context.Context, truckID string, from time.Time, to time.Time, limit int) ([]domain.DailyReconciliation, error) {
	if limit < 1 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, truck_id, recon_date, load_weight, sold_weight,
			wastage_weight, wastage_percent, status, notes, created_at, updated_at
		FROM daily_reconciliations
		WHERE ($1 = '' OR truck_id = $1)
			AND ($2::date IS NULL OR recon_date >= $2)
			AND ($3::date IS NULL OR recon_date <= $3)
		ORDER BY recon_date DESC, id ASC
		LIMIT $4
	`, truckID, nullDate(&from), nullDate(&to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := make([]domain.DailyReconciliation, 0, limit)
	for rows.Next() {
		var rec domain.DailyReconciliation
		var notes sql.NullString
		if err := rows.Scan(&rec.ID, &rec.TruckID, &rec.ReconDate, &rec.LoadWeight, &rec.SoldWeight,
			&rec.WastageWeight, &rec.WastagePercent, &rec.Status, &notes, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if notes.Valid {
			rec.Notes = notes.String
		}
		rec.ReconDate = dateOnly(rec.ReconDate)
		rec.CreatedAt = rec.CreatedAt.UTC()
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidArgument
	}
	if user.Role == "" {
		user.Role = "clerk"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidArgument
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func dateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDate(val *time.Time) any {
	if val == nil || val.IsZero() {
		return nil
	}
	return dateOnly(*val)
}

func round2(val float64) float64 {
	return math.Round(val*100) / 100
}
