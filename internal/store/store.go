package store

import (
	"context"
	"errors"
	"time"

	"armadaledger/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrAlreadyExists     = errors.New("already exists")
	ErrTransactionFailed = errors.New("transaction failed")
)

// Repository is the storage contract for the ledger and reconciliation
// engine. PostInvoice and PostPayment are the only balance-mutating paths
// besides the auditor's repair methods; implementations must serialize them
// per customer (row lock or equivalent) and commit each call as one atomic
// unit.
type Repository interface {
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	ListCustomers(ctx context.Context) ([]domain.Customer, error)
	UpdateCustomerBalance(ctx context.Context, id string, balance float64) error
	UpdateCustomerBalances(ctx context.Context, balances map[string]float64) error
	SumCustomerLedger(ctx context.Context, customerID string) (invoiced float64, paid float64, err error)

	PostInvoice(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error)
	PostPayment(ctx context.Context, payment domain.Payment) (*domain.PaymentResult, error)
	ListInvoicesByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Invoice, error)

	NextInvoiceSequence(ctx context.Context, prefix string) (int, error)
	MaxInvoiceNumber(ctx context.Context, prefix string) (string, error)
	ClaimInvoiceNumber(ctx context.Context, number string) (bool, error)

	CreateTruck(ctx context.Context, truck domain.Truck) (*domain.Truck, error)
	GetTruck(ctx context.Context, id string) (*domain.Truck, error)
	ListTrucks(ctx context.Context) ([]domain.Truck, error)

	CreateTruckLoad(ctx context.Context, load domain.TruckLoad) (*domain.TruckLoad, error)
	GetTruckLoad(ctx context.Context, id string) (*domain.TruckLoad, error)
	UpdateTruckLoadStatus(ctx context.Context, id string, status string) (*domain.TruckLoad, error)
	ListTruckLoads(ctx context.Context, truckID string, from time.Time, to time.Time) ([]domain.TruckLoad, error)
	SumTruckLoadWeight(ctx context.Context, truckID string, date time.Time) (float64, error)
	SumSoldWeight(ctx context.Context, truckID string, date time.Time) (float64, error)

	CreateReconciliation(ctx context.Context, rec domain.DailyReconciliation) (*domain.DailyReconciliation, error)
	GetReconciliation(ctx context.Context, id string) (*domain.DailyReconciliation, error)
	UpdateReconciliationWeights(ctx context.Context, id string, wastage float64, percent float64) error
	UpdateReconciliationStatus(ctx context.Context, id string, status string, note string) (*domain.DailyReconciliation, error)
	ListReconciliations(ctx context.Context, truckID string, from time.Time, to time.Time, limit int) ([]domain.DailyReconciliation, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
