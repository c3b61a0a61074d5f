package domain

import "time"

type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	Balance   float64   `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CustomerCreateRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Invoice is append-only. PreviousBalance and CurrentBalance are snapshots
// of the customer balance taken inside the posting transaction; they are
// never recomputed on read.
type Invoice struct {
	ID              string    `json:"id"`
	Number          string    `json:"number"`
	CustomerID      string    `json:"customer_id"`
	TruckID         string    `json:"truck_id"`
	GrossWeight     float64   `json:"gross_weight"`
	TareWeight      float64   `json:"tare_weight"`
	NetWeight       float64   `json:"net_weight"`
	UnitPrice       float64   `json:"unit_price"`
	DiscountPercent float64   `json:"discount_percent"`
	Total           float64   `json:"total"`
	FinalAmount     float64   `json:"final_amount"`
	PreviousBalance float64   `json:"previous_balance"`
	CurrentBalance  float64   `json:"current_balance"`
	CreatedAt       time.Time `json:"created_at"`
}

type InvoiceDraft struct {
	Number          string  `json:"number,omitempty"`
	CustomerID      string  `json:"customer_id"`
	TruckID         string  `json:"truck_id"`
	GrossWeight     float64 `json:"gross_weight"`
	TareWeight      float64 `json:"tare_weight"`
	UnitPrice       float64 `json:"unit_price"`
	DiscountPercent float64 `json:"discount_percent"`
}

type Payment struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customer_id"`
	InvoiceID  string    `json:"invoice_id,omitempty"`
	Amount     float64   `json:"amount"`
	Method     string    `json:"method"`
	CreatedAt  time.Time `json:"created_at"`
}

type PaymentDraft struct {
	CustomerID string  `json:"customer_id"`
	InvoiceID  string  `json:"invoice_id,omitempty"`
	Amount     float64 `json:"amount"`
	Method     string  `json:"method"`
}

// PaymentResult is the outcome of a posted payment. Overpayment is accepted
// business behavior: the balance clamps at zero and the excess is reported
// but not tracked as credit.
type PaymentResult struct {
	Payment         Payment `json:"payment"`
	PreviousBalance float64 `json:"previous_balance"`
	NewBalance      float64 `json:"new_balance"`
	Overpayment     bool    `json:"overpayment"`
	ExcessAmount    float64 `json:"excess_amount,omitempty"`
}

type Truck struct {
	ID          string    `json:"id"`
	PlateNumber string    `json:"plate_number"`
	DriverName  string    `json:"driver_name"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

type TruckCreateRequest struct {
	PlateNumber string `json:"plate_number"`
	DriverName  string `json:"driver_name"`
}

type TruckLoad struct {
	ID          string    `json:"id"`
	TruckID     string    `json:"truck_id"`
	LoadDate    time.Time `json:"load_date"`
	TotalWeight float64   `json:"total_weight"`
	CageCount   int       `json:"cage_count"`
	Status      string    `json:"status"`
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type TruckLoadCreateRequest struct {
	TruckID     string  `json:"truck_id"`
	LoadDate    string  `json:"load_date"`
	TotalWeight float64 `json:"total_weight"`
	CageCount   int     `json:"cage_count"`
	Notes       string  `json:"notes"`
}

// DailyReconciliation closes a truck-day: what was loaded against what was
// sold. One record per (truck, date). Weight fields change only through the
// explicit recalculate operation.
type DailyReconciliation struct {
	ID             string    `json:"id"`
	TruckID        string    `json:"truck_id"`
	ReconDate      time.Time `json:"recon_date"`
	LoadWeight     float64   `json:"load_weight"`
	SoldWeight     float64   `json:"sold_weight"`
	WastageWeight  float64   `json:"wastage_weight"`
	WastagePercent float64   `json:"wastage_percent"`
	Status         string    `json:"status"`
	Notes          string    `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type ReconciliationCreateRequest struct {
	TruckID    string  `json:"truck_id"`
	ReconDate  string  `json:"recon_date"`
	LoadWeight float64 `json:"load_weight"`
	SoldWeight float64 `json:"sold_weight"`

	// FromRecords derives load and sold weight from the truck's load and
	// invoice rows for the date instead of the explicit weights above.
	FromRecords bool `json:"from_records,omitempty"`
}

type BalanceAuditResult struct {
	CustomerID string  `json:"customer_id"`
	Drift      float64 `json:"drift"`
	NewBalance float64 `json:"new_balance"`
	Repaired   bool    `json:"repaired"`
}

// AnomalyScanResult reports reconciliation records whose wastage percentage
// is a statistical outlier over the scanned window.
type AnomalyScanResult struct {
	WindowDays int                   `json:"window_days"`
	KStdDev    float64               `json:"k_std_dev"`
	Mean       float64               `json:"mean"`
	StdDev     float64               `json:"std_dev"`
	Scanned    int                   `json:"scanned"`
	Anomalies  []DailyReconciliation `json:"anomalies"`
}

type PatternScanResult struct {
	Threshold float64                          `json:"threshold"`
	DayRange  int                              `json:"day_range"`
	Trucks    map[string][]DailyReconciliation `json:"trucks"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type ClerkCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type ClerkUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	LoadStatusLoaded    = "LOADED"
	LoadStatusInTransit = "IN_TRANSIT"
	LoadStatusCompleted = "COMPLETED"
)

const (
	ReconStatusPending            = "PENDING"
	ReconStatusCompleted          = "COMPLETED"
	ReconStatusUnderInvestigation = "UNDER_INVESTIGATION"
)

const (
	PaymentMethodCash     = "cash"
	PaymentMethodTransfer = "transfer"
	PaymentMethodCheque   = "cheque"
)
