package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"armadaledger/backend/internal/domain"
)

func TestPostInvoiceAndPaymentStampBalances(t *testing.T) {
	databaseURL := os.Getenv("ARMADALEDGER_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set ARMADALEDGER_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	customerID := fmt.Sprintf("cust-it-%d", stamp)
	number := fmt.Sprintf("IT%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM payments WHERE customer_id = $1`, customerID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM invoices WHERE customer_id = $1`, customerID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM customers WHERE id = $1`, customerID)
	})

	if _, err := s.CreateCustomer(ctx, domain.Customer{
		ID:   customerID,
		Name: "Integration Test Customer",
	}); err != nil {
		t.Fatalf("create customer: %v", err)
	}

	invoice, err := s.PostInvoice(ctx, domain.Invoice{
		Number:      number,
		CustomerID:  customerID,
		NetWeight:   100,
		UnitPrice:   1000,
		Total:       100000,
		FinalAmount: 100000,
	})
	if err != nil {
		t.Fatalf("post invoice: %v", err)
	}
	if invoice.PreviousBalance != 0 || invoice.CurrentBalance != 100000 {
		t.Fatalf("expected 0 -> 100000 snapshot, got %v -> %v", invoice.PreviousBalance, invoice.CurrentBalance)
	}

	result, err := s.PostPayment(ctx, domain.Payment{
		CustomerID: customerID,
		Amount:     120000,
		Method:     "cash",
	})
	if err != nil {
		t.Fatalf("post payment: %v", err)
	}
	if result.NewBalance != 0 || !result.Overpayment || result.ExcessAmount != 20000 {
		t.Fatalf("expected clamped overpayment with excess 20000, got %+v", result)
	}

	customer, err := s.GetCustomer(ctx, customerID)
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	if customer.Balance != 0 {
		t.Fatalf("expected balance 0, got %v", customer.Balance)
	}

	invoiced, paid, err := s.SumCustomerLedger(ctx, customerID)
	if err != nil {
		t.Fatalf("sum ledger: %v", err)
	}
	if invoiced != 100000 || paid != 120000 {
		t.Fatalf("expected ledger 100000 / 120000, got %v / %v", invoiced, paid)
	}
}

func TestInvoiceSequenceCounterIsAtomic(t *testing.T) {
	databaseURL := os.Getenv("ARMADALEDGER_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set ARMADALEDGER_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	prefix := fmt.Sprintf("it%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM invoice_sequences WHERE prefix = $1`, prefix)
	})

	const workers = 50
	results := make(chan int, workers)
	for i := 0; i < workers; i++ {
		go func() {
			seq, err := s.NextInvoiceSequence(ctx, prefix)
			if err != nil {
				results <- -1
				return
			}
			results <- seq
		}()
	}

	seen := make(map[int]bool, workers)
	for i := 0; i < workers; i++ {
		seq := <-results
		if seq < 1 {
			t.Fatalf("sequence call failed")
		}
		if seen[seq] {
			t.Fatalf("duplicate sequence value %d", seq)
		}
		seen[seq] = true
	}
}
