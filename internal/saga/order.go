// Package saga sequences an order through inventory, payment and shipping.
// Decisions are pure functions of (order, input); the Orchestrator persists
// them atomically with their saga log entries and outbound events.
package saga

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/redstone/ordersaga/internal/event"
)

type Status string

const (
	StatusPending           Status = "pending"
	StatusInventoryReserved Status = "inventory_reserved"
	StatusPaymentProcessed  Status = "payment_processed"
	StatusConfirmed         Status = "confirmed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusCancelled
}

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrConcurrentUpdate  = errors.New("order was modified concurrently")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrInvalidTransition = errors.New("invalid transition")
)

type Order struct {
	ID              string          `json:"order_id"`
	CustomerID      string          `json:"customer_id"`
	Items           []event.Item    `json:"items"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	Currency        string          `json:"currency"`
	ShippingAddress event.Address   `json:"shipping_address"`
	Status          Status          `json:"status"`
	CorrelationID   string          `json:"correlation_id"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	Version         int             `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type Step string

const (
	StepPlaced            Step = "placed"
	StepInventoryReserved Step = "inventory_reserved"
	StepPaymentProcessed  Step = "payment_processed"
	StepConfirmed         Step = "confirmed"
	StepInventoryRelease  Step = "inventory_release"
	StepPaymentRefund     Step = "payment_refund"
	StepCancelled         Step = "cancelled"
	StepReconciliation    Step = "reconciliation"
)

type StepStatus string

const (
	StepStarted     StepStatus = "started"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// LogEntry is one append-only saga log row. Seq is assigned by the store
// and orders entries that share a timestamp.
type LogEntry struct {
	Seq           int64      `json:"seq"`
	OrderID       string     `json:"order_id"`
	Step          Step       `json:"step"`
	EventType     event.Type `json:"event_type"`
	EventID       string     `json:"event_id,omitempty"`
	CorrelationID string     `json:"correlation_id"`
	Status        StepStatus `json:"status"`
	Timestamp     time.Time  `json:"timestamp"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

// PlaceOrder is the create-order command. OrderID is supplied by the
// caller and doubles as the idempotency key.
type PlaceOrder struct {
	OrderID         string        `json:"order_id"`
	CustomerID      string        `json:"customer_id"`
	Items           []event.Item  `json:"items"`
	ShippingAddress event.Address `json:"shipping_address"`
	Currency        string        `json:"currency"`
}

func (c PlaceOrder) Validate() error {
	var problems []string
	if strings.TrimSpace(c.OrderID) == "" {
		problems = append(problems, "order_id is required")
	}
	if strings.TrimSpace(c.CustomerID) == "" {
		problems = append(problems, "customer_id is required")
	}
	if len(c.Items) == 0 {
		problems = append(problems, "at least one item is required")
	}
	for i, it := range c.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			problems = append(problems, fmt.Sprintf("items[%d].product_id is required", i))
		}
		if it.Quantity <= 0 {
			problems = append(problems, fmt.Sprintf("items[%d].quantity must be positive", i))
		}
		if it.Price.IsNegative() {
			problems = append(problems, fmt.Sprintf("items[%d].price must not be negative", i))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidOrder, strings.Join(problems, "; "))
	}
	return nil
}

// PaymentKey is the idempotency key carried to the payment gateway.
func PaymentKey(orderID string) string { return "payment:" + orderID }
