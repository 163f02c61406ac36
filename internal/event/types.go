package event

import "github.com/shopspring/decimal"

type Type string

const (
	TypeOrderPlaced               Type = "order.placed"
	TypeInventoryReserveRequested Type = "inventory.reserve.requested"
	TypeInventoryReserved         Type = "inventory.reserved"
	TypeInventoryReserveFailed    Type = "inventory.reserve.failed"
	TypePaymentRequested          Type = "payment.requested"
	TypePaymentProcessed          Type = "payment.processed"
	TypePaymentFailed             Type = "payment.failed"
	TypeInventoryReleaseRequested Type = "inventory.release.requested"
	TypeInventoryReleased         Type = "inventory.released"
	TypePaymentRefunded           Type = "payment.refunded"
	TypeOrderConfirmed            Type = "order.confirmed"
	TypeOrderFailed               Type = "order.failed"
	TypeOrderCancelled            Type = "order.cancelled"
	TypeShippingScheduled         Type = "shipping.scheduled"
)

func (t Type) String() string { return string(t) }

// Strings converts types for broker subscriptions.
func Strings(types ...Type) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

const DefaultCurrency = "USD"

type Item struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// Total is the sum of price times quantity.
func Total(items []Item) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total
}

type Address struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

func (a Address) IsZero() bool { return a == Address{} }

// Payload is one member of the event union. Each (type, version) pair has
// its own Go type.
type Payload interface {
	EventType() Type
	SchemaVersion() int
}

type OrderPlacedV1 struct {
	OrderID     string          `json:"order_id"`
	CustomerID  string          `json:"customer_id"`
	Items       []Item          `json:"items"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

func (OrderPlacedV1) EventType() Type    { return TypeOrderPlaced }
func (OrderPlacedV1) SchemaVersion() int { return 1 }

// OrderPlaced is version 2: shipping address and currency were added.
type OrderPlaced struct {
	OrderID         string          `json:"order_id"`
	CustomerID      string          `json:"customer_id"`
	Items           []Item          `json:"items"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	ShippingAddress Address         `json:"shipping_address"`
	Currency        string          `json:"currency"`
}

func (OrderPlaced) EventType() Type    { return TypeOrderPlaced }
func (OrderPlaced) SchemaVersion() int { return 2 }

type InventoryReserveRequested struct {
	OrderID string `json:"order_id"`
	Items   []Item `json:"items"`
}

func (InventoryReserveRequested) EventType() Type    { return TypeInventoryReserveRequested }
func (InventoryReserveRequested) SchemaVersion() int { return 1 }

type InventoryReserved struct {
	OrderID string `json:"order_id"`
	Items   []Item `json:"items"`
}

func (InventoryReserved) EventType() Type    { return TypeInventoryReserved }
func (InventoryReserved) SchemaVersion() int { return 1 }

type InventoryReserveFailed struct {
	OrderID string `json:"order_id"`
	Items   []Item `json:"items"`
	Reason  string `json:"reason,omitempty"`
}

func (InventoryReserveFailed) EventType() Type    { return TypeInventoryReserveFailed }
func (InventoryReserveFailed) SchemaVersion() int { return 1 }

type PaymentRequestedV1 struct {
	OrderID        string          `json:"order_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func (PaymentRequestedV1) EventType() Type    { return TypePaymentRequested }
func (PaymentRequestedV1) SchemaVersion() int { return 1 }

// PaymentRequested is version 2: currency was added.
type PaymentRequested struct {
	OrderID        string          `json:"order_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
	Currency       string          `json:"currency"`
}

func (PaymentRequested) EventType() Type    { return TypePaymentRequested }
func (PaymentRequested) SchemaVersion() int { return 2 }

type PaymentProcessed struct {
	OrderID        string          `json:"order_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
	TransactionID  string          `json:"transaction_id,omitempty"`
}

func (PaymentProcessed) EventType() Type    { return TypePaymentProcessed }
func (PaymentProcessed) SchemaVersion() int { return 1 }

type PaymentFailed struct {
	OrderID        string          `json:"order_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
	Reason         string          `json:"reason,omitempty"`
}

func (PaymentFailed) EventType() Type    { return TypePaymentFailed }
func (PaymentFailed) SchemaVersion() int { return 1 }

type InventoryReleaseRequested struct {
	OrderID string `json:"order_id"`
}

func (InventoryReleaseRequested) EventType() Type    { return TypeInventoryReleaseRequested }
func (InventoryReleaseRequested) SchemaVersion() int { return 1 }

type InventoryReleased struct {
	OrderID string `json:"order_id"`
}

func (InventoryReleased) EventType() Type    { return TypeInventoryReleased }
func (InventoryReleased) SchemaVersion() int { return 1 }

type PaymentRefunded struct {
	OrderID string          `json:"order_id"`
	Amount  decimal.Decimal `json:"amount"`
}

func (PaymentRefunded) EventType() Type    { return TypePaymentRefunded }
func (PaymentRefunded) SchemaVersion() int { return 1 }

type OrderConfirmed struct {
	OrderID string `json:"order_id"`
}

func (OrderConfirmed) EventType() Type    { return TypeOrderConfirmed }
func (OrderConfirmed) SchemaVersion() int { return 1 }

type OrderFailed struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

func (OrderFailed) EventType() Type    { return TypeOrderFailed }
func (OrderFailed) SchemaVersion() int { return 1 }

type OrderCancelled struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

func (OrderCancelled) EventType() Type    { return TypeOrderCancelled }
func (OrderCancelled) SchemaVersion() int { return 1 }

type ShippingScheduled struct {
	OrderID string  `json:"order_id"`
	Address Address `json:"address"`
}

func (ShippingScheduled) EventType() Type    { return TypeShippingScheduled }
func (ShippingScheduled) SchemaVersion() int { return 1 }
