package event

import "fmt"

// Default returns a registry with every event this system exchanges.
func Default() *Registry {
	r := NewRegistry()

	Register[OrderPlacedV1](r)
	Register[OrderPlaced](r)
	r.Upcast(TypeOrderPlaced, 1, upcastOrderPlacedV1)

	Register[PaymentRequestedV1](r)
	Register[PaymentRequested](r)
	r.Upcast(TypePaymentRequested, 1, upcastPaymentRequestedV1)

	Register[InventoryReserveRequested](r)
	Register[InventoryReserved](r)
	Register[InventoryReserveFailed](r)
	Register[PaymentProcessed](r)
	Register[PaymentFailed](r)
	Register[InventoryReleaseRequested](r)
	Register[InventoryReleased](r)
	Register[PaymentRefunded](r)
	Register[OrderConfirmed](r)
	Register[OrderFailed](r)
	Register[OrderCancelled](r)
	Register[ShippingScheduled](r)

	if err := r.Validate(); err != nil {
		panic(err)
	}
	return r
}

func upcastOrderPlacedV1(p Payload) (Payload, error) {
	v1, ok := p.(OrderPlacedV1)
	if !ok {
		return nil, fmt.Errorf("expected OrderPlacedV1, got %T", p)
	}
	return OrderPlaced{
		OrderID:     v1.OrderID,
		CustomerID:  v1.CustomerID,
		Items:       v1.Items,
		TotalAmount: v1.TotalAmount,
		Currency:    DefaultCurrency,
	}, nil
}

func upcastPaymentRequestedV1(p Payload) (Payload, error) {
	v1, ok := p.(PaymentRequestedV1)
	if !ok {
		return nil, fmt.Errorf("expected PaymentRequestedV1, got %T", p)
	}
	return PaymentRequested{
		OrderID:        v1.OrderID,
		Amount:         v1.Amount,
		IdempotencyKey: v1.IdempotencyKey,
		Currency:       DefaultCurrency,
	}, nil
}
