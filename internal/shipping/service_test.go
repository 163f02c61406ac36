package shipping_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redstone/ordersaga/internal/event"
	"github.com/redstone/ordersaga/internal/idempotency"
	"github.com/redstone/ordersaga/internal/redstone"
	"github.com/redstone/ordersaga/internal/shipping"
	"github.com/redstone/ordersaga/internal/store/memory"
)

type fixedID string

func (f fixedID) NewID() string { return string(f) }

func TestScheduleBooksOneShipment(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	db := memory.New()
	svc := shipping.NewService(memory.For[shipping.Tx](db), db, event.Default(), idempotency.Deps{
		Clock: redstone.NewManualClock(t0),
		IDs:   fixedID("4f1c2a9e-77b0-4d1e-9a53-0c2f1e8b6d44"),
	})
	addr := event.Address{Line1: "1 Main St", City: "Springfield", Country: "US"}
	e := event.New("evt-1", "o1", "corr-1", event.ShippingScheduled{OrderID: "o1", Address: addr}, t0)

	run := func() {
		err := memory.For[shipping.Tx](db).InTx(context.Background(), func(ctx context.Context, tx shipping.Tx) error {
			res, err := svc.Schedule(ctx, tx, e)
			assert.Empty(t, res.Events)
			return err
		})
		require.NoError(t, err)
	}
	run()
	run()

	sh, err := svc.Shipment(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, "TRK4F1C2A9E77B0", sh.TrackingNumber)
	assert.Equal(t, addr, sh.Address)
	assert.Equal(t, "scheduled", sh.Status)
	assert.Equal(t, t0.Add(4*24*time.Hour), sh.EstimatedDelivery)

	_, err = svc.Shipment(context.Background(), "o2")
	assert.ErrorIs(t, err, shipping.ErrShipmentNotFound)
}
