package service

import "context"

// Delivery identifies the queued notification a Send call works on.
type Delivery struct {
	RequestID string
	Attempt   int
}

type deliveryKey struct{}

func WithDelivery(ctx context.Context, d Delivery) context.Context {
	return context.WithValue(ctx, deliveryKey{}, d)
}

// DeliveryFromContext returns the delivery stored by WithDelivery. Sends
// without one are untracked.
func DeliveryFromContext(ctx context.Context) (Delivery, bool) {
	d, ok := ctx.Value(deliveryKey{}).(Delivery)
	return d, ok
}
