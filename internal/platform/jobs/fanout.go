package jobs

import (
	"context"
	"errors"

	"github.com/storefront/fulfillment/internal/services"
)

// FanOut publishes each event to every sink and joins their errors.
type FanOut []services.OrderEventPublisher

func (f FanOut) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.PublishOrderEvent(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
