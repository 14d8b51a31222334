package memory

import (
	"context"
	"slices"
	"sort"

	domain "github.com/MartinMaseko/locals.za-sub000/internal/domain"
	"github.com/MartinMaseko/locals.za-sub000/internal/repositories"
)

type orderRepository struct {
	store *Store
}

func (r orderRepository) Insert(ctx context.Context, order domain.Order) error {
	var err error
	r.store.locked(ctx, func() {
		if _, exists := r.store.orders[order.ID]; exists {
			err = conflict("orders.insert", "order "+order.ID+" already exists")
			return
		}
		r.store.orders[order.ID] = order.Clone()
	})
	return err
}

func (r orderRepository) Update(ctx context.Context, order domain.Order) error {
	var err error
	r.store.locked(ctx, func() {
		if _, exists := r.store.orders[order.ID]; !exists {
			err = notFound("orders.update", "order "+order.ID+" not found")
			return
		}
		r.store.orders[order.ID] = order.Clone()
	})
	return err
}

func (r orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	var (
		order domain.Order
		err   error
	)
	r.store.locked(ctx, func() {
		stored, ok := r.store.orders[orderID]
		if !ok {
			err = notFound("orders.find", "order "+orderID+" not found")
			return
		}
		order = stored.Clone()
	})
	return order, err
}

func (r orderRepository) List(ctx context.Context, filter repositories.OrderListFilter) ([]domain.Order, error) {
	var out []domain.Order
	r.store.locked(ctx, func() {
		for _, order := range r.store.orders {
			if matchesOrderFilter(order, filter) {
				out = append(out, order.Clone())
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesOrderFilter(order domain.Order, filter repositories.OrderListFilter) bool {
	if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, order.Status) {
		return false
	}
	if filter.DriverID != "" && order.AssignedDriver() != filter.DriverID {
		return false
	}
	if (filter.DeliveryDates != domain.DateRange{}) && !filter.DeliveryDates.Contains(order.DeliveryDate) {
		return false
	}
	if !filter.CreatedFrom.IsZero() && order.CreatedAt.Before(filter.CreatedFrom) {
		return false
	}
	if !filter.CreatedTo.IsZero() && !order.CreatedAt.Before(filter.CreatedTo) {
		return false
	}
	return true
}
