package firestore

import (
	"context"
	"sort"

	"cloud.google.com/go/firestore"

	domain "github.com/MartinMaseko/locals.za-sub000/internal/domain"
	pfirestore "github.com/MartinMaseko/locals.za-sub000/internal/platform/firestore"
	"github.com/MartinMaseko/locals.za-sub000/internal/repositories"
)

// OrderRepository stores orders keyed by order id.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[domain.Order]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository binds the orders collection.
func NewOrderRepository(provider *pfirestore.Provider) *OrderRepository {
	return &OrderRepository{
		provider: provider,
		orders: pfirestore.NewCollection[domain.Order](provider, ordersCollection, func(snap *firestore.DocumentSnapshot) (domain.Order, error) {
			var doc orderDocument
			if err := snap.DataTo(&doc); err != nil {
				return domain.Order{}, err
			}
			return doc.toDomain(snap.Ref.ID), nil
		}),
	}
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	return r.orders.Create(ctx, order.ID, newOrderDocument(order))
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	return replaceExisting(ctx, r.provider, r.orders, order.ID, newOrderDocument(order))
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.orders.Get(ctx, orderID)
}

// List pushes filters to Firestore and sorts by creation time locally, so only single-field
// indexes plus the status/driver composites are required.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) ([]domain.Order, error) {
	orders, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		if len(filter.Statuses) > 0 {
			statuses := make([]string, 0, len(filter.Statuses))
			for _, status := range filter.Statuses {
				statuses = append(statuses, string(status))
			}
			q = q.Where("status", "in", statuses)
		}
		if filter.DriverID != "" {
			q = q.Where("driverId", "==", filter.DriverID)
		}
		if filter.DeliveryDates.From != "" {
			q = q.Where("deliveryDate", ">=", filter.DeliveryDates.From)
		}
		if filter.DeliveryDates.To != "" {
			q = q.Where("deliveryDate", "<=", filter.DeliveryDates.To)
		}
		return q
	})
	if err != nil {
		return nil, err
	}

	out := orders[:0]
	for _, order := range orders {
		if !filter.CreatedFrom.IsZero() && order.CreatedAt.Before(filter.CreatedFrom) {
			continue
		}
		if !filter.CreatedTo.IsZero() && !order.CreatedAt.Before(filter.CreatedTo) {
			continue
		}
		out = append(out, order)
	}
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
