package memory

import (
	"context"
	"sort"

	domain "github.com/MartinMaseko/locals.za-sub000/internal/domain"
)

type discountRepository struct {
	store *Store
}

func discountKey(date, productID string) string {
	return date + "_" + productID
}

func (r discountRepository) Insert(ctx context.Context, discount domain.ProcurementDiscount) error {
	var err error
	key := discountKey(discount.Date, discount.ProductID)
	r.store.locked(ctx, func() {
		if _, exists := r.store.discounts[key]; exists {
			err = conflict("discounts.insert", "discount "+key+" already recorded")
			return
		}
		r.store.discounts[key] = discount
	})
	return err
}

func (r discountRepository) Find(ctx context.Context, date, productID string) (domain.ProcurementDiscount, error) {
	var (
		discount domain.ProcurementDiscount
		err      error
	)
	key := discountKey(date, productID)
	r.store.locked(ctx, func() {
		stored, ok := r.store.discounts[key]
		if !ok {
			err = notFound("discounts.find", "discount "+key+" not found")
			return
		}
		discount = stored
	})
	return discount, err
}

func (r discountRepository) List(ctx context.Context, dates domain.DateRange) ([]domain.ProcurementDiscount, error) {
	var out []domain.ProcurementDiscount
	r.store.locked(ctx, func() {
		for _, discount := range r.store.discounts {
			if dates.Contains(discount.Date) {
				out = append(out, discount)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date == out[j].Date {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].Date < out[j].Date
	})
	return out, nil
}
