package firestore

import (
	"context"
	"sort"

	"cloud.google.com/go/firestore"

	domain "github.com/MartinMaseko/locals.za-sub000/internal/domain"
	pfirestore "github.com/MartinMaseko/locals.za-sub000/internal/platform/firestore"
	"github.com/MartinMaseko/locals.za-sub000/internal/repositories"
)

// DiscountRepository stores write-once procurement discounts keyed by "<date>_<productId>".
type DiscountRepository struct {
	discounts *pfirestore.Collection[domain.ProcurementDiscount]
}

var _ repositories.DiscountRepository = (*DiscountRepository)(nil)

// NewDiscountRepository binds the procurement discount collection.
func NewDiscountRepository(provider *pfirestore.Provider) *DiscountRepository {
	return &DiscountRepository{
		discounts: pfirestore.NewCollection[domain.ProcurementDiscount](provider, discountsCollection, func(snap *firestore.DocumentSnapshot) (domain.ProcurementDiscount, error) {
			var doc discountDocument
			if err := snap.DataTo(&doc); err != nil {
				return domain.ProcurementDiscount{}, err
			}
			return doc.toDomain(), nil
		}),
	}
}

func discountID(date, productID string) string {
	return date + "_" + productID
}

func (r *DiscountRepository) Insert(ctx context.Context, discount domain.ProcurementDiscount) error {
	return r.discounts.Create(ctx, discountID(discount.Date, discount.ProductID), newDiscountDocument(discount))
}

func (r *DiscountRepository) Find(ctx context.Context, date, productID string) (domain.ProcurementDiscount, error) {
	return r.discounts.Get(ctx, discountID(date, productID))
}

func (r *DiscountRepository) List(ctx context.Context, dates domain.DateRange) ([]domain.ProcurementDiscount, error) {
	discounts, err := r.discounts.Query(ctx, func(q firestore.Query) firestore.Query {
		if dates.From != "" {
			q = q.Where("date", ">=", dates.From)
		}
		if dates.To != "" {
			q = q.Where("date", "<=", dates.To)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(discounts, func(i, j int) bool {
		if discounts[i].Date == discounts[j].Date {
			return discounts[i].ProductID < discounts[j].ProductID
		}
		return discounts[i].Date < discounts[j].Date
	})
	return discounts, nil
}
