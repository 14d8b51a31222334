package postgres

import (
	"context"
	"fmt"
	"strings"

	domain "github.com/MartinMaseko/locals.za-sub000/internal/domain"
)

const discountColumns = `date, product_id, list_unit_price, paid_unit_price, aggregated_quantity, total_discount,
	customer_share, business_share, committed_by, committed_at`

type discountRepository struct {
	store *Store
}

func (r discountRepository) Insert(ctx context.Context, d domain.ProcurementDiscount) error {
	_, err := r.store.q(ctx).ExecContext(ctx,
		`INSERT INTO procurement_discounts (`+discountColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		d.Date, d.ProductID, d.ListUnitPrice.Cents(), d.PaidUnitPrice.Cents(), d.AggregatedQuantity,
		d.TotalDiscount.Cents(), d.CustomerShare.Cents(), d.BusinessShare.Cents(), d.CommittedBy, d.CommittedAt.UTC())
	return wrapError("discounts.insert", err)
}

func (r discountRepository) Find(ctx context.Context, date, productID string) (domain.ProcurementDiscount, error) {
	row := r.store.q(ctx).QueryRowContext(ctx,
		`SELECT `+discountColumns+` FROM procurement_discounts WHERE date=$1 AND product_id=$2`, date, productID)
	discount, err := scanDiscount(row)
	if err != nil {
		return domain.ProcurementDiscount{}, wrapError("discounts.find", err)
	}
	return discount, nil
}

func (r discountRepository) List(ctx context.Context, dates domain.DateRange) ([]domain.ProcurementDiscount, error) {
	var (
		conds []string
		args  []any
	)
	if dates.From != "" {
		args = append(args, dates.From)
		conds = append(conds, fmt.Sprintf("date >= $%d", len(args)))
	}
	if dates.To != "" {
		args = append(args, dates.To)
		conds = append(conds, fmt.Sprintf("date <= $%d", len(args)))
	}
	query := `SELECT ` + discountColumns + ` FROM procurement_discounts`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY date, product_id"

	rows, err := r.store.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapError("discounts.list", err)
	}
	defer rows.Close()
	var out []domain.ProcurementDiscount
	for rows.Next() {
		discount, err := scanDiscount(rows)
		if err != nil {
			return nil, wrapError("discounts.list", err)
		}
		out = append(out, discount)
	}
	return out, wrapError("discounts.list", rows.Err())
}

func scanDiscount(row rowScanner) (domain.ProcurementDiscount, error) {
	var (
		d                                     domain.ProcurementDiscount
		list, paid, total, customer, business int64
	)
	if err := row.Scan(&d.Date, &d.ProductID, &list, &paid, &d.AggregatedQuantity, &total,
		&customer, &business, &d.CommittedBy, &d.CommittedAt); err != nil {
		return domain.ProcurementDiscount{}, err
	}
	d.ListUnitPrice = domain.Money(list)
	d.PaidUnitPrice = domain.Money(paid)
	d.TotalDiscount = domain.Money(total)
	d.CustomerShare = domain.Money(customer)
	d.BusinessShare = domain.Money(business)
	d.CommittedAt = d.CommittedAt.UTC()
	return d, nil
}
