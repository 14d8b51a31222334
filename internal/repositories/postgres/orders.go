package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	domain "github.com/MartinMaseko/locals.za-sub000/internal/domain"
	"github.com/MartinMaseko/locals.za-sub000/internal/repositories"
)

const orderColumns = `id, customer_id, status, delivery_date, items, subtotal, service_fee, total, missing_items,
	refund_amount, adjusted_total, refund_status, driver_id, driver_note, created_at, updated_at, completed_at, cancelled_at`

type orderRepository struct {
	store *Store
}

type lineJSON struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unitPrice"`
	Quantity  int    `json:"quantity"`
}

type missingJSON struct {
	ProductID       string `json:"productId"`
	OrderedQuantity int    `json:"orderedQuantity"`
	MissingQuantity int    `json:"missingQuantity"`
	UnitPrice       int64  `json:"unitPrice"`
	Reason          string `json:"reason"`
}

// encodeLines returns JSON text; lib/pq would send []byte as bytea, which JSONB rejects.
func encodeLines(order domain.Order) (string, string, error) {
	lines := make([]lineJSON, 0, len(order.Items))
	for _, line := range order.Items {
		lines = append(lines, lineJSON{ProductID: line.ProductID, Name: line.Name, UnitPrice: line.UnitPrice.Cents(), Quantity: line.Quantity})
	}
	records := make([]missingJSON, 0, len(order.MissingItems))
	for _, m := range order.MissingItems {
		records = append(records, missingJSON{
			ProductID:       m.ProductID,
			OrderedQuantity: m.OrderedQuantity,
			MissingQuantity: m.MissingQuantity,
			UnitPrice:       m.UnitPrice.Cents(),
			Reason:          string(m.Reason),
		})
	}
	itemsText, err := json.Marshal(lines)
	if err != nil {
		return "", "", err
	}
	missingText, err := json.Marshal(records)
	if err != nil {
		return "", "", err
	}
	return string(itemsText), string(missingText), nil
}

func (r orderRepository) Insert(ctx context.Context, order domain.Order) error {
	items, missing, err := encodeLines(order)
	if err != nil {
		return fmt.Errorf("postgres: encode order %s: %w", order.ID, err)
	}
	_, err = r.store.q(ctx).ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		order.ID, order.CustomerID, string(order.Status), order.DeliveryDate, items,
		order.Subtotal.Cents(), order.ServiceFee.Cents(), order.Total.Cents(), missing,
		order.RefundAmount.Cents(), order.AdjustedTotal.Cents(), string(order.RefundStatus),
		order.DriverID, order.DriverNote, order.CreatedAt.UTC(), order.UpdatedAt.UTC(), order.CompletedAt, order.CancelledAt)
	return wrapError("orders.insert", err)
}

func (r orderRepository) Update(ctx context.Context, order domain.Order) error {
	items, missing, err := encodeLines(order)
	if err != nil {
		return fmt.Errorf("postgres: encode order %s: %w", order.ID, err)
	}
	res, err := r.store.q(ctx).ExecContext(ctx, `UPDATE orders SET customer_id=$2, status=$3, delivery_date=$4, items=$5,
		subtotal=$6, service_fee=$7, total=$8, missing_items=$9, refund_amount=$10, adjusted_total=$11, refund_status=$12,
		driver_id=$13, driver_note=$14, created_at=$15, updated_at=$16, completed_at=$17, cancelled_at=$18
		WHERE id=$1`,
		order.ID, order.CustomerID, string(order.Status), order.DeliveryDate, items,
		order.Subtotal.Cents(), order.ServiceFee.Cents(), order.Total.Cents(), missing,
		order.RefundAmount.Cents(), order.AdjustedTotal.Cents(), string(order.RefundStatus),
		order.DriverID, order.DriverNote, order.CreatedAt.UTC(), order.UpdatedAt.UTC(), order.CompletedAt, order.CancelledAt)
	if err != nil {
		return wrapError("orders.update", err)
	}
	return requireRow(res, "orders.update", "order "+order.ID+" not found")
}

func (r orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	row := r.store.q(ctx).QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`+r.store.lockClause(ctx), orderID)
	order, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, wrapError("orders.find", err)
	}
	return order, nil
}

func (r orderRepository) List(ctx context.Context, filter repositories.OrderListFilter) ([]domain.Order, error) {
	where, args := orderFilterClause(filter)
	query := `SELECT ` + orderColumns + ` FROM orders` + where + ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := r.store.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapError("orders.list", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, wrapError("orders.list", err)
		}
		out = append(out, order)
	}
	return out, wrapError("orders.list", rows.Err())
}

func orderFilterClause(filter repositories.OrderListFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		add("status = ANY($%d)", pq.Array(statuses))
	}
	if filter.DriverID != "" {
		add("driver_id = $%d", filter.DriverID)
	}
	if filter.DeliveryDates.From != "" {
		add("delivery_date >= $%d", filter.DeliveryDates.From)
	}
	if filter.DeliveryDates.To != "" {
		add("delivery_date <= $%d", filter.DeliveryDates.To)
	}
	if !filter.CreatedFrom.IsZero() {
		add("created_at >= $%d", filter.CreatedFrom.UTC())
	}
	if !filter.CreatedTo.IsZero() {
		add("created_at < $%d", filter.CreatedTo.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order                                                    domain.Order
		status, refundStatus                                     string
		items, missing                                           []byte
		subtotal, serviceFee, total, refundAmount, adjustedTotal int64
		driverID, driverNote                                     sql.NullString
		completedAt, cancelledAt                                 sql.NullTime
	)
	err := row.Scan(&order.ID, &order.CustomerID, &status, &order.DeliveryDate, &items,
		&subtotal, &serviceFee, &total, &missing, &refundAmount, &adjustedTotal, &refundStatus,
		&driverID, &driverNote, &order.CreatedAt, &order.UpdatedAt, &completedAt, &cancelledAt)
	if err != nil {
		return domain.Order{}, err
	}

	var lines []lineJSON
	if err := json.Unmarshal(items, &lines); err != nil {
		return domain.Order{}, fmt.Errorf("decode items of %s: %w", order.ID, err)
	}
	var records []missingJSON
	if len(missing) > 0 {
		if err := json.Unmarshal(missing, &records); err != nil {
			return domain.Order{}, fmt.Errorf("decode missing items of %s: %w", order.ID, err)
		}
	}
	for _, line := range lines {
		order.Items = append(order.Items, domain.OrderLine{
			ProductID: line.ProductID, Name: line.Name, UnitPrice: domain.Money(line.UnitPrice), Quantity: line.Quantity,
		})
	}
	for _, m := range records {
		order.MissingItems = append(order.MissingItems, domain.MissingItemRecord{
			ProductID:       m.ProductID,
			OrderedQuantity: m.OrderedQuantity,
			MissingQuantity: m.MissingQuantity,
			UnitPrice:       domain.Money(m.UnitPrice),
			Reason:          domain.MissingReason(m.Reason),
		})
	}

	order.Status = domain.OrderStatus(status)
	order.RefundStatus = domain.RefundStatus(refundStatus)
	order.Subtotal = domain.Money(subtotal)
	order.ServiceFee = domain.Money(serviceFee)
	order.Total = domain.Money(total)
	order.RefundAmount = domain.Money(refundAmount)
	order.AdjustedTotal = domain.Money(adjustedTotal)
	order.DriverID = nullString(driverID)
	order.DriverNote = nullString(driverNote)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	order.CompletedAt = nullTime(completedAt)
	order.CancelledAt = nullTime(cancelledAt)
	return order, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func requireRow(res sql.Result, op, message string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapError(op, err)
	}
	if affected == 0 {
		return notFound(op, message)
	}
	return nil
}
