package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	domain "github.com/MartinMaseko/locals.za-sub000/internal/domain"
	"github.com/MartinMaseko/locals.za-sub000/internal/repositories"
)

type ledgerRepository struct {
	store *Store
}

func (r ledgerRepository) InsertAccrual(ctx context.Context, accrual domain.SettlementAccrual) error {
	_, err := r.store.q(ctx).ExecContext(ctx,
		`INSERT INTO settlement_accruals (order_id, driver_id, amount, accrued_at, cashout_id) VALUES ($1,$2,$3,$4,$5)`,
		accrual.OrderID, accrual.DriverID, accrual.Amount.Cents(), accrual.AccruedAt.UTC(), accrual.CashoutID)
	return wrapError("ledger.accruals.insert", err)
}

func (r ledgerRepository) FindAccrual(ctx context.Context, orderID string) (domain.SettlementAccrual, error) {
	row := r.store.q(ctx).QueryRowContext(ctx,
		`SELECT order_id, driver_id, amount, accrued_at, cashout_id FROM settlement_accruals WHERE order_id=$1`+r.store.lockClause(ctx), orderID)
	accrual, err := scanAccrual(row)
	if err != nil {
		return domain.SettlementAccrual{}, wrapError("ledger.accruals.find", err)
	}
	return accrual, nil
}

func (r ledgerRepository) ListAccruals(ctx context.Context, filter repositories.AccrualListFilter) ([]domain.SettlementAccrual, error) {
	query := `SELECT order_id, driver_id, amount, accrued_at, cashout_id FROM settlement_accruals`
	var (
		conds []string
		args  []any
	)
	if filter.DriverID != "" {
		args = append(args, filter.DriverID)
		conds = append(conds, fmt.Sprintf("driver_id = $%d", len(args)))
	}
	if filter.UnclaimedOnly {
		conds = append(conds, "cashout_id = ''")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY order_id"

	rows, err := r.store.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapError("ledger.accruals.list", err)
	}
	defer rows.Close()
	var out []domain.SettlementAccrual
	for rows.Next() {
		accrual, err := scanAccrual(rows)
		if err != nil {
			return nil, wrapError("ledger.accruals.list", err)
		}
		out = append(out, accrual)
	}
	return out, wrapError("ledger.accruals.list", rows.Err())
}

// ClaimAccruals claims every listed accrual or none: the update only touches unclaimed rows and
// the statement is rejected when fewer rows than requested were claimable.
func (r ledgerRepository) ClaimAccruals(ctx context.Context, orderIDs []string, cashoutID string) error {
	if len(orderIDs) == 0 {
		return nil
	}
	return r.store.RunInTx(ctx, func(txCtx context.Context) error {
		res, err := r.store.q(txCtx).ExecContext(txCtx,
			`UPDATE settlement_accruals SET cashout_id=$1 WHERE order_id = ANY($2) AND cashout_id = ''`,
			cashoutID, pq.Array(orderIDs))
		if err != nil {
			return wrapError("ledger.accruals.claim", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return wrapError("ledger.accruals.claim", err)
		}
		if int(affected) != len(orderIDs) {
			return repositories.NewStoreError("ledger.accruals.claim", repositories.StoreErrorConflict,
				fmt.Sprintf("claimed %d of %d accruals", affected, len(orderIDs)), nil)
		}
		return nil
	})
}

func (r ledgerRepository) FindAccount(ctx context.Context, driverID string) (domain.DriverAccount, error) {
	var (
		account                domain.DriverAccount
		accrued, pending, paid int64
		lastCashout            sql.NullTime
	)
	err := r.store.q(ctx).QueryRowContext(ctx,
		`SELECT driver_id, accrued, pending_total, paid_total, completed_deliveries, last_cashout_at, updated_at
		FROM driver_accounts WHERE driver_id=$1`+r.store.lockClause(ctx), driverID).
		Scan(&account.DriverID, &accrued, &pending, &paid, &account.CompletedDeliveries, &lastCashout, &account.UpdatedAt)
	if err != nil {
		return domain.DriverAccount{}, wrapError("ledger.accounts.find", err)
	}
	account.Accrued = domain.Money(accrued)
	account.PendingTotal = domain.Money(pending)
	account.PaidTotal = domain.Money(paid)
	account.LastCashoutAt = nullTime(lastCashout)
	account.UpdatedAt = account.UpdatedAt.UTC()
	return account, nil
}

func (r ledgerRepository) SaveAccount(ctx context.Context, account domain.DriverAccount) error {
	_, err := r.store.q(ctx).ExecContext(ctx,
		`INSERT INTO driver_accounts (driver_id, accrued, pending_total, paid_total, completed_deliveries, last_cashout_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (driver_id) DO UPDATE SET accrued=$2, pending_total=$3, paid_total=$4,
			completed_deliveries=$5, last_cashout_at=$6, updated_at=$7`,
		account.DriverID, account.Accrued.Cents(), account.PendingTotal.Cents(), account.PaidTotal.Cents(),
		account.CompletedDeliveries, account.LastCashoutAt, account.UpdatedAt.UTC())
	return wrapError("ledger.accounts.save", err)
}

func (r ledgerRepository) ListAccounts(ctx context.Context) ([]domain.DriverAccount, error) {
	rows, err := r.store.q(ctx).QueryContext(ctx,
		`SELECT driver_id, accrued, pending_total, paid_total, completed_deliveries, last_cashout_at, updated_at
		FROM driver_accounts ORDER BY driver_id`)
	if err != nil {
		return nil, wrapError("ledger.accounts.list", err)
	}
	defer rows.Close()
	var out []domain.DriverAccount
	for rows.Next() {
		var (
			account                domain.DriverAccount
			accrued, pending, paid int64
			lastCashout            sql.NullTime
		)
		if err := rows.Scan(&account.DriverID, &accrued, &pending, &paid, &account.CompletedDeliveries, &lastCashout, &account.UpdatedAt); err != nil {
			return nil, wrapError("ledger.accounts.list", err)
		}
		account.Accrued = domain.Money(accrued)
		account.PendingTotal = domain.Money(pending)
		account.PaidTotal = domain.Money(paid)
		account.LastCashoutAt = nullTime(lastCashout)
		account.UpdatedAt = account.UpdatedAt.UTC()
		out = append(out, account)
	}
	return out, wrapError("ledger.accounts.list", rows.Err())
}

const cashoutColumns = `id, driver_id, order_ids, amount, status, requested_by, paid_by, created_at, paid_at`

func (r ledgerRepository) InsertCashout(ctx context.Context, cashout domain.CashoutRequest) error {
	_, err := r.store.q(ctx).ExecContext(ctx,
		`INSERT INTO cashout_requests (`+cashoutColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		cashout.ID, cashout.DriverID, pq.Array(cashout.OrderIDs), cashout.Amount.Cents(), string(cashout.Status),
		cashout.RequestedBy, cashout.PaidBy, cashout.CreatedAt.UTC(), cashout.PaidAt)
	return wrapError("ledger.cashouts.insert", err)
}

func (r ledgerRepository) UpdateCashout(ctx context.Context, cashout domain.CashoutRequest) error {
	res, err := r.store.q(ctx).ExecContext(ctx,
		`UPDATE cashout_requests SET driver_id=$2, order_ids=$3, amount=$4, status=$5, requested_by=$6, paid_by=$7,
			created_at=$8, paid_at=$9 WHERE id=$1`,
		cashout.ID, cashout.DriverID, pq.Array(cashout.OrderIDs), cashout.Amount.Cents(), string(cashout.Status),
		cashout.RequestedBy, cashout.PaidBy, cashout.CreatedAt.UTC(), cashout.PaidAt)
	if err != nil {
		return wrapError("ledger.cashouts.update", err)
	}
	return requireRow(res, "ledger.cashouts.update", "cashout "+cashout.ID+" not found")
}

func (r ledgerRepository) FindCashout(ctx context.Context, cashoutID string) (domain.CashoutRequest, error) {
	row := r.store.q(ctx).QueryRowContext(ctx,
		`SELECT `+cashoutColumns+` FROM cashout_requests WHERE id=$1`+r.store.lockClause(ctx), cashoutID)
	cashout, err := scanCashout(row)
	if err != nil {
		return domain.CashoutRequest{}, wrapError("ledger.cashouts.find", err)
	}
	return cashout, nil
}

func (r ledgerRepository) ListCashouts(ctx context.Context, filter repositories.CashoutListFilter) ([]domain.CashoutRequest, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.DriverID != "" {
		add("driver_id = $%d", filter.DriverID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if !filter.CreatedFrom.IsZero() {
		add("created_at >= $%d", filter.CreatedFrom.UTC())
	}
	if !filter.CreatedTo.IsZero() {
		add("created_at < $%d", filter.CreatedTo.UTC())
	}
	query := `SELECT ` + cashoutColumns + ` FROM cashout_requests`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"

	rows, err := r.store.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapError("ledger.cashouts.list", err)
	}
	defer rows.Close()
	var out []domain.CashoutRequest
	for rows.Next() {
		cashout, err := scanCashout(rows)
		if err != nil {
			return nil, wrapError("ledger.cashouts.list", err)
		}
		out = append(out, cashout)
	}
	return out, wrapError("ledger.cashouts.list", rows.Err())
}

func scanAccrual(row rowScanner) (domain.SettlementAccrual, error) {
	var (
		accrual domain.SettlementAccrual
		amount  int64
	)
	if err := row.Scan(&accrual.OrderID, &accrual.DriverID, &amount, &accrual.AccruedAt, &accrual.CashoutID); err != nil {
		return domain.SettlementAccrual{}, err
	}
	accrual.Amount = domain.Money(amount)
	accrual.AccruedAt = accrual.AccruedAt.UTC()
	return accrual, nil
}

func scanCashout(row rowScanner) (domain.CashoutRequest, error) {
	var (
		cashout  domain.CashoutRequest
		orderIDs pq.StringArray
		amount   int64
		status   string
		paidAt   sql.NullTime
	)
	if err := row.Scan(&cashout.ID, &cashout.DriverID, &orderIDs, &amount, &status,
		&cashout.RequestedBy, &cashout.PaidBy, &cashout.CreatedAt, &paidAt); err != nil {
		return domain.CashoutRequest{}, err
	}
	cashout.OrderIDs = []string(orderIDs)
	cashout.Amount = domain.Money(amount)
	cashout.Status = domain.CashoutStatus(status)
	cashout.CreatedAt = cashout.CreatedAt.UTC()
	cashout.PaidAt = nullTime(paidAt)
	return cashout, nil
}
