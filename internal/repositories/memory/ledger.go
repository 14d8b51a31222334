package memory

import (
	"context"
	"sort"

	domain "github.com/MartinMaseko/locals.za-sub000/internal/domain"
	"github.com/MartinMaseko/locals.za-sub000/internal/repositories"
)

type ledgerRepository struct {
	store *Store
}

func (r ledgerRepository) InsertAccrual(ctx context.Context, accrual domain.SettlementAccrual) error {
	var err error
	r.store.locked(ctx, func() {
		if _, exists := r.store.accruals[accrual.OrderID]; exists {
			err = conflict("ledger.accruals.insert", "order "+accrual.OrderID+" already accrued")
			return
		}
		r.store.accruals[accrual.OrderID] = accrual
	})
	return err
}

func (r ledgerRepository) FindAccrual(ctx context.Context, orderID string) (domain.SettlementAccrual, error) {
	var (
		accrual domain.SettlementAccrual
		err     error
	)
	r.store.locked(ctx, func() {
		stored, ok := r.store.accruals[orderID]
		if !ok {
			err = notFound("ledger.accruals.find", "no accrual for order "+orderID)
			return
		}
		accrual = stored
	})
	return accrual, err
}

func (r ledgerRepository) ListAccruals(ctx context.Context, filter repositories.AccrualListFilter) ([]domain.SettlementAccrual, error) {
	var out []domain.SettlementAccrual
	r.store.locked(ctx, func() {
		for _, accrual := range r.store.accruals {
			if filter.DriverID != "" && accrual.DriverID != filter.DriverID {
				continue
			}
			if filter.UnclaimedOnly && accrual.Claimed() {
				continue
			}
			out = append(out, accrual)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (r ledgerRepository) ClaimAccruals(ctx context.Context, orderIDs []string, cashoutID string) error {
	var err error
	r.store.locked(ctx, func() {
		for _, id := range orderIDs {
			accrual, ok := r.store.accruals[id]
			if !ok {
				err = notFound("ledger.accruals.claim", "no accrual for order "+id)
				return
			}
			if accrual.Claimed() {
				err = conflict("ledger.accruals.claim", "order "+id+" already claimed by "+accrual.CashoutID)
				return
			}
		}
		for _, id := range orderIDs {
			accrual := r.store.accruals[id]
			accrual.CashoutID = cashoutID
			r.store.accruals[id] = accrual
		}
	})
	return err
}

func (r ledgerRepository) FindAccount(ctx context.Context, driverID string) (domain.DriverAccount, error) {
	var (
		account domain.DriverAccount
		err     error
	)
	r.store.locked(ctx, func() {
		stored, ok := r.store.accounts[driverID]
		if !ok {
			err = notFound("ledger.accounts.find", "no account for driver "+driverID)
			return
		}
		account = stored.Clone()
	})
	return account, err
}

func (r ledgerRepository) SaveAccount(ctx context.Context, account domain.DriverAccount) error {
	r.store.locked(ctx, func() {
		r.store.accounts[account.DriverID] = account.Clone()
	})
	return nil
}

func (r ledgerRepository) ListAccounts(ctx context.Context) ([]domain.DriverAccount, error) {
	var out []domain.DriverAccount
	r.store.locked(ctx, func() {
		for _, account := range r.store.accounts {
			out = append(out, account.Clone())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, nil
}

func (r ledgerRepository) InsertCashout(ctx context.Context, cashout domain.CashoutRequest) error {
	var err error
	r.store.locked(ctx, func() {
		if _, exists := r.store.cashouts[cashout.ID]; exists {
			err = conflict("ledger.cashouts.insert", "cashout "+cashout.ID+" already exists")
			return
		}
		r.store.cashouts[cashout.ID] = cashout.Clone()
	})
	return err
}

func (r ledgerRepository) UpdateCashout(ctx context.Context, cashout domain.CashoutRequest) error {
	var err error
	r.store.locked(ctx, func() {
		if _, exists := r.store.cashouts[cashout.ID]; !exists {
			err = notFound("ledger.cashouts.update", "cashout "+cashout.ID+" not found")
			return
		}
		r.store.cashouts[cashout.ID] = cashout.Clone()
	})
	return err
}

func (r ledgerRepository) FindCashout(ctx context.Context, cashoutID string) (domain.CashoutRequest, error) {
	var (
		cashout domain.CashoutRequest
		err     error
	)
	r.store.locked(ctx, func() {
		stored, ok := r.store.cashouts[cashoutID]
		if !ok {
			err = notFound("ledger.cashouts.find", "cashout "+cashoutID+" not found")
			return
		}
		cashout = stored.Clone()
	})
	return cashout, err
}

func (r ledgerRepository) ListCashouts(ctx context.Context, filter repositories.CashoutListFilter) ([]domain.CashoutRequest, error) {
	var out []domain.CashoutRequest
	r.store.locked(ctx, func() {
		for _, cashout := range r.store.cashouts {
			if filter.DriverID != "" && cashout.DriverID != filter.DriverID {
				continue
			}
			if filter.Status != "" && cashout.Status != filter.Status {
				continue
			}
			if !filter.CreatedFrom.IsZero() && cashout.CreatedAt.Before(filter.CreatedFrom) {
				continue
			}
			if !filter.CreatedTo.IsZero() && !cashout.CreatedAt.Before(filter.CreatedTo) {
				continue
			}
			out = append(out, cashout.Clone())
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
