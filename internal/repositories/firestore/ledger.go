package firestore

import (
	"context"
	"sort"

	"cloud.google.com/go/firestore"

	domain "github.com/MartinMaseko/locals.za-sub000/internal/domain"
	pfirestore "github.com/MartinMaseko/locals.za-sub000/internal/platform/firestore"
	"github.com/MartinMaseko/locals.za-sub000/internal/repositories"
)

// LedgerRepository stores accruals keyed by order id, accounts keyed by driver id and cashout
// requests keyed by cashout id.
type LedgerRepository struct {
	provider *pfirestore.Provider
	accruals *pfirestore.Collection[domain.SettlementAccrual]
	accounts *pfirestore.Collection[domain.DriverAccount]
	cashouts *pfirestore.Collection[domain.CashoutRequest]
}

var _ repositories.LedgerRepository = (*LedgerRepository)(nil)

// NewLedgerRepository binds the settlement collections.
func NewLedgerRepository(provider *pfirestore.Provider) *LedgerRepository {
	return &LedgerRepository{
		provider: provider,
		accruals: pfirestore.NewCollection[domain.SettlementAccrual](provider, accrualsCollection, func(snap *firestore.DocumentSnapshot) (domain.SettlementAccrual, error) {
			var doc accrualDocument
			if err := snap.DataTo(&doc); err != nil {
				return domain.SettlementAccrual{}, err
			}
			return doc.toDomain(snap.Ref.ID), nil
		}),
		accounts: pfirestore.NewCollection[domain.DriverAccount](provider, accountsCollection, func(snap *firestore.DocumentSnapshot) (domain.DriverAccount, error) {
			var doc accountDocument
			if err := snap.DataTo(&doc); err != nil {
				return domain.DriverAccount{}, err
			}
			return doc.toDomain(snap.Ref.ID), nil
		}),
		cashouts: pfirestore.NewCollection[domain.CashoutRequest](provider, cashoutsCollection, func(snap *firestore.DocumentSnapshot) (domain.CashoutRequest, error) {
			var doc cashoutDocument
			if err := snap.DataTo(&doc); err != nil {
				return domain.CashoutRequest{}, err
			}
			return doc.toDomain(snap.Ref.ID), nil
		}),
	}
}

func (r *LedgerRepository) InsertAccrual(ctx context.Context, accrual domain.SettlementAccrual) error {
	return r.accruals.Create(ctx, accrual.OrderID, newAccrualDocument(accrual))
}

func (r *LedgerRepository) FindAccrual(ctx context.Context, orderID string) (domain.SettlementAccrual, error) {
	return r.accruals.Get(ctx, orderID)
}

func (r *LedgerRepository) ListAccruals(ctx context.Context, filter repositories.AccrualListFilter) ([]domain.SettlementAccrual, error) {
	accruals, err := r.accruals.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.DriverID != "" {
			q = q.Where("driverId", "==", filter.DriverID)
		}
		if filter.UnclaimedOnly {
			q = q.Where("cashoutId", "==", "")
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(accruals, func(i, j int) bool { return accruals[i].OrderID < accruals[j].OrderID })
	return accruals, nil
}

// ClaimAccruals stamps each accrual with the cashout id. Inside a transaction the caller has
// already read the accruals (the unclaimed listing locks them), so only updates are issued and a
// missing accrual fails the commit. Outside a transaction the accruals are read and checked first.
func (r *LedgerRepository) ClaimAccruals(ctx context.Context, orderIDs []string, cashoutID string) error {
	claim := func(txCtx context.Context) error {
		for _, id := range orderIDs {
			if err := r.accruals.Update(txCtx, id, []firestore.Update{{Path: "cashoutId", Value: cashoutID}}); err != nil {
				return err
			}
		}
		return nil
	}
	if _, ok := pfirestore.TxFromContext(ctx); ok {
		return claim(ctx)
	}
	return r.provider.RunTransaction(ctx, func(txCtx context.Context, _ *firestore.Transaction) error {
		for _, id := range orderIDs {
			accrual, err := r.accruals.Get(txCtx, id)
			if err != nil {
				return err
			}
			if accrual.Claimed() {
				return repositories.NewStoreError("ledger.accruals.claim", repositories.StoreErrorConflict,
					"order "+id+" already claimed by "+accrual.CashoutID, nil)
			}
		}
		return claim(txCtx)
	})
}

func (r *LedgerRepository) FindAccount(ctx context.Context, driverID string) (domain.DriverAccount, error) {
	return r.accounts.Get(ctx, driverID)
}

func (r *LedgerRepository) SaveAccount(ctx context.Context, account domain.DriverAccount) error {
	return r.accounts.Set(ctx, account.DriverID, newAccountDocument(account))
}

func (r *LedgerRepository) ListAccounts(ctx context.Context) ([]domain.DriverAccount, error) {
	accounts, err := r.accounts.Query(ctx, nil)
	if err != nil {
		return nil, err
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].DriverID < accounts[j].DriverID })
	return accounts, nil
}

func (r *LedgerRepository) InsertCashout(ctx context.Context, cashout domain.CashoutRequest) error {
	return r.cashouts.Create(ctx, cashout.ID, newCashoutDocument(cashout))
}

func (r *LedgerRepository) UpdateCashout(ctx context.Context, cashout domain.CashoutRequest) error {
	return replaceExisting(ctx, r.provider, r.cashouts, cashout.ID, newCashoutDocument(cashout))
}

func (r *LedgerRepository) FindCashout(ctx context.Context, cashoutID string) (domain.CashoutRequest, error) {
	return r.cashouts.Get(ctx, cashoutID)
}

func (r *LedgerRepository) ListCashouts(ctx context.Context, filter repositories.CashoutListFilter) ([]domain.CashoutRequest, error) {
	cashouts, err := r.cashouts.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.DriverID != "" {
			q = q.Where("driverId", "==", filter.DriverID)
		}
		if filter.Status != "" {
			q = q.Where("status", "==", string(filter.Status))
		}
		if !filter.CreatedFrom.IsZero() {
			q = q.Where("createdAt", ">=", filter.CreatedFrom)
		}
		if !filter.CreatedTo.IsZero() {
			q = q.Where("createdAt", "<", filter.CreatedTo)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(cashouts, func(i, j int) bool {
		if cashouts[i].CreatedAt.Equal(cashouts[j].CreatedAt) {
			return cashouts[i].ID < cashouts[j].ID
		}
		return cashouts[i].CreatedAt.After(cashouts[j].CreatedAt)
	})
	return cashouts, nil
}
