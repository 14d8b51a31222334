package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	domain "github.com/MartinMaseko/locals.za-sub000/internal/domain"
	"github.com/MartinMaseko/locals.za-sub000/internal/repositories"
)

// DashboardServiceDeps bundles collaborators for the dashboard read model.
type DashboardServiceDeps struct {
	Orders repositories.OrderRepository
	Clock  func() time.Time
	// DataCutoff excludes orders created before it from revenue. Zero keeps every order.
	DataCutoff time.Time
}

type dashboardService struct {
	orders repositories.OrderRepository
	clock  func() time.Time
	cutoff time.Time
}

var _ DashboardService = (*dashboardService)(nil)

// NewDashboardService constructs the read-only dashboard projections.
func NewDashboardService(deps DashboardServiceDeps) (DashboardService, error) {
	if deps.Orders == nil {
		return nil, errors.New("dashboard service: order repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &dashboardService{
		orders: deps.Orders,
		clock: func() time.Time {
			return clock().UTC()
		},
		cutoff: deps.DataCutoff.UTC(),
	}, nil
}

// countsTowardRevenue excludes cancelled orders and test data created before the cutoff.
func countsTowardRevenue(order Order, cutoff time.Time) bool {
	if order.Status == domain.OrderStatusCancelled {
		return false
	}
	return !order.CreatedAt.Before(cutoff)
}

// driverProgressed selects orders a driver has taken past assignment.
func driverProgressed(status OrderStatus) bool {
	switch status {
	case domain.OrderStatusProcessing, domain.OrderStatusInTransit, domain.OrderStatusCompleted:
		return true
	}
	return false
}

func (s *dashboardService) Overview(ctx context.Context, window Window, topK int) (DashboardOverview, error) {
	if window.Days < 0 {
		return DashboardOverview{}, fmt.Errorf("%w: window days must not be negative", ErrValidation)
	}
	if topK < 0 {
		return DashboardOverview{}, fmt.Errorf("%w: top must not be negative", ErrValidation)
	}

	now := s.clock()
	since := window.Since(now)
	orders, err := s.orders.List(ctx, repositories.OrderListFilter{CreatedFrom: since})
	if err != nil {
		return DashboardOverview{}, mapRepositoryError("orders.list", err)
	}

	overview := DashboardOverview{
		Window:       window,
		Since:        since,
		StatusCounts: map[OrderStatus]int{},
		GeneratedAt:  now,
	}
	quantities := map[string]*ProductQuantity{}
	for _, order := range orders {
		overview.StatusCounts[order.Status]++
		if !countsTowardRevenue(order, s.cutoff) {
			continue
		}
		overview.OrderCount++
		overview.ServiceFees += order.ServiceFee
		overview.Subtotals += order.Subtotal
		for _, line := range order.Items {
			entry, ok := quantities[line.ProductID]
			if !ok {
				entry = &ProductQuantity{ProductID: line.ProductID, Name: line.Name}
				quantities[line.ProductID] = entry
			}
			entry.Quantity += line.Quantity
		}
	}
	overview.Revenue = overview.ServiceFees + overview.Subtotals
	overview.TopProducts = topProducts(quantities, topK)
	return overview, nil
}

func (s *dashboardService) DriverProgress(ctx context.Context, driverID string, window Window) (DriverProgress, error) {
	driverID = strings.TrimSpace(driverID)
	if driverID == "" {
		return DriverProgress{}, fmt.Errorf("%w: driver id is required", ErrValidation)
	}
	if window.Days < 0 {
		return DriverProgress{}, fmt.Errorf("%w: window days must not be negative", ErrValidation)
	}

	orders, err := s.orders.List(ctx, repositories.OrderListFilter{
		DriverID:    driverID,
		CreatedFrom: window.Since(s.clock()),
	})
	if err != nil {
		return DriverProgress{}, mapRepositoryError("orders.list", err)
	}

	progress := DriverProgress{DriverID: driverID, Window: window}
	for _, order := range orders {
		if order.AssignedDriver() != driverID || !driverProgressed(order.Status) {
			continue
		}
		progress.Progressed++
		if order.Status == domain.OrderStatusCompleted {
			progress.Completed++
		} else {
			progress.InFlight++
		}
	}
	return progress, nil
}

func topProducts(quantities map[string]*ProductQuantity, k int) []ProductQuantity {
	ranked := make([]ProductQuantity, 0, len(quantities))
	for _, entry := range quantities {
		ranked = append(ranked, *entry)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Quantity != ranked[j].Quantity {
			return ranked[i].Quantity > ranked[j].Quantity
		}
		return ranked[i].ProductID < ranked[j].ProductID
	})
	if k < len(ranked) {
		ranked = ranked[:k]
	}
	return ranked
}
