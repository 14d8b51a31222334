package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MartinMaseko/locals.za-sub000/internal/platform/config"
	"github.com/MartinMaseko/locals.za-sub000/internal/repositories"
	"github.com/MartinMaseko/locals.za-sub000/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders      services.OrderService
	Settlement  services.SettlementService
	Procurement services.ProcurementService
	Dashboard   services.DashboardService
	Reports     services.ReportService
	System      services.SystemService
}

// Dependencies carries the optional infrastructure shared by services. Zero values disable the
// corresponding feature.
type Dependencies struct {
	Events      services.EventPublisher
	ReportStore services.ReportStore
	Logger      services.Logger
	Meter       metric.Meter
	Build       services.BuildInfo
	Clock       func() time.Time
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Tests can supply the in-memory registry.
func NewContainer(cfg config.Config, reg repositories.Registry, deps Dependencies) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(reg, cfg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(reg repositories.Registry, cfg config.Config, deps Dependencies) (Services, error) {
	var svc Services

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	settlementSvc, err := services.NewSettlementService(services.SettlementServiceDeps{
		Ledger:         reg.Ledger(),
		Orders:         reg.Orders(),
		UnitOfWork:     reg,
		PerDeliveryFee: services.Money(cfg.Settlement.PerDeliveryFeeCents),
		Clock:          clock,
		Events:         deps.Events,
		Logger:         deps.Logger,
		Meter:          deps.Meter,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build settlement service: %w", err)
	}
	svc.Settlement = settlementSvc

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     reg.Orders(),
		Settlement: settlementSvc,
		UnitOfWork: reg,
		Clock:      clock,
		Events:     deps.Events,
		Logger:     deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	procurementSvc, err := services.NewProcurementService(services.ProcurementServiceDeps{
		Orders:     reg.Orders(),
		Discounts:  reg.Discounts(),
		UnitOfWork: reg,
		Clock:      clock,
		Events:     deps.Events,
		Logger:     deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build procurement service: %w", err)
	}
	svc.Procurement = procurementSvc

	dashboardSvc, err := services.NewDashboardService(services.DashboardServiceDeps{
		Orders:     reg.Orders(),
		Clock:      clock,
		DataCutoff: cfg.Dashboard.DataCutoff,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build dashboard service: %w", err)
	}
	svc.Dashboard = dashboardSvc

	reportSvc, err := services.NewReportService(services.ReportServiceDeps{
		Ledger:   reg.Ledger(),
		Store:    deps.ReportStore,
		Currency: cfg.Settlement.Currency,
		Clock:    clock,
		Logger:   deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build report service: %w", err)
	}
	svc.Reports = reportSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		build := deps.Build
		if build.Environment == "" {
			build.Environment = cfg.Security.Environment
		}
		if build.StartedAt.IsZero() {
			build.StartedAt = clock().UTC()
		}
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            clock,
			Build:            build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
