package di

import (
	"context"
	"testing"

	"github.com/MartinMaseko/locals.za-sub000/internal/platform/config"
	"github.com/MartinMaseko/locals.za-sub000/internal/repositories/memory"
)

func TestNewContainerRequiresRegistry(t *testing.T) {
	if _, err := NewContainer(config.Config{}, nil, Dependencies{}); err == nil {
		t.Fatalf("expected error for nil registry")
	}
}

func TestNewContainerBuildsServices(t *testing.T) {
	cfg := config.Config{
		Settlement: config.SettlementConfig{PerDeliveryFeeCents: 2500, Currency: "ZAR"},
		Security:   config.SecurityConfig{Environment: "test"},
	}
	container, err := NewContainer(cfg, memory.NewStore(), Dependencies{})
	if err != nil {
		t.Fatalf("new container: %v", err)
	}
	svc := container.Services
	if svc.Orders == nil || svc.Settlement == nil || svc.Procurement == nil {
		t.Fatalf("expected write services to be built: %+v", svc)
	}
	if svc.Dashboard == nil || svc.Reports == nil || svc.System == nil {
		t.Fatalf("expected read services to be built: %+v", svc)
	}
	if got := svc.Settlement.PerDeliveryFee().Cents(); got != 2500 {
		t.Fatalf("expected fee 2500, got %d", got)
	}
	if err := container.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestNewContainerRejectsMissingFee(t *testing.T) {
	if _, err := NewContainer(config.Config{}, memory.NewStore(), Dependencies{}); err == nil {
		t.Fatalf("expected error when per-delivery fee is zero")
	}
}
