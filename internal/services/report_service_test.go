package services

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	pstorage "github.com/MartinMaseko/locals.za-sub000/internal/platform/storage"
)

type captureReportStore struct {
	objectPath  string
	contentType string
	data        []byte
	uploadErr   error
	signErr     error
}

func (c *captureReportStore) Upload(_ context.Context, objectPath, contentType string, data []byte) error {
	c.objectPath = objectPath
	c.contentType = contentType
	c.data = append([]byte(nil), data...)
	return c.uploadErr
}

func (c *captureReportStore) DownloadURL(_ context.Context, objectPath string, ttl time.Duration) (string, time.Time, error) {
	if c.signErr != nil {
		return "", time.Time{}, c.signErr
	}
	return "https://storage.example/" + objectPath, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC).Add(ttl), nil
}

func seedSettlements(t *testing.T) *testEngine {
	t.Helper()
	e := newTestEngine(t)
	for _, id := range []string{"ord-1", "ord-2"} {
		e.createOrder(t, id, "2024-01-05", line("a", 1000, 1))
		e.deliver(t, id, "drv-1")
	}
	if _, err := e.settlement.RequestCashout(context.Background(), CashoutCommand{DriverID: "drv-1", Actor: operator}); err != nil {
		t.Fatalf("request cashout: %v", err)
	}
	e.createOrder(t, "ord-3", "2024-01-05", line("a", 1000, 1))
	e.deliver(t, "ord-3", "drv-1")
	return e
}

func TestReportServiceStreamsWorkbookWithoutStore(t *testing.T) {
	e := seedSettlements(t)
	svc, err := NewReportService(ReportServiceDeps{Ledger: e.store.Ledger(), Clock: e.clock.Now})
	if err != nil {
		t.Fatalf("new report service: %v", err)
	}

	report, err := svc.ExportSettlements(context.Background(), SettlementReportCommand{Actor: operator})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if report.ContentType != xlsxContentType || !strings.HasSuffix(report.FileName, ".xlsx") {
		t.Fatalf("unexpected report metadata %+v", report)
	}
	if report.ObjectPath != "" || report.DownloadURL != "" {
		t.Fatalf("expected streamed report, got %+v", report)
	}

	book, err := excelize.OpenReader(bytes.NewReader(report.Data))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer book.Close()

	cashouts, err := book.GetRows(cashoutsSheet)
	if err != nil {
		t.Fatalf("cashout rows: %v", err)
	}
	if len(cashouts) != 2 {
		t.Fatalf("expected header plus one cashout, got %d rows", len(cashouts))
	}
	if cashouts[1][1] != "drv-1" || cashouts[1][2] != "2" || cashouts[1][6] != "pending" {
		t.Fatalf("unexpected cashout row %v", cashouts[1])
	}
	if !strings.Contains(cashouts[1][5], "80.00") {
		t.Fatalf("expected formatted amount, got %q", cashouts[1][5])
	}

	accruals, err := book.GetRows(accrualsSheet)
	if err != nil {
		t.Fatalf("accrual rows: %v", err)
	}
	if len(accruals) != 4 {
		t.Fatalf("expected header plus three accruals, got %d rows", len(accruals))
	}
	if idx, _ := book.GetSheetIndex("Sheet1"); idx != -1 {
		t.Fatalf("default sheet should be removed")
	}
}

func TestReportServiceUploadsAndSigns(t *testing.T) {
	e := seedSettlements(t)
	store := &captureReportStore{}
	svc, err := NewReportService(ReportServiceDeps{
		Ledger:      e.store.Ledger(),
		Store:       store,
		Clock:       func() time.Time { return time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC) },
		IDGenerator: func() string { return "RPT1" },
	})
	if err != nil {
		t.Fatalf("new report service: %v", err)
	}

	report, err := svc.ExportSettlements(context.Background(), SettlementReportCommand{DriverID: "drv-1", Actor: driverActor("drv-1")})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if store.objectPath != "reports/settlements/2024/02/RPT1.xlsx" || report.ObjectPath != store.objectPath {
		t.Fatalf("unexpected object path %s", store.objectPath)
	}
	if store.contentType != xlsxContentType || len(store.data) == 0 {
		t.Fatalf("expected workbook upload, got %s (%d bytes)", store.contentType, len(store.data))
	}
	if report.DownloadURL == "" || report.ExpiresAt == nil || report.Data != nil {
		t.Fatalf("expected signed link instead of bytes, got %+v", report)
	}
}

func TestReportServiceFallsBackToObjectPathWithoutSigner(t *testing.T) {
	e := seedSettlements(t)
	store := &captureReportStore{signErr: pstorage.ErrNoSigner}
	svc, err := NewReportService(ReportServiceDeps{Ledger: e.store.Ledger(), Store: store})
	if err != nil {
		t.Fatalf("new report service: %v", err)
	}

	report, err := svc.ExportSettlements(context.Background(), SettlementReportCommand{Actor: operator})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if report.ObjectPath == "" || report.DownloadURL != "" || report.ExpiresAt != nil {
		t.Fatalf("expected object path only, got %+v", report)
	}
}

func TestReportServiceRejections(t *testing.T) {
	e := newTestEngine(t)
	store := &captureReportStore{uploadErr: errors.New("bucket missing")}
	svc, err := NewReportService(ReportServiceDeps{Ledger: e.store.Ledger(), Store: store})
	if err != nil {
		t.Fatalf("new report service: %v", err)
	}
	ctx := context.Background()

	if _, err := svc.ExportSettlements(ctx, SettlementReportCommand{DriverID: "drv-2", Actor: driverActor("drv-1")}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if _, err := svc.ExportSettlements(ctx, SettlementReportCommand{Actor: driverActor("drv-1")}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected drivers to scope exports to themselves, got %v", err)
	}
	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	if _, err := svc.ExportSettlements(ctx, SettlementReportCommand{From: from, To: from.Add(-time.Hour), Actor: operator}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected inverted range to fail, got %v", err)
	}
	if _, err := svc.ExportSettlements(ctx, SettlementReportCommand{Actor: operator}); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected upload failure to surface as storage unavailable, got %v", err)
	}
}
