package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/xuri/excelize/v2"

	pstorage "github.com/MartinMaseko/locals.za-sub000/internal/platform/storage"
	"github.com/MartinMaseko/locals.za-sub000/internal/repositories"
)

const (
	xlsxContentType       = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	reportDownloadTTL     = 15 * time.Minute
	cashoutsSheet         = "Cashouts"
	accrualsSheet         = "Accruals"
	reportTimestampLayout = "2006-01-02 15:04"
)

// ReportStore persists rendered reports and signs download links for them.
type ReportStore interface {
	Upload(ctx context.Context, objectPath, contentType string, data []byte) error
	DownloadURL(ctx context.Context, objectPath string, ttl time.Duration) (string, time.Time, error)
}

// ReportServiceDeps bundles collaborators for settlement exports.
type ReportServiceDeps struct {
	Ledger repositories.LedgerRepository
	// Store is optional; without it the workbook bytes are returned to the caller.
	Store       ReportStore
	Currency    string
	Clock       func() time.Time
	IDGenerator func() string
	Logger      Logger
}

type reportService struct {
	ledger   repositories.LedgerRepository
	store    ReportStore
	currency string
	clock    func() time.Time
	newID    func() string
	logger   Logger
}

var _ ReportService = (*reportService)(nil)

// NewReportService constructs the settlement report exporter.
func NewReportService(deps ReportServiceDeps) (ReportService, error) {
	if deps.Ledger == nil {
		return nil, errors.New("report service: ledger repository is required")
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "ZAR"
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &reportService{
		ledger:   deps.Ledger,
		store:    deps.Store,
		currency: currency,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *reportService) ExportSettlements(ctx context.Context, cmd SettlementReportCommand) (SettlementReport, error) {
	driverID := strings.TrimSpace(cmd.DriverID)
	if !cmd.Actor.IsOperator() && (driverID == "" || driverID != cmd.Actor.ID) {
		return SettlementReport{}, fmt.Errorf("%w: drivers may only export their own settlements", ErrPermissionDenied)
	}
	if !cmd.From.IsZero() && !cmd.To.IsZero() && cmd.From.After(cmd.To) {
		return SettlementReport{}, fmt.Errorf("%w: report range starts after it ends", ErrValidation)
	}

	cashouts, err := s.ledger.ListCashouts(ctx, repositories.CashoutListFilter{
		DriverID:    driverID,
		CreatedFrom: cmd.From,
		CreatedTo:   cmd.To,
	})
	if err != nil {
		return SettlementReport{}, mapRepositoryError("ledger.cashouts.list", err)
	}
	accruals, err := s.ledger.ListAccruals(ctx, repositories.AccrualListFilter{DriverID: driverID})
	if err != nil {
		return SettlementReport{}, mapRepositoryError("ledger.accruals.list", err)
	}
	accruals = accrualsWithin(accruals, cmd.From, cmd.To)

	data, err := s.renderWorkbook(cashouts, accruals)
	if err != nil {
		return SettlementReport{}, err
	}

	now := s.clock()
	reportID := s.newID()
	report := SettlementReport{
		FileName:    fmt.Sprintf("settlements-%s.xlsx", now.Format("20060102-150405")),
		ContentType: xlsxContentType,
	}
	if s.store == nil {
		report.Data = data
		return report, nil
	}

	objectPath, err := pstorage.BuildObjectPath(pstorage.PurposeSettlementReport, pstorage.PathParams{
		ReportID:    reportID,
		GeneratedAt: now,
	})
	if err != nil {
		return SettlementReport{}, fmt.Errorf("report service: %w", err)
	}
	if err := s.store.Upload(ctx, objectPath, xlsxContentType, data); err != nil {
		return SettlementReport{}, fmt.Errorf("%w: upload report: %v", ErrStorageUnavailable, err)
	}
	report.ObjectPath = objectPath

	url, expiresAt, err := s.store.DownloadURL(ctx, objectPath, reportDownloadTTL)
	switch {
	case errors.Is(err, pstorage.ErrNoSigner):
	case err != nil:
		s.logger(ctx, "report.sign.failed", map[string]any{"object": objectPath, "error": err.Error()})
	default:
		report.DownloadURL = url
		report.ExpiresAt = &expiresAt
	}

	s.logger(ctx, "report.settlements.exported", map[string]any{
		"object":   objectPath,
		"cashouts": len(cashouts),
		"accruals": len(accruals),
		"actor":    cmd.Actor.ID,
	})
	return report, nil
}

func (s *reportService) renderWorkbook(cashouts []CashoutRequest, accruals []SettlementAccrual) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", cashoutsSheet); err != nil {
		return nil, fmt.Errorf("report service: rename default sheet: %w", err)
	}
	if _, err := f.NewSheet(accrualsSheet); err != nil {
		return nil, fmt.Errorf("report service: create sheet: %w", err)
	}

	cashoutRows := make([][]any, 0, len(cashouts))
	for _, cashout := range cashouts {
		paid := ""
		if cashout.PaidAt != nil {
			paid = cashout.PaidAt.UTC().Format(reportTimestampLayout)
		}
		cashoutRows = append(cashoutRows, []any{
			cashout.ID,
			cashout.DriverID,
			len(cashout.OrderIDs),
			strings.Join(cashout.OrderIDs, ", "),
			cashout.Amount.Decimal().InexactFloat64(),
			cashout.Amount.Format(s.currency),
			string(cashout.Status),
			cashout.CreatedAt.UTC().Format(reportTimestampLayout),
			paid,
		})
	}
	if err := writeSheet(f, cashoutsSheet,
		[]string{"Cashout", "Driver", "Orders", "Order IDs", "Amount", "Amount (display)", "Status", "Requested", "Paid"},
		cashoutRows); err != nil {
		return nil, err
	}

	accrualRows := make([][]any, 0, len(accruals))
	for _, accrual := range accruals {
		accrualRows = append(accrualRows, []any{
			accrual.OrderID,
			accrual.DriverID,
			accrual.Amount.Decimal().InexactFloat64(),
			accrual.AccruedAt.UTC().Format(reportTimestampLayout),
			accrual.CashoutID,
		})
	}
	if err := writeSheet(f, accrualsSheet,
		[]string{"Order", "Driver", "Amount", "Accrued", "Cashout"},
		accrualRows); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("report service: write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSheet(f *excelize.File, sheet string, headers []string, rows [][]any) error {
	for i, header := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return fmt.Errorf("report service: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, header); err != nil {
			return fmt.Errorf("report service: write header: %w", err)
		}
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("report service: %w", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("report service: write row: %w", err)
		}
	}
	return nil
}

func accrualsWithin(accruals []SettlementAccrual, from, to time.Time) []SettlementAccrual {
	if from.IsZero() && to.IsZero() {
		return accruals
	}
	out := make([]SettlementAccrual, 0, len(accruals))
	for _, accrual := range accruals {
		if !from.IsZero() && accrual.AccruedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !accrual.AccruedAt.Before(to) {
			continue
		}
		out = append(out, accrual)
	}
	return out
}
