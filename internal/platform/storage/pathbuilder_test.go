package storage

import (
	"testing"
	"time"
)

func TestBuildSettlementReportPath(t *testing.T) {
	path, err := BuildObjectPath(PurposeSettlementReport, PathParams{
		ReportID:    "01HZX4Q5J8W3",
		GeneratedAt: time.Date(2025, 3, 9, 23, 30, 0, 0, time.FixedZone("SAST", 2*60*60)),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "reports/settlements/2025/03/01HZX4Q5J8W3.xlsx"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildSettlementReportPathHonoursExtension(t *testing.T) {
	path, err := BuildObjectPath(PurposeSettlementReport, PathParams{
		ReportID:    "r1",
		GeneratedAt: time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC),
		Extension:   ".csv",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "reports/settlements/2025/11/r1.csv" {
		t.Fatalf("unexpected path %s", path)
	}
}

func TestBuildObjectPathRejectsInvalidSegment(t *testing.T) {
	_, err := BuildObjectPath(PurposeSettlementReport, PathParams{
		ReportID:    "../bad",
		GeneratedAt: time.Now(),
	})
	if err == nil {
		t.Fatalf("expected error for invalid segment")
	}
}

func TestBuildObjectPathUnknownPurpose(t *testing.T) {
	if _, err := BuildObjectPath(ObjectPurpose("avatar"), PathParams{}); err == nil {
		t.Fatalf("expected error for unknown purpose")
	}
}
