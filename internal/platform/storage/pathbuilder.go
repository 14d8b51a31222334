package storage

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// ObjectPurpose captures high-level intent for storage layout decisions.
type ObjectPurpose string

const (
	PurposeSettlementReport ObjectPurpose = "settlement-report"
)

// PathParams provide required identifiers to compose storage object keys.
type PathParams struct {
	ReportID    string
	GeneratedAt time.Time
	Extension   string
}

// PathBuilder composes the object path for a given purpose.
type PathBuilder func(PathParams) (string, error)

var (
	pathBuilders = map[ObjectPurpose]PathBuilder{
		PurposeSettlementReport: buildSettlementReportPath,
	}
	pathBuildersMu sync.RWMutex
)

// RegisterPathBuilder overrides or registers a builder for a specific purpose.
func RegisterPathBuilder(purpose ObjectPurpose, builder PathBuilder) {
	pathBuildersMu.Lock()
	defer pathBuildersMu.Unlock()
	if builder == nil {
		delete(pathBuilders, purpose)
		return
	}
	pathBuilders[purpose] = builder
}

// BuildObjectPath resolves the storage object path for the given purpose.
func BuildObjectPath(purpose ObjectPurpose, params PathParams) (string, error) {
	pathBuildersMu.RLock()
	builder, ok := pathBuilders[purpose]
	pathBuildersMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("storage: unsupported object purpose %q", purpose)
	}
	return builder(params)
}

// buildSettlementReportPath lays reports out as reports/settlements/{yyyy}/{mm}/{id}.{ext}.
func buildSettlementReportPath(params PathParams) (string, error) {
	reportID, err := validateSegment("reportID", params.ReportID)
	if err != nil {
		return "", err
	}
	if params.GeneratedAt.IsZero() {
		return "", fmt.Errorf("storage: generatedAt is required")
	}
	ext := strings.TrimPrefix(strings.TrimSpace(params.Extension), ".")
	if ext == "" {
		ext = "xlsx"
	}
	if _, err := validateSegment("extension", ext); err != nil {
		return "", err
	}
	generated := params.GeneratedAt.UTC()
	return fmt.Sprintf("reports/settlements/%04d/%02d/%s.%s", generated.Year(), int(generated.Month()), reportID, ext), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
