package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MartinMaseko/locals.za-sub000/internal/platform/auth"
	"github.com/MartinMaseko/locals.za-sub000/internal/platform/httpx"
	"github.com/MartinMaseko/locals.za-sub000/internal/services"
)

// ReportHandlers exposes settlement exports.
type ReportHandlers struct {
	authn   *auth.Authenticator
	reports services.ReportService
}

// NewReportHandlers constructs ReportHandlers.
func NewReportHandlers(authn *auth.Authenticator, reports services.ReportService) *ReportHandlers {
	return &ReportHandlers{authn: authn, reports: reports}
}

// Routes registers the /reports endpoints.
func (h *ReportHandlers) Routes(r chi.Router) {
	if h.authn != nil {
		r.Use(h.authn.RequireRoles())
	}
	r.Post("/settlements", h.exportSettlements)
}

type settlementReportRequest struct {
	DriverID string `json:"driver_id"`
	From     string `json:"from"`
	To       string `json:"to"`
}

type settlementReportPayload struct {
	FileName    string  `json:"file_name"`
	ContentType string  `json:"content_type"`
	ObjectPath  string  `json:"object_path"`
	DownloadURL string  `json:"download_url,omitempty"`
	ExpiresAt   *string `json:"expires_at,omitempty"`
}

func (h *ReportHandlers) exportSettlements(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		unavailable(w, r, "report")
		return
	}
	actor, ok := actorFromRequest(w, r)
	if !ok {
		return
	}
	var req settlementReportRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	cmd := services.SettlementReportCommand{DriverID: strings.TrimSpace(req.DriverID), Actor: actor}
	var err error
	if strings.TrimSpace(req.From) != "" {
		if cmd.From, err = parseRFC3339(req.From); err != nil {
			badRequest(w, r, "from must be an RFC3339 timestamp or YYYY-MM-DD date")
			return
		}
	}
	if strings.TrimSpace(req.To) != "" {
		if cmd.To, err = parseRFC3339(req.To); err != nil {
			badRequest(w, r, "to must be an RFC3339 timestamp or YYYY-MM-DD date")
			return
		}
		// A bare date includes the whole day.
		if len(strings.TrimSpace(req.To)) == len("2006-01-02") {
			cmd.To = cmd.To.Add(24*time.Hour - time.Nanosecond)
		}
	}

	report, err := h.reports.ExportSettlements(r.Context(), cmd)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}

	if report.ObjectPath == "" {
		w.Header().Set("Content-Type", report.ContentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.FileName))
		w.Header().Set("Content-Length", strconv.Itoa(len(report.Data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(report.Data)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, settlementReportPayload{
		FileName:    report.FileName,
		ContentType: report.ContentType,
		ObjectPath:  report.ObjectPath,
		DownloadURL: report.DownloadURL,
		ExpiresAt:   formatTimePtr(report.ExpiresAt),
	})
}
