package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MartinMaseko/locals.za-sub000/internal/domain"
	"github.com/MartinMaseko/locals.za-sub000/internal/platform/auth"
	"github.com/MartinMaseko/locals.za-sub000/internal/platform/httpx"
	"github.com/MartinMaseko/locals.za-sub000/internal/services"
)

const (
	maxBodyBytes   = 64 * 1024
	maxWindowDays  = 3660
	defaultTopSize = 10
)

// actorFromRequest builds the service actor from the verified caller. It writes a 401 and returns
// false when the request is unauthenticated.
func actorFromRequest(w http.ResponseWriter, r *http.Request) (services.Actor, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return services.Actor{}, false
	}
	return services.Actor{ID: identity.UID, Roles: append([]string(nil), identity.Roles...)}, true
}

// allowRoles narrows an authenticated route to the given roles.
func allowRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := auth.IdentityFromContext(r.Context())
			if !ok {
				httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
				return
			}
			if !identity.HasAnyRole(roles...) {
				httpx.WriteError(r.Context(), w, httpx.NewError("insufficient_role", "identity does not have required role", http.StatusForbidden))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeServiceError maps the service error taxonomy onto HTTP statuses.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, services.ErrPermissionDenied):
		httpx.WriteError(ctx, w, httpx.NewError("permission_denied", err.Error(), http.StatusForbidden))
	case errors.Is(err, services.ErrPriceInconsistency):
		httpx.WriteError(ctx, w, httpx.NewError("price_inconsistency", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInvalidQuantity):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_quantity", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInvalidPrice):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_price", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrValidation):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", "resource not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrAlreadyTerminal):
		httpx.WriteError(ctx, w, httpx.NewError("already_terminal", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrAlreadyPaid):
		httpx.WriteError(ctx, w, httpx.NewError("already_paid", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrAlreadyRecorded):
		httpx.WriteError(ctx, w, httpx.NewError("already_recorded", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrStateConflict):
		httpx.WriteError(ctx, w, httpx.NewError("state_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrNothingToCashOut):
		httpx.WriteError(ctx, w, httpx.NewError("nothing_to_cash_out", "no unclaimed deliveries to cash out", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrStorageUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("storage_unavailable", "storage temporarily unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("timeout", "request timed out", http.StatusGatewayTimeout))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError))
	}
}

// decodeBody decodes a JSON body and writes a 400 or 413 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	err := httpx.DecodeJSON(r, maxBodyBytes, dst, allowEmpty)
	if err == nil {
		return true
	}
	if errors.Is(err, httpx.ErrBodyTooLarge) {
		httpx.WriteError(r.Context(), w, httpx.NewError("payload_too_large", "request body too large", http.StatusRequestEntityTooLarge))
		return false
	}
	httpx.WriteError(r.Context(), w, httpx.NewError("invalid_json", err.Error(), http.StatusBadRequest))
	return false
}

func badRequest(w http.ResponseWriter, r *http.Request, message string) {
	httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", message, http.StatusBadRequest))
}

func unavailable(w http.ResponseWriter, r *http.Request, name string) {
	httpx.WriteError(r.Context(), w, httpx.NewError(name+"_unavailable", name+" service unavailable", http.StatusServiceUnavailable))
}

// parseDateRange reads from/to as YYYY-MM-DD delivery dates. Either bound may be omitted.
func parseDateRange(r *http.Request) (domain.DateRange, error) {
	query := r.URL.Query()
	var out domain.DateRange
	for _, field := range []struct {
		name string
		dst  *string
	}{{"from", &out.From}, {"to", &out.To}} {
		raw := strings.TrimSpace(query.Get(field.name))
		if raw == "" {
			continue
		}
		if _, err := time.Parse(domain.DateLayout, raw); err != nil {
			return domain.DateRange{}, errors.New(field.name + " must be a YYYY-MM-DD date")
		}
		*field.dst = raw
	}
	if out.From != "" && out.To != "" && out.To < out.From {
		return domain.DateRange{}, errors.New("to must not be before from")
	}
	return out, nil
}

// parseWindow reads days; absent or 0 means all time.
func parseWindow(r *http.Request) (domain.Window, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("days"))
	if raw == "" {
		return domain.AllTime, nil
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days < 0 || days > maxWindowDays {
		return domain.Window{}, errors.New("days must be an integer between 0 and 3660")
	}
	return domain.LastDays(days), nil
}

func parseTop(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("top"))
	if raw == "" {
		return defaultTopSize, nil
	}
	top, err := strconv.Atoi(raw)
	if err != nil || top < 0 || top > 100 {
		return 0, errors.New("top must be an integer between 0 and 100")
	}
	return top, nil
}

func parseRFC3339(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse(domain.DateLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}

func formatTimePtr(ts *time.Time) *string {
	if ts == nil || ts.IsZero() {
		return nil
	}
	s := formatTime(*ts)
	return &s
}

// splitValues accepts repeated and comma separated query values.
func splitValues(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
