// Package pagination parses page_size/page_token query parameters and slices ordered results.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize is used when the client omits page_size.
	DefaultPageSize = 50
	// DefaultMaxPageSize caps page_size.
	DefaultMaxPageSize = 200
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid page_size")
	ErrInvalidPageToken = errors.New("pagination: invalid page_token")
)

// Options control Parse.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

// Params is a parsed page request.
type Params struct {
	PageSize int
	Offset   int
}

// cursor is the opaque page token payload.
type cursor struct {
	Offset int `json:"o"`
}

// Parse reads page_size and page_token from values.
func Parse(values url.Values, opts Options) (Params, error) {
	size, err := parsePageSize(values.Get("page_size"), opts)
	if err != nil {
		return Params{}, err
	}
	params := Params{PageSize: size}
	if raw := strings.TrimSpace(values.Get("page_token")); raw != "" {
		offset, err := DecodeToken(raw)
		if err != nil {
			return Params{}, err
		}
		params.Offset = offset
	}
	return params, nil
}

func parsePageSize(raw string, opts Options) (int, error) {
	maxSize := opts.MaxPageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxPageSize
	}
	size := opts.DefaultPageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	size = min(size, maxSize)

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return size, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidPageSize)
	}
	return min(value, maxSize), nil
}

// Page returns the requested window of items and the token for the next page, empty on the last.
func Page[T any](items []T, params Params) ([]T, string) {
	if params.Offset >= len(items) {
		return []T{}, ""
	}
	end := len(items)
	if params.PageSize > 0 && params.Offset+params.PageSize < end {
		end = params.Offset + params.PageSize
	}
	next := ""
	if end < len(items) {
		next = EncodeToken(end)
	}
	return items[params.Offset:end], next
}

// EncodeToken serialises an offset into a URL-safe token.
func EncodeToken(offset int) string {
	if offset <= 0 {
		return ""
	}
	data, _ := json.Marshal(cursor{Offset: offset})
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeToken parses a token produced by EncodeToken.
func DecodeToken(token string) (int, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var c cursor
	if err := json.Unmarshal(decoded, &c); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if c.Offset < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrInvalidPageToken)
	}
	return c.Offset, nil
}
