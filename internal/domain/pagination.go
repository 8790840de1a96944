package domain

import (
	"encoding/base64"
	"strconv"
	"strings"
)

// Page sizes of history listings.
const (
	DefaultMaxResults = 50
	MaxMaxResults     = 500
)

// pageTokenPrefix marks an offset token, so arbitrary base64 is rejected.
const pageTokenPrefix = "offset:"

// PageRequest selects one page of a history listing. PageToken is opaque to
// clients: it is whatever NextPageToken returned for the previous page.
type PageRequest struct {
	MaxResults int
	PageToken  string
}

// ParsePageRequest reads the max_results and page_token parameters of a
// list request. Malformed values are user errors.
func ParsePageRequest(maxResults, pageToken string) (PageRequest, error) {
	p := PageRequest{PageToken: strings.TrimSpace(pageToken)}
	if v := strings.TrimSpace(maxResults); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return PageRequest{}, ErrUser("max_results must be a positive integer, got %q", maxResults)
		}
		p.MaxResults = n
	}
	if _, ok := decodePageToken(p.PageToken); !ok {
		return PageRequest{}, ErrUser("invalid page_token")
	}
	return p, nil
}

// Offset is the row offset of the page. Invalid tokens start from the top.
func (p PageRequest) Offset() int {
	offset, _ := decodePageToken(p.PageToken)
	return offset
}

// Limit returns the page size, clamped to [1, MaxMaxResults].
func (p PageRequest) Limit() int {
	switch {
	case p.MaxResults <= 0:
		return DefaultMaxResults
	case p.MaxResults > MaxMaxResults:
		return MaxMaxResults
	}
	return p.MaxResults
}

// NextPageToken returns the token of the page after [offset, offset+limit),
// or "" when total rows fit.
func NextPageToken(offset, limit int, total int64) string {
	next := offset + limit
	if next <= 0 || int64(next) >= total {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(pageTokenPrefix + strconv.Itoa(next)))
}

func decodePageToken(token string) (int, bool) {
	if token == "" {
		return 0, true
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || !strings.HasPrefix(string(raw), pageTokenPrefix) {
		return 0, false
	}
	offset, err := strconv.Atoi(strings.TrimPrefix(string(raw), pageTokenPrefix))
	if err != nil || offset < 0 {
		return 0, false
	}
	return offset, true
}
