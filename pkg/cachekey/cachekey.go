// Package cachekey derives cache keys from request paths and query parameters.
package cachekey

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// BustParam is the query parameter callers vary to force a fresh upstream fetch.
const BustParam = "_"

// Generate returns the canonical key for path and params: parameter names are
// sorted, joined as name=value with '&', and appended after '?' when present.
// Multi-valued parameters keep their received order and are joined with ','.
// Values are used verbatim.
func Generate(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(path)
	for i, name := range names {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strings.Join(params[name], ","))
	}
	return b.String()
}

// FromRequest returns the key for an inbound request.
func FromRequest(r *http.Request) string {
	return Generate(r.URL.Path, r.URL.Query())
}
