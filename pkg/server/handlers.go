package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/cinedex/cinedex/pkg/cachekey"
	"github.com/cinedex/cinedex/pkg/models"
	"github.com/cinedex/cinedex/pkg/tmdb"
)

var validate = validator.New()

type listingFunc func(ctx context.Context, page int, bust bool) (*models.MoviePage, error)

func (s *Server) handleListing(fetch listingFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, err := pageParam(r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		res, err := fetch(r.Context(), page, busted(r))
		if err != nil {
			s.upstreamError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleGenres(w http.ResponseWriter, r *http.Request) {
	genres, err := s.movies.Genres(r.Context())
	if err != nil {
		s.upstreamError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.GenreList{Genres: genres})
}

func (s *Server) handleGenreMovies(w http.ResponseWriter, r *http.Request) {
	page, err := pageParam(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.movies.MoviesByGenre(r.Context(), chi.URLParam(r, "name"), page, busted(r))
	if err != nil {
		s.upstreamError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleWatchProviders(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.movies.WatchProviders(r.Context(), id)
	if err != nil {
		s.upstreamError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMovie(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.movies.MovieDetails(r.Context(), id)
	if err != nil {
		s.upstreamError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSONError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}
	page, err := pageParam(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.movies.Search(r.Context(), q, page)
	if err != nil {
		s.upstreamError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAdvancedSearch(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilters(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate.Struct(f); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.movies.AdvancedSearch(r.Context(), f)
	if err != nil {
		s.upstreamError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type cacheStatsResponse struct {
	Entries   int64   `json:"entries"`
	SizeBytes int64   `json:"size_bytes"`
	SizeKB    string  `json:"size_kb"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	st := s.cache.Stats()
	writeJSON(w, http.StatusOK, cacheStatsResponse{
		Entries:   st.Entries,
		SizeBytes: st.SizeBytes,
		SizeKB:    strconv.FormatFloat(st.SizeKB(), 'f', 2, 64),
		Hits:      st.Hits,
		Misses:    st.Misses,
		HitRate:   st.HitRate(),
	})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	n := s.cache.Clear(pattern)
	zerolog.Ctx(r.Context()).Info().Str("pattern", pattern).Int("removed", n).Msg("cache cleared")
	writeJSON(w, http.StatusOK, map[string]any{"cleared": n, "pattern": pattern})
}

type policyView struct {
	Match      string  `json:"match"`
	TTL        string  `json:"ttl"`
	TTLSeconds float64 `json:"ttl_seconds"`
}

func (s *Server) handleCachePolicies(w http.ResponseWriter, r *http.Request) {
	rules := s.table.Rules()
	out := make([]policyView, len(rules))
	for i, rule := range rules {
		out[i] = policyView{Match: rule.Match, TTL: rule.TTL.String(), TTLSeconds: rule.TTL.Seconds()}
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": s.cfg.Cache.Enabled, "policies": out})
}

// upstreamError maps client errors onto HTTP statuses.
func (s *Server) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	log := zerolog.Ctx(r.Context())

	var apiErr *tmdb.APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound:
		writeJSONError(w, http.StatusNotFound, "resource not found")
	case errors.Is(err, tmdb.ErrUnavailable):
		writeJSONError(w, http.StatusServiceUnavailable, "upstream temporarily unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, http.StatusGatewayTimeout, "upstream timed out")
	default:
		log.Error().Err(err).Msg("upstream request failed")
		writeJSONError(w, http.StatusBadGateway, "upstream request failed")
	}
}

func busted(r *http.Request) bool {
	return r.URL.Query().Has(cachekey.BustParam)
}

func pageParam(r *http.Request) (int, error) {
	v := r.URL.Query().Get("page")
	if v == "" {
		return 1, nil
	}
	page, err := strconv.Atoi(v)
	if err != nil || page < 1 || page > 500 {
		return 0, fmt.Errorf("invalid page %q", v)
	}
	return page, nil
}

func idParam(r *http.Request) (int64, error) {
	v := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid movie id %q", v)
	}
	return id, nil
}

func parseFilters(r *http.Request) (tmdb.SearchFilters, error) {
	q := r.URL.Query()
	f := tmdb.SearchFilters{
		Query:    q.Get("q"),
		Country:  q.Get("country"),
		Language: q.Get("language"),
		SortBy:   q.Get("sortBy"),
	}
	for _, name := range []string{"genre", "genres", "category"} {
		if v := q.Get(name); v != "" {
			f.Genres = v
			break
		}
	}

	var err error
	floats := []struct {
		name string
		dst  *float64
	}{{"minRating", &f.MinRating}, {"maxRating", &f.MaxRating}}
	for _, p := range floats {
		if v := q.Get(p.name); v != "" {
			if *p.dst, err = strconv.ParseFloat(v, 64); err != nil {
				return f, fmt.Errorf("invalid %s %q", p.name, v)
			}
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"fromYear", &f.FromYear}, {"toYear", &f.ToYear},
		{"minRuntime", &f.MinRuntime}, {"maxRuntime", &f.MaxRuntime},
		{"page", &f.Page},
	}
	for _, p := range ints {
		if v := q.Get(p.name); v != "" {
			if *p.dst, err = strconv.Atoi(v); err != nil {
				return f, fmt.Errorf("invalid %s %q", p.name, v)
			}
		}
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"cinedex_error","code":%d}}`, message, code)
}
