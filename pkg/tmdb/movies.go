package tmdb

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cinedex/cinedex/pkg/models"
)

// Trending returns this week's trending movies.
func (c *Client) Trending(ctx context.Context, page int, bust bool) (*models.MoviePage, error) {
	return c.listing(ctx, "trending", "/trending/movie/week", page, bust)
}

func (c *Client) Popular(ctx context.Context, page int, bust bool) (*models.MoviePage, error) {
	return c.listing(ctx, "popular", "/movie/popular", page, bust)
}

func (c *Client) NowPlaying(ctx context.Context, page int, bust bool) (*models.MoviePage, error) {
	return c.listing(ctx, "now_playing", "/movie/now_playing", page, bust)
}

func (c *Client) Upcoming(ctx context.Context, page int, bust bool) (*models.MoviePage, error) {
	return c.listing(ctx, "upcoming", "/movie/upcoming", page, bust)
}

func (c *Client) listing(ctx context.Context, endpoint, path string, page int, bust bool) (*models.MoviePage, error) {
	var out models.MoviePage
	if err := c.get(ctx, endpoint, path, map[string]any{"page": normPage(page)}, bust, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Genres returns the movie genre catalog.
func (c *Client) Genres(ctx context.Context) ([]models.Genre, error) {
	var out models.GenreList
	if err := c.get(ctx, "genres", "/genre/movie/list", nil, false, &out); err != nil {
		return nil, err
	}
	if out.Genres == nil {
		return []models.Genre{}, nil
	}
	return out.Genres, nil
}

// MoviesByGenre lists popular movies in the genre with the given name,
// compared case-insensitively. An unknown genre yields an empty page.
func (c *Client) MoviesByGenre(ctx context.Context, name string, page int, bust bool) (*models.MoviePage, error) {
	genres, err := c.Genres(ctx)
	if err != nil {
		return nil, err
	}
	id, ok := genreID(genres, name)
	if !ok {
		c.log.Debug().Str("genre", name).Msg("genre not found")
		return &models.MoviePage{Results: []models.Movie{}}, nil
	}

	var out models.MoviePage
	params := map[string]any{
		"with_genres": id,
		"sort_by":     "popularity.desc",
		"page":        normPage(page),
	}
	if err := c.get(ctx, "discover", "/discover/movie", params, bust, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Search runs a free-text title search.
func (c *Client) Search(ctx context.Context, query string, page int) (*models.MoviePage, error) {
	var out models.MoviePage
	params := map[string]any{"query": query, "page": normPage(page)}
	if err := c.get(ctx, "search", "/search/movie", params, false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Discover runs the discover endpoint with raw upstream filter parameters.
func (c *Client) Discover(ctx context.Context, filters map[string]any, page int) (*models.MoviePage, error) {
	params := map[string]any{"page": normPage(page)}
	for k, v := range filters {
		params[k] = v
	}
	var out models.MoviePage
	if err := c.get(ctx, "discover", "/discover/movie", params, false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WatchProviders returns where a movie can be streamed, rented, or bought.
func (c *Client) WatchProviders(ctx context.Context, id int64) (*models.WatchProviders, error) {
	var out models.WatchProviders
	path := fmt.Sprintf("/movie/%d/watch/providers", id)
	if err := c.get(ctx, "watch_providers", path, nil, false, &out); err != nil {
		return nil, err
	}
	if out.Results == nil {
		out.Results = map[string]models.CountryProviders{}
	}
	return &out, nil
}

func (c *Client) MovieDetails(ctx context.Context, id int64) (*models.MovieDetails, error) {
	var out models.MovieDetails
	if err := c.get(ctx, "movie", fmt.Sprintf("/movie/%d", id), nil, false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SearchFilters are the inputs of AdvancedSearch. Zero values are unset.
type SearchFilters struct {
	Query      string  `validate:"max=200"`
	Genres     string  `validate:"max=200"`
	Country    string  `validate:"omitempty,len=2,alpha"`
	MinRating  float64 `validate:"gte=0,lte=10"`
	MaxRating  float64 `validate:"gte=0,lte=10"`
	FromYear   int     `validate:"omitempty,gte=1870,lte=2200"`
	ToYear     int     `validate:"omitempty,gte=1870,lte=2200"`
	MinRuntime int     `validate:"gte=0"`
	MaxRuntime int     `validate:"gte=0"`
	Language   string  `validate:"omitempty,max=10"`
	SortBy     string  `validate:"omitempty,max=40"`
	Page       int     `validate:"omitempty,gte=1,lte=500"`
}

// AdvancedSearch searches by title when Query is set and otherwise runs a
// filtered discover. Genre names are mapped to ids; numeric ids pass through
// and unknown names are ignored.
func (c *Client) AdvancedSearch(ctx context.Context, f SearchFilters) (*models.SearchResult, error) {
	params := map[string]any{"page": normPage(f.Page)}
	if f.Language != "" {
		params["language"] = f.Language
	}

	endpoint, path := "search", "/search/movie"
	if f.Query != "" {
		params["query"] = f.Query
		if f.Country != "" {
			params["region"] = f.Country
		}
	} else {
		endpoint, path = "discover", "/discover/movie"
		if err := c.discoverParams(ctx, f, params); err != nil {
			return nil, err
		}
	}

	var page models.MoviePage
	if err := c.get(ctx, endpoint, path, params, false, &page); err != nil {
		return nil, err
	}

	res := &models.SearchResult{
		Results:    page.Results,
		TotalPages: page.TotalPages,
		Page:       page.Page,
	}
	if res.Results == nil {
		res.Results = []models.Movie{}
	}
	if res.Page == 0 {
		res.Page = 1
	}
	if f.Country != "" {
		country := f.Country
		res.Country = &country
	}
	return res, nil
}

func (c *Client) discoverParams(ctx context.Context, f SearchFilters, params map[string]any) error {
	params["sort_by"] = "popularity.desc"
	if f.SortBy != "" {
		params["sort_by"] = f.SortBy
	}
	if f.MinRating > 0 {
		params["vote_average.gte"] = formatFloat(f.MinRating)
	}
	if f.MaxRating > 0 {
		params["vote_average.lte"] = formatFloat(f.MaxRating)
	}
	if f.FromYear > 0 {
		params["primary_release_date.gte"] = fmt.Sprintf("%d-01-01", f.FromYear)
	}
	if f.ToYear > 0 {
		params["primary_release_date.lte"] = fmt.Sprintf("%d-12-31", f.ToYear)
	}
	if f.MinRuntime > 0 {
		params["with_runtime.gte"] = f.MinRuntime
	}
	if f.MaxRuntime > 0 {
		params["with_runtime.lte"] = f.MaxRuntime
	}
	if f.Country != "" {
		params["region"] = f.Country
		params["with_origin_country"] = f.Country
	}

	if f.Genres == "" {
		return nil
	}
	ids, err := c.resolveGenres(ctx, f.Genres)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		params["with_genres"] = strings.Join(ids, ",")
	}
	return nil
}

var numericID = regexp.MustCompile(`^\d+$`)

func (c *Client) resolveGenres(ctx context.Context, list string) ([]string, error) {
	var ids []string
	var genres []models.Genre
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if numericID.MatchString(part) {
			ids = append(ids, part)
			continue
		}
		if genres == nil {
			var err error
			if genres, err = c.Genres(ctx); err != nil {
				return nil, err
			}
		}
		if id, ok := genreID(genres, part); ok {
			ids = append(ids, strconv.FormatInt(id, 10))
		}
	}
	return ids, nil
}

func genreID(genres []models.Genre, name string) (int64, bool) {
	for _, g := range genres {
		if strings.EqualFold(g.Name, name) {
			return g.ID, true
		}
	}
	return 0, false
}

func normPage(page int) int {
	if page < 1 {
		return 1
	}
	return page
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
