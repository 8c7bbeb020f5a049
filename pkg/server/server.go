// Package server is the cinedex HTTP API: movie listings backed by the
// upstream client, fronted by the response cache, plus cache administration.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/cinedex/cinedex/pkg/config"
	"github.com/cinedex/cinedex/pkg/intercept"
	"github.com/cinedex/cinedex/pkg/metrics"
	"github.com/cinedex/cinedex/pkg/models"
	"github.com/cinedex/cinedex/pkg/policy"
	"github.com/cinedex/cinedex/pkg/tmdb"
)

// Movies is the upstream the API reads from.
type Movies interface {
	Trending(ctx context.Context, page int, bust bool) (*models.MoviePage, error)
	Popular(ctx context.Context, page int, bust bool) (*models.MoviePage, error)
	NowPlaying(ctx context.Context, page int, bust bool) (*models.MoviePage, error)
	Upcoming(ctx context.Context, page int, bust bool) (*models.MoviePage, error)
	Genres(ctx context.Context) ([]models.Genre, error)
	MoviesByGenre(ctx context.Context, name string, page int, bust bool) (*models.MoviePage, error)
	Search(ctx context.Context, query string, page int) (*models.MoviePage, error)
	AdvancedSearch(ctx context.Context, f tmdb.SearchFilters) (*models.SearchResult, error)
	WatchProviders(ctx context.Context, id int64) (*models.WatchProviders, error)
	MovieDetails(ctx context.Context, id int64) (*models.MovieDetails, error)
}

// Cache is the server-side response cache.
type Cache interface {
	intercept.Store
	Clear(pattern string) int
	ClearExpired() int
	Stats() models.CacheStats
}

// Server is the cinedex HTTP server.
type Server struct {
	cfg     *config.Config
	movies  Movies
	cache   Cache
	table   *policy.Table
	log     zerolog.Logger
	metrics *metrics.Metrics
	router  chi.Router
}

type Option func(*Server)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a Server wired with all dependencies.
func New(cfg *config.Config, movies Movies, cache Cache, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		movies: movies,
		cache:  cache,
		table:  cfg.Cache.PolicyTable(),
		log:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger(s.log))
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORS.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", headerRequestID},
		ExposedHeaders: []string{intercept.HeaderCache, headerRequestID},
		MaxAge:         300,
	}))
	if s.cfg.Metrics.Enabled {
		r.Use(s.metrics.Middleware)
		r.Method(http.MethodGet, s.cfg.Metrics.Path, s.metrics.Handler())
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		if rl := s.cfg.RateLimit; rl.Requests > 0 {
			r.Use(httprate.Limit(rl.Requests, rl.Window,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				}),
			))
		}
		if s.cfg.Cache.Enabled {
			ic := intercept.New(s.cache, s.table,
				intercept.WithDedupe(s.cfg.Cache.DedupeMisses),
				intercept.WithLogger(s.log),
				intercept.WithMetrics(s.metrics),
			)
			r.Use(ic.Handler)
		}
		r.Use(markStale(s.metrics))

		r.Get("/trending", s.handleListing(s.movies.Trending))
		r.Get("/popular", s.handleListing(s.movies.Popular))
		r.Get("/now-playing", s.handleListing(s.movies.NowPlaying))
		r.Get("/upcoming", s.handleListing(s.movies.Upcoming))
		r.Get("/genres", s.handleGenres)
		r.Get("/genres/{name}/movies", s.handleGenreMovies)
		r.Get("/watch-providers/{id}", s.handleWatchProviders)
		r.Get("/search", s.handleSearch)
		r.Get("/search/advanced", s.handleAdvancedSearch)
		r.Get("/movies/{id}", s.handleMovie)

		r.Get("/cache/stats", s.handleCacheStats)
		r.Delete("/cache", s.handleCacheClear)
		r.Get("/cache/policies", s.handleCachePolicies)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully. It satisfies the supervisor's service interface.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Listen).Msg("cinedex listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) String() string { return "http" }

// Sweeper periodically removes expired entries from a cache.
type Sweeper struct {
	cache interface{ ClearExpired() int }
	every time.Duration
	log   zerolog.Logger
}

func NewSweeper(cache interface{ ClearExpired() int }, every time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{cache: cache, every: every, log: log}
}

// Serve sweeps until ctx is cancelled.
func (sw *Sweeper) Serve(ctx context.Context) error {
	t := time.NewTicker(sw.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := sw.cache.ClearExpired(); n > 0 {
				sw.log.Debug().Int("removed", n).Msg("swept expired cache entries")
			}
		}
	}
}

func (sw *Sweeper) String() string { return "cache-sweeper" }
