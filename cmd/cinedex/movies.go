package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cinedex/cinedex/pkg/cache/tiered"
	"github.com/cinedex/cinedex/pkg/config"
	"github.com/cinedex/cinedex/pkg/models"
	"github.com/cinedex/cinedex/pkg/tmdb"
)

// session is an upstream client backed by the client-side cache.
type session struct {
	client *tmdb.Client
	cache  *tiered.Cache
}

func openSession(configPath string) (*session, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	c, err := newClientCache(cfg, log, nil)
	if err != nil {
		return nil, err
	}
	httpClient, err := newHTTPClient(cfg, c.Namespace(config.OfflinePrefix), log, nil)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	client, err := newClient(cfg, httpClient, c, log, nil)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("create upstream client: %w", err)
	}
	return &session{client: client, cache: c}, nil
}

func (s *session) Close() error {
	return s.cache.Close()
}

func newMoviesCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "movies",
		Short: "Browse movies through the client-side cache",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")

	type listing func(c *tmdb.Client, ctx context.Context, page int, bust bool) (*models.MoviePage, error)
	listings := []struct {
		use, short string
		fetch      listing
	}{
		{"trending", "This week's trending movies", (*tmdb.Client).Trending},
		{"popular", "Popular movies", (*tmdb.Client).Popular},
		{"now-playing", "Movies now in theaters", (*tmdb.Client).NowPlaying},
		{"upcoming", "Upcoming releases", (*tmdb.Client).Upcoming},
	}
	for _, l := range listings {
		fetch := l.fetch
		var page int
		var bust bool
		sub := &cobra.Command{
			Use:   l.use,
			Short: l.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSession(configPath, func(s *session) error {
					p, err := fetch(s.client, cmd.Context(), page, bust)
					if err != nil {
						return err
					}
					printMovies(p)
					return nil
				})
			},
		}
		sub.Flags().IntVarP(&page, "page", "p", 1, "result page")
		sub.Flags().BoolVar(&bust, "bust", false, "bypass the cache and refresh it from upstream")
		cmd.AddCommand(sub)
	}

	cmd.AddCommand(
		newGenresCmd(&configPath),
		newGenreCmd(&configPath),
		newSearchCmd(&configPath),
		newProvidersCmd(&configPath),
	)
	return cmd
}

func newGenresCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "genres",
		Short: "List movie genres",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(*configPath, func(s *session) error {
				genres, err := s.client.Genres(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME")
				for _, g := range genres {
					fmt.Fprintf(w, "%d\t%s\n", g.ID, g.Name)
				}
				return w.Flush()
			})
		},
	}
}

func newGenreCmd(configPath *string) *cobra.Command {
	var page int
	var bust bool

	cmd := &cobra.Command{
		Use:   "genre <name>",
		Short: "Popular movies in a genre",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(*configPath, func(s *session) error {
				p, err := s.client.MoviesByGenre(cmd.Context(), args[0], page, bust)
				if err != nil {
					return err
				}
				printMovies(p)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&page, "page", "p", 1, "result page")
	cmd.Flags().BoolVar(&bust, "bust", false, "bypass the cache and refresh it from upstream")
	return cmd
}

func newSearchCmd(configPath *string) *cobra.Command {
	var page int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search movies by title",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(*configPath, func(s *session) error {
				p, err := s.client.Search(cmd.Context(), strings.Join(args, " "), page)
				if err != nil {
					return err
				}
				printMovies(p)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&page, "page", "p", 1, "result page")
	return cmd
}

func newProvidersCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "providers <movie-id>",
		Short: "Where a movie can be streamed, rented, or bought",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid movie id %q", args[0])
			}
			return withSession(*configPath, func(s *session) error {
				wp, err := s.client.WatchProviders(cmd.Context(), id)
				if err != nil {
					return err
				}
				printProviders(wp)
				return nil
			})
		},
	}
}

func withSession(configPath string, fn func(*session) error) error {
	s, err := openSession(configPath)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func printMovies(p *models.MoviePage) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tRELEASED\tRATING")
	for _, m := range p.Results {
		fmt.Fprintf(w, "%d\t%s\t%s\t%.1f\n", m.ID, m.Title, m.ReleaseDate, m.VoteAverage)
	}
	w.Flush()
	fmt.Printf("\npage %d of %d (%d results)\n", p.Page, p.TotalPages, p.TotalResults)
}

func printProviders(wp *models.WatchProviders) {
	if len(wp.Results) == 0 {
		fmt.Println("No providers found.")
		return
	}
	countries := make([]string, 0, len(wp.Results))
	for c := range wp.Results {
		countries = append(countries, c)
	}
	sort.Strings(countries)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COUNTRY\tSTREAM\tRENT\tBUY")
	for _, c := range countries {
		cp := wp.Results[c]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c, providerNames(cp.Flatrate), providerNames(cp.Rent), providerNames(cp.Buy))
	}
	w.Flush()
}

func providerNames(ps []models.Provider) string {
	if len(ps) == 0 {
		return "-"
	}
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = p.ProviderName
	}
	return strings.Join(names, ", ")
}
