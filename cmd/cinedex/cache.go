package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cinedex/cinedex/pkg/policy"
)

func newCacheCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the client-side response cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(configPath, func(s *session) error {
				stats, ok, err := s.cache.DurableStats(cmd.Context())
				if err != nil {
					return err
				}
				if !ok {
					stats = s.cache.Stats()
				}
				fmt.Printf("Entries: %d\nSize:    %.2f KB\n", stats.Entries, stats.SizeKB())
				return nil
			})
		},
	}

	var (
		pattern     string
		expiredOnly bool
	)
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(configPath, func(s *session) error {
				if expiredOnly {
					n, err := s.cache.PurgeExpired(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Printf("Expired cache entries cleared: %d\n", n)
					return nil
				}
				n := s.cache.Clear(pattern)
				if pattern == "" {
					fmt.Printf("All cache entries cleared: %d\n", n)
				} else {
					fmt.Printf("Cache entries matching %q cleared: %d\n", pattern, n)
				}
				return nil
			})
		},
	}
	clearCmd.Flags().StringVar(&pattern, "pattern", "", "only clear keys containing this substring")
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")

	policiesCmd := &cobra.Command{
		Use:   "policies",
		Short: "List the TTL policy tables in match order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SCOPE\tMATCH\tTTL")
			printRules(w, "server", cfg.Cache.PolicyTable())
			printRules(w, "client", clientPolicies(cfg))
			fmt.Fprintf(w, "client\t(default)\t%s\n", cfg.ClientCache.DefaultTTL)
			return w.Flush()
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.AddCommand(statsCmd, clearCmd, policiesCmd)
	return cmd
}

func printRules(w *tabwriter.Writer, scope string, t *policy.Table) {
	for _, r := range t.Rules() {
		fmt.Fprintf(w, "%s\t%s\t%s\n", scope, r.Match, r.TTL)
	}
}
