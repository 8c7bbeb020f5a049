package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/cinedex/cinedex/pkg/mcp"
)

func newMCPCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start cinedex as an MCP server on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			return withSession(configPath, func(s *session) error {
				srv := mcp.New(s.cache, s.client, clientPolicies(cfg), version, log)
				return srv.Run(cmd.Context(), os.Stdin, os.Stdout)
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	return cmd
}
