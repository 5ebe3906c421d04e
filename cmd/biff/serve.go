package main

import (
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/punt-labs/biff/internal/config"
	"github.com/punt-labs/biff/internal/identity"
	"github.com/punt-labs/biff/internal/relay"
	"github.com/punt-labs/biff/internal/server"
)

func serveCmd() *cobra.Command {
	var (
		user        string
		prefix      string
		dataDir     string
		relayURL    string
		transport   string
		host        string
		port        int
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the biff MCP server for the current repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			if transport != "stdio" && transport != "http" {
				return fmt.Errorf("unknown transport %q (stdio or http)", transport)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(config.Flags{
				Prefix:   prefix,
				DataDir:  dataDir,
				RelayURL: relayURL,
			})
			if err != nil {
				return err
			}

			id := identity.Resolve(ctx, user)
			rly, err := relay.New(ctx, relay.Options{
				Repo:      cfg.Repo,
				DataDir:   cfg.DataDir,
				URL:       cfg.RelayURL,
				Token:     cfg.RelayToken,
				NkeysSeed: cfg.RelayNkeysSeed,
				Creds:     cfg.RelayCreds,
				Login:     id.Login,
			})
			if err != nil {
				return err
			}

			srv := server.New(cfg, id, rly, version)
			if transport == "http" {
				addr := net.JoinHostPort(host, strconv.Itoa(port))
				return srv.ServeHTTP(ctx, addr, metricsAddr)
			}
			return srv.ServeStdio(ctx)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "override the resolved login")
	cmd.Flags().StringVar(&prefix, "prefix", "", "local relay prefix (default: system temp dir)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "local relay directory (overrides --prefix)")
	cmd.Flags().StringVar(&relayURL, "relay-url", "", "NATS relay URL (overrides .biff and BIFF_RELAY_URL)")
	cmd.Flags().StringVar(&transport, "transport", "stdio", "transport: stdio or http")
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "http transport bind host")
	cmd.Flags().IntVar(&port, "port", 8419, "http transport bind port")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address (http transport)")
	return cmd
}
