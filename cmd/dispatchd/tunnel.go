package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"dispatchd/internal/proxy"
	"dispatchd/internal/tunnel"
)

// newTunnelCmd is the child the process runtime launches for each proxied
// model. The SOCKS URL arrives through the environment.
func newTunnelCmd() *cobra.Command {
	var listen, target, socks string
	cmd := &cobra.Command{
		Use:    "tunnel",
		Short:  "Forward HTTP requests to a target through a SOCKS5 exit",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if socks == "" {
				socks = os.Getenv(proxy.SocksEnv)
			}
			if socks != "" {
				n, err := proxy.NormalizeURL(socks)
				if err != nil {
					return err
				}
				socks = n
			}
			log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "dispatchd-tunnel").Logger()
			srv, err := tunnel.New(tunnel.Config{Listen: listen, Target: target, Socks: socks}, &log)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:18090", "address to listen on")
	cmd.Flags().StringVar(&target, "target", "", "upstream origin, e.g. https://generativelanguage.googleapis.com")
	cmd.Flags().StringVar(&socks, "socks", "", "SOCKS5 exit URL (defaults to $"+proxy.SocksEnv+")")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}
