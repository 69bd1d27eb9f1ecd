// Package main provides the CLI entry point for socks5d.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/arnevy/socks5d/internal/config"
	"github.com/arnevy/socks5d/internal/logging"
	"github.com/arnevy/socks5d/internal/metrics"
	"github.com/arnevy/socks5d/internal/socks5"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "socks5d",
		Short:   "socks5d - a SOCKS5 proxy server",
		Long:    "socks5d is a SOCKS5 proxy server (RFC 1928) with RFC 1929 username/password authentication, CIDR-based admission control, and Prometheus metrics.",
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(hashPasswordCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SOCKS5 proxy server",
		Long:  "Load a configuration file and start the SOCKS5 proxy server until an interrupt or termination signal is received.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			registry := prometheus.NewRegistry()
			m := metrics.NewMetricsWithRegistry(registry)

			blacklist, err := socks5.ParseCIDRList(cfg.Blacklist)
			if err != nil {
				return fmt.Errorf("parse blacklist: %w", err)
			}
			whitelist, err := socks5.ParseCIDRList(cfg.Whitelist)
			if err != nil {
				return fmt.Errorf("parse whitelist: %w", err)
			}

			handshakeTimeout, err := cfg.HandshakeTimeout()
			if err != nil {
				return fmt.Errorf("server.handshake_timeout: %w", err)
			}

			authenticators := socks5.CreateAuthenticators(socks5.AuthConfig{
				RequireAuth: cfg.Server.Auth,
				HashedUsers: cfg.Users,
			})

			serverCfg := socks5.ServerConfig{
				Address:          cfg.Server.Addr,
				MaxConnections:   cfg.Server.Limit,
				Blacklist:        blacklist,
				Whitelist:        whitelist,
				HandshakeTimeout: handshakeTimeout,
				IdleTimeout:      5 * time.Minute,
				Authenticators:   authenticators,
				Logger:           logger,
				Metrics:          m,
			}

			server := socks5.NewServer(serverCfg)
			if err := server.Start(); err != nil {
				return fmt.Errorf("start server: %w", err)
			}

			logger.Info("socks5 server started",
				logging.KeyAddress, server.Address().String(),
			)

			var metricsServer *http.Server
			if cfg.Metrics.Addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
				metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
				go func() {
					if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics server failed", logging.KeyError, err)
					}
				}()
				logger.Info("metrics endpoint started", logging.KeyAddress, cfg.Metrics.Addr)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info("received signal, shutting down", logging.KeyReason, sig.String())

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if metricsServer != nil {
				metricsServer.Shutdown(ctx)
			}

			if err := server.StopWithContext(ctx); err != nil {
				logger.Error("shutdown error", logging.KeyError, err)
				return err
			}

			logger.Info("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.toml", "Path to configuration file")

	return cmd
}

func hashPasswordCmd() *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password for the configuration file",
		Long:  "Prompt for a password and print an Argon2id PHC-formatted hash suitable for pasting into the [users] table of the configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(os.Stderr, "Password: ")
			password, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}

			fmt.Fprint(os.Stderr, "Confirm password: ")
			confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}

			if string(password) != string(confirm) {
				return fmt.Errorf("passwords do not match")
			}

			hash, err := socks5.HashPassword(string(password))
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}

			if username != "" {
				fmt.Printf("%s = %q\n", username, hash)
			} else {
				fmt.Println(hash)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "user", "u", "", "Print the result as a TOML key = value line for this username")

	return cmd
}
