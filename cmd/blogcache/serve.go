package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"blogcache/internal/swcache"
)

var forceUpdate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Install the configured version and serve requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := swcache.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		storage, err := cfg.OpenStorage()
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer storage.Close()

		network, err := swcache.NewHTTPNetwork(cfg)
		if err != nil {
			return fmt.Errorf("init network: %w", err)
		}

		reg, err := swcache.NewRegistration(cfg, storage, network)
		if err != nil {
			return fmt.Errorf("init registration: %w", err)
		}
		defer reg.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if forceUpdate || reg.NeedsUpdate() {
			if _, err := reg.Update(ctx); err != nil {
				// The previously active version, if any, keeps serving.
				log.Printf("update to %s failed: %v", cfg.Version, err)
			}
		}

		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}

		srv := &http.Server{
			Handler:           reg.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Printf("blogcache listening on %s, origin=%s, version=%s", addr, cfg.Server.Origin, cfg.Version)
			err := srv.Serve(ln)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("server error: %v", err)
				stop()
			}
		}()

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&forceUpdate, "force-update", false, "reinstall the configured version even if it is already active")
	rootCmd.AddCommand(serveCmd)
}
