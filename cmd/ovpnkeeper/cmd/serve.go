package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ovpnkeeper/api"
	"github.com/jmcleod/ovpnkeeper/storage/postgres"
)

var (
	tlsCert     string
	tlsKey      string
	migrateOnUp bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve health, readiness, CA certificate and CRL over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if migrateOnUp {
			if err := migrate(ctx, a); err != nil {
				return err
			}
		}

		handler := api.New(a.store, a.ca, a.devices, api.WithLogger(logger)).Router()

		server := &http.Server{
			Addr:              cfg.HTTP.Address,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		useTLS := tlsCert != "" && tlsKey != ""
		if useTLS {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if useTLS {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		logger.WithFields(logrus.Fields{
			"address": cfg.HTTP.Address,
			"tls":     useTLS,
			"driver":  cfg.Database.Driver,
		}).Info("serving")

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.WithField("signal", sig.String()).Info("shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		case err := <-done:
			return err
		}
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the device table, indexes and serial sequence",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return migrate(cmd.Context(), a)
	},
}

// migrate applies the Postgres schema. The embedded stores lay out their
// buckets when opened, so there is nothing to do for them.
func migrate(ctx context.Context, a *app) error {
	pg, ok := a.store.(*postgres.Store)
	if !ok {
		logger.WithField("driver", cfg.Database.Driver).Info("no schema to apply")
		return nil
	}
	if err := postgres.EnsureSchema(ctx, pg.Pool()); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	logger.Info("schema applied")
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	serveCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serveCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serveCmd.Flags().BoolVar(&migrateOnUp, "migrate", false, "Apply the database schema before serving")
}
