/*
serve.go - HTTP server command

STARTUP SEQUENCE:
  1. Load configuration and the country package
  2. Open the SQLite store
  3. Create the API handler and router
  4. Optionally watch the country package for changes
  5. Serve until SIGINT/SIGTERM

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM the watcher stops, new connections are refused and
  active requests get 30s to complete before the store is closed.

SEE ALSO:
  - api/server.go: Router configuration
  - api/watcher.go: Country package reload
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/microsim/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the country package over HTTP",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "HTTP server port")
	serveCmd.Flags().Bool("watch", false, "reload the country package when its files change")
	serveCmd.Flags().Bool("trace", false, "record calculation traces on every simulation")
	bindFlag(serveCmd, "port", "port")
	bindFlag(serveCmd, "watch", "watch")
	bindFlag(serveCmd, "trace", "trace")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	handler := api.NewHandler(a.pkg, store, a.runOptions())
	router := api.NewRouter(handler, a.cfg.Origins...)

	if a.cfg.Watch {
		watcher, err := api.NewWatcher(a.cfg.CountryDir, handler)
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("watching %s: %w", a.cfg.CountryDir, err)
		}
		defer watcher.Stop()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("server starting",
			"addr", fmt.Sprintf("http://localhost:%d/api", a.cfg.Port),
			"country", a.cfg.CountryDir,
			"db", a.cfg.DBPath,
			"watch", a.cfg.Watch)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	a.logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("server stopped")
	return nil
}
