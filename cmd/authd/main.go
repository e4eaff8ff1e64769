package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/wispberry-tech/linkauth"
	"github.com/wispberry-tech/linkauth/storage"
)

var (
	listenAddr string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "authd",
	Short: "Magic-link authentication service",
	Long: `authd serves passwordless sign-in over HTTP: it mails single-use
magic links, verifies them, and manages device-bound sessions.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired tokens, rate-limit records and sessions, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		service, err := linkauth.New(linkauth.LoadConfigFromEnv(), store, nil, nil)
		if err != nil {
			return err
		}
		defer service.Close()

		return service.Sweep(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":8080", "address to listen on")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd, sweepCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	setupLogging()

	cfg := linkauth.LoadConfigFromEnv()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	metrics := linkauth.NewMetrics(prometheus.DefaultRegisterer)
	service, err := linkauth.New(cfg, store, nil, metrics)
	if err != nil {
		return err
	}
	defer service.Close()

	server := &http.Server{
		Addr:         listenAddr,
		Handler:      router(service),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.SweepInterval > 0 {
		go runSweeper(ctx, service, cfg.SweepInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", listenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func router(service *linkauth.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Device-ID", "X-Session-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.Post("/request-link", func(w http.ResponseWriter, r *http.Request) {
			resp := service.RequestLinkHandler(r)
			linkauth.WriteJSON(w, resp.StatusCode, resp)
		})
		r.Get("/verify", func(w http.ResponseWriter, r *http.Request) {
			resp := service.VerifyHandler(r)
			linkauth.WriteJSON(w, resp.StatusCode, resp)
		})
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			resp := service.StatusHandler(r)
			linkauth.WriteJSON(w, resp.StatusCode, resp)
		})
		r.Post("/extend", func(w http.ResponseWriter, r *http.Request) {
			resp := service.ExtendHandler(r)
			linkauth.WriteJSON(w, resp.StatusCode, resp)
		})
		r.Post("/signout", func(w http.ResponseWriter, r *http.Request) {
			resp := service.SignOutHandler(r)
			linkauth.WriteJSON(w, resp.StatusCode, resp)
		})
	})

	return r
}

// openStore picks the backend from the environment: DATABASE_URL selects
// PostgreSQL, LINKAUTH_SQLITE_PATH selects SQLite, otherwise in-memory.
func openStore() (storage.Store, error) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		store, err := storage.NewPostgresStore(dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		slog.Info("Using PostgreSQL storage")
		return store, nil
	}
	if path := os.Getenv("LINKAUTH_SQLITE_PATH"); path != "" {
		store, err := storage.NewSQLiteStore(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		slog.Info("Using SQLite storage", "path", path)
		return store, nil
	}
	slog.Warn("No DATABASE_URL or LINKAUTH_SQLITE_PATH set, using in-memory storage")
	return storage.NewMemoryStore(), nil
}

func runSweeper(ctx context.Context, service *linkauth.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := service.Sweep(ctx); err != nil {
				slog.Error("Sweep failed", "error", err)
			}
		}
	}
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
