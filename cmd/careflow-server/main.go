package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/careflow/internal/config"
	"github.com/ehr/careflow/internal/domain/clinic"
	"github.com/ehr/careflow/internal/platform/auth"
	"github.com/ehr/careflow/internal/platform/db"
	"github.com/ehr/careflow/internal/platform/middleware"
	"github.com/ehr/careflow/internal/realtime"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "careflow-server",
		Short: "CareFlow real-time clinic event server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationFiles(dir))
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to a migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationFiles(dir))
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to a migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func migrationFiles(dir string) fs.FS {
	if dir == "" {
		return db.Migrations()
	}
	return os.DirFS(dir)
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// hub bundles the real-time components shared by the WebSocket and REST
// surfaces.
type hub struct {
	registry   *realtime.Registry
	router     *realtime.Router
	dispatcher *realtime.Dispatcher
	ws         *realtime.WebSocketHandler
}

func newHub(svc *clinic.Service, cfg *config.Config, logger zerolog.Logger) *hub {
	registry := realtime.NewRegistry()
	router := realtime.NewRouter(registry, logger)
	initialSync := realtime.NewInitialSyncProvider(svc, router, logger)
	gate := realtime.NewGate(registry, router, svc, initialSync, logger)
	dispatcher := realtime.NewDispatcher(registry, router, gate, svc, logger)
	dispatcher.SetTimeout(cfg.HandlerTimeout)
	ws := realtime.NewWebSocketHandler(registry, router, dispatcher, logger, realtime.TransportOptions{
		SendBuffer:     cfg.WSSendBuffer,
		ReadLimit:      cfg.WSReadLimit,
		PingInterval:   cfg.WSPingInterval,
		PongWait:       cfg.WSPongWait,
		AllowedOrigins: cfg.CORSOrigins,
	})
	return &hub{registry: registry, router: router, dispatcher: dispatcher, ws: ws}
}

// newServer wires middleware and routes. pool may be nil in tests, in which
// case /health/db is not registered.
func newServer(cfg *config.Config, pool *pgxpool.Pool, h *hub, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":      "ok",
			"version":     version,
			"instance":    cfg.InstanceID,
			"connections": h.registry.Count(),
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}

	// WebSocket identity is established in-band by the authenticate event,
	// so /ws sits outside the bearer-token group.
	h.ws.RegisterRoutes(e.Group(""))

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	realtime.NewRESTHandler(h.registry, h.router, h.dispatcher).RegisterRoutes(apiV1)

	return e
}

// startRelay connects to Redis and fans frames out across instances. It
// returns a nil relay when REDIS_URL is unset.
func startRelay(ctx context.Context, cfg *config.Config, router *realtime.Router, logger zerolog.Logger) (*realtime.RedisRelay, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	relay := realtime.NewRedisRelay(rdb, cfg.RelayChannel, cfg.InstanceID, logger)
	if err := relay.Start(ctx, router); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	router.SetRelay(relay)
	return relay, nil
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		bootLogger := newLogger(os.Getenv("ENV"), os.Stdout)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	logger := newLogger(cfg.Env, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	svc := clinic.NewService(clinic.Repositories{
		Users:         clinic.NewUserRepoPG(pool),
		Appointments:  clinic.NewAppointmentRepoPG(pool),
		Vitals:        clinic.NewVitalRepoPG(pool),
		Availability:  clinic.NewAvailabilityRepoPG(pool),
		Messages:      clinic.NewMessageRepoPG(pool),
		Notifications: clinic.NewNotificationRepoPG(pool),
		Reminders:     clinic.NewReminderRepoPG(pool),
		Consultations: clinic.NewConsultationRepoPG(pool),
	})
	h := newHub(svc, cfg, logger)

	// Cross-instance relay
	relay, err := startRelay(ctx, cfg, h.router, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start redis relay")
	}
	if relay != nil {
		defer relay.Close()
		logger.Info().Str("channel", cfg.RelayChannel).Msg("redis relay enabled")
	}

	e := newServer(cfg, pool, h, logger)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("instance", cfg.InstanceID).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	if err := h.ws.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("websocket connections did not close in time")
	}
	logger.Info().Msg("server stopped")
	return nil
}
