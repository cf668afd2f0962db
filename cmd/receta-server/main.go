package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/receta/receta/internal/config"
	"github.com/receta/receta/internal/domain/prescription"
	"github.com/receta/receta/internal/platform/assets"
	"github.com/receta/receta/internal/platform/db"
	"github.com/receta/receta/internal/platform/kv"
	"github.com/receta/receta/internal/platform/metrics"
	"github.com/receta/receta/internal/platform/middleware"
	"github.com/receta/receta/internal/platform/mirror"
	"github.com/receta/receta/internal/platform/rxdoc"
	"github.com/receta/receta/internal/platform/verification"
	"github.com/receta/receta/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "receta-server",
		Short: "Prescription editor API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(renderCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the prescription API server",
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

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closeFn, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closeFn, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

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
	})

	return cmd
}

func openMigrator(ctx context.Context) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrations.FS), pool.Close, nil
}

func renderCmd() *cobra.Command {
	var opts renderOptions
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a prescription form to PDF without a database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.In == "" || opts.Out == "" {
				return fmt.Errorf("--in and --out are required")
			}
			doc, err := renderFile(cmd.Context(), newLogger(), opts)
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %s (%d page(s), folio %s).\n", opts.Out, doc.Pages, doc.Record.PrescriptionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.In, "in", "", "Form JSON file")
	cmd.Flags().StringVar(&opts.Out, "out", "", "Output PDF path")
	cmd.Flags().StringVar(&opts.Style, "style", string(rxdoc.StyleBoxed), "Document style: boxed or lined")
	cmd.Flags().StringVar(&opts.Timezone, "tz", "America/Mexico_City", "Time zone for the issue date and patient code")
	cmd.Flags().StringVar(&opts.VerificationBaseURL, "verification-base-url", "https://energyintelligence.work", "Host of the verification page")
	return cmd
}

type renderOptions struct {
	In                  string
	Out                 string
	Style               string
	Timezone            string
	VerificationBaseURL string
}

// renderFile exports the form in opts.In. Patient codes come from an
// in-memory counter, so every run starts the day sequence at 01.
func renderFile(ctx context.Context, logger zerolog.Logger, opts renderOptions) (*prescription.Document, error) {
	style, err := rxdoc.ParseStyle(opts.Style)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(opts.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load time zone: %w", err)
	}

	raw, err := os.ReadFile(opts.In)
	if err != nil {
		return nil, fmt.Errorf("read form: %w", err)
	}
	var form prescription.Form
	if err := json.Unmarshal(raw, &form); err != nil {
		return nil, fmt.Errorf("decode form: %w", err)
	}

	store := kv.NewMemoryKV()
	svc := prescription.NewService(
		prescription.NewMapper(nil), // export never reaches the store
		prescription.NewIDGenerator(prescription.NewKVCounter(store), loc),
		prescription.NewKVProfileStore(store),
		verification.NewEncoder(opts.VerificationBaseURL),
		assets.NewLoader(logger),
		logger,
	)
	svc.SetStyle(style)
	svc.SetLocation(loc)

	doc, err := svc.Export(ctx, form)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(opts.Out, doc.PDF, 0o644); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return doc, nil
}

// newServer builds the echo instance with global middleware and the
// prescription routes. Health endpoints are added by the caller.
func newServer(cfg *config.Config, logger zerolog.Logger, h *prescription.Handler, reg *prometheus.Registry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Content-Type", middleware.RequestIDHeader},
		ExposeHeaders: []string{"Content-Disposition", prescription.HeaderPrescriptionID, prescription.HeaderPatientID, prescription.HeaderPages, prescription.HeaderSaveStatus, prescription.HeaderSaveError},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	api := e.Group("/api/v1", middleware.RequestTimeout(cfg.RequestTimeout))
	public := e.Group("", middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.VerifyRateRPS,
		BurstSize:         cfg.VerifyBurst,
		IdleTTL:           10 * time.Minute,
	}))
	h.RegisterRoutes(api, public)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler(reg)))

	return e
}

func runServer() error {
	logger := newLogger()

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	loc, _ := cfg.Location()
	style, _ := rxdoc.ParseStyle(cfg.DocumentStyle)

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Key/value store for day counters and the doctor profile
	probes := map[string]db.Probe{}
	var store kv.KV
	if cfg.RedisURL != "" {
		redisKV, err := kv.Dial(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisKV.Close()
		store = redisKV
		probes["redis"] = redisKV.Ping
		logger.Info().Msg("connected to redis")
	} else {
		store = kv.NewMemoryKV()
		logger.Warn().Msg("REDIS_URL not set, using in-memory counters")
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Prescription service
	svc := prescription.NewService(
		prescription.NewMapper(prescription.NewStorePG(pool)),
		prescription.NewIDGenerator(prescription.NewKVCounter(store), loc),
		prescription.NewKVProfileStore(store),
		verification.NewEncoder(cfg.VerificationBaseURL),
		assets.NewLoader(logger),
		logger,
	)
	svc.SetMetrics(m)
	svc.SetStyle(style)
	svc.SetLocation(loc)
	if mc := cfg.Mirror(); mc.Enabled() {
		svc.SetMirror(mirror.NewAirtable(mc, logger))
		logger.Info().Str("table", mc.Table).Msg("airtable mirror enabled")
	}

	e := newServer(cfg, logger, prescription.NewHandler(svc), reg)
	e.GET("/health/db", db.HealthHandler(pool, probes))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("style", string(style)).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
