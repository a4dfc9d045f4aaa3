package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/labportal/labportal/internal/config"
	"github.com/labportal/labportal/internal/domain/dashboard"
	"github.com/labportal/labportal/internal/domain/patient"
	"github.com/labportal/labportal/internal/domain/result"
	"github.com/labportal/labportal/internal/domain/upload"
	"github.com/labportal/labportal/internal/ingest"
	"github.com/labportal/labportal/internal/platform/auth"
	"github.com/labportal/labportal/internal/platform/blobstore"
	"github.com/labportal/labportal/internal/platform/cache"
	"github.com/labportal/labportal/internal/platform/db"
	"github.com/labportal/labportal/internal/platform/middleware"
	"github.com/labportal/labportal/migrations"
)

// defaultBodyLimit caps every non-upload request body.
const defaultBodyLimit = 1 << 20

func main() {
	rootCmd := &cobra.Command{
		Use:   "portal-server",
		Short: "Lab results portal API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(ingestCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
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

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, "public", 2, 1)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, "public", 2, 1)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			h := db.Check(ctx, pool)
			fmt.Printf("Database: %s (pool %d/%d in use)\n", h.Status, h.Pool.InUse, h.Pool.Max)
			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format(time.RFC3339)
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema")
	cmd.AddCommand(statusCmd)

	return cmd
}

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a results file on behalf of an organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			orgFlag, _ := cmd.Flags().GetString("org")
			staffID, _ := cmd.Flags().GetString("staff")

			orgID, err := uuid.Parse(orgFlag)
			if err != nil {
				return fmt.Errorf("--org must be a UUID: %w", err)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, closeLog := newLogger(cfg)
			defer closeLog()

			ctx := logger.WithContext(context.Background())
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			a, err := newApp(ctx, cfg, pool)
			if err != nil {
				return err
			}

			out, err := a.orchestrator.RunBatch(ctx, ingest.Request{
				FileName:       filepath.Base(path),
				ContentType:    contentTypeOf(path),
				Data:           data,
				OrganizationID: orgID,
				StaffID:        staffID,
			})
			if err != nil {
				return err
			}
			printOutcome(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().String("file", "", "Path to a .csv or .xlsx results file")
	cmd.Flags().String("org", "", "Uploading organization id")
	cmd.Flags().String("staff", "", "Uploading staff member id")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("staff")
	return cmd
}

func contentTypeOf(path string) string {
	if filepath.Ext(path) == ".xlsx" {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

func printOutcome(w io.Writer, out *ingest.Outcome) {
	fmt.Fprintf(w, "batch %s: %s, %d of %d row(s) ingested\n", out.BatchID, out.Status, out.SuccessRows, out.TotalRows)
	if out.HadErrors {
		fmt.Fprintln(w, out.Summary)
	}
}

// newLogger writes JSON to stdout, or console output in development, and
// also to a rotated file when LOG_FILE is set.
func newLogger(cfg *config.Config) (zerolog.Logger, func()) {
	var out io.Writer = os.Stdout
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	closeFn := func() {}
	if cfg.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100,
			MaxBackups: 7,
			MaxAge:     30,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, file)
		closeFn = func() { _ = file.Close() }
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &logger
	return logger, closeFn
}

func newCache(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	if cfg.RedisURL == "" {
		return cache.NewMemoryStore(), nil
	}
	client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	return cache.NewRedisStore(client, "labportal:"), nil
}

func newArchive(ctx context.Context, cfg *config.Config) (blobstore.BlobStore, error) {
	switch cfg.ArchiveBackend {
	case "memory":
		return blobstore.NewInMemoryBlobStore(), nil
	case "s3":
		s3, err := blobstore.NewS3BlobStore(ctx, blobstore.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return s3, nil
	default:
		return nil, nil
	}
}

// app holds the handlers and the orchestrator built over one pool.
type app struct {
	patients     *patient.Handler
	results      *result.Handler
	uploads      *upload.Handler
	dashboard    *dashboard.Handler
	ingest       *ingest.Handler
	orchestrator *ingest.Orchestrator
}

func newApp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	store, err := newCache(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	files, err := newArchive(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	return buildApp(cfg, pool, store, files, loc), nil
}

func buildApp(cfg *config.Config, pool *pgxpool.Pool, store cache.Store, files blobstore.BlobStore, loc *time.Location) *app {
	patientRepo := patient.NewPatientRepoPG(pool)
	resultRepo := result.NewResultRepoPG(pool)
	batchRepo := upload.NewBatchRepoPG(pool)

	resultSvc := result.NewService(resultRepo)
	writer := result.NewWriter(resultRepo)
	ledger := upload.NewService(batchRepo, files)
	dash := dashboard.NewService(resultSvc, ledger, store, cfg.DashboardCacheTTL)

	orch := ingest.NewOrchestrator(
		patient.NewResolver(patientRepo, cfg.BcryptCost),
		writer,
		ledger,
		dash,
		loc,
	)

	return &app{
		patients:     patient.NewHandler(patient.NewService(patientRepo)),
		results:      result.NewHandler(resultSvc),
		uploads:      upload.NewHandler(ledger),
		dashboard:    dashboard.NewHandler(dash),
		ingest:       ingest.NewHandler(orch, ingest.NewDirectImporter(writer, loc), cfg.UploadMaxBytes),
		orchestrator: orch,
	}
}

func newRouter(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool, a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.BodyLimit(defaultBodyLimit, cfg.UploadMaxBytes))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.JWTSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.Use(middleware.Audit(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	apiV1 := e.Group("/api/v1")
	mc := apiV1.Group("/mc")

	var uploadLimits []echo.MiddlewareFunc
	if cfg.UploadRatePerMin > 0 {
		uploadLimits = append(uploadLimits, middleware.RateLimit(
			middleware.UploadRateLimitConfig(cfg.UploadRatePerMin, cfg.UploadRateBurst)))
	}

	a.ingest.RegisterRoutes(apiV1, mc, uploadLimits...)
	a.uploads.RegisterRoutes(mc)
	a.results.RegisterRoutes(apiV1, mc)
	a.patients.RegisterRoutes(mc)
	a.dashboard.RegisterRoutes(mc)

	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, closeLog := newLogger(cfg)
	defer closeLog()
	// Database
	ctx := logger.WithContext(context.Background())
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	a, err := newApp(ctx, cfg, pool)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialise services")
		return err
	}
	e := newRouter(cfg, logger, pool, a)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// In-flight batches run to completion; give them longer than a plain request.
	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
