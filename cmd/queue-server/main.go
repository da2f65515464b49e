package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/queue/internal/config"
	"github.com/ehr/queue/internal/domain/queue"
	"github.com/ehr/queue/internal/platform/auth"
	"github.com/ehr/queue/internal/platform/db"
	"github.com/ehr/queue/internal/platform/middleware"
	"github.com/ehr/queue/internal/platform/realtime"
	"github.com/ehr/queue/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "queue-server",
		Short: "Service-point queue management server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(capabilitiesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg != nil && cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	if cfg != nil {
		if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl != zerolog.NoLevel {
			logger = logger.Level(lvl)
		}
	}
	return logger
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// store bundles the repositories of whichever backend DB_DRIVER selects.
// pool is nil for the gorm backends.
type store struct {
	tickets queue.TicketRepository
	config  queue.ConfigRepository
	pinger  db.Pinger
	pool    *pgxpool.Pool
	close   func()
}

// sqlPinger adapts database/sql to db.Pinger for the gorm backends.
type sqlPinger struct{ db *sql.DB }

func (p sqlPinger) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func openStore(ctx context.Context, cfg *config.Config) (*store, error) {
	if cfg.DBDriver == db.DriverPostgres {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		return &store{
			tickets: queue.NewTicketRepoPG(pool),
			config:  queue.NewConfigRepoPG(pool),
			pinger:  pool,
			pool:    pool,
			close:   pool.Close,
		}, nil
	}

	gdb, err := db.OpenGorm(cfg.DBDriver, cfg.DatabaseURL, int(cfg.DBMaxConns))
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if err := queue.AutoMigrateGorm(gdb); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate %s: %w", cfg.DBDriver, err)
	}
	return &store{
		tickets: queue.NewTicketRepoGorm(gdb),
		config:  queue.NewConfigRepoGorm(gdb),
		pinger:  sqlPinger{db: sqlDB},
		close:   func() { _ = sqlDB.Close() },
	}, nil
}

func newService(cfg *config.Config, st *store, events realtime.Publisher, logger zerolog.Logger) (*queue.Service, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return queue.NewService(st.tickets, st.config, events, queue.ServiceConfig{
		DefaultAlgorithm: cfg.Algorithm(),
		RecentWindow:     cfg.RecentCompletionWindow,
		Location:         loc,
	}, logger), nil
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		fallback := newLogger(nil)
		fallback.Error().Err(err).Msg("failed to load config")
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.DBDriver).Msg("failed to connect to database")
		return err
	}
	defer st.close()
	logger.Info().Str("driver", cfg.DBDriver).Msg("connected to database")

	hub := realtime.NewHub(logger.With().Str("component", "realtime").Logger())
	svc, err := newService(cfg, st, hub, logger)
	if err != nil {
		return err
	}

	idx, err := svc.RefreshCapabilities(ctx)
	if err != nil {
		return fmt.Errorf("load capabilities: %w", err)
	}
	logger.Info().Int("capabilities", idx.Len()).Msg("capability index loaded")
	stopWatch := svc.Capabilities().Watch(hub, cfg.NotifyDebounce)
	defer stopWatch()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(st.pinger))

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           middleware.DefaultRateLimitConfig().IdleTTL,
	}))

	queue.NewHandler(svc).RegisterRoutes(apiV1)
	realtime.NewWebSocketHandler(hub).RegisterRoutes(apiV1)

	g, gctx := errgroup.WithContext(ctx)
	watchCapabilities(gctx, g, cfg, st, svc.Capabilities(), hub, logger)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// watchCapabilities feeds capability edits made by other processes, such as
// the seed command, into the hub. Postgres notifies on commit; every backend
// is also polled.
func watchCapabilities(ctx context.Context, g *errgroup.Group, cfg *config.Config, st *store, caps *queue.CapabilityCache, hub *realtime.Hub, logger zerolog.Logger) {
	if st.pool != nil {
		g.Go(func() error {
			db.Listen(ctx, st.pool, queue.CapabilitiesChannel, func(string) {
				if err := queue.AnnounceCapabilityChange(ctx, hub, "notify"); err != nil {
					logger.Warn().Err(err).Msg("relay capability notification")
				}
			}, logger)
			return nil
		})
	}
	g.Go(func() error {
		caps.Poll(ctx, hub, cfg.CapabilityPoll)
		return nil
	})
}

func migrationsFS(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
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
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if schema == "" {
				schema = cfg.DBSchema
			}

			ctx := context.Background()
			if cfg.DBDriver != db.DriverPostgres {
				// gorm backends migrate from the row models on open.
				st, err := openStore(ctx, cfg)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				st.close()
				fmt.Printf("Migrated %s schema from models.\n", cfg.DBDriver)
				return nil
			}

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationsFS(dir))
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	upCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DBDriver != db.DriverPostgres {
				return fmt.Errorf("migrate status is only available for postgres, DB_DRIVER is %q", cfg.DBDriver)
			}
			if schema == "" {
				schema = cfg.DBSchema
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationsFS(dir))
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
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
	statusCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	statusCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file>",
		Short: "Load queue types, service points and capabilities from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := queue.LoadSeed(args[0])
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.close()

			// Running servers learn of the change from the store: a
			// Postgres notification, or their next capability poll.
			sum, err := queue.ApplySeed(ctx, st.config, nil, seed)
			if err != nil {
				return err
			}
			fmt.Printf("Seeded %d queue type(s), %d service point(s), %d capability row(s).\n",
				sum.QueueTypes, sum.ServicePoints, sum.Capabilities)
			return nil
		},
	}
}

func capabilitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "Print which queue types each service point serves",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.close()

			svc, err := newService(cfg, st, nil, newLogger(cfg))
			if err != nil {
				return err
			}
			idx, err := svc.RefreshCapabilities(ctx)
			if err != nil {
				return err
			}
			points, err := svc.ListServicePoints(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("%-12s %-30s %-8s %s\n", "CODE", "NAME", "ENABLED", "SERVES")
			for _, sp := range points {
				serves := "-"
				if types, err := idx.TypesFor(sp.ID); err == nil {
					serves = fmt.Sprint(types)
				}
				fmt.Printf("%-12s %-30s %-8t %s\n", sp.Code, sp.Name, sp.Enabled, serves)
			}
			fmt.Printf("%d capability row(s)\n", idx.Len())
			return nil
		},
	}
}
