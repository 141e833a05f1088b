// Command quarry-pay runs the payment service: it prices dataset queries,
// issues 402 challenges and verifies Solana settlements.
package main

import (
	"context"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	x402 "github.com/quarrylabs/quarry-pay"
	x402http "github.com/quarrylabs/quarry-pay/http"
	ginadapter "github.com/quarrylabs/quarry-pay/http/gin"
	"github.com/quarrylabs/quarry-pay/pricing"
	solledger "github.com/quarrylabs/quarry-pay/solana"
	"github.com/quarrylabs/quarry-pay/split"
	"github.com/quarrylabs/quarry-pay/store"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "quarry-pay",
		Short: "x402 payment service for the Quarry data marketplace",
	}
	root.AddCommand(serveCmd(), versionCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetDefault("port", 8402)
	viper.SetDefault("solana_rpc_url", "https://api.mainnet-beta.solana.com")
	viper.SetDefault("platform_wallet", "")
	viper.SetDefault("store_backend", "memory")
	viper.SetDefault("database_url", "")
	viper.SetDefault("cors_origins", "*")
	viper.SetDefault("sweep_interval", time.Minute)
	viper.SetDefault("split_enabled", false)
	viper.SetDefault("platform_share", split.DefaultPlatformShare)
	viper.SetDefault("log_level", "info")

	viper.SetEnvPrefix("QUARRY_PAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(viper.GetString("log_level"))); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	return cfg.Build()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the payment HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			initConfig()
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return serve(cmd.Context(), logger)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the service version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func serve(ctx context.Context, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	platformWallet := viper.GetString("platform_wallet")
	if platformWallet == "" {
		return fmt.Errorf("QUARRY_PAY_PLATFORM_WALLET is required")
	}

	rpcURL := viper.GetString("solana_rpc_url")
	mint := solledger.USDCMintForEndpoint(rpcURL)
	ledger := solledger.NewClient(rpcURL, solledger.WithLogger(logger.Named("ledger")))
	logger.Info("ledger configured", zap.String("rpc_url", rpcURL), zap.String("usdc_mint", mint))

	var (
		challenges x402.ChallengeStore
		provider   *pricing.Service
		pool       *pgxpool.Pool
	)
	switch backend := viper.GetString("store_backend"); backend {
	case "memory":
		mem := store.NewMemory(viper.GetDuration("sweep_interval"),
			store.WithMemoryLogger(logger.Named("store")))
		defer mem.Close()
		challenges = mem
	case "postgres":
		var err error
		pool, err = pgxpool.New(ctx, viper.GetString("database_url"))
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()

		pg := store.NewPostgres(pool, logger.Named("store"))
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		challenges = pg
		go sweepLoop(ctx, pg, viper.GetDuration("sweep_interval"), logger.Named("store"))
	default:
		return fmt.Errorf("unknown store backend %q", backend)
	}

	if pool == nil && viper.GetString("database_url") != "" {
		var err error
		pool, err = pgxpool.New(ctx, viper.GetString("database_url"))
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()
	}
	if pool != nil {
		catalog := pricing.NewPostgresCatalog(pool)
		if err := catalog.Migrate(ctx); err != nil {
			return err
		}
		provider = pricing.NewService(
			catalog,
			pricing.NewPostgresEstimator(pool, logger.Named("pricing")),
			pricing.NewPostgresExecutor(pool),
			pricing.NewPostgresRecorder(pool),
			logger.Named("pricing"),
		)
	} else {
		logger.Warn("no database configured; serving payment gates only")
	}

	builderOpts := []x402.BuilderOption{
		x402.WithFallbackRecipient(platformWallet),
		x402.WithBuilderLogger(logger.Named("builder")),
	}
	if viper.GetBool("split_enabled") {
		resolver, err := split.NewResolver(mint, platformWallet, viper.GetInt("platform_share"))
		if err != nil {
			return fmt.Errorf("configure revenue split: %w", err)
		}
		builderOpts = append(builderOpts, x402.WithSplitResolver(resolver))
	}
	builder := x402.NewBuilder(challenges, ledger, mint, builderOpts...)
	verifier := x402.NewVerifier(challenges, ledger,
		x402.WithVerifierLogger(logger.Named("verifier")))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	handler := x402http.NewHandler(builder, verifier, provider, challenges,
		x402http.WithLogger(logger.Named("http")),
		x402http.WithMetrics(x402http.NewMetrics(registry)),
	)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger.Named("http")))

	corsCfg := cors.DefaultConfig()
	origins := viper.GetString("cors_origins")
	if origins == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = strings.Split(origins, ",")
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders,
		x402http.HeaderPaymentChallenge, x402http.HeaderPaymentSettlement)
	router.Use(cors.New(corsCfg))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(nethttp.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	ginadapter.Register(router.Group("/x402"), handler)

	srv := &nethttp.Server{
		Addr:              fmt.Sprintf(":%d", viper.GetInt("port")),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("payment service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != nethttp.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// sweepLoop prunes expired challenges from the shared store. The memory
// store runs its own worker; Postgres needs one instance doing this.
func sweepLoop(ctx context.Context, pg *store.Postgres, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = store.DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			removed, err := pg.Sweep(ctx)
			if err != nil {
				logger.Warn("sweeping expired challenges", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Debug("swept expired challenges", zap.Int("removed", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
