package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/notevault/console/internal/crypto"
	"github.com/notevault/console/internal/observability/metrics"
	"github.com/notevault/console/internal/reconcile"
	"github.com/notevault/console/internal/store/cache"
	"github.com/notevault/console/internal/version"
	"github.com/notevault/console/internal/visibility"
	"github.com/notevault/console/pkg/api"
)

func main() {
	var (
		grpcPort    = flag.Int("grpc-port", 7240, "gRPC health server port")
		httpPort    = flag.Int("http-port", 8080, "HTTP server port")
		apiURL      = flag.String("api-url", getEnv("NOTEVAULT_API_URL", "http://localhost:8640"), "NoteVault API base URL")
		apiToken    = flag.String("api-token", getEnv("NOTEVAULT_API_TOKEN", ""), "NoteVault API token")
		sealedToken = flag.String("sealed-api-token", getEnv("NOTEVAULT_API_TOKEN_SEALED", ""), "Encrypted API token; requires -master-key")
		vaultFile   = flag.String("token-vault", getEnv("NOTEVAULT_TOKEN_VAULT", ""), "JSON file of sealed API tokens keyed by workspace; requires -master-key")
		workspace   = flag.String("workspace", getEnv("NOTEVAULT_WORKSPACE", "default"), "Workspace whose token to use")
		masterKey   = flag.String("master-key", getEnv("NOTEVAULT_MASTER_KEY", ""), "Master key for sealed tokens")
		dbURL       = flag.String("db-url", getEnv("DATABASE_URL", ""), "Postgres URL for the transition journal (empty: in-memory)")
		redisAddr   = flag.String("redis-addr", getEnv("REDIS_ADDR", ""), "Redis address for the shared manifest cache (empty: L1 only)")
		apiRPS      = flag.Float64("api-rps", 50, "Outbound API request budget per second")
		undoWindow  = flag.Duration("undo-window", 6*time.Second, "Base undo window after a confirmed delete")
		coarseInput = flag.Bool("coarse-pointer", false, "Extend the undo window for touch input")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	printBanner(logger)

	token, err := resolveToken(*apiToken, *sealedToken, *vaultFile, *workspace, *masterKey)
	if err != nil {
		logger.Error("failed to resolve API token", slog.String("error", err.Error()))
		os.Exit(1)
	}

	client := api.New(api.Config{
		BaseURL:           *apiURL,
		APIToken:          token,
		RequestsPerSecond: *apiRPS,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Transition journal: Postgres when configured, in-memory otherwise.
	var journalStore visibility.Store = visibility.NewMemoryStore()
	if *dbURL != "" {
		dbpool, err := pgxpool.New(ctx, *dbURL)
		if err != nil {
			logger.Error("failed to connect to database", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer dbpool.Close()
		journalStore = visibility.NewPostgresStore(dbpool)
	}
	journal := visibility.NewService(journalStore, visibility.Config{Logger: logger})

	// Manifest cache: in-process LRU, with a shared Redis level when
	// configured.
	var l2 cache.Cache
	if *redisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer redisClient.Close()
		l2 = cache.NewRedisCache(redisClient, "notevault:console")
	}
	manifest := cache.NewManifest(cache.NewMultiLevel(cache.DefaultMultiLevelConfig(), l2), client)

	consoleMetrics := metrics.NewConsoleMetrics(metrics.NewRegistry())

	rec := reconcile.New(reconcile.Config{
		Client:        client,
		Manifest:      manifest,
		Journal:       journal,
		Metrics:       consoleMetrics,
		UndoWindow:    *undoWindow,
		CoarsePointer: *coarseInput,
		Logger:        logger,
	})

	rec.Start(ctx)
	defer rec.Stop()

	if err := rec.Bootstrap(ctx); err != nil {
		logger.Error("bootstrap failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// gRPC health endpoint for orchestrators that probe over gRPC.
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", *grpcPort))
	if err != nil {
		logger.Error("failed to listen", slog.String("error", err.Error()))
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", consoleMetrics.Registry().Handler())
	mux.HandleFunc("/activity", func(w http.ResponseWriter, req *http.Request) {
		resp, err := journal.List(req.Context(), &visibility.ListRequest{
			DocumentID: req.URL.Query().Get("document_id"),
			JobClass:   visibility.JobClass(req.URL.Query().Get("job_class")),
			PageSize:   100,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp.Records)
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", *httpPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("starting gRPC server", slog.Int("port", *grpcPort))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	go func() {
		logger.Info("starting HTTP server", slog.Int("port", *httpPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, initiating graceful shutdown", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("context cancelled, initiating shutdown")
	}

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
	} else {
		logger.Info("HTTP server stopped")
	}

	cancel()
	logger.Info("console stopped")
}

// resolveToken prefers sealed tokens when any are provided. Sealed tokens
// are loaded into a vault, either from a JSON file keyed by workspace or
// from the single-token flag, and unsealed for the selected workspace.
func resolveToken(plain, sealed, vaultFile, workspace, masterKey string) (string, error) {
	if sealed == "" && vaultFile == "" {
		return plain, nil
	}
	if masterKey == "" {
		return "", fmt.Errorf("sealed API tokens require a master key")
	}
	enc, err := crypto.NewEncryptorFromString(masterKey)
	if err != nil {
		return "", err
	}

	vault := crypto.NewTokenVault(enc)
	if vaultFile != "" {
		data, err := os.ReadFile(vaultFile)
		if err != nil {
			return "", fmt.Errorf("failed to read token vault: %w", err)
		}
		var sealedTokens map[string]string
		if err := json.Unmarshal(data, &sealedTokens); err != nil {
			return "", fmt.Errorf("failed to parse token vault: %w", err)
		}
		vault.Import(sealedTokens)
	}
	if sealed != "" {
		vault.Import(map[string]string{workspace: sealed})
	}
	return vault.Get(workspace)
}

func printBanner(logger *slog.Logger) {
	logger.Info("NoteVault Console Reconciler",
		slog.String("version", version.Version),
		slog.String("commit", version.GitCommit),
		slog.String("build_time", version.BuildTime),
	)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
