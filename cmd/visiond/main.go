package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"visiond/internal/catalog"
	"visiond/internal/common/fsutil"
	"visiond/internal/config"
	"visiond/internal/daemon"
	"visiond/internal/fetch"
	"visiond/internal/hardware"
	"visiond/internal/httpapi"
	"visiond/internal/provision"
	"visiond/internal/registry"
	"visiond/internal/worker"
)

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	addr := flag.String("addr", envDefault("VISIOND_ADDR", ":8080"), "HTTP listen address, e.g. :8080")
	dataDir := flag.String("data-dir", envDefault("VISIOND_DATA_DIR", "~/.visiond"), "Directory for environments, artifact cache and registry")
	catalogPath := flag.String("catalog", envDefault("VISIOND_CATALOG", ""), "Model catalog YAML; empty uses the built-in catalog")
	configPath := flag.String("config", envDefault("VISIOND_CONFIG", ""), "Optional config file (yaml/json/toml); flags override it")
	maxWorkers := flag.Int("max-workers-per-env", 0, "Worker process cap per model (0=config or default)")
	maxQueue := flag.Int("max-queue-depth", 0, "Queued calls cap per model (0=config or default)")
	invokeTimeoutMs := flag.Int("invoke-timeout-ms", 0, "Default call timeout in ms (0=config or default)")
	idleEvictSec := flag.Int("idle-evict-seconds", 0, "Stop workers idle this long; 0 disables")
	corsOrigins := flag.String("cors-origins", envDefault("VISIOND_CORS_ORIGINS", ""), "Comma-separated CORS origins; empty disables CORS")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Str("svc", "visiond").Logger()

	var cfg config.Config
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *configPath).Msg("loading config")
		}
	}
	// flags override config file values
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *catalogPath != "" {
		cfg.CatalogPath = *catalogPath
	}
	if *maxWorkers > 0 {
		cfg.MaxWorkersPerEnv = *maxWorkers
	}
	if *maxQueue > 0 {
		cfg.MaxQueueDepth = *maxQueue
	}
	if *invokeTimeoutMs > 0 {
		cfg.InvokeTimeoutMs = *invokeTimeoutMs
	}
	if *idleEvictSec > 0 {
		cfg.IdleEvictSec = *idleEvictSec
	}

	root, err := fsutil.ExpandHome(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("resolving data dir")
	}
	for _, sub := range []string{"envs", "cache"} {
		if err := fsutil.EnsureDir(filepath.Join(root, sub)); err != nil {
			log.Fatal().Err(err).Msg("creating data dir")
		}
	}

	cat := catalog.Defaults()
	if cfg.CatalogPath != "" {
		cat, err = catalog.Load(cfg.CatalogPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.CatalogPath).Msg("loading catalog")
		}
	}

	store, err := registry.Open(filepath.Join(root, "registry.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("opening environment registry")
	}
	defer store.Close()

	probeBudget := hardware.DefaultBudget
	if cfg.ProbeBudgetMs > 0 {
		probeBudget = time.Duration(cfg.ProbeBudgetMs) * time.Millisecond
	}
	probe := hardware.New(probeBudget, log)

	var s3 *fetch.S3Options
	if cfg.S3.Endpoint != "" {
		s3 = &fetch.S3Options{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Region:    cfg.S3.Region,
			UseSSL:    cfg.S3.UseSSL,
		}
	}
	fetcher := fetch.New(fetch.Config{
		MaxConcurrent: cfg.MaxDownloads,
		S3:            s3,
		Logger:        log,
	})

	prov := provision.New(provision.Config{
		Store:         store,
		Fetcher:       fetcher,
		Probe:         probe,
		EnvRoot:       filepath.Join(root, "envs"),
		CacheDir:      filepath.Join(root, "cache"),
		FetchAttempts: cfg.FetchAttempts,
		Logger:        log,
	})

	inv := worker.New(worker.Config{
		Catalog:          cat,
		Env:              prov,
		MaxWorkersPerEnv: cfg.MaxWorkersPerEnv,
		MaxQueueDepth:    cfg.MaxQueueDepth,
		DefaultTimeout:   time.Duration(cfg.InvokeTimeoutMs) * time.Millisecond,
		IdleEvict:        time.Duration(cfg.IdleEvictSec) * time.Second,
		Logger:           log,
	})

	svc := daemon.New(cat, store, prov, inv, probe, log)

	httpapi.SetLogger(log)
	if *corsOrigins != "" {
		httpapi.SetCORSOptions(true,
			strings.Split(*corsOrigins, ","),
			[]string{http.MethodGet, http.MethodPost},
			[]string{"Content-Type", "X-Log-Level"},
		)
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetBaseContext(baseCtx)

	mux := httpapi.NewMux(svc)
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("data_dir", root).Msg("visiond listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM): stop accepting requests, then
	// stop worker processes.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")
	cancelBase()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown error")
	}
	inv.Close()
}
