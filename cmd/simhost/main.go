package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"opengrid.ai/internal/config"
	"opengrid.ai/internal/logging"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/simhost.yaml", "simulator config path")
		addr       = flag.String("addr", "", "http listen address (overrides host.listen)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides data_dir)")
		logLevel   = flag.String("log_level", "", "log level (overrides log.level)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if strings.TrimSpace(*addr) != "" {
		cfg.Host.Listen = strings.TrimSpace(*addr)
	}
	if strings.TrimSpace(*dataDir) != "" {
		cfg.DataDir = strings.TrimSpace(*dataDir)
	}
	if strings.TrimSpace(*logLevel) != "" {
		cfg.Log.Level = strings.TrimSpace(*logLevel)
	}

	logger := logging.New(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("simhost stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	enableAdmin := envBool("OG_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprof := envBool("OG_ENABLE_PPROF_HTTP", false)
	if !enableAdmin {
		logger.Info("admin endpoints disabled (OG_ENABLE_ADMIN_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              cfg.Host.Listen,
		Handler:           buildMux(rt, enableAdmin, enablePprof),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening",
			zap.String("addr", cfg.Host.Listen),
			zap.String("server_uri", cfg.Host.ServerURI),
			zap.Strings("regions", rt.regionNames()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})
	err = g.Wait()
	// In-flight hand-offs keep their release calls; let them drain before closing stores.
	rt.svc.Wait()
	return err
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(name string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
