package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/invigil/invigil/internal/analyzer"
	"github.com/invigil/invigil/internal/auth"
	"github.com/invigil/invigil/internal/config"
	"github.com/invigil/invigil/internal/httpapi"
	"github.com/invigil/invigil/internal/store"
	"github.com/invigil/invigil/internal/telemetry/log"
)

var (
	logFile  = pflag.String("log-file", "", "path to write structured logs to (default stderr)")
	logLevel = pflag.String("log-level", "INFO", "minimum log level: DEBUG, INFO, WARN, ERROR")
	ver      = pflag.BoolP("version", "V", false, "print version and exit")
)

const version = "invigild 0.1.0"

func main() {
	pflag.Parse()
	if *ver {
		fmt.Println(version)
		return
	}

	lg, err := openLogger(*logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Close()
	if err := lg.SetLevelString(*logLevel); err != nil {
		lg.Warn("invalid log level, keeping default", log.KVErr(err))
	}

	cfg, err := config.LoadServer()
	if err != nil {
		lg.Fatal("failed to load configuration", log.KVErr(err))
	}

	for _, dir := range []string{cfg.UploadDir, cfg.ProcessedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			lg.Fatal("failed to create state directory", log.KV("dir", dir), log.KVErr(err))
		}
	}

	st, err := store.Open(cfg.SQLitePath)
	if err != nil {
		lg.Fatal("failed to open store", log.KVErr(err))
	}
	defer st.Close()

	authn, err := auth.New(*cfg)
	if err != nil {
		lg.Fatal("failed to build authenticator", log.KVErr(err))
	}

	srv := httpapi.New(st, authn, lg, cfg.UploadDir)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	worker := analyzer.NewWorker(st, lg, cfg.ProcessedDir)
	go worker.Run(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpSrv := &http.Server{Addr: addr, Handler: srv}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			lg.Warn("graceful shutdown failed", log.KVErr(err))
		}
	}()

	lg.Info("invigild listening", log.KV("addr", addr))
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		lg.Fatal("http server exited", log.KVErr(err))
	}
}

func openLogger(path string) (*log.Logger, error) {
	if path == "" {
		return log.New(os.Stderr), nil
	}
	return log.NewFile(path)
}
