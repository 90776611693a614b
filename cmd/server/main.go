// Package main is the entry point for the vfshub server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/CageChen/vfshub/internal/backend"
	"github.com/CageChen/vfshub/internal/config"
	"github.com/CageChen/vfshub/internal/handler"
	"github.com/CageChen/vfshub/internal/logging"
	"github.com/CageChen/vfshub/internal/metrics"
	"github.com/CageChen/vfshub/internal/preview"
	"github.com/CageChen/vfshub/internal/watcher"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(2)
	}
	if err := logging.Init(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logging.Sync() }()

	logging.Info("vfshub starting",
		zap.String("config", cfg.GetConfigFilePath()),
		zap.String("backend", cfg.Backend.URL),
		zap.Int("clients", len(cfg.Clients)))
	for _, cl := range cfg.Clients {
		logging.Info("client configured", zap.String("id", cl.ID), zap.String("alias", cl.Alias),
			zap.String("source", cl.Source), zap.String("path", cl.Path), zap.String("git_ref", cl.GitRef))
	}

	bc := backend.New(backend.Config{
		BaseURL:      cfg.Backend.URL,
		Timeout:      cfg.Backend.Timeout,
		PollInterval: cfg.Backend.PollInterval,
		RetryConfig:  cfg.Backend.Retry,
		AuthToken:    cfg.Backend.Token,
	})

	// Create handlers
	treeHandler := handler.NewTreeHandler(cfg, bc)
	renderer := preview.NewRenderer(preview.Options{
		MarkdownExtensions: cfg.Preview.MarkdownExtensions,
		Style:              cfg.Preview.Style,
	})
	fileHandler := handler.NewFileHandler(treeHandler, renderer, cfg.Preview.MaxBytes)
	wsHandler := handler.NewWSHandler(treeHandler)
	defer treeHandler.Manager().CloseAll()

	// Setup file watcher if enabled
	if cfg.Watch {
		w, err := watcher.New(treeHandler.Excluded)
		if err != nil {
			logging.Warn("failed to create file watcher", zap.Error(err))
		} else {
			w.OnChange(treeHandler.OnFileChange)
			w.Start()
			treeHandler.SetWatcher(w)
			defer func() { _ = w.Stop() }()
			logging.Info("file watcher enabled", zap.Strings("clients", w.Clients()))
		}
	}

	// Setup Gin router
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logging.Middleware())
	r.Use(metrics.Middleware())
	r.Use(corsMiddleware())

	handler.RegisterRoutes(r, treeHandler, fileHandler, wsHandler)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := bc.Ping(ctx); err != nil {
			logging.Warn("backend not reachable", zap.String("url", cfg.Backend.URL), zap.Error(err))
		}
	}()

	// Open browser if requested
	if cfg.Open {
		go openBrowser(fmt.Sprintf("http://localhost:%d", cfg.Port))
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logging.Error("server failed", zap.Error(err))
		}
	case sig := <-sigCh:
		logging.Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logging.Error("shutdown failed", zap.Error(err))
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func openBrowser(url string) {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "windows":
		cmd = "rundll32"
		args = []string{"url.dll,FileProtocolHandler", url}
	case "darwin":
		cmd = "open"
		args = []string{url}
	default:
		cmd = "xdg-open"
		args = []string{url}
	}

	_ = exec.Command(cmd, args...).Start()
}
