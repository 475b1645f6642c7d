// Command cdp-proxy is the proxy's single entry point (§4.7, §6): read
// environment configuration, construct every component in dependency
// order, start the browser and the HTTP listener, then block for a
// shutdown signal. Grounded on the teacher's cmd/cdp-proxy and
// cmd/ecs-controller/main.go bootstrap shape (env read, component
// construction, os/signal-based blocking main).
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wallcrawler/cdp-proxy/internal/browsersvc"
	"github.com/wallcrawler/cdp-proxy/internal/classifier"
	"github.com/wallcrawler/cdp-proxy/internal/config"
	"github.com/wallcrawler/cdp-proxy/internal/httpgw"
	"github.com/wallcrawler/cdp-proxy/internal/logging"
	"github.com/wallcrawler/cdp-proxy/internal/plugin"
	"github.com/wallcrawler/cdp-proxy/internal/plugin/builtin"
	"github.com/wallcrawler/cdp-proxy/internal/relay"
	"github.com/wallcrawler/cdp-proxy/internal/session"
	"github.com/wallcrawler/cdp-proxy/internal/validator"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("configuration error: %v", err)
		return 1
	}

	logger := logging.New(logging.ParseLevel(cfg.LogLevel), cfg.LogTags)
	builtin.SetLogger(logger)

	cls := classifier.NewClassifier()
	sessions := session.NewRegistry()
	plugins := plugin.New(sessions, cls, logger)

	for _, p := range plugin.Discover() {
		if err := plugins.Register(p); err != nil {
			logger.Warn("bootstrap", "", "failed to register plugin", map[string]any{"error": err.Error()})
		}
	}

	supervisor := browsersvc.New(browsersvc.Config{
		ExecutablePath: cfg.ChromiumExecutablePath,
	}, cls)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, 60*time.Second)
	defer startCancel()
	if _, err := supervisor.Start(startCtx); err != nil {
		logger.Error("bootstrap", "", "failed to start browser", map[string]any{"error": err.Error()})
		return 1
	}

	relayMgr := relay.New(sessions, plugins, cls, logger, supervisor, validator.NoOp{})
	gateway := httpgw.New(supervisor, sessions, relayMgr, cls, logger, cfg.ProxyPort)
	server := httpgw.NewServer(fmt.Sprintf(":%d", cfg.ProxyPort), gateway)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("bootstrap", "", "listening", map[string]any{"port": cfg.ProxyPort})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("bootstrap", "", "shutdown signal received", map[string]any{"signal": sig.String()})
	case err := <-serveErr:
		if err != nil {
			logger.Error("bootstrap", "", "listener failed", map[string]any{"error": err.Error()})
			cancel()
			_ = supervisor.Stop()
			return 1
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("bootstrap", "", "graceful shutdown failed", map[string]any{"error": err.Error()})
	}

	plugins.ClearPlugins(shutdownCtx)
	cancel()

	if err := supervisor.Stop(); err != nil {
		logger.Error("bootstrap", "", "failed to stop browser cleanly", map[string]any{"error": err.Error()})
		return 1
	}

	logger.Info("bootstrap", "", "clean shutdown", nil)
	return 0
}
