package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"termgateway/internal/httpx/middleware"
	"termgateway/internal/logger"
	"termgateway/internal/sentryx"
)

const (
	ShutdownTimeout = 30 * time.Second
	ReadTimeout     = 15 * time.Second
	WriteTimeout    = 0 // streaming WebSocket responses must not be capped
	IdleTimeout     = 120 * time.Second
	ProcessGrace    = 5 * time.Second
)

// Run starts serving HTTP traffic and blocks until SIGINT/SIGTERM or a
// listener error, then tears every component down in dependency order:
// stop accepting new WebSocket connections, drain the ones already open,
// stop the HTTP server, and finally stop the session reaper, the rate
// limiter's cleanup loop, and force-kill any PTY processes still attached.
func (a *ServerApp) Run() error {
	router, err := a.Router()
	if err != nil {
		a.cleanup()
		return err
	}

	addr := fmt.Sprintf("%s:%d", a.Config.Server.Host, a.Config.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      middleware.WithPanicRecovery(router),
		ReadTimeout:  ReadTimeout,
		WriteTimeout: WriteTimeout,
		IdleTimeout:  IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		a.Logger.Info("terminal gateway listening | addr=%s tls=%v", addr, a.Config.Server.TLS != nil)
		var listenErr error
		if a.Config.Server.TLS != nil {
			listenErr = server.ListenAndServeTLS(a.Config.Server.TLS.CertFile, a.Config.Server.TLS.KeyFile)
		} else {
			listenErr = server.ListenAndServe()
		}
		if listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			serverErr <- listenErr
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go a.watchLogLevel(hup)

	var runErr error
	select {
	case runErr = <-serverErr:
		a.Logger.Error("listener error: %v", runErr)
		sentryx.CaptureError(runErr, "server listen error")
	case sig := <-quit:
		a.Logger.Info("received signal %v, initiating graceful shutdown", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	a.Logger.Info("closing terminal connections")
	a.Gateway.Shutdown(ctx)

	a.Logger.Info("shutting down http server")
	if shutdownErr := server.Shutdown(ctx); shutdownErr != nil {
		a.Logger.Error("server shutdown error: %v", shutdownErr)
		sentryx.CaptureError(shutdownErr, "server shutdown error")
		if runErr == nil {
			runErr = shutdownErr
		}
	}

	a.cleanup()
	if runErr == nil {
		a.Logger.Info("terminal gateway stopped gracefully")
	}
	return runErr
}

// watchLogLevel toggles the gateway's logging threshold between INFO and
// DEBUG each time the process receives SIGHUP, so an operator can turn on
// verbose output for a running gateway without restarting it.
func (a *ServerApp) watchLogLevel(hup <-chan os.Signal) {
	verbose := false
	for range hup {
		verbose = !verbose
		level := logger.INFO
		if verbose {
			level = logger.DEBUG
		}
		logger.SetMinLevel(level)
		a.Logger.Info("SIGHUP received, logging at %s", level)
	}
}

func (a *ServerApp) cleanup() {
	if a == nil {
		return
	}
	if a.Limiter != nil {
		a.Limiter.Stop()
	}
	if a.Sessions != nil {
		a.Sessions.Stop()
	}
	if a.Processes != nil {
		a.Processes.Shutdown(ProcessGrace)
	}
}
