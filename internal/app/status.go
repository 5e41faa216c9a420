package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// startStatusServer serves /health and /status when a port is configured.
// The returned stop function shuts the server down gracefully and is safe
// to call when the server never started.
func (a *App) startStatusServer() func() {
	if a.config.StatusPort <= 0 {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.healthHandler)
	mux.HandleFunc("/status", a.statusHandler)

	addr := fmt.Sprintf(":%d", a.config.StatusPort)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		a.logger.Info("🩺 Status server starting", "address", fmt.Sprintf("http://localhost%s/status", addr))
		// ListenAndServe returns ErrServerClosed on graceful shutdown; that
		// path must not log as a failure.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Status server failed unexpectedly", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.Debug("Shutting down status server...")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("Status server shutdown failed", "error", err)
		}
	}
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	a.logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// statusHandler reports the in-flight build as JSON, or 404 while no build
// is running.
func (a *App) statusHandler(w http.ResponseWriter, r *http.Request) {
	eng := a.activeEngine()
	if eng == nil {
		http.Error(w, "no build in flight", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(eng.Snapshot()); err != nil {
		a.logger.Warn("Status snapshot encoding failed.", "error", err)
	}
}
