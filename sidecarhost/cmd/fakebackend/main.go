// Command fakebackend is a stand-in for the real backend. It binds the port the
// supervisor hands it and answers the health endpoints, which is enough to
// exercise launch, probing, restart and crash handling by hand.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/tomyedwab/pinup/sidecarhost/processes"
)

func main() {
	port := flag.Int("port", 0, "Port to listen on (defaults to $PINUP_PORT)")
	crashAfter := flag.Duration("crash-after", 0, "Exit with status 1 after this long, 0 to run until signalled")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if *port == 0 {
		if p, err := strconv.Atoi(os.Getenv(processes.EnvBackendPort)); err == nil {
			*port = p
		}
	}
	if *port <= 0 || *port > 65535 {
		logger.Error("No valid port given", "port", *port)
		os.Exit(2)
	}
	host := os.Getenv(processes.EnvBackendHost)
	if host == "" {
		host = processes.BackendHost
	}

	started := time.Now()
	mux := http.NewServeMux()
	health := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ok",
			"uptime": time.Since(started).String(),
			"db":     os.Getenv(processes.EnvBackendDB),
		})
	}
	mux.HandleFunc("GET "+processes.HealthPath, health)
	mux.HandleFunc("GET "+processes.HealthPath+"/live", health)
	mux.HandleFunc("GET "+processes.HealthPath+"/ready", health)

	addr := net.JoinHostPort(host, strconv.Itoa(*port))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *crashAfter > 0 {
		time.AfterFunc(*crashAfter, func() {
			logger.Error("Simulated crash", "after", crashAfter.String())
			os.Exit(1)
		})
	}

	go func() {
		logger.Info("Fake backend listening", "address", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Fake backend failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down fake backend")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
}
