// Copyright 2025 RouteGate
// SPDX-License-Identifier: Apache-2.0

// Command broker runs the RouteGate routing service: engine catalog,
// admission control, advanced routing, and the ops/metrics surface.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"routegate/broker"
	"routegate/catalog"
	"routegate/ratelimit"
	"routegate/routing"
	"routegate/store"
)

const shutdownGrace = 10 * time.Second

func main() {
	logger := log.New(os.Stdout, "[BROKER] ", log.LstdFlags)

	catalogPath := getEnv("CATALOG_PATH", "config/engines.yaml")
	port := getEnv("PORT", "8080")
	redisURL := os.Getenv("REDIS_URL")

	cat, err := catalog.LoadFile(catalogPath)
	if err != nil {
		logger.Fatalf("failed to load catalog from %s: %v", catalogPath, err)
	}
	logger.Printf("loaded %d engines from %s", cat.Len(), catalogPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The shared store is optional: without it every subsystem runs on
	// process-local state, which is fine for a single instance.
	var st store.Store
	if redisURL != "" {
		redisStore, err := store.NewRedisStore(ctx, redisURL)
		if err != nil {
			logger.Fatalf("failed to connect to store at %s: %v", redisURL, err)
		}
		defer redisStore.Close()
		st = redisStore
		logger.Printf("connected to shared store")
	} else {
		logger.Printf("REDIS_URL not set, running on local state only")
	}

	providers, err := broker.BuildProviders(cat, broker.LocalFactories())
	if err != nil {
		logger.Fatalf("failed to build providers: %v", err)
	}

	b, err := broker.New(broker.Config{
		Catalog:   cat,
		Providers: providers,
		ABTests:   routing.NewABTestManager(routing.ABTestManagerConfig{}, st),
		Limiter:   ratelimit.New(st, limitsFromEnv()),
	})
	if err != nil {
		logger.Fatalf("failed to build broker: %v", err)
	}

	b.StartMaintenance(ctx)
	defer b.Stop()

	router := mux.NewRouter()
	router.HandleFunc("/health", handleHealth).Methods("GET")
	router.HandleFunc("/v1/chat", handleChat(b)).Methods("POST")
	router.HandleFunc("/status/engines", handleEngines(b)).Methods("GET")
	router.HandleFunc("/status/breakers", handleBreakers(b)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
	}

	go func() {
		logger.Printf("listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown error: %v", err)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func handleChat(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req broker.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if req.ClientIP == "" {
			req.ClientIP = r.RemoteAddr
		}

		res, decision := b.Serve(r.Context(), req)

		status := http.StatusOK
		switch res.Kind {
		case broker.KindRateLimited:
			status = http.StatusTooManyRequests
		case broker.KindBudgetExceeded:
			status = http.StatusGatewayTimeout
		case broker.KindEngineUnavailable:
			status = http.StatusServiceUnavailable
		case broker.KindBackendError, broker.KindUnknownEngine:
			status = http.StatusBadGateway
		case broker.KindCancelled:
			status = http.StatusRequestTimeout
		}

		writeJSON(w, status, map[string]interface{}{
			"result":   res,
			"decision": decision,
		})
	}
}

func handleEngines(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, b.EngineStatuses())
	}
}

func handleBreakers(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, b.Breakers().Snapshots())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// limitsFromEnv reads the optional per-scope limits. Each scope takes
// either a token bucket (_RPS/_BURST) or a sliding window
// (_WINDOW_SECONDS/_WINDOW_LIMIT); unset scopes are unlimited.
func limitsFromEnv() map[ratelimit.ScopeKind]ratelimit.Config {
	configs := make(map[ratelimit.ScopeKind]ratelimit.Config)
	for scope, prefix := range map[ratelimit.ScopeKind]string{
		ratelimit.ScopeGlobal: "RATELIMIT_GLOBAL",
		ratelimit.ScopeUser:   "RATELIMIT_USER",
		ratelimit.ScopeIP:     "RATELIMIT_IP",
		ratelimit.ScopeClass:  "RATELIMIT_CLASS",
	} {
		cfg := ratelimit.Config{
			RPS:         envFloat(prefix + "_RPS"),
			Burst:       envInt(prefix + "_BURST"),
			WindowLimit: envInt(prefix + "_WINDOW_LIMIT"),
		}
		if sec := envInt(prefix + "_WINDOW_SECONDS"); sec > 0 {
			cfg.Window = time.Duration(sec) * time.Second
		}
		if cfg != (ratelimit.Config{}) {
			configs[scope] = cfg
		}
	}
	return configs
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envFloat(key string) float64 {
	s := os.Getenv(key)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func envInt(key string) int {
	s := os.Getenv(key)
	if s == "" {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
