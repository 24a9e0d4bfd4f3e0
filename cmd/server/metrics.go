package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matst80/vncrelay/internal/history"
	"github.com/matst80/vncrelay/internal/obs"
	"github.com/matst80/vncrelay/internal/proto"
	"github.com/matst80/vncrelay/internal/registry"
	"github.com/matst80/vncrelay/internal/web"
)

const dashboardHistory = 25

type admin struct {
	store    registry.Store
	hist     *history.Store // nil when history is disabled
	instance string
}

// routes serves Prometheus metrics, health probes, the JSON API and the dashboard.
func (a *admin) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.NoCache)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.store.IsClosing() || !a.store.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Get("/api/sessions", a.sessions)
	r.Get("/api/history", a.history)
	r.Get("/dashboard", a.dashboard)
	return r
}

func (a *admin) sessions(w http.ResponseWriter, r *http.Request) {
	st, err := collectStats(r.Context(), a.store, a.instance)
	if err != nil {
		obs.Error("admin.sessions", obs.Fields{"err": err.Error()})
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *admin) history(w http.ResponseWriter, r *http.Request) {
	if a.hist == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := a.hist.Recent(r.Context(), r.URL.Query().Get("vm"), limit)
	if err != nil {
		obs.Error("admin.history", obs.Fields{"err": err.Error()})
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *admin) dashboard(w http.ResponseWriter, r *http.Request) {
	st, err := collectStats(r.Context(), a.store, a.instance)
	if err != nil {
		obs.Error("admin.sessions", obs.Fields{"err": err.Error()})
	}
	data := st.ToTemplateMap()
	data["HistoryEnabled"] = a.hist != nil
	data["History"] = []proto.HistoryRecord{}
	if a.hist != nil {
		if recs, err := a.hist.Recent(r.Context(), "", dashboardHistory); err == nil {
			data["History"] = recs
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := web.Render(w, "dashboard", data); err != nil {
		w.WriteHeader(http.StatusNotImplemented)
		_, _ = w.Write([]byte("dashboard template missing"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// startMetricsServer runs the admin listener until ctx is done.
func startMetricsServer(ctx context.Context, addr string, h http.Handler) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": addr})
	}
}
