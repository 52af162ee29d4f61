package handlers

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func RegisterRoutes(r *mux.Router, h *OpsHandler) {
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/stats/cache", h.CacheStats).Methods("GET")
	r.HandleFunc("/stats/memory", h.MemoryStats).Methods("GET")
	r.HandleFunc("/stats/queries", h.QueryStats).Methods("GET")
	r.HandleFunc("/scans/recent", h.RecentScans).Methods("GET")
	r.HandleFunc("/scans/{id}", h.ScanDetail).Methods("GET")
	r.HandleFunc("/cache/flush/{group}", h.FlushGroup).Methods("POST")
	r.HandleFunc("/memory/optimize/{strategy}", h.Optimize).Methods("POST")
	r.Handle("/metrics", promhttp.HandlerFor(h.app.Registry, promhttp.HandlerOpts{})).Methods("GET")
}
