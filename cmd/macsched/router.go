package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/signalsfoundry/nr-mac-scheduler/model"
)

// statusSource is the scheduler surface exposed over HTTP.
type statusSource interface {
	Cells() []model.CellConfig
	UEExists(model.RNTI) bool
	MetricsRead() []model.UEMetrics
}

func newRouter(s statusSource, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", metrics)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if len(s.Cells()) == 0 {
			http.Error(w, "cells not configured", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/ues", func(r chi.Router) {
		// Reading consumes the counters, like the PHY API's MetricsRead.
		r.Get("/metrics", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.MetricsRead())
		})
		r.Get("/{rnti}", func(w http.ResponseWriter, req *http.Request) {
			v, err := strconv.ParseUint(chi.URLParam(req, "rnti"), 0, 16)
			if err != nil {
				http.Error(w, "invalid rnti", http.StatusBadRequest)
				return
			}
			rnti := model.RNTI(v)
			if !s.UEExists(rnti) {
				http.Error(w, "unknown ue", http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"rnti": rnti.String()})
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
