// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package web

import (
	"fmt"
	"net/http"
	"reflect"
	"runtime/debug"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nereid/internal/swarm"
	"nereid/internal/version"
	"nereid/internal/web/res"
)

func New(s *swarm.Swarm, gatherer prometheus.Gatherer, enableDebug bool) http.Handler {
	v := validator.New()

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	r := chi.NewMux()
	r.Use(middleware.Recoverer)

	r.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		res.Text(w, http.StatusOK, ".")
	})

	r.Get("/debug/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintln(w, version.Print())

		if info, ok := debug.ReadBuildInfo(); ok && enableDebug {
			_, _ = fmt.Fprintln(w)
			_, _ = fmt.Fprint(w, version.FormatBuildInfo(info))
		}
	})

	r.Get("/debug/swarm", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		s.WriteNodes(w)
	})

	if enableDebug {
		r.Mount("/debug", middleware.Profiler())
	}

	h := &api{swarm: s, validate: v}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NoCache)
		r.Get("/nodes", h.listNodes)
		r.Get("/nodes/{id}", h.getNode)
		r.Post("/lookup", h.lookup)
	})

	return r
}
