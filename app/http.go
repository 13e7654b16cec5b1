// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package app

import (
	"net/http"
	"strings"

	"github.com/iKaew/hass-linkstation-addon/integration"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const refreshPathPrefix = "/refresh/"

// Handler returns the host's HTTP handler.
//
//	GET  /metrics          Prometheus metrics.
//	GET  /states           JSON status of every running entry.
//	POST /refresh/<entry>  Refresh an entry now.
func (a *App) Handler() http.Handler {
	gatherer := a.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/states", a.serveStates)
	mux.HandleFunc(refreshPathPrefix, a.serveRefresh)
	return mux
}

func (a *App) serveStates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data, err := json.Marshal(a.Status())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (a *App) serveRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, refreshPathPrefix)
	if name == "" {
		http.NotFound(w, r)
		return
	}

	err := a.services.Call(r.Context(), integration.ServiceDomain(name), integration.RefreshService)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Cause(err) == integration.ErrUnknownService:
		http.NotFound(w, r)
	default:
		a.component("http").Warnf("Refresh of %q failed: %s", name, err)
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}
