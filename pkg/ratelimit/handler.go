// SPDX-License-Identifier: AGPL-3.0-only

package ratelimit

import (
	"net/http"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
)

// ServiceReport is the status page entry of a single service.
type ServiceReport struct {
	ServiceName                 string          `json:"service_name"`
	Registered                  bool            `json:"registered"`
	Throttling                  bool            `json:"throttling"`
	AvailableCapacityPercentage float64         `json:"available_capacity_percentage"`
	Status                      Status          `json:"status"`
	Metrics                     MetricsSnapshot `json:"metrics"`
	Adaptive                    *AdaptiveState  `json:"adaptive,omitempty"`
}

// Report describes the current state of serviceName. Looking up a service
// doesn't create its metrics.
func (r *Registry) Report(serviceName string) ServiceReport {
	r.mtx.RLock()
	entry, registered := r.limiters[serviceName]
	m := r.metrics[serviceName]
	r.mtx.RUnlock()

	var status Status
	if registered {
		status = entry.handle().Status()
	} else {
		status = noopHandle{serviceName: serviceName}.Status()
	}

	report := ServiceReport{
		ServiceName:                 serviceName,
		Registered:                  registered,
		Throttling:                  status.IsThrottling(),
		AvailableCapacityPercentage: status.AvailableCapacityPercentage(),
		Status:                      status,
		Metrics:                     MetricsSnapshot{ServiceName: serviceName},
	}
	if m != nil {
		report.Metrics = m.Snapshot()
	}
	if registered && entry.adaptive != nil {
		state := entry.adaptive.AdaptiveState()
		report.Adaptive = &state
	}
	return report
}

// RegisterRoutes adds the rate limits status and admin endpoints to router.
func RegisterRoutes(router *mux.Router, r *Registry, logger log.Logger) {
	h := &handler{registry: r, logger: logger}

	router.HandleFunc("/ratelimits", h.listServices).Methods(http.MethodGet)
	router.HandleFunc("/ratelimits/{service}", h.getService).Methods(http.MethodGet)
	router.HandleFunc("/ratelimits/{service}/metrics/reset", h.resetMetrics).Methods(http.MethodPost)
}

type handler struct {
	registry *Registry
	logger   log.Logger
}

func (h *handler) listServices(w http.ResponseWriter, _ *http.Request) {
	names := map[string]struct{}{}
	for name := range h.registry.AllLimiters() {
		names[name] = struct{}{}
	}
	for name := range h.registry.AllMetrics() {
		names[name] = struct{}{}
	}

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	reports := make([]ServiceReport, 0, len(sorted))
	for _, name := range sorted {
		reports = append(reports, h.registry.Report(name))
	}
	h.writeJSON(w, http.StatusOK, reports)
}

func (h *handler) getService(w http.ResponseWriter, req *http.Request) {
	h.writeJSON(w, http.StatusOK, h.registry.Report(mux.Vars(req)["service"]))
}

func (h *handler) resetMetrics(w http.ResponseWriter, req *http.Request) {
	service := mux.Vars(req)["service"]
	if !h.registry.ResetMetrics(service) {
		http.Error(w, "no metrics recorded for service "+service, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
	if err != nil {
		level.Error(h.logger).Log("msg", "failed to encode rate limits response", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(data); err != nil {
		level.Debug(h.logger).Log("msg", "failed to write rate limits response", "err", err)
	}
}
