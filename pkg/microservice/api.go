package microservice

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/illmade-knight/go-homeflow/pkg/cache"
	"github.com/illmade-knight/go-homeflow/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Publisher publishes a payload on the message bus.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

// CommandRecorder counts commands accepted over HTTP.
type CommandRecorder interface {
	RecordCommand(device, command string)
}

// APIConfig wires the API to the rest of the process. Any nil dependency
// disables the routes that need it.
type APIConfig struct {
	// DevicePrefix is the command topic prefix, e.g. "device".
	DevicePrefix string
	States       cache.Cache[string, types.StateUpdate]
	Latest       cache.Cache[string, types.Measurement]
	Publisher    Publisher
	Gatherer     prometheus.Gatherer
	Recorder     CommandRecorder
}

// API serves device state, latest readings, metrics and command execution.
type API struct {
	cfg    APIConfig
	logger zerolog.Logger
}

// NewAPI creates an API.
func NewAPI(cfg APIConfig, logger zerolog.Logger) *API {
	if cfg.DevicePrefix == "" {
		cfg.DevicePrefix = "device"
	}
	return &API{cfg: cfg, logger: logger.With().Str("component", "API").Logger()}
}

// Mount registers the API routes on r.
func (a *API) Mount(r chi.Router) {
	if a.cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	if a.cfg.States != nil {
		r.Get("/devices/{device}/state", a.DeviceStateHandler)
	}
	if a.cfg.Latest != nil {
		r.Get("/latest/{measurement}", a.LatestHandler)
	}
	if a.cfg.Publisher != nil {
		r.Post("/execute/{device}/{command}", a.ExecuteHandler)
	}
}

// DeviceStateHandler returns the last state a device reported.
func (a *API) DeviceStateHandler(w http.ResponseWriter, r *http.Request) {
	device := strings.ToLower(chi.URLParam(r, "device"))
	update, err := a.cfg.States.FetchFromCache(r.Context(), device)
	if err != nil {
		a.lookupFailed(w, err, "device", device)
		return
	}
	writeJSON(w, http.StatusOK, update)
}

// LatestHandler returns the latest reading of a measurement.
func (a *API) LatestHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "measurement")
	m, err := a.cfg.Latest.FetchFromCache(r.Context(), name)
	if err != nil {
		a.lookupFailed(w, err, "measurement", name)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ExecuteHandler publishes a JSON command for a device to
// {prefix}/{device}/{command}.
func (a *API) ExecuteHandler(w http.ResponseWriter, r *http.Request) {
	device := chi.URLParam(r, "device")
	command := chi.URLParam(r, "command")

	var args map[string]any
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil || args == nil {
		a.logger.Warn().Err(err).Str("device", device).Str("command", command).Msg("Rejected command without a JSON object body.")
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "failed to understand request"})
		return
	}
	payload, err := json.Marshal(args)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "failed to understand request"})
		return
	}

	topic := a.cfg.DevicePrefix + "/" + device + "/" + command
	if err := a.cfg.Publisher.Publish(topic, payload, false); err != nil {
		a.logger.Error().Err(err).Str("topic", topic).Msg("Failed to publish command.")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "failed to publish command"})
		return
	}
	if a.cfg.Recorder != nil {
		a.cfg.Recorder.RecordCommand(strings.ToLower(device), strings.ToLower(command))
	}
	a.logger.Info().Str("topic", topic).RawJSON("args", payload).Msg("Command published.")
	writeJSON(w, http.StatusOK, map[string]string{"message": "successful"})
}

func (a *API) lookupFailed(w http.ResponseWriter, err error, kind, key string) {
	if errors.Is(err, cache.ErrCacheMiss) {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": kind + " not found"})
		return
	}
	a.logger.Error().Err(err).Str(kind, key).Msg("Cache lookup failed.")
	writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "lookup failed"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
