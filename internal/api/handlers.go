package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"iot-sim-gateway/internal/auth"
	"iot-sim-gateway/internal/data"
	"iot-sim-gateway/internal/logging"
	"iot-sim-gateway/internal/registry"
	"iot-sim-gateway/internal/storage"
)

const maxBodyBytes = 64 << 10

// Injector forces a reading through a device loop.
type Injector interface {
	Inject(ctx context.Context, deviceID string, fields map[string]float64) error
}

// SubscriberCounter reports live subscribers for /health.
type SubscriberCounter interface {
	Count() int
}

type APIHandler struct {
	registry    *registry.Registry
	history     *storage.MemoryStore
	injector    Injector
	subscribers SubscriberCounter
	auth        *auth.Manager
	logger      *zerolog.Logger
	started     time.Time
	now         func() time.Time
}

func NewAPIHandler(
	reg *registry.Registry,
	history *storage.MemoryStore,
	injector Injector,
	subscribers SubscriberCounter,
	authManager *auth.Manager,
	logger *zerolog.Logger,
) *APIHandler {
	return &APIHandler{
		registry:    reg,
		history:     history,
		injector:    injector,
		subscribers: subscribers,
		auth:        authManager,
		logger:      logger,
		started:     time.Now(),
		now:         time.Now,
	}
}

// HandleListDevices returns every device with its last reading.
func (h *APIHandler) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": h.registry.List()})
}

func (h *APIHandler) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := h.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, device)
}

// HandleHistory returns the stored history of a device, oldest first. Unknown ids
// get an empty list, not an error. ?limit=n keeps only the newest n entries.
func (h *APIHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"history": h.history.Recent(id, limit)})
}

// HandleInjectReading accepts a reading for a device and hands it to the device's loop.
func (h *APIHandler) HandleInjectReading(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context(), h.logger)
	id := chi.URLParam(r, "id")

	device, err := h.registry.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	defer r.Body.Close()

	reading, err := data.ParseReading(body, device, h.now())
	if err != nil {
		log.Debug().Err(err).Str("device_id", id).Msg("Rejected injected reading")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.injector.Inject(r.Context(), id, reading.Fields); err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		log.Warn().Err(err).Str("device_id", id).Msg("Failed to inject reading")
		writeError(w, http.StatusServiceUnavailable, "simulator not accepting readings")
		return
	}

	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		log.Info().Str("device_id", id).Str("by", p.Username).Str("auth", p.Method).Msg("Reading injected")
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":    "accepted",
		"device_id": id,
		"metrics":   reading.Fields,
	})
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// HandleToken exchanges a username and password for a JWT.
func (h *APIHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil {
		writeError(w, http.StatusNotFound, "authentication not configured")
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	role, err := h.auth.AuthenticateUser(req.Username, req.Password)
	if err != nil {
		logging.FromContext(r.Context(), h.logger).Warn().
			Str("username", req.Username).
			Msg("Authentication failed")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.auth.GenerateJWT(req.Username, role)
	if err != nil {
		if errors.Is(err, auth.ErrMissingSecret) {
			writeError(w, http.StatusServiceUnavailable, "token issuing disabled")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"token_type": "Bearer",
		"expires_at": expiresAt.UTC(),
	})
}

func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	subscribers := 0
	if h.subscribers != nil {
		subscribers = h.subscribers.Count()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(h.now().Sub(h.started).Seconds()),
		"devices":        h.registry.Len(),
		"subscribers":    subscribers,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
