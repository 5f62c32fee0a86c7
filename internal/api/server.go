// Package api exposes the bridge's local HTTP interface: device state
// for dashboards and command endpoints mapped onto the ANIO client.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"aniobridge/internal/anio"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Commander is the slice of the ANIO client the API issues commands
// through.
type Commander interface {
	FindDevice(ctx context.Context, deviceID string) error
	PowerOffDevice(ctx context.Context, deviceID string) error
	SendFlower(ctx context.Context, deviceID string) error
	SendTextMessage(ctx context.Context, deviceID, text, username string, maxLength int) (*anio.ChatMessage, error)
	SendEmojiMessage(ctx context.Context, deviceID, emojiCode, username string) (*anio.ChatMessage, error)
	EnableSilenceTimes(ctx context.Context, deviceID string) error
	DisableSilenceTimes(ctx context.Context, deviceID string) error
	SetTrackingMode(ctx context.Context, deviceID, mode string) error
}

// StateSource provides the latest coordinator snapshot and lets the
// API schedule a refresh after commands.
type StateSource interface {
	Data() map[string]anio.DeviceState
	RequestRefresh()
}

// Server provides the local HTTP API
type Server struct {
	commander Commander
	states    StateSource
	logger    *zap.Logger
	server    *http.Server
}

// NewServer creates a new API server
func NewServer(commander Commander, states StateSource, logger *zap.Logger, port int) *Server {
	s := &Server{
		commander: commander,
		states:    states,
		logger:    logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Route("/api/devices", func(r chi.Router) {
		r.Get("/", s.handleListDevices)
		r.Route("/{deviceID}", func(r chi.Router) {
			r.Get("/", s.handleGetDevice)
			r.Post("/locate", s.handleLocate)
			r.Post("/poweroff", s.handlePowerOff)
			r.Post("/flower", s.handleFlower)
			r.Post("/message", s.handleSendMessage)
			r.Post("/silence/enable", s.handleSilence(true))
			r.Post("/silence/disable", s.handleSilence(false))
			r.Put("/tracking-mode", s.handleTrackingMode)
		})
	})

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler (useful for testing).
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start begins serving in a background goroutine
func (s *Server) Start() {
	go func() {
		s.logger.Info("API server starting", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.states.Data())
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	state, ok := s.states.Data()[deviceID]
	if !ok {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleLocate(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, r, s.commander.FindDevice)
}

func (s *Server) handlePowerOff(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, r, s.commander.PowerOffDevice)
}

func (s *Server) handleFlower(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, r, s.commander.SendFlower)
}

// runCommand executes a simple per-device command and schedules a
// refresh on success.
func (s *Server) runCommand(w http.ResponseWriter, r *http.Request, cmd func(context.Context, string) error) {
	deviceID := chi.URLParam(r, "deviceID")
	if err := cmd(r.Context(), deviceID); err != nil {
		s.writeError(w, err)
		return
	}
	s.states.RequestRefresh()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// MessageRequest is the body of POST /api/devices/{id}/message.
type MessageRequest struct {
	Text     string `json:"text"`
	Type     string `json:"type"` // "text" (default) or "emoji"
	Username string `json:"username,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	var msg *anio.ChatMessage
	var err error
	if req.Type == "emoji" {
		msg, err = s.commander.SendEmojiMessage(r.Context(), deviceID, req.Text, req.Username)
	} else {
		maxLength := 0
		if state, ok := s.states.Data()[deviceID]; ok {
			maxLength = state.Device.Config.MaxChatMessageLength
		}
		msg, err = s.commander.SendTextMessage(r.Context(), deviceID, req.Text, req.Username, maxLength)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.states.RequestRefresh()
	s.writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleSilence(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd := s.commander.DisableSilenceTimes
		if enable {
			cmd = s.commander.EnableSilenceTimes
		}
		s.runCommand(w, r, cmd)
	}
}

// TrackingModeRequest is the body of PUT /api/devices/{id}/tracking-mode.
type TrackingModeRequest struct {
	TrackingMode string `json:"trackingMode"`
}

func (s *Server) handleTrackingMode(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var req TrackingModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TrackingMode == "" {
		http.Error(w, "trackingMode is required", http.StatusBadRequest)
		return
	}

	if err := s.commander.SetTrackingMode(r.Context(), deviceID, req.TrackingMode); err != nil {
		s.writeError(w, err)
		return
	}

	s.states.RequestRefresh()
	s.writeJSON(w, http.StatusOK, map[string]string{"trackingMode": req.TrackingMode})
}

// writeError maps client errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		tooLong  *anio.MessageTooLongError
		notFound *anio.NotFoundError
		authErr  *anio.AuthError
		rateErr  *anio.RateLimitError
		apiErr   *anio.APIError
	)

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &tooLong):
		status = http.StatusBadRequest
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &authErr):
		status = http.StatusBadGateway
	case errors.As(err, &rateErr):
		status = http.StatusServiceUnavailable
	case errors.As(err, &apiErr):
		if apiErr.StatusCode == 0 {
			// Client-side validation (e.g. bad emoji code).
			status = http.StatusBadRequest
		} else {
			status = http.StatusBadGateway
		}
	}

	s.logger.Debug("Command failed", zap.Int("status", status), zap.Error(err))
	http.Error(w, err.Error(), status)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}
