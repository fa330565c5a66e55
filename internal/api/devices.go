package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dfultonthebar/av-control-core/internal/connection"
)

// directCommandTimeout bounds a direct single-device send issued through
// the API, independent of the client's patience.
const directCommandTimeout = 10 * time.Second

// deviceCommandRequest is the body for POST /api/devices/{address}/command.
type deviceCommandRequest struct {
	Payload string `json:"payload"`
}

// deviceCommandResponse carries a device's raw reply back to the caller.
type deviceCommandResponse struct {
	Address string `json:"address"`
	Reply   string `json:"reply"`
}

// handleListDevices returns the connection status of every tracked device.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	statuses := s.connections.Statuses()
	if statuses == nil {
		statuses = []connection.Status{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": statuses})
}

// handleDeviceStatus returns one device's connection status.
func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	status, err := s.connections.Status(address)
	if err != nil {
		if errors.Is(err, connection.ErrUnknownDevice) {
			writeNotFound(w, "no connection tracked for "+address)
			return
		}
		s.logger.Error("querying device status failed", "address", address, "error", err)
		writeInternalError(w, "querying device status failed")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleReconnectDevice drops a device's connection record so the next
// command dials fresh. This is the external trigger that clears an
// unreachable device.
func (s *Server) handleReconnectDevice(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	s.connections.Reset(address)
	s.logger.Info("device connection reset requested", "address", address)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"address": address,
		"status":  "reset",
	})
}

// handleDeviceCommand sends a raw command to one device, bypassing the
// sequencer. Intended for commissioning and diagnostics.
func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	var req deviceCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Payload) == "" {
		writeBadRequest(w, "payload must not be empty")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), directCommandTimeout)
	defer cancel()

	reply, err := s.connections.Send(ctx, address, []byte(req.Payload))
	if err != nil {
		switch {
		case errors.Is(err, connection.ErrExhausted):
			writeError(w, http.StatusServiceUnavailable, "device_unreachable", err.Error())
		case errors.Is(err, connection.ErrTimeout):
			writeError(w, http.StatusGatewayTimeout, "device_timeout", err.Error())
		default:
			writeError(w, http.StatusBadGateway, "device_error", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, deviceCommandResponse{
		Address: address,
		Reply:   string(reply),
	})
}
