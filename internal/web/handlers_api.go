package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"aqara-gateway-go/internal/device"
	"aqara-gateway-go/internal/engine"
	"aqara-gateway-go/internal/loop"
	"aqara-gateway-go/internal/telemetry"
)

const (
	maxBodyBytes   = 1 << 20
	requestTimeout = 10 * time.Second
)

// deviceView is a descriptor with the current state of its entities.
type deviceView struct {
	device.Descriptor
	States []telemetry.Snapshot `json:"states"`
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.eng.Devices())
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	did := r.PathValue("did")
	d, ok := s.eng.Device(did)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	view := deviceView{Descriptor: d, States: []telemetry.Snapshot{}}
	for _, id := range s.eng.EntityIDs(did) {
		if snap, ok := s.eng.Snapshot(id); ok {
			view.States = append(view.States, snap)
		}
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAPIRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var d device.Descriptor
	if !s.decodeBody(w, r, &d) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := s.eng.Register(ctx, d); err != nil {
		s.writeError(w, "register device", err)
		return
	}
	registered, _ := s.eng.Device(d.DID)
	s.writeJSON(w, http.StatusCreated, registered)
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := s.eng.Remove(ctx, r.PathValue("did")); err != nil {
		s.writeError(w, "delete device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAPISendCommand forwards a raw attribute write to the gateway.
func (s *Server) handleAPISendCommand(w http.ResponseWriter, r *http.Request) {
	did := r.PathValue("did")
	if _, ok := s.eng.Device(did); !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	var cmd map[string]any
	if !s.decodeBody(w, r, &cmd) {
		return
	}
	if len(cmd) == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty command"})
		return
	}
	if err := s.eng.Send(did, cmd); err != nil {
		s.writeError(w, "send command", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handleAPIListEntities(w http.ResponseWriter, r *http.Request) {
	did := r.URL.Query().Get("device")
	kind := r.URL.Query().Get("kind")
	out := []telemetry.Snapshot{}
	for _, snap := range s.eng.Snapshots() {
		if did != "" && snap.Device != did {
			continue
		}
		if kind != "" && snap.Kind != kind {
			continue
		}
		out = append(out, snap)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIGetEntity(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.eng.Snapshot(r.PathValue("id"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "entity not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

type entityCommandRequest struct {
	Action string  `json:"action"`
	Value  float64 `json:"value"`
}

func (s *Server) handleAPIEntityCommand(w http.ResponseWriter, r *http.Request) {
	var req entityCommandRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Action == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "action is required"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := s.eng.Command(ctx, r.PathValue("id"), req.Action, req.Value); err != nil {
		s.writeError(w, "entity command", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIForceIdle(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := s.eng.ForceIdle(ctx, r.PathValue("id")); err != nil {
		s.writeError(w, "force idle", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeBody reads a size-capped JSON body, answering 400 on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// writeError maps engine errors to status codes. Anything unrecognised
// came from the gateway transport.
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, engine.ErrUnknownEntity), errors.Is(err, engine.ErrUnknownDevice):
		status = http.StatusNotFound
	case errors.Is(err, telemetry.ErrUnsupported), errors.Is(err, device.ErrInvalidDescriptor):
		status = http.StatusBadRequest
	case errors.Is(err, telemetry.ErrNoSender), errors.Is(err, loop.ErrStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusBadGateway {
		s.logger.Error(op, "err", err)
	} else {
		s.logger.Debug(op, "err", err, "status", status)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
