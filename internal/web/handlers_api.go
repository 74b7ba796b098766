package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"esphome-go-home/internal/coordinator"
	"esphome-go-home/internal/store"
)

const addDeviceTimeout = 30 * time.Second

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.ListDevices())
}

type addDeviceRequest struct {
	IP            string `json:"ip"`
	Password      string `json:"password"`
	EncryptionKey string `json:"encryptionKey"`
}

// handleAPIAddDevice adds or updates a device and answers once the device
// connects or fails.
func (s *Server) handleAPIAddDevice(w http.ResponseWriter, r *http.Request) {
	var req addDeviceRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), addDeviceTimeout)
	defer cancel()

	res := s.coord.AddDevice(ctx, req.IP, req.Password, req.EncryptionKey)
	status := http.StatusOK
	if res.Type == "error" {
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, res)
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	if err := s.coord.DeleteDevice(ip); err != nil {
		if errors.Is(err, coordinator.ErrUnknownDevice) {
			s.writeError(w, http.StatusNotFound, "device not found")
			return
		}
		s.logger.Error("delete device", "err", err, "ip", ip)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListDiscovered(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.ListDiscovered())
}

func (s *Server) handleAPIListIPs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.ListIPs())
}

func (s *Server) handleAPICleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := s.coord.CleanupOffline(r.Context())
	if err != nil {
		s.logger.Error("offline cleanup", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if removed == nil {
		removed = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"removed": removed})
}

func (s *Server) handleAPIListObjects(w http.ResponseWriter, r *http.Request) {
	typ := store.ObjectType(r.URL.Query().Get("type"))
	objs, err := s.coord.Tree().ListObjects(typ, r.URL.Query().Get("prefix"))
	if err != nil {
		s.logger.Error("list objects", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if objs == nil {
		objs = []*store.Object{}
	}
	s.writeJSON(w, http.StatusOK, objs)
}

func (s *Server) handleAPIListStates(w http.ResponseWriter, r *http.Request) {
	states, err := s.coord.Tree().ListStates(r.URL.Query().Get("prefix"))
	if err != nil {
		s.logger.Error("list states", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleAPIGetState(w http.ResponseWriter, r *http.Request) {
	st, err := s.coord.Tree().GetState(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "state not found")
			return
		}
		s.logger.Error("get state", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

type writeStateRequest struct {
	Val any `json:"val"`
}

// handleAPIWriteState is the operator write path: the value is stored
// unacknowledged and forwarded to the device.
func (s *Server) handleAPIWriteState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req writeStateRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	err := s.coord.Tree().WriteState(r.Context(), id, req.Val)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "state not found")
	case errors.Is(err, coordinator.ErrReadOnly):
		s.writeError(w, http.StatusForbidden, "state is read-only")
	default:
		s.logger.Warn("write state", "id", id, "err", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
	}
}
