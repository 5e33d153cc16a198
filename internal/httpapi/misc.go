package httpapi

import (
	"net/http"
	"strings"

	"github.com/relaybridge/agentbridge/internal/apierr"
	"github.com/relaybridge/agentbridge/internal/model"
)

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": s.projectPaths})
}

type modelInfo struct {
	ID      string `json:"id"`
	Label   string `json:"label,omitempty"`
	Default bool   `json:"default,omitempty"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if s.transport == nil {
		writeJSON(w, http.StatusOK, map[string]any{"data": []modelInfo{}})
		return
	}
	raw, err := s.transport.Request(r.Context(), "model/list", nil)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.Internal, "failed to list models from agent", err))
		return
	}
	var reply struct {
		Models []modelInfo `json:"models"`
	}
	if err := decodeRawJSON(raw, &reply); err != nil {
		writeError(w, apierr.Wrap(apierr.Internal, "malformed model list from agent", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": reply.Models})
}

type registerDeviceRequest struct {
	Platform    string `json:"platform"`
	Token       string `json:"token"`
	Bundle      string `json:"bundle"`
	Environment string `json:"environment"`
	ThreadScope string `json:"threadScope"`
}

func (s *Server) handleDeviceRegister(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Token) == "" || strings.TrimSpace(req.Platform) == "" {
		writeError(w, apierr.New(apierr.BadRequest, "platform and token are required"))
		return
	}
	d := &model.PushDevice{
		Platform: req.Platform, Token: req.Token, Bundle: req.Bundle,
		Environment: req.Environment, ThreadScope: req.ThreadScope,
	}
	if err := s.store.RegisterDevice(r.Context(), d); err != nil {
		writeError(w, apierr.Wrap(apierr.Internal, "failed to register device", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"registered": true})
}

type unregisterDeviceRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleDeviceUnregister(w http.ResponseWriter, r *http.Request) {
	var req unregisterDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, apierr.New(apierr.BadRequest, "token is required"))
		return
	}
	if err := s.store.UnregisterDevice(r.Context(), req.Token); err != nil {
		writeError(w, apierr.Wrap(apierr.Internal, "failed to unregister device", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unregistered": true})
}
